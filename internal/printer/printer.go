// Package printer renders human-facing CLI output with colour.
package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dyluth/beacon/pkg/dsdl"
	"github.com/fatih/color"
)

func init() {
	// Force color output even when not connected to TTY
	// Users can disable with NO_COLOR environment variable
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// Printer writes messages to an output and an error stream.
type Printer struct {
	out io.Writer
	err io.Writer
}

// New returns a printer writing to out and errOut.
func New(out, errOut io.Writer) *Printer {
	return &Printer{out: out, err: errOut}
}

var std = New(os.Stdout, os.Stderr)

// Success prints a success message in green with a checkmark prefix
func (p *Printer) Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(p.out, msg)
}

// Info prints an informational message in the default color
func (p *Printer) Info(format string, a ...any) {
	fmt.Fprintf(p.out, format, a...)
}

// Warning prints a warning message in yellow with a warning emoji prefix
func (p *Printer) Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(p.out, msg)
}

// Step prints a step message with emphasis (used in multi-step operations)
func (p *Printer) Step(format string, a ...any) {
	cyan.Fprintf(p.out, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints a formatted error with title, explanation and suggestions to
// the error stream and returns a simple error for Cobra
func (p *Printer) Error(title string, explanation string, suggestions []string) error {
	return p.ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with key/value details printed in key order.
func (p *Printer) ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(p.err, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(p.err, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(p.err, "\n")
		for _, k := range keys {
			fmt.Fprintf(p.err, "  %s: %s\n", k, context[k])
		}
	}

	if len(suggestions) > 0 {
		fmt.Fprintf(p.err, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(p.err, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(p.err, "Either:\n")
			for i, suggestion := range suggestions {
				fmt.Fprintf(p.err, "  %d. %s\n", i+1, suggestion)
			}
		}
	}

	// Return simple error for Cobra (won't be printed due to SilenceErrors)
	return fmt.Errorf("%s", title)
}

// Health renders a heartbeat health value, coloured by severity.
func Health(h dsdl.Health) string {
	switch h {
	case dsdl.HealthNominal:
		return green.Sprint(h)
	case dsdl.HealthAdvisory:
		return cyan.Sprint(h)
	case dsdl.HealthCaution:
		return yellow.Sprint(h)
	default:
		return red.Sprint(h)
	}
}

// Faint renders s de-emphasised.
func Faint(s string) string {
	return faint.Sprint(s)
}

// Package-level helpers write to stdout and stderr.

func Success(format string, a ...any) { std.Success(format, a...) }
func Info(format string, a ...any)    { std.Info(format, a...) }
func Warning(format string, a ...any) { std.Warning(format, a...) }
func Step(format string, a ...any)    { std.Step(format, a...) }

func Error(title string, explanation string, suggestions []string) error {
	return std.Error(title, explanation, suggestions)
}

func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	return std.ErrorWithContext(title, explanation, context, suggestions)
}
