package watch

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/beacon/internal/printer"
	"github.com/dyluth/beacon/pkg/dsdl"
	"github.com/dyluth/beacon/pkg/node"
)

// OutputFormat selects how events are rendered.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSON    OutputFormat = "json"
)

// ParseOutputFormat accepts "default" (or empty) and "json".
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "", OutputFormatDefault:
		return OutputFormatDefault, nil
	case OutputFormatJSON:
		return OutputFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid output format: %s (must be 'default' or 'json')", s)
	}
}

// Peer events.
const (
	EventHeartbeat     = "heartbeat"
	EventPeerOnline    = "peer_online"
	EventPeerRestarted = "peer_restarted"
	EventPeerOffline   = "peer_offline"
)

type formatter interface {
	FormatHeartbeat(m node.Message[dsdl.Heartbeat]) error
	FormatPeer(event string, p Peer) error
}

func newFormatter(format OutputFormat, w io.Writer) (formatter, error) {
	switch format {
	case "", OutputFormatDefault:
		return &defaultFormatter{writer: w}, nil
	case OutputFormatJSON:
		return &jsonFormatter{writer: w}, nil
	default:
		return nil, fmt.Errorf("invalid output format: %s", format)
	}
}

// defaultFormatter writes one human-readable line per event.
type defaultFormatter struct {
	writer io.Writer
}

func (f *defaultFormatter) FormatHeartbeat(m node.Message[dsdl.Heartbeat]) error {
	hb := m.Value
	_, err := fmt.Fprintf(f.writer, "[%s] 💓 Heartbeat node=%s uptime=%ds health=%s mode=%s vendor=%d\n",
		m.Timestamp.Format("15:04:05"), m.Source, hb.Uptime, printer.Health(hb.Health), hb.Mode, hb.VendorStatus)
	return err
}

func (f *defaultFormatter) FormatPeer(event string, p Peer) error {
	var err error
	switch event {
	case EventPeerOnline:
		_, err = fmt.Fprintf(f.writer, "[%s] 🟢 Peer online node=%s\n", p.LastSeen.Format("15:04:05"), p.Node)
	case EventPeerRestarted:
		_, err = fmt.Fprintf(f.writer, "[%s] 🔄 Peer restarted node=%s uptime=%ds restarts=%d\n",
			p.LastSeen.Format("15:04:05"), p.Node, p.Heartbeat.Uptime, p.Restarts)
	case EventPeerOffline:
		_, err = fmt.Fprintf(f.writer, "[%s] 💤 Peer offline node=%s %s\n",
			p.LastSeen.Format("15:04:05"), p.Node, printer.Faint("last_seen="+p.LastSeen.Format(time.RFC3339)))
	default:
		return fmt.Errorf("unknown peer event %q", event)
	}
	return err
}

// jsonFormatter writes line-delimited JSON.
type jsonFormatter struct {
	writer io.Writer
}

type heartbeatEvent struct {
	Event        string    `json:"event"`
	Timestamp    time.Time `json:"timestamp"`
	Node         uint16    `json:"node"`
	Uptime       uint32    `json:"uptime"`
	Health       string    `json:"health"`
	Mode         string    `json:"mode"`
	VendorStatus uint8     `json:"vendor_status"`
	Priority     string    `json:"priority"`
	TransferID   uint64    `json:"transfer_id"`
}

type peerEvent struct {
	Event     string    `json:"event"`
	Node      uint16    `json:"node"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Uptime    uint32    `json:"uptime"`
	Restarts  int       `json:"restarts"`
}

func (f *jsonFormatter) FormatHeartbeat(m node.Message[dsdl.Heartbeat]) error {
	return f.write(heartbeatEvent{
		Event:        EventHeartbeat,
		Timestamp:    m.Timestamp,
		Node:         uint16(m.Source),
		Uptime:       m.Value.Uptime,
		Health:       m.Value.Health.String(),
		Mode:         m.Value.Mode.String(),
		VendorStatus: m.Value.VendorStatus,
		Priority:     m.Priority.String(),
		TransferID:   m.TransferID,
	})
}

func (f *jsonFormatter) FormatPeer(event string, p Peer) error {
	return f.write(peerEvent{
		Event:     event,
		Node:      uint16(p.Node),
		FirstSeen: p.FirstSeen,
		LastSeen:  p.LastSeen,
		Uptime:    p.Heartbeat.Uptime,
		Restarts:  p.Restarts,
	})
}

func (f *jsonFormatter) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(f.writer, "%s\n", data)
	return err
}
