package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/dyluth/beacon/internal/config"
	"github.com/dyluth/beacon/internal/logging"
	"github.com/dyluth/beacon/internal/printer"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// DefaultConfigFile is read when --config is not given.
const DefaultConfigFile = "beacon.yml"

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "Beacon - publish/subscribe node runtime with heartbeats",
	Long: `Beacon runs a node on a publish/subscribe bus. Nodes exchange typed
messages on numbered subjects and announce their liveness with a heartbeat
once per second.

The bus can be in-process (memory), Redis Pub/Sub (redis) or libp2p
gossipsub (gossip).`,
	Version: version,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (YAML, or TOML with a .toml extension; default beacon.yml)")
}

func newPrinter(cmd *cobra.Command) *printer.Printer {
	return printer.New(cmd.OutOrStdout(), cmd.ErrOrStderr())
}

func newLogger(cmd *cobra.Command) zerolog.Logger {
	return logging.New(cmd.ErrOrStderr(), "beacon", logging.FromEnv(os.Getenv))
}

// loadConfig reads --config, or beacon.yml when present. When optional is
// set and neither exists, the configuration comes from BEACON_* variables.
func loadConfig(p *printer.Printer, optional bool) (*config.BeaconConfig, error) {
	path := configPath
	if path == "" {
		path = DefaultConfigFile
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && optional {
			cfg, err := config.FromEnv(os.Getenv)
			if err != nil {
				return nil, p.Error("invalid environment", err.Error(), []string{
					"Check BEACON_NODE_ID, BEACON_NAMESPACE and BEACON_REDIS_URL.",
				})
			}
			return cfg, nil
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, p.ErrorWithContext(
			"failed to load configuration",
			err.Error(),
			map[string]string{"Config": path},
			[]string{"Fix the configuration file, or pass another one with --config."},
		)
	}
	return cfg, nil
}
