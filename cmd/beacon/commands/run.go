package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/dyluth/beacon/internal/launcher"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node with the configured bindings",
	Long: `Run a node: open the transport, advertise and subscribe the configured
bindings, publish a heartbeat and serve /healthz and /metrics when a metrics
address is configured.

The node stops cleanly on SIGINT or SIGTERM.

Examples:
  # Run with ./beacon.yml
  beacon run

  # Run with an explicit configuration
  beacon run -c /etc/beacon/probe.toml`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)
	cfg, err := loadConfig(p, false)
	if err != nil {
		return err
	}

	log := newLogger(cmd)
	ctx, stop := signal.NotifyContext(contextOf(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := launcher.New(ctx, cfg, launcher.Options{TransportOptions: launcher.TransportOptions{Logger: &log}})
	if err != nil {
		return p.ErrorWithContext(
			"failed to start node",
			err.Error(),
			map[string]string{"Transport": cfg.Transport.Kind, "Node": cfg.NodeID().String()},
			[]string{"Check that the transport is reachable and the bindings are valid."},
		)
	}

	p.Success("Node %s running on %s transport (namespace %s)\n", rt.Node().ID(), cfg.Transport.Kind, cfg.Transport.Namespace)
	if addr := rt.HealthAddr(); addr != "" {
		p.Info("  Health:  http://%s/healthz\n  Metrics: http://%s/metrics\n", addr, addr)
	}

	if err := rt.Run(ctx); err != nil {
		return p.Error("node stopped with an error", err.Error(), nil)
	}
	p.Success("Node stopped\n")
	return nil
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
