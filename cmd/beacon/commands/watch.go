package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/beacon/internal/launcher"
	"github.com/dyluth/beacon/internal/watch"
	"github.com/dyluth/beacon/pkg/bus"
	"github.com/dyluth/beacon/pkg/node"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	watchOutputFormat string
	watchTimeout      time.Duration
	watchDuration     time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor heartbeats and peer liveness",
	Long: `Monitor the heartbeats on the bus.

Prints one line per heartbeat and reports peers coming online, restarting
and going offline after staying silent for the offline timeout.

The transport is taken from the configuration file when one is present,
otherwise from BEACON_REDIS_URL and BEACON_NAMESPACE. Watching is passive:
the watcher is anonymous and sends no heartbeat of its own.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch the bus described by ./beacon.yml
  beacon watch

  # Export events as JSON
  beacon watch --output=json > heartbeats.jsonl`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().DurationVar(&watchTimeout, "offline-after", watch.DefaultOfflineTimeout, "Silence after which a peer is reported offline")
	watchCmd.Flags().DurationVar(&watchDuration, "duration", 0, "Stop after this long (0 = until interrupted)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	format, err := watch.ParseOutputFormat(watchOutputFormat)
	if err != nil {
		return p.Error("invalid output format", err.Error(), []string{"Valid formats: default, json"})
	}

	cfg, err := loadConfig(p, true)
	if err != nil {
		return err
	}

	log := newLogger(cmd)
	ctx, stop := signal.NotifyContext(contextOf(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if watchDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, watchDuration)
		defer cancel()
	}

	transport, err := launcher.BuildTransport(ctx, cfg, launcher.TransportOptions{Logger: &log})
	if err != nil {
		return p.ErrorWithContext("failed to connect", err.Error(),
			map[string]string{"Transport": cfg.Transport.Kind}, nil)
	}

	n, err := node.New(node.Config{
		NodeID:     bus.AnonymousNode,
		Transport:  transport,
		Logger:     &log,
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		_ = transport.Close()
		return p.Error("failed to create node", err.Error(), nil)
	}
	defer n.Shutdown(context.Background())

	w, err := watch.New(n, watch.Options{
		Format:         format,
		Out:            cmd.OutOrStdout(),
		OfflineTimeout: watchTimeout,
	})
	if err != nil {
		return p.Error("failed to watch heartbeats", err.Error(), nil)
	}

	if format == watch.OutputFormatDefault {
		p.Step("Watching heartbeats on %s transport (namespace %s)...\n", cfg.Transport.Kind, cfg.Transport.Namespace)
	}
	if err := n.Start(ctx); err != nil {
		return p.Error("failed to start node", err.Error(), nil)
	}
	if err := w.Run(ctx); err != nil {
		return p.Error("watch stopped with an error", err.Error(), nil)
	}
	return nil
}
