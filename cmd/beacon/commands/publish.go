package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/beacon/internal/launcher"
	"github.com/dyluth/beacon/pkg/bus"
	"github.com/dyluth/beacon/pkg/dsdl"
	"github.com/dyluth/beacon/pkg/node"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var (
	publishSubject  uint16
	publishText     string
	publishPriority string
	publishNodeID   int
	publishTimeout  time.Duration
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish one string message",
	Long: `Publish a single uavcan.primitive.String.1.0 message on a subject and exit.

The transport and node ID are taken from the configuration file when one is
present, otherwise from BEACON_* environment variables. Anonymous nodes
cannot publish, so a node ID is required.

Examples:
  beacon publish --subject 100 --text "hello"
  BEACON_REDIS_URL=redis://localhost:6379 beacon publish --node-id 12 --subject 100 --text "hi"`,
	Args: cobra.NoArgs,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().Uint16Var(&publishSubject, "subject", 0, "Subject ID to publish on (required)")
	publishCmd.Flags().StringVar(&publishText, "text", "", "Message text (required)")
	publishCmd.Flags().StringVar(&publishPriority, "priority", "nominal", "Transfer priority")
	publishCmd.Flags().IntVar(&publishNodeID, "node-id", -1, "Node ID to publish as (overrides configuration)")
	publishCmd.Flags().DurationVar(&publishTimeout, "timeout", 5*time.Second, "Give up if the transport has not accepted the message by then")
	_ = publishCmd.MarkFlagRequired("subject")
	_ = publishCmd.MarkFlagRequired("text")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	priority, err := bus.ParsePriority(publishPriority)
	if err != nil {
		return p.Error("invalid priority", err.Error(), nil)
	}

	cfg, err := loadConfig(p, true)
	if err != nil {
		return err
	}
	nodeID := cfg.NodeID()
	if publishNodeID >= 0 {
		if publishNodeID >= int(bus.AnonymousNode) {
			return p.Error("invalid node ID", fmt.Sprintf("--node-id must be below %d", uint16(bus.AnonymousNode)), nil)
		}
		nodeID = bus.NodeID(publishNodeID)
	}
	if nodeID.Anonymous() {
		return p.Error("anonymous nodes cannot publish",
			"No node ID is configured.",
			[]string{"Pass --node-id, set BEACON_NODE_ID, or set node.id in the configuration file."})
	}

	log := newLogger(cmd)
	ctx, stop := signal.NotifyContext(contextOf(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport, err := launcher.BuildTransport(ctx, cfg, launcher.TransportOptions{Logger: &log})
	if err != nil {
		return p.ErrorWithContext("failed to connect", err.Error(),
			map[string]string{"Transport": cfg.Transport.Kind}, nil)
	}

	n, err := node.New(node.Config{
		NodeID:     nodeID,
		Transport:  transport,
		Logger:     &log,
		Registerer: prometheus.NewRegistry(),
		Heartbeat:  node.HeartbeatConfig{Disabled: true},
	})
	if err != nil {
		_ = transport.Close()
		return p.Error("failed to create node", err.Error(), nil)
	}
	defer n.Shutdown(context.Background())

	pub, err := node.Advertise[string](n, bus.SubjectID(publishSubject), dsdl.StringCodec{},
		node.WithPriority(priority), node.WithDeadline(publishTimeout))
	if err != nil {
		return p.Error(fmt.Sprintf("cannot publish on subject %d", publishSubject), err.Error(), nil)
	}
	if err := pub.Publish(ctx, publishText); err != nil {
		return p.Error("publish failed", err.Error(), nil)
	}

	p.Success("Published %d bytes on subject %d as node %s\n", len(publishText), publishSubject, nodeID)
	return nil
}
