// Package cli builds the linkmeshd command tree: start-master, join, and
// status, each wiring cobra/pflag flags into an internal/config.Config and
// handing off to internal/mesh.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jfpfau/linkmesh/internal/config"
	"github.com/jfpfau/linkmesh/internal/mesh"
	"github.com/jfpfau/linkmesh/internal/metrics"
	"github.com/jfpfau/linkmesh/internal/sio"
)

// NewCLI builds the root linkmeshd command. logger is shared by every
// subcommand; a fresh mesh.Node and metrics.Registry are created per run.
func NewCLI(logger *zap.SugaredLogger) *cobra.Command {
	cfg := config.Config{Baud: sio.Baud9600}
	var metricsAddr string
	var baud uint8

	rootCmd := &cobra.Command{
		Use:   "linkmeshd",
		Short: "linkmeshd runs one node of a GBA link-cable multiplayer mesh.",
	}
	rootCmd.PersistentFlags().IntVar(&cfg.ListenPort, "port", 0, "local TCP port to bind (0 picks an ephemeral port)")
	rootCmd.PersistentFlags().StringVar(&cfg.BindAddress, "bind", "0.0.0.0", "local address to bind")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	rootCmd.PersistentFlags().Uint8Var(&baud, "baud", uint8(sio.Baud9600), "expected SIOCNT baud setting (0-3), recorded in startup logs; the guest's own SIOCNT write is what actually governs each emulated transfer")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg.Baud = sio.Baud(baud)
		return nil
	}

	startMasterCmd := &cobra.Command{
		Use:   "start-master",
		Short: "Start a new mesh as its master (id 0).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaster(cmd.Context(), logger, cfg, metricsAddr)
		},
	}

	joinCmd := &cobra.Command{
		Use:   "join",
		Short: "Join an existing mesh as a guest.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), logger, cfg, metricsAddr)
		},
	}
	joinCmd.Flags().StringVar(&cfg.MasterAddress, "master-addr", "", "master node's address")
	joinCmd.Flags().IntVar(&cfg.MasterPort, "master-port", 0, "master node's port")
	joinCmd.Flags().StringVar(&cfg.PublicAddress, "public-addr", "", "address this node advertises to peers")

	var statusAddr string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the peer table of a running node's /status endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(statusAddr)
		},
	}
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "the target node's --metrics-addr (required)")
	statusCmd.MarkFlagRequired("addr")

	rootCmd.AddCommand(startMasterCmd, joinCmd, statusCmd)
	return rootCmd
}

func runMaster(ctx context.Context, logger *zap.SugaredLogger, cfg config.Config, metricsAddr string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	node, err := mesh.CreateNode(cfg.ListenPort, cfg.BindAddress, mesh.Deps{Logger: logger})
	if err != nil {
		return fmt.Errorf("linkmeshd: create node: %w", err)
	}
	return runNode(ctx, logger, node, cfg, metricsAddr)
}

func runJoin(ctx context.Context, logger *zap.SugaredLogger, cfg config.Config, metricsAddr string) error {
	if err := cfg.ValidateJoin(); err != nil {
		return err
	}
	node, err := mesh.CreateNode(cfg.ListenPort, cfg.BindAddress, mesh.Deps{Logger: logger})
	if err != nil {
		return fmt.Errorf("linkmeshd: create node: %w", err)
	}
	if err := mesh.ConnectNode(node, cfg.MasterPort, cfg.MasterAddress, cfg.PublicAddress); err != nil {
		return fmt.Errorf("linkmeshd: join mesh: %w", err)
	}
	return runNode(ctx, logger, node, cfg, metricsAddr)
}

// runNode attaches the node, serves metrics if requested, and blocks until
// the process receives an interrupt or the command's context is cancelled.
// The metrics server and the signal wait run as two legs of an errgroup, so
// either one exiting (a bind failure, a SIGTERM) brings the whole run down
// together.
func runNode(ctx context.Context, logger *zap.SugaredLogger, node *mesh.Node, cfg config.Config, metricsAddr string) error {
	sessionID := uuid.NewString()
	logger = logger.With("session_id", sessionID)

	reg := metrics.NewRegistry(sessionID)
	node.SetMetrics(reg)

	if err := node.Attach(); err != nil {
		return fmt.Errorf("linkmeshd: attach: %w", err)
	}
	logger.Infow("linkmeshd: node attached", "id", node.ID(), "public_addr", node.PublicAddress(), "baud", cfg.Baud)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if metricsAddr != "" {
		server := newMetricsServer(logger, reg, node, metricsAddr)
		g.Go(func() error { return serveMetrics(gctx, logger, server) })
	}

	g.Go(func() error {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		select {
		case <-stop:
		case <-gctx.Done():
		}
		cancel()
		return nil
	})

	runErr := g.Wait()
	logger.Infow("linkmeshd: shutting down")
	if err := node.Detach(); err != nil {
		logger.Warnw("linkmeshd: detach reported errors", "err", err)
	}
	return runErr
}
