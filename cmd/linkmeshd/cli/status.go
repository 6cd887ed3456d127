package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jfpfau/linkmesh/internal/mesh"
	"github.com/jfpfau/linkmesh/internal/metrics"
)

// statusReport is the JSON body served at /status, consumed by the status
// subcommand against a remote (or local) running node.
type statusReport struct {
	ID        int             `json:"id"`
	IsMaster  bool            `json:"is_master"`
	Connected int             `json:"connected"`
	Peers     []mesh.PeerInfo `json:"peers"`
}

// newMetricsServer builds the HTTP server exposing Prometheus metrics at
// /metrics and a JSON peer table at /status.
func newMetricsServer(logger *zap.SugaredLogger, reg *metrics.Registry, node *mesh.Node, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		report := statusReport{
			ID:        node.ID(),
			IsMaster:  node.IsMaster(),
			Connected: node.Connected(),
			Peers:     node.Peers(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			logger.Warnw("linkmeshd: failed encoding status", "err", err)
		}
	})
	return &http.Server{Addr: addr, Handler: mux}
}

// serveMetrics runs server until ctx is cancelled, returning nil on a clean
// shutdown and the listen/serve error otherwise. Meant to run as one leg of
// an errgroup alongside the signal-wait goroutine in runNode.
func serveMetrics(ctx context.Context, logger *zap.SugaredLogger, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infow("linkmeshd: serving metrics/status", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return server.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// runStatus fetches and prints the peer table from a running node's /status
// endpoint.
func runStatus(addr string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/status", addr))
	if err != nil {
		return fmt.Errorf("linkmeshd: status request: %w", err)
	}
	defer resp.Body.Close()

	var report statusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fmt.Errorf("linkmeshd: decode status: %w", err)
	}

	role := "slave"
	if report.IsMaster {
		role = "master"
	}
	fmt.Printf("id=%d role=%s connected=%d\n", report.ID, role, report.Connected)
	for _, p := range report.Peers {
		fmt.Printf("  peer %d  addr=%s  connected_since=%s\n", p.ID, p.Address, p.ConnectedSince.Format(time.RFC3339))
	}
	return nil
}
