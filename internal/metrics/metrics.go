// Package metrics exposes the Prometheus counters and gauges describing a
// running mesh node, served over an optional debug HTTP port.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups the counters and gauges one Node reports. Each metric is
// registered against its own prometheus.Registry so multiple nodes in the
// same process (as in the test suite) don't collide on metric names.
type Registry struct {
	reg *prometheus.Registry

	transfersCompleted prometheus.Counter
	bytesSent          prometheus.Counter
	bytesReceived      prometheus.Counter
	peersConnected     prometheus.Gauge
	transferErrors     prometheus.Counter
}

// NewRegistry builds a Registry with nodeID attached as a constant label, so
// metrics from several daemon instances scraped by the same Prometheus
// server stay distinguishable.
func NewRegistry(nodeID string) *Registry {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		transfersCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "linkmesh",
			Name:        "transfers_completed_total",
			Help:        "Multiplayer transfer rounds completed by this node.",
			ConstLabels: labels,
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "linkmesh",
			Name:        "bytes_sent_total",
			Help:        "Bytes written to peer sockets.",
			ConstLabels: labels,
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "linkmesh",
			Name:        "bytes_received_total",
			Help:        "Bytes read from peer sockets.",
			ConstLabels: labels,
		}),
		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "linkmesh",
			Name:        "peers_connected",
			Help:        "Peers currently present in this node's mesh, excluding self.",
			ConstLabels: labels,
		}),
		transferErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "linkmesh",
			Name:        "transfer_errors_total",
			Help:        "Rejected transfer starts (starts backed up behind a round in flight, START writes on a slave).",
			ConstLabels: labels,
		}),
	}
}

// Handler returns the http.Handler that serves this registry's metrics in
// the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// The methods below satisfy mesh.Metrics without internal/mesh importing
// this package, keeping the dependency pointed outward from the protocol
// core toward its observability surface.

func (r *Registry) TransferCompleted()      { r.transfersCompleted.Inc() }
func (r *Registry) TransferError()          { r.transferErrors.Inc() }
func (r *Registry) BytesSent(n int)         { r.bytesSent.Add(float64(n)) }
func (r *Registry) BytesReceived(n int)     { r.bytesReceived.Add(float64(n)) }
func (r *Registry) SetPeersConnected(n int) { r.peersConnected.Set(float64(n)) }
