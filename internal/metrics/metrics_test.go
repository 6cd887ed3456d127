package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistryServesExpectedMetrics(t *testing.T) {
	r := NewRegistry("node-a")
	r.TransferCompleted()
	r.TransferError()
	r.BytesSent(128)
	r.BytesReceived(64)
	r.SetPeersConnected(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("handler status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()

	for _, want := range []string{
		`linkmesh_transfers_completed_total{node_id="node-a"} 1`,
		`linkmesh_transfer_errors_total{node_id="node-a"} 1`,
		`linkmesh_bytes_sent_total{node_id="node-a"} 128`,
		`linkmesh_bytes_received_total{node_id="node-a"} 64`,
		`linkmesh_peers_connected{node_id="node-a"} 3`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q\ngot:\n%s", want, body)
		}
	}
}
