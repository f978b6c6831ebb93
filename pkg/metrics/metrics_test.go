package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegistryMetrics_Creation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewRegistryMetrics(registry)

	m.Registrations.Inc()
	m.KnownNodes.Set(3)

	if got := testutil.ToFloat64(m.Registrations); got != 1 {
		t.Errorf("Registrations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.KnownNodes); got != 3 {
		t.Errorf("KnownNodes = %v, want 3", got)
	}
}

func TestNodeMetrics_LabelledByNode(t *testing.T) {
	registry := prometheus.NewRegistry()
	n1 := NewNodeMetrics(registry, "n1")
	n2 := NewNodeMetrics(registry, "n2")

	n1.FilesReceived.Inc()
	n2.FilesReceived.Add(2)
	n1.TransfersRejected.WithLabelValues("quota").Inc()

	expected := `
# HELP overlay_node_files_received_total Inbound FILE_TRANSFER messages stored
# TYPE overlay_node_files_received_total counter
overlay_node_files_received_total{node_id="n1"} 1
overlay_node_files_received_total{node_id="n2"} 2
`
	if err := testutil.GatherAndCompare(registry, strings.NewReader(expected), "overlay_node_files_received_total"); err != nil {
		t.Error(err)
	}

	if got := testutil.ToFloat64(n1.TransfersRejected.WithLabelValues("quota")); got != 1 {
		t.Errorf("TransfersRejected{quota} = %v, want 1", got)
	}
}
