package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RegistryMetrics tracks the coordinator.
type RegistryMetrics struct {
	Registrations     prometheus.Counter
	ProtocolErrors    prometheus.Counter
	KnownNodes        prometheus.Gauge
	BroadcastsSent    prometheus.Counter
	BroadcastFailures prometheus.Counter
	BroadcastLatency  prometheus.Histogram
}

// NewRegistryMetrics creates and registers registry collectors. A nil
// registerer means prometheus.DefaultRegisterer.
func NewRegistryMetrics(registry prometheus.Registerer) *RegistryMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &RegistryMetrics{
		Registrations: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_registry_registrations_total",
			Help: "Total number of REGISTER messages accepted",
		}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_registry_protocol_errors_total",
			Help: "Connections dropped because of malformed or unexpected messages",
		}),
		KnownNodes: f.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_registry_known_nodes",
			Help: "Number of nodes in the registry table",
		}),
		BroadcastsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_registry_peer_updates_sent_total",
			Help: "PEER_UPDATE messages delivered to nodes",
		}),
		BroadcastFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_registry_peer_update_failures_total",
			Help: "PEER_UPDATE deliveries that failed and were skipped",
		}),
		BroadcastLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "overlay_registry_broadcast_seconds",
			Help:    "Time to fan a peer update out to all other nodes",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// NodeMetrics tracks a storage node.
type NodeMetrics struct {
	PeerUpdates       prometheus.Counter
	Peers             prometheus.Gauge
	FilesReceived     prometheus.Counter
	FilesSent         prometheus.Counter
	SendFailures      prometheus.Counter
	TransfersRejected *prometheus.CounterVec
	BytesReceived     prometheus.Counter
	BytesSent         prometheus.Counter
	StorageUsed       prometheus.Gauge
	StorageMax        prometheus.Gauge
}

// NewNodeMetrics creates and registers node collectors, labelled with the
// node id so several nodes can share one process in tests.
func NewNodeMetrics(registry prometheus.Registerer, nodeID string) *NodeMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"node_id": nodeID}, registry))

	return &NodeMetrics{
		PeerUpdates: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_node_peer_updates_total",
			Help: "Peer tables applied from PEER_LIST or PEER_UPDATE",
		}),
		Peers: f.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_node_peers",
			Help: "Entries in the local peer table",
		}),
		FilesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_node_files_received_total",
			Help: "Inbound FILE_TRANSFER messages stored",
		}),
		FilesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_node_files_sent_total",
			Help: "Outbound FILE_TRANSFER messages written",
		}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_node_send_failures_total",
			Help: "Outbound transfers that failed",
		}),
		TransfersRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_node_transfers_rejected_total",
			Help: "Inbound messages dropped, by reason",
		}, []string{"reason"}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_node_received_bytes_total",
			Help: "Frame bytes read from peers",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "overlay_node_sent_bytes_total",
			Help: "Frame bytes written to peers",
		}),
		StorageUsed: f.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_node_storage_used_bytes",
			Help: "Bytes held in the storage directory",
		}),
		StorageMax: f.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_node_storage_max_bytes",
			Help: "Configured storage quota",
		}),
	}
}
