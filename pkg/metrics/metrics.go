package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Local socket metrics
	ConnectionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_connections_accepted_total",
			Help: "Total number of worker connections accepted on the local socket",
		},
	)

	AcceptErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_accept_errors_total",
			Help: "Total number of transient accept errors",
		},
	)

	MessagesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_messages_dispatched_total",
			Help: "Total number of worker messages dispatched by message type",
		},
		[]string{"type"},
	)

	ConnectionErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_connection_errors_total",
			Help: "Total number of worker connections that ended with an error",
		},
	)

	RegisteredWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_registered_workers",
			Help: "Number of registered local clients by worker type",
		},
		[]string{"worker_type"},
	)

	// Control loop metrics
	BridgeInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_bridge_invocations_total",
			Help: "Total number of object manager callbacks by contract",
		},
		[]string{"callback"},
	)

	LoopQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_loop_queue_depth",
			Help: "Number of tasks waiting on the control loop",
		},
	)

	// Object metrics
	ObjectStoreUsedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_object_store_used_bytes",
			Help: "Bytes held by sealed objects in the local store",
		},
	)

	SpillsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_spills_total",
			Help: "Total number of objects spilled to external storage",
		},
	)

	SpilledBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_spilled_bytes_total",
			Help: "Total number of bytes spilled to external storage",
		},
	)

	RestoresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_restores_total",
			Help: "Total number of spilled object restores by status",
		},
		[]string{"status"},
	)

	GlobalGCTriggers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_global_gc_triggers_total",
			Help: "Total number of global garbage collections triggered",
		},
	)

	ObjectsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_objects_failed_total",
			Help: "Total number of objects marked as failed by error type",
		},
		[]string{"error_type"},
	)

	// Cluster metrics
	RegistrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_registration_duration_seconds",
			Help:    "Time taken to register the node with the cluster metadata service",
			Buckets: prometheus.DefBuckets,
		},
	)

	ClusterNodes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_cluster_nodes",
			Help: "Number of nodes known to this agent by state",
		},
		[]string{"state"},
	)

	// gRPC metrics
	RPCRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_rpc_requests_total",
			Help: "Total number of gRPC requests served by server, method and code",
		},
		[]string{"server", "method", "code"},
	)

	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_rpc_duration_seconds",
			Help:    "gRPC request duration by server and method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ConnectionsAccepted)
	prometheus.MustRegister(AcceptErrors)
	prometheus.MustRegister(MessagesDispatched)
	prometheus.MustRegister(ConnectionErrors)
	prometheus.MustRegister(RegisteredWorkers)
	prometheus.MustRegister(BridgeInvocations)
	prometheus.MustRegister(LoopQueueDepth)
	prometheus.MustRegister(ObjectStoreUsedBytes)
	prometheus.MustRegister(SpillsTotal)
	prometheus.MustRegister(SpilledBytes)
	prometheus.MustRegister(RestoresTotal)
	prometheus.MustRegister(GlobalGCTriggers)
	prometheus.MustRegister(ObjectsFailed)
	prometheus.MustRegister(RegistrationDuration)
	prometheus.MustRegister(ClusterNodes)
	prometheus.MustRegister(RPCRequests)
	prometheus.MustRegister(RPCDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
