/*
Package api serves the node agent's operational surfaces.

HealthServer is the HTTP server on the metrics export port:

	GET /health   component health from pkg/metrics
	GET /ready    readiness (gcs, node_manager, object_store must be healthy)
	GET /live     liveness
	GET /metrics  Prometheus exposition
	GET /node     this node's NodeInfo descriptor
	GET /nodes    this node plus the cluster view built from the GCS watch

UnaryInterceptor instruments the gRPC servers on the node manager and object
manager ports with burrow_rpc_requests_total and burrow_rpc_duration_seconds.
*/
package api
