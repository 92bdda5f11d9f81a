/*
Package metrics provides Prometheus metrics and health endpoints for the burrow
node agent.

All metrics are package-level collectors registered with the default
Prometheus registry at init, so any package can update them without wiring.
They are served by Handler on the metrics export port together with the
health handlers.

# Metric Categories

Local socket:

	burrow_connections_accepted_total    counter
	burrow_accept_errors_total           counter
	burrow_messages_dispatched_total     counter  {type}
	burrow_connection_errors_total       counter
	burrow_registered_workers            gauge    {worker_type}

Control loop:

	burrow_bridge_invocations_total      counter  {callback}
	burrow_loop_queue_depth              gauge

Objects:

	burrow_object_store_used_bytes       gauge
	burrow_spills_total                  counter
	burrow_spilled_bytes_total           counter
	burrow_restores_total                counter  {status}
	burrow_global_gc_triggers_total      counter
	burrow_objects_failed_total          counter  {error_type}

Cluster:

	burrow_registration_duration_seconds histogram
	burrow_cluster_nodes                 gauge    {state}

Gauges without a natural update point (store usage, queue depth) are sampled
by a Collector.

# Health

Components report their state with RegisterComponent and UpdateComponent.
GetHealth is unhealthy when any component is. GetReadiness only looks at
CriticalComponents (gcs, node_manager, object_store), so the node reports ready
once it is registered and its stores are serving.

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

# Timing

	timer := metrics.NewTimer()
	err := register(ctx)
	timer.ObserveDuration(metrics.RegistrationDuration)
*/
package metrics
