// Package metrics exposes the Prometheus instrumentation shared across
// the platform: worker pool gauges, write pipeline and reindex
// histograms, deactivation guard decisions, and the /health, /ready,
// and /live handlers bifrostd mounts alongside /metrics.
//
// # Metrics
//
// Pool (C10):
//
//   - bifrost_pool_workers_total{state} - gauge of worker processes by
//     state (idle, busy, killed)
//   - bifrost_pool_routing_latency_seconds - histogram of time from
//     execution submission to worker assignment
//   - bifrost_executions_total{outcome} - counter of completed
//     executions by outcome (success, error, cancelled, timeout, crash)
//
// Write pipeline (C7):
//
//   - bifrost_write_pipeline_duration_seconds - histogram of full
//     pipeline run time (hash, parse, diff, persist)
//   - bifrost_writes_total{outcome} - counter of writes by outcome
//     (ok, pending_deactivation, invalid)
//
// Reindex (C12):
//
//   - bifrost_reindex_duration_seconds - histogram of full sweep time
//   - bifrost_reindex_files_total{outcome} - counter of files touched
//     by a sweep, by outcome (indexed, error)
//
// Deactivation guard (C6):
//
//   - bifrost_deactivation_guard_decisions_total{decision} - counter of
//     guard outcomes (blocked, force_deactivated, replaced)
//
// # Integration points
//
// pkg/pool records WorkersTotal and RoutingLatency as workers are
// spawned, assigned, and reaped. pkg/filewrite times each Write call
// with a Timer and records WritesTotal by outcome. pkg/reindex times
// each Sweep and records ReindexFilesTotal per blob processed.
// pkg/filewrite also records DeactivationGuardDecisions whenever a write
// would deactivate active entities. cmd/bifrostd wires Handler,
// HealthHandler, ReadyHandler, and LivenessHandler onto its metrics
// HTTP server and calls SetVersion once at startup.
//
// # Usage
//
//	timer := metrics.NewTimer()
//	_, err := pipeline.Write(ctx, req)
//	outcome := "ok"
//	if err != nil {
//		outcome = "error"
//	}
//	metrics.WritesTotal.WithLabelValues(outcome).Inc()
//	timer.ObserveDuration(metrics.WritePipelineDuration)
//
// Import path: github.com/cuemby/bifrost/pkg/metrics
package metrics
