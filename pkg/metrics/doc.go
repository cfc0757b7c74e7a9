/*
Package metrics provides Prometheus metrics and health endpoints for ferry.

All metrics are package variables registered with the default registry at
init time. Packages update them directly:

	metrics.SchedulerUnitRuns.Inc()
	metrics.ShipmentsFinished.WithLabelValues("s3", "success").Inc()

	timer := metrics.NewTimer()
	// sweep
	timer.ObserveDuration(metrics.SweepDuration)

Gauges describing the current state of a service (queued scheduler units,
armed backup schedules, in-flight shipments, running daemons) are sampled
every 15 seconds by a Collector instead of being maintained inline.

# Metrics

Scheduler:
  - ferry_scheduler_unit_runs_total
  - ferry_scheduler_unit_errors_total
  - ferry_scheduler_unit_duration_seconds
  - ferry_scheduler_queued_units

Backup schedules:
  - ferry_backup_schedules_active
  - ferry_scheduled_backups_started_total{type="full|incremental"}

Shipping:
  - ferry_shipments_in_flight
  - ferry_daemons_running
  - ferry_shipments_finished_total{remote_type, result}
  - ferry_volume_shipping_duration_seconds{remote_type}
  - ferry_port_conflicts_total

Events:
  - ferry_events_dropped_total{type}

Sweeper:
  - ferry_sweep_duration_seconds
  - ferry_sweeps_total
  - ferry_swept_snapshots_total
  - ferry_stale_definitions_rearmed_total

# Health

Components report their state with RegisterComponent and UpdateComponent.
/health answers 503 when one of CoreComponents (store, scheduler, shipping)
is unhealthy and reports degraded with 200 when any other component, such
as an unreachable remote, is. /ready requires every core component to be
registered and healthy. /live always answers 200 while the process runs.
*/
package metrics
