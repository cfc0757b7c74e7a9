package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	SchedulerUnitRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_scheduler_unit_runs_total",
			Help: "Total number of scheduler unit executions",
		},
	)

	SchedulerUnitErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_scheduler_unit_errors_total",
			Help: "Total number of scheduler unit executions that failed or panicked",
		},
	)

	SchedulerUnitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ferry_scheduler_unit_duration_seconds",
			Help:    "Time spent inside a scheduler unit in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulerQueuedUnits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_scheduler_queued_units",
			Help: "Number of units waiting for their fire time",
		},
	)

	// Backup schedule metrics
	BackupSchedulesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_backup_schedules_active",
			Help: "Number of armed schedule, remote and resource combinations",
		},
	)

	ScheduledBackupsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_scheduled_backups_started_total",
			Help: "Total number of scheduled backups started by type",
		},
		[]string{"type"},
	)

	// Shipping metrics
	ShipmentsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_shipments_in_flight",
			Help: "Number of shipments with at least one unfinished volume",
		},
	)

	DaemonsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_daemons_running",
			Help: "Number of transfer daemons currently running",
		},
	)

	ShipmentsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_shipments_finished_total",
			Help: "Total number of finished shipments by remote type and result",
		},
		[]string{"remote_type", "result"},
	)

	VolumeShippingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferry_volume_shipping_duration_seconds",
			Help:    "Time taken to ship one volume in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"remote_type"},
	)

	PortConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_port_conflicts_total",
			Help: "Total number of ports reported as already in use",
		},
	)

	// Sweeper metrics
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ferry_sweep_duration_seconds",
			Help:    "Time taken for a maintenance sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_sweeps_total",
			Help: "Total number of maintenance sweeps",
		},
	)

	SweptSnapshots = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_swept_snapshots_total",
			Help: "Total number of shipping records dropped for deleted snapshots",
		},
	)

	StaleDefinitionsRearmed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_stale_definitions_rearmed_total",
			Help: "Total number of fired backup definitions re-armed after their outcome went missing",
		},
	)

	// Event metrics
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_events_dropped_total",
			Help: "Total number of events dropped for slow subscribers",
		},
		[]string{"type"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(SchedulerUnitRuns)
	prometheus.MustRegister(SchedulerUnitErrors)
	prometheus.MustRegister(SchedulerUnitDuration)
	prometheus.MustRegister(SchedulerQueuedUnits)
	prometheus.MustRegister(BackupSchedulesActive)
	prometheus.MustRegister(ScheduledBackupsStarted)
	prometheus.MustRegister(ShipmentsInFlight)
	prometheus.MustRegister(DaemonsRunning)
	prometheus.MustRegister(ShipmentsFinished)
	prometheus.MustRegister(VolumeShippingDuration)
	prometheus.MustRegister(PortConflicts)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(SweepsTotal)
	prometheus.MustRegister(SweptSnapshots)
	prometheus.MustRegister(StaleDefinitionsRearmed)
	prometheus.MustRegister(EventsDropped)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
