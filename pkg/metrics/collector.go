package metrics

import (
	"time"
)

// QueueSource reports the number of units queued in a scheduler
type QueueSource interface {
	Len() int
}

// ScheduleSource reports the number of armed backup schedule definitions
type ScheduleSource interface {
	ActiveCount() int
}

// ShippingSource reports in-flight shipments and running daemons
type ShippingSource interface {
	InFlight() int
	RunningDaemons() int
}

// Collector periodically samples gauges from the running services
type Collector struct {
	queue     QueueSource
	schedules ScheduleSource
	shipping  []ShippingSource
	interval  time.Duration
	stopCh    chan struct{}
}

// NewCollector creates a new metrics collector. Nil queue and schedule
// sources are skipped; the shipping gauges sum over every shipping source.
func NewCollector(queue QueueSource, schedules ScheduleSource, shipping ...ShippingSource) *Collector {
	return &Collector{
		queue:     queue,
		schedules: schedules,
		shipping:  shipping,
		interval:  15 * time.Second,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.queue != nil {
		SchedulerQueuedUnits.Set(float64(c.queue.Len()))
	}

	if c.schedules != nil {
		BackupSchedulesActive.Set(float64(c.schedules.ActiveCount()))
	}

	var inFlight, daemons int
	for _, src := range c.shipping {
		inFlight += src.InFlight()
		daemons += src.RunningDaemons()
	}
	ShipmentsInFlight.Set(float64(inFlight))
	DaemonsRunning.Set(float64(daemons))
}
