package metrics

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// Timer measures how long a unit of work took
type Timer struct {
	clock clock.Clock
	start time.Time
}

// NewTimer starts a timer on the wall clock
func NewTimer() *Timer {
	return NewTimerWithClock(nil)
}

// NewTimerWithClock starts a timer on clk, the wall clock when nil
func NewTimerWithClock(clk clock.Clock) *Timer {
	if clk == nil {
		clk = clock.New()
	}
	return &Timer{clock: clk, start: clk.Now()}
}

// Duration returns the time elapsed since the timer was started
func (t *Timer) Duration() time.Duration {
	return t.clock.Since(t.start)
}

// ObserveDuration records the elapsed seconds on h
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}
