/*
Package scheduler implements ferry's time wheel: a single worker goroutine
that runs recurring units at absolute fire times.

Every recurring job of the control plane is a Unit. A unit's Run returns
the delay until its next run; EndTask (or any negative delay) cancels it.
The backup schedule service arms one-shot units this way, the sweeper
re-arms itself every few minutes, and anything else that needs a timer can
do the same without owning a goroutine.

# Architecture

	         Add(u)            RescheduleAt(u, d)
	           │                       │
	           ▼                       ▼
	┌────────────────────────────────────────────────┐
	│ Scheduler (one mutex)                           │
	│                                                  │
	│  pending: [u3 u7]           runs on next tick    │
	│                                                  │
	│  buckets (btree by fire time, unix ms)           │
	│    1704067200000 → [u1 u4]   arrival order       │
	│    1704067260000 → [u2]                          │
	│    1704070800000 → [u5 u6]                       │
	│                                                  │
	│  entries: unit → state, fire time                │
	└───────────────────────┬────────────────────────┘
	                        │ wake / timer / stop
	                        ▼
	              ┌──────────────────┐
	              │ worker goroutine │
	              │  1. run pending  │
	              │  2. run due      │
	              │  3. sleep until  │
	              │     next bucket  │
	              └──────────────────┘

A tick claims all pending units and every bucket whose fire time is not in
the future, then runs them one after another. A unit is in at most one
bucket at a time, so it runs at most once per tick no matter how often it
was rescheduled before the tick. Units re-armed with a zero delay run on the
following tick.

# Rescheduling

RescheduleAt removes the unit from wherever it is (pending, a bucket, or
claimed by the current tick but not yet run) and re-inserts it at now+d.
If the unit is running at that moment, the delay is recorded and replaces
the value its Run returns, so a cancellation issued while a unit runs is
never lost.

# Failures

A unit returning an error or panicking is logged, counted in
ferry_scheduler_unit_errors_total and re-armed after the retry delay
(DefaultRetryDelay unless configured). The worker never stops because of
a unit.

# Usage

	s := scheduler.NewScheduler(scheduler.Options{})
	s.Add(scheduler.NewFuncUnit(func(ctx context.Context) (time.Duration, error) {
		prune()
		return 5 * time.Minute, nil
	}))
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer func() {
		s.Shutdown()
		s.AwaitShutdown(10 * time.Second)
	}()

Tests drive time with a benbjohnson/clock mock passed in Options.Clock.
*/
package scheduler
