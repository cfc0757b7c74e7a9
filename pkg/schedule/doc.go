/*
Package schedule holds the cron window arithmetic behind scheduled backup
shipping.

A schedule has a full and an optional incremental cron expression, parsed
with robfig/cron (five or six fields, descriptors such as @daily, an
optional CRON_TZ= prefix). @every is rejected because it has no fixed fire
times to compare against.

Decide answers one question after every shipment and at start-up: how long
until the next shipment, and is it incremental?

	               lastStart                         now
	                   │                              │
	──────┬────────────┼──────────┬─────────┬─────────┼────────► t
	   full fire                incr      incr
	                              └── missed: start now, incremental

	full fired in (lastStart, now]  → start now, full
	incr fired in (lastStart, now]  → start now, incremental
	neither                         → wait for the earlier of next full
	                                  and next incremental
	previous run failed, no skip    → retry in 60s, incremental only if
	                                  the failed run was incremental

Fire times are compared as instants in the schedule's location (UTC by
default), so a daylight saving shift never fakes a missed window. A wall
time that repeats when the clocks go back fires once, at its first
occurrence. A fire time that falls into the hour skipped when the clocks go
forward fires at the first instant after the gap. A last start in the
future, as seen after the clock went backwards, counts as now.
*/
package schedule
