/*
Package log provides structured logging for ferry using zerolog.

A single package-level zerolog.Logger is configured once through Init and is
safe for concurrent use. Packages derive child loggers that carry the fields
an operator filters on:

	log.WithComponent("scheduler")                 // component=scheduler
	log.WithShipment("db", "back_20240101_000000", "s3-eu")
	log.WithSchedule("nightly", "s3-eu", "db")

# Configuration

	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: true,
		Output:     os.Stderr,
	})

Console output (JSONOutput=false) uses zerolog.ConsoleWriter with RFC3339
timestamps and is meant for interactive use of the ferry binary. JSON output
is meant for production collectors.

# Levels

Trace is used for per-line output of transfer pipelines, debug for arming
decisions of the scheduler, warn for retries and diagnostic output of
daemons, error for failed transfers and failing scheduler units.
*/
package log
