// Package extcmd supervises external transfer pipelines.
//
// A Process runs in its own process group so that Stop reaches every
// member of a shell pipeline. Output arrives as a stream of Events (one per
// line of stdout or stderr, then a final EventEOF carrying the exit code).
// Pipelines that produce the payload itself set Options.StdoutAsData and
// read Process.Stdout instead.
package extcmd
