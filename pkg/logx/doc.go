// Package logx is shiftbell's structured logging layer on top of zerolog.
//
// A Logger obtained from a Service follows every Service.Apply, so hot-reloaded
// levels and sinks reach loggers that were derived before the reload. Console
// output is human-readable, file output is always JSON lines, and stdout can be
// switched to JSON for journald or container log collectors.
package logx
