// Package middleware provides composable middleware for worker command
// dispatch.
//
// A middleware wraps a [worker.Handler] and is installed on a
// [worker.Dispatcher] with Use. Middleware registered first runs
// outermost:
//
//	d := worker.NewDispatcher(logger)
//	d.Use(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs command type, target, duration, and outcome
//   - [Recover] catches panics and converts them to errors
//   - [Timeout] cancels the command context after a configured duration
//   - [Tracing] wraps dispatch in an OpenTelemetry span
//   - [Metrics] records per-command duration and outcome counters
package middleware
