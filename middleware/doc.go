// Package middleware provides composable middleware for engine operations.
//
// A [Middleware] wraps the handler that performs one operation (a
// transition, a dependency change, an entity deletion). Middleware are
// composed into a chain using [Chain] and applied right-to-left: the first
// middleware in the slice is the outermost wrapper.
//
//	// recover → logging → handler
//	chain := middleware.Chain(middleware.Recover(logger), middleware.Logging(logger))
//
// # Built-in Middleware
//
//   - [Logging]: logs operation, entity, duration and outcome
//   - [Recover]: catches panics and converts them to errors
//   - [Timeout]: bounds the whole operation
//   - [Tracing]: wraps the operation in an OpenTelemetry span
//   - [Metrics]: records duration and outcome counters
//
// [Outcome] classifies results as ok, blocked, contention, invalid or error.
package middleware
