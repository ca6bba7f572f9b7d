// Package observability provides structured logging, Prometheus metrics,
// health checks, and graceful shutdown for the gatekeep service.
//
// Logging uses a thin wrapper around log/slog emitting JSON; the logger
// and request ID travel through the request context. Metrics track HTTP
// traffic, authentication outcomes, rate-limit rejections, and database
// pool usage.
package observability
