// Package observability provides logging, metrics, tracing, health checks,
// and graceful shutdown for the Gatehouse federation engine.
//
// # Logging
//
// Structured JSON logging built on log/slog:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("org_id", orgID).Info("SSO login initiated")
//
// Loggers propagate through context; request-scoped fields (request ID,
// user ID) are attached by middleware and recovered with FromContext.
//
// # Metrics
//
// Prometheus metrics cover the authentication pipeline: login attempts and
// outcomes per protocol, assertion validation failures by reason, JWKS cache
// behavior, session lifecycle, SCIM operations, and provisioning conflicts.
//
// # Health
//
// HealthChecker exposes liveness and readiness probes; readiness verifies
// Postgres and Redis connectivity with bounded timeouts.
//
// # Tracing
//
// Optional OpenTelemetry export over OTLP/gRPC, enabled via configuration.
package observability
