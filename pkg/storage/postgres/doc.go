// Package postgres implements the persistence backends: PostgreSQL
// repositories for SSO configurations, users, groups, sessions,
// certificates and the audit trail, plus the Redis-backed single-use
// login state and assertion replay guard.
package postgres
