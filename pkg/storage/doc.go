// Package storage holds backend configuration and connection helpers for the
// persistence layer: PostgreSQL for durable records (SSO configurations,
// users, groups, sessions, certificates, audit trail) and Redis for the
// ephemeral single-use login state that backs replay protection.
//
// Repository interfaces are defined next to the domain types that consume
// them (pkg/sso, pkg/directory, pkg/session, pkg/certs); the PostgreSQL and
// Redis implementations live in the postgres subpackage.
package storage
