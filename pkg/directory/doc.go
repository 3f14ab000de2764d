// Package directory defines the provisioned user and group model shared by
// the JIT provisioning engine and the SCIM sync engine.
//
// Users are keyed by the unique (provider, external ID) pair carried in a
// validated identity assertion; the store enforces that no two rows ever
// exist for the same pair. Optimistic concurrency uses a monotonically
// increasing per-record version, which also backs SCIM ETags.
package directory
