// Package session manages authenticated sessions with per-user concurrency
// limits, a sliding idle window and a hard absolute lifetime.
//
// Admission at the concurrency cap evicts the oldest active session (FIFO).
// Eviction and revocation are the same irreversible transition, so the
// evicted session's next validation fails as revoked rather than silently
// disappearing.
package session
