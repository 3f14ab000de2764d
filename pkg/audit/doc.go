// Package audit records security-relevant events: logins, rejected
// assertions, configuration changes, certificate rotations and SCIM
// provisioning.
//
// Logging is fire-and-forget. The Log call never blocks the authentication
// flow; the buffered DB logger drops events under sustained backpressure
// and counts the drops rather than stalling logins.
package audit
