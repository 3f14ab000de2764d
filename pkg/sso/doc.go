// Package sso validates SAML 2.0 and OpenID Connect assertions against
// per-organization configuration and normalizes them into identity
// assertions consumed by JIT provisioning.
//
// Both protocol processors share the single-use login state store (SAML
// request IDs and OIDC state are consumed atomically exactly once) and the
// per-organization certificate snapshots served by pkg/certs. Validation
// failures carry an internal reason for logs and expose only an opaque code
// to callers.
package sso
