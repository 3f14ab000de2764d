// Package middleware provides the HTTP middleware chain: request IDs,
// structured request logging, panic recovery, and rate limiting for the
// login and SCIM endpoints.
//
// Rate limiting comes in two flavors: an in-memory token bucket for
// single-node deployments and a Redis-backed counter that shares limits
// across instances. Both fail open so a limiter outage never locks users
// out of SSO.
package middleware
