// Package scim implements the SCIM 2.0 (RFC 7643/7644) provisioning
// surface: Users and Groups CRUD, PATCH via a pure reducer over tagged
// operations, per-item Bulk, and ETag-based optimistic concurrency mapped
// onto directory record versions.
//
// Authentication is a per-organization bearer token; every resource the
// API touches is scoped to the org that owns the token.
package scim
