// Package events carries domain events between components. The in-process
// Bus decouples emitters (session eviction, certificate rotation, SCIM
// sync) from consumers, and the webhook Dispatcher fans events out to
// per-organization HTTP endpoints with HMAC signatures, rate limiting,
// and retried delivery.
package events
