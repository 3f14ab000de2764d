// Package provision reconciles validated identity assertions with the
// local directory (just-in-time provisioning).
//
// Creation for one external identity is serialized two ways: an in-process
// keyed lock covers concurrent logins on one node, and the directory's
// duplicate-identity error covers races across nodes, resolved by a single
// re-read of the winner. Role resync on returning users is best-effort and
// never blocks the login.
package provision
