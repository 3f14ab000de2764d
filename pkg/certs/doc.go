// Package certs manages per-organization signing certificates with a
// primary/secondary dual-validity model.
//
// A rotation stores the new certificate as secondary while the old primary
// keeps validating signatures. An explicit promote flips the roles and
// schedules the demoted certificate for removal after a grace window.
// Validation reads go through an immutable snapshot held behind an atomic
// pointer so the hot path never takes a lock.
package certs
