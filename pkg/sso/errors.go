package sso

import (
	"errors"
	"fmt"
)

// Reason classifies why a protocol validation failed. Reasons drive metrics
// and logs; HTTP responses only ever carry the opaque code.
type Reason string

const (
	ReasonInvalidSignature  Reason = "invalid_signature"
	ReasonExpiredAssertion  Reason = "expired_assertion"
	ReasonAudienceMismatch  Reason = "audience_mismatch"
	ReasonReplayedAssertion Reason = "replayed_assertion"
	ReasonMalformedXML      Reason = "malformed_xml"
	ReasonStateMismatch     Reason = "state_mismatch"
	ReasonInvalidNonce      Reason = "invalid_nonce"
)

// ProtocolValidationError is a terminal validation failure. Detail is for
// logs only; callers render Code() to the client.
type ProtocolValidationError struct {
	Protocol Protocol
	Reason   Reason
	Detail   string
}

func (e *ProtocolValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s validation failed: %s", e.Protocol, e.Reason)
	}
	return fmt.Sprintf("%s validation failed: %s: %s", e.Protocol, e.Reason, e.Detail)
}

// Code returns the opaque identifier exposed to clients
func (e *ProtocolValidationError) Code() string {
	return "auth_failed_" + string(e.Reason)
}

// Is lets errors.Is match on protocol and reason without the detail
func (e *ProtocolValidationError) Is(target error) bool {
	t, ok := target.(*ProtocolValidationError)
	if !ok {
		return false
	}
	return (t.Protocol == "" || t.Protocol == e.Protocol) &&
		(t.Reason == "" || t.Reason == e.Reason)
}

func validationErr(protocol Protocol, reason Reason, format string, args ...any) *ProtocolValidationError {
	return &ProtocolValidationError{
		Protocol: protocol,
		Reason:   reason,
		Detail:   fmt.Sprintf(format, args...),
	}
}

// ConfigurationError reports a missing or unusable organization
// configuration. Never retryable.
type ConfigurationError struct {
	OrgID  string
	Detail string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("sso configuration for org %s: %s", e.OrgID, e.Detail)
}

// UpstreamError wraps a failure talking to the identity provider
type UpstreamError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

var (
	// ErrConfigNotFound is returned when an org has no SSO configuration
	// or it was soft-deleted
	ErrConfigNotFound = errors.New("sso: configuration not found")
	// ErrSSODisabled is returned when the configuration exists but SSO is
	// switched off for the org
	ErrSSODisabled = errors.New("sso: disabled for organization")
	// ErrStateNotFound is returned when single-use login state is missing,
	// expired or already consumed
	ErrStateNotFound = errors.New("sso: login state not found")
	// ErrDomainNotAllowed is returned when the asserted email fails the
	// organization's domain allow list
	ErrDomainNotAllowed = errors.New("sso: email domain not allowed")
	// ErrProvisioningConflict is returned when a login raced another and
	// lost even after the conflict retry
	ErrProvisioningConflict = errors.New("sso: provisioning conflict")
	// ErrUserNotProvisioned is returned when JIT provisioning is disabled
	// and the asserted identity has no local user
	ErrUserNotProvisioned = errors.New("sso: user not provisioned")
)

// IsRetryable reports whether the error is a transient upstream failure
func IsRetryable(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Retryable
}
