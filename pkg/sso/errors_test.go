package sso

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProtocolValidationErrorCode(t *testing.T) {
	err := validationErr(ProtocolSAML, ReasonInvalidSignature, "digest mismatch on assertion %s", "_abc")
	assert.Equal(t, "auth_failed_invalid_signature", err.Code())
	assert.Contains(t, err.Error(), "digest mismatch")
}

func TestProtocolValidationErrorIs(t *testing.T) {
	err := fmt.Errorf("validating: %w", validationErr(ProtocolOIDC, ReasonInvalidNonce, "nonce mismatch"))

	assert.ErrorIs(t, err, &ProtocolValidationError{Protocol: ProtocolOIDC, Reason: ReasonInvalidNonce})
	// zero fields act as wildcards
	assert.ErrorIs(t, err, &ProtocolValidationError{Reason: ReasonInvalidNonce})
	assert.ErrorIs(t, err, &ProtocolValidationError{Protocol: ProtocolOIDC})
	assert.NotErrorIs(t, err, &ProtocolValidationError{Reason: ReasonExpiredAssertion})
}

func TestUpstreamErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := &UpstreamError{Op: "discovery", Err: inner, Retryable: true}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "discovery")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&UpstreamError{Op: "jwks fetch", Err: errors.New("timeout"), Retryable: true}))
	assert.False(t, IsRetryable(&UpstreamError{Op: "token exchange", Err: errors.New("invalid_grant")}))
	assert.False(t, IsRetryable(errors.New("plain error")))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", &UpstreamError{Op: "discovery", Err: errors.New("503"), Retryable: true})))
}
