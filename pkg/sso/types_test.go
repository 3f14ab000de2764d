package sso

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gatehouse-sso/gatehouse/pkg/directory"
)

func TestApplyAttributeRulesFirstRuleWins(t *testing.T) {
	assertion := &IdentityAssertion{
		Attributes: map[string][]string{
			"mail":          {"Primary@Example.COM"},
			"backup_mail":   {"backup@example.com"},
			"cn":            {"  Jane Doe  "},
			"memberOf":      {"Engineering", "Admins"},
			"unmapped_attr": {"ignored"},
		},
	}

	ApplyAttributeRules([]AttributeRule{
		{SourcePath: "mail", TargetField: TargetEmail, Transform: "lowercase"},
		{SourcePath: "backup_mail", TargetField: TargetEmail},
		{SourcePath: "cn", TargetField: TargetDisplayName, Transform: "trim"},
		{SourcePath: "memberOf", TargetField: TargetGroups, Transform: "lowercase"},
	}, assertion)

	assert.Equal(t, "primary@example.com", assertion.Email)
	assert.Equal(t, "Jane Doe", assertion.DisplayName)
	assert.Equal(t, []string{"engineering", "admins"}, assertion.Groups)
}

func TestApplyAttributeRulesMissingSourceSkipped(t *testing.T) {
	assertion := &IdentityAssertion{
		Attributes: map[string][]string{"mail": {"jdoe@example.com"}},
	}

	ApplyAttributeRules([]AttributeRule{
		{SourcePath: "absent", TargetField: TargetEmail},
		{SourcePath: "mail", TargetField: TargetEmail},
	}, assertion)

	// the first rule has no source value, so the second one applies
	assert.Equal(t, "jdoe@example.com", assertion.Email)
}

func TestEmailDomainAllowed(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		email   string
		want    bool
	}{
		{"empty list allows all", nil, "a@anywhere.io", true},
		{"exact match", []string{"example.com"}, "a@example.com", true},
		{"case insensitive", []string{"Example.COM"}, "a@EXAMPLE.com", true},
		{"not in list", []string{"example.com"}, "a@other.com", false},
		{"no at sign", []string{"example.com"}, "nodomain", false},
		{"second domain matches", []string{"one.com", "two.com"}, "a@two.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EmailDomainAllowed(tt.allowed, tt.email))
		})
	}
}

func TestSessionPolicyDefaults(t *testing.T) {
	cfg := &SSOConfiguration{}
	idle, absolute, maxConcurrent := cfg.SessionPolicy()
	assert.Equal(t, 15*time.Minute, idle)
	assert.Equal(t, 8*time.Hour, absolute)
	assert.Equal(t, 5, maxConcurrent)
}

func TestSessionPolicyAbsoluteNeverBelowIdle(t *testing.T) {
	cfg := &SSOConfiguration{
		SessionTimeout:         2 * time.Hour,
		AbsoluteSessionTimeout: time.Hour,
		MaxConcurrentSessions:  3,
	}
	idle, absolute, maxConcurrent := cfg.SessionPolicy()
	assert.Equal(t, 2*time.Hour, idle)
	assert.Equal(t, 2*time.Hour, absolute)
	assert.Equal(t, 3, maxConcurrent)
}

func TestGroupRuleRoundTrip(t *testing.T) {
	rule := GroupRule{Group: "admins", Role: directory.RoleAdmin}
	assert.True(t, rule.Role.Valid())
}
