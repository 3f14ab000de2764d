package sso

import (
	"strings"
	"time"

	"github.com/gatehouse-sso/gatehouse/pkg/directory"
)

// Protocol identifies the federation protocol an organization uses
type Protocol string

const (
	ProtocolSAML Protocol = "saml"
	ProtocolOIDC Protocol = "oidc"
)

// SAMLSettings is the per-organization SAML 2.0 configuration
type SAMLSettings struct {
	IdPEntityID       string   `json:"idp_entity_id"`
	IdPSSOURL         string   `json:"idp_sso_url"`
	SPEntityID        string   `json:"sp_entity_id"`
	SignRequests      bool     `json:"sign_requests"`
	ForceAuthn        bool     `json:"force_authn"`
	AllowIdPInitiated bool     `json:"allow_idp_initiated"`
	AllowedIssuers    []string `json:"allowed_issuers,omitempty"`
	NameIDFormat      string   `json:"name_id_format,omitempty"`
}

// OIDCSettings is the per-organization OpenID Connect configuration
type OIDCSettings struct {
	IssuerURL    string   `json:"issuer_url"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"-"` // Never expose secret in JSON
	RedirectURL  string   `json:"redirect_url"`
	Scopes       []string `json:"scopes"`
	PKCERequired bool     `json:"pkce_required"`
}

// AttributeRule maps one assertion attribute or token claim onto a user
// field. Rules are evaluated in order; unmapped attributes overflow into
// user metadata.
type AttributeRule struct {
	SourcePath  string `json:"source_path"`
	TargetField string `json:"target_field"`
	Transform   string `json:"transform,omitempty"` // "", "lowercase", "trim"
}

// Target fields understood by AttributeRule
const (
	TargetEmail       = "email"
	TargetUsername    = "username"
	TargetDisplayName = "display_name"
	TargetGroups      = "groups"
)

// GroupRule maps a directory group asserted by the IdP to a role
type GroupRule struct {
	Group string         `json:"group"`
	Role  directory.Role `json:"role"`
}

// SSOConfiguration is the per-organization federation policy. Exactly one
// of SAML or OIDC is set, matching Protocol.
type SSOConfiguration struct {
	OrgID    string        `json:"org_id"`
	Protocol Protocol      `json:"protocol"`
	SAML     *SAMLSettings `json:"saml,omitempty"`
	OIDC     *OIDCSettings `json:"oidc,omitempty"`

	JITProvisioning   bool            `json:"jit_provisioning"`
	AllowEmailLinking bool            `json:"allow_email_linking"`
	AttributeMapping  []AttributeRule `json:"attribute_mapping,omitempty"`
	GroupMapping      []GroupRule     `json:"group_mapping,omitempty"`
	DefaultRole       directory.Role  `json:"default_role"`
	AllowedDomains    []string        `json:"allowed_domains,omitempty"`

	// SCIMToken authenticates the IdP's SCIM client for this org
	SCIMToken string `json:"-"`

	MFARequired            bool          `json:"mfa_required"`
	SessionTimeout         time.Duration `json:"session_timeout"`
	AbsoluteSessionTimeout time.Duration `json:"absolute_session_timeout"`
	MaxConcurrentSessions  int           `json:"max_concurrent_sessions"`

	Enabled   bool       `json:"enabled"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// IdentityAssertion is the normalized result of a validated SAML response
// or OIDC token, fed to the provisioning engine.
type IdentityAssertion struct {
	Provider      Protocol            `json:"provider"`
	Subject       string              `json:"subject"`
	Email         string              `json:"email"`
	EmailVerified bool                `json:"email_verified"`
	Username      string              `json:"username,omitempty"`
	DisplayName   string              `json:"display_name,omitempty"`
	Groups        []string            `json:"groups,omitempty"`
	Attributes    map[string][]string `json:"attributes,omitempty"`
	Issuer        string              `json:"issuer"`
	Audience      string              `json:"audience,omitempty"`
	NotBefore     time.Time           `json:"not_before,omitempty"`
	NotOnOrAfter  time.Time           `json:"not_on_or_after,omitempty"`
	SessionIndex  string              `json:"session_index,omitempty"`
	MFASatisfied  bool                `json:"mfa_satisfied,omitempty"`
}

// AuthnRequestState is the single-use state persisted between creating a
// login request and handling its callback. RequestID is the SAML request ID
// or the OIDC state parameter.
type AuthnRequestState struct {
	RequestID    string    `json:"request_id"`
	OrgID        string    `json:"org_id"`
	RelayState   string    `json:"relay_state,omitempty"`
	Nonce        string    `json:"nonce,omitempty"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// applyTransform normalizes a mapped attribute value
func applyTransform(transform, value string) string {
	switch transform {
	case "lowercase":
		return strings.ToLower(value)
	case "trim":
		return strings.TrimSpace(value)
	}
	return value
}

// ApplyAttributeRules evaluates mapping rules in order against the raw
// attribute set and fills the assertion's mapped fields. The first rule
// targeting a field wins; later rules for the same field are ignored.
func ApplyAttributeRules(rules []AttributeRule, assertion *IdentityAssertion) {
	seen := make(map[string]bool, len(rules))
	for _, rule := range rules {
		values, ok := assertion.Attributes[rule.SourcePath]
		if !ok || len(values) == 0 || seen[rule.TargetField] {
			continue
		}
		seen[rule.TargetField] = true

		switch rule.TargetField {
		case TargetEmail:
			assertion.Email = applyTransform(rule.Transform, values[0])
		case TargetUsername:
			assertion.Username = applyTransform(rule.Transform, values[0])
		case TargetDisplayName:
			assertion.DisplayName = applyTransform(rule.Transform, values[0])
		case TargetGroups:
			groups := make([]string, 0, len(values))
			for _, v := range values {
				groups = append(groups, applyTransform(rule.Transform, v))
			}
			assertion.Groups = groups
		}
	}
}

// EmailDomainAllowed reports whether the assertion email passes the
// organization's domain allow list. An empty list allows every domain.
func EmailDomainAllowed(allowed []string, email string) bool {
	if len(allowed) == 0 {
		return true
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, d := range allowed {
		if strings.ToLower(d) == domain {
			return true
		}
	}
	return false
}

// SessionPolicy extracts the session limits from the configuration,
// falling back to safe defaults for unset values.
func (c *SSOConfiguration) SessionPolicy() (idle, absolute time.Duration, maxConcurrent int) {
	idle = c.SessionTimeout
	if idle <= 0 {
		idle = 15 * time.Minute
	}
	absolute = c.AbsoluteSessionTimeout
	if absolute <= 0 {
		absolute = 8 * time.Hour
	}
	if absolute < idle {
		absolute = idle
	}
	maxConcurrent = c.MaxConcurrentSessions
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return idle, absolute, maxConcurrent
}
