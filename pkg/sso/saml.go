package sso

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/gatehouse-sso/gatehouse/pkg/certs"
	"github.com/gatehouse-sso/gatehouse/pkg/observability"
)

// DefaultClockSkew is the tolerance applied to assertion validity windows
const DefaultClockSkew = 120 * time.Second

// SAMLProcessor builds AuthnRequests and validates SAML responses for
// SP-initiated and, where allowed, IdP-initiated logins.
type SAMLProcessor struct {
	configs   *ConfigStore
	certs     *certs.Manager
	state     StateStore
	replay    ReplayGuard
	baseURL   string
	clockSkew time.Duration
	stateTTL  time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// SAMLProcessorOptions tunes validation behavior; zero values take defaults
type SAMLProcessorOptions struct {
	ClockSkew time.Duration
	StateTTL  time.Duration
}

// NewSAMLProcessor creates a SAML processor. baseURL is the externally
// visible origin serving the assertion consumer endpoint.
func NewSAMLProcessor(configs *ConfigStore, certManager *certs.Manager, state StateStore, replay ReplayGuard, baseURL string, opts SAMLProcessorOptions, logger *observability.Logger, metrics *observability.Metrics) *SAMLProcessor {
	if opts.ClockSkew <= 0 {
		opts.ClockSkew = DefaultClockSkew
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = DefaultStateTTL
	}
	return &SAMLProcessor{
		configs:   configs,
		certs:     certManager,
		state:     state,
		replay:    replay,
		baseURL:   strings.TrimRight(baseURL, "/"),
		clockSkew: opts.ClockSkew,
		stateTTL:  opts.StateTTL,
		logger:    logger,
		metrics:   metrics,
	}
}

func (p *SAMLProcessor) callbackURL(orgID string) string {
	return fmt.Sprintf("%s/sso/saml/callback?org=%s", p.baseURL, orgID)
}

func (p *SAMLProcessor) serviceProvider(ctx context.Context, orgID string, cfg *SSOConfiguration) (*saml2.SAMLServiceProvider, error) {
	snapshot, err := p.certs.ValidationCerts(ctx, orgID)
	if err != nil {
		return nil, err
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.SAML.IdPSSOURL,
		IdentityProviderIssuer:      cfg.SAML.IdPEntityID,
		ServiceProviderIssuer:       cfg.SAML.SPEntityID,
		AssertionConsumerServiceURL: p.callbackURL(orgID),
		AudienceURI:                 cfg.SAML.SPEntityID,
		IDPCertificateStore:         snapshot.CertificateStore(),
		ForceAuthn:                  cfg.SAML.ForceAuthn,
	}
	if cfg.SAML.NameIDFormat != "" {
		sp.NameIdFormat = cfg.SAML.NameIDFormat
	}
	if cfg.SAML.SignRequests {
		keyStore, err := snapshot.KeyStore()
		if err != nil {
			return nil, &ConfigurationError{OrgID: orgID, Detail: "request signing enabled but primary certificate has no key"}
		}
		sp.SignAuthnRequests = true
		sp.SignAuthnRequestsAlgorithm = dsig.RSASHA256SignatureMethod
		sp.SPKeyStore = keyStore
	}
	return sp, nil
}

// CreateAuthnRequest builds a signed-when-configured AuthnRequest, persists
// its single-use request state, and returns the HTTP-Redirect URL.
func (p *SAMLProcessor) CreateAuthnRequest(ctx context.Context, orgID, relayState string) (string, error) {
	cfg, err := p.configs.Get(ctx, orgID)
	if err != nil {
		return "", err
	}
	if cfg.Protocol != ProtocolSAML {
		return "", &ConfigurationError{OrgID: orgID, Detail: "organization is not configured for SAML"}
	}

	sp, err := p.serviceProvider(ctx, orgID, cfg)
	if err != nil {
		return "", err
	}

	doc, err := sp.BuildAuthRequestDocument()
	if err != nil {
		return "", fmt.Errorf("building authn request: %w", err)
	}

	// replace the library ID so request IDs always carry >=128 bits of
	// entropy and match what the state store expects at the callback
	requestID := "_" + randomToken(24)
	root := doc.Root()
	root.RemoveAttr("ID")
	root.CreateAttr("ID", requestID)

	now := time.Now()
	if err := p.state.Save(ctx, &AuthnRequestState{
		RequestID:  requestID,
		OrgID:      orgID,
		RelayState: relayState,
		CreatedAt:  now,
		ExpiresAt:  now.Add(p.stateTTL),
	}); err != nil {
		return "", fmt.Errorf("persisting request state: %w", err)
	}

	authURL, err := sp.BuildAuthURLRedirect(relayState, doc)
	if err != nil {
		return "", fmt.Errorf("building redirect URL: %w", err)
	}

	p.logger.WithFields(map[string]interface{}{
		"org_id":     orgID,
		"request_id": requestID,
	}).Debug("Created SAML authn request")
	return authURL, nil
}

// ValidateResponse validates a base64-encoded SAMLResponse and returns the
// normalized assertion. Every failure path maps onto the validation error
// taxonomy; callers only ever see the opaque code.
func (p *SAMLProcessor) ValidateResponse(ctx context.Context, orgID, encodedResponse string) (*IdentityAssertion, error) {
	cfg, err := p.configs.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if cfg.Protocol != ProtocolSAML {
		return nil, &ConfigurationError{OrgID: orgID, Detail: "organization is not configured for SAML"}
	}

	raw, err := base64.StdEncoding.DecodeString(encodedResponse)
	if err != nil {
		return nil, p.reject(validationErr(ProtocolSAML, ReasonMalformedXML, "response is not valid base64: %v", err))
	}

	inResponseTo, issuer, err := peekResponse(raw)
	if err != nil {
		return nil, p.reject(validationErr(ProtocolSAML, ReasonMalformedXML, "%v", err))
	}

	if inResponseTo != "" {
		st, err := p.state.Consume(ctx, inResponseTo)
		if err != nil {
			return nil, p.reject(validationErr(ProtocolSAML, ReasonReplayedAssertion, "request ID %s unknown, expired or already consumed", inResponseTo))
		}
		if st.OrgID != orgID {
			return nil, p.reject(validationErr(ProtocolSAML, ReasonStateMismatch, "request ID belongs to a different organization"))
		}
	} else {
		if !cfg.SAML.AllowIdPInitiated {
			return nil, p.reject(validationErr(ProtocolSAML, ReasonStateMismatch, "unsolicited response but IdP-initiated login is disabled"))
		}
		if !issuerAllowed(cfg.SAML, issuer) {
			return nil, p.reject(validationErr(ProtocolSAML, ReasonStateMismatch, "unsolicited response from issuer %q not in allow list", issuer))
		}
	}

	sp, err := p.serviceProvider(ctx, orgID, cfg)
	if err != nil {
		return nil, err
	}

	info, err := sp.RetrieveAssertionInfo(encodedResponse)
	if err != nil {
		return nil, p.reject(classifySAMLError(err))
	}

	if info.WarningInfo != nil {
		if info.WarningInfo.NotInAudience {
			return nil, p.reject(validationErr(ProtocolSAML, ReasonAudienceMismatch, "assertion audience does not include %s", cfg.SAML.SPEntityID))
		}
		if info.WarningInfo.InvalidTime {
			// the library validates with zero tolerance; re-check the
			// conditions window with the configured skew before rejecting
			if err := p.checkConditionsWithSkew(info); err != nil {
				return nil, p.reject(err)
			}
		}
	}

	assertion, err := p.normalize(ctx, cfg, info, issuer)
	if err != nil {
		return nil, p.reject(err)
	}

	p.logger.WithFields(map[string]interface{}{
		"org_id":  orgID,
		"subject": assertion.Subject,
		"issuer":  assertion.Issuer,
	}).Info("Validated SAML response")
	return assertion, nil
}

// Metadata returns the SP metadata document for the organization
func (p *SAMLProcessor) Metadata(ctx context.Context, orgID string) ([]byte, error) {
	cfg, err := p.configs.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if cfg.Protocol != ProtocolSAML {
		return nil, &ConfigurationError{OrgID: orgID, Detail: "organization is not configured for SAML"}
	}

	sp, err := p.serviceProvider(ctx, orgID, cfg)
	if err != nil {
		return nil, err
	}
	descriptor, err := sp.Metadata()
	if err != nil {
		return nil, fmt.Errorf("generating metadata: %w", err)
	}
	out, err := xml.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func (p *SAMLProcessor) reject(err error) error {
	var ve *ProtocolValidationError
	if errors.As(err, &ve) && p.metrics != nil {
		p.metrics.ValidationFailures.WithLabelValues(string(ProtocolSAML), string(ve.Reason)).Inc()
	}
	p.logger.WithError(err).Warn("Rejected SAML response")
	return err
}

func (p *SAMLProcessor) checkConditionsWithSkew(info *saml2.AssertionInfo) error {
	now := time.Now()
	for i := range info.Assertions {
		conditions := info.Assertions[i].Conditions
		if conditions == nil {
			continue
		}
		if nb, err := time.Parse(time.RFC3339, conditions.NotBefore); err == nil {
			if now.Add(p.clockSkew).Before(nb) {
				return validationErr(ProtocolSAML, ReasonExpiredAssertion, "assertion not yet valid: NotBefore=%s", conditions.NotBefore)
			}
		}
		if noa, err := time.Parse(time.RFC3339, conditions.NotOnOrAfter); err == nil {
			if !now.Add(-p.clockSkew).Before(noa) {
				return validationErr(ProtocolSAML, ReasonExpiredAssertion, "assertion expired: NotOnOrAfter=%s", conditions.NotOnOrAfter)
			}
		}
	}
	return nil
}

func (p *SAMLProcessor) normalize(ctx context.Context, cfg *SSOConfiguration, info *saml2.AssertionInfo, issuer string) (*IdentityAssertion, error) {
	assertion := &IdentityAssertion{
		Provider:      ProtocolSAML,
		Subject:       info.NameID,
		EmailVerified: true,
		Issuer:        issuer,
		Audience:      cfg.SAML.SPEntityID,
		SessionIndex:  info.SessionIndex,
		Attributes:    make(map[string][]string),
	}

	for _, attr := range info.Values {
		values := make([]string, 0, len(attr.Values))
		for _, v := range attr.Values {
			values = append(values, v.Value)
		}
		assertion.Attributes[attr.Name] = values
	}

	if len(info.Assertions) > 0 {
		a := &info.Assertions[0]
		if a.Conditions != nil {
			if nb, err := time.Parse(time.RFC3339, a.Conditions.NotBefore); err == nil {
				assertion.NotBefore = nb
			}
			if noa, err := time.Parse(time.RFC3339, a.Conditions.NotOnOrAfter); err == nil {
				assertion.NotOnOrAfter = noa
			}
		}

		// the assertion ID is remembered for its remaining validity so a
		// captured response cannot be replayed inside the skew window
		ttl := p.clockSkew * 2
		if !assertion.NotOnOrAfter.IsZero() {
			if remaining := time.Until(assertion.NotOnOrAfter) + p.clockSkew; remaining > ttl {
				ttl = remaining
			}
		}
		marked, err := p.replay.MarkOnce(ctx, a.ID, ttl)
		if err != nil {
			return nil, fmt.Errorf("replay guard: %w", err)
		}
		if !marked {
			return nil, validationErr(ProtocolSAML, ReasonReplayedAssertion, "assertion ID %s already seen", a.ID)
		}
	}

	ApplyAttributeRules(cfg.AttributeMapping, assertion)
	if assertion.Email == "" {
		// common IdP defaults before giving up on the mapping
		for _, name := range []string{"email", "mail", "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress"} {
			if vs := assertion.Attributes[name]; len(vs) > 0 {
				assertion.Email = vs[0]
				break
			}
		}
	}
	if assertion.Email == "" && strings.Contains(assertion.Subject, "@") {
		assertion.Email = assertion.Subject
	}
	if assertion.Subject == "" {
		return nil, validationErr(ProtocolSAML, ReasonMalformedXML, "assertion carries no NameID")
	}
	return assertion, nil
}

// peekResponse extracts InResponseTo and Issuer from the raw response
// before signature validation, for state consumption and the IdP-initiated
// allow list. Nothing here is trusted until the signature check passes.
func peekResponse(raw []byte) (inResponseTo, issuer string, err error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return "", "", fmt.Errorf("response is not well-formed XML: %v", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "Response" {
		return "", "", fmt.Errorf("document root is not a samlp:Response")
	}
	if attr := root.SelectAttr("InResponseTo"); attr != nil {
		inResponseTo = attr.Value
	}
	if el := root.FindElement("./Issuer"); el != nil {
		issuer = strings.TrimSpace(el.Text())
	}
	return inResponseTo, issuer, nil
}

func issuerAllowed(s *SAMLSettings, issuer string) bool {
	if issuer == "" {
		return false
	}
	if len(s.AllowedIssuers) == 0 {
		return issuer == s.IdPEntityID
	}
	for _, allowed := range s.AllowedIssuers {
		if allowed == issuer {
			return true
		}
	}
	return false
}

// classifySAMLError maps gosaml2 failures onto the validation taxonomy
func classifySAMLError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "signature"), strings.Contains(msg, "certificate"), strings.Contains(msg, "could not verify"):
		return validationErr(ProtocolSAML, ReasonInvalidSignature, "%v", err)
	case strings.Contains(msg, "expired"), strings.Contains(msg, "notonorafter"), strings.Contains(msg, "notbefore"), strings.Contains(msg, "issueinstant"):
		return validationErr(ProtocolSAML, ReasonExpiredAssertion, "%v", err)
	case strings.Contains(msg, "audience"):
		return validationErr(ProtocolSAML, ReasonAudienceMismatch, "%v", err)
	default:
		return validationErr(ProtocolSAML, ReasonMalformedXML, "%v", err)
	}
}
