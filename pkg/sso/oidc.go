package sso

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/gatehouse-sso/gatehouse/pkg/observability"
)

const (
	// DefaultUpstreamTimeout bounds each call to the identity provider
	DefaultUpstreamTimeout = 5 * time.Second
	// DefaultUpstreamRetries bounds retry attempts for transient failures
	DefaultUpstreamRetries = 3

	providerCacheSize = 256
	providerCacheTTL  = time.Hour
)

// AuthRequest is the outcome of CreateAuthRequest: the URL to send the
// browser to plus the single-use parameters persisted for the callback.
type AuthRequest struct {
	AuthURL string
	State   string
	Nonce   string
}

type providerHandle struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth    *oauth2.Config
}

// OIDCProcessor drives the authorization-code flow with PKCE and validates
// ID tokens against per-organization issuer configuration.
type OIDCProcessor struct {
	configs         *ConfigStore
	state           StateStore
	providers       *expirable.LRU[string, *providerHandle]
	group           singleflight.Group
	httpClient      *http.Client
	upstreamTimeout time.Duration
	upstreamRetries uint64
	stateTTL        time.Duration
	logger          *observability.Logger
	metrics         *observability.Metrics
}

// OIDCProcessorOptions tunes upstream behavior; zero values take defaults
type OIDCProcessorOptions struct {
	UpstreamTimeout time.Duration
	UpstreamRetries int
	StateTTL        time.Duration
	HTTPClient      *http.Client
}

// NewOIDCProcessor creates an OIDC processor
func NewOIDCProcessor(configs *ConfigStore, state StateStore, opts OIDCProcessorOptions, logger *observability.Logger, metrics *observability.Metrics) *OIDCProcessor {
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if opts.UpstreamRetries <= 0 {
		opts.UpstreamRetries = DefaultUpstreamRetries
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = DefaultStateTTL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.UpstreamTimeout}
	}
	return &OIDCProcessor{
		configs:         configs,
		state:           state,
		providers:       expirable.NewLRU[string, *providerHandle](providerCacheSize, nil, providerCacheTTL),
		httpClient:      opts.HTTPClient,
		upstreamTimeout: opts.UpstreamTimeout,
		upstreamRetries: uint64(opts.UpstreamRetries),
		stateTTL:        opts.StateTTL,
		logger:          logger,
		metrics:         metrics,
	}
}

// handle returns the cached provider for the org, performing discovery at
// most once per cache window even under concurrent logins.
func (p *OIDCProcessor) handle(ctx context.Context, orgID string, cfg *SSOConfiguration) (*providerHandle, error) {
	if h, ok := p.providers.Get(orgID); ok {
		if p.metrics != nil {
			p.metrics.JWKSCacheHits.WithLabelValues(orgID).Inc()
		}
		return h, nil
	}
	if p.metrics != nil {
		p.metrics.JWKSCacheMisses.WithLabelValues(orgID).Inc()
	}

	v, err, _ := p.group.Do(orgID, func() (interface{}, error) {
		var provider *oidc.Provider
		operation := func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, p.upstreamTimeout)
			defer cancel()
			attemptCtx = oidc.ClientContext(attemptCtx, p.httpClient)

			var err error
			provider, err = oidc.NewProvider(attemptCtx, cfg.OIDC.IssuerURL)
			if err != nil {
				return &UpstreamError{Op: "discovery", Err: err, Retryable: true}
			}
			return nil
		}
		if err := backoff.Retry(operation, p.newBackOff(ctx)); err != nil {
			if p.metrics != nil {
				p.metrics.JWKSRefreshesTotal.WithLabelValues("error").Inc()
			}
			return nil, err
		}

		if p.metrics != nil {
			p.metrics.JWKSRefreshesTotal.WithLabelValues("success").Inc()
		}
		return &providerHandle{
			provider: provider,
			verifier: provider.Verifier(&oidc.Config{ClientID: cfg.OIDC.ClientID}),
			oauth: &oauth2.Config{
				ClientID:     cfg.OIDC.ClientID,
				ClientSecret: cfg.OIDC.ClientSecret,
				Endpoint:     provider.Endpoint(),
				RedirectURL:  cfg.OIDC.RedirectURL,
				Scopes:       cfg.OIDC.Scopes,
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	h := v.(*providerHandle)
	p.providers.Add(orgID, h)
	return h, nil
}

func (p *OIDCProcessor) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = p.upstreamTimeout * time.Duration(p.upstreamRetries)
	return backoff.WithContext(backoff.WithMaxRetries(bo, p.upstreamRetries), ctx)
}

// CreateAuthRequest builds the authorization URL and persists the
// single-use state. The code verifier never leaves the state store.
func (p *OIDCProcessor) CreateAuthRequest(ctx context.Context, orgID string) (*AuthRequest, error) {
	cfg, err := p.configs.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if cfg.Protocol != ProtocolOIDC {
		return nil, &ConfigurationError{OrgID: orgID, Detail: "organization is not configured for OIDC"}
	}

	h, err := p.handle(ctx, orgID, cfg)
	if err != nil {
		return nil, err
	}

	state := randomToken(32)
	nonce := randomToken(32)
	opts := []oauth2.AuthCodeOption{oidc.Nonce(nonce)}

	var codeVerifier string
	if cfg.OIDC.PKCERequired {
		codeVerifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(codeVerifier))
	}

	now := time.Now()
	if err := p.state.Save(ctx, &AuthnRequestState{
		RequestID:    state,
		OrgID:        orgID,
		Nonce:        nonce,
		CodeVerifier: codeVerifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(p.stateTTL),
	}); err != nil {
		return nil, fmt.Errorf("persisting request state: %w", err)
	}

	p.logger.WithField("org_id", orgID).Debug("Created OIDC auth request")
	return &AuthRequest{
		AuthURL: h.oauth.AuthCodeURL(state, opts...),
		State:   state,
		Nonce:   nonce,
	}, nil
}

// HandleCallback consumes the state, exchanges the code and validates the
// ID token. State mismatch is fatal before any token work happens, so a
// forged callback never reaches the token endpoint.
func (p *OIDCProcessor) HandleCallback(ctx context.Context, orgID, code, state string) (*IdentityAssertion, error) {
	cfg, err := p.configs.Get(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if cfg.Protocol != ProtocolOIDC {
		return nil, &ConfigurationError{OrgID: orgID, Detail: "organization is not configured for OIDC"}
	}

	st, err := p.state.Consume(ctx, state)
	if err != nil {
		return nil, p.reject(validationErr(ProtocolOIDC, ReasonStateMismatch, "state unknown, expired or already consumed"))
	}
	if st.OrgID != orgID {
		return nil, p.reject(validationErr(ProtocolOIDC, ReasonStateMismatch, "state belongs to a different organization"))
	}

	h, err := p.handle(ctx, orgID, cfg)
	if err != nil {
		return nil, err
	}

	token, err := p.exchange(ctx, h, code, st.CodeVerifier)
	if err != nil {
		return nil, p.reject(err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, p.reject(&UpstreamError{Op: "token exchange", Err: errors.New("response carries no id_token"), Retryable: false})
	}

	idToken, err := h.verifier.Verify(oidc.ClientContext(ctx, p.httpClient), rawIDToken)
	if err != nil {
		return nil, p.reject(classifyOIDCError(err))
	}
	if idToken.Nonce != st.Nonce {
		return nil, p.reject(validationErr(ProtocolOIDC, ReasonInvalidNonce, "nonce does not match the login request"))
	}

	assertion, err := p.normalize(cfg, idToken)
	if err != nil {
		return nil, p.reject(err)
	}

	p.logger.WithFields(map[string]interface{}{
		"org_id":  orgID,
		"subject": assertion.Subject,
		"issuer":  assertion.Issuer,
	}).Info("Validated OIDC callback")
	return assertion, nil
}

// exchange performs the code exchange with bounded retry. Network errors
// and 5xx responses retry; invalid_grant and other OAuth protocol errors
// fail immediately.
func (p *OIDCProcessor) exchange(ctx context.Context, h *providerHandle, code, codeVerifier string) (*oauth2.Token, error) {
	opts := []oauth2.AuthCodeOption{}
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	var token *oauth2.Token
	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.upstreamTimeout)
		defer cancel()
		attemptCtx = context.WithValue(attemptCtx, oauth2.HTTPClient, p.httpClient)

		start := time.Now()
		var err error
		token, err = h.oauth.Exchange(attemptCtx, code, opts...)
		if p.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			p.metrics.RecordUpstream("token_exchange", status, time.Since(start))
		}
		if err == nil {
			return nil
		}

		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil && retrieveErr.Response.StatusCode < 500 {
			return backoff.Permanent(&UpstreamError{Op: "token exchange", Err: err, Retryable: false})
		}
		return &UpstreamError{Op: "token exchange", Err: err, Retryable: true}
	}
	if err := backoff.Retry(operation, p.newBackOff(ctx)); err != nil {
		return nil, err
	}
	return token, nil
}

func (p *OIDCProcessor) normalize(cfg *SSOConfiguration, idToken *oidc.IDToken) (*IdentityAssertion, error) {
	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, &UpstreamError{Op: "claims decode", Err: err, Retryable: false}
	}

	assertion := &IdentityAssertion{
		Provider:     ProtocolOIDC,
		Subject:      idToken.Subject,
		Issuer:       idToken.Issuer,
		NotOnOrAfter: idToken.Expiry,
		Attributes:   make(map[string][]string),
	}
	if len(idToken.Audience) > 0 {
		assertion.Audience = idToken.Audience[0]
	}

	for name, value := range claims {
		switch v := value.(type) {
		case string:
			assertion.Attributes[name] = []string{v}
		case bool:
			assertion.Attributes[name] = []string{fmt.Sprintf("%t", v)}
		case float64:
			assertion.Attributes[name] = []string{strings.TrimSuffix(fmt.Sprintf("%f", v), ".000000")}
		case []interface{}:
			var values []string
			for _, item := range v {
				if s, ok := item.(string); ok {
					values = append(values, s)
				}
			}
			if len(values) > 0 {
				assertion.Attributes[name] = values
			}
		}
	}

	ApplyAttributeRules(cfg.AttributeMapping, assertion)
	if assertion.Email == "" {
		if vs := assertion.Attributes["email"]; len(vs) > 0 {
			assertion.Email = vs[0]
		}
	}
	if vs := assertion.Attributes["email_verified"]; len(vs) > 0 {
		assertion.EmailVerified = vs[0] == "true"
	} else {
		assertion.EmailVerified = true
	}
	if assertion.DisplayName == "" {
		if vs := assertion.Attributes["name"]; len(vs) > 0 {
			assertion.DisplayName = vs[0]
		}
	}
	if len(assertion.Groups) == 0 {
		if vs := assertion.Attributes["groups"]; len(vs) > 0 {
			assertion.Groups = vs
		}
	}
	if vs := assertion.Attributes["amr"]; len(vs) > 0 {
		for _, method := range vs {
			if method == "mfa" || method == "otp" || method == "hwk" {
				assertion.MFASatisfied = true
				break
			}
		}
	}

	if assertion.Subject == "" {
		return nil, validationErr(ProtocolOIDC, ReasonMalformedXML, "token carries no subject")
	}
	return assertion, nil
}

func (p *OIDCProcessor) reject(err error) error {
	var ve *ProtocolValidationError
	if errors.As(err, &ve) && p.metrics != nil {
		p.metrics.ValidationFailures.WithLabelValues(string(ProtocolOIDC), string(ve.Reason)).Inc()
	}
	p.logger.WithError(err).Warn("Rejected OIDC callback")
	return err
}

// classifyOIDCError maps go-oidc verification failures onto the taxonomy
func classifyOIDCError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "expired"), strings.Contains(msg, "issued in the future"):
		return validationErr(ProtocolOIDC, ReasonExpiredAssertion, "%v", err)
	case strings.Contains(msg, "audience"), strings.Contains(msg, "issuer did not match"):
		return validationErr(ProtocolOIDC, ReasonAudienceMismatch, "%v", err)
	case strings.Contains(msg, "signature"), strings.Contains(msg, "verify"):
		return validationErr(ProtocolOIDC, ReasonInvalidSignature, "%v", err)
	case strings.Contains(msg, "keys") || strings.Contains(msg, "jwks"):
		return &UpstreamError{Op: "jwks fetch", Err: err, Retryable: true}
	default:
		return validationErr(ProtocolOIDC, ReasonInvalidSignature, "%v", err)
	}
}
