package sso

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/gatehouse-sso/gatehouse/pkg/audit"
	"github.com/gatehouse-sso/gatehouse/pkg/certs"
	"github.com/gatehouse-sso/gatehouse/pkg/directory"
	"github.com/gatehouse-sso/gatehouse/pkg/observability"
	"github.com/gatehouse-sso/gatehouse/pkg/session"
)

// SessionCookie is the cookie carrying the session ID
const SessionCookie = "gatehouse_session"

// Provisioner reconciles a validated assertion with the local directory
type Provisioner interface {
	Provision(ctx context.Context, orgID string, assertion *IdentityAssertion, cfg *SSOConfiguration) (*directory.User, error)
}

// Handler serves the SSO login endpoints and the admin configuration
// surface.
type Handler struct {
	saml        *SAMLProcessor
	oidc        *OIDCProcessor
	configs     *ConfigStore
	certs       *certs.Manager
	provisioner Provisioner
	sessions    *session.Manager
	audit       audit.Logger
	logger      *observability.Logger
	metrics     *observability.Metrics
	secure      bool
}

// NewHandler creates the SSO HTTP handler
func NewHandler(saml *SAMLProcessor, oidcProc *OIDCProcessor, configs *ConfigStore, certManager *certs.Manager, provisioner Provisioner, sessions *session.Manager, auditLogger audit.Logger, logger *observability.Logger, metrics *observability.Metrics, secureCookies bool) *Handler {
	return &Handler{
		saml:        saml,
		oidc:        oidcProc,
		configs:     configs,
		certs:       certManager,
		provisioner: provisioner,
		sessions:    sessions,
		audit:       auditLogger,
		logger:      logger,
		metrics:     metrics,
		secure:      secureCookies,
	}
}

// RegisterRoutes mounts the login endpoints
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/sso/saml/login", h.SAMLLogin).Methods(http.MethodGet)
	r.HandleFunc("/sso/saml/callback", h.SAMLCallback).Methods(http.MethodPost)
	r.HandleFunc("/sso/saml/metadata", h.SAMLMetadata).Methods(http.MethodGet)
	r.HandleFunc("/sso/oidc/login", h.OIDCLogin).Methods(http.MethodGet)
	r.HandleFunc("/sso/oidc/callback", h.OIDCCallback).Methods(http.MethodGet)
	r.HandleFunc("/sso/logout", h.Logout).Methods(http.MethodPost)
	r.HandleFunc("/sso/session", h.SessionInfo).Methods(http.MethodGet)
}

// RegisterAdminRoutes mounts the org administration endpoints
func (h *Handler) RegisterAdminRoutes(r *mux.Router) {
	r.HandleFunc("/admin/orgs/{org}/sso/config", h.GetConfig).Methods(http.MethodGet)
	r.HandleFunc("/admin/orgs/{org}/sso/config", h.PutConfig).Methods(http.MethodPut)
	r.HandleFunc("/admin/orgs/{org}/sso/config", h.DisableConfig).Methods(http.MethodDelete)
	r.HandleFunc("/admin/orgs/{org}/certificates/rotate", h.RotateCertificate).Methods(http.MethodPost)
	r.HandleFunc("/admin/orgs/{org}/certificates/promote", h.PromoteCertificate).Methods(http.MethodPost)
}

// SAMLLogin starts an SP-initiated SAML login
func (h *Handler) SAMLLogin(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org")
	if orgID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_org")
		return
	}
	relayState := safeRelayState(r.URL.Query().Get("redirect"))

	authURL, err := h.saml.CreateAuthnRequest(r.Context(), orgID, relayState)
	if err != nil {
		h.failLogin(w, r, orgID, ProtocolSAML, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// SAMLCallback handles the POST-binding assertion consumer endpoint
func (h *Handler) SAMLCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed_form")
		return
	}
	orgID := r.URL.Query().Get("org")
	if orgID == "" {
		orgID = r.FormValue("org")
	}
	if orgID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_org")
		return
	}
	encodedResponse := r.FormValue("SAMLResponse")
	if encodedResponse == "" {
		h.writeError(w, http.StatusBadRequest, "missing_saml_response")
		return
	}

	assertion, err := h.saml.ValidateResponse(r.Context(), orgID, encodedResponse)
	if err != nil {
		h.failLogin(w, r, orgID, ProtocolSAML, err)
		return
	}
	h.completeLogin(w, r, orgID, assertion, safeRelayState(r.FormValue("RelayState")))
}

// SAMLMetadata serves the SP metadata document
func (h *Handler) SAMLMetadata(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org")
	if orgID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_org")
		return
	}
	metadata, err := h.saml.Metadata(r.Context(), orgID)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(metadata)
}

// OIDCLogin starts an OIDC authorization-code login
func (h *Handler) OIDCLogin(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org")
	if orgID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_org")
		return
	}

	req, err := h.oidc.CreateAuthRequest(r.Context(), orgID)
	if err != nil {
		h.failLogin(w, r, orgID, ProtocolOIDC, err)
		return
	}
	http.Redirect(w, r, req.AuthURL, http.StatusFound)
}

// OIDCCallback handles the redirect back from the IdP
func (h *Handler) OIDCCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orgID := q.Get("org")
	if orgID == "" {
		h.writeError(w, http.StatusBadRequest, "missing_org")
		return
	}
	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		h.writeError(w, http.StatusBadRequest, "missing_code_or_state")
		return
	}

	assertion, err := h.oidc.HandleCallback(r.Context(), orgID, code, state)
	if err != nil {
		h.failLogin(w, r, orgID, ProtocolOIDC, err)
		return
	}
	h.completeLogin(w, r, orgID, assertion, safeRelayState(q.Get("redirect")))
}

// Logout revokes the current session
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "no_session")
		return
	}
	if err := h.sessions.Revoke(r.Context(), cookie.Value); err != nil {
		h.logger.WithError(err).Error("Failed to revoke session")
		h.writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
	h.audit.Log(r.Context(), audit.Event{Type: audit.EventLogout})
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// SessionInfo validates the current session and returns its metadata
func (h *Handler) SessionInfo(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "no_session")
		return
	}
	s, err := h.sessions.Validate(r.Context(), cookie.Value)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRevoked):
			h.writeError(w, http.StatusUnauthorized, "session_revoked")
		case errors.Is(err, session.ErrExpired):
			h.writeError(w, http.StatusUnauthorized, "session_expired")
		case errors.Is(err, session.ErrNotFound):
			h.writeError(w, http.StatusUnauthorized, "no_session")
		default:
			h.logger.WithError(err).Error("Session validation failed")
			h.writeError(w, http.StatusInternalServerError, "internal_error")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, s)
}

func (h *Handler) completeLogin(w http.ResponseWriter, r *http.Request, orgID string, assertion *IdentityAssertion, redirect string) {
	ctx := r.Context()
	protocol := assertion.Provider

	cfg, err := h.configs.Get(ctx, orgID)
	if err != nil {
		h.failLogin(w, r, orgID, protocol, err)
		return
	}
	if cfg.MFARequired && !assertion.MFASatisfied {
		h.failLogin(w, r, orgID, protocol, validationErr(protocol, ReasonStateMismatch, "organization requires MFA but the assertion does not attest it"))
		return
	}

	user, err := h.provisioner.Provision(ctx, orgID, assertion, cfg)
	if err != nil {
		h.failLogin(w, r, orgID, protocol, err)
		return
	}

	idle, absolute, maxConcurrent := cfg.SessionPolicy()
	s, err := h.sessions.Create(ctx, user, session.Policy{
		IdleTimeout:     idle,
		AbsoluteTimeout: absolute,
		MaxConcurrent:   maxConcurrent,
	}, session.CreateOptions{MFAVerified: assertion.MFASatisfied})
	if err != nil {
		h.logger.WithError(err).Error("Failed to create session")
		h.writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    s.ID,
		Path:     "/",
		Expires:  s.AbsoluteExpiresAt,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})

	if h.metrics != nil {
		h.metrics.RecordLogin(string(protocol), "success")
	}
	h.audit.Log(ctx, audit.Event{
		Type:   audit.EventLogin,
		OrgID:  orgID,
		UserID: user.ID,
		Metadata: map[string]any{
			"provider":   string(protocol),
			"session_id": s.ID,
		},
	})

	if redirect == "" {
		redirect = "/"
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (h *Handler) failLogin(w http.ResponseWriter, r *http.Request, orgID string, protocol Protocol, err error) {
	if h.metrics != nil {
		h.metrics.RecordLogin(string(protocol), "failure")
	}
	h.audit.Log(r.Context(), audit.Event{
		Type:  audit.EventLoginFailed,
		OrgID: orgID,
		Metadata: map[string]any{
			"provider": string(protocol),
			"error":    err.Error(),
		},
	})
	h.writeMappedError(w, err)
}

// writeMappedError renders errors without leaking validation detail
func (h *Handler) writeMappedError(w http.ResponseWriter, err error) {
	var (
		ve *ProtocolValidationError
		ce *ConfigurationError
		ue *UpstreamError
	)
	switch {
	case errors.As(err, &ve):
		h.writeError(w, http.StatusUnauthorized, ve.Code())
	case errors.Is(err, ErrConfigNotFound):
		h.writeError(w, http.StatusNotFound, "sso_not_configured")
	case errors.Is(err, ErrSSODisabled):
		h.writeError(w, http.StatusForbidden, "sso_disabled")
	case errors.Is(err, ErrDomainNotAllowed):
		h.writeError(w, http.StatusForbidden, "email_domain_not_allowed")
	case errors.Is(err, ErrUserNotProvisioned):
		h.writeError(w, http.StatusForbidden, "user_not_provisioned")
	case errors.Is(err, ErrProvisioningConflict):
		h.writeError(w, http.StatusConflict, "provisioning_conflict")
	case errors.As(err, &ce):
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_configuration")
	case errors.As(err, &ue):
		if ue.Retryable {
			h.writeError(w, http.StatusBadGateway, "idp_unavailable")
		} else {
			h.writeError(w, http.StatusUnauthorized, "auth_failed_upstream")
		}
	case errors.Is(err, certs.ErrNotFound), errors.Is(err, certs.ErrNoUsableCertificate):
		h.writeError(w, http.StatusUnprocessableEntity, "no_valid_certificate")
	default:
		h.logger.WithError(err).Error("Unhandled SSO error")
		h.writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

// GetConfig returns the org configuration for admins
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org"]
	cfg, err := h.configs.GetAny(r.Context(), orgID)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

// PutConfig upserts the org configuration
func (h *Handler) PutConfig(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org"]

	var cfg SSOConfiguration
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&cfg); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed_body")
		return
	}
	cfg.OrgID = orgID

	if err := h.configs.Save(r.Context(), &cfg); err != nil {
		h.writeMappedError(w, err)
		return
	}
	h.audit.Log(r.Context(), audit.Event{Type: audit.EventConfigUpdated, OrgID: orgID})
	h.writeJSON(w, http.StatusOK, cfg)
}

// DisableConfig soft-deletes the org configuration
func (h *Handler) DisableConfig(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org"]
	if err := h.configs.Disable(r.Context(), orgID); err != nil {
		h.writeMappedError(w, err)
		return
	}
	h.audit.Log(r.Context(), audit.Event{Type: audit.EventConfigDisabled, OrgID: orgID})
	w.WriteHeader(http.StatusNoContent)
}

type rotateRequest struct {
	CertPEM string `json:"cert_pem"`
	KeyPEM  string `json:"key_pem,omitempty"`
}

// RotateCertificate stores a new certificate for the org
func (h *Handler) RotateCertificate(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org"]

	var req rotateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed_body")
		return
	}

	record, err := h.certs.Rotate(r.Context(), orgID, []byte(req.CertPEM), []byte(req.KeyPEM))
	if err != nil {
		if errors.Is(err, certs.ErrInvalidPEM) {
			h.writeError(w, http.StatusBadRequest, "invalid_certificate")
			return
		}
		h.writeMappedError(w, err)
		return
	}
	h.audit.Log(r.Context(), audit.Event{Type: audit.EventCertRotated, OrgID: orgID})
	h.writeJSON(w, http.StatusCreated, record)
}

// PromoteCertificate flips the secondary certificate into primary
func (h *Handler) PromoteCertificate(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["org"]
	if err := h.certs.Promote(r.Context(), orgID); err != nil {
		if errors.Is(err, certs.ErrNoSecondary) {
			h.writeError(w, http.StatusConflict, "no_secondary_certificate")
			return
		}
		h.writeMappedError(w, err)
		return
	}
	h.audit.Log(r.Context(), audit.Event{Type: audit.EventCertPromoted, OrgID: orgID})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code string) {
	h.writeJSON(w, status, map[string]string{"error": code})
}

// safeRelayState only accepts relative paths so the post-login redirect
// cannot be pointed at another origin.
func safeRelayState(redirect string) string {
	if redirect == "" {
		return ""
	}
	if !strings.HasPrefix(redirect, "/") || strings.HasPrefix(redirect, "//") {
		return ""
	}
	return redirect
}
