package sso

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-sso/gatehouse/pkg/audit"
	"github.com/gatehouse-sso/gatehouse/pkg/certs"
	"github.com/gatehouse-sso/gatehouse/pkg/directory"
	"github.com/gatehouse-sso/gatehouse/pkg/session"
)

type fakeProvisioner struct {
	user *directory.User
	err  error
}

func (f *fakeProvisioner) Provision(ctx context.Context, orgID string, assertion *IdentityAssertion, cfg *SSOConfiguration) (*directory.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.user != nil {
		return f.user, nil
	}
	return &directory.User{
		ID:       "u-1",
		OrgID:    orgID,
		Provider: string(assertion.Provider),
		Email:    assertion.Email,
		Role:     directory.RoleMember,
		Active:   true,
	}, nil
}

type handlerEnv struct {
	router      *mux.Router
	configs     *ConfigStore
	sessions    *session.Manager
	certs       *certs.Manager
	provisioner *fakeProvisioner
	oidcIdP     *fakeIdP
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()

	configs := NewConfigStore(NewMemoryConfigRepository(), testLogger())
	certManager := certs.NewManager(certs.NewMemoryRepository(), time.Hour, testLogger(), nil, nil)
	sessions := session.NewManager(session.NewMemoryRepository(), testLogger(), nil, nil)
	provisioner := &fakeProvisioner{}

	state := NewMemoryStateStore()
	replay := NewMemoryReplayGuard()
	samlProc := NewSAMLProcessor(configs, certManager, state, replay,
		"https://sso.example.com", SAMLProcessorOptions{}, testLogger(), nil)
	oidcProc := NewOIDCProcessor(configs, state, OIDCProcessorOptions{
		UpstreamTimeout: 2 * time.Second,
		UpstreamRetries: 1,
	}, testLogger(), nil)

	handler := NewHandler(samlProc, oidcProc, configs, certManager, provisioner,
		sessions, audit.NopLogger{}, testLogger(), nil, false)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	handler.RegisterAdminRoutes(router)

	return &handlerEnv{
		router:      router,
		configs:     configs,
		sessions:    sessions,
		certs:       certManager,
		provisioner: provisioner,
	}
}

func (e *handlerEnv) withOIDCOrg(t *testing.T, orgID string, mutate func(*SSOConfiguration)) *fakeIdP {
	t.Helper()
	idp := newFakeIdP(t)

	cfg := validOIDCConfig(orgID)
	cfg.OIDC.IssuerURL = idp.server.URL
	cfg.OIDC.ClientSecret = "secret"
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, e.configs.Save(context.Background(), cfg))
	e.oidcIdP = idp
	return idp
}

func (e *handlerEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestLoginMissingOrg(t *testing.T) {
	env := newHandlerEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/sso/saml/login", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_org", errorCode(t, rec))

	rec = env.do(httptest.NewRequest(http.MethodGet, "/sso/oidc/login", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginUnconfiguredOrg(t *testing.T) {
	env := newHandlerEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/sso/oidc/login?org=nobody", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "sso_not_configured", errorCode(t, rec))
}

func TestOIDCLoginAndCallbackThroughHandler(t *testing.T) {
	env := newHandlerEnv(t)
	idp := env.withOIDCOrg(t, "org-1", nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/sso/oidc/login?org=org-1", nil))
	require.Equal(t, http.StatusFound, rec.Code)

	authURL := rec.Header().Get("Location")
	require.NotEmpty(t, authURL)
	parsed, err := http.NewRequest(http.MethodGet, authURL, nil)
	require.NoError(t, err)
	state := parsed.URL.Query().Get("state")
	nonce := parsed.URL.Query().Get("nonce")
	require.NotEmpty(t, state)

	idp.setClaims(map[string]any{"nonce": nonce})

	rec = env.do(httptest.NewRequest(http.MethodGet,
		"/sso/oidc/callback?org=org-1&code=test-code&state="+state+"&redirect=/home", nil))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	assert.Equal(t, "/home", rec.Header().Get("Location"))

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "session cookie not set")
	assert.True(t, cookie.HttpOnly)

	// the cookie resolves to a live session
	req := httptest.NewRequest(http.MethodGet, "/sso/session", nil)
	req.AddCookie(cookie)
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var s session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, "u-1", s.UserID)
	assert.Equal(t, "org-1", s.OrgID)

	// logout revokes it
	req = httptest.NewRequest(http.MethodPost, "/sso/logout", nil)
	req.AddCookie(cookie)
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/sso/session", nil)
	req.AddCookie(cookie)
	rec = env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "session_revoked", errorCode(t, rec))
}

func TestOIDCCallbackOpenRedirectBlocked(t *testing.T) {
	env := newHandlerEnv(t)
	idp := env.withOIDCOrg(t, "org-1", nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/sso/oidc/login?org=org-1", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	parsed, err := http.NewRequest(http.MethodGet, rec.Header().Get("Location"), nil)
	require.NoError(t, err)
	state := parsed.URL.Query().Get("state")
	idp.setClaims(map[string]any{"nonce": parsed.URL.Query().Get("nonce")})

	rec = env.do(httptest.NewRequest(http.MethodGet,
		"/sso/oidc/callback?org=org-1&code=test-code&state="+state+"&redirect=https://evil.example.com", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestOIDCCallbackMFARequired(t *testing.T) {
	env := newHandlerEnv(t)
	idp := env.withOIDCOrg(t, "org-1", func(cfg *SSOConfiguration) {
		cfg.MFARequired = true
	})

	rec := env.do(httptest.NewRequest(http.MethodGet, "/sso/oidc/login?org=org-1", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	parsed, err := http.NewRequest(http.MethodGet, rec.Header().Get("Location"), nil)
	require.NoError(t, err)
	state := parsed.URL.Query().Get("state")

	// token asserts only a password factor
	idp.setClaims(map[string]any{
		"nonce": parsed.URL.Query().Get("nonce"),
		"amr":   []string{"pwd"},
	})

	rec = env.do(httptest.NewRequest(http.MethodGet,
		"/sso/oidc/callback?org=org-1&code=test-code&state="+state, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOIDCCallbackProvisioningFailures(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"domain not allowed", ErrDomainNotAllowed, http.StatusForbidden, "email_domain_not_allowed"},
		{"jit disabled", ErrUserNotProvisioned, http.StatusForbidden, "user_not_provisioned"},
		{"conflict", ErrProvisioningConflict, http.StatusConflict, "provisioning_conflict"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newHandlerEnv(t)
			idp := env.withOIDCOrg(t, "org-1", nil)
			env.provisioner.err = tt.err

			rec := env.do(httptest.NewRequest(http.MethodGet, "/sso/oidc/login?org=org-1", nil))
			require.Equal(t, http.StatusFound, rec.Code)
			parsed, err := http.NewRequest(http.MethodGet, rec.Header().Get("Location"), nil)
			require.NoError(t, err)
			idp.setClaims(map[string]any{"nonce": parsed.URL.Query().Get("nonce")})

			rec = env.do(httptest.NewRequest(http.MethodGet,
				"/sso/oidc/callback?org=org-1&code=test-code&state="+parsed.URL.Query().Get("state"), nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantBody, errorCode(t, rec))
		})
	}
}

func TestSessionEndpointsWithoutCookie(t *testing.T) {
	env := newHandlerEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/sso/session", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/sso/logout", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminConfigLifecycle(t *testing.T) {
	env := newHandlerEnv(t)

	body, err := json.Marshal(validOIDCConfig("ignored"))
	require.NoError(t, err)

	rec := env.do(httptest.NewRequest(http.MethodPut, "/admin/orgs/org-9/sso/config", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodGet, "/admin/orgs/org-9/sso/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg SSOConfiguration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	// the path segment wins over any org in the body
	assert.Equal(t, "org-9", cfg.OrgID)
	assert.Equal(t, int64(1), cfg.Version)

	rec = env.do(httptest.NewRequest(http.MethodDelete, "/admin/orgs/org-9/sso/config", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/admin/orgs/org-9/sso/config", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminConfigRejectsInvalid(t *testing.T) {
	env := newHandlerEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodPut, "/admin/orgs/org-9/sso/config",
		bytes.NewReader([]byte(`{"protocol":"carrier-pigeon"}`))))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_configuration", errorCode(t, rec))

	rec = env.do(httptest.NewRequest(http.MethodPut, "/admin/orgs/org-9/sso/config",
		bytes.NewReader([]byte(`{not json`))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminCertificateRotationAndPromotion(t *testing.T) {
	env := newHandlerEnv(t)

	rotate := func(cn string) *httptest.ResponseRecorder {
		certPEM, keyPEM := testCertPEM(t, cn, time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour))
		body, err := json.Marshal(rotateRequest{CertPEM: string(certPEM), KeyPEM: string(keyPEM)})
		require.NoError(t, err)
		return env.do(httptest.NewRequest(http.MethodPost, "/admin/orgs/org-1/certificates/rotate", bytes.NewReader(body)))
	}

	// no secondary yet
	rec := env.do(httptest.NewRequest(http.MethodPost, "/admin/orgs/org-1/certificates/promote", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "no_secondary_certificate", errorCode(t, rec))

	rec = rotate("first")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var record certs.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, certs.RolePrimary, record.Role)

	rec = rotate("second")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodPost, "/admin/orgs/org-1/certificates/promote", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdminCertificateRotateBadPEM(t *testing.T) {
	env := newHandlerEnv(t)

	body := []byte(`{"cert_pem":"garbage"}`)
	rec := env.do(httptest.NewRequest(http.MethodPost, "/admin/orgs/org-1/certificates/rotate", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_certificate", errorCode(t, rec))
}

func TestSafeRelayState(t *testing.T) {
	assert.Equal(t, "/dashboard", safeRelayState("/dashboard"))
	assert.Equal(t, "", safeRelayState("https://evil.example.com"))
	assert.Equal(t, "", safeRelayState("//evil.example.com"))
	assert.Equal(t, "", safeRelayState(""))
}
