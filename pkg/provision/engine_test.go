package provision

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gatehouse-sso/gatehouse/pkg/audit"
	"github.com/gatehouse-sso/gatehouse/pkg/directory"
	"github.com/gatehouse-sso/gatehouse/pkg/observability"
	"github.com/gatehouse-sso/gatehouse/pkg/sso"
)

func newTestEngine(t *testing.T) (*Engine, *directory.MemoryStore) {
	t.Helper()
	store := directory.NewMemoryStore()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewEngine(store, audit.NopLogger{}, logger, nil), store
}

func testConfig() *sso.SSOConfiguration {
	return &sso.SSOConfiguration{
		OrgID:           "org-1",
		Protocol:        sso.ProtocolSAML,
		JITProvisioning: true,
		DefaultRole:     directory.RoleViewer,
		GroupMapping: []sso.GroupRule{
			{Group: "platform-admins", Role: directory.RoleAdmin},
			{Group: "engineering", Role: directory.RoleMember},
		},
		Enabled: true,
	}
}

func testAssertion(subject string) *sso.IdentityAssertion {
	return &sso.IdentityAssertion{
		Provider:      sso.ProtocolSAML,
		Subject:       subject,
		Email:         subject + "@example.com",
		EmailVerified: true,
		Groups:        []string{"engineering"},
	}
}

func TestProvisionCreatesNewUser(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	user, err := engine.Provision(ctx, "org-1", testAssertion("alice"), testConfig())
	require.NoError(t, err)
	assert.Equal(t, "alice", user.ExternalID)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.True(t, user.EmailVerified)
	assert.Equal(t, directory.RoleMember, user.Role)
	assert.True(t, user.Active)
	require.NotNil(t, user.LastLoginAt)

	stored, err := store.GetByExternalID(ctx, "saml", "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, stored.ID)
}

func TestProvisionRoleMapping(t *testing.T) {
	tests := []struct {
		name   string
		groups []string
		want   directory.Role
	}{
		{"first matching rule wins", []string{"engineering", "platform-admins"}, directory.RoleAdmin},
		{"single match", []string{"engineering"}, directory.RoleMember},
		{"no match falls back to default", []string{"sales"}, directory.RoleViewer},
		{"no groups falls back to default", nil, directory.RoleViewer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MapRole(testConfig(), tt.groups))
		})
	}
}

func TestProvisionReturningUserRefreshesRole(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	cfg := testConfig()

	first, err := engine.Provision(ctx, "org-1", testAssertion("alice"), cfg)
	require.NoError(t, err)
	assert.Equal(t, directory.RoleMember, first.Role)

	// promoted in the IdP between logins
	promoted := testAssertion("alice")
	promoted.Groups = []string{"platform-admins"}

	second, err := engine.Provision(ctx, "org-1", promoted, cfg)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, directory.RoleAdmin, second.Role)

	stored, err := store.GetByID(ctx, "org-1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, directory.RoleAdmin, stored.Role)
}

func TestProvisionDeactivatedUserRejected(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	cfg := testConfig()

	user, err := engine.Provision(ctx, "org-1", testAssertion("alice"), cfg)
	require.NoError(t, err)

	stored, err := store.GetByID(ctx, "org-1", user.ID)
	require.NoError(t, err)
	stored.Active = false
	require.NoError(t, store.Update(ctx, stored))

	_, err = engine.Provision(ctx, "org-1", testAssertion("alice"), cfg)
	assert.ErrorIs(t, err, sso.ErrUserNotProvisioned)
}

func TestProvisionJITDisabled(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	cfg := testConfig()
	cfg.JITProvisioning = false

	_, err := engine.Provision(ctx, "org-1", testAssertion("alice"), cfg)
	assert.ErrorIs(t, err, sso.ErrUserNotProvisioned)
}

func TestProvisionDomainNotAllowed(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	cfg := testConfig()
	cfg.AllowedDomains = []string{"corp.example.com"}

	_, err := engine.Provision(ctx, "org-1", testAssertion("alice"), cfg)
	assert.ErrorIs(t, err, sso.ErrDomainNotAllowed)
}

func TestProvisionLinksByVerifiedEmail(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	cfg := testConfig()
	cfg.AllowEmailLinking = true

	existing := &directory.User{
		ID:         "u-existing",
		OrgID:      "org-1",
		Provider:   "scim",
		ExternalID: "scim-alice",
		Username:   "alice",
		Email:      "alice@example.com",
		Role:       directory.RoleMember,
		Active:     true,
	}
	require.NoError(t, store.Create(ctx, existing))

	user, err := engine.Provision(ctx, "org-1", testAssertion("alice"), cfg)
	require.NoError(t, err)
	assert.Equal(t, "u-existing", user.ID)
	assert.Equal(t, "saml", user.Provider)
	assert.Equal(t, "alice", user.ExternalID)
}

func TestProvisionUnverifiedEmailNeverLinks(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	cfg := testConfig()
	cfg.AllowEmailLinking = true

	existing := &directory.User{
		ID:         "u-existing",
		OrgID:      "org-1",
		Provider:   "scim",
		ExternalID: "scim-alice",
		Username:   "alice",
		Email:      "alice@example.com",
		Role:       directory.RoleMember,
		Active:     true,
	}
	require.NoError(t, store.Create(ctx, existing))

	assertion := testAssertion("alice")
	assertion.Provider = sso.ProtocolOIDC
	assertion.EmailVerified = false

	user, err := engine.Provision(ctx, "org-1", assertion, cfg)
	require.NoError(t, err)
	assert.NotEqual(t, "u-existing", user.ID, "unverified email must create a distinct user, not link")
}

func TestProvisionConcurrentLoginsCreateOneUser(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)
	cfg := testConfig()

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			_, err := engine.Provision(ctx, "org-1", testAssertion("race"), cfg)
			return err
		})
	}
	require.NoError(t, g.Wait())

	users, total, err := store.List(ctx, "org-1", directory.UserFilter{}, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, users, 1)
}

func TestOverflowMetadata(t *testing.T) {
	rules := []sso.AttributeRule{
		{SourcePath: "email", TargetField: sso.TargetEmail},
	}
	attrs := map[string][]string{
		"email":      {"alice@example.com"},
		"department": {"platform"},
		"locations":  {"ber", "sfo"},
	}

	meta := overflowMetadata(rules, attrs)
	assert.Equal(t, map[string]string{
		"department": "platform",
		"locations":  "ber,sfo",
	}, meta)
}
