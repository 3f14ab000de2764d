package sso

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-sso/gatehouse/pkg/directory"
	"github.com/gatehouse-sso/gatehouse/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func validOIDCConfig(orgID string) *SSOConfiguration {
	return &SSOConfiguration{
		OrgID:    orgID,
		Protocol: ProtocolOIDC,
		OIDC: &OIDCSettings{
			IssuerURL:   "https://idp.example.com",
			ClientID:    "client-1",
			RedirectURL: "https://sso.example.com/sso/oidc/callback",
			Scopes:      []string{"openid", "email", "profile"},
		},
		Enabled: true,
	}
}

func validSAMLConfig(orgID string) *SSOConfiguration {
	return &SSOConfiguration{
		OrgID:    orgID,
		Protocol: ProtocolSAML,
		SAML: &SAMLSettings{
			IdPEntityID: "https://idp.example.com/metadata",
			IdPSSOURL:   "https://idp.example.com/sso",
			SPEntityID:  "https://sso.example.com/metadata",
		},
		Enabled: true,
	}
}

func TestValidateConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SSOConfiguration)
		cfg     *SSOConfiguration
		wantErr string
	}{
		{name: "valid oidc", cfg: validOIDCConfig("org-1")},
		{name: "valid saml", cfg: validSAMLConfig("org-1")},
		{
			name:    "missing org",
			cfg:     validOIDCConfig(""),
			wantErr: "org_id is required",
		},
		{
			name:    "unknown protocol",
			cfg:     &SSOConfiguration{OrgID: "org-1", Protocol: "ldap"},
			wantErr: "unknown protocol",
		},
		{
			name: "saml without settings",
			cfg: &SSOConfiguration{
				OrgID: "org-1", Protocol: ProtocolSAML,
			},
			wantErr: "saml settings are required",
		},
		{
			name: "saml missing sso url",
			cfg: func() *SSOConfiguration {
				c := validSAMLConfig("org-1")
				c.SAML.IdPSSOURL = ""
				return c
			}(),
			wantErr: "idp_sso_url",
		},
		{
			name: "oidc without openid scope",
			cfg: func() *SSOConfiguration {
				c := validOIDCConfig("org-1")
				c.OIDC.Scopes = []string{"email"}
				return c
			}(),
			wantErr: "must include openid",
		},
		{
			name: "oidc missing client id",
			cfg: func() *SSOConfiguration {
				c := validOIDCConfig("org-1")
				c.OIDC.ClientID = ""
				return c
			}(),
			wantErr: "client_id",
		},
		{
			name: "bad default role",
			cfg: func() *SSOConfiguration {
				c := validOIDCConfig("org-1")
				c.DefaultRole = "superuser"
				return c
			}(),
			wantErr: "unknown default_role",
		},
		{
			name: "group mapping with bad role",
			cfg: func() *SSOConfiguration {
				c := validOIDCConfig("org-1")
				c.GroupMapping = []GroupRule{{Group: "admins", Role: "root"}}
				return c
			}(),
			wantErr: "unknown role",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfiguration(tt.cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			var ce *ConfigurationError
			assert.ErrorAs(t, err, &ce)
		})
	}
}

func TestConfigStoreGetStates(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryConfigRepository()
	store := NewConfigStore(repo, testLogger())

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrConfigNotFound)

	cfg := validOIDCConfig("org-1")
	require.NoError(t, store.Save(ctx, cfg))

	got, err := store.Get(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	// disabled configs are visible to admins but refuse logins
	disabled := validOIDCConfig("org-2")
	disabled.Enabled = false
	require.NoError(t, store.Save(ctx, disabled))

	_, err = store.Get(ctx, "org-2")
	assert.ErrorIs(t, err, ErrSSODisabled)

	got, err = store.GetAny(ctx, "org-2")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestConfigStoreSaveInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryConfigRepository()
	store := NewConfigStore(repo, testLogger())

	cfg := validOIDCConfig("org-1")
	require.NoError(t, store.Save(ctx, cfg))

	got, err := store.Get(ctx, "org-1")
	require.NoError(t, err)
	require.Equal(t, "client-1", got.OIDC.ClientID)

	updated := validOIDCConfig("org-1")
	updated.OIDC.ClientID = "client-2"
	require.NoError(t, store.Save(ctx, updated))

	got, err = store.Get(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, "client-2", got.OIDC.ClientID)
	assert.Equal(t, int64(2), got.Version)
}

func TestConfigStoreSaveRejectsInvalid(t *testing.T) {
	store := NewConfigStore(NewMemoryConfigRepository(), testLogger())

	err := store.Save(context.Background(), &SSOConfiguration{OrgID: "org-1", Protocol: "bogus"})
	var ce *ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestConfigStoreDisable(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryConfigRepository()
	store := NewConfigStore(repo, testLogger())

	require.NoError(t, store.Save(ctx, validOIDCConfig("org-1")))
	require.NoError(t, store.Disable(ctx, "org-1"))

	_, err := store.Get(ctx, "org-1")
	assert.ErrorIs(t, err, ErrConfigNotFound)
	_, err = store.GetAny(ctx, "org-1")
	assert.ErrorIs(t, err, ErrConfigNotFound)

	// settings survive the soft delete; re-saving reactivates
	require.NoError(t, store.Save(ctx, validOIDCConfig("org-1")))
	got, err := store.Get(ctx, "org-1")
	require.NoError(t, err)
	assert.Nil(t, got.DeletedAt)
}

func TestResolveSCIMToken(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryConfigRepository()
	store := NewConfigStore(repo, testLogger())

	cfg := validOIDCConfig("org-1")
	cfg.SCIMToken = "scim-secret"
	require.NoError(t, store.Save(ctx, cfg))

	got, err := store.ResolveSCIMToken(ctx, "scim-secret")
	require.NoError(t, err)
	assert.Equal(t, "org-1", got.OrgID)

	_, err = store.ResolveSCIMToken(ctx, "wrong")
	assert.ErrorIs(t, err, ErrConfigNotFound)
	_, err = store.ResolveSCIMToken(ctx, "")
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestResolveSCIMTokenDisabledOrg(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryConfigRepository()
	store := NewConfigStore(repo, testLogger())

	cfg := validOIDCConfig("org-1")
	cfg.SCIMToken = "scim-secret"
	cfg.Enabled = false
	require.NoError(t, store.Save(ctx, cfg))

	_, err := store.ResolveSCIMToken(ctx, "scim-secret")
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestMemoryConfigRepositoryCloneIsolation(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryConfigRepository()

	cfg := validOIDCConfig("org-1")
	cfg.GroupMapping = []GroupRule{{Group: "admins", Role: directory.RoleAdmin}}
	require.NoError(t, repo.Save(ctx, cfg))

	got, err := repo.Get(ctx, "org-1")
	require.NoError(t, err)
	got.GroupMapping[0].Group = "mutated"
	got.OIDC.ClientID = "mutated"

	fresh, err := repo.Get(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, "admins", fresh.GroupMapping[0].Group)
	assert.Equal(t, "client-1", fresh.OIDC.ClientID)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.WithinDuration(t, time.Now(), list[0].UpdatedAt, time.Minute)
}
