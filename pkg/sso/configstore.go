package sso

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/gatehouse-sso/gatehouse/pkg/observability"
)

const (
	configCacheSize = 1024
	configCacheTTL  = 30 * time.Second
)

// ConfigRepository persists SSO configurations. Implementations return
// soft-deleted rows as-is; the ConfigStore decides visibility.
type ConfigRepository interface {
	Get(ctx context.Context, orgID string) (*SSOConfiguration, error)
	// GetBySCIMToken resolves the org owning a SCIM bearer token
	GetBySCIMToken(ctx context.Context, token string) (*SSOConfiguration, error)
	// Save upserts, incrementing Version
	Save(ctx context.Context, cfg *SSOConfiguration) error
	// SoftDelete stamps DeletedAt without removing the row
	SoftDelete(ctx context.Context, orgID string, at time.Time) error
	List(ctx context.Context) ([]*SSOConfiguration, error)
}

// ConfigStore serves per-organization SSO configuration with a short-lived
// read cache in front of the repository. Mutations invalidate the cached
// entry so policy changes apply within one cache window at worst.
type ConfigStore struct {
	repo   ConfigRepository
	cache  *expirable.LRU[string, *SSOConfiguration]
	group  singleflight.Group
	logger *observability.Logger
}

// NewConfigStore creates a config store over the repository
func NewConfigStore(repo ConfigRepository, logger *observability.Logger) *ConfigStore {
	return &ConfigStore{
		repo:   repo,
		cache:  expirable.NewLRU[string, *SSOConfiguration](configCacheSize, nil, configCacheTTL),
		logger: logger,
	}
}

// Get returns the active configuration for an org. Soft-deleted configs
// behave as missing; disabled ones return ErrSSODisabled.
func (s *ConfigStore) Get(ctx context.Context, orgID string) (*SSOConfiguration, error) {
	cfg, err := s.load(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if cfg.DeletedAt != nil {
		return nil, ErrConfigNotFound
	}
	if !cfg.Enabled {
		return nil, ErrSSODisabled
	}
	return cfg, nil
}

// GetAny returns the configuration regardless of enabled state, for admin
// reads. Soft-deleted configs still behave as missing.
func (s *ConfigStore) GetAny(ctx context.Context, orgID string) (*SSOConfiguration, error) {
	cfg, err := s.load(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if cfg.DeletedAt != nil {
		return nil, ErrConfigNotFound
	}
	return cfg, nil
}

func (s *ConfigStore) load(ctx context.Context, orgID string) (*SSOConfiguration, error) {
	if cfg, ok := s.cache.Get(orgID); ok {
		return cfg, nil
	}

	v, err, _ := s.group.Do(orgID, func() (interface{}, error) {
		cfg, err := s.repo.Get(ctx, orgID)
		if err != nil {
			return nil, err
		}
		s.cache.Add(orgID, cfg)
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SSOConfiguration), nil
}

// ResolveSCIMToken returns the active configuration owning the SCIM bearer
// token. Tokens of disabled or deleted configs resolve to not-found.
func (s *ConfigStore) ResolveSCIMToken(ctx context.Context, token string) (*SSOConfiguration, error) {
	if token == "" {
		return nil, ErrConfigNotFound
	}
	cfg, err := s.repo.GetBySCIMToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if cfg.DeletedAt != nil || !cfg.Enabled {
		return nil, ErrConfigNotFound
	}
	return cfg, nil
}

// Save validates and persists the configuration
func (s *ConfigStore) Save(ctx context.Context, cfg *SSOConfiguration) error {
	if err := ValidateConfiguration(cfg); err != nil {
		return err
	}
	if err := s.repo.Save(ctx, cfg); err != nil {
		return err
	}
	s.cache.Remove(cfg.OrgID)
	s.logger.WithFields(map[string]interface{}{
		"org_id":   cfg.OrgID,
		"protocol": string(cfg.Protocol),
		"version":  cfg.Version,
	}).Info("Saved SSO configuration")
	return nil
}

// Disable soft-deletes the configuration, turning SSO off for the org
// without losing its settings.
func (s *ConfigStore) Disable(ctx context.Context, orgID string) error {
	if err := s.repo.SoftDelete(ctx, orgID, time.Now()); err != nil {
		return err
	}
	s.cache.Remove(orgID)
	s.logger.WithField("org_id", orgID).Info("Disabled SSO configuration")
	return nil
}

// ValidateConfiguration checks structural invariants before persisting
func ValidateConfiguration(cfg *SSOConfiguration) error {
	fail := func(detail string) error {
		return &ConfigurationError{OrgID: cfg.OrgID, Detail: detail}
	}

	if cfg.OrgID == "" {
		return fail("org_id is required")
	}
	switch cfg.Protocol {
	case ProtocolSAML:
		if cfg.SAML == nil {
			return fail("saml settings are required for protocol saml")
		}
		if cfg.SAML.IdPEntityID == "" {
			return fail("saml.idp_entity_id is required")
		}
		if cfg.SAML.IdPSSOURL == "" {
			return fail("saml.idp_sso_url is required")
		}
		if cfg.SAML.SPEntityID == "" {
			return fail("saml.sp_entity_id is required")
		}
	case ProtocolOIDC:
		if cfg.OIDC == nil {
			return fail("oidc settings are required for protocol oidc")
		}
		if cfg.OIDC.IssuerURL == "" {
			return fail("oidc.issuer_url is required")
		}
		if cfg.OIDC.ClientID == "" {
			return fail("oidc.client_id is required")
		}
		if cfg.OIDC.RedirectURL == "" {
			return fail("oidc.redirect_url is required")
		}
		hasOpenID := false
		for _, scope := range cfg.OIDC.Scopes {
			if scope == "openid" {
				hasOpenID = true
				break
			}
		}
		if !hasOpenID {
			return fail("oidc.scopes must include openid")
		}
	default:
		return fail(fmt.Sprintf("unknown protocol %q", cfg.Protocol))
	}

	if cfg.DefaultRole != "" && !cfg.DefaultRole.Valid() {
		return fail(fmt.Sprintf("unknown default_role %q", cfg.DefaultRole))
	}
	for _, rule := range cfg.GroupMapping {
		if !rule.Role.Valid() {
			return fail(fmt.Sprintf("group mapping %q names unknown role %q", rule.Group, rule.Role))
		}
	}
	return nil
}

// MemoryConfigRepository is an in-memory ConfigRepository for tests and
// single-node deployments.
type MemoryConfigRepository struct {
	mu      sync.RWMutex
	configs map[string]*SSOConfiguration
}

// NewMemoryConfigRepository creates an empty in-memory repository
func NewMemoryConfigRepository() *MemoryConfigRepository {
	return &MemoryConfigRepository{configs: make(map[string]*SSOConfiguration)}
}

func cloneConfig(c *SSOConfiguration) *SSOConfiguration {
	out := *c
	if c.SAML != nil {
		saml := *c.SAML
		saml.AllowedIssuers = append([]string(nil), c.SAML.AllowedIssuers...)
		out.SAML = &saml
	}
	if c.OIDC != nil {
		oidc := *c.OIDC
		oidc.Scopes = append([]string(nil), c.OIDC.Scopes...)
		out.OIDC = &oidc
	}
	out.AttributeMapping = append([]AttributeRule(nil), c.AttributeMapping...)
	out.GroupMapping = append([]GroupRule(nil), c.GroupMapping...)
	out.AllowedDomains = append([]string(nil), c.AllowedDomains...)
	if c.DeletedAt != nil {
		t := *c.DeletedAt
		out.DeletedAt = &t
	}
	return &out
}

// Get retrieves a configuration by org
func (m *MemoryConfigRepository) Get(ctx context.Context, orgID string) (*SSOConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, ok := m.configs[orgID]
	if !ok {
		return nil, ErrConfigNotFound
	}
	return cloneConfig(cfg), nil
}

// GetBySCIMToken resolves the configuration owning a SCIM bearer token
func (m *MemoryConfigRepository) GetBySCIMToken(ctx context.Context, token string) (*SSOConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cfg := range m.configs {
		if cfg.SCIMToken != "" && subtle.ConstantTimeCompare([]byte(cfg.SCIMToken), []byte(token)) == 1 {
			return cloneConfig(cfg), nil
		}
	}
	return nil, ErrConfigNotFound
}

// Save upserts a configuration, incrementing its version
func (m *MemoryConfigRepository) Save(ctx context.Context, cfg *SSOConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if existing, ok := m.configs[cfg.OrgID]; ok {
		cfg.Version = existing.Version + 1
		cfg.CreatedAt = existing.CreatedAt
	} else {
		cfg.Version = 1
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	cfg.DeletedAt = nil
	m.configs[cfg.OrgID] = cloneConfig(cfg)
	return nil
}

// SoftDelete stamps DeletedAt on the configuration
func (m *MemoryConfigRepository) SoftDelete(ctx context.Context, orgID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[orgID]
	if !ok {
		return ErrConfigNotFound
	}
	cfg.DeletedAt = &at
	cfg.UpdatedAt = at
	return nil
}

// List returns every configuration, including soft-deleted rows
func (m *MemoryConfigRepository) List(ctx context.Context) ([]*SSOConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*SSOConfiguration, 0, len(m.configs))
	for _, cfg := range m.configs {
		out = append(out, cloneConfig(cfg))
	}
	return out, nil
}
