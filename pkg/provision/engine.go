package provision

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-sso/gatehouse/pkg/audit"
	"github.com/gatehouse-sso/gatehouse/pkg/directory"
	"github.com/gatehouse-sso/gatehouse/pkg/observability"
	"github.com/gatehouse-sso/gatehouse/pkg/sso"
)

// Engine performs just-in-time provisioning from identity assertions
type Engine struct {
	users   directory.UserStore
	locks   *keyedLock
	audit   audit.Logger
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewEngine creates a provisioning engine over the user store
func NewEngine(users directory.UserStore, auditLogger audit.Logger, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		users:   users,
		locks:   newKeyedLock(),
		audit:   auditLogger,
		logger:  logger,
		metrics: metrics,
	}
}

// Provision reconciles the assertion with the directory: returning users
// are refreshed, unknown identities are linked by verified email when the
// org allows it, and otherwise a new user is created.
func (e *Engine) Provision(ctx context.Context, orgID string, assertion *sso.IdentityAssertion, cfg *sso.SSOConfiguration) (*directory.User, error) {
	if !sso.EmailDomainAllowed(cfg.AllowedDomains, assertion.Email) {
		return nil, sso.ErrDomainNotAllowed
	}

	key := string(assertion.Provider) + "\x00" + assertion.Subject
	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	user, err := e.users.GetByExternalID(ctx, string(assertion.Provider), assertion.Subject)
	switch {
	case err == nil:
		return e.refresh(ctx, user, assertion, cfg)
	case errors.Is(err, directory.ErrNotFound):
		// fall through to linking or creation
	default:
		return nil, err
	}

	if !cfg.JITProvisioning {
		return nil, sso.ErrUserNotProvisioned
	}

	if cfg.AllowEmailLinking && assertion.EmailVerified && assertion.Email != "" {
		linked, err := e.linkByEmail(ctx, orgID, assertion, cfg)
		if err == nil {
			return linked, nil
		}
		if !errors.Is(err, directory.ErrNotFound) {
			return nil, err
		}
	}

	return e.create(ctx, orgID, assertion, cfg)
}

// refresh updates a returning user: login timestamp, asserted groups, and
// a best-effort role resync that never blocks the login.
func (e *Engine) refresh(ctx context.Context, user *directory.User, assertion *sso.IdentityAssertion, cfg *sso.SSOConfiguration) (*directory.User, error) {
	if !user.Active {
		return nil, sso.ErrUserNotProvisioned
	}

	now := time.Now()
	user.LastLoginAt = &now
	if assertion.Email != "" {
		user.Email = assertion.Email
	}
	if assertion.DisplayName != "" {
		user.DisplayName = assertion.DisplayName
	}
	if assertion.Groups != nil {
		user.Groups = assertion.Groups
	}

	newRole := MapRole(cfg, assertion.Groups)
	roleChanged := newRole != user.Role
	if roleChanged {
		user.Role = newRole
	}

	if err := e.updateWithRetry(ctx, user); err != nil {
		if roleChanged {
			if e.metrics != nil {
				e.metrics.RoleResyncFailures.Inc()
			}
			e.logger.WithError(err).WithField("user_id", user.ID).Warn("Role resync failed, continuing login")
		} else {
			e.logger.WithError(err).WithField("user_id", user.ID).Warn("Login refresh update failed, continuing login")
		}
		// the login proceeds with the previously stored user
		stored, getErr := e.users.GetByID(ctx, user.OrgID, user.ID)
		if getErr != nil {
			return nil, getErr
		}
		return stored, nil
	}

	if e.metrics != nil {
		e.metrics.UsersProvisionedTotal.WithLabelValues(string(assertion.Provider), "login").Inc()
	}
	return user, nil
}

// linkByEmail attaches the asserted identity to an existing user found by
// verified email.
func (e *Engine) linkByEmail(ctx context.Context, orgID string, assertion *sso.IdentityAssertion, cfg *sso.SSOConfiguration) (*directory.User, error) {
	user, err := e.users.GetByEmail(ctx, orgID, assertion.Email)
	if err != nil {
		return nil, err
	}
	if !user.Active {
		return nil, sso.ErrUserNotProvisioned
	}

	user.Provider = string(assertion.Provider)
	user.ExternalID = assertion.Subject
	now := time.Now()
	user.LastLoginAt = &now
	if assertion.Groups != nil {
		user.Groups = assertion.Groups
		user.Role = MapRole(cfg, assertion.Groups)
	}

	if err := e.updateWithRetry(ctx, user); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.UsersProvisionedTotal.WithLabelValues(string(assertion.Provider), "link").Inc()
	}
	e.logger.WithFields(map[string]interface{}{
		"user_id": user.ID,
		"org_id":  orgID,
	}).Info("Linked asserted identity to existing user by verified email")
	return user, nil
}

func (e *Engine) create(ctx context.Context, orgID string, assertion *sso.IdentityAssertion, cfg *sso.SSOConfiguration) (*directory.User, error) {
	username := assertion.Username
	if username == "" {
		username = assertion.Email
	}
	if username == "" {
		username = assertion.Subject
	}

	user := &directory.User{
		ID:            uuid.NewString(),
		OrgID:         orgID,
		Provider:      string(assertion.Provider),
		ExternalID:    assertion.Subject,
		Username:      username,
		Email:         assertion.Email,
		EmailVerified: true,
		DisplayName:   assertion.DisplayName,
		Role:          MapRole(cfg, assertion.Groups),
		Groups:        assertion.Groups,
		Active:        true,
		Metadata:      overflowMetadata(cfg.AttributeMapping, assertion.Attributes),
	}
	now := time.Now()
	user.LastLoginAt = &now

	err := e.users.Create(ctx, user)
	if errors.Is(err, directory.ErrDuplicateIdentity) {
		// lost the cross-node race: the winner's row is authoritative
		if e.metrics != nil {
			e.metrics.ProvisioningConflicts.Inc()
		}
		winner, getErr := e.users.GetByExternalID(ctx, string(assertion.Provider), assertion.Subject)
		if getErr != nil {
			return nil, sso.ErrProvisioningConflict
		}
		return winner, nil
	}
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.UsersProvisionedTotal.WithLabelValues(string(assertion.Provider), "jit").Inc()
	}
	e.audit.Log(ctx, audit.Event{
		Type:   audit.EventUserProvisioned,
		OrgID:  orgID,
		UserID: user.ID,
		Metadata: map[string]any{
			"provider": string(assertion.Provider),
			"role":     string(user.Role),
		},
	})
	e.logger.WithFields(map[string]interface{}{
		"user_id": user.ID,
		"org_id":  orgID,
		"role":    string(user.Role),
	}).Info("Provisioned new user")
	return user, nil
}

// updateWithRetry applies a CAS update, re-reading and re-applying once on
// a version conflict.
func (e *Engine) updateWithRetry(ctx context.Context, user *directory.User) error {
	err := e.users.Update(ctx, user)
	if !errors.Is(err, directory.ErrVersionConflict) {
		return err
	}

	current, getErr := e.users.GetByID(ctx, user.OrgID, user.ID)
	if getErr != nil {
		return getErr
	}
	current.Email = user.Email
	current.DisplayName = user.DisplayName
	current.Groups = user.Groups
	current.Role = user.Role
	current.LastLoginAt = user.LastLoginAt
	if err := e.users.Update(ctx, current); err != nil {
		return err
	}
	*user = *current
	return nil
}

// MapRole resolves the user role from asserted groups: the first matching
// rule in mapping order wins, then the configured default, then member.
func MapRole(cfg *sso.SSOConfiguration, groups []string) directory.Role {
	for _, rule := range cfg.GroupMapping {
		for _, group := range groups {
			if group == rule.Group {
				return rule.Role
			}
		}
	}
	if cfg.DefaultRole != "" {
		return cfg.DefaultRole
	}
	return directory.RoleMember
}

// overflowMetadata collects assertion attributes no mapping rule consumed
func overflowMetadata(rules []sso.AttributeRule, attrs map[string][]string) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	mapped := make(map[string]bool, len(rules))
	for _, rule := range rules {
		mapped[rule.SourcePath] = true
	}

	out := make(map[string]string)
	for name, values := range attrs {
		if mapped[name] || len(values) == 0 {
			continue
		}
		out[name] = strings.Join(values, ",")
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
