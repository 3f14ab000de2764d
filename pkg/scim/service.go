package scim

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/gatehouse-sso/gatehouse/pkg/audit"
	"github.com/gatehouse-sso/gatehouse/pkg/directory"
	"github.com/gatehouse-sso/gatehouse/pkg/observability"
)

// ProviderSCIM marks users created through the SCIM API, keeping them in
// the same (provider, external_id) namespace as SSO-provisioned users.
const ProviderSCIM = "scim"

const defaultPageSize = 100

// Service implements the SCIM resource operations on top of the directory
// stores. Every method is scoped to one organization; the HTTP layer
// resolves the org from the bearer token before calling in.
type Service struct {
	users    directory.UserStore
	groups   directory.GroupStore
	auditLog audit.Logger
	logger   *observability.Logger
	basePath string
}

// NewService creates a SCIM service. basePath is the public mount point of
// the SCIM API, used to render resource locations.
func NewService(users directory.UserStore, groups directory.GroupStore, auditLog audit.Logger, logger *observability.Logger, basePath string) *Service {
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	return &Service{
		users:    users,
		groups:   groups,
		auditLog: auditLog,
		logger:   logger,
		basePath: strings.TrimRight(basePath, "/"),
	}
}

// filterRe matches the only filter form IdPs send during sync:
// attribute eq "value"
var filterRe = regexp.MustCompile(`^(\w+(?:\.\w+)?)\s+eq\s+"((?:[^"\\]|\\.)*)"$`)

func parseFilter(filter string) (attr, value string, err error) {
	m := filterRe.FindStringSubmatch(strings.TrimSpace(filter))
	if m == nil {
		return "", "", newError(http.StatusBadRequest, "invalidFilter", "unsupported filter expression")
	}
	return strings.ToLower(m[1]), strings.ReplaceAll(m[2], `\"`, `"`), nil
}

// parseETag extracts the version from a weak ETag. An empty header means
// no precondition.
func parseETag(header string) (int64, bool, error) {
	if header == "" {
		return 0, false, nil
	}
	var version int64
	if _, err := fmt.Sscanf(header, `W/"%d"`, &version); err != nil {
		return 0, false, newError(http.StatusBadRequest, "invalidValue", "malformed If-Match header")
	}
	return version, true, nil
}

func checkPrecondition(header string, current int64) error {
	want, ok, err := parseETag(header)
	if err != nil {
		return err
	}
	if ok && want != current {
		return newError(http.StatusPreconditionFailed, "", "resource version does not match If-Match")
	}
	return nil
}

// mapStoreErr converts directory errors into SCIM error responses
func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return newError(http.StatusNotFound, "", "resource not found")
	case errors.Is(err, directory.ErrDuplicateIdentity):
		return newError(http.StatusConflict, "uniqueness", "resource already exists")
	case errors.Is(err, directory.ErrVersionConflict):
		return newError(http.StatusPreconditionFailed, "", "resource was modified concurrently")
	default:
		return err
	}
}

// CreateUser provisions a user pushed by the IdP
func (s *Service) CreateUser(ctx context.Context, orgID string, res *UserResource) (*UserResource, error) {
	if res.UserName == "" {
		return nil, newError(http.StatusBadRequest, "invalidValue", "userName is required")
	}

	externalID := res.ExternalID
	if externalID == "" {
		externalID = res.UserName
	}

	user := &directory.User{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		Provider:    ProviderSCIM,
		ExternalID:  externalID,
		Username:    res.UserName,
		DisplayName: res.DisplayName,
		Role:        directory.RoleMember,
		Active:      res.Active,
	}
	if res.Name != nil && user.DisplayName == "" {
		user.DisplayName = res.Name.Formatted
	}
	for _, e := range res.Emails {
		if e.Primary || user.Email == "" {
			user.Email = e.Value
			// SCIM-pushed addresses come from the IdP directory
			user.EmailVerified = true
		}
	}

	// external IDs are scoped per provider; a second push of the same
	// identity is a conflict, not an upsert
	if existing, err := s.users.GetByExternalID(ctx, ProviderSCIM, externalID); err == nil && existing.OrgID == orgID {
		return nil, newError(http.StatusConflict, "uniqueness", "user with this externalId already exists")
	}

	if err := s.users.Create(ctx, user); err != nil {
		return nil, mapStoreErr(err)
	}

	s.auditLog.Log(ctx, audit.Event{
		Type:   audit.EventSCIMUserProvisioned,
		OrgID:  orgID,
		UserID: user.ID,
		Metadata: map[string]any{
			"external_id": user.ExternalID,
			"username":    user.Username,
		},
	})
	return userToResource(user, s.basePath), nil
}

// GetUser retrieves one user
func (s *Service) GetUser(ctx context.Context, orgID, id string) (*UserResource, error) {
	user, err := s.users.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return userToResource(user, s.basePath), nil
}

// ListUsers returns a filtered, paged user list. startIndex is 1-based per
// RFC 7644.
func (s *Service) ListUsers(ctx context.Context, orgID, filter string, startIndex, count int) (*ListResponse, error) {
	var userFilter directory.UserFilter
	if filter != "" {
		attr, value, err := parseFilter(filter)
		if err != nil {
			return nil, err
		}
		switch attr {
		case "username":
			userFilter.Username = value
		case "emails.value", "emails":
			userFilter.Email = value
		case "externalid":
			// external ID lookups bypass pagination entirely
			return s.listByExternalID(ctx, orgID, value, startIndex)
		default:
			return nil, newError(http.StatusBadRequest, "invalidFilter", "unsupported filter attribute "+attr)
		}
	}

	startIndex, count = normalizePage(startIndex, count)
	users, total, err := s.users.List(ctx, orgID, userFilter, startIndex-1, count)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	resources := make([]any, 0, len(users))
	for _, u := range users {
		resources = append(resources, userToResource(u, s.basePath))
	}
	return &ListResponse{
		Schemas:      []string{SchemaListResponse},
		TotalResults: total,
		StartIndex:   startIndex,
		ItemsPerPage: len(resources),
		Resources:    resources,
	}, nil
}

func (s *Service) listByExternalID(ctx context.Context, orgID, externalID string, startIndex int) (*ListResponse, error) {
	resp := &ListResponse{
		Schemas:    []string{SchemaListResponse},
		StartIndex: startIndex,
		Resources:  []any{},
	}
	user, err := s.users.GetByExternalID(ctx, ProviderSCIM, externalID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return resp, nil
		}
		return nil, mapStoreErr(err)
	}
	if user.OrgID != orgID {
		return resp, nil
	}
	resp.TotalResults = 1
	resp.ItemsPerPage = 1
	resp.Resources = append(resp.Resources, userToResource(user, s.basePath))
	return resp, nil
}

func normalizePage(startIndex, count int) (int, int) {
	if startIndex < 1 {
		startIndex = 1
	}
	if count <= 0 || count > defaultPageSize {
		count = defaultPageSize
	}
	return startIndex, count
}

// ReplaceUser is the PUT semantics: the resource body fully replaces the
// mutable attributes. Identity fields (id, provider) are immutable.
func (s *Service) ReplaceUser(ctx context.Context, orgID, id, ifMatch string, res *UserResource) (*UserResource, error) {
	user, err := s.users.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if err := checkPrecondition(ifMatch, user.Version); err != nil {
		return nil, err
	}
	if res.UserName == "" {
		return nil, newError(http.StatusBadRequest, "invalidValue", "userName is required")
	}

	wasActive := user.Active
	user.Username = res.UserName
	user.DisplayName = res.DisplayName
	if res.Name != nil && user.DisplayName == "" {
		user.DisplayName = res.Name.Formatted
	}
	if res.ExternalID != "" {
		user.ExternalID = res.ExternalID
	}
	user.Email = ""
	for _, e := range res.Emails {
		if e.Primary || user.Email == "" {
			user.Email = e.Value
		}
	}
	user.Active = res.Active

	if err := s.users.Update(ctx, user); err != nil {
		return nil, mapStoreErr(err)
	}
	s.logUserChange(ctx, user, wasActive)
	return userToResource(user, s.basePath), nil
}

// PatchUser applies RFC 7644 patch operations
func (s *Service) PatchUser(ctx context.Context, orgID, id, ifMatch string, req *PatchRequest) (*UserResource, error) {
	user, err := s.users.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if err := checkPrecondition(ifMatch, user.Version); err != nil {
		return nil, err
	}

	wasActive := user.Active
	patched, err := ApplyUserPatch(*user, req.Operations)
	if err != nil {
		return nil, err
	}

	if err := s.users.Update(ctx, &patched); err != nil {
		return nil, mapStoreErr(err)
	}
	s.logUserChange(ctx, &patched, wasActive)
	return userToResource(&patched, s.basePath), nil
}

func (s *Service) logUserChange(ctx context.Context, user *directory.User, wasActive bool) {
	eventType := audit.EventSCIMUserUpdated
	if wasActive && !user.Active {
		eventType = audit.EventSCIMUserDeactivated
	}
	s.auditLog.Log(ctx, audit.Event{
		Type:   eventType,
		OrgID:  user.OrgID,
		UserID: user.ID,
		Metadata: map[string]any{
			"external_id": user.ExternalID,
			"active":      user.Active,
		},
	})
}

// DeactivateUser handles SCIM DELETE. The record is kept with Active=false
// so sessions can still be attributed and reactivation restores history.
func (s *Service) DeactivateUser(ctx context.Context, orgID, id string) error {
	for attempt := 0; attempt < 3; attempt++ {
		user, err := s.users.GetByID(ctx, orgID, id)
		if err != nil {
			return mapStoreErr(err)
		}
		if !user.Active {
			return nil
		}
		user.Active = false
		err = s.users.Update(ctx, user)
		if errors.Is(err, directory.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return mapStoreErr(err)
		}
		s.auditLog.Log(ctx, audit.Event{
			Type:     audit.EventSCIMUserDeactivated,
			OrgID:    orgID,
			UserID:   id,
			Metadata: map[string]any{"external_id": user.ExternalID},
		})
		return nil
	}
	return newError(http.StatusConflict, "conflict", "user is being modified concurrently")
}

// CreateGroup provisions a group pushed by the IdP
func (s *Service) CreateGroup(ctx context.Context, orgID string, res *GroupResource) (*GroupResource, error) {
	if res.DisplayName == "" {
		return nil, newError(http.StatusBadRequest, "invalidValue", "displayName is required")
	}

	group := &directory.Group{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		ExternalID:  res.ExternalID,
		DisplayName: res.DisplayName,
	}
	for _, m := range res.Members {
		group.Members = append(group.Members, m.Value)
	}

	if err := s.groups.Create(ctx, group); err != nil {
		return nil, mapStoreErr(err)
	}

	s.auditLog.Log(ctx, audit.Event{
		Type:  audit.EventSCIMGroupProvisioned,
		OrgID: orgID,
		Metadata: map[string]any{
			"group_id":     group.ID,
			"display_name": group.DisplayName,
		},
	})
	return groupToResource(group, s.basePath), nil
}

// GetGroup retrieves one group
func (s *Service) GetGroup(ctx context.Context, orgID, id string) (*GroupResource, error) {
	group, err := s.groups.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return groupToResource(group, s.basePath), nil
}

// ListGroups returns a filtered, paged group list
func (s *Service) ListGroups(ctx context.Context, orgID, filter string, startIndex, count int) (*ListResponse, error) {
	startIndex, count = normalizePage(startIndex, count)
	resp := &ListResponse{
		Schemas:    []string{SchemaListResponse},
		StartIndex: startIndex,
		Resources:  []any{},
	}

	if filter != "" {
		attr, value, err := parseFilter(filter)
		if err != nil {
			return nil, err
		}
		if attr != "displayname" {
			return nil, newError(http.StatusBadRequest, "invalidFilter", "unsupported filter attribute "+attr)
		}
		group, err := s.groups.GetByDisplayName(ctx, orgID, value)
		if err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				return resp, nil
			}
			return nil, mapStoreErr(err)
		}
		resp.TotalResults = 1
		resp.ItemsPerPage = 1
		resp.Resources = append(resp.Resources, groupToResource(group, s.basePath))
		return resp, nil
	}

	groups, total, err := s.groups.List(ctx, orgID, startIndex-1, count)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	for _, g := range groups {
		resp.Resources = append(resp.Resources, groupToResource(g, s.basePath))
	}
	resp.TotalResults = total
	resp.ItemsPerPage = len(groups)
	return resp, nil
}

// ReplaceGroup is the PUT semantics for groups
func (s *Service) ReplaceGroup(ctx context.Context, orgID, id, ifMatch string, res *GroupResource) (*GroupResource, error) {
	group, err := s.groups.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if err := checkPrecondition(ifMatch, group.Version); err != nil {
		return nil, err
	}
	if res.DisplayName == "" {
		return nil, newError(http.StatusBadRequest, "invalidValue", "displayName is required")
	}

	group.DisplayName = res.DisplayName
	if res.ExternalID != "" {
		group.ExternalID = res.ExternalID
	}
	group.Members = nil
	for _, m := range res.Members {
		group.Members = append(group.Members, m.Value)
	}

	if err := s.groups.Update(ctx, group); err != nil {
		return nil, mapStoreErr(err)
	}
	s.logGroupChange(ctx, group)
	return groupToResource(group, s.basePath), nil
}

// PatchGroup applies RFC 7644 patch operations to a group
func (s *Service) PatchGroup(ctx context.Context, orgID, id, ifMatch string, req *PatchRequest) (*GroupResource, error) {
	group, err := s.groups.GetByID(ctx, orgID, id)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if err := checkPrecondition(ifMatch, group.Version); err != nil {
		return nil, err
	}

	patched, err := ApplyGroupPatch(*group, req.Operations)
	if err != nil {
		return nil, err
	}

	if err := s.groups.Update(ctx, &patched); err != nil {
		return nil, mapStoreErr(err)
	}
	s.logGroupChange(ctx, &patched)
	return groupToResource(&patched, s.basePath), nil
}

func (s *Service) logGroupChange(ctx context.Context, group *directory.Group) {
	s.auditLog.Log(ctx, audit.Event{
		Type:  audit.EventSCIMGroupUpdated,
		OrgID: group.OrgID,
		Metadata: map[string]any{
			"group_id":     group.ID,
			"display_name": group.DisplayName,
			"member_count": len(group.Members),
		},
	})
}

// DeleteGroup removes a group. Memberships asserted at the next login
// repopulate role mappings, so group deletion is a hard delete.
func (s *Service) DeleteGroup(ctx context.Context, orgID, id string) error {
	if err := s.groups.Delete(ctx, orgID, id); err != nil {
		return mapStoreErr(err)
	}
	s.auditLog.Log(ctx, audit.Event{
		Type:     audit.EventSCIMGroupDeleted,
		OrgID:    orgID,
		Metadata: map[string]any{"group_id": id},
	})
	return nil
}
