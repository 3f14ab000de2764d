package scim

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gatehouse-sso/gatehouse/pkg/directory"
)

// SCIM 2.0 schema URNs
const (
	SchemaUser          = "urn:ietf:params:scim:schemas:core:2.0:User"
	SchemaGroup         = "urn:ietf:params:scim:schemas:core:2.0:Group"
	SchemaListResponse  = "urn:ietf:params:scim:api:messages:2.0:ListResponse"
	SchemaPatchOp       = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
	SchemaBulkRequest   = "urn:ietf:params:scim:api:messages:2.0:BulkRequest"
	SchemaBulkResponse  = "urn:ietf:params:scim:api:messages:2.0:BulkResponse"
	SchemaError         = "urn:ietf:params:scim:api:messages:2.0:Error"
	SchemaServiceConfig = "urn:ietf:params:scim:schemas:core:2.0:ServiceProviderConfig"
)

// Meta is the common SCIM resource metadata block
type Meta struct {
	ResourceType string    `json:"resourceType"`
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"lastModified"`
	Location     string    `json:"location,omitempty"`
	Version      string    `json:"version,omitempty"` // ETag, W/"<n>"
}

// Name carries the SCIM user name components
type Name struct {
	Formatted  string `json:"formatted,omitempty"`
	GivenName  string `json:"givenName,omitempty"`
	FamilyName string `json:"familyName,omitempty"`
}

// EmailValue is one entry of the multi-valued emails attribute
type EmailValue struct {
	Value   string `json:"value"`
	Type    string `json:"type,omitempty"`
	Primary bool   `json:"primary,omitempty"`
}

// GroupRef is a group membership reference on a user
type GroupRef struct {
	Value   string `json:"value"`
	Display string `json:"display,omitempty"`
}

// UserResource is the SCIM representation of a directory user
type UserResource struct {
	Schemas     []string     `json:"schemas"`
	ID          string       `json:"id,omitempty"`
	ExternalID  string       `json:"externalId,omitempty"`
	UserName    string       `json:"userName"`
	Name        *Name        `json:"name,omitempty"`
	DisplayName string       `json:"displayName,omitempty"`
	Emails      []EmailValue `json:"emails,omitempty"`
	Active      bool         `json:"active"`
	Groups      []GroupRef   `json:"groups,omitempty"`
	Meta        *Meta        `json:"meta,omitempty"`
}

// MemberRef is a member entry on a group
type MemberRef struct {
	Value   string `json:"value"`
	Display string `json:"display,omitempty"`
}

// GroupResource is the SCIM representation of a directory group
type GroupResource struct {
	Schemas     []string    `json:"schemas"`
	ID          string      `json:"id,omitempty"`
	ExternalID  string      `json:"externalId,omitempty"`
	DisplayName string      `json:"displayName"`
	Members     []MemberRef `json:"members,omitempty"`
	Meta        *Meta       `json:"meta,omitempty"`
}

// ListResponse is the SCIM paged list envelope
type ListResponse struct {
	Schemas      []string `json:"schemas"`
	TotalResults int      `json:"totalResults"`
	StartIndex   int      `json:"startIndex"`
	ItemsPerPage int      `json:"itemsPerPage"`
	Resources    []any    `json:"Resources"`
}

// PatchOperation is one entry of a PatchOp request
type PatchOperation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// PatchRequest is a SCIM PatchOp message
type PatchRequest struct {
	Schemas    []string         `json:"schemas"`
	Operations []PatchOperation `json:"Operations"`
}

// BulkOperation is one entry of a bulk request
type BulkOperation struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	BulkID string          `json:"bulkId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// BulkRequest is a SCIM bulk message
type BulkRequest struct {
	Schemas    []string        `json:"schemas"`
	Operations []BulkOperation `json:"Operations"`
}

// BulkResult is the per-item outcome inside a bulk response
type BulkResult struct {
	Method   string         `json:"method"`
	BulkID   string         `json:"bulkId,omitempty"`
	Location string         `json:"location,omitempty"`
	Status   string         `json:"status"`
	Response *ErrorResponse `json:"response,omitempty"`
}

// BulkResponse is the overall bulk envelope; HTTP status is 200 regardless
// of per-item outcomes.
type BulkResponse struct {
	Schemas    []string     `json:"schemas"`
	Operations []BulkResult `json:"Operations"`
}

// ErrorResponse is the RFC 7644 error body
type ErrorResponse struct {
	Schemas  []string `json:"schemas"`
	SCIMType string   `json:"scimType,omitempty"`
	Detail   string   `json:"detail,omitempty"`
	Status   string   `json:"status"`
}

// Error implements error so service methods can return SCIM errors
// directly.
func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("scim %s: %s", e.Status, e.Detail)
}

func newError(status int, scimType, detail string) *ErrorResponse {
	return &ErrorResponse{
		Schemas:  []string{SchemaError},
		SCIMType: scimType,
		Detail:   detail,
		Status:   fmt.Sprintf("%d", status),
	}
}

// etag renders the weak ETag for a record version
func etag(version int64) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// userToResource converts a directory user into its SCIM representation
func userToResource(u *directory.User, basePath string) *UserResource {
	resource := &UserResource{
		Schemas:     []string{SchemaUser},
		ID:          u.ID,
		ExternalID:  u.ExternalID,
		UserName:    u.Username,
		DisplayName: u.DisplayName,
		Active:      u.Active,
		Meta: &Meta{
			ResourceType: "User",
			Created:      u.CreatedAt,
			LastModified: u.UpdatedAt,
			Location:     fmt.Sprintf("%s/Users/%s", basePath, u.ID),
			Version:      etag(u.Version),
		},
	}
	if u.Email != "" {
		resource.Emails = []EmailValue{{Value: u.Email, Type: "work", Primary: true}}
	}
	if u.DisplayName != "" {
		resource.Name = &Name{Formatted: u.DisplayName}
	}
	for _, g := range u.Groups {
		resource.Groups = append(resource.Groups, GroupRef{Display: g, Value: g})
	}
	return resource
}

// groupToResource converts a directory group into its SCIM representation
func groupToResource(g *directory.Group, basePath string) *GroupResource {
	resource := &GroupResource{
		Schemas:     []string{SchemaGroup},
		ID:          g.ID,
		ExternalID:  g.ExternalID,
		DisplayName: g.DisplayName,
		Meta: &Meta{
			ResourceType: "Group",
			Created:      g.CreatedAt,
			LastModified: g.UpdatedAt,
			Location:     fmt.Sprintf("%s/Groups/%s", basePath, g.ID),
			Version:      etag(g.Version),
		},
	}
	for _, m := range g.Members {
		resource.Members = append(resource.Members, MemberRef{Value: m})
	}
	return resource
}
