package scim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-sso/gatehouse/pkg/audit"
	"github.com/gatehouse-sso/gatehouse/pkg/directory"
	"github.com/gatehouse-sso/gatehouse/pkg/observability"
	"github.com/gatehouse-sso/gatehouse/pkg/sso"
)

const testToken = "tok-org-1"

func newTestRouter(t *testing.T) (*mux.Router, *directory.MemoryStore) {
	t.Helper()

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	store := directory.NewMemoryStore()

	repo := sso.NewMemoryConfigRepository()
	require.NoError(t, repo.Save(context.Background(), &sso.SSOConfiguration{
		OrgID:     "org-1",
		Protocol:  sso.ProtocolOIDC,
		Enabled:   true,
		SCIMToken: testToken,
	}))

	service := NewService(store, store.Groups(), audit.NopLogger{}, logger, "/scim/v2")
	handler := NewHandler(service, sso.NewConfigStore(repo, logger), logger, observability.NewMetrics(nil))

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	return router, store
}

func doSCIM(router *mux.Router, method, path, token, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSCIMAuthentication(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doSCIM(router, http.MethodGet, "/scim/v2/Users", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doSCIM(router, http.MethodGet, "/scim/v2/Users", "wrong-token", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doSCIM(router, http.MethodGet, "/scim/v2/Users", testToken, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSCIMWithoutMetrics(t *testing.T) {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	store := directory.NewMemoryStore()

	repo := sso.NewMemoryConfigRepository()
	require.NoError(t, repo.Save(context.Background(), &sso.SSOConfiguration{
		OrgID:     "org-1",
		Protocol:  sso.ProtocolOIDC,
		Enabled:   true,
		SCIMToken: testToken,
	}))

	service := NewService(store, store.Groups(), audit.NopLogger{}, logger, "/scim/v2")
	handler := NewHandler(service, sso.NewConfigStore(repo, logger), logger, nil)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	rec := doSCIM(router, http.MethodGet, "/scim/v2/Users", testToken, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doSCIM(router, http.MethodPost, "/scim/v2/Users", testToken,
		`{"schemas":["urn:ietf:params:scim:schemas:core:2.0:User"],"userName":"jo@example.com"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestSCIMCreateUser(t *testing.T) {
	router, store := newTestRouter(t)

	rec := doSCIM(router, http.MethodPost, "/scim/v2/Users", testToken, `{
		"schemas": ["urn:ietf:params:scim:schemas:core:2.0:User"],
		"userName": "jdoe",
		"externalId": "ext-1",
		"displayName": "Jane Doe",
		"emails": [{"value": "jdoe@example.com", "primary": true}],
		"active": true
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, `W/"1"`, rec.Header().Get("ETag"))
	assert.Contains(t, rec.Header().Get("Location"), "/scim/v2/Users/")

	var res UserResource
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "jdoe", res.UserName)
	assert.True(t, res.Active)

	stored, err := store.GetByExternalID(context.Background(), ProviderSCIM, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "jdoe@example.com", stored.Email)
	assert.True(t, stored.EmailVerified)
	assert.Equal(t, directory.RoleMember, stored.Role)

	// a second push of the same externalId conflicts
	rec = doSCIM(router, http.MethodPost, "/scim/v2/Users", testToken, `{
		"userName": "jdoe2", "externalId": "ext-1", "active": true
	}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSCIMCreateUserMissingUserName(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doSCIM(router, http.MethodPost, "/scim/v2/Users", testToken, `{"active": true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var errRes ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errRes))
	assert.Equal(t, "invalidValue", errRes.SCIMType)
	assert.Equal(t, []string{SchemaError}, errRes.Schemas)
}

func createTestUser(t *testing.T, router *mux.Router, userName, externalID string) string {
	t.Helper()
	rec := doSCIM(router, http.MethodPost, "/scim/v2/Users", testToken, fmt.Sprintf(
		`{"userName": %q, "externalId": %q, "active": true}`, userName, externalID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res UserResource
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res.ID
}

func TestSCIMListUsersFilter(t *testing.T) {
	router, _ := newTestRouter(t)
	createTestUser(t, router, "alice", "ext-a")
	createTestUser(t, router, "bob", "ext-b")

	rec := doSCIM(router, http.MethodGet, `/scim/v2/Users?filter=userName+eq+%22alice%22`, testToken, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.TotalResults)
	assert.Equal(t, []string{SchemaListResponse}, list.Schemas)

	rec = doSCIM(router, http.MethodGet, `/scim/v2/Users?filter=externalId+eq+%22ext-b%22`, testToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.TotalResults)

	rec = doSCIM(router, http.MethodGet, `/scim/v2/Users?filter=externalId+eq+%22no-such%22`, testToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Zero(t, list.TotalResults)

	rec = doSCIM(router, http.MethodGet, `/scim/v2/Users?filter=title+co+%22x%22`, testToken, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSCIMPatchDeactivatesUser(t *testing.T) {
	router, store := newTestRouter(t)
	id := createTestUser(t, router, "jdoe", "ext-1")

	rec := doSCIM(router, http.MethodPatch, "/scim/v2/Users/"+id, testToken, `{
		"schemas": ["urn:ietf:params:scim:api:messages:2.0:PatchOp"],
		"Operations": [{"op": "replace", "path": "active", "value": false}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := store.GetByID(context.Background(), "org-1", id)
	require.NoError(t, err)
	assert.False(t, stored.Active)
}

func TestSCIMDeleteUserDeactivates(t *testing.T) {
	router, store := newTestRouter(t)
	id := createTestUser(t, router, "jdoe", "ext-1")

	rec := doSCIM(router, http.MethodDelete, "/scim/v2/Users/"+id, testToken, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// record survives for attribution, just inactive
	stored, err := store.GetByID(context.Background(), "org-1", id)
	require.NoError(t, err)
	assert.False(t, stored.Active)

	rec = doSCIM(router, http.MethodDelete, "/scim/v2/Users/unknown", testToken, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSCIMReplaceUserIfMatch(t *testing.T) {
	router, _ := newTestRouter(t)
	id := createTestUser(t, router, "jdoe", "ext-1")

	req := httptest.NewRequest(http.MethodPut, "/scim/v2/Users/"+id,
		bytes.NewBufferString(`{"userName": "jdoe", "displayName": "Updated", "active": true}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("If-Match", `W/"99"`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/scim/v2/Users/"+id,
		bytes.NewBufferString(`{"userName": "jdoe", "displayName": "Updated", "active": true}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("If-Match", `W/"1"`)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res UserResource
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "Updated", res.DisplayName)
	assert.Equal(t, `W/"2"`, res.Meta.Version)
}

func TestSCIMGroupLifecycle(t *testing.T) {
	router, store := newTestRouter(t)
	userID := createTestUser(t, router, "jdoe", "ext-1")

	rec := doSCIM(router, http.MethodPost, "/scim/v2/Groups", testToken, fmt.Sprintf(`{
		"schemas": ["urn:ietf:params:scim:schemas:core:2.0:Group"],
		"displayName": "Engineering",
		"members": [{"value": %q}]
	}`, userID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var group GroupResource
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &group))
	require.Len(t, group.Members, 1)

	rec = doSCIM(router, http.MethodPatch, "/scim/v2/Groups/"+group.ID, testToken, fmt.Sprintf(`{
		"Operations": [{"op": "remove", "path": "members[value eq \"%s\"]"}]
	}`, userID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := store.GetGroupByID(context.Background(), "org-1", group.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.Members)

	rec = doSCIM(router, http.MethodGet, `/scim/v2/Groups?filter=displayName+eq+%22Engineering%22`, testToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.TotalResults)

	rec = doSCIM(router, http.MethodDelete, "/scim/v2/Groups/"+group.ID, testToken, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err = store.GetGroupByID(context.Background(), "org-1", group.ID)
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestSCIMBulkMixedOutcomes(t *testing.T) {
	router, store := newTestRouter(t)
	existing := createTestUser(t, router, "taken", "ext-taken")

	rec := doSCIM(router, http.MethodPost, "/scim/v2/Bulk", testToken, `{
		"schemas": ["urn:ietf:params:scim:api:messages:2.0:BulkRequest"],
		"Operations": [
			{"method": "POST", "path": "/Users", "bulkId": "a",
			 "data": {"userName": "alice", "externalId": "ext-alice", "active": true}},
			{"method": "POST", "path": "/Users", "bulkId": "b",
			 "data": {"userName": "dup", "externalId": "ext-taken", "active": true}},
			{"method": "POST", "path": "/Groups", "bulkId": "c",
			 "data": {"displayName": "Sales"}},
			{"method": "DELETE", "path": "/Users/`+existing+`", "bulkId": "d"},
			{"method": "PATCH", "path": "/Users/missing", "bulkId": "e",
			 "data": {"Operations": [{"op": "replace", "path": "active", "value": false}]}}
		]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, "bulk envelope is always 200")

	var resp BulkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Operations, 5)

	byBulkID := make(map[string]BulkResult, len(resp.Operations))
	for _, op := range resp.Operations {
		byBulkID[op.BulkID] = op
	}

	assert.Equal(t, "201", byBulkID["a"].Status)
	assert.NotEmpty(t, byBulkID["a"].Location)
	assert.Equal(t, "409", byBulkID["b"].Status)
	require.NotNil(t, byBulkID["b"].Response)
	assert.Equal(t, "uniqueness", byBulkID["b"].Response.SCIMType)
	assert.Equal(t, "201", byBulkID["c"].Status)
	assert.Equal(t, "204", byBulkID["d"].Status)
	assert.Equal(t, "404", byBulkID["e"].Status)

	// successful items took effect despite the failures
	deactivated, err := store.GetByID(context.Background(), "org-1", existing)
	require.NoError(t, err)
	assert.False(t, deactivated.Active)
}

func TestSCIMBulkTooLarge(t *testing.T) {
	router, _ := newTestRouter(t)

	ops := make([]string, 0, maxBulkOperations+1)
	for i := 0; i <= maxBulkOperations; i++ {
		ops = append(ops, fmt.Sprintf(`{"method": "POST", "path": "/Users", "data": {"userName": "u%d"}}`, i))
	}
	body := fmt.Sprintf(`{"Operations": [%s]}`, strings.Join(ops, ","))

	rec := doSCIM(router, http.MethodPost, "/scim/v2/Bulk", testToken, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSCIMServiceProviderConfig(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doSCIM(router, http.MethodGet, "/scim/v2/ServiceProviderConfig", testToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contentTypeSCIM, rec.Header().Get("Content-Type"))

	var cfg map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Contains(t, cfg, "bulk")
	assert.Contains(t, cfg, "filter")
}
