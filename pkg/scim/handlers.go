package scim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/gatehouse-sso/gatehouse/pkg/observability"
	"github.com/gatehouse-sso/gatehouse/pkg/sso"
)

const contentTypeSCIM = "application/scim+json"

// maxBulkOperations bounds a single bulk payload per RFC 7644 §3.7
const maxBulkOperations = 100

// Handler exposes the SCIM 2.0 HTTP surface. Requests authenticate with a
// per-organization bearer token; the resolved org scopes every operation.
type Handler struct {
	service *Service
	configs *sso.ConfigStore
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewHandler creates the SCIM HTTP handler
func NewHandler(service *Service, configs *sso.ConfigStore, logger *observability.Logger, metrics *observability.Metrics) *Handler {
	return &Handler{
		service: service,
		configs: configs,
		logger:  logger,
		metrics: metrics,
	}
}

// RegisterRoutes mounts the SCIM API on the router
func (h *Handler) RegisterRoutes(router *mux.Router) {
	scim := router.PathPrefix("/scim/v2").Subrouter()
	scim.Use(h.authenticate)

	scim.HandleFunc("/ServiceProviderConfig", h.serviceProviderConfig).Methods(http.MethodGet)

	scim.HandleFunc("/Users", h.createUser).Methods(http.MethodPost)
	scim.HandleFunc("/Users", h.listUsers).Methods(http.MethodGet)
	scim.HandleFunc("/Users/{id}", h.getUser).Methods(http.MethodGet)
	scim.HandleFunc("/Users/{id}", h.replaceUser).Methods(http.MethodPut)
	scim.HandleFunc("/Users/{id}", h.patchUser).Methods(http.MethodPatch)
	scim.HandleFunc("/Users/{id}", h.deleteUser).Methods(http.MethodDelete)

	scim.HandleFunc("/Groups", h.createGroup).Methods(http.MethodPost)
	scim.HandleFunc("/Groups", h.listGroups).Methods(http.MethodGet)
	scim.HandleFunc("/Groups/{id}", h.getGroup).Methods(http.MethodGet)
	scim.HandleFunc("/Groups/{id}", h.replaceGroup).Methods(http.MethodPut)
	scim.HandleFunc("/Groups/{id}", h.patchGroup).Methods(http.MethodPatch)
	scim.HandleFunc("/Groups/{id}", h.deleteGroup).Methods(http.MethodDelete)

	scim.HandleFunc("/Bulk", h.bulk).Methods(http.MethodPost)
}

type orgKeyType struct{}

var orgKey orgKeyType

func orgFromContext(ctx context.Context) string {
	orgID, _ := ctx.Value(orgKey).(string)
	return orgID
}

// authenticate resolves the bearer token to an organization. Unknown,
// disabled, and deleted tokens all fail identically.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			writeError(w, newError(http.StatusUnauthorized, "", "bearer token required"))
			return
		}

		cfg, err := h.configs.ResolveSCIMToken(r.Context(), token)
		if err != nil {
			h.logger.WithFields(map[string]interface{}{
				"remote_addr": r.RemoteAddr,
				"path":        r.URL.Path,
			}).Warn("Rejected SCIM request with invalid bearer token")
			writeError(w, newError(http.StatusUnauthorized, "", "invalid bearer token"))
			return
		}

		ctx := context.WithValue(r.Context(), orgKey, cfg.OrgID)
		ctx = observability.WithOrgID(ctx, cfg.OrgID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) observe(resource, operation string, start time.Time, err error) {
	if h.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	h.metrics.SCIMOperationsTotal.WithLabelValues(resource, operation, status).Inc()
	h.metrics.SCIMOperationDuration.WithLabelValues(resource, operation).Observe(time.Since(start).Seconds())
}

func writeError(w http.ResponseWriter, err error) {
	var scimErr *ErrorResponse
	if !errors.As(err, &scimErr) {
		scimErr = newError(http.StatusInternalServerError, "", "internal error")
	}
	status, convErr := strconv.Atoi(scimErr.Status)
	if convErr != nil {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", contentTypeSCIM)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(scimErr)
}

func writeResource(w http.ResponseWriter, status int, etag string, body any) {
	w.Header().Set("Content-Type", contentTypeSCIM)
	if etag != "" {
		w.Header().Set("ETag", etag)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return newError(http.StatusBadRequest, "invalidSyntax", "malformed request body")
	}
	return nil
}

func pageParams(r *http.Request) (startIndex, count int) {
	startIndex, _ = strconv.Atoi(r.URL.Query().Get("startIndex"))
	count, _ = strconv.Atoi(r.URL.Query().Get("count"))
	return startIndex, count
}

func (h *Handler) serviceProviderConfig(w http.ResponseWriter, r *http.Request) {
	writeResource(w, http.StatusOK, "", map[string]any{
		"schemas": []string{SchemaServiceConfig},
		"patch":   map[string]bool{"supported": true},
		"bulk": map[string]any{
			"supported":      true,
			"maxOperations":  maxBulkOperations,
			"maxPayloadSize": 1 << 20,
		},
		"filter": map[string]any{
			"supported":  true,
			"maxResults": defaultPageSize,
		},
		"changePassword": map[string]bool{"supported": false},
		"sort":           map[string]bool{"supported": false},
		"etag":           map[string]bool{"supported": true},
		"authenticationSchemes": []map[string]string{{
			"type":        "oauthbearertoken",
			"name":        "OAuth Bearer Token",
			"description": "Per-organization bearer token",
		}},
	})
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var res UserResource
	if err := decodeBody(r, &res); err != nil {
		h.observe("user", "create", start, err)
		writeError(w, err)
		return
	}

	created, err := h.service.CreateUser(r.Context(), orgFromContext(r.Context()), &res)
	h.observe("user", "create", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", created.Meta.Location)
	writeResource(w, http.StatusCreated, created.Meta.Version, created)
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	startIndex, count := pageParams(r)
	list, err := h.service.ListUsers(r.Context(), orgFromContext(r.Context()), r.URL.Query().Get("filter"), startIndex, count)
	h.observe("user", "list", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResource(w, http.StatusOK, "", list)
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	res, err := h.service.GetUser(r.Context(), orgFromContext(r.Context()), mux.Vars(r)["id"])
	h.observe("user", "get", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResource(w, http.StatusOK, res.Meta.Version, res)
}

func (h *Handler) replaceUser(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var res UserResource
	if err := decodeBody(r, &res); err != nil {
		h.observe("user", "replace", start, err)
		writeError(w, err)
		return
	}

	updated, err := h.service.ReplaceUser(r.Context(), orgFromContext(r.Context()), mux.Vars(r)["id"], r.Header.Get("If-Match"), &res)
	h.observe("user", "replace", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResource(w, http.StatusOK, updated.Meta.Version, updated)
}

func (h *Handler) patchUser(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req PatchRequest
	if err := decodeBody(r, &req); err != nil {
		h.observe("user", "patch", start, err)
		writeError(w, err)
		return
	}

	updated, err := h.service.PatchUser(r.Context(), orgFromContext(r.Context()), mux.Vars(r)["id"], r.Header.Get("If-Match"), &req)
	h.observe("user", "patch", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResource(w, http.StatusOK, updated.Meta.Version, updated)
}

func (h *Handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	err := h.service.DeactivateUser(r.Context(), orgFromContext(r.Context()), mux.Vars(r)["id"])
	h.observe("user", "delete", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var res GroupResource
	if err := decodeBody(r, &res); err != nil {
		h.observe("group", "create", start, err)
		writeError(w, err)
		return
	}

	created, err := h.service.CreateGroup(r.Context(), orgFromContext(r.Context()), &res)
	h.observe("group", "create", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", created.Meta.Location)
	writeResource(w, http.StatusCreated, created.Meta.Version, created)
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	startIndex, count := pageParams(r)
	list, err := h.service.ListGroups(r.Context(), orgFromContext(r.Context()), r.URL.Query().Get("filter"), startIndex, count)
	h.observe("group", "list", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResource(w, http.StatusOK, "", list)
}

func (h *Handler) getGroup(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	res, err := h.service.GetGroup(r.Context(), orgFromContext(r.Context()), mux.Vars(r)["id"])
	h.observe("group", "get", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResource(w, http.StatusOK, res.Meta.Version, res)
}

func (h *Handler) replaceGroup(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var res GroupResource
	if err := decodeBody(r, &res); err != nil {
		h.observe("group", "replace", start, err)
		writeError(w, err)
		return
	}

	updated, err := h.service.ReplaceGroup(r.Context(), orgFromContext(r.Context()), mux.Vars(r)["id"], r.Header.Get("If-Match"), &res)
	h.observe("group", "replace", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResource(w, http.StatusOK, updated.Meta.Version, updated)
}

func (h *Handler) patchGroup(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req PatchRequest
	if err := decodeBody(r, &req); err != nil {
		h.observe("group", "patch", start, err)
		writeError(w, err)
		return
	}

	updated, err := h.service.PatchGroup(r.Context(), orgFromContext(r.Context()), mux.Vars(r)["id"], r.Header.Get("If-Match"), &req)
	h.observe("group", "patch", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResource(w, http.StatusOK, updated.Meta.Version, updated)
}

func (h *Handler) deleteGroup(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	err := h.service.DeleteGroup(r.Context(), orgFromContext(r.Context()), mux.Vars(r)["id"])
	h.observe("group", "delete", start, err)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// bulk executes operations sequentially and reports per-item outcomes. The
// envelope is always HTTP 200; failures live inside the operation results.
func (h *Handler) bulk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req BulkRequest
	if err := decodeBody(r, &req); err != nil {
		h.observe("bulk", "execute", start, err)
		writeError(w, err)
		return
	}
	if len(req.Operations) > maxBulkOperations {
		err := newError(http.StatusRequestEntityTooLarge, "tooLarge",
			fmt.Sprintf("bulk request exceeds %d operations", maxBulkOperations))
		h.observe("bulk", "execute", start, err)
		writeError(w, err)
		return
	}

	orgID := orgFromContext(r.Context())
	results := make([]BulkResult, 0, len(req.Operations))
	for _, op := range req.Operations {
		results = append(results, h.bulkOperation(r.Context(), orgID, op))
	}

	h.observe("bulk", "execute", start, nil)
	writeResource(w, http.StatusOK, "", &BulkResponse{
		Schemas:    []string{SchemaBulkResponse},
		Operations: results,
	})
}

func (h *Handler) bulkOperation(ctx context.Context, orgID string, op BulkOperation) BulkResult {
	result := BulkResult{Method: op.Method, BulkID: op.BulkID}

	fail := func(err error) BulkResult {
		var scimErr *ErrorResponse
		if !errors.As(err, &scimErr) {
			scimErr = newError(http.StatusInternalServerError, "", "internal error")
		}
		result.Status = scimErr.Status
		result.Response = scimErr
		return result
	}
	succeed := func(status int, location string) BulkResult {
		result.Status = strconv.Itoa(status)
		result.Location = location
		return result
	}

	resource, id := splitBulkPath(op.Path)
	method := strings.ToUpper(op.Method)

	switch {
	case resource == "Users" && method == http.MethodPost:
		var res UserResource
		if err := json.Unmarshal(op.Data, &res); err != nil {
			return fail(newError(http.StatusBadRequest, "invalidSyntax", "malformed operation data"))
		}
		created, err := h.service.CreateUser(ctx, orgID, &res)
		if err != nil {
			return fail(err)
		}
		return succeed(http.StatusCreated, created.Meta.Location)

	case resource == "Users" && method == http.MethodPut && id != "":
		var res UserResource
		if err := json.Unmarshal(op.Data, &res); err != nil {
			return fail(newError(http.StatusBadRequest, "invalidSyntax", "malformed operation data"))
		}
		updated, err := h.service.ReplaceUser(ctx, orgID, id, "", &res)
		if err != nil {
			return fail(err)
		}
		return succeed(http.StatusOK, updated.Meta.Location)

	case resource == "Users" && method == http.MethodPatch && id != "":
		var req PatchRequest
		if err := json.Unmarshal(op.Data, &req); err != nil {
			return fail(newError(http.StatusBadRequest, "invalidSyntax", "malformed operation data"))
		}
		updated, err := h.service.PatchUser(ctx, orgID, id, "", &req)
		if err != nil {
			return fail(err)
		}
		return succeed(http.StatusOK, updated.Meta.Location)

	case resource == "Users" && method == http.MethodDelete && id != "":
		if err := h.service.DeactivateUser(ctx, orgID, id); err != nil {
			return fail(err)
		}
		return succeed(http.StatusNoContent, "")

	case resource == "Groups" && method == http.MethodPost:
		var res GroupResource
		if err := json.Unmarshal(op.Data, &res); err != nil {
			return fail(newError(http.StatusBadRequest, "invalidSyntax", "malformed operation data"))
		}
		created, err := h.service.CreateGroup(ctx, orgID, &res)
		if err != nil {
			return fail(err)
		}
		return succeed(http.StatusCreated, created.Meta.Location)

	case resource == "Groups" && method == http.MethodPatch && id != "":
		var req PatchRequest
		if err := json.Unmarshal(op.Data, &req); err != nil {
			return fail(newError(http.StatusBadRequest, "invalidSyntax", "malformed operation data"))
		}
		updated, err := h.service.PatchGroup(ctx, orgID, id, "", &req)
		if err != nil {
			return fail(err)
		}
		return succeed(http.StatusOK, updated.Meta.Location)

	case resource == "Groups" && method == http.MethodDelete && id != "":
		if err := h.service.DeleteGroup(ctx, orgID, id); err != nil {
			return fail(err)
		}
		return succeed(http.StatusNoContent, "")

	default:
		return fail(newError(http.StatusBadRequest, "invalidPath", "unsupported bulk operation "+op.Method+" "+op.Path))
	}
}

// splitBulkPath parses "/Users/abc" into ("Users", "abc")
func splitBulkPath(path string) (resource, id string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 1 {
		resource = parts[0]
	}
	if len(parts) >= 2 {
		id = parts[1]
	}
	return resource, id
}
