package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"authhub.org/internal/audit"
	"authhub.org/internal/tenant"
)

type createEntityRequest struct {
	Slug     string `json:"slug"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id"`
}

func (a *API) handleEntitiesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createEntity(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) createEntity(w http.ResponseWriter, r *http.Request) {
	access, ok := tenant.AccessFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req createEntityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Slug) == "" || strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "slug and name are required")
		return
	}

	// Root entities are a platform operation; children may be created by
	// anyone who can manage the parent.
	if req.ParentID == "" {
		if !access.SystemAdmin {
			writeError(w, r, http.StatusForbidden, "only platform administrators may create root entities")
			return
		}
	} else {
		allowed, err := a.resolver.CanManageEntity(r.Context(), access.UserID, req.ParentID)
		if err != nil {
			handleTenantError(w, r, err)
			return
		}
		if !allowed {
			writeError(w, r, http.StatusForbidden, "insufficient role on parent entity")
			return
		}
	}

	entity := &tenant.Entity{
		Slug:     strings.TrimSpace(req.Slug),
		Name:     strings.TrimSpace(req.Name),
		ParentID: strings.TrimSpace(req.ParentID),
	}
	if err := a.tenants.Entities(r.Context()).Create(r.Context(), entity); err != nil {
		handleTenantError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.entity.created", map[string]any{
		"entity_id": entity.ID,
		"parent_id": entity.ParentID,
	})
	a.publishEvent(r.Context(), "entity.created", entity)
	w.Header().Set("Location", "/v1/entities/"+entity.ID)
	writeJSON(w, http.StatusCreated, entity)
}

func (a *API) handleEntityResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/entities/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/children") {
		id := strings.TrimSuffix(strings.TrimSuffix(path, "/children"), "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "entity not found")
			return
		}
		a.listEntityChildren(w, r, id)
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getEntity(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) getEntity(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.requirePermission(r.Context(), tenant.PermEntityView); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}
	entity, err := a.tenants.Entities(r.Context()).Find(r.Context(), id)
	if err != nil {
		handleTenantError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (a *API) listEntityChildren(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if err := a.requirePermission(r.Context(), tenant.PermEntityView); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}
	children, err := a.tenants.Entities(r.Context()).Children(r.Context(), id)
	if err != nil {
		handleTenantError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": children})
}

type createMembershipRequest struct {
	UserID   string `json:"user_id"`
	EntityID string `json:"entity_id"`
	Role     string `json:"role"`
	// Scope optionally narrows the membership for one application.
	Scope *struct {
		AppID string `json:"app_id"`
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"scope"`
}

func (a *API) handleMemberships(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	access, ok := tenant.AccessFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req createMembershipRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := tenant.ParseRole(req.Role)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.EntityID) == "" {
		writeError(w, r, http.StatusBadRequest, "user_id and entity_id are required")
		return
	}
	if req.Scope != nil && !tenant.ValidScopeType(tenant.ScopeType(req.Scope.Type)) {
		writeError(w, r, http.StatusBadRequest, "unknown scope type")
		return
	}

	allowed, err := a.resolver.CanManageEntity(r.Context(), access.UserID, req.EntityID)
	if err != nil {
		handleTenantError(w, r, err)
		return
	}
	if !allowed || (!access.SystemAdmin && !access.HasPermission(tenant.PermMembersManage)) {
		writeError(w, r, http.StatusForbidden, "insufficient permissions")
		return
	}

	m := &tenant.Membership{
		UserID:   strings.TrimSpace(req.UserID),
		EntityID: strings.TrimSpace(req.EntityID),
		Role:     role,
	}
	if err := a.tenants.Memberships(r.Context()).Create(r.Context(), m); err != nil {
		handleTenantError(w, r, err)
		return
	}
	if req.Scope != nil {
		scope := &tenant.MembershipScope{
			MembershipID: m.ID,
			AppID:        strings.TrimSpace(req.Scope.AppID),
			Type:         tenant.ScopeType(req.Scope.Type),
			Value:        req.Scope.Value,
		}
		if err := a.tenants.Memberships(r.Context()).SetScope(r.Context(), scope); err != nil {
			handleTenantError(w, r, err)
			return
		}
	}
	_ = audit.LogEvent(r.Context(), "admin.membership.created", map[string]any{
		"membership_id": m.ID,
		"user_id":       m.UserID,
		"entity_id":     m.EntityID,
		"role":          string(m.Role),
	})
	a.publishEvent(r.Context(), "membership.created", m)
	writeJSON(w, http.StatusCreated, m)
}

type licenseRequest struct {
	ID       string `json:"id"`
	EntityID string `json:"entity_id"`
	AppID    string `json:"app_id"`
	Status   string `json:"status"`
}

func (a *API) handleLicenses(w http.ResponseWriter, r *http.Request) {
	access, ok := tenant.AccessFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if !access.SystemAdmin {
		writeError(w, r, http.StatusForbidden, "only platform administrators manage licenses")
		return
	}
	switch r.Method {
	case http.MethodPost:
		a.createLicense(w, r)
	case http.MethodPatch:
		a.updateLicenseStatus(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodPatch)
	}
}

func (a *API) createLicense(w http.ResponseWriter, r *http.Request) {
	var req licenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.EntityID) == "" || strings.TrimSpace(req.AppID) == "" {
		writeError(w, r, http.StatusBadRequest, "entity_id and app_id are required")
		return
	}
	status, err := tenant.ParseLicenseStatus(req.Status)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	lic := &tenant.License{
		EntityID: strings.TrimSpace(req.EntityID),
		AppID:    strings.TrimSpace(req.AppID),
		Status:   status,
	}
	if err := a.tenants.Licenses(r.Context()).Create(r.Context(), lic); err != nil {
		handleTenantError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.license.created", map[string]any{
		"license_id": lic.ID,
		"entity_id":  lic.EntityID,
		"app_id":     lic.AppID,
		"status":     string(lic.Status),
	})
	writeJSON(w, http.StatusCreated, lic)
}

func (a *API) updateLicenseStatus(w http.ResponseWriter, r *http.Request) {
	var req licenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ID) == "" || strings.TrimSpace(req.Status) == "" {
		writeError(w, r, http.StatusBadRequest, "id and status are required")
		return
	}
	status, err := tenant.ParseLicenseStatus(req.Status)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.tenants.Licenses(r.Context()).SetStatus(r.Context(), req.ID, status); err != nil {
		handleTenantError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.license.status_changed", map[string]any{
		"license_id": req.ID,
		"status":     req.Status,
	})
	a.publishEvent(r.Context(), "license.status_changed", map[string]any{
		"license_id": req.ID,
		"status":     req.Status,
	})
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "status": req.Status})
}

// handleUserinfo reflects the caller's resolved access context.
func (a *API) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	access, ok := tenant.AccessFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	payload := map[string]any{
		"sub":         access.UserID,
		"permissions": access.PermissionSlugs(),
	}
	if access.SystemAdmin {
		payload["role"] = string(tenant.GlobalRoleSystemAdmin)
	} else {
		payload["role"] = string(access.Role)
		payload["entity_id"] = access.EntityID
	}
	writeJSON(w, http.StatusOK, payload)
}

func handleTenantError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tenant.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, tenant.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, tenant.ErrNotFound), errors.Is(err, tenant.ErrNoMembership):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
