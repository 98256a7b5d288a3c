package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"authhub.org/internal/audit"
	"authhub.org/internal/ids"
	"authhub.org/internal/oauth"
	"authhub.org/internal/tenant"
	"authhub.org/internal/webhook"
)

const generatedSecretBytes = 32

type createClientRequest struct {
	Name              string   `json:"name"`
	AppID             string   `json:"app_id"`
	RedirectURIs      []string `json:"redirect_uris"`
	Scopes            []string `json:"scopes"`
	GrantTypes        []string `json:"grant_types"`
	AccessTTLSeconds  int64    `json:"access_ttl_seconds"`
	RefreshTTLSeconds int64    `json:"refresh_ttl_seconds"`
	// Confidential clients get a generated secret; public clients rely on PKCE.
	Confidential bool `json:"confidential"`
}

type createClientResponse struct {
	Client *oauth.Client `json:"client"`
	// Secret is returned exactly once; only its hash is stored.
	Secret string `json:"client_secret,omitempty"`
}

func (a *API) handleClientsCollection(w http.ResponseWriter, r *http.Request) {
	if err := a.requirePermission(r.Context(), tenant.PermClientsManage); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}
	switch r.Method {
	case http.MethodPost:
		a.createClient(w, r)
	case http.MethodGet:
		a.listClients(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.AppID) == "" {
		writeError(w, r, http.StatusBadRequest, "name and app_id are required")
		return
	}
	if len(req.RedirectURIs) == 0 {
		writeError(w, r, http.StatusBadRequest, "at least one redirect_uri is required")
		return
	}
	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{oauth.GrantAuthorizationCode, oauth.GrantRefreshToken}
	}

	client := &oauth.Client{
		ID:           ids.New(),
		Name:         strings.TrimSpace(req.Name),
		AppID:        strings.TrimSpace(req.AppID),
		RedirectURIs: req.RedirectURIs,
		Scopes:       req.Scopes,
		GrantTypes:   req.GrantTypes,
		AccessTTL:    time.Duration(req.AccessTTLSeconds) * time.Second,
		RefreshTTL:   time.Duration(req.RefreshTTLSeconds) * time.Second,
	}

	var secret string
	if req.Confidential {
		var err error
		secret, err = ids.NewSecret(generatedSecretBytes)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "secret generation failed")
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "secret generation failed")
			return
		}
		client.SecretHash = string(hash)
	}

	if err := a.clients.Create(r.Context(), client); err != nil {
		writeError(w, r, http.StatusConflict, err.Error())
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.client.created", map[string]any{
		"client_id": client.ID,
		"app_id":    client.AppID,
	})
	w.Header().Set("Location", "/v1/clients/"+client.ID)
	writeJSON(w, http.StatusCreated, createClientResponse{Client: client, Secret: secret})
}

func (a *API) listClients(w http.ResponseWriter, r *http.Request) {
	clients, err := a.clients.List(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": clients})
}

type createWebhookRequest struct {
	AppID  string   `json:"app_id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type createWebhookResponse struct {
	Endpoint *webhook.Endpoint `json:"endpoint"`
	// Secret is returned exactly once; it is stored encrypted.
	Secret string `json:"secret"`
}

func (a *API) handleWebhooksCollection(w http.ResponseWriter, r *http.Request) {
	if err := a.requirePermission(r.Context(), tenant.PermWebhooksManage); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}
	switch r.Method {
	case http.MethodPost:
		a.createWebhook(w, r)
	case http.MethodGet:
		a.listWebhooks(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.AppID) == "" || strings.TrimSpace(req.URL) == "" {
		writeError(w, r, http.StatusBadRequest, "app_id and url are required")
		return
	}
	if !strings.HasPrefix(req.URL, "https://") && !strings.HasPrefix(req.URL, "http://") {
		writeError(w, r, http.StatusBadRequest, "url must be http or https")
		return
	}

	secret, err := ids.NewSecret(generatedSecretBytes)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "secret generation failed")
		return
	}
	sealed, err := a.vault.Encrypt([]byte(secret))
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "secret encryption failed")
		return
	}
	ep := &webhook.Endpoint{
		ID:        ids.New(),
		AppID:     strings.TrimSpace(req.AppID),
		URL:       strings.TrimSpace(req.URL),
		Events:    req.Events,
		Active:    true,
		Secret:    sealed,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.endpoints.Create(r.Context(), ep); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.webhook.created", map[string]any{
		"endpoint_id": ep.ID,
		"app_id":      ep.AppID,
	})
	w.Header().Set("Location", "/v1/webhooks/"+ep.ID)
	writeJSON(w, http.StatusCreated, createWebhookResponse{Endpoint: ep, Secret: secret})
}

func (a *API) listWebhooks(w http.ResponseWriter, r *http.Request) {
	appID := strings.TrimSpace(r.URL.Query().Get("app_id"))
	if appID == "" {
		writeError(w, r, http.StatusBadRequest, "app_id query parameter is required")
		return
	}
	items, err := a.endpoints.ListByApp(r.Context(), appID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleWebhookResource(w http.ResponseWriter, r *http.Request) {
	if err := a.requirePermission(r.Context(), tenant.PermWebhooksManage); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/webhooks/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodDelete:
		if err := a.endpoints.Delete(r.Context(), id); err != nil {
			if errors.Is(err, webhook.ErrEndpointNotFound) {
				writeError(w, r, http.StatusNotFound, "endpoint not found")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		_ = audit.LogEvent(r.Context(), "admin.webhook.deleted", map[string]any{"endpoint_id": id})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodDelete)
	}
}

type revokeSessionsRequest struct {
	UserID string `json:"user_id"`
}

// handleSessionsRevoke force-logs-out one user by revoking every refresh
// token they hold. Access tokens already issued run out on their own TTL.
func (a *API) handleSessionsRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.requirePermission(r.Context(), tenant.PermMembersManage); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}
	var req revokeSessionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := a.tokens.RevokeUserTokens(r.Context(), req.UserID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "revocation failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.sessions.revoked", map[string]any{
		"user_id": req.UserID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleKeyRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.requirePermission(r.Context(), tenant.PermKeysRotate); err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}
	kid, err := a.tokens.RotateKeys(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "rotation failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.keys.rotated", map[string]any{"kid": kid})
	a.publishEvent(r.Context(), "keys.rotated", map[string]any{"kid": kid})
	writeJSON(w, http.StatusOK, map[string]any{"kid": kid})
}
