package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"authhub.org/internal/oauth"
	"authhub.org/internal/obs"
	"authhub.org/internal/tenant"
	"authhub.org/internal/token"
	"authhub.org/internal/webhook"
)

const serviceName = "authhub-api"

// ReadyProbe reports readiness, pinging the database when one is attached.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Config carries the services the HTTP layer fronts.
type Config struct {
	Authorizer *oauth.Service
	Tokens     *token.Service
	Tenants    tenant.Store
	Resolver   *tenant.Resolver
	Clients    oauth.ClientStore
	Endpoints  webhook.EndpointStore
	Vault      *webhook.Vault
	Dispatcher *webhook.Dispatcher
	Ready      ReadyProbe
	Version    string
	// AdminAudience is the client the admin surface accepts tokens for.
	AdminAudience string
	// Zero rate-limit values fall back to the package defaults.
	RateLimitPerSecond int
	RateLimitBurst     int
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	authz      *oauth.Service
	tokens     *token.Service
	tenants    tenant.Store
	resolver   *tenant.Resolver
	clients    oauth.ClientStore
	endpoints  webhook.EndpointStore
	vault      *webhook.Vault
	dispatcher *webhook.Dispatcher

	adminAudience string
	ratePerSecond int
	rateBurst     int
}

// hubAppID scopes platform-level webhook events.
const hubAppID = "hub"

// defaultAdminAudience is the first-party console client.
const defaultAdminAudience = "console"

const (
	defaultRateLimitPerSecond = 50
	defaultRateLimitBurst     = 100
)

// publishEvent fans a platform event out to subscribed webhook endpoints.
// Delivery failures are the dispatcher's problem, not the request's.
func (a *API) publishEvent(ctx context.Context, eventType string, payload any) {
	if a.dispatcher == nil {
		return
	}
	_ = a.dispatcher.Dispatch(ctx, webhook.Event{
		Type:    eventType,
		AppID:   hubAppID,
		Payload: payload,
	})
}

// New wires the route table.
func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: cfg.Ready,
		version:    cfg.Version,
		authz:      cfg.Authorizer,
		tokens:     cfg.Tokens,
		tenants:    cfg.Tenants,
		resolver:   cfg.Resolver,
		clients:    cfg.Clients,
		endpoints:  cfg.Endpoints,
		vault:      cfg.Vault,
		dispatcher: cfg.Dispatcher,

		adminAudience: cfg.AdminAudience,
		ratePerSecond: cfg.RateLimitPerSecond,
		rateBurst:     cfg.RateLimitBurst,
	}
	if a.adminAudience == "" {
		a.adminAudience = defaultAdminAudience
	}
	if a.ratePerSecond <= 0 {
		a.ratePerSecond = defaultRateLimitPerSecond
	}
	if a.rateBurst <= 0 {
		a.rateBurst = defaultRateLimitBurst
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// OAuth2 surface
	a.mux.HandleFunc("/oauth/authorize", a.handleAuthorize)
	a.mux.HandleFunc("/oauth/token", a.handleToken)
	a.mux.HandleFunc("/oauth/revoke", a.handleRevoke)
	a.mux.HandleFunc("/.well-known/jwks.json", a.handleJWKS)

	// admin surface
	a.mux.HandleFunc("/v1/clients", a.handleClientsCollection)
	a.mux.HandleFunc("/v1/webhooks", a.handleWebhooksCollection)
	a.mux.HandleFunc("/v1/webhooks/", a.handleWebhookResource)
	a.mux.HandleFunc("/v1/keys/rotate", a.handleKeyRotate)
	a.mux.HandleFunc("/v1/entities", a.handleEntitiesCollection)
	a.mux.HandleFunc("/v1/entities/", a.handleEntityResource)
	a.mux.HandleFunc("/v1/memberships", a.handleMemberships)
	a.mux.HandleFunc("/v1/sessions/revoke", a.handleSessionsRevoke)
	a.mux.HandleFunc("/v1/licenses", a.handleLicenses)
	a.mux.HandleFunc("/v1/userinfo", a.handleUserinfo)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = RateLimit(h, a.rateBurst, a.ratePerSecond)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
		"issuer":  a.tokens.Issuer(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
