package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"authhub.org/internal/ids"
	"authhub.org/internal/oauth"
	"authhub.org/internal/tenant"
	"authhub.org/internal/token"
	"authhub.org/internal/webhook"
)

// --- in-memory stores ---

type memTenants struct {
	mu          sync.Mutex
	users       map[string]*tenant.User
	entities    map[string]*tenant.Entity
	memberships []*tenant.Membership
	scopes      map[string]*tenant.MembershipScope
	permissions map[string][]tenant.Permission
	licenses    map[string]*tenant.License
}

func newMemTenants() *memTenants {
	return &memTenants{
		users:       map[string]*tenant.User{},
		entities:    map[string]*tenant.Entity{},
		scopes:      map[string]*tenant.MembershipScope{},
		permissions: map[string][]tenant.Permission{},
		licenses:    map[string]*tenant.License{},
	}
}

func (s *memTenants) Users(ctx context.Context) tenant.UserStore      { return (*memUsers)(s) }
func (s *memTenants) Entities(ctx context.Context) tenant.EntityStore { return (*memEntities)(s) }
func (s *memTenants) Memberships(ctx context.Context) tenant.MembershipStore {
	return (*memMemberships)(s)
}
func (s *memTenants) Permissions(ctx context.Context) tenant.PermissionStore {
	return (*memPermissions)(s)
}
func (s *memTenants) Licenses(ctx context.Context) tenant.LicenseStore { return (*memLicenses)(s) }

type memUsers memTenants

func (s *memUsers) Create(ctx context.Context, u *tenant.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *memUsers) Find(ctx context.Context, id string) (*tenant.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return u, nil
}

func (s *memUsers) FindByEmail(ctx context.Context, email string) (*tenant.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, tenant.ErrNotFound
}

type memEntities memTenants

func (s *memEntities) Create(ctx context.Context, e *tenant.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = ids.New()
	}
	s.entities[e.ID] = e
	return nil
}

func (s *memEntities) Find(ctx context.Context, id string) (*tenant.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return e, nil
}

func (s *memEntities) FindBySlug(ctx context.Context, slug string) (*tenant.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entities {
		if e.Slug == slug {
			return e, nil
		}
	}
	return nil, tenant.ErrNotFound
}

func (s *memEntities) Children(ctx context.Context, parentID string) ([]*tenant.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*tenant.Entity
	for _, e := range s.entities {
		if e.ParentID == parentID {
			res = append(res, e)
		}
	}
	return res, nil
}

type memMemberships memTenants

func (s *memMemberships) Create(ctx context.Context, m *tenant.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = ids.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.memberships = append(s.memberships, m)
	return nil
}

func (s *memMemberships) Find(ctx context.Context, userID, entityID string) (*tenant.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.memberships {
		if m.UserID == userID && m.EntityID == entityID {
			return m, nil
		}
	}
	return nil, tenant.ErrNotFound
}

func (s *memMemberships) ListByUser(ctx context.Context, userID string) ([]*tenant.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []*tenant.Membership
	for _, m := range s.memberships {
		if m.UserID == userID {
			res = append(res, m)
		}
	}
	return res, nil
}

func (s *memMemberships) Scope(ctx context.Context, membershipID, appID string) (*tenant.MembershipScope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[membershipID+"/"+appID]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return sc, nil
}

func (s *memMemberships) SetScope(ctx context.Context, scope *tenant.MembershipScope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scopes[scope.MembershipID+"/"+scope.AppID] = scope
	return nil
}

type memPermissions memTenants

func (s *memPermissions) Ensure(ctx context.Context, perms []tenant.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		s.permissions[p.AppID] = append(s.permissions[p.AppID], p)
	}
	return nil
}

func (s *memPermissions) ListByApp(ctx context.Context, appID string) ([]tenant.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permissions[appID], nil
}

type memLicenses memTenants

func (s *memLicenses) Create(ctx context.Context, lic *tenant.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lic.ID == "" {
		lic.ID = ids.New()
	}
	s.licenses[lic.EntityID+"/"+lic.AppID] = lic
	return nil
}

func (s *memLicenses) Find(ctx context.Context, entityID, appID string) (*tenant.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lic, ok := s.licenses[entityID+"/"+appID]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return lic, nil
}

func (s *memLicenses) SetStatus(ctx context.Context, id string, status tenant.LicenseStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lic := range s.licenses {
		if lic.ID == id {
			lic.Status = status
			return nil
		}
	}
	return tenant.ErrNotFound
}

type memClients struct {
	mu      sync.Mutex
	clients map[string]*oauth.Client
}

func newMemClients() *memClients {
	return &memClients{clients: map[string]*oauth.Client{}}
}

func (m *memClients) Create(ctx context.Context, c *oauth.Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = c
	return nil
}

func (m *memClients) Find(ctx context.Context, clientID string) (*oauth.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return nil, oauth.ErrNotFound
	}
	return c, nil
}

func (m *memClients) List(ctx context.Context) ([]*oauth.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]*oauth.Client, 0, len(m.clients))
	for _, c := range m.clients {
		res = append(res, c)
	}
	return res, nil
}

type memCodes struct {
	mu    sync.Mutex
	codes map[string]*oauth.AuthorizationCode
}

func newMemCodes() *memCodes {
	return &memCodes{codes: map[string]*oauth.AuthorizationCode{}}
}

func (m *memCodes) Create(ctx context.Context, code *oauth.AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *code
	m.codes[code.Code] = &cp
	return nil
}

func (m *memCodes) Consume(ctx context.Context, code string, at time.Time) (*oauth.AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.codes[code]
	if !ok {
		return nil, oauth.ErrNotFound
	}
	if rec.ConsumedAt != nil {
		return nil, oauth.ErrCodeConsumed
	}
	rec.ConsumedAt = &at
	cp := *rec
	return &cp, nil
}

func (m *memCodes) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.codes {
		if rec.ExpiresAt.Before(cutoff) {
			delete(m.codes, k)
			n++
		}
	}
	return n, nil
}

type memKeys struct {
	mu   sync.Mutex
	keys []*token.SigningKey
}

func (m *memKeys) Active(ctx context.Context) (*token.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.Status == token.KeyActive {
			return k, nil
		}
	}
	return nil, token.ErrNotFound
}

func (m *memKeys) Verifiable(ctx context.Context) ([]*token.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []*token.SigningKey
	for _, k := range m.keys {
		if k.Status != token.KeyRetired {
			res = append(res, k)
		}
	}
	return res, nil
}

func (m *memKeys) Rotate(ctx context.Context, next *token.SigningKey, overlap time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	retireAt := time.Now().UTC().Add(overlap)
	for _, k := range m.keys {
		if k.Status == token.KeyActive {
			k.Status = token.KeyRetiring
			k.RetireAt = &retireAt
		}
	}
	m.keys = append(m.keys, next)
	return nil
}

type memRefresh struct {
	mu   sync.Mutex
	recs map[string]*token.RefreshToken
}

func newMemRefresh() *memRefresh {
	return &memRefresh{recs: map[string]*token.RefreshToken{}}
}

func (m *memRefresh) Create(ctx context.Context, tok *token.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.recs[tok.ID] = &cp
	return nil
}

func (m *memRefresh) Find(ctx context.Context, id string) (*token.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, token.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memRefresh) Retire(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return false, token.ErrNotFound
	}
	if rec.RetiredAt != nil {
		return false, nil
	}
	rec.RetiredAt = &at
	return true, nil
}

func (m *memRefresh) RevokeFamily(ctx context.Context, familyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, rec := range m.recs {
		if rec.FamilyID == familyID && rec.RevokedAt == nil {
			rec.RevokedAt = &now
		}
	}
	return nil
}

func (m *memRefresh) RevokeByUser(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, rec := range m.recs {
		if rec.UserID == userID && rec.RevokedAt == nil {
			rec.RevokedAt = &now
		}
	}
	return nil
}

type memEndpoints struct {
	mu        sync.Mutex
	endpoints map[string]*webhook.Endpoint
}

func newMemEndpoints() *memEndpoints {
	return &memEndpoints{endpoints: map[string]*webhook.Endpoint{}}
}

func (m *memEndpoints) Create(ctx context.Context, e *webhook.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[e.ID] = e
	return nil
}

func (m *memEndpoints) Find(ctx context.Context, id string) (*webhook.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok {
		return nil, webhook.ErrEndpointNotFound
	}
	return e, nil
}

func (m *memEndpoints) ListByApp(ctx context.Context, appID string) ([]*webhook.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []*webhook.Endpoint
	for _, e := range m.endpoints {
		if e.AppID == appID {
			res = append(res, e)
		}
	}
	return res, nil
}

func (m *memEndpoints) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.endpoints[id]; !ok {
		return webhook.ErrEndpointNotFound
	}
	delete(m.endpoints, id)
	return nil
}

// --- test rig ---

type apiRig struct {
	api     *API
	handler http.Handler
	tenants *memTenants
	clients *memClients
	refresh *memRefresh
	tokens  *token.Service
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	ctx := context.Background()

	tenants := newMemTenants()
	clients := newMemClients()
	codes := newMemCodes()
	endpoints := newMemEndpoints()
	refresh := newMemRefresh()

	resolver, err := tenant.NewResolver(tenants)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	tokens, err := token.NewService(ctx, &memKeys{}, refresh,
		token.WithIssuer("https://hub.test"))
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	authz, err := oauth.NewService(clients, codes, resolver, tokens,
		oauth.WithLoginURL("https://hub.test/login"))
	if err != nil {
		t.Fatalf("new oauth service: %v", err)
	}
	vault, err := webhook.NewVault(nil, true)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	api := New(Config{
		Authorizer: authz,
		Tokens:     tokens,
		Tenants:    tenants,
		Resolver:   resolver,
		Clients:    clients,
		Endpoints:  endpoints,
		Vault:      vault,
		Version:    "test",
	})
	return &apiRig{
		api:     api,
		handler: api.Handler(),
		tenants: tenants,
		clients: clients,
		refresh: refresh,
		tokens:  tokens,
	}
}

// bearerFor mints an access token carrying the given role and permissions.
func (rig *apiRig) bearerFor(t *testing.T, subject, role string, perms ...string) string {
	t.Helper()
	set, err := rig.tokens.Issue(context.Background(), token.IssueRequest{
		Subject:     subject,
		ClientID:    "console",
		EntityID:    "entity-1",
		Role:        role,
		Permissions: perms,
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return set.AccessToken
}

func (rig *apiRig) do(t *testing.T, method, target, bearer string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v (%q)", err, rec.Body.String())
	}
	return body
}

// --- tests ---

func TestHealthz(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["service"] != "authhub-api" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestReadyzWithoutDB(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.do(t, http.MethodGet, "/readyz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "ready" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestInfoExposesIssuer(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.do(t, http.MethodGet, "/v1/info", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["issuer"] != "https://hub.test" {
		t.Fatalf("issuer = %v", body["issuer"])
	}
}

func TestJWKSEndpoint(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.do(t, http.MethodGet, "/.well-known/jwks.json", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.Contains(cc, "public") {
		t.Fatalf("Cache-Control = %q", cc)
	}
	var doc struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("jwks not JSON: %v", err)
	}
	if len(doc.Keys) != 1 {
		t.Fatalf("expected one published key, got %d", len(doc.Keys))
	}
	if doc.Keys[0]["alg"] != "RS256" || doc.Keys[0]["kid"] == "" {
		t.Fatalf("unexpected jwk %v", doc.Keys[0])
	}
}

func TestTokenEndpointErrorShape(t *testing.T) {
	rig := newAPIRig(t)

	form := url.Values{"grant_type": {"password"}, "client_id": {"console"}}
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("Cache-Control = %q", cc)
	}
	body := decodeBody(t, rec)
	if body["error"] != oauth.ErrCodeUnsupportedGrantType {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestTokenEndpointUnknownClient(t *testing.T) {
	rig := newAPIRig(t)

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"ghost"},
		"client_secret": {"nope"},
	}
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("missing WWW-Authenticate on invalid_client")
	}
	if body := decodeBody(t, rec); body["error"] != oauth.ErrCodeInvalidClient {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestTokenEndpointMethodNotAllowed(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.do(t, http.MethodGet, "/oauth/token", "", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("Allow = %q", rec.Header().Get("Allow"))
	}
}

func TestAuthorizeRedirectsToLogin(t *testing.T) {
	rig := newAPIRig(t)
	_ = rig.clients.Create(context.Background(), &oauth.Client{
		ID:           "console",
		AppID:        "crm",
		RedirectURIs: []string{"https://app.example/cb"},
		Scopes:       []string{"openid"},
		GrantTypes:   []string{oauth.GrantAuthorizationCode},
	})

	target := "/oauth/authorize?" + url.Values{
		"client_id":      {"console"},
		"redirect_uri":   {"https://app.example/cb"},
		"response_type":  {"code"},
		"scope":          {"openid"},
		"code_challenge": {"E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"},
	}.Encode()
	rec := rig.do(t, http.MethodGet, target, "", "")

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://hub.test/login?return_to=") {
		t.Fatalf("Location = %q", loc)
	}
}

func TestAdminSurfaceRequiresBearer(t *testing.T) {
	rig := newAPIRig(t)
	for _, target := range []string{"/v1/clients", "/v1/userinfo", "/v1/entities"} {
		rec := rig.do(t, http.MethodGet, target, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s without bearer: status = %d", target, rec.Code)
		}
	}
}

func TestAdminSurfaceRejectsGarbageToken(t *testing.T) {
	rig := newAPIRig(t)
	rec := rig.do(t, http.MethodGet, "/v1/userinfo", "not.a.token", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAdminSurfaceRejectsForeignAudienceToken(t *testing.T) {
	rig := newAPIRig(t)

	// A valid token minted for some other client must not open the admin
	// surface, which only accepts the console audience.
	set, err := rig.tokens.Issue(context.Background(), token.IssueRequest{
		Subject:  "user-1",
		ClientID: "third-party-app",
		Role:     "owner",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rec := rig.do(t, http.MethodGet, "/v1/userinfo", set.AccessToken, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("foreign-audience token status = %d", rec.Code)
	}
}

func TestRevokeUserSessions(t *testing.T) {
	rig := newAPIRig(t)

	set, err := rig.tokens.Issue(context.Background(), token.IssueRequest{
		Subject:             "user-2",
		ClientID:            "console",
		IncludeRefreshToken: true,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	member := rig.bearerFor(t, "user-1", "member")
	rec := rig.do(t, http.MethodPost, "/v1/sessions/revoke", member, `{"user_id":"user-2"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("member revocation status = %d", rec.Code)
	}

	admin := rig.bearerFor(t, "user-1", "admin", tenant.PermMembersManage)
	rec = rig.do(t, http.MethodPost, "/v1/sessions/revoke", admin, `{"user_id":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank user_id status = %d", rec.Code)
	}
	rec = rig.do(t, http.MethodPost, "/v1/sessions/revoke", admin, `{"user_id":"user-2"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revocation status = %d (%s)", rec.Code, rec.Body.String())
	}

	if _, err := rig.tokens.ConsumeRefreshToken(context.Background(), set.RefreshToken); !errors.Is(err, token.ErrInvalidToken) {
		t.Fatalf("refresh token should be revoked, got %v", err)
	}
}

func TestHandlerRateLimits(t *testing.T) {
	api := New(Config{
		Version:            "test",
		RateLimitPerSecond: 1,
		RateLimitBurst:     1,
	})
	handler := api.Handler()

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestKeyRotatePermissions(t *testing.T) {
	rig := newAPIRig(t)

	member := rig.bearerFor(t, "user-1", "member")
	rec := rig.do(t, http.MethodPost, "/v1/keys/rotate", member, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("member rotation status = %d", rec.Code)
	}

	before := rig.tokens.ActiveKid()
	admin := rig.bearerFor(t, "root", string(tenant.GlobalRoleSystemAdmin))
	rec = rig.do(t, http.MethodPost, "/v1/keys/rotate", admin, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("admin rotation status = %d (%s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	kid, _ := body["kid"].(string)
	if kid == "" || kid == before {
		t.Fatalf("rotation did not install a new kid: %v", body)
	}
	if rig.tokens.ActiveKid() != kid {
		t.Fatal("reported kid is not active")
	}

	// Tokens minted under the old key must keep validating through the
	// overlap window.
	if _, err := rig.tokens.Validate(member); err != nil {
		t.Fatalf("pre-rotation token rejected: %v", err)
	}
}

func TestCreateClientAndUseIt(t *testing.T) {
	rig := newAPIRig(t)
	admin := rig.bearerFor(t, "root", string(tenant.GlobalRoleSystemAdmin))

	rec := rig.do(t, http.MethodPost, "/v1/clients", admin, `{
		"name": "Batch Jobs",
		"app_id": "crm",
		"redirect_uris": ["https://jobs.example/cb"],
		"scopes": ["reports:read"],
		"grant_types": ["client_credentials"],
		"confidential": true
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create client status = %d (%s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Client struct {
			ID string `json:"client_id"`
		} `json:"client"`
		Secret string `json:"client_secret"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.Client.ID == "" || created.Secret == "" {
		t.Fatalf("missing id or one-time secret: %+v", created)
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {created.Client.ID},
		"client_secret": {created.Secret},
	}
	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tokenRec := httptest.NewRecorder()
	rig.handler.ServeHTTP(tokenRec, req)

	if tokenRec.Code != http.StatusOK {
		t.Fatalf("token status = %d (%s)", tokenRec.Code, tokenRec.Body.String())
	}
	body := decodeBody(t, tokenRec)
	if body["access_token"] == "" || body["token_type"] != "bearer" {
		t.Fatalf("unexpected token response %v", body)
	}
}

func TestCreateClientForbiddenWithoutPermission(t *testing.T) {
	rig := newAPIRig(t)
	member := rig.bearerFor(t, "user-1", "member")
	rec := rig.do(t, http.MethodPost, "/v1/clients", member, `{"name":"x","app_id":"crm","redirect_uris":["https://x/cb"]}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateEntityRootRequiresSystemAdmin(t *testing.T) {
	rig := newAPIRig(t)
	rig.tenants.users["user-1"] = &tenant.User{ID: "user-1"}
	rig.tenants.users["root"] = &tenant.User{ID: "root", GlobalRole: tenant.GlobalRoleSystemAdmin}

	owner := rig.bearerFor(t, "user-1", "owner", tenant.PermEntityView)
	rec := rig.do(t, http.MethodPost, "/v1/entities", owner, `{"slug":"acme","name":"Acme"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin root creation status = %d", rec.Code)
	}

	admin := rig.bearerFor(t, "root", string(tenant.GlobalRoleSystemAdmin))
	rec = rig.do(t, http.MethodPost, "/v1/entities", admin, `{"slug":"acme","name":"Acme"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("admin root creation status = %d (%s)", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Location") == "" {
		t.Fatal("missing Location header")
	}
}

func TestCreateChildEntityViaParentManager(t *testing.T) {
	rig := newAPIRig(t)
	rig.tenants.users["mgr"] = &tenant.User{ID: "mgr"}
	rig.tenants.entities["parent"] = &tenant.Entity{ID: "parent", Slug: "parent"}
	rig.tenants.memberships = append(rig.tenants.memberships, &tenant.Membership{
		ID: "m1", UserID: "mgr", EntityID: "parent", Role: tenant.RoleManager, CreatedAt: time.Now().UTC(),
	})

	mgr := rig.bearerFor(t, "mgr", "manager")
	rec := rig.do(t, http.MethodPost, "/v1/entities", mgr, `{"slug":"branch","name":"Branch","parent_id":"parent"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("child creation status = %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestUserinfoReflectsClaims(t *testing.T) {
	rig := newAPIRig(t)
	bearer := rig.bearerFor(t, "user-1", "admin", tenant.PermEntityView, tenant.PermMembersManage)
	rec := rig.do(t, http.MethodGet, "/v1/userinfo", bearer, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["sub"] != "user-1" || body["role"] != "admin" || body["entity_id"] != "entity-1" {
		t.Fatalf("unexpected body %v", body)
	}
	perms, _ := body["permissions"].([]any)
	if len(perms) != 2 {
		t.Fatalf("permissions = %v", body["permissions"])
	}
}

func TestWebhookRegistrationReturnsSecretOnce(t *testing.T) {
	rig := newAPIRig(t)
	admin := rig.bearerFor(t, "root", string(tenant.GlobalRoleSystemAdmin))

	rec := rig.do(t, http.MethodPost, "/v1/webhooks", admin, `{
		"app_id": "crm",
		"url": "https://consumer.example/hooks",
		"events": ["entity.created"]
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	var created struct {
		Endpoint struct {
			ID string `json:"id"`
		} `json:"endpoint"`
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Secret == "" || created.Endpoint.ID == "" {
		t.Fatalf("missing endpoint id or secret: %+v", created)
	}
	if strings.Contains(rec.Body.String(), `"Secret"`) {
		t.Fatal("stored secret leaked into response")
	}

	del := rig.do(t, http.MethodDelete, "/v1/webhooks/"+created.Endpoint.ID, admin, "")
	if del.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", del.Code)
	}
	del = rig.do(t, http.MethodDelete, "/v1/webhooks/"+created.Endpoint.ID, admin, "")
	if del.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", del.Code)
	}
}

func TestLicensesSystemAdminOnly(t *testing.T) {
	rig := newAPIRig(t)
	owner := rig.bearerFor(t, "user-1", "owner", tenant.PermSettingsManage)
	rec := rig.do(t, http.MethodPost, "/v1/licenses", owner, `{"entity_id":"e1","app_id":"crm","status":"active"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("owner license creation status = %d", rec.Code)
	}

	admin := rig.bearerFor(t, "root", string(tenant.GlobalRoleSystemAdmin))
	rec = rig.do(t, http.MethodPost, "/v1/licenses", admin, `{"entity_id":"e1","app_id":"crm","status":"trial"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("admin license creation status = %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestLicenseStatusValidated(t *testing.T) {
	rig := newAPIRig(t)
	admin := rig.bearerFor(t, "root", string(tenant.GlobalRoleSystemAdmin))

	rec := rig.do(t, http.MethodPost, "/v1/licenses", admin, `{"entity_id":"e1","app_id":"crm","status":"bogus"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown create status accepted: %d (%s)", rec.Code, rec.Body.String())
	}

	rec = rig.do(t, http.MethodPost, "/v1/licenses", admin, `{"entity_id":"e1","app_id":"crm","status":"active"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d (%s)", rec.Code, rec.Body.String())
	}
	id, _ := decodeBody(t, rec)["id"].(string)
	if id == "" {
		t.Fatal("missing license id")
	}

	rec = rig.do(t, http.MethodPatch, "/v1/licenses", admin, `{"id":"`+id+`","status":"frozen"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown patch status accepted: %d", rec.Code)
	}
	rec = rig.do(t, http.MethodPatch, "/v1/licenses", admin, `{"id":"`+id+`","status":"suspended"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestUnknownRoute(t *testing.T) {
	rig := newAPIRig(t)

	// Unauthenticated requests hit the auth boundary before routing.
	rec := rig.do(t, http.MethodGet, "/nope", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", rec.Code)
	}

	bearer := rig.bearerFor(t, "user-1", "member")
	rec = rig.do(t, http.MethodGet, "/nope", bearer, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("authenticated status = %d", rec.Code)
	}
}
