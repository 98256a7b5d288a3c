package oauth

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"authhub.org/internal/tenant"
	"authhub.org/internal/token"
)

// memClients is an in-memory ClientStore.
type memClients struct {
	mu      sync.Mutex
	clients map[string]*Client
}

func newMemClients() *memClients {
	return &memClients{clients: map[string]*Client{}}
}

func (m *memClients) Create(ctx context.Context, c *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c.ID] = c
	return nil
}

func (m *memClients) Find(ctx context.Context, clientID string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (m *memClients) List(ctx context.Context) ([]*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		res = append(res, c)
	}
	return res, nil
}

// memCodes is an in-memory CodeStore with compare-and-set Consume.
type memCodes struct {
	mu    sync.Mutex
	codes map[string]*AuthorizationCode
}

func newMemCodes() *memCodes {
	return &memCodes{codes: map[string]*AuthorizationCode{}}
}

func (m *memCodes) Create(ctx context.Context, code *AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *code
	m.codes[code.Code] = &cp
	return nil
}

func (m *memCodes) Consume(ctx context.Context, code string, at time.Time) (*AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.ConsumedAt != nil {
		return nil, ErrCodeConsumed
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

// stubTenants backs the resolver with maps; the typed views below fan it
// out into the individual sub-stores.
type stubTenants struct {
	users       map[string]*tenant.User
	entities    map[string]*tenant.Entity
	memberships []*tenant.Membership
	scopes      map[string]*tenant.MembershipScope
	permissions map[string][]tenant.Permission
	licenses    map[string]*tenant.License
}

func newStubTenants() *stubTenants {
	return &stubTenants{
		users:       map[string]*tenant.User{},
		entities:    map[string]*tenant.Entity{},
		scopes:      map[string]*tenant.MembershipScope{},
		permissions: map[string][]tenant.Permission{},
		licenses:    map[string]*tenant.License{},
	}
}

func (s *stubTenants) Users(ctx context.Context) tenant.UserStore      { return (*stubUsers)(s) }
func (s *stubTenants) Entities(ctx context.Context) tenant.EntityStore { return (*stubEntities)(s) }
func (s *stubTenants) Memberships(ctx context.Context) tenant.MembershipStore {
	return (*stubMemberships)(s)
}
func (s *stubTenants) Permissions(ctx context.Context) tenant.PermissionStore {
	return (*stubPermissions)(s)
}
func (s *stubTenants) Licenses(ctx context.Context) tenant.LicenseStore { return (*stubLicenses)(s) }

type stubUsers stubTenants

func (s *stubUsers) Create(ctx context.Context, u *tenant.User) error {
	s.users[u.ID] = u
	return nil
}

func (s *stubUsers) Find(ctx context.Context, id string) (*tenant.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return u, nil
}

func (s *stubUsers) FindByEmail(ctx context.Context, email string) (*tenant.User, error) {
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, tenant.ErrNotFound
}

type stubEntities stubTenants

func (s *stubEntities) Create(ctx context.Context, e *tenant.Entity) error {
	s.entities[e.ID] = e
	return nil
}

func (s *stubEntities) Find(ctx context.Context, id string) (*tenant.Entity, error) {
	e, ok := s.entities[id]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return e, nil
}

func (s *stubEntities) FindBySlug(ctx context.Context, slug string) (*tenant.Entity, error) {
	for _, e := range s.entities {
		if e.Slug == slug {
			return e, nil
		}
	}
	return nil, tenant.ErrNotFound
}

func (s *stubEntities) Children(ctx context.Context, parentID string) ([]*tenant.Entity, error) {
	var res []*tenant.Entity
	for _, e := range s.entities {
		if e.ParentID == parentID {
			res = append(res, e)
		}
	}
	return res, nil
}

type stubMemberships stubTenants

func (s *stubMemberships) Create(ctx context.Context, m *tenant.Membership) error {
	s.memberships = append(s.memberships, m)
	return nil
}

func (s *stubMemberships) Find(ctx context.Context, userID, entityID string) (*tenant.Membership, error) {
	for _, m := range s.memberships {
		if m.UserID == userID && m.EntityID == entityID {
			return m, nil
		}
	}
	return nil, tenant.ErrNotFound
}

func (s *stubMemberships) ListByUser(ctx context.Context, userID string) ([]*tenant.Membership, error) {
	var res []*tenant.Membership
	for _, m := range s.memberships {
		if m.UserID == userID {
			res = append(res, m)
		}
	}
	return res, nil
}

func (s *stubMemberships) Scope(ctx context.Context, membershipID, appID string) (*tenant.MembershipScope, error) {
	sc, ok := s.scopes[membershipID+"/"+appID]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return sc, nil
}

func (s *stubMemberships) SetScope(ctx context.Context, scope *tenant.MembershipScope) error {
	s.scopes[scope.MembershipID+"/"+scope.AppID] = scope
	return nil
}

type stubPermissions stubTenants

func (s *stubPermissions) Ensure(ctx context.Context, perms []tenant.Permission) error {
	for _, p := range perms {
		s.permissions[p.AppID] = append(s.permissions[p.AppID], p)
	}
	return nil
}

func (s *stubPermissions) ListByApp(ctx context.Context, appID string) ([]tenant.Permission, error) {
	return s.permissions[appID], nil
}

type stubLicenses stubTenants

func (s *stubLicenses) Create(ctx context.Context, lic *tenant.License) error {
	s.licenses[lic.EntityID+"/"+lic.AppID] = lic
	return nil
}

func (s *stubLicenses) Find(ctx context.Context, entityID, appID string) (*tenant.License, error) {
	lic, ok := s.licenses[entityID+"/"+appID]
	if !ok {
		return nil, tenant.ErrNotFound
	}
	return lic, nil
}

func (s *stubLicenses) SetStatus(ctx context.Context, id string, status tenant.LicenseStatus) error {
	for _, lic := range s.licenses {
		if lic.ID == id {
			lic.Status = status
			return nil
		}
	}
	return tenant.ErrNotFound
}

// memKeys and memRefresh back the real token service in these tests.
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

func (m *memRefresh) RevokeByUser(ctx context.Context, userID string) error { return nil }

// testEnv bundles the full authorization stack over in-memory stores.
type testEnv struct {
	clients *memClients
	codes   *memCodes
	tenants *stubTenants
	tokens  *token.Service
	svc     *Service
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	clients := newMemClients()
	codes := newMemCodes()
	tenants := newStubTenants()

	resolver, err := tenant.NewResolver(tenants)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	tokens, err := token.NewService(context.Background(), &memKeys{}, newMemRefresh(),
		token.WithIssuer("https://hub.test"))
	if err != nil {
		t.Fatalf("new token service: %v", err)
	}
	svc, err := NewService(clients, codes, resolver, tokens, opts...)
	if err != nil {
		t.Fatalf("new oauth service: %v", err)
	}
	return &testEnv{clients: clients, codes: codes, tenants: tenants, tokens: tokens, svc: svc}
}

// seedWorld registers a public PKCE client plus a user holding an admin
// membership, the app's permission catalog and an active license.
func (e *testEnv) seedWorld(t *testing.T) *Client {
	t.Helper()
	client := &Client{
		ID:           "client-1",
		Name:         "Console",
		AppID:        "crm",
		RedirectURIs: []string{"https://app.example/callback"},
		Scopes:       []string{"openid", "profile"},
		GrantTypes:   []string{GrantAuthorizationCode, GrantRefreshToken},
	}
	if err := e.clients.Create(context.Background(), client); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	e.tenants.users["user-1"] = &tenant.User{ID: "user-1", GlobalRole: tenant.GlobalRoleOrdinary}
	e.tenants.memberships = append(e.tenants.memberships, &tenant.Membership{
		ID: "m1", UserID: "user-1", EntityID: "entity-1", Role: tenant.RoleAdmin, CreatedAt: time.Now().UTC(),
	})
	e.tenants.permissions["crm"] = []tenant.Permission{
		{AppID: "crm", Resource: "entity", Action: "view"},
		{AppID: "crm", Resource: "members", Action: "manage"},
	}
	e.tenants.licenses["entity-1/crm"] = &tenant.License{
		ID: "lic-1", EntityID: "entity-1", AppID: "crm", Status: tenant.LicenseActive,
	}
	return client
}

func (e *testEnv) seedConfidentialClient(t *testing.T, secret string) *Client {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash secret: %v", err)
	}
	client := &Client{
		ID:         "svc-1",
		SecretHash: string(hash),
		Name:       "Batch",
		AppID:      "crm",
		Scopes:     []string{"reports:read"},
		GrantTypes: []string{GrantClientCredentials},
	}
	if err := e.clients.Create(context.Background(), client); err != nil {
		t.Fatalf("seed confidential client: %v", err)
	}
	return client
}
