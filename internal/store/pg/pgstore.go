package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"authhub.org/internal/tenant"
)

// Store is the PostgreSQL implementation behind every persistence interface
// in the service: tenant records, OAuth clients and codes, signing keys,
// refresh tokens and webhook endpoints.
type Store struct {
	db *sql.DB
}

var _ tenant.Store = (*Store)(nil)

// Open connects to PostgreSQL via the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing handle; used by sqlmock tests.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Users(ctx context.Context) tenant.UserStore        { return &userStore{db: s.db} }
func (s *Store) Entities(ctx context.Context) tenant.EntityStore   { return &entityStore{db: s.db} }
func (s *Store) Memberships(ctx context.Context) tenant.MembershipStore {
	return &membershipStore{db: s.db}
}
func (s *Store) Permissions(ctx context.Context) tenant.PermissionStore {
	return &permissionStore{db: s.db}
}
func (s *Store) Licenses(ctx context.Context) tenant.LicenseStore { return &licenseStore{db: s.db} }

// Clients returns the OAuth client store.
func (s *Store) Clients() *ClientStore { return &ClientStore{db: s.db} }

// Codes returns the authorization code store.
func (s *Store) Codes() *CodeStore { return &CodeStore{db: s.db} }

// Keys returns the signing key store.
func (s *Store) Keys() *KeyStore { return &KeyStore{db: s.db} }

// RefreshTokens returns the refresh token store.
func (s *Store) RefreshTokens() *RefreshTokenStore { return &RefreshTokenStore{db: s.db} }

// WebhookEndpoints returns the webhook endpoint store.
func (s *Store) WebhookEndpoints() *WebhookEndpointStore { return &WebhookEndpointStore{db: s.db} }

// WebhookDeliveries returns the webhook delivery store.
func (s *Store) WebhookDeliveries() *WebhookDeliveryStore { return &WebhookDeliveryStore{db: s.db} }

// String slices are stored as jsonb: the pgx stdlib driver has no native
// text[] support through database/sql.
func encodeStrings(vals []string) ([]byte, error) {
	if vals == nil {
		vals = []string{}
	}
	return json.Marshal(vals)
}

func decodeStrings(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var vals []string
	if err := json.Unmarshal(raw, &vals); err != nil {
		return nil, err
	}
	return vals, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
