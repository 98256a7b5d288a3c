package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"authhub.org/internal/oauth"
)

// ClientStore persists registered OAuth clients.
type ClientStore struct {
	db *sql.DB
}

var _ oauth.ClientStore = (*ClientStore)(nil)

func (s *ClientStore) Create(ctx context.Context, c *oauth.Client) error {
	redirects, err := encodeStrings(c.RedirectURIs)
	if err != nil {
		return err
	}
	scopes, err := encodeStrings(c.Scopes)
	if err != nil {
		return err
	}
	grants, err := encodeStrings(c.GrantTypes)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		insert into oauth_clients(
			id, secret_hash, name, app_id, redirect_uris, scopes, grant_types,
			access_ttl_seconds, refresh_ttl_seconds, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, c.ID, c.SecretHash, c.Name, c.AppID, redirects, scopes, grants,
		int64(c.AccessTTL/time.Second), int64(c.RefreshTTL/time.Second), c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.New("oauth: client id already registered")
	}
	return err
}

func (s *ClientStore) Find(ctx context.Context, clientID string) (*oauth.Client, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, secret_hash, name, app_id, redirect_uris, scopes, grant_types,
			access_ttl_seconds, refresh_ttl_seconds, created_at, updated_at
		from oauth_clients where id = $1
	`, clientID)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, oauth.ErrNotFound
	}
	return c, err
}

func (s *ClientStore) List(ctx context.Context) ([]*oauth.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, secret_hash, name, app_id, redirect_uris, scopes, grant_types,
			access_ttl_seconds, refresh_ttl_seconds, created_at, updated_at
		from oauth_clients order by created_at asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*oauth.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*oauth.Client, error) {
	var c oauth.Client
	var redirects, scopes, grants []byte
	var accessSec, refreshSec int64
	if err := row.Scan(&c.ID, &c.SecretHash, &c.Name, &c.AppID, &redirects, &scopes, &grants,
		&accessSec, &refreshSec, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if c.RedirectURIs, err = decodeStrings(redirects); err != nil {
		return nil, err
	}
	if c.Scopes, err = decodeStrings(scopes); err != nil {
		return nil, err
	}
	if c.GrantTypes, err = decodeStrings(grants); err != nil {
		return nil, err
	}
	c.AccessTTL = time.Duration(accessSec) * time.Second
	c.RefreshTTL = time.Duration(refreshSec) * time.Second
	return &c, nil
}

// CodeStore persists authorization codes.
type CodeStore struct {
	db *sql.DB
}

var _ oauth.CodeStore = (*CodeStore)(nil)

func (s *CodeStore) Create(ctx context.Context, code *oauth.AuthorizationCode) error {
	_, err := s.db.ExecContext(ctx, `
		insert into oauth_auth_codes(
			code, client_id, user_id, entity_id, redirect_uri, scope,
			code_challenge, code_challenge_method, nonce, expires_at, created_at)
		values ($1,$2,$3,nullif($4,''),$5,$6,$7,$8,$9,$10,$11)
	`, code.Code, code.ClientID, code.UserID, code.EntityID, code.RedirectURI, code.Scope,
		code.CodeChallenge, code.CodeChallengeMethod, code.Nonce, code.ExpiresAt, code.CreatedAt)
	return err
}

// Consume flips consumed_at from null in one statement; the returning clause
// hands the winner the full record. A second caller matches zero rows, and
// the follow-up existence probe distinguishes consumed from unknown.
func (s *CodeStore) Consume(ctx context.Context, code string, at time.Time) (*oauth.AuthorizationCode, error) {
	var c oauth.AuthorizationCode
	var entityID sql.NullString
	var consumed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		update oauth_auth_codes set consumed_at = $2
		where code = $1 and consumed_at is null
		returning code, client_id, user_id, entity_id, redirect_uri, scope,
			code_challenge, code_challenge_method, nonce, expires_at, created_at, consumed_at
	`, code, at).Scan(&c.Code, &c.ClientID, &c.UserID, &entityID, &c.RedirectURI, &c.Scope,
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.Nonce, &c.ExpiresAt, &c.CreatedAt, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		probeErr := s.db.QueryRowContext(ctx,
			`select exists(select 1 from oauth_auth_codes where code = $1)`, code).Scan(&exists)
		if probeErr != nil {
			return nil, probeErr
		}
		if exists {
			return nil, oauth.ErrCodeConsumed
		}
		return nil, oauth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if entityID.Valid {
		c.EntityID = entityID.String
	}
	c.ConsumedAt = timePtr(consumed)
	return &c, nil
}

func (s *CodeStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from oauth_auth_codes where expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
