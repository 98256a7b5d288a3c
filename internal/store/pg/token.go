package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"authhub.org/internal/token"
)

// KeyStore persists signing keys.
type KeyStore struct {
	db *sql.DB
}

var _ token.KeyStore = (*KeyStore)(nil)

func (s *KeyStore) Active(ctx context.Context) (*token.SigningKey, error) {
	row := s.db.QueryRowContext(ctx, `
		select kid, status, private_pem, public_pem, created_at, retire_at
		from signing_keys where status = 'active'
	`)
	key, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrNotFound
	}
	return key, err
}

func (s *KeyStore) Verifiable(ctx context.Context) ([]*token.SigningKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		select kid, status, private_pem, public_pem, created_at, retire_at
		from signing_keys where status in ('active','retiring')
		order by created_at desc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*token.SigningKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, key)
	}
	return res, rows.Err()
}

// Rotate demotes the active key, retires keys past the overlap window and
// installs the new active key in one transaction. The table lock serializes
// concurrent rotations.
func (s *KeyStore) Rotate(ctx context.Context, next *token.SigningKey, overlap time.Duration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `lock table signing_keys in exclusive mode`); err != nil {
		return err
	}
	now := time.Now().UTC()
	retireAt := now.Add(overlap)
	if _, err := tx.ExecContext(ctx, `
		update signing_keys set status = 'retiring', retire_at = $1 where status = 'active'
	`, retireAt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update signing_keys set status = 'retired' where status = 'retiring' and retire_at <= $1
	`, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into signing_keys(kid, status, private_pem, public_pem, created_at)
		values ($1,'active',$2,$3,$4)
	`, next.Kid, next.PrivatePEM, next.PublicPEM, next.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func scanKey(row rowScanner) (*token.SigningKey, error) {
	var key token.SigningKey
	var status string
	var retireAt sql.NullTime
	if err := row.Scan(&key.Kid, &status, &key.PrivatePEM, &key.PublicPEM, &key.CreatedAt, &retireAt); err != nil {
		return nil, err
	}
	key.Status = token.KeyStatus(status)
	key.RetireAt = timePtr(retireAt)
	return &key, nil
}

// RefreshTokenStore persists refresh-token lineage.
type RefreshTokenStore struct {
	db *sql.DB
}

var _ token.RefreshTokenStore = (*RefreshTokenStore)(nil)

func (s *RefreshTokenStore) Create(ctx context.Context, tok *token.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens(
			id, user_id, client_id, entity_id, family_id, scope, token_hash,
			expires_at, created_at)
		values ($1,$2,$3,nullif($4,''),$5,$6,$7,$8,$9)
	`, tok.ID, tok.UserID, tok.ClientID, tok.EntityID, tok.FamilyID, tok.Scope, tok.TokenHash,
		tok.ExpiresAt, tok.CreatedAt)
	return err
}

func (s *RefreshTokenStore) Find(ctx context.Context, id string) (*token.RefreshToken, error) {
	var tok token.RefreshToken
	var entityID sql.NullString
	var retired, revoked sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, client_id, entity_id, family_id, scope, token_hash,
			expires_at, created_at, retired_at, revoked_at
		from refresh_tokens where id = $1
	`, id).Scan(&tok.ID, &tok.UserID, &tok.ClientID, &entityID, &tok.FamilyID, &tok.Scope,
		&tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt, &retired, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, token.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if entityID.Valid {
		tok.EntityID = entityID.String
	}
	tok.RetiredAt = timePtr(retired)
	tok.RevokedAt = timePtr(revoked)
	return &tok, nil
}

// Retire is a compare-and-set on retired_at; of two concurrent rotations
// exactly one sees RowsAffected == 1.
func (s *RefreshTokenStore) Retire(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set retired_at = $2
		where id = $1 and retired_at is null
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RefreshTokenStore) RevokeFamily(ctx context.Context, familyID string) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = now()
		where family_id = $1 and revoked_at is null
	`, familyID)
	return err
}

func (s *RefreshTokenStore) RevokeByUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked_at = now()
		where user_id = $1 and revoked_at is null
	`, userID)
	return err
}
