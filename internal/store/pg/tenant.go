package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"authhub.org/internal/ids"
	"authhub.org/internal/tenant"
)

type userStore struct {
	db *sql.DB
}

func (s *userStore) Create(ctx context.Context, u *tenant.User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.GlobalRole == "" {
		u.GlobalRole = tenant.GlobalRoleOrdinary
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		insert into users(id, email, password_hash, global_role, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6)
	`, u.ID, strings.ToLower(u.Email), u.PasswordHash, string(u.GlobalRole), u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return tenant.ErrConflict
	}
	return err
}

func (s *userStore) Find(ctx context.Context, id string) (*tenant.User, error) {
	return s.scanOne(ctx, `
		select id, email, password_hash, global_role, created_at, updated_at
		from users where id = $1
	`, id)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*tenant.User, error) {
	return s.scanOne(ctx, `
		select id, email, password_hash, global_role, created_at, updated_at
		from users where email = $1
	`, strings.ToLower(email))
}

func (s *userStore) scanOne(ctx context.Context, query string, arg any) (*tenant.User, error) {
	var u tenant.User
	var role string
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.GlobalRole = tenant.GlobalRole(role)
	return &u, nil
}

type entityStore struct {
	db *sql.DB
}

func (s *entityStore) Create(ctx context.Context, e *tenant.Entity) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		insert into entities(id, slug, name, parent_id, created_at, updated_at)
		values ($1,$2,$3,nullif($4,''),$5,$6)
	`, e.ID, e.Slug, e.Name, e.ParentID, e.CreatedAt, e.UpdatedAt)
	if isUniqueViolation(err) {
		return tenant.ErrConflict
	}
	return err
}

func (s *entityStore) Find(ctx context.Context, id string) (*tenant.Entity, error) {
	return s.scanOne(ctx, `
		select id, slug, name, coalesce(parent_id,''), created_at, updated_at
		from entities where id = $1
	`, id)
}

func (s *entityStore) FindBySlug(ctx context.Context, slug string) (*tenant.Entity, error) {
	return s.scanOne(ctx, `
		select id, slug, name, coalesce(parent_id,''), created_at, updated_at
		from entities where slug = $1
	`, slug)
}

func (s *entityStore) Children(ctx context.Context, parentID string) ([]*tenant.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, slug, name, coalesce(parent_id,''), created_at, updated_at
		from entities where parent_id = $1
		order by created_at asc
	`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*tenant.Entity
	for rows.Next() {
		var e tenant.Entity
		if err := rows.Scan(&e.ID, &e.Slug, &e.Name, &e.ParentID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, &e)
	}
	return res, rows.Err()
}

func (s *entityStore) scanOne(ctx context.Context, query string, arg any) (*tenant.Entity, error) {
	var e tenant.Entity
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&e.ID, &e.Slug, &e.Name, &e.ParentID, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type membershipStore struct {
	db *sql.DB
}

func (s *membershipStore) Create(ctx context.Context, m *tenant.Membership) error {
	if _, err := tenant.ParseRole(string(m.Role)); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = ids.New()
	}
	m.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		insert into memberships(id, user_id, entity_id, role, created_at)
		values ($1,$2,$3,$4,$5)
	`, m.ID, m.UserID, m.EntityID, string(m.Role), m.CreatedAt)
	if isUniqueViolation(err) {
		return tenant.ErrConflict
	}
	return err
}

func (s *membershipStore) Find(ctx context.Context, userID, entityID string) (*tenant.Membership, error) {
	var m tenant.Membership
	var role string
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, entity_id, role, created_at
		from memberships where user_id = $1 and entity_id = $2
	`, userID, entityID).Scan(&m.ID, &m.UserID, &m.EntityID, &role, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Role = tenant.Role(role)
	return &m, nil
}

func (s *membershipStore) ListByUser(ctx context.Context, userID string) ([]*tenant.Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, entity_id, role, created_at
		from memberships where user_id = $1
		order by created_at asc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*tenant.Membership
	for rows.Next() {
		var m tenant.Membership
		var role string
		if err := rows.Scan(&m.ID, &m.UserID, &m.EntityID, &role, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = tenant.Role(role)
		res = append(res, &m)
	}
	return res, rows.Err()
}

func (s *membershipStore) Scope(ctx context.Context, membershipID, appID string) (*tenant.MembershipScope, error) {
	var sc tenant.MembershipScope
	var scopeType string
	err := s.db.QueryRowContext(ctx, `
		select membership_id, app_id, scope_type, coalesce(scope_value,'')
		from membership_scopes where membership_id = $1 and app_id = $2
	`, membershipID, appID).Scan(&sc.MembershipID, &sc.AppID, &scopeType, &sc.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sc.Type = tenant.ScopeType(scopeType)
	return &sc, nil
}

func (s *membershipStore) SetScope(ctx context.Context, scope *tenant.MembershipScope) error {
	if !tenant.ValidScopeType(scope.Type) {
		return tenant.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		insert into membership_scopes(membership_id, app_id, scope_type, scope_value)
		values ($1,$2,$3,nullif($4,''))
		on conflict (membership_id, app_id) do update
		set scope_type = excluded.scope_type, scope_value = excluded.scope_value
	`, scope.MembershipID, scope.AppID, string(scope.Type), scope.Value)
	return err
}

type permissionStore struct {
	db *sql.DB
}

func (s *permissionStore) Ensure(ctx context.Context, perms []tenant.Permission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, p := range perms {
		id := p.ID
		if id == "" {
			id = ids.New()
		}
		if _, err := tx.ExecContext(ctx, `
			insert into permissions(id, app_id, resource, action)
			values ($1,$2,$3,$4)
			on conflict (app_id, resource, action) do nothing
		`, id, p.AppID, p.Resource, p.Action); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *permissionStore) ListByApp(ctx context.Context, appID string) ([]tenant.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, app_id, resource, action
		from permissions where app_id = $1
		order by resource asc, action asc
	`, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []tenant.Permission
	for rows.Next() {
		var p tenant.Permission
		if err := rows.Scan(&p.ID, &p.AppID, &p.Resource, &p.Action); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

type licenseStore struct {
	db *sql.DB
}

func (s *licenseStore) Create(ctx context.Context, lic *tenant.License) error {
	if lic.ID == "" {
		lic.ID = ids.New()
	}
	if lic.Status == "" {
		lic.Status = tenant.LicenseTrial
	}
	lic.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		insert into licenses(id, entity_id, app_id, status, expires_at, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, lic.ID, lic.EntityID, lic.AppID, string(lic.Status), nullTime(lic.ExpiresAt), lic.CreatedAt)
	if isUniqueViolation(err) {
		return tenant.ErrConflict
	}
	return err
}

func (s *licenseStore) Find(ctx context.Context, entityID, appID string) (*tenant.License, error) {
	var lic tenant.License
	var status string
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select id, entity_id, app_id, status, expires_at, created_at
		from licenses where entity_id = $1 and app_id = $2
	`, entityID, appID).Scan(&lic.ID, &lic.EntityID, &lic.AppID, &status, &expires, &lic.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	lic.Status = tenant.LicenseStatus(status)
	lic.ExpiresAt = timePtr(expires)
	return &lic, nil
}

func (s *licenseStore) SetStatus(ctx context.Context, id string, status tenant.LicenseStatus) error {
	res, err := s.db.ExecContext(ctx, `update licenses set status = $2 where id = $1`, id, string(status))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return tenant.ErrNotFound
	}
	return nil
}

// isUniqueViolation sniffs the pgx error text for a 23505 without importing
// pgconn directly; sqlmock-driven tests return plain errors.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key value")
}
