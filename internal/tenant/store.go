package tenant

import "context"

// Store describes persistence operations required by the resolver.
type Store interface {
	Users(ctx context.Context) UserStore
	Entities(ctx context.Context) EntityStore
	Memberships(ctx context.Context) MembershipStore
	Permissions(ctx context.Context) PermissionStore
	Licenses(ctx context.Context) LicenseStore
}

// UserStore manages identity records.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
}

// EntityStore manages the tenant tree.
type EntityStore interface {
	Create(ctx context.Context, e *Entity) error
	Find(ctx context.Context, id string) (*Entity, error)
	FindBySlug(ctx context.Context, slug string) (*Entity, error)
	Children(ctx context.Context, parentID string) ([]*Entity, error)
}

// MembershipStore manages user-entity joins and their per-app scopes.
type MembershipStore interface {
	Create(ctx context.Context, m *Membership) error
	// Find returns the membership for (user, entity), ErrNotFound otherwise.
	Find(ctx context.Context, userID, entityID string) (*Membership, error)
	// ListByUser returns memberships ordered by creation time ascending.
	ListByUser(ctx context.Context, userID string) ([]*Membership, error)
	Scope(ctx context.Context, membershipID, appID string) (*MembershipScope, error)
	SetScope(ctx context.Context, scope *MembershipScope) error
}

// PermissionStore manages per-application permission catalogs.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	ListByApp(ctx context.Context, appID string) ([]Permission, error)
}

// LicenseStore manages entity entitlements per application.
type LicenseStore interface {
	Create(ctx context.Context, lic *License) error
	// Find returns the license for (entity, app), ErrNotFound otherwise.
	Find(ctx context.Context, entityID, appID string) (*License, error)
	SetStatus(ctx context.Context, id string, status LicenseStatus) error
}
