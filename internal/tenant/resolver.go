package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// AccessContext is the resolved view of one user against one application.
// It is computed per request and carried explicitly; the core keeps no
// ambient "current entity" state.
type AccessContext struct {
	UserID      string
	AppID       string
	EntityID    string
	Role        Role
	SystemAdmin bool
	Permissions map[string]struct{}
	// Scope is nil for full access; otherwise downstream resource checks
	// must apply Scope.Value as an opaque record filter.
	Scope *MembershipScope
}

// HasRole compares role ordinals; system admins pass every check.
func (c AccessContext) HasRole(min Role) bool {
	if c.SystemAdmin {
		return true
	}
	return c.Role.AtLeast(min)
}

// HasPermission checks exact-slug membership in the resolved set.
func (c AccessContext) HasPermission(slug string) bool {
	if c.SystemAdmin {
		return true
	}
	_, ok := c.Permissions[slug]
	return ok
}

// PermissionSlugs returns the resolved permission set as a sorted-free slice
// suitable for embedding into token claims.
func (c AccessContext) PermissionSlugs() []string {
	out := make([]string, 0, len(c.Permissions))
	for slug := range c.Permissions {
		out = append(out, slug)
	}
	return out
}

// ResolveRequest selects the user and application to resolve, plus the
// explicitly chosen session entity if the login boundary provided one.
type ResolveRequest struct {
	UserID          string
	AppID           string
	SessionEntityID string
}

// Resolver computes effective entity, role and permissions.
type Resolver struct {
	store Store
}

// NewResolver constructs a Resolver over the given store.
func NewResolver(store Store) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("tenant: store is required")
	}
	return &Resolver{store: store}, nil
}

// ResolveContext computes the effective access context for a user and app.
//
// System admins short-circuit with unrestricted access. Otherwise the
// effective entity is the explicitly chosen session entity when present,
// else the entity of the user's earliest-created membership. The permission
// set is the role baseline intersected with the app's registered catalog,
// narrowed by any membership scope for that app.
func (r *Resolver) ResolveContext(ctx context.Context, req ResolveRequest) (AccessContext, error) {
	userID := strings.TrimSpace(req.UserID)
	appID := strings.TrimSpace(req.AppID)
	if userID == "" || appID == "" {
		return AccessContext{}, fmt.Errorf("%w: user and app are required", ErrInvalidInput)
	}

	user, err := r.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return AccessContext{}, err
	}
	if user.GlobalRole == GlobalRoleSystemAdmin {
		return AccessContext{
			UserID:      userID,
			AppID:       appID,
			SystemAdmin: true,
		}, nil
	}

	membership, err := r.effectiveMembership(ctx, userID, req.SessionEntityID)
	if err != nil {
		return AccessContext{}, err
	}

	catalog, err := r.appCatalog(ctx, appID)
	if err != nil {
		return AccessContext{}, err
	}

	access := AccessContext{
		UserID:      userID,
		AppID:       appID,
		EntityID:    membership.EntityID,
		Role:        membership.Role,
		Permissions: intersect(BaselineFor(membership.Role), catalog),
	}

	scope, err := r.store.Memberships(ctx).Scope(ctx, membership.ID, appID)
	switch {
	case errors.Is(err, ErrNotFound):
		// No scope row means no extra restriction.
	case err != nil:
		return AccessContext{}, err
	case scope.Type != ScopeFullAccess:
		access.Scope = scope
	}
	return access, nil
}

// CanManageEntity reports whether the user may edit the given entity.
//
// A direct membership with role manager or higher suffices. A user holding
// manager or higher on the entity's direct parent may also edit it; the
// inheritance is exactly one level deep and never recurses to grandparents.
func (r *Resolver) CanManageEntity(ctx context.Context, userID, entityID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	entityID = strings.TrimSpace(entityID)
	if userID == "" || entityID == "" {
		return false, fmt.Errorf("%w: user and entity are required", ErrInvalidInput)
	}

	user, err := r.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return false, err
	}
	if user.GlobalRole == GlobalRoleSystemAdmin {
		return true, nil
	}

	memberships := r.store.Memberships(ctx)
	direct, err := memberships.Find(ctx, userID, entityID)
	switch {
	case err == nil:
		if direct.Role.AtLeast(RoleManager) {
			return true, nil
		}
	case !errors.Is(err, ErrNotFound):
		return false, err
	}

	entity, err := r.store.Entities(ctx).Find(ctx, entityID)
	if err != nil {
		return false, err
	}
	if entity.ParentID == "" {
		return false, nil
	}
	parent, err := memberships.Find(ctx, userID, entity.ParentID)
	switch {
	case errors.Is(err, ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return parent.Role.AtLeast(RoleManager), nil
}

// CheckLicense verifies the entity holds a usable (active or trial) license
// for the application. System-admin contexts skip the check at the caller.
func (r *Resolver) CheckLicense(ctx context.Context, entityID, appID string) error {
	lic, err := r.store.Licenses(ctx).Find(ctx, entityID, appID)
	if err != nil {
		return err
	}
	if !lic.Status.Usable() {
		return fmt.Errorf("%w: license status %s", ErrNoMembership, lic.Status)
	}
	return nil
}

func (r *Resolver) effectiveMembership(ctx context.Context, userID, sessionEntityID string) (*Membership, error) {
	memberships := r.store.Memberships(ctx)
	if sessionEntityID = strings.TrimSpace(sessionEntityID); sessionEntityID != "" {
		m, err := memberships.Find(ctx, userID, sessionEntityID)
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNoMembership
		}
		return m, err
	}
	list, err := memberships.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNoMembership
	}
	return list[0], nil
}

func (r *Resolver) appCatalog(ctx context.Context, appID string) (map[string]struct{}, error) {
	perms, err := r.store.Permissions(ctx).ListByApp(ctx, appID)
	if err != nil {
		return nil, err
	}
	catalog := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		catalog[p.Slug()] = struct{}{}
	}
	return catalog, nil
}
