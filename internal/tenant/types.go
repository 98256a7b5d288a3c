package tenant

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("tenant: not found")
	ErrInvalidInput = errors.New("tenant: invalid input")
	ErrNoMembership = errors.New("tenant: no membership")
	ErrConflict     = errors.New("tenant: resource conflict")
)

// GlobalRole is the user-level role, orthogonal to entity memberships.
// System admins bypass all tenant checks.
type GlobalRole string

const (
	GlobalRoleOrdinary    GlobalRole = "ordinary"
	GlobalRoleSystemAdmin GlobalRole = "system_admin"
)

// Role is the closed set of membership roles, ordered strictly:
// owner > admin > manager > member.
type Role string

const (
	RoleMember  Role = "member"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
	RoleOwner   Role = "owner"
)

var roleOrdinals = map[Role]int{
	RoleMember:  1,
	RoleManager: 2,
	RoleAdmin:   3,
	RoleOwner:   4,
}

// ParseRole validates a stored role value against the closed enum.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.TrimSpace(strings.ToLower(raw)))
	if _, ok := roleOrdinals[role]; !ok {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
	return role, nil
}

// Ordinal returns the role's rank; unknown roles rank below member.
func (r Role) Ordinal() int {
	return roleOrdinals[r]
}

// AtLeast reports whether r ranks at or above min.
func (r Role) AtLeast(min Role) bool {
	return roleOrdinals[r] >= roleOrdinals[min] && roleOrdinals[r] > 0
}

// ScopeType narrows record visibility per (membership, application).
type ScopeType string

const (
	ScopeFullAccess ScopeType = "full_access"
	ScopeCustomer   ScopeType = "customer"
	ScopeRegion     ScopeType = "region"
	ScopeCustom     ScopeType = "custom"
)

// ValidScopeType reports whether t belongs to the closed scope set.
func ValidScopeType(t ScopeType) bool {
	switch t {
	case ScopeFullAccess, ScopeCustomer, ScopeRegion, ScopeCustom:
		return true
	}
	return false
}

// LicenseStatus gates token issuance: only active and trial licenses pass.
type LicenseStatus string

const (
	LicenseTrial     LicenseStatus = "trial"
	LicenseActive    LicenseStatus = "active"
	LicenseSuspended LicenseStatus = "suspended"
	LicenseCancelled LicenseStatus = "cancelled"
	LicenseExpired   LicenseStatus = "expired"
)

// Usable reports whether the license permits issuing tokens.
func (s LicenseStatus) Usable() bool {
	return s == LicenseActive || s == LicenseTrial
}

// ParseLicenseStatus validates a raw value against the closed status set.
func ParseLicenseStatus(raw string) (LicenseStatus, error) {
	status := LicenseStatus(strings.TrimSpace(strings.ToLower(raw)))
	switch status {
	case LicenseTrial, LicenseActive, LicenseSuspended, LicenseCancelled, LicenseExpired:
		return status, nil
	}
	return "", fmt.Errorf("%w: unknown license status %q", ErrInvalidInput, raw)
}

// User is an identity record. PasswordHash may be empty when the user
// authenticates externally.
type User struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	GlobalRole   GlobalRole `json:"global_role"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Entity is a tenant node. ParentID empty means the entity is a forest root;
// the parent graph must stay acyclic.
type Entity struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Membership joins a user to an entity with a role.
// At most one membership exists per (user, entity) pair.
type Membership struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	EntityID  string    `json:"entity_id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// MembershipScope restricts the records a membership can see inside one
// application. The Value is opaque to the core and handed to the application.
type MembershipScope struct {
	MembershipID string    `json:"membership_id"`
	AppID        string    `json:"app_id"`
	Type         ScopeType `json:"type"`
	Value        string    `json:"value,omitempty"`
}

// License grants an entity access to an application.
type License struct {
	ID        string        `json:"id"`
	EntityID  string        `json:"entity_id"`
	AppID     string        `json:"app_id"`
	Status    LicenseStatus `json:"status"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Permission is a registered (app, resource, action) tuple. The slug is
// always "resource:action"; free-form permission strings are rejected.
type Permission struct {
	ID       string `json:"id"`
	AppID    string `json:"app_id"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// Slug returns the canonical "resource:action" form.
func (p Permission) Slug() string {
	return p.Resource + ":" + p.Action
}

// NewPermission validates and builds a permission tuple.
func NewPermission(appID, resource, action string) (Permission, error) {
	appID = strings.TrimSpace(appID)
	resource = strings.TrimSpace(strings.ToLower(resource))
	action = strings.TrimSpace(strings.ToLower(action))
	if appID == "" || resource == "" || action == "" {
		return Permission{}, fmt.Errorf("%w: app, resource and action are required", ErrInvalidInput)
	}
	if strings.Contains(resource, ":") || strings.Contains(action, ":") {
		return Permission{}, fmt.Errorf("%w: resource and action must not contain ':'", ErrInvalidInput)
	}
	return Permission{AppID: appID, Resource: resource, Action: action}, nil
}
