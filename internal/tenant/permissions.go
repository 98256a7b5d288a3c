package tenant

// Entity-management permission slugs shared by every application catalog.
const (
	PermEntityView     = "entity:view"
	PermEntityEdit     = "entity:edit"
	PermMembersView    = "members:view"
	PermMembersManage  = "members:manage"
	PermSettingsView   = "settings:view"
	PermSettingsManage = "settings:manage"
)

// Hub-administration slugs, registered for the hub's own application.
const (
	PermClientsManage  = "clients:manage"
	PermWebhooksManage = "webhooks:manage"
	PermKeysRotate     = "keys:rotate"
)

// roleBaselines maps each role to its entity-management baseline.
// Owner and admin carry the full baseline; managers may view and edit
// sub-entities but not manage members or settings; members get nothing.
var roleBaselines = map[Role][]string{
	RoleOwner: {
		PermEntityView, PermEntityEdit,
		PermMembersView, PermMembersManage,
		PermSettingsView, PermSettingsManage,
	},
	RoleAdmin: {
		PermEntityView, PermEntityEdit,
		PermMembersView, PermMembersManage,
		PermSettingsView, PermSettingsManage,
	},
	RoleManager: {
		PermEntityView, PermEntityEdit,
	},
	RoleMember: nil,
}

// BaselineFor returns a copy of the static permission baseline for role.
func BaselineFor(role Role) []string {
	base := roleBaselines[role]
	out := make([]string, len(base))
	copy(out, base)
	return out
}

// intersect keeps only the baseline slugs present in the registered catalog.
func intersect(baseline []string, catalog map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(baseline))
	for _, slug := range baseline {
		if _, ok := catalog[slug]; ok {
			out[slug] = struct{}{}
		}
	}
	return out
}
