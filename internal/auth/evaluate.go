package auth

import "github.com/datastelsel/dsogateway/internal/schema"

// Pure access checks over (UserScopes, schema node). Ancestor auth
// dominates at every level: the effective requirement of a node is the
// union of its own auth and that of its ancestors.

// HasDatasetAccess reports whether the caller may see the dataset at all.
func HasDatasetAccess(u UserScopes, d *schema.Dataset) bool {
	if d.Auth.SubsetOf(u.Granted) {
		return true
	}
	for _, p := range u.Profiles {
		if p.Datasets[d.ID] != nil {
			return true
		}
	}
	return false
}

// HasTableAccess reports whether the caller may query the table, either
// through its scope chain or through a profile whose mandatory filter
// sets are satisfied by the request.
func HasTableAccess(u UserScopes, t *schema.Table) bool {
	if t.AuthChain().SubsetOf(u.Granted) {
		return true
	}
	return len(activeProfileTables(u, t)) > 0
}

// FieldPermission returns the effective permission on a field. Scope-based
// access grants unrestricted read; otherwise the most permissive grant of
// the active profiles applies.
func FieldPermission(u UserScopes, f *schema.Field) Permission {
	if f.AuthChain().SubsetOf(u.Granted) {
		return Permission{Kind: PermRead}
	}
	perm := Permission{}
	for _, pt := range activeProfileTables(u, f.Table) {
		perm = MostPermissive(perm, pt.FieldPermission(f.ID))
	}
	return perm
}

// activeProfileTables returns the table rules of profiles that activate
// for this request on the given table.
func activeProfileTables(u UserScopes, t *schema.Table) []*ProfileTable {
	var out []*ProfileTable
	for _, p := range u.Profiles {
		pt := p.Table(t.Dataset.ID, t.ID)
		if pt != nil && pt.Activates(u.QueryParams) {
			out = append(out, pt)
		}
	}
	return out
}

// activeProfileIDs returns the ids of profiles activating on the table,
// for the audit event.
func activeProfileIDs(u UserScopes, t *schema.Table) []string {
	var out []string
	for _, p := range u.Profiles {
		pt := p.Table(t.Dataset.ID, t.ID)
		if pt != nil && pt.Activates(u.QueryParams) {
			out = append(out, p.ID)
		}
	}
	return out
}

// MandatoryFieldPaths returns the set of field paths named by any
// mandatory filter set of an activating profile. Filters on these paths
// are exempt from the per-field readability check: the profile demands
// them precisely so that callers without field scopes can still filter.
func MandatoryFieldPaths(u UserScopes, t *schema.Table) map[string]bool {
	out := map[string]bool{}
	for _, p := range u.Profiles {
		pt := p.Table(t.Dataset.ID, t.ID)
		if pt == nil || !pt.Activates(u.QueryParams) {
			continue
		}
		for _, set := range pt.MandatoryFilterSets {
			for _, f := range set {
				out[f] = true
			}
		}
	}
	return out
}
