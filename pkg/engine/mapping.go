package engine

import (
	"sort"

	"github.com/platinummonkey/signsync/pkg/directory"
)

// MappingTable holds the configured directory-group mappings used to resolve
// a directory user into sign groups and admin roles.
type MappingTable struct {
	mappings           map[string]*GroupMapping
	accountAdminGroups map[string]bool
	groupAdminMappings map[string][]GroupRef
}

// NewMappingTable builds a mapping table. mappings must carry priorities in
// configuration order; accountAdminGroups lists directory groups whose
// members become account admins; groupAdminMappings maps directory groups to
// the sign groups their members administer.
func NewMappingTable(mappings []GroupMapping, accountAdminGroups []string, groupAdminMappings map[string][]GroupRef) *MappingTable {
	t := &MappingTable{
		mappings:           make(map[string]*GroupMapping, len(mappings)),
		accountAdminGroups: make(map[string]bool, len(accountAdminGroups)),
		groupAdminMappings: groupAdminMappings,
	}
	for i := range mappings {
		m := mappings[i]
		t.mappings[m.DirectoryGroup] = &m
	}
	for _, g := range accountAdminGroups {
		t.accountAdminGroups[g] = true
	}
	if t.groupAdminMappings == nil {
		t.groupAdminMappings = make(map[string][]GroupRef)
	}
	return t
}

// DirectoryGroups returns every directory group that appears in the mapping
// table, the set a "mapped users" run reads from the directory.
func (t *MappingTable) DirectoryGroups() []string {
	out := make([]string, 0, len(t.mappings))
	for g := range t.mappings {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// TargetGroups returns every sign group any mapping targets in the given
// org: the universe of groups this tool manages. Groups outside it are never
// removed from users.
func (t *MappingTable) TargetGroups(org string) map[string]bool {
	out := make(map[string]bool)
	for _, m := range t.mappings {
		for _, ref := range m.SignGroups {
			if ref.Org == org {
				out[ref.Name] = true
			}
		}
	}
	return out
}

// Resolve computes the sign groups and admin roles for one directory user.
// Mapping entries matching the user's directory groups are applied in
// ascending priority order; their target lists are unioned preserving
// first-seen order. Absent mappings contribute nothing.
func (t *MappingTable) Resolve(user *directory.User) *DirectoryUser {
	var matched []*GroupMapping
	for _, dirGroup := range user.Groups {
		if m, ok := t.mappings[dirGroup]; ok {
			matched = append(matched, m)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority < matched[j].Priority
	})

	var signGroups []GroupRef
	seen := make(map[GroupRef]bool)
	for _, m := range matched {
		for _, ref := range m.SignGroups {
			if !seen[ref] {
				seen[ref] = true
				signGroups = append(signGroups, ref)
			}
		}
	}

	isAccountAdmin := false
	for _, dirGroup := range user.Groups {
		if t.accountAdminGroups[dirGroup] {
			isAccountAdmin = true
			break
		}
	}

	isGroupAdmin := false
	var adminGroups []GroupRef
	adminSeen := make(map[GroupRef]bool)
	for _, dirGroup := range user.Groups {
		targets, ok := t.groupAdminMappings[dirGroup]
		if !ok {
			continue
		}
		isGroupAdmin = true
		for _, ref := range targets {
			if !adminSeen[ref] {
				adminSeen[ref] = true
				adminGroups = append(adminGroups, ref)
			}
		}
	}

	return &DirectoryUser{
		User:           user,
		SignGroups:     signGroups,
		IsAccountAdmin: isAccountAdmin,
		IsGroupAdmin:   isGroupAdmin,
		AdminGroups:    adminGroups,
	}
}
