package config

import (
	"fmt"

	"github.com/platinummonkey/signsync/pkg/engine"
	"github.com/platinummonkey/signsync/pkg/observability"
)

// GroupMappings converts the user_management list into ordered group
// mappings. The first occurrence of a directory group fixes its priority;
// later entries for the same group append their targets.
func (c *Config) GroupMappings() ([]engine.GroupMapping, error) {
	byGroup := make(map[string]*engine.GroupMapping)
	var order []string
	for i, rule := range c.UserManagement {
		m, ok := byGroup[rule.DirectoryGroup]
		if !ok {
			m = &engine.GroupMapping{DirectoryGroup: rule.DirectoryGroup, Priority: i}
			byGroup[rule.DirectoryGroup] = m
			order = append(order, rule.DirectoryGroup)
		}
		for _, sg := range rule.SignGroups {
			ref, err := engine.ParseGroupRef(sg)
			if err != nil {
				return nil, fmt.Errorf("user_management[%d]: %w", i, err)
			}
			if _, known := c.SignOrgs[ref.Org]; !known {
				return nil, fmt.Errorf("user_management[%d]: sign group %q references unknown org %q", i, sg, ref.Org)
			}
			seen := false
			for _, existing := range m.SignGroups {
				if existing == ref {
					seen = true
					break
				}
			}
			if !seen {
				m.SignGroups = append(m.SignGroups, ref)
			}
		}
	}

	out := make([]engine.GroupMapping, 0, len(order))
	for _, g := range order {
		out = append(out, *byGroup[g])
	}
	return out, nil
}

// AccountAdminGroupsResolved merges the top-level account_admin_groups list
// with the deprecated per-mapping account_admin flag.
func (c *Config) AccountAdminGroupsResolved(logger *observability.Logger) []string {
	groups := make(map[string]bool)
	deprecated := false
	for _, rule := range c.UserManagement {
		if rule.AccountAdmin == nil {
			continue
		}
		deprecated = true
		if *rule.AccountAdmin {
			groups[rule.DirectoryGroup] = true
		}
	}
	if deprecated {
		logger.Warn("Deprecation warning: the 'account_admin' flag inside a group mapping is deprecated, use 'account_admin_groups'")
	}
	for _, g := range c.AccountAdminGroups {
		groups[g] = true
	}
	out := make([]string, 0, len(groups))
	for g := range groups {
		out = append(out, g)
	}
	return out
}

// GroupAdminMappings converts the group_admin / admin_groups settings into a
// directory-group to sign-group mapping.
//
// A mapping with group_admin and no sign groups is only meaningful outside
// managed-group mode, where admin status applies to the user's current
// group; with UMG it is a configuration error. admin_groups entries must be
// drawn from the mapping's own sign_group list.
func (c *Config) GroupAdminMappings(logger *observability.Logger) (map[string][]engine.GroupRef, error) {
	umg := c.UserSync.UMG
	out := make(map[string][]engine.GroupRef)

	add := func(dirGroup string, ref engine.GroupRef) {
		for _, existing := range out[dirGroup] {
			if existing == ref {
				return
			}
		}
		out[dirGroup] = append(out[dirGroup], ref)
	}

	for i, rule := range c.UserManagement {
		if !rule.GroupAdmin {
			continue
		}
		if len(rule.SignGroups) == 0 {
			if umg {
				return nil, fmt.Errorf("user_management[%d]: group_admin requires at least one sign_group when umg is enabled", i)
			}
			// presence alone marks members as group admins of their
			// current group
			if _, ok := out[rule.DirectoryGroup]; !ok {
				out[rule.DirectoryGroup] = nil
			}
			continue
		}

		if len(rule.AdminGroups) == 0 {
			ref, err := engine.ParseGroupRef(rule.SignGroups[0])
			if err != nil {
				return nil, fmt.Errorf("user_management[%d]: %w", i, err)
			}
			add(rule.DirectoryGroup, ref)
			continue
		}

		if !umg {
			logger.Warnf("Ignoring 'admin_groups' for %q because umg is disabled", rule.DirectoryGroup)
			continue
		}

		signGroups := make(map[engine.GroupRef]bool, len(rule.SignGroups))
		for _, sg := range rule.SignGroups {
			ref, err := engine.ParseGroupRef(sg)
			if err != nil {
				return nil, fmt.Errorf("user_management[%d]: %w", i, err)
			}
			signGroups[ref] = true
		}
		for _, ag := range rule.AdminGroups {
			ref, err := engine.ParseGroupRef(ag)
			if err != nil {
				return nil, fmt.Errorf("user_management[%d]: %w", i, err)
			}
			if !signGroups[ref] {
				logger.Warnf("Skipping admin group %q because it isn't in the mapping's sign_group list", ag)
				continue
			}
			add(rule.DirectoryGroup, ref)
		}
	}
	return out, nil
}

// EnginePrimaryGroupRules converts the primary_group_rules section. Rules
// only apply in managed-group mode.
func (c *Config) EnginePrimaryGroupRules() []engine.PrimaryGroupRule {
	if !c.UserSync.UMG {
		return nil
	}
	out := make([]engine.PrimaryGroupRule, 0, len(c.PrimaryGroupRules))
	for _, rule := range c.PrimaryGroupRules {
		out = append(out, engine.PrimaryGroupRule{
			Required: append([]string(nil), rule.SignGroups...),
			Primary:  rule.PrimaryGroup,
		})
	}
	return out
}

// MappingTable builds the engine's mapping table from the configuration
func (c *Config) MappingTable(logger *observability.Logger) (*engine.MappingTable, error) {
	mappings, err := c.GroupMappings()
	if err != nil {
		return nil, err
	}
	adminMappings, err := c.GroupAdminMappings(logger)
	if err != nil {
		return nil, err
	}
	return engine.NewMappingTable(mappings, c.AccountAdminGroupsResolved(logger), adminMappings), nil
}

// EngineOptions builds the engine run options. testMode overrides the
// configured invocation default.
func (c *Config) EngineOptions(testMode bool) (engine.Options, error) {
	limit, err := engine.ParseStrayLimit(string(c.UserSync.SignOnlyLimit))
	if err != nil {
		return engine.Options{}, fmt.Errorf("user_sync.sign_only_limit: %w", err)
	}
	action, err := engine.ParseSignOnlyAction(c.UserSync.SignOnlyUserAction)
	if err != nil {
		return engine.Options{}, fmt.Errorf("user_sync.sign_only_user_action: %w", err)
	}

	opts := engine.Options{
		UMG:            c.UserSync.UMG,
		TestMode:       testMode || c.InvocationDefaults.TestMode,
		SignOnlyAction: action,
		SignOnlyLimit:  limit,
	}
	if c.InvocationDefaults.Users == "mapped" {
		for _, rule := range c.UserManagement {
			opts.DirectoryGroupFilter = append(opts.DirectoryGroupFilter, rule.DirectoryGroup)
		}
	}
	return opts, nil
}
