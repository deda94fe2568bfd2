package engine

import (
	"fmt"
	"strings"

	"github.com/platinummonkey/signsync/pkg/directory"
)

// DefaultOrgName is the org a group reference belongs to when the
// configuration does not qualify it.
const DefaultOrgName = "primary"

// GroupRef identifies a sign group by case-insensitive name within a target
// org. Group identity in the sign service is the lower-cased name; the
// wrapper keeps call sites from sprinkling strings.ToLower everywhere.
type GroupRef struct {
	Org  string
	Name string
}

// ParseGroupRef parses "org::group" or a bare "group" (implying the default
// org). Names are normalized to lower case.
func ParseGroupRef(s string) (GroupRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return GroupRef{}, fmt.Errorf("empty group reference")
	}
	org := DefaultOrgName
	name := s
	if idx := strings.Index(s, "::"); idx >= 0 {
		org = strings.TrimSpace(s[:idx])
		name = strings.TrimSpace(s[idx+2:])
		if org == "" {
			org = DefaultOrgName
		}
		if name == "" {
			return GroupRef{}, fmt.Errorf("bad group reference %q", s)
		}
	}
	return GroupRef{Org: strings.ToLower(org), Name: strings.ToLower(name)}, nil
}

// NewGroupRef builds a normalized reference from an org and a group name
func NewGroupRef(org, name string) GroupRef {
	return GroupRef{Org: strings.ToLower(org), Name: strings.ToLower(name)}
}

// NormalizeGroupName lower-cases a sign group name for identity comparison
func NormalizeGroupName(name string) string {
	return strings.ToLower(name)
}

func (r GroupRef) String() string {
	return r.Org + "::" + r.Name
}

// GroupMapping maps one directory group onto a list of sign groups. Priority
// is the position in the configuration file; lower wins when a user matches
// several mappings.
type GroupMapping struct {
	DirectoryGroup string
	Priority       int
	SignGroups     []GroupRef
}

// PrimaryGroupRule selects a primary group for users whose group set fully
// contains Required. Rules are evaluated in configuration order.
type PrimaryGroupRule struct {
	Required []string
	Primary  string
}

// SignOnlyAction is the policy applied to sign users that have no directory
// counterpart.
type SignOnlyAction string

const (
	SignOnlyExclude      SignOnlyAction = "exclude"
	SignOnlyReset        SignOnlyAction = "reset"
	SignOnlyDeactivate   SignOnlyAction = "deactivate"
	SignOnlyRemoveRoles  SignOnlyAction = "remove_roles"
	SignOnlyRemoveGroups SignOnlyAction = "remove_groups"
)

// ParseSignOnlyAction validates a configured sign-only policy
func ParseSignOnlyAction(s string) (SignOnlyAction, error) {
	switch SignOnlyAction(s) {
	case SignOnlyExclude, SignOnlyReset, SignOnlyDeactivate, SignOnlyRemoveRoles, SignOnlyRemoveGroups:
		return SignOnlyAction(s), nil
	}
	return "", fmt.Errorf("unknown sign_only_user_action %q", s)
}

// StrayLimit caps how many sign-only users may be acted on per org, either
// as an absolute count or a percentage of the remote user base.
type StrayLimit struct {
	Percent bool
	Value   int
}

// ParseStrayLimit accepts an integer count or an "N%" string
func ParseStrayLimit(s string) (StrayLimit, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return StrayLimit{}, fmt.Errorf("empty sign_only_limit")
	}
	if strings.HasSuffix(s, "%") {
		var pct int
		if _, err := fmt.Sscanf(s, "%d%%", &pct); err != nil || pct < 0 {
			return StrayLimit{}, fmt.Errorf("bad sign_only_limit %q", s)
		}
		return StrayLimit{Percent: true, Value: pct}, nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n < 0 {
		return StrayLimit{}, fmt.Errorf("bad sign_only_limit %q", s)
	}
	return StrayLimit{Value: n}, nil
}

// Exceeded reports whether strayCount is over the limit given the total
// remote user count.
func (l StrayLimit) Exceeded(strayCount, totalUsers int) bool {
	allowed := l.Value
	if l.Percent {
		allowed = totalUsers * l.Value / 100
	}
	return strayCount > allowed
}

func (l StrayLimit) String() string {
	if l.Percent {
		return fmt.Sprintf("%d%%", l.Value)
	}
	return fmt.Sprintf("%d", l.Value)
}

// Options control a sync run
type Options struct {
	// UMG enables multi-group membership with per-group admin rights.
	// When disabled each user effectively has a single (primary) group.
	UMG bool

	// TestMode is propagated to the sign connectors; write calls are logged
	// but not sent.
	TestMode bool

	SignOnlyAction SignOnlyAction
	SignOnlyLimit  StrayLimit

	// DirectoryGroupFilter restricts the sync to directory users belonging
	// to at least one of these groups. Nil means all users.
	DirectoryGroupFilter []string
}

// DirectoryUser is a directory record enriched with the output of the group
// mapping resolver. Built once per run and immutable afterward.
type DirectoryUser struct {
	*directory.User

	SignGroups     []GroupRef
	IsAccountAdmin bool
	IsGroupAdmin   bool
	AdminGroups    []GroupRef
}

// BelongsTo reports whether the user is eligible for an org. A user with no
// mapped groups at all belongs everywhere; otherwise at least one mapped
// group must target the org.
func (u *DirectoryUser) BelongsTo(org string) bool {
	if len(u.SignGroups) == 0 {
		return true
	}
	for _, g := range u.SignGroups {
		if g.Org == org {
			return true
		}
	}
	return false
}

// GroupsFor returns the user's mapped groups targeting the given org,
// preserving mapping order.
func (u *DirectoryUser) GroupsFor(org string) []GroupRef {
	var out []GroupRef
	for _, g := range u.SignGroups {
		if g.Org == org {
			out = append(out, g)
		}
	}
	return out
}

// AdminGroupsFor returns the set of group names the user should administer
// in the given org.
func (u *DirectoryUser) AdminGroupsFor(org string) map[string]bool {
	out := make(map[string]bool)
	for _, g := range u.AdminGroups {
		if g.Org == org {
			out[g.Name] = true
		}
	}
	return out
}
