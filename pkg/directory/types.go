package directory

import (
	"context"
	"strings"
)

// User is one directory record read during a sync run. Email is the unique
// key, compared case-insensitively.
type User struct {
	Email     string
	FirstName string
	LastName  string
	Groups    []string
}

// Key returns the canonical (lower-cased) email used to match directory
// users against sign users.
func (u *User) Key() string {
	return strings.ToLower(strings.TrimSpace(u.Email))
}

// InAnyGroup reports whether the user belongs to at least one of the given
// directory groups. A nil filter matches everyone.
func (u *User) InAnyGroup(groups map[string]bool) bool {
	if groups == nil {
		return true
	}
	for _, g := range u.Groups {
		if groups[g] {
			return true
		}
	}
	return false
}

// Connector reads users and their group memberships from an identity source
type Connector interface {
	// Name identifies the connector type (ldap, okta, csv)
	Name() string

	// LoadUsersAndGroups returns directory users with their group
	// memberships. groups lists the directory groups the sync cares about;
	// when allUsers is true the connector returns every user it can see,
	// otherwise it may restrict itself to members of the listed groups.
	LoadUsersAndGroups(ctx context.Context, groups []string, allUsers bool) ([]*User, error)
}
