package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/platinummonkey/signsync/pkg/directory"
	"github.com/platinummonkey/signsync/pkg/sign"
)

// fakeDirectory returns a fixed user list
type fakeDirectory struct {
	users []*directory.User
	err   error
}

func (f *fakeDirectory) Name() string { return "fake" }

func (f *fakeDirectory) LoadUsersAndGroups(ctx context.Context, groups []string, allUsers bool) ([]*directory.User, error) {
	return f.users, f.err
}

// fakeSignConnector is an in-memory sign org that applies updates to its own
// state, so a second engine run observes the effects of the first.
type fakeSignConnector struct {
	org             string
	createUsers     bool
	deactivateUsers bool

	users      map[string]*sign.UserInfo // by canonical email
	userGroups map[string][]sign.UserGroupInfo
	groups     map[string]*sign.GroupInfo // by normalized name

	nextID int

	// recorded calls
	createdGroups    []string
	insertedUsers    []*sign.UserInfo
	stateUpdates     map[string]sign.UserStateInfo
	bulkUserUpdates  [][]*sign.UserInfo
	bulkGroupUpdates [][]sign.UserGroupsUpdate
	singleUpdates    map[string]sign.UserGroupsInfo
}

func newFakeSignConnector(org string) *fakeSignConnector {
	f := &fakeSignConnector{
		org:             org,
		createUsers:     true,
		deactivateUsers: true,
		users:           make(map[string]*sign.UserInfo),
		userGroups:      make(map[string][]sign.UserGroupInfo),
		groups:          make(map[string]*sign.GroupInfo),
		stateUpdates:    make(map[string]sign.UserStateInfo),
		singleUpdates:   make(map[string]sign.UserGroupsInfo),
	}
	f.addGroup("Default Group", true)
	return f
}

func (f *fakeSignConnector) addGroup(name string, isDefault bool) *sign.GroupInfo {
	f.nextID++
	g := &sign.GroupInfo{
		GroupID:        fmt.Sprintf("g-%d", f.nextID),
		GroupName:      name,
		IsDefaultGroup: isDefault,
	}
	f.groups[strings.ToLower(name)] = g
	return g
}

func (f *fakeSignConnector) addUser(email string, admin bool) *sign.UserInfo {
	f.nextID++
	u := &sign.UserInfo{
		ID:             fmt.Sprintf("u-%d", f.nextID),
		Email:          email,
		Status:         sign.StatusActive,
		IsAccountAdmin: admin,
	}
	f.users[strings.ToLower(email)] = u
	return u
}

func (f *fakeSignConnector) assign(u *sign.UserInfo, groupName string, primary, groupAdmin bool) {
	g := f.groups[strings.ToLower(groupName)]
	f.userGroups[u.ID] = append(f.userGroups[u.ID], sign.UserGroupInfo{
		ID:             g.GroupID,
		Name:           g.GroupName,
		IsGroupAdmin:   groupAdmin,
		IsPrimaryGroup: primary,
		Status:         sign.GroupStatusActive,
	})
}

func (f *fakeSignConnector) groupNamesOf(userID string) map[string]bool {
	out := make(map[string]bool)
	for _, g := range f.userGroups[userID] {
		out[strings.ToLower(g.Name)] = true
	}
	return out
}

func (f *fakeSignConnector) primaryOf(userID string) string {
	for _, g := range f.userGroups[userID] {
		if g.IsPrimaryGroup {
			for name, gi := range f.groups {
				if gi.GroupID == g.ID {
					return name
				}
			}
		}
	}
	return ""
}

func (f *fakeSignConnector) Org() string           { return f.org }
func (f *fakeSignConnector) CreateUsers() bool     { return f.createUsers }
func (f *fakeSignConnector) DeactivateUsers() bool { return f.deactivateUsers }

func (f *fakeSignConnector) Users(ctx context.Context) (map[string]*sign.UserInfo, error) {
	out := make(map[string]*sign.UserInfo, len(f.users))
	for email, u := range f.users {
		copied := *u
		out[email] = &copied
	}
	return out, nil
}

func (f *fakeSignConnector) UserGroups(ctx context.Context) (map[string][]sign.UserGroupInfo, error) {
	out := make(map[string][]sign.UserGroupInfo, len(f.userGroups))
	for id, groups := range f.userGroups {
		out[id] = append([]sign.UserGroupInfo(nil), groups...)
	}
	return out, nil
}

func (f *fakeSignConnector) Groups(ctx context.Context) (map[string]*sign.GroupInfo, error) {
	out := make(map[string]*sign.GroupInfo, len(f.groups))
	for name, g := range f.groups {
		copied := *g
		out[name] = &copied
	}
	return out, nil
}

func (f *fakeSignConnector) CreateGroup(ctx context.Context, name string) error {
	f.createdGroups = append(f.createdGroups, name)
	f.addGroup(name, false)
	return nil
}

func (f *fakeSignConnector) InsertUser(ctx context.Context, user *sign.UserInfo) (string, error) {
	f.nextID++
	copied := *user
	copied.ID = fmt.Sprintf("u-%d", f.nextID)
	f.users[strings.ToLower(user.Email)] = &copied
	f.insertedUsers = append(f.insertedUsers, &copied)
	return copied.ID, nil
}

func (f *fakeSignConnector) UpdateUserState(ctx context.Context, userID string, state sign.UserStateInfo) error {
	f.stateUpdates[userID] = state
	for _, u := range f.users {
		if u.ID == userID {
			if state.State == sign.StatusActive {
				u.Status = sign.StatusActive
			} else {
				u.Status = sign.StatusInactive
			}
		}
	}
	return nil
}

func (f *fakeSignConnector) UpdateUsers(ctx context.Context, users []*sign.UserInfo) error {
	f.bulkUserUpdates = append(f.bulkUserUpdates, users)
	for _, u := range users {
		copied := *u
		f.users[strings.ToLower(u.Email)] = &copied
	}
	return nil
}

func (f *fakeSignConnector) UpdateUserGroups(ctx context.Context, updates []sign.UserGroupsUpdate) error {
	f.bulkGroupUpdates = append(f.bulkGroupUpdates, updates)
	for _, upd := range updates {
		f.applyGroupUpdate(upd.UserID, upd.Groups)
	}
	return nil
}

func (f *fakeSignConnector) UpdateUserGroupsSingle(ctx context.Context, userID string, groups sign.UserGroupsInfo) error {
	f.singleUpdates[userID] = groups
	f.applyGroupUpdate(userID, groups)
	return nil
}

func (f *fakeSignConnector) applyGroupUpdate(userID string, info sign.UserGroupsInfo) {
	byID := make(map[string]sign.UserGroupInfo)
	var order []string
	for _, g := range f.userGroups[userID] {
		byID[g.ID] = g
		order = append(order, g.ID)
	}
	for _, g := range info.GroupInfoList {
		if g.Status == sign.GroupStatusDeleted {
			delete(byID, g.ID)
			continue
		}
		if _, ok := byID[g.ID]; !ok {
			order = append(order, g.ID)
		}
		stored := g
		stored.Status = sign.GroupStatusActive
		byID[g.ID] = stored
		if g.IsPrimaryGroup {
			for id, other := range byID {
				if id != g.ID && other.IsPrimaryGroup {
					other.IsPrimaryGroup = false
					byID[id] = other
				}
			}
		}
	}
	out := make([]sign.UserGroupInfo, 0, len(byID))
	for _, id := range order {
		if g, ok := byID[id]; ok {
			out = append(out, g)
		}
	}
	f.userGroups[userID] = out
}

func (f *fakeSignConnector) totalGroupUpdates() int {
	n := 0
	for _, batch := range f.bulkGroupUpdates {
		n += len(batch)
	}
	return n
}
