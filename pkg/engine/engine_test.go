package engine

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/signsync/pkg/directory"
	"github.com/platinummonkey/signsync/pkg/observability"
	"github.com/platinummonkey/signsync/pkg/sign"
)

func testLogger() *observability.Logger {
	return observability.NewConsoleLogger(observability.ErrorLevel, io.Discard)
}

func newTestEngine(t *testing.T, opts Options, table *MappingTable, rules []PrimaryGroupRule, dir *fakeDirectory, conn *fakeSignConnector) *Engine {
	t.Helper()
	if opts.SignOnlyAction == "" {
		opts.SignOnlyAction = SignOnlyExclude
	}
	e, err := New(opts, table, rules, dir, map[string]SignConnector{DefaultOrgName: conn}, testLogger(), nil)
	require.NoError(t, err)
	return e
}

func singleGroupTable(dirGroup, signGroup string) *MappingTable {
	return NewMappingTable([]GroupMapping{
		{DirectoryGroup: dirGroup, Priority: 0, SignGroups: []GroupRef{NewGroupRef(DefaultOrgName, signGroup)}},
	}, nil, nil)
}

func TestNewValidation(t *testing.T) {
	conn := newFakeSignConnector(DefaultOrgName)
	dir := &fakeDirectory{}
	table := NewMappingTable(nil, nil, nil)

	t.Run("requires primary org connector", func(t *testing.T) {
		_, err := New(Options{}, table, nil, dir, map[string]SignConnector{"emea": conn}, testLogger(), nil)
		assert.ErrorContains(t, err, "primary")
	})

	t.Run("requires rules when umg enabled", func(t *testing.T) {
		_, err := New(Options{UMG: true}, table, nil, dir, map[string]SignConnector{DefaultOrgName: conn}, testLogger(), nil)
		assert.ErrorContains(t, err, "primary group rules")
	})

	t.Run("requires directory connector", func(t *testing.T) {
		_, err := New(Options{}, table, nil, nil, map[string]SignConnector{DefaultOrgName: conn}, testLogger(), nil)
		assert.Error(t, err)
	})
}

func TestRunInsertsNewUser(t *testing.T) {
	conn := newFakeSignConnector(DefaultOrgName)
	conn.addGroup("Engineering", false)
	dir := &fakeDirectory{users: []*directory.User{
		{Email: "Alice@Example.com", FirstName: "Alice", LastName: "Adams", Groups: []string{"Eng"}},
	}}
	e := newTestEngine(t, Options{}, singleGroupTable("Eng", "Engineering"), nil, dir, conn)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, conn.insertedUsers, 1)
	inserted := conn.insertedUsers[0]
	assert.Equal(t, "alice@example.com", inserted.Email)
	assert.Equal(t, sign.StatusActive, inserted.Status)
	assert.False(t, inserted.IsAccountAdmin)

	groups, ok := conn.singleUpdates[inserted.ID]
	require.True(t, ok, "new user should receive exactly one group update")
	require.Len(t, groups.GroupInfoList, 1)
	assert.Equal(t, "Engineering", groups.GroupInfoList[0].Name)
	assert.True(t, groups.GroupInfoList[0].IsPrimaryGroup)

	assert.True(t, rep.Created.has("alice@example.com"))
	assert.Equal(t, 1, rep.DirectoryUsersRead)

	t.Run("second run is a no-op", func(t *testing.T) {
		rep2, err := e.Run(context.Background())
		require.NoError(t, err)
		assert.Len(t, conn.insertedUsers, 1)
		assert.Zero(t, conn.totalGroupUpdates())
		assert.Zero(t, rep2.Updated())
		assert.Empty(t, rep2.Created)
	})
}

func TestRunAddRemoveAndPrimaryMove(t *testing.T) {
	conn := newFakeSignConnector(DefaultOrgName)
	conn.addGroup("Finance", false)
	conn.addGroup("Engineering", false)
	conn.addGroup("Legal-Primary", false)
	alice := conn.addUser("alice@example.com", false)
	conn.assign(alice, "Finance", true, false)
	conn.assign(alice, "Engineering", false, false)

	table := NewMappingTable([]GroupMapping{
		{DirectoryGroup: "Legal", Priority: 0, SignGroups: []GroupRef{NewGroupRef(DefaultOrgName, "Legal")}},
		{DirectoryGroup: "Finance", Priority: 1, SignGroups: []GroupRef{NewGroupRef(DefaultOrgName, "Finance")}},
		{DirectoryGroup: "Engineering", Priority: 2, SignGroups: []GroupRef{NewGroupRef(DefaultOrgName, "Engineering")}},
	}, nil, nil)
	rules := []PrimaryGroupRule{
		{Required: []string{"legal", "finance"}, Primary: "Legal-Primary"},
		{Required: []string{"finance"}, Primary: "Finance"},
	}
	dir := &fakeDirectory{users: []*directory.User{
		{Email: "alice@example.com", Groups: []string{"Legal", "Finance"}},
	}}
	e := newTestEngine(t, Options{UMG: true}, table, rules, dir, conn)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)

	// the legal group was mapped but missing remotely, so it gets created
	assert.Contains(t, conn.createdGroups, "legal")

	assert.True(t, rep.GroupUpdates.has("alice@example.com"))
	assert.Equal(t, map[string]bool{"finance": true, "legal": true, "legal-primary": true}, conn.groupNamesOf(alice.ID))
	assert.Equal(t, "legal-primary", conn.primaryOf(alice.ID))

	t.Run("second run is a no-op", func(t *testing.T) {
		before := conn.totalGroupUpdates()
		rep2, err := e.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, before, conn.totalGroupUpdates())
		assert.Zero(t, rep2.Updated())
	})
}

func TestRunReactivatesInactiveUser(t *testing.T) {
	conn := newFakeSignConnector(DefaultOrgName)
	conn.addGroup("Engineering", false)
	bob := conn.addUser("bob@example.com", false)
	bob.Status = sign.StatusInactive
	dir := &fakeDirectory{users: []*directory.User{
		{Email: "bob@example.com", Groups: []string{"Eng"}},
	}}
	e := newTestEngine(t, Options{}, singleGroupTable("Eng", "Engineering"), nil, dir, conn)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.Reactivated.has("bob@example.com"))
	assert.Empty(t, conn.insertedUsers, "reactivation must not create a duplicate account")
	state, ok := conn.stateUpdates[bob.ID]
	require.True(t, ok)
	assert.Equal(t, sign.StatusActive, state.State)

	t.Run("next run assigns groups", func(t *testing.T) {
		rep2, err := e.Run(context.Background())
		require.NoError(t, err)
		assert.True(t, rep2.GroupUpdates.has("bob@example.com"))
		assert.Equal(t, map[string]bool{"engineering": true}, conn.groupNamesOf(bob.ID))
		assert.Equal(t, "engineering", conn.primaryOf(bob.ID))
	})
}

func TestRunAccountAdminDelta(t *testing.T) {
	conn := newFakeSignConnector(DefaultOrgName)
	conn.addGroup("Engineering", false)
	carol := conn.addUser("carol@example.com", false)
	conn.assign(carol, "Engineering", true, false)

	table := NewMappingTable([]GroupMapping{
		{DirectoryGroup: "Eng", Priority: 0, SignGroups: []GroupRef{NewGroupRef(DefaultOrgName, "Engineering")}},
	}, []string{"Admins"}, nil)
	dir := &fakeDirectory{users: []*directory.User{
		{Email: "carol@example.com", Groups: []string{"Eng", "Admins"}},
	}}
	e := newTestEngine(t, Options{}, table, nil, dir, conn)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.RoleUpdates.has("carol@example.com"))
	assert.False(t, rep.GroupUpdates.has("carol@example.com"))
	assert.True(t, conn.users["carol@example.com"].IsAccountAdmin)

	t.Run("second run is a no-op", func(t *testing.T) {
		rep2, err := e.Run(context.Background())
		require.NoError(t, err)
		assert.Zero(t, rep2.Updated())
	})
}

func TestRunSkipsNewUsersWhenCreateDisabled(t *testing.T) {
	conn := newFakeSignConnector(DefaultOrgName)
	conn.addGroup("Engineering", false)
	conn.createUsers = false
	dir := &fakeDirectory{users: []*directory.User{
		{Email: "newbie@example.com", Groups: []string{"Eng"}},
	}}
	e := newTestEngine(t, Options{}, singleGroupTable("Eng", "Engineering"), nil, dir, conn)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.Excluded.has("newbie@example.com"))
	assert.Empty(t, conn.insertedUsers)
}

func TestRunSignOnlyDeactivate(t *testing.T) {
	conn := newFakeSignConnector(DefaultOrgName)
	stan := conn.addUser("stan@example.com", false)
	conn.assign(stan, "Default Group", true, false)
	dir := &fakeDirectory{}
	e := newTestEngine(t, Options{
		SignOnlyAction: SignOnlyDeactivate,
		SignOnlyLimit:  StrayLimit{Value: 100},
	}, NewMappingTable(nil, nil, nil), nil, dir, conn)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.Deactivated.has("stan@example.com"))
	assert.Equal(t, 1, rep.SignOnlyUsers)
	assert.Equal(t, sign.StatusInactive, conn.users["stan@example.com"].Status)
}

func TestRunSignOnlyReset(t *testing.T) {
	conn := newFakeSignConnector(DefaultOrgName)
	conn.addGroup("Engineering", false)
	rita := conn.addUser("rita@example.com", true)
	conn.assign(rita, "Engineering", true, true)
	dir := &fakeDirectory{}
	e := newTestEngine(t, Options{
		SignOnlyAction: SignOnlyReset,
		SignOnlyLimit:  StrayLimit{Value: 100},
	}, NewMappingTable(nil, nil, nil), nil, dir, conn)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.GroupUpdates.has("rita@example.com"))
	assert.True(t, rep.RoleUpdates.has("rita@example.com"))
	assert.False(t, conn.users["rita@example.com"].IsAccountAdmin)
	assert.Equal(t, "default group", conn.primaryOf(rita.ID))
	for _, g := range conn.userGroups[rita.ID] {
		if g.IsPrimaryGroup {
			assert.False(t, g.IsGroupAdmin)
		}
	}
}

func TestRunSignOnlyStrayLimit(t *testing.T) {
	setup := func(t *testing.T, strayCount int) (*Engine, *fakeSignConnector, []*directory.User) {
		t.Helper()
		conn := newFakeSignConnector(DefaultOrgName)
		var dirUsers []*directory.User
		for i := 0; i < 20; i++ {
			email := string(rune('a'+i)) + "@example.com"
			u := conn.addUser(email, false)
			conn.assign(u, "Default Group", true, false)
			if i >= strayCount {
				dirUsers = append(dirUsers, &directory.User{Email: email})
			}
		}
		dir := &fakeDirectory{users: dirUsers}
		limit, err := ParseStrayLimit("10%")
		require.NoError(t, err)
		e := newTestEngine(t, Options{
			SignOnlyAction: SignOnlyDeactivate,
			SignOnlyLimit:  limit,
		}, NewMappingTable(nil, nil, nil), nil, dir, conn)
		return e, conn, dirUsers
	}

	t.Run("at the limit the handler runs", func(t *testing.T) {
		e, conn, _ := setup(t, 2)
		rep, err := e.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, rep.SignOnlyUsers)
		assert.Len(t, rep.Deactivated, 2)
		assert.Len(t, conn.stateUpdates, 2)
	})

	t.Run("over the limit the handler is skipped", func(t *testing.T) {
		e, conn, _ := setup(t, 3)
		rep, err := e.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, rep.SignOnlyUsers)
		assert.Empty(t, rep.Deactivated)
		assert.Empty(t, conn.stateUpdates)
	})
}

func TestRunContinuesAfterUserError(t *testing.T) {
	conn := newFakeSignConnector(DefaultOrgName)
	conn.addGroup("Ops", false)
	conn.addGroup("Legal", false)
	conn.addGroup("Finance", false)
	conn.addGroup("Legal-Primary", false)
	dave := conn.addUser("dave@example.com", false)
	conn.assign(dave, "Ops", true, false)
	erin := conn.addUser("erin@example.com", false)
	conn.assign(erin, "Legal", true, false)

	table := NewMappingTable([]GroupMapping{
		{DirectoryGroup: "Ops", Priority: 0, SignGroups: []GroupRef{NewGroupRef(DefaultOrgName, "Ops")}},
		{DirectoryGroup: "Legal", Priority: 1, SignGroups: []GroupRef{NewGroupRef(DefaultOrgName, "Legal")}},
		{DirectoryGroup: "Finance", Priority: 2, SignGroups: []GroupRef{NewGroupRef(DefaultOrgName, "Finance")}},
	}, nil, nil)
	rules := []PrimaryGroupRule{
		{Required: []string{"legal", "finance"}, Primary: "Legal-Primary"},
	}
	dir := &fakeDirectory{users: []*directory.User{
		{Email: "dave@example.com", Groups: []string{"Ops"}},
		{Email: "erin@example.com", Groups: []string{"Legal", "Finance"}},
	}}
	e := newTestEngine(t, Options{UMG: true}, table, rules, dir, conn)

	rep, err := e.Run(context.Background())
	require.NoError(t, err, "a per-user error must not abort the run")

	// no rule covers dave's group set
	assert.True(t, rep.Errored.has("dave@example.com"))
	// erin is still fully reconciled
	assert.True(t, rep.GroupUpdates.has("erin@example.com"))
	assert.Equal(t, "legal-primary", conn.primaryOf(erin.ID))
}

func TestRunDropsUsersWithoutEmail(t *testing.T) {
	conn := newFakeSignConnector(DefaultOrgName)
	conn.addGroup("Engineering", false)
	dir := &fakeDirectory{users: []*directory.User{
		{Email: "  ", FirstName: "No", LastName: "Email", Groups: []string{"Eng"}},
		{Email: "ok@example.com", Groups: []string{"Eng"}},
	}}
	e := newTestEngine(t, Options{}, singleGroupTable("Eng", "Engineering"), nil, dir, conn)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.DirectoryUsersRead)
	require.Len(t, conn.insertedUsers, 1)
	assert.Equal(t, "ok@example.com", conn.insertedUsers[0].Email)
}

func TestRunDirectoryGroupFilter(t *testing.T) {
	conn := newFakeSignConnector(DefaultOrgName)
	conn.addGroup("Engineering", false)
	dir := &fakeDirectory{users: []*directory.User{
		{Email: "in@example.com", Groups: []string{"Eng"}},
		{Email: "out@example.com", Groups: []string{"Sales"}},
	}}
	e := newTestEngine(t, Options{
		DirectoryGroupFilter: []string{"Eng"},
	}, singleGroupTable("Eng", "Engineering"), nil, dir, conn)

	rep, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.DirectoryUsersRead)
	require.Len(t, conn.insertedUsers, 1)
	assert.Equal(t, "in@example.com", conn.insertedUsers[0].Email)
}
