package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/platinummonkey/signsync/pkg/observability"
	"github.com/platinummonkey/signsync/pkg/sign"
)

// orgState is the remote snapshot for one org, fetched once per run and
// assumed stable for the duration of the org's reconciliation pass.
type orgState struct {
	groups        map[string]*sign.GroupInfo // keyed by normalized name
	defaultGroup  *sign.GroupInfo
	userGroups    map[string][]sign.UserGroupInfo // keyed by user id
	activeUsers   map[string]*sign.UserInfo       // keyed by canonical email
	inactiveUsers map[string]*sign.UserInfo
	targetGroups  map[string]bool // the managed group universe for this org
}

// primaryAssignment returns the assignment flagged as primary, if any
func primaryAssignment(assignments []sign.UserGroupInfo) (sign.UserGroupInfo, bool) {
	for _, g := range assignments {
		if g.IsPrimaryGroup {
			return g, true
		}
	}
	return sign.UserGroupInfo{}, false
}

// updateSignUsers runs the per-user reconciliation loop for one org. Account
// admin changes are collected into a single bulk update and group deltas into
// a single bulk group update, both issued after the loop. Returns the sign
// users that have no directory counterpart.
func (e *Engine) updateSignUsers(ctx context.Context, conn SignConnector, org string, st *orgState, dirUsers map[string]*DirectoryUser, rep *Report, log *observability.Logger) (map[string]*sign.UserInfo, error) {
	rep.SignUsersRead += len(st.activeUsers)

	var usersUpdate []*sign.UserInfo
	var groupsUpdate []sign.UserGroupsUpdate
	syncedForOrg := make(map[string]bool)

	emails := make([]string, 0, len(dirUsers))
	for email := range dirUsers {
		emails = append(emails, email)
	}
	sort.Strings(emails)

	for _, email := range emails {
		du := dirUsers[email]
		if !du.BelongsTo(org) {
			continue
		}
		syncedForOrg[email] = true

		su := st.activeUsers[email]
		if su == nil {
			e.createOrReactivate(ctx, conn, org, st, du, rep, log)
			continue
		}

		accountUpdate, groupUpdate, err := e.reconcileUser(org, st, du, su, log)
		if err != nil {
			var cerr *ConsistencyError
			if errors.As(err, &cerr) {
				return nil, err
			}
			log.WithUser(email).WithError(err).Error("Skipping user")
			rep.Errored.add(email)
			e.countUserError(org, err)
			continue
		}
		if accountUpdate != nil {
			if accountUpdate.IsAccountAdmin {
				log.WithUser(email).Info("Assigning account admin status")
			} else {
				log.WithUser(email).Info("Removing account admin status")
			}
			usersUpdate = append(usersUpdate, accountUpdate)
			rep.RoleUpdates.add(email)
			if e.metrics != nil {
				e.metrics.RoleUpdatesTotal.WithLabelValues(org).Inc()
			}
		}
		if groupUpdate != nil {
			groupsUpdate = append(groupsUpdate, *groupUpdate)
			rep.GroupUpdates.add(email)
			if e.metrics != nil {
				e.metrics.GroupUpdatesTotal.WithLabelValues(org).Inc()
			}
		}
	}

	if len(usersUpdate) > 0 {
		if err := conn.UpdateUsers(ctx, usersUpdate); err != nil {
			return nil, fmt.Errorf("failed to update users in org %q: %w", org, err)
		}
	}
	if len(groupsUpdate) > 0 {
		if err := conn.UpdateUserGroups(ctx, groupsUpdate); err != nil {
			return nil, fmt.Errorf("failed to update user groups in org %q: %w", org, err)
		}
	}

	signOnly := make(map[string]*sign.UserInfo)
	for email, su := range st.activeUsers {
		if !syncedForOrg[email] {
			signOnly[email] = su
		}
	}
	return signOnly, nil
}

// reconcileUser diffs one existing sign user against the directory record
// and produces at most one account update and one group membership update.
func (e *Engine) reconcileUser(org string, st *orgState, du *DirectoryUser, su *sign.UserInfo, log *observability.Logger) (*sign.UserInfo, *sign.UserGroupsUpdate, error) {
	var accountUpdate *sign.UserInfo
	if su.IsAccountAdmin != du.IsAccountAdmin {
		updated := *su
		updated.IsAccountAdmin = du.IsAccountAdmin
		accountUpdate = &updated
	}

	// current assignments; outside managed-group mode only the primary
	// assignment counts (legacy single-group semantics)
	assigned := make(map[string]sign.UserGroupInfo)
	for _, g := range st.userGroups[su.ID] {
		assigned[NormalizeGroupName(g.Name)] = g
	}
	if !e.opts.UMG {
		if pg, ok := primaryAssignment(st.userGroups[su.ID]); ok {
			assigned = map[string]sign.UserGroupInfo{NormalizeGroupName(pg.Name): pg}
		}
	}

	mapped := du.GroupsFor(org)
	if !e.opts.UMG && len(mapped) > 1 {
		mapped = mapped[:1]
	}
	desired := make(map[string]bool)
	if len(mapped) > 0 {
		for _, ref := range mapped {
			desired[ref.Name] = true
		}
	} else if pg, ok := primaryAssignment(st.userGroups[su.ID]); ok {
		// unmapped but present: keep the user where they are
		desired[NormalizeGroupName(pg.Name)] = true
	} else {
		desired[NormalizeGroupName(st.defaultGroup.GroupName)] = true
	}

	adminGroups := du.AdminGroupsFor(org)
	toUpdate := make(map[string]sign.UserGroupInfo)

	// groups to add
	for name := range desired {
		if _, ok := assigned[name]; ok {
			continue
		}
		gi := st.groups[name]
		if gi == nil {
			return nil, nil, &UnknownGroupError{Group: name, Org: org}
		}
		isGroupAdmin := (!e.opts.UMG && du.IsGroupAdmin) || adminGroups[name]
		toUpdate[name] = sign.UserGroupInfo{
			ID:           gi.GroupID,
			Name:         gi.GroupName,
			IsGroupAdmin: isGroupAdmin,
			Status:       sign.GroupStatusActive,
		}
		log.WithUser(su.Email).Infof("Assigning group %q", gi.GroupName)
		if isGroupAdmin {
			log.WithUser(su.Email).Infof("Assigning group admin privileges for group %q", gi.GroupName)
		}
	}

	// groups to remove: assigned but no longer desired, restricted to the
	// groups targeted by any mapping. Groups outside the managed universe
	// are left alone.
	removed := make(map[string]bool)
	for name, ag := range assigned {
		if desired[name] || !st.targetGroups[name] {
			continue
		}
		if existing, ok := toUpdate[name]; ok && existing.Status == sign.GroupStatusActive {
			return nil, nil, &ConsistencyError{Msg: fmt.Sprintf("group %q is in both the add and remove sets for user %q", name, su.Email)}
		}
		gi := st.groups[name]
		if gi == nil {
			return nil, nil, &UnknownGroupError{Group: name, Org: org}
		}
		toUpdate[name] = sign.UserGroupInfo{
			ID:             gi.GroupID,
			Name:           gi.GroupName,
			IsGroupAdmin:   ag.IsGroupAdmin,
			IsPrimaryGroup: ag.IsPrimaryGroup,
			Status:         sign.GroupStatusDeleted,
		}
		removed[name] = true
		log.WithUser(su.Email).Infof("Removing group %q", gi.GroupName)
	}

	// revoke group admin on any group the user no longer qualifies to
	// administer, whether or not the group itself is changing
	currentAdmin := make(map[string]bool)
	for name, ag := range assigned {
		if ag.IsGroupAdmin {
			currentAdmin[name] = true
		}
	}
	for name, g := range toUpdate {
		if g.Status == sign.GroupStatusActive && g.IsGroupAdmin {
			currentAdmin[name] = true
		}
	}
	for name := range currentAdmin {
		if adminGroups[name] {
			continue
		}
		if !e.opts.UMG && du.IsGroupAdmin {
			// single-group mode applies admin to the current group
			continue
		}
		if g, ok := toUpdate[name]; ok {
			g.IsGroupAdmin = false
			toUpdate[name] = g
		} else {
			ag := assigned[name]
			toUpdate[name] = sign.UserGroupInfo{
				ID:             ag.ID,
				Name:           ag.Name,
				IsGroupAdmin:   false,
				IsPrimaryGroup: ag.IsPrimaryGroup,
				Status:         sign.GroupStatusActive,
			}
		}
		log.WithUser(su.Email).Infof("Removing group admin privileges for group %q", name)
	}

	// primary group over post-update membership
	finalGroups := make(map[string]bool)
	for name := range assigned {
		if !removed[name] {
			finalGroups[name] = true
		}
	}
	for name, g := range toUpdate {
		if g.Status == sign.GroupStatusActive {
			finalGroups[name] = true
		}
	}

	var desiredPG string
	if e.opts.UMG {
		pg, ok := ResolvePrimaryGroup(e.rules, finalGroups)
		if !ok {
			return nil, nil, &UnresolvedPrimaryGroupError{Email: su.Email}
		}
		desiredPG = pg
	} else {
		for name := range desired {
			desiredPG = name
		}
	}

	currentPG := ""
	if pg, ok := primaryAssignment(st.userGroups[su.ID]); ok {
		currentPG = NormalizeGroupName(pg.Name)
	}

	if currentPG == "" || desiredPG != currentPG {
		log.WithUser(su.Email).Debugf("Primary group is %q", desiredPG)
		if g, ok := toUpdate[desiredPG]; ok {
			g.IsPrimaryGroup = true
			toUpdate[desiredPG] = g
		} else if ag, ok := assigned[desiredPG]; ok {
			toUpdate[desiredPG] = sign.UserGroupInfo{
				ID:             ag.ID,
				Name:           ag.Name,
				IsGroupAdmin:   ag.IsGroupAdmin,
				IsPrimaryGroup: true,
				Status:         sign.GroupStatusActive,
			}
		} else {
			gi := st.groups[desiredPG]
			if gi == nil {
				return nil, nil, &UnresolvedPrimaryGroupError{Email: su.Email}
			}
			toUpdate[desiredPG] = sign.UserGroupInfo{
				ID:             gi.GroupID,
				Name:           gi.GroupName,
				IsGroupAdmin:   adminGroups[desiredPG],
				IsPrimaryGroup: true,
				Status:         sign.GroupStatusActive,
			}
		}
		// demote the previous primary if it survives the update; exactly one
		// active assignment may carry the primary flag
		if currentPG != "" && currentPG != desiredPG && !removed[currentPG] {
			if g, ok := toUpdate[currentPG]; ok {
				g.IsPrimaryGroup = false
				toUpdate[currentPG] = g
			} else if ag, ok := assigned[currentPG]; ok {
				toUpdate[currentPG] = sign.UserGroupInfo{
					ID:             ag.ID,
					Name:           ag.Name,
					IsGroupAdmin:   ag.IsGroupAdmin,
					IsPrimaryGroup: false,
					Status:         sign.GroupStatusActive,
				}
			}
		}
	}

	if len(toUpdate) == 0 {
		return accountUpdate, nil, nil
	}

	names := make([]string, 0, len(toUpdate))
	for name := range toUpdate {
		names = append(names, name)
	}
	sort.Strings(names)
	list := make([]sign.UserGroupInfo, 0, len(names))
	for _, name := range names {
		list = append(list, toUpdate[name])
	}
	return accountUpdate, &sign.UserGroupsUpdate{
		UserID: su.ID,
		Groups: sign.UserGroupsInfo{GroupInfoList: list},
	}, nil
}

// createOrReactivate handles a directory user with no active sign account.
// An inactive account is reactivated in preference to creating a duplicate.
// Failures here are per-user: logged and recorded, never fatal to the run.
func (e *Engine) createOrReactivate(ctx context.Context, conn SignConnector, org string, st *orgState, du *DirectoryUser, rep *Report, log *observability.Logger) {
	email := du.Key()
	if !conn.CreateUsers() {
		log.WithUser(email).Info("User not present and will be skipped")
		rep.Excluded.add(email)
		return
	}

	if inactive := st.inactiveUsers[email]; inactive != nil {
		state := sign.UserStateInfo{
			State:   sign.StatusActive,
			Comment: "Activated by signsync",
		}
		if err := conn.UpdateUserState(ctx, inactive.ID, state); err != nil {
			log.WithUser(email).WithError(err).Error("Reactivation failed")
			rep.Errored.add(email)
			e.countUserError(org, err)
			return
		}
		rep.Reactivated.add(email)
		if e.metrics != nil {
			e.metrics.UsersReactivated.WithLabelValues(org).Inc()
		}
		log.WithUser(email).Info("Reactivated user")
		return
	}

	e.insertNewUser(ctx, conn, org, st, du, rep, log)
}

// insertNewUser creates a brand new sign account and issues exactly one
// follow-up group update assigning the resolved groups with the resolved
// primary group.
func (e *Engine) insertNewUser(ctx context.Context, conn SignConnector, org string, st *orgState, du *DirectoryUser, rep *Report, log *observability.Logger) {
	email := du.Key()

	mapped := du.GroupsFor(org)
	if len(mapped) == 0 {
		mapped = []GroupRef{NewGroupRef(org, st.defaultGroup.GroupName)}
	}
	if !e.opts.UMG {
		mapped = mapped[:1]
	}

	adminGroups := du.AdminGroupsFor(org)
	toAssign := make(map[string]sign.UserGroupInfo)
	var order []string
	for _, ref := range mapped {
		gi := st.groups[ref.Name]
		if gi == nil {
			err := &UnknownGroupError{Group: ref.Name, Org: org}
			log.WithUser(email).WithError(err).Error("Skipping new user")
			rep.Errored.add(email)
			e.countUserError(org, err)
			return
		}
		isGroupAdmin := (!e.opts.UMG && du.IsGroupAdmin) || adminGroups[ref.Name]
		if _, ok := toAssign[ref.Name]; !ok {
			order = append(order, ref.Name)
		}
		toAssign[ref.Name] = sign.UserGroupInfo{
			ID:           gi.GroupID,
			Name:         gi.GroupName,
			IsGroupAdmin: isGroupAdmin,
			Status:       sign.GroupStatusActive,
		}
		log.WithUser(email).Infof("Assigning group %q, group admin: %v", gi.GroupName, isGroupAdmin)
	}

	if e.opts.UMG {
		names := make(map[string]bool, len(toAssign))
		for name := range toAssign {
			names[name] = true
		}
		pg, ok := ResolvePrimaryGroup(e.rules, names)
		if !ok {
			err := &UnresolvedPrimaryGroupError{Email: email}
			log.WithUser(email).WithError(err).Error("Skipping new user")
			rep.Errored.add(email)
			e.countUserError(org, err)
			return
		}
		if g, have := toAssign[pg]; have {
			g.IsPrimaryGroup = true
			toAssign[pg] = g
		} else {
			gi := st.groups[pg]
			if gi == nil {
				err := &UnresolvedPrimaryGroupError{Email: email}
				log.WithUser(email).WithError(err).Error("Skipping new user")
				rep.Errored.add(email)
				e.countUserError(org, err)
				return
			}
			toAssign[pg] = sign.UserGroupInfo{
				ID:             gi.GroupID,
				Name:           gi.GroupName,
				IsGroupAdmin:   adminGroups[pg],
				IsPrimaryGroup: true,
				Status:         sign.GroupStatusActive,
			}
			order = append(order, pg)
		}
		log.WithUser(email).Debugf("Primary group is %q", pg)
	} else {
		g := toAssign[order[0]]
		g.IsPrimaryGroup = true
		toAssign[order[0]] = g
	}

	newUser := &sign.UserInfo{
		Email:          email,
		AccountType:    "GLOBAL",
		Status:         sign.StatusActive,
		IsAccountAdmin: du.IsAccountAdmin,
		FirstName:      du.FirstName,
		LastName:       du.LastName,
	}
	userID, err := conn.InsertUser(ctx, newUser)
	if err != nil {
		log.WithUser(email).WithError(err).Error("Failed to insert user")
		rep.Errored.add(email)
		e.countUserError(org, err)
		return
	}
	rep.Created.add(email)
	if e.metrics != nil {
		e.metrics.UsersCreated.WithLabelValues(org).Inc()
	}
	log.WithUser(email).Infof("Inserted sign user, account admin: %v", newUser.IsAccountAdmin)

	list := make([]sign.UserGroupInfo, 0, len(order))
	for _, name := range order {
		list = append(list, toAssign[name])
	}
	if err := conn.UpdateUserGroupsSingle(ctx, userID, sign.UserGroupsInfo{GroupInfoList: list}); err != nil {
		log.WithUser(email).WithError(err).Error("Failed to assign groups to new user")
		rep.Errored.add(email)
		e.countUserError(org, err)
	}
}
