package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/platinummonkey/signsync/pkg/observability"
	"github.com/platinummonkey/signsync/pkg/sign"
)

// handleSignOnlyUsers applies the configured sign-only policy to sign users
// that have no directory counterpart. The whole handler is skipped when the
// stray limit is exceeded; a wildly shrunk directory read is more likely an
// identity-source outage than a real mass offboarding.
func (e *Engine) handleSignOnlyUsers(ctx context.Context, conn SignConnector, org string, st *orgState, signOnly map[string]*sign.UserInfo, rep *Report, log *observability.Logger) error {
	action := e.opts.SignOnlyAction
	if action == SignOnlyExclude {
		for _, email := range sortedEmails(signOnly) {
			log.WithUser(email).Debug("Sign-only user excluded from sync")
		}
		return nil
	}

	if e.opts.SignOnlyLimit.Exceeded(len(signOnly), len(st.activeUsers)) {
		log.Warnf("Unable to process sign-only users: %d sign-only users exceed the limit of %s, handling will be skipped",
			len(signOnly), e.opts.SignOnlyLimit)
		if e.metrics != nil {
			e.metrics.StrayLimitSkips.WithLabelValues(org).Inc()
		}
		return nil
	}

	if action == SignOnlyDeactivate && !conn.DeactivateUsers() {
		log.Warn("Sign-only user deactivation is disabled for this org, handling will be skipped")
		return nil
	}

	var usersUpdate []*sign.UserInfo
	var groupsUpdate []sign.UserGroupsUpdate

	for _, email := range sortedEmails(signOnly) {
		su := signOnly[email]

		if action == SignOnlyDeactivate {
			state := sign.UserStateInfo{
				State:   sign.StatusInactive,
				Comment: "Deactivated by signsync",
			}
			if err := conn.UpdateUserState(ctx, su.ID, state); err != nil {
				log.WithUser(email).WithError(err).Error("Deactivation failed")
				rep.Errored.add(email)
				e.countUserError(org, err)
				continue
			}
			rep.Deactivated.add(email)
			if e.metrics != nil {
				e.metrics.UsersDeactivated.WithLabelValues(org).Inc()
			}
			log.WithUser(email).Info("Deactivated sign user")
			continue
		}

		primary, ok := primaryAssignment(st.userGroups[su.ID])
		if !ok {
			log.WithUser(email).Debug("Sign-only user has no primary group assignment, skipping")
			continue
		}
		inDefaultGroup := primary.ID == st.defaultGroup.GroupID
		isGroupAdmin := primary.IsGroupAdmin

		if inDefaultGroup && !isGroupAdmin && !su.IsAccountAdmin {
			continue
		}

		newGroup := sign.UserGroupInfo{
			ID:             primary.ID,
			IsGroupAdmin:   primary.IsGroupAdmin,
			IsPrimaryGroup: true,
			Status:         sign.GroupStatusActive,
		}
		switch action {
		case SignOnlyReset:
			newGroup.ID = st.defaultGroup.GroupID
			newGroup.IsGroupAdmin = false
			log.WithUser(email).Info("Resetting user to default group and removing group admin status")
			groupsUpdate = append(groupsUpdate, sign.UserGroupsUpdate{
				UserID: su.ID,
				Groups: sign.UserGroupsInfo{GroupInfoList: []sign.UserGroupInfo{newGroup}},
			})
			rep.GroupUpdates.add(email)
		case SignOnlyRemoveRoles:
			if isGroupAdmin {
				newGroup.IsGroupAdmin = false
				log.WithUser(email).Info("Removing group admin status")
				groupsUpdate = append(groupsUpdate, sign.UserGroupsUpdate{
					UserID: su.ID,
					Groups: sign.UserGroupsInfo{GroupInfoList: []sign.UserGroupInfo{newGroup}},
				})
				rep.GroupUpdates.add(email)
			}
		case SignOnlyRemoveGroups:
			if !inDefaultGroup {
				newGroup.ID = st.defaultGroup.GroupID
				log.WithUser(email).Info("Resetting user to default group")
				groupsUpdate = append(groupsUpdate, sign.UserGroupsUpdate{
					UserID: su.ID,
					Groups: sign.UserGroupsInfo{GroupInfoList: []sign.UserGroupInfo{newGroup}},
				})
				rep.GroupUpdates.add(email)
			}
		}

		if (action == SignOnlyReset || action == SignOnlyRemoveRoles) && su.IsAccountAdmin {
			updated := *su
			updated.IsAccountAdmin = false
			log.WithUser(email).Info("Removing account admin status")
			usersUpdate = append(usersUpdate, &updated)
			rep.RoleUpdates.add(email)
		}
	}

	if len(usersUpdate) > 0 {
		if err := conn.UpdateUsers(ctx, usersUpdate); err != nil {
			return fmt.Errorf("failed to update sign-only users in org %q: %w", org, err)
		}
	}
	if len(groupsUpdate) > 0 {
		if err := conn.UpdateUserGroups(ctx, groupsUpdate); err != nil {
			return fmt.Errorf("failed to update sign-only user groups in org %q: %w", org, err)
		}
	}
	return nil
}

func sortedEmails(users map[string]*sign.UserInfo) []string {
	out := make([]string, 0, len(users))
	for email := range users {
		out = append(out, email)
	}
	sort.Strings(out)
	return out
}
