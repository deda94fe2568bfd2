package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/signsync/pkg/directory"
	"github.com/platinummonkey/signsync/pkg/observability"
	"github.com/platinummonkey/signsync/pkg/sign"
)

// SignConnector is the engine's view of one sign-service org. The REST client
// in pkg/sign implements it; tests substitute an in-memory fake.
type SignConnector interface {
	// Org returns the org name this connector targets
	Org() string

	// CreateUsers reports whether the org allows creating new accounts
	CreateUsers() bool

	// DeactivateUsers reports whether the org allows deactivating accounts
	DeactivateUsers() bool

	// Users returns every user in the org keyed by canonical email,
	// regardless of status
	Users(ctx context.Context) (map[string]*sign.UserInfo, error)

	// UserGroups returns every group assignment keyed by user id
	UserGroups(ctx context.Context) (map[string][]sign.UserGroupInfo, error)

	// Groups returns the org's groups keyed by normalized name
	Groups(ctx context.Context) (map[string]*sign.GroupInfo, error)

	// CreateGroup creates a group with the given name
	CreateGroup(ctx context.Context, name string) error

	// InsertUser creates a new user and returns its id
	InsertUser(ctx context.Context, user *sign.UserInfo) (string, error)

	// UpdateUserState activates or deactivates one user
	UpdateUserState(ctx context.Context, userID string, state sign.UserStateInfo) error

	// UpdateUsers applies account-level updates in bulk
	UpdateUsers(ctx context.Context, users []*sign.UserInfo) error

	// UpdateUserGroups applies group membership updates in bulk
	UpdateUserGroups(ctx context.Context, updates []sign.UserGroupsUpdate) error

	// UpdateUserGroupsSingle applies one user's group membership update,
	// used right after insert before the user shows up in bulk reads
	UpdateUserGroupsSingle(ctx context.Context, userID string, groups sign.UserGroupsInfo) error
}

// Engine reconciles directory users into one or more sign orgs. It holds no
// per-run state; Run may be called repeatedly (the daemon does).
type Engine struct {
	opts       Options
	table      *MappingTable
	rules      []PrimaryGroupRule
	directory  directory.Connector
	connectors map[string]SignConnector
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// New creates a sync engine. metrics may be nil for one-shot CLI runs.
func New(opts Options, table *MappingTable, rules []PrimaryGroupRule, dir directory.Connector, connectors map[string]SignConnector, logger *observability.Logger, metrics *observability.Metrics) (*Engine, error) {
	if table == nil {
		return nil, errors.New("mapping table is required")
	}
	if dir == nil {
		return nil, errors.New("directory connector is required")
	}
	if len(connectors) == 0 {
		return nil, errors.New("at least one sign connector is required")
	}
	if _, ok := connectors[DefaultOrgName]; !ok {
		return nil, fmt.Errorf("sign connector for the %q org is required", DefaultOrgName)
	}
	if opts.UMG && len(rules) == 0 {
		return nil, errors.New("primary group rules are required when user management groups are enabled")
	}
	return &Engine{
		opts:       opts,
		table:      table,
		rules:      rules,
		directory:  dir,
		connectors: connectors,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Run executes one full sync: read the directory, reconcile each org in
// deterministic order, handle sign-only users, and log the action summary.
// Per-user failures are recorded in the report and do not stop the run;
// failures of whole-org reads or bulk writes do.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	runID := uuid.NewString()
	rep := NewReport(runID)
	log := e.logger.WithField("run_id", runID)
	start := time.Now()

	err := e.run(ctx, rep, log)

	if e.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		e.metrics.RunsTotal.WithLabelValues(status).Inc()
		e.metrics.RunDuration.Observe(time.Since(start).Seconds())
		e.metrics.LastRunUnixtime.SetToCurrentTime()
	}
	if err != nil {
		return rep, err
	}

	e.logActionSummary(log, rep)
	log.Infof("Sync complete in %s", time.Since(start).Round(time.Millisecond))
	return rep, nil
}

func (e *Engine) run(ctx context.Context, rep *Report, log *observability.Logger) error {
	dirUsers, err := e.readDirectoryUsers(ctx, log)
	if err != nil {
		return fmt.Errorf("failed to read directory users: %w", err)
	}
	rep.DirectoryUsersRead = len(dirUsers)
	if e.metrics != nil {
		e.metrics.DirectoryUsersRead.Set(float64(len(dirUsers)))
	}

	orgs := make([]string, 0, len(e.connectors))
	for org := range e.connectors {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)

	for _, org := range orgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.syncOrg(ctx, org, dirUsers, rep, log.WithOrg(org)); err != nil {
			return fmt.Errorf("failed to sync org %q: %w", org, err)
		}
	}

	if e.metrics != nil {
		e.metrics.DirectoryUsersExcluded.Set(float64(len(rep.Excluded)))
	}
	return nil
}

// readDirectoryUsers loads directory users, applies the group filter, and
// resolves each through the mapping table. Users without an email address
// cannot be matched against sign accounts and are dropped with a warning.
func (e *Engine) readDirectoryUsers(ctx context.Context, log *observability.Logger) (map[string]*DirectoryUser, error) {
	allUsers := e.opts.DirectoryGroupFilter == nil
	users, err := e.directory.LoadUsersAndGroups(ctx, e.table.DirectoryGroups(), allUsers)
	if err != nil {
		return nil, err
	}
	log.Infof("Read %d users from %s directory", len(users), e.directory.Name())

	var filter map[string]bool
	if e.opts.DirectoryGroupFilter != nil {
		filter = make(map[string]bool, len(e.opts.DirectoryGroupFilter))
		for _, g := range e.opts.DirectoryGroupFilter {
			filter[g] = true
		}
	}

	out := make(map[string]*DirectoryUser, len(users))
	for _, u := range users {
		if u.Key() == "" {
			log.Warnf("Skipping directory user with no email address (first name %q, last name %q)", u.FirstName, u.LastName)
			continue
		}
		if !u.InAnyGroup(filter) {
			continue
		}
		out[u.Key()] = e.table.Resolve(u)
	}
	return out, nil
}

func (e *Engine) syncOrg(ctx context.Context, org string, dirUsers map[string]*DirectoryUser, rep *Report, log *observability.Logger) error {
	conn := e.connectors[org]

	st, err := e.loadOrgState(ctx, conn, org, log)
	if err != nil {
		return err
	}

	signOnly, err := e.updateSignUsers(ctx, conn, org, st, dirUsers, rep, log)
	if err != nil {
		return err
	}
	rep.SignOnlyUsers += len(signOnly)

	if e.metrics != nil {
		e.metrics.SignUsersRead.WithLabelValues(org).Set(float64(len(st.activeUsers)))
		e.metrics.SignOnlyUsers.WithLabelValues(org).Set(float64(len(signOnly)))
	}

	if len(signOnly) > 0 {
		if err := e.handleSignOnlyUsers(ctx, conn, org, st, signOnly, rep, log); err != nil {
			return err
		}
	}
	return nil
}

// loadOrgState takes the remote snapshot for one org. Mapped target groups
// that don't exist yet are created up front so the per-user loop never has to
// mutate the group list.
func (e *Engine) loadOrgState(ctx context.Context, conn SignConnector, org string, log *observability.Logger) (*orgState, error) {
	groups, err := conn.Groups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch groups: %w", err)
	}

	targetGroups := e.table.TargetGroups(org)
	missing := make([]string, 0)
	for name := range targetGroups {
		if _, ok := groups[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		for _, name := range missing {
			log.Infof("Creating group %q", name)
			if err := conn.CreateGroup(ctx, name); err != nil {
				return nil, fmt.Errorf("failed to create group %q: %w", name, err)
			}
		}
		groups, err = conn.Groups(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to refetch groups: %w", err)
		}
	}

	var defaultGroup *sign.GroupInfo
	for _, g := range groups {
		if !g.IsDefaultGroup {
			continue
		}
		if defaultGroup != nil {
			return nil, fmt.Errorf("org has more than one default group (%q and %q)", defaultGroup.GroupName, g.GroupName)
		}
		defaultGroup = g
	}
	if defaultGroup == nil {
		return nil, errors.New("org has no default group")
	}

	users, err := conn.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch users: %w", err)
	}
	active := make(map[string]*sign.UserInfo)
	inactive := make(map[string]*sign.UserInfo)
	for email, u := range users {
		if u.Status == sign.StatusActive {
			active[email] = u
		} else {
			inactive[email] = u
		}
	}

	userGroups, err := conn.UserGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user groups: %w", err)
	}

	log.Infof("Read %d active and %d inactive sign users across %d groups", len(active), len(inactive), len(groups))
	return &orgState{
		groups:        groups,
		defaultGroup:  defaultGroup,
		userGroups:    userGroups,
		activeUsers:   active,
		inactiveUsers: inactive,
		targetGroups:  targetGroups,
	}, nil
}

// countUserError records a per-user error in the metrics, labeled by kind
func (e *Engine) countUserError(org string, err error) {
	if e.metrics == nil {
		return
	}
	kind := "api"
	var unresolved *UnresolvedPrimaryGroupError
	var unknown *UnknownGroupError
	switch {
	case errors.As(err, &unresolved):
		kind = "unresolved_primary_group"
	case errors.As(err, &unknown):
		kind = "unknown_group"
	}
	e.metrics.UserErrorsTotal.WithLabelValues(org, kind).Inc()
}

func (e *Engine) logActionSummary(log *observability.Logger, rep *Report) {
	log.Info("------------------------------- Action Summary -------------------------------")
	for _, line := range rep.Summary() {
		log.Infof("  %s: %d", line.Label, line.Count)
	}
	log.Info("-------------------------------------------------------------------------------")
}
