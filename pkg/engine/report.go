package engine

import "sort"

// emailSet is an order-independent set of user emails
type emailSet map[string]struct{}

func (s emailSet) add(email string) {
	s[email] = struct{}{}
}

func (s emailSet) has(email string) bool {
	_, ok := s[email]
	return ok
}

func (s emailSet) union(other emailSet) emailSet {
	out := make(emailSet, len(s)+len(other))
	for k := range s {
		out[k] = struct{}{}
	}
	for k := range other {
		out[k] = struct{}{}
	}
	return out
}

func (s emailSet) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Report accumulates the outcome of one sync run. It is created by Run and
// returned to the caller; nothing in the engine holds run state beyond it.
type Report struct {
	RunID string

	DirectoryUsersRead int
	SignUsersRead      int
	SignOnlyUsers      int

	Excluded     emailSet
	Created      emailSet
	Reactivated  emailSet
	Deactivated  emailSet
	GroupUpdates emailSet
	RoleUpdates  emailSet
	Errored      emailSet
}

// NewReport creates an empty report for a run
func NewReport(runID string) *Report {
	return &Report{
		RunID:        runID,
		Excluded:     make(emailSet),
		Created:      make(emailSet),
		Reactivated:  make(emailSet),
		Deactivated:  make(emailSet),
		GroupUpdates: make(emailSet),
		RoleUpdates:  make(emailSet),
		Errored:      make(emailSet),
	}
}

// Updated returns how many users received any group or role update
func (r *Report) Updated() int {
	return len(r.GroupUpdates.union(r.RoleUpdates))
}

// Summary returns the action summary as ordered label/count pairs
func (r *Report) Summary() []SummaryLine {
	return []SummaryLine{
		{"Number of directory users read", r.DirectoryUsersRead},
		{"Number of directory users selected for input", r.DirectoryUsersRead - len(r.Excluded)},
		{"Number of directory users excluded", len(r.Excluded)},
		{"Number of sign users read", r.SignUsersRead},
		{"Number of sign users not in directory (sign-only)", r.SignOnlyUsers},
		{"Number of sign users updated", r.Updated()},
		{"Number of users with groups updated", len(r.GroupUpdates)},
		{"Number of users admin roles updated", len(r.RoleUpdates)},
		{"Number of sign users created", len(r.Created)},
		{"Number of sign users reactivated", len(r.Reactivated)},
		{"Number of sign users deactivated", len(r.Deactivated)},
		{"Number of users with sync errors", len(r.Errored)},
	}
}

// SummaryLine is one row of the end-of-run action summary
type SummaryLine struct {
	Label string
	Count int
}
