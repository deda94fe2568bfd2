package engine

import "fmt"

// UnresolvedPrimaryGroupError is returned when no primary group rule matches
// a user's group set. An undefined primary group would leave the remote
// account inconsistent, so the user is never silently defaulted.
type UnresolvedPrimaryGroupError struct {
	Email string
}

func (e *UnresolvedPrimaryGroupError) Error() string {
	return fmt.Sprintf("can't identify a primary group for user %q", e.Email)
}

// UnknownGroupError is returned when a mapping or rule references a group
// that does not exist in the target org.
type UnknownGroupError struct {
	Group string
	Org   string
}

func (e *UnknownGroupError) Error() string {
	return fmt.Sprintf("%q isn't a valid sign group in org %q", e.Group, e.Org)
}

// ConsistencyError signals a bug in the reconciliation logic itself, such as
// a group appearing in both the add and remove sets. It aborts the run.
type ConsistencyError struct {
	Msg string
}

func (e *ConsistencyError) Error() string {
	return "internal consistency error: " + e.Msg
}
