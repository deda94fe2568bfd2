package sign

// User status values in the sign service
const (
	StatusActive   = "ACTIVE"
	StatusInactive = "INACTIVE"
)

// Group assignment status values
const (
	GroupStatusActive  = "ACTIVE"
	GroupStatusDeleted = "DELETED"
)

// UserInfo is a sign-service user record. The id is assigned by the service
// and immutable; the engine only ever holds a read-only snapshot and mutates
// accounts through explicit update calls.
type UserInfo struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	AccountType    string `json:"accountType,omitempty"`
	Status         string `json:"status"`
	IsAccountAdmin bool   `json:"isAccountAdmin"`
	FirstName      string `json:"firstName,omitempty"`
	LastName       string `json:"lastName,omitempty"`
}

// GroupInfo is a sign-service group. Exactly one group per org carries
// IsDefaultGroup.
type GroupInfo struct {
	GroupID        string `json:"groupId"`
	GroupName      string `json:"groupName"`
	IsDefaultGroup bool   `json:"isDefaultGroup"`
}

// UserGroupInfo is one (user, group) assignment. Status ACTIVE adds or keeps
// the assignment, DELETED removes it.
type UserGroupInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	IsGroupAdmin   bool   `json:"isGroupAdmin"`
	IsPrimaryGroup bool   `json:"isPrimaryGroup"`
	Status         string `json:"status"`
}

// UserGroupsInfo is the payload of a per-user group membership update
type UserGroupsInfo struct {
	GroupInfoList []UserGroupInfo `json:"groupInfoList"`
}

// UserGroupsUpdate pairs a user id with its group membership update for the
// per-org bulk call.
type UserGroupsUpdate struct {
	UserID string
	Groups UserGroupsInfo
}

// UserStateInfo changes a user's activation state
type UserStateInfo struct {
	State   string `json:"state"`
	Comment string `json:"comment,omitempty"`
}
