package engine

// ResolvePrimaryGroup picks the primary group for a user whose (normalized)
// group names are given as a set. Rules are evaluated in configured order;
// the first rule whose required subset is fully contained in the group set
// wins. Containment is exact subset matching, not overlap: a rule requiring
// {legal, finance} does not match a user holding only {legal}.
//
// Returns false when no rule matches; callers must treat that as a hard
// per-user error, never as a silent default.
func ResolvePrimaryGroup(rules []PrimaryGroupRule, groups map[string]bool) (string, bool) {
	for _, rule := range rules {
		if containsAll(groups, rule.Required) {
			return NormalizeGroupName(rule.Primary), true
		}
	}
	return "", false
}

func containsAll(groups map[string]bool, required []string) bool {
	if len(required) == 0 {
		return false
	}
	for _, name := range required {
		if !groups[NormalizeGroupName(name)] {
			return false
		}
	}
	return true
}
