// Package engine reconciles directory users into sign-service orgs.
//
// A run reads users and group memberships from the configured identity
// source, resolves each user through the group mapping table, and diffs the
// result against every target org: creating or reactivating missing accounts,
// updating group memberships and admin roles in bulk, keeping exactly one
// primary group per user, and applying the configured policy to sign-only
// users (accounts with no directory counterpart). A stray limit guards the
// sign-only handler against identity-source outages that would otherwise look
// like a mass offboarding.
package engine
