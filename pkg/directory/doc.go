// Package directory reads users and group memberships from an identity
// source. Connectors exist for LDAP, Okta, and CSV files; all of them
// produce the same User records for the engine to reconcile.
package directory
