// Package config loads and validates the YAML configuration file and
// translates its sync-policy sections into the engine's mapping table and
// run options. Secrets can be supplied through SIGNSYNC_* environment
// variables instead of the file.
package config
