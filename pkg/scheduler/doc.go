// Package scheduler runs the sync engine on a cron schedule for daemon
// deployments. It serves liveness, readiness and metrics endpoints and
// hot-reloads the pipeline when the configuration file changes on disk.
package scheduler
