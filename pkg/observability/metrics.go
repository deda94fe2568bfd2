package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Run metrics
	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	LastRunUnixtime prometheus.Gauge

	// Directory metrics
	DirectoryUsersRead     prometheus.Gauge
	DirectoryUsersExcluded prometheus.Gauge

	// Sign service metrics
	SignUsersRead     *prometheus.GaugeVec
	SignOnlyUsers     *prometheus.GaugeVec
	UsersCreated      *prometheus.CounterVec
	UsersReactivated  *prometheus.CounterVec
	UsersDeactivated  *prometheus.CounterVec
	GroupUpdatesTotal *prometheus.CounterVec
	RoleUpdatesTotal  *prometheus.CounterVec
	UserErrorsTotal   *prometheus.CounterVec
	StrayLimitSkips   *prometheus.CounterVec

	// API client metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signsync_runs_total",
				Help: "Total number of sync runs",
			},
			[]string{"status"},
		),
		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "signsync_run_duration_seconds",
				Help:    "Sync run duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		LastRunUnixtime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "signsync_last_run_timestamp_seconds",
				Help: "Unix timestamp of the last completed sync run",
			},
		),

		DirectoryUsersRead: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "signsync_directory_users_read",
				Help: "Number of directory users read in the last run",
			},
		),
		DirectoryUsersExcluded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "signsync_directory_users_excluded",
				Help: "Number of directory users excluded in the last run",
			},
		),

		SignUsersRead: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "signsync_sign_users_read",
				Help: "Number of sign users read in the last run",
			},
			[]string{"org"},
		),
		SignOnlyUsers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "signsync_sign_only_users",
				Help: "Number of sign users with no directory counterpart",
			},
			[]string{"org"},
		),
		UsersCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signsync_users_created_total",
				Help: "Total number of sign users created",
			},
			[]string{"org"},
		),
		UsersReactivated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signsync_users_reactivated_total",
				Help: "Total number of inactive sign users reactivated",
			},
			[]string{"org"},
		),
		UsersDeactivated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signsync_users_deactivated_total",
				Help: "Total number of sign users deactivated",
			},
			[]string{"org"},
		),
		GroupUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signsync_group_updates_total",
				Help: "Total number of users with group membership updates",
			},
			[]string{"org"},
		),
		RoleUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signsync_role_updates_total",
				Help: "Total number of users with admin role updates",
			},
			[]string{"org"},
		),
		UserErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signsync_user_errors_total",
				Help: "Total number of per-user sync errors",
			},
			[]string{"org", "kind"},
		),
		StrayLimitSkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signsync_stray_limit_skips_total",
				Help: "Times the sign-only handler was skipped by the stray limit",
			},
			[]string{"org"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signsync_api_requests_total",
				Help: "Total number of sign API requests",
			},
			[]string{"method", "operation", "status"},
		),
		APIRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signsync_api_request_duration_seconds",
				Help:    "Sign API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "operation"},
		),
	}

	registry.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.LastRunUnixtime,
		m.DirectoryUsersRead,
		m.DirectoryUsersExcluded,
		m.SignUsersRead,
		m.SignOnlyUsers,
		m.UsersCreated,
		m.UsersReactivated,
		m.UsersDeactivated,
		m.GroupUpdatesTotal,
		m.RoleUpdatesTotal,
		m.UserErrorsTotal,
		m.StrayLimitSkips,
		m.APIRequestsTotal,
		m.APIRequestDuration,
	)

	return m
}

// MetricsHandler returns the /metrics handler for the given registry
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
