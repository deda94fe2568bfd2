package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/signsync/pkg/observability"
)

// RunFunc executes one sync run
type RunFunc func(ctx context.Context) error

// ReloadFunc rebuilds the sync pipeline after the config file changes and
// returns the new run function.
type ReloadFunc func() (RunFunc, error)

// Options configure the daemon scheduler
type Options struct {
	// Schedule is a standard 5-field cron expression
	Schedule string

	// ListenAddr serves /healthz, /readyz and /metrics
	ListenAddr string

	// ConfigPath, when set, is watched; changes trigger the reload function
	ConfigPath string

	// RunOnStart fires a sync immediately instead of waiting for the first
	// cron tick
	RunOnStart bool

	// RunTimeout bounds a single sync run. Zero means no limit.
	RunTimeout time.Duration

	ShutdownTimeout time.Duration
}

// Scheduler runs sync on a cron schedule, serves health and metrics
// endpoints, and hot-reloads the pipeline when the config file changes.
type Scheduler struct {
	opts     Options
	reload   ReloadFunc
	health   *observability.HealthChecker
	registry *prometheus.Registry
	logger   *observability.Logger

	mu  sync.Mutex
	run RunFunc
}

// New validates the schedule and builds a scheduler. run is the initial
// pipeline; reload may be nil to disable hot reloads.
func New(opts Options, run RunFunc, reload ReloadFunc, health *observability.HealthChecker, registry *prometheus.Registry, logger *observability.Logger) (*Scheduler, error) {
	if opts.Schedule == "" {
		return nil, fmt.Errorf("a cron schedule is required")
	}
	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return nil, fmt.Errorf("bad cron schedule %q: %w", opts.Schedule, err)
	}
	if run == nil {
		return nil, fmt.Errorf("a run function is required")
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":8080"
	}
	return &Scheduler{
		opts:     opts,
		run:      run,
		reload:   reload,
		health:   health,
		registry: registry,
		logger:   logger,
	}, nil
}

// Start blocks until SIGINT/SIGTERM. It runs the cron loop, the HTTP
// endpoints, and the config watcher.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.opts.Schedule, func() { s.runOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule sync: %w", err)
	}
	c.Start()
	defer c.Stop()
	s.logger.WithField("schedule", s.opts.Schedule).Info("Scheduler started")

	server := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.WithField("addr", s.opts.ListenAddr).Info("Serving health and metrics endpoints")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()

	var watcher *fsnotify.Watcher
	if s.opts.ConfigPath != "" && s.reload != nil {
		var err error
		watcher, err = s.watchConfig(ctx)
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	if s.opts.RunOnStart {
		go s.runOnce(ctx)
	}

	sm := observability.NewShutdownManager(s.logger, server, s.opts.ShutdownTimeout)
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		// wait for an in-flight run to finish
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil
	})
	return sm.WaitForShutdown()
}

// routes builds the HTTP endpoint router
func (s *Scheduler) routes() http.Handler {
	r := mux.NewRouter()
	if s.health != nil {
		r.HandleFunc("/healthz", s.health.Liveness).Methods(http.MethodGet)
		r.HandleFunc("/readyz", s.health.Readiness).Methods(http.MethodGet)
	}
	if s.registry != nil {
		r.Handle("/metrics", observability.MetricsHandler(s.registry)).Methods(http.MethodGet)
	}
	return r
}

// runOnce executes one sync run and records the outcome. Overlapping runs
// are serialized.
func (s *Scheduler) runOnce(ctx context.Context) {
	s.mu.Lock()
	run := s.run
	defer s.mu.Unlock()

	if s.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
		defer cancel()
	}

	err := run(ctx)
	if s.health != nil {
		s.health.RecordRun(time.Now(), err)
	}
	if err != nil {
		s.logger.WithError(err).Error("Scheduled sync run failed")
	}
}

// watchConfig reloads the pipeline when the config file is rewritten.
// Editors and config management tools often replace the file, so the watch
// is on the directory and events are filtered by name.
func (s *Scheduler) watchConfig(ctx context.Context) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	dir := filepath.Dir(s.opts.ConfigPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				s.maybeReload(event)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.WithError(err).Warn("Config watcher error")
			}
		}
	}()
	return watcher, nil
}

func (s *Scheduler) maybeReload(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(s.opts.ConfigPath) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	run, err := s.reload()
	if err != nil {
		s.logger.WithError(err).Error("Config reload failed, keeping previous configuration")
		return
	}
	s.mu.Lock()
	s.run = run
	s.mu.Unlock()
	s.logger.WithField("path", s.opts.ConfigPath).Info("Configuration reloaded")
}
