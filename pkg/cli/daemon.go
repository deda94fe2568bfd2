package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/platinummonkey/signsync/pkg/config"
	"github.com/platinummonkey/signsync/pkg/observability"
	"github.com/platinummonkey/signsync/pkg/scheduler"
	"github.com/platinummonkey/signsync/pkg/sign"
)

func newDaemonCommand() *Command {
	cmd := &Command{
		Name:        "daemon",
		Description: "Run synchronization on a schedule with health and metrics endpoints",
		Flags:       flag.NewFlagSet("daemon", flag.ExitOnError),
		Run:         runDaemon,
	}

	cmd.Flags.String("config", "config.yml", "Path to the configuration file")
	cmd.Flags.Bool("run-on-start", false, "Run a sync immediately instead of waiting for the first tick")

	return cmd
}

func runDaemon(args []string) error {
	flags := flag.NewFlagSet("daemon", flag.ExitOnError)
	configPath := flags.String("config", "config.yml", "Path to the configuration file")
	runOnStart := flags.Bool("run-on-start", false, "Run a sync immediately instead of waiting for the first tick")

	if err := flags.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	p, err := newPipeline(ctx, *configPath, false)
	if err != nil {
		return err
	}
	defer p.Close()

	if p.cfg.Daemon.Schedule == "" {
		return fmt.Errorf("daemon.schedule is required to run as a daemon")
	}

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:     p.cfg.Tracing.Enabled,
		Endpoint:    p.cfg.Tracing.Endpoint,
		Insecure:    p.cfg.Tracing.Insecure,
		ServiceName: "signsync",
	}, p.logger)
	if err != nil {
		return err
	}
	defer providers.Shutdown(ctx)

	health := newHealthChecker(p.cache)
	run := func(ctx context.Context) error {
		_, err := p.engine.Run(ctx)
		return err
	}

	// A reload rebuilds the engine from the new config but keeps the
	// logger, metrics registry and cache from startup. Changing the cache
	// backend or logging settings requires a restart.
	reload := func() (scheduler.RunFunc, error) {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		eng, err := buildEngine(cfg, false, p.cache, p.logger, p.metrics)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			_, err := eng.Run(ctx)
			return err
		}, nil
	}

	sched, err := scheduler.New(scheduler.Options{
		Schedule:   p.cfg.Daemon.Schedule,
		ListenAddr: p.cfg.Daemon.ListenAddr,
		ConfigPath: *configPath,
		RunOnStart: *runOnStart,
	}, run, reload, health, p.registry, p.logger)
	if err != nil {
		return err
	}
	return sched.Start(ctx)
}

// newHealthChecker wires the readiness probe to whichever cache backend is
// in use.
func newHealthChecker(cache sign.Cache) *observability.HealthChecker {
	switch c := cache.(type) {
	case *sign.SQLiteCache:
		return observability.NewHealthChecker(c.DB(), nil)
	case *sign.RedisCache:
		return observability.NewHealthChecker(nil, c.Client())
	}
	return observability.NewHealthChecker(nil, nil)
}
