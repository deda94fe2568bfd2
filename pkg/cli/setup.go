package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/signsync/pkg/config"
	"github.com/platinummonkey/signsync/pkg/directory"
	"github.com/platinummonkey/signsync/pkg/engine"
	"github.com/platinummonkey/signsync/pkg/observability"
	"github.com/platinummonkey/signsync/pkg/sign"
)

// pipeline bundles everything a sync run needs, built once from the
// configuration.
type pipeline struct {
	cfg      *config.Config
	logger   *observability.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics
	cache    sign.Cache
	engine   *engine.Engine
}

// newPipeline builds the full sync pipeline from a config file. testMode
// forces dry-run behavior regardless of the configured default.
func newPipeline(ctx context.Context, configPath string, testMode bool) (*pipeline, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	cache, err := newCache(ctx, cfg)
	if err != nil {
		return nil, err
	}

	eng, err := buildEngine(cfg, testMode, cache, logger, metrics)
	if err != nil {
		cache.Close()
		return nil, err
	}

	return &pipeline{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics,
		cache:    cache,
		engine:   eng,
	}, nil
}

func (p *pipeline) Close() error {
	return p.cache.Close()
}

func newLogger(cfg *config.Config) *observability.Logger {
	level := observability.ParseLogLevel(cfg.Logging.Level)
	if cfg.Logging.Format == "json" {
		return observability.NewLogger(level, os.Stdout)
	}
	return observability.NewConsoleLogger(level, os.Stdout)
}

func newCache(ctx context.Context, cfg *config.Config) (sign.Cache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		return sign.NewRedisCache(ctx, cfg.Cache.Redis.Addr, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB, cfg.Cache.Redis.TTL)
	default:
		if dir := filepath.Dir(cfg.Cache.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create cache directory: %w", err)
			}
		}
		return sign.NewSQLiteCache(cfg.Cache.Path)
	}
}

func newDirectoryConnector(cfg *config.Config, logger *observability.Logger) (directory.Connector, error) {
	switch cfg.IdentitySource.Type {
	case "csv":
		return directory.NewCSVConnector(cfg.IdentitySource.CSV.FilePath, logger), nil
	case "ldap":
		return directory.NewLDAPConnector(directory.LDAPConfig{
			URL:        cfg.IdentitySource.LDAP.URL,
			BindDN:     cfg.IdentitySource.LDAP.BindDN,
			Password:   cfg.IdentitySource.LDAP.Password,
			BaseDN:     cfg.IdentitySource.LDAP.BaseDN,
			UserFilter: cfg.IdentitySource.LDAP.UserFilter,
			PageSize:   uint32(cfg.IdentitySource.LDAP.PageSize),
		}, logger)
	case "okta":
		return directory.NewOktaConnector(directory.OktaConfig{
			OrgURL:     cfg.IdentitySource.Okta.OrgURL,
			APIToken:   cfg.IdentitySource.Okta.APIToken,
			Timeout:    cfg.Connection.Timeout,
			RetryCount: cfg.Connection.RetryCount,
		}, logger)
	}
	return nil, fmt.Errorf("unknown identity source %q", cfg.IdentitySource.Type)
}

func newSignConnectors(cfg *config.Config, testMode bool, cache sign.Cache, logger *observability.Logger, metrics *observability.Metrics) (map[string]engine.SignConnector, error) {
	connectors := make(map[string]engine.SignConnector, len(cfg.SignOrgs))
	for name, org := range cfg.SignOrgs {
		client, err := sign.NewClient(sign.Config{
			Org:                name,
			BaseURL:            org.BaseURL,
			ClientID:           org.ClientID,
			ClientSecret:       org.ClientSecret,
			TokenURL:           org.TokenURL,
			IntegrationKey:     org.IntegrationKey,
			CreateUsers:        org.CreateUsers,
			DeactivateUsers:    org.DeactivateUsers,
			TestMode:           testMode,
			RequestConcurrency: cfg.Connection.RequestConcurrency,
			RetryCount:         cfg.Connection.RetryCount,
			Timeout:            cfg.Connection.Timeout,
			PageSize:           cfg.Connection.PageSize,
		}, cache, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to build sign client for org %q: %w", name, err)
		}
		connectors[name] = client
	}
	return connectors, nil
}

func buildEngine(cfg *config.Config, testMode bool, cache sign.Cache, logger *observability.Logger, metrics *observability.Metrics) (*engine.Engine, error) {
	opts, err := cfg.EngineOptions(testMode)
	if err != nil {
		return nil, err
	}
	table, err := cfg.MappingTable(logger)
	if err != nil {
		return nil, err
	}

	dir, err := newDirectoryConnector(cfg, logger)
	if err != nil {
		return nil, err
	}
	connectors, err := newSignConnectors(cfg, opts.TestMode, cache, logger, metrics)
	if err != nil {
		return nil, err
	}

	return engine.New(opts, table, cfg.EnginePrimaryGroupRules(), dir, connectors, logger, metrics)
}
