package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/signsync/pkg/engine"
)

// Config is the root configuration, loaded from a YAML file with selected
// SIGNSYNC_* environment overrides for secrets.
type Config struct {
	IdentitySource     IdentitySource       `yaml:"identity_source"`
	SignOrgs           map[string]SignOrg   `yaml:"sign_orgs"`
	UserSync           UserSync             `yaml:"user_sync"`
	UserManagement     []UserManagementRule `yaml:"user_management"`
	PrimaryGroupRules  []PrimaryGroupRule   `yaml:"primary_group_rules"`
	AccountAdminGroups []string             `yaml:"account_admin_groups"`
	Cache              CacheConfig          `yaml:"cache"`
	Connection         Connection           `yaml:"connection"`
	Logging            Logging              `yaml:"logging"`
	Daemon             Daemon               `yaml:"daemon"`
	Tracing            Tracing              `yaml:"tracing"`
	InvocationDefaults Invocation           `yaml:"invocation_defaults"`
}

// IdentitySource selects and configures the directory connector
type IdentitySource struct {
	Type string     `yaml:"type"` // ldap, okta, csv
	CSV  CSVSource  `yaml:"csv"`
	LDAP LDAPSource `yaml:"ldap"`
	Okta OktaSource `yaml:"okta"`
}

type CSVSource struct {
	FilePath string `yaml:"file_path"`
}

type LDAPSource struct {
	URL        string `yaml:"url"`
	BindDN     string `yaml:"bind_dn"`
	Password   string `yaml:"password"`
	BaseDN     string `yaml:"base_dn"`
	UserFilter string `yaml:"user_filter"`
	PageSize   int    `yaml:"page_size"`
}

type OktaSource struct {
	OrgURL   string `yaml:"org_url"`
	APIToken string `yaml:"api_token"`
}

// SignOrg configures one sign-service org connection
type SignOrg struct {
	BaseURL         string `yaml:"base_url"`
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	TokenURL        string `yaml:"token_url"`
	IntegrationKey  string `yaml:"integration_key"`
	CreateUsers     bool   `yaml:"create_users"`
	DeactivateUsers bool   `yaml:"deactivate_users"`
}

// UserSync holds the core sync policy knobs
type UserSync struct {
	// SignOnlyLimit is an absolute count or an "N%" string
	SignOnlyLimit FlexibleString `yaml:"sign_only_limit"`

	SignOnlyUserAction string `yaml:"sign_only_user_action"`

	// UMG enables user management groups (multi-group membership)
	UMG bool `yaml:"umg"`
}

// UserManagementRule maps one directory group onto sign groups and admin
// roles. Entries are priority-ordered by position in the file.
type UserManagementRule struct {
	DirectoryGroup string     `yaml:"directory_group"`
	SignGroups     StringList `yaml:"sign_group"`
	GroupAdmin     bool       `yaml:"group_admin"`
	AdminGroups    []string   `yaml:"admin_groups"`

	// AccountAdmin inside a mapping is deprecated; use the top level
	// account_admin_groups list instead
	AccountAdmin *bool `yaml:"account_admin"`
}

// PrimaryGroupRule selects a primary group for users holding all the listed
// sign groups. Evaluated in file order.
type PrimaryGroupRule struct {
	SignGroups   []string `yaml:"sign_groups"`
	PrimaryGroup string   `yaml:"primary_group"`
}

// CacheConfig selects the between-run snapshot cache backend
type CacheConfig struct {
	Backend string      `yaml:"backend"` // sqlite (default) or redis
	Path    string      `yaml:"path"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// Connection tunes the sign API client
type Connection struct {
	RequestConcurrency int           `yaml:"request_concurrency"`
	RetryCount         int           `yaml:"retry_count"`
	Timeout            time.Duration `yaml:"timeout"`
	PageSize           int           `yaml:"page_size"`
}

type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// Daemon configures scheduled operation
type Daemon struct {
	Schedule   string `yaml:"schedule"` // cron expression
	ListenAddr string `yaml:"listen_addr"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

type Invocation struct {
	TestMode bool `yaml:"test_mode"`

	// Users is "mapped" (default: restrict to users in mapped directory
	// groups) or "all"
	Users string `yaml:"users"`
}

// FlexibleString accepts either a YAML integer or string scalar
type FlexibleString string

func (s *FlexibleString) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("expected a scalar value")
	}
	*s = FlexibleString(value.Value)
	return nil
}

// StringList accepts either a single YAML string or a sequence of strings
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*l = nil
			return nil
		}
		*l = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var out []string
		if err := value.Decode(&out); err != nil {
			return err
		}
		*l = out
		return nil
	}
	return fmt.Errorf("expected a string or a list of strings")
}

// Load reads, parses, validates, and applies environment overrides to the
// configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %q: %w", path, err)
	}
	return cfg, nil
}

// Parse parses and validates raw YAML configuration
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.UserSync.SignOnlyLimit == "" {
		c.UserSync.SignOnlyLimit = "100"
	}
	if c.UserSync.SignOnlyUserAction == "" {
		c.UserSync.SignOnlyUserAction = string(engine.SignOnlyExclude)
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "sqlite"
	}
	if c.Cache.Backend == "sqlite" && c.Cache.Path == "" {
		c.Cache.Path = "cache/sign.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Daemon.ListenAddr == "" {
		c.Daemon.ListenAddr = ":8080"
	}
	if c.InvocationDefaults.Users == "" {
		c.InvocationDefaults.Users = "mapped"
	}
}

// applyEnvOverrides pulls secrets from the environment so they can stay out
// of the config file. Org-scoped keys use the upper-cased org name, e.g.
// SIGNSYNC_SIGN_PRIMARY_CLIENT_SECRET.
func (c *Config) applyEnvOverrides() {
	c.IdentitySource.LDAP.Password = getEnv("SIGNSYNC_LDAP_PASSWORD", c.IdentitySource.LDAP.Password)
	c.IdentitySource.Okta.APIToken = getEnv("SIGNSYNC_OKTA_API_TOKEN", c.IdentitySource.Okta.APIToken)
	c.Cache.Redis.Password = getEnv("SIGNSYNC_REDIS_PASSWORD", c.Cache.Redis.Password)
	c.Logging.Level = getEnv("SIGNSYNC_LOG_LEVEL", c.Logging.Level)

	for name, org := range c.SignOrgs {
		envOrg := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		org.ClientSecret = getEnv("SIGNSYNC_SIGN_"+envOrg+"_CLIENT_SECRET", org.ClientSecret)
		org.IntegrationKey = getEnv("SIGNSYNC_SIGN_"+envOrg+"_INTEGRATION_KEY", org.IntegrationKey)
		c.SignOrgs[name] = org
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// Validate checks the configuration for errors that would otherwise surface
// mid-run.
func (c *Config) Validate() error {
	switch c.IdentitySource.Type {
	case "csv":
		if c.IdentitySource.CSV.FilePath == "" {
			return fmt.Errorf("identity_source.csv.file_path is required")
		}
	case "ldap":
		if c.IdentitySource.LDAP.URL == "" || c.IdentitySource.LDAP.BaseDN == "" {
			return fmt.Errorf("identity_source.ldap needs url and base_dn")
		}
	case "okta":
		if c.IdentitySource.Okta.OrgURL == "" || c.IdentitySource.Okta.APIToken == "" {
			return fmt.Errorf("identity_source.okta needs org_url and api_token")
		}
	case "":
		return fmt.Errorf("identity_source.type is required")
	default:
		return fmt.Errorf("unknown identity_source.type %q", c.IdentitySource.Type)
	}

	if len(c.SignOrgs) == 0 {
		return fmt.Errorf("at least one sign org is required")
	}
	if _, ok := c.SignOrgs[engine.DefaultOrgName]; !ok {
		return fmt.Errorf("sign_orgs must contain the %q org", engine.DefaultOrgName)
	}
	for name, org := range c.SignOrgs {
		if org.BaseURL == "" {
			return fmt.Errorf("sign org %q needs a base_url", name)
		}
		if org.TokenURL == "" && org.IntegrationKey == "" {
			return fmt.Errorf("sign org %q needs oauth credentials or an integration key", name)
		}
		if org.TokenURL != "" && (org.ClientID == "" || org.ClientSecret == "") {
			return fmt.Errorf("sign org %q needs client_id and client_secret with token_url", name)
		}
	}

	if _, err := engine.ParseStrayLimit(string(c.UserSync.SignOnlyLimit)); err != nil {
		return fmt.Errorf("user_sync.sign_only_limit: %w", err)
	}
	if _, err := engine.ParseSignOnlyAction(c.UserSync.SignOnlyUserAction); err != nil {
		return fmt.Errorf("user_sync.sign_only_user_action: %w", err)
	}

	if len(c.UserManagement) == 0 {
		return fmt.Errorf("at least one user_management mapping is required")
	}
	for i, rule := range c.UserManagement {
		if rule.DirectoryGroup == "" {
			return fmt.Errorf("user_management[%d]: directory_group is required", i)
		}
	}

	if c.UserSync.UMG && len(c.PrimaryGroupRules) == 0 {
		return fmt.Errorf("primary_group_rules are required when umg is enabled")
	}
	for i, rule := range c.PrimaryGroupRules {
		if len(rule.SignGroups) == 0 || rule.PrimaryGroup == "" {
			return fmt.Errorf("primary_group_rules[%d]: sign_groups and primary_group are required", i)
		}
	}

	switch c.Cache.Backend {
	case "sqlite":
		if c.Cache.Path == "" {
			return fmt.Errorf("cache.path is required for the sqlite backend")
		}
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}

	switch c.InvocationDefaults.Users {
	case "mapped", "all":
	default:
		return fmt.Errorf("invocation_defaults.users must be %q or %q", "mapped", "all")
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}
