package directory

import (
	"context"
	"fmt"
	"strings"

	ldap "github.com/go-ldap/ldap/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/platinummonkey/signsync/pkg/observability"
)

const (
	defaultLDAPPageSize  = 1000
	defaultDNCacheSize   = 4096
	defaultUserFilter    = "(&(objectClass=person)(mail=*))"
	defaultEmailAttr     = "mail"
	defaultFirstNameAttr = "givenName"
	defaultLastNameAttr  = "sn"
	defaultMemberOfAttr  = "memberOf"
	defaultGroupNameAttr = "cn"
)

// LDAPConfig configures the LDAP directory connector
type LDAPConfig struct {
	// URL is an ldap:// or ldaps:// URL
	URL      string
	BindDN   string
	Password string

	// BaseDN is the search base for users
	BaseDN string

	// UserFilter selects the user entries to sync
	UserFilter string

	EmailAttr     string
	FirstNameAttr string
	LastNameAttr  string
	MemberOfAttr  string
	GroupNameAttr string

	PageSize    uint32
	DNCacheSize int
}

func (c *LDAPConfig) applyDefaults() {
	if c.UserFilter == "" {
		c.UserFilter = defaultUserFilter
	}
	if c.EmailAttr == "" {
		c.EmailAttr = defaultEmailAttr
	}
	if c.FirstNameAttr == "" {
		c.FirstNameAttr = defaultFirstNameAttr
	}
	if c.LastNameAttr == "" {
		c.LastNameAttr = defaultLastNameAttr
	}
	if c.MemberOfAttr == "" {
		c.MemberOfAttr = defaultMemberOfAttr
	}
	if c.GroupNameAttr == "" {
		c.GroupNameAttr = defaultGroupNameAttr
	}
	if c.PageSize == 0 {
		c.PageSize = defaultLDAPPageSize
	}
	if c.DNCacheSize <= 0 {
		c.DNCacheSize = defaultDNCacheSize
	}
}

// ldapConn is the slice of *ldap.Conn the connector uses, so tests can
// substitute a fake.
type ldapConn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	SearchWithPaging(req *ldap.SearchRequest, pagingSize uint32) (*ldap.SearchResult, error)
	Close() error
}

// LDAPConnector reads users and memberships from an LDAP directory. Group
// membership comes from the memberOf attribute; member DNs are resolved to
// group names through a lookup cached in an LRU, since the same handful of
// group DNs repeats across thousands of users.
type LDAPConnector struct {
	cfg     LDAPConfig
	logger  *observability.Logger
	dnCache *lru.Cache[string, string]
	dial    func() (ldapConn, error)
}

// NewLDAPConnector creates an LDAP connector. No connection is made until
// LoadUsersAndGroups.
func NewLDAPConnector(cfg LDAPConfig, logger *observability.Logger) (*LDAPConnector, error) {
	cfg.applyDefaults()
	if cfg.URL == "" {
		return nil, fmt.Errorf("ldap url is required")
	}
	if cfg.BaseDN == "" {
		return nil, fmt.Errorf("ldap base dn is required")
	}
	cache, err := lru.New[string, string](cfg.DNCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dn cache: %w", err)
	}
	c := &LDAPConnector{
		cfg:     cfg,
		logger:  logger.WithField("connector", "ldap"),
		dnCache: cache,
	}
	c.dial = func() (ldapConn, error) {
		return ldap.DialURL(cfg.URL)
	}
	return c, nil
}

func (c *LDAPConnector) Name() string { return "ldap" }

// LoadUsersAndGroups searches the directory for user entries and resolves
// their group memberships. The groups argument is advisory here; membership
// filtering happens in the engine.
func (c *LDAPConnector) LoadUsersAndGroups(ctx context.Context, groups []string, allUsers bool) ([]*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := c.dial()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ldap at %q: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	if c.cfg.BindDN != "" {
		if err := conn.Bind(c.cfg.BindDN, c.cfg.Password); err != nil {
			return nil, fmt.Errorf("failed to bind as %q: %w", c.cfg.BindDN, err)
		}
	}

	req := ldap.NewSearchRequest(
		c.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0,
		0,
		false,
		c.cfg.UserFilter,
		[]string{c.cfg.EmailAttr, c.cfg.FirstNameAttr, c.cfg.LastNameAttr, c.cfg.MemberOfAttr},
		nil,
	)
	result, err := conn.SearchWithPaging(req, c.cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("ldap user search failed: %w", err)
	}

	users := make([]*User, 0, len(result.Entries))
	for _, entry := range result.Entries {
		u := &User{
			Email:     entry.GetAttributeValue(c.cfg.EmailAttr),
			FirstName: entry.GetAttributeValue(c.cfg.FirstNameAttr),
			LastName:  entry.GetAttributeValue(c.cfg.LastNameAttr),
		}
		for _, dn := range entry.GetAttributeValues(c.cfg.MemberOfAttr) {
			name := c.resolveGroupName(conn, dn)
			if name != "" {
				u.Groups = append(u.Groups, name)
			}
		}
		users = append(users, u)
	}
	c.logger.Infof("Loaded %d users from ldap", len(users))
	return users, nil
}

// resolveGroupName turns a group DN into the group's name attribute. Results
// are cached; on lookup failure the name is parsed out of the DN's first RDN.
func (c *LDAPConnector) resolveGroupName(conn ldapConn, dn string) string {
	if name, ok := c.dnCache.Get(dn); ok {
		return name
	}

	name := ""
	req := ldap.NewSearchRequest(
		dn,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1,
		0,
		false,
		"(objectClass=*)",
		[]string{c.cfg.GroupNameAttr},
		nil,
	)
	if result, err := conn.Search(req); err == nil && len(result.Entries) > 0 {
		name = result.Entries[0].GetAttributeValue(c.cfg.GroupNameAttr)
	}
	if name == "" {
		name = firstRDNValue(dn)
	}
	if name != "" {
		c.dnCache.Add(dn, name)
	}
	return name
}

// firstRDNValue extracts the value of the first RDN, e.g. "Engineering" from
// "CN=Engineering,OU=Groups,DC=example,DC=com".
func firstRDNValue(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		if idx := strings.Index(dn, "="); idx >= 0 {
			rest := dn[idx+1:]
			if comma := strings.Index(rest, ","); comma >= 0 {
				return rest[:comma]
			}
			return rest
		}
		return ""
	}
	return parsed.RDNs[0].Attributes[0].Value
}
