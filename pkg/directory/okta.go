package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/platinummonkey/signsync/pkg/observability"
)

const oktaPageLimit = 200

// OktaConfig configures the Okta directory connector
type OktaConfig struct {
	// OrgURL is the Okta org URL, e.g. https://example.okta.com
	OrgURL string

	// APIToken is an SSWS API token
	APIToken string

	Timeout    time.Duration
	RetryCount int
}

// OktaConnector reads group memberships from the Okta API. Okta has no cheap
// way to enumerate every user with their groups, so this connector only
// supports group-scoped reads: it resolves each requested group by name and
// pages through its members.
type OktaConnector struct {
	cfg    OktaConfig
	http   *retryablehttp.Client
	logger *observability.Logger
}

type oktaGroup struct {
	ID      string `json:"id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type oktaUser struct {
	ID      string `json:"id"`
	Profile struct {
		Email     string `json:"email"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
	} `json:"profile"`
}

// NewOktaConnector creates an Okta connector
func NewOktaConnector(cfg OktaConfig, logger *observability.Logger) (*OktaConnector, error) {
	if cfg.OrgURL == "" || cfg.APIToken == "" {
		return nil, fmt.Errorf("okta org url and api token are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 5
	}
	retryClient := retryablehttp.NewClient()
	retryClient.RetryWaitMin = time.Millisecond * 100
	retryClient.RetryWaitMax = time.Second * 5
	retryClient.RetryMax = cfg.RetryCount
	retryClient.Logger = nil
	retryClient.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &OktaConnector{
		cfg:    cfg,
		http:   retryClient,
		logger: logger.WithField("connector", "okta"),
	}, nil
}

func (c *OktaConnector) Name() string { return "okta" }

// LoadUsersAndGroups reads the members of each requested group. allUsers is
// not supported; the sync must be group-scoped with Okta.
func (c *OktaConnector) LoadUsersAndGroups(ctx context.Context, groups []string, allUsers bool) ([]*User, error) {
	if allUsers || len(groups) == 0 {
		return nil, fmt.Errorf("the okta connector requires group mappings; it cannot enumerate all users")
	}

	byEmail := make(map[string]*User)
	var order []string
	for _, groupName := range groups {
		group, err := c.findGroup(ctx, groupName)
		if err != nil {
			return nil, err
		}
		if group == nil {
			c.logger.Warnf("Okta group %q not found, skipping", groupName)
			continue
		}
		members, err := c.groupMembers(ctx, group.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list members of okta group %q: %w", groupName, err)
		}
		for _, m := range members {
			key := strings.ToLower(m.Profile.Email)
			u, ok := byEmail[key]
			if !ok {
				u = &User{
					Email:     m.Profile.Email,
					FirstName: m.Profile.FirstName,
					LastName:  m.Profile.LastName,
				}
				byEmail[key] = u
				order = append(order, key)
			}
			u.Groups = append(u.Groups, groupName)
		}
	}

	users := make([]*User, 0, len(order))
	for _, key := range order {
		users = append(users, byEmail[key])
	}
	c.logger.Infof("Loaded %d users from okta across %d groups", len(users), len(groups))
	return users, nil
}

// findGroup resolves a group by exact name. The q parameter is a prefix
// search, so the results still need an exact-match pass.
func (c *OktaConnector) findGroup(ctx context.Context, name string) (*oktaGroup, error) {
	q := url.Values{"q": {name}, "limit": {fmt.Sprintf("%d", oktaPageLimit)}}
	var groups []oktaGroup
	if _, err := c.get(ctx, c.cfg.OrgURL+"/api/v1/groups?"+q.Encode(), &groups); err != nil {
		return nil, fmt.Errorf("failed to look up okta group %q: %w", name, err)
	}
	for i := range groups {
		if strings.EqualFold(groups[i].Profile.Name, name) {
			return &groups[i], nil
		}
	}
	return nil, nil
}

func (c *OktaConnector) groupMembers(ctx context.Context, groupID string) ([]oktaUser, error) {
	var out []oktaUser
	next := c.cfg.OrgURL + "/api/v1/groups/" + groupID + "/users?limit=" + fmt.Sprintf("%d", oktaPageLimit)
	for next != "" {
		var page []oktaUser
		header, err := c.get(ctx, next, &page)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		next = nextLink(header)
	}
	return out, nil
}

func (c *OktaConnector) get(ctx context.Context, rawURL string, out interface{}) (http.Header, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "SSWS "+c.cfg.APIToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("okta api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to decode okta response: %w", err)
	}
	return resp.Header, nil
}

// nextLink extracts the rel="next" URL from an Okta Link header
func nextLink(header http.Header) string {
	for _, link := range header.Values("Link") {
		for _, part := range strings.Split(link, ",") {
			part = strings.TrimSpace(part)
			if !strings.Contains(part, `rel="next"`) {
				continue
			}
			start := strings.Index(part, "<")
			end := strings.Index(part, ">")
			if start >= 0 && end > start {
				return part[start+1 : end]
			}
		}
	}
	return ""
}
