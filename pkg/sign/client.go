package sign

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/platinummonkey/signsync/pkg/observability"
)

const (
	defaultPageSize           = 1000
	defaultRequestConcurrency = 4
	defaultRetryCount         = 5
	defaultTimeout            = time.Minute
)

// Config holds the connection settings for one sign-service org
type Config struct {
	// Org is the org name this client targets
	Org string

	// BaseURL is the API access point, e.g. https://api.example.com/api/rest/v6
	BaseURL string

	// OAuth2 client-credentials grant. When TokenURL is empty,
	// IntegrationKey is used as a static bearer token instead.
	ClientID       string
	ClientSecret   string
	TokenURL       string
	IntegrationKey string

	// CreateUsers allows the sync to create new accounts in this org
	CreateUsers bool

	// DeactivateUsers allows the sync to deactivate accounts in this org
	DeactivateUsers bool

	// TestMode logs write calls without sending them
	TestMode bool

	RequestConcurrency int
	RetryCount         int
	Timeout            time.Duration
	PageSize           int
}

func (c *Config) applyDefaults() {
	if c.RequestConcurrency <= 0 {
		c.RequestConcurrency = defaultRequestConcurrency
	}
	if c.RetryCount <= 0 {
		c.RetryCount = defaultRetryCount
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
}

// APIError is a non-2xx response from the sign service
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sign api %s returned status %d: %s", e.Operation, e.StatusCode, e.Body)
}

// Client is a REST client for one sign-service org. It satisfies the
// engine's SignConnector interface. Retries with backoff are handled by the
// underlying retryable HTTP client; bulk calls are fanned out under a
// weighted semaphore so one org can't exhaust the service's rate limits.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *retryablehttp.Client
	sem     *semaphore.Weighted
	cache   Cache
	logger  *observability.Logger
	metrics *observability.Metrics

	mu          sync.Mutex
	lastUserIDs []string
}

// NewClient creates a sign client. cache and metrics may be nil.
func NewClient(cfg Config, cache Cache, logger *observability.Logger, metrics *observability.Metrics) (*Client, error) {
	cfg.applyDefaults()
	if cfg.Org == "" {
		return nil, fmt.Errorf("org name is required")
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid sign base url %q", cfg.BaseURL)
	}

	transport := otelhttp.NewTransport(http.DefaultTransport)

	var httpClient *http.Client
	switch {
	case cfg.TokenURL != "":
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		})
		httpClient = cc.Client(ctx)
		httpClient.Timeout = cfg.Timeout
	case cfg.IntegrationKey != "":
		httpClient = &http.Client{
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.IntegrationKey}),
				Base:   transport,
			},
			Timeout: cfg.Timeout,
		}
	default:
		return nil, fmt.Errorf("sign org %q needs either oauth credentials or an integration key", cfg.Org)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryWaitMin = time.Millisecond * 100
	retryClient.RetryWaitMax = time.Second * 5
	retryClient.RetryMax = cfg.RetryCount
	retryClient.Logger = newLeveledLogger(cfg.Org)
	retryClient.HTTPClient = httpClient

	return &Client{
		cfg:     cfg,
		base:    base,
		http:    retryClient,
		sem:     semaphore.NewWeighted(int64(cfg.RequestConcurrency)),
		cache:   cache,
		logger:  logger.WithOrg(cfg.Org),
		metrics: metrics,
	}, nil
}

func (c *Client) Org() string           { return c.cfg.Org }
func (c *Client) CreateUsers() bool     { return c.cfg.CreateUsers }
func (c *Client) DeactivateUsers() bool { return c.cfg.DeactivateUsers }

func (c *Client) endpoint(parts ...string) string {
	return c.base.String() + "/" + strings.Join(parts, "/")
}

// do issues one request and decodes the JSON response into out when non-nil
func (c *Client) do(ctx context.Context, method, rawURL, operation string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", operation, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if c.metrics != nil {
		status := "error"
		if err == nil {
			status = fmt.Sprintf("%d", resp.StatusCode)
		}
		c.metrics.APIRequestsTotal.WithLabelValues(method, operation, status).Inc()
		c.metrics.APIRequestDuration.WithLabelValues(method, operation).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("%s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", operation, err)
	}
	if resp.StatusCode >= 300 {
		return &APIError{Operation: operation, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", operation, err)
		}
	}
	return nil
}

type pageInfo struct {
	NextCursor string `json:"nextCursor"`
}

// Users returns every user in the org keyed by canonical email
func (c *Client) Users(ctx context.Context) (map[string]*UserInfo, error) {
	out := make(map[string]*UserInfo)
	var ids []string
	cursor := ""
	for {
		q := url.Values{"pageSize": {fmt.Sprintf("%d", c.cfg.PageSize)}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page struct {
			UserInfoList []*UserInfo `json:"userInfoList"`
			Page         pageInfo    `json:"page"`
		}
		if err := c.do(ctx, http.MethodGet, c.endpoint("users")+"?"+q.Encode(), "list_users", nil, &page); err != nil {
			return nil, err
		}
		for _, u := range page.UserInfoList {
			out[strings.ToLower(strings.TrimSpace(u.Email))] = u
			ids = append(ids, u.ID)
		}
		if page.Page.NextCursor == "" {
			break
		}
		cursor = page.Page.NextCursor
	}

	c.mu.Lock()
	c.lastUserIDs = ids
	c.mu.Unlock()
	c.logger.Debugf("Fetched %d sign users", len(out))

	// best effort: a stale snapshot is better than a failed run
	if c.cache != nil {
		snapshot := make([]*UserInfo, 0, len(out))
		for _, u := range out {
			snapshot = append(snapshot, u)
		}
		if err := c.cache.SaveSnapshot(ctx, c.cfg.Org, snapshot); err != nil {
			c.logger.WithError(err).Warn("Failed to store user snapshot")
		}
	}
	return out, nil
}

// Groups returns the org's groups keyed by normalized (lower-cased) name
func (c *Client) Groups(ctx context.Context) (map[string]*GroupInfo, error) {
	out := make(map[string]*GroupInfo)
	cursor := ""
	for {
		q := url.Values{"pageSize": {fmt.Sprintf("%d", c.cfg.PageSize)}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page struct {
			GroupInfoList []*GroupInfo `json:"groupInfoList"`
			Page          pageInfo     `json:"page"`
		}
		if err := c.do(ctx, http.MethodGet, c.endpoint("groups")+"?"+q.Encode(), "list_groups", nil, &page); err != nil {
			return nil, err
		}
		for _, g := range page.GroupInfoList {
			out[strings.ToLower(g.GroupName)] = g
		}
		if page.Page.NextCursor == "" {
			break
		}
		cursor = page.Page.NextCursor
	}
	c.logger.Debugf("Fetched %d sign groups", len(out))
	return out, nil
}

// UserGroups returns every user's group assignments keyed by user id. The
// service only exposes assignments per user, so this fans out one request per
// user bounded by the configured request concurrency.
func (c *Client) UserGroups(ctx context.Context) (map[string][]UserGroupInfo, error) {
	c.mu.Lock()
	ids := append([]string(nil), c.lastUserIDs...)
	c.mu.Unlock()
	if ids == nil {
		if _, err := c.Users(ctx); err != nil {
			return nil, err
		}
		c.mu.Lock()
		ids = append([]string(nil), c.lastUserIDs...)
		c.mu.Unlock()
	}

	out := make(map[string][]UserGroupInfo, len(ids))
	var outMu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := c.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer c.sem.Release(1)
			var resp UserGroupsInfo
			if err := c.do(ctx, http.MethodGet, c.endpoint("users", id, "groups"), "get_user_groups", nil, &resp); err != nil {
				return err
			}
			outMu.Lock()
			out[id] = resp.GroupInfoList
			outMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateGroup creates a group with the given name
func (c *Client) CreateGroup(ctx context.Context, name string) error {
	if c.cfg.TestMode {
		c.logger.Infof("(TEST MODE) would create group %q", name)
		return nil
	}
	body := struct {
		GroupName string `json:"groupName"`
	}{GroupName: name}
	return c.do(ctx, http.MethodPost, c.endpoint("groups"), "create_group", body, nil)
}

// InsertUser creates a new user and returns its id
func (c *Client) InsertUser(ctx context.Context, user *UserInfo) (string, error) {
	if c.cfg.TestMode {
		c.logger.Infof("(TEST MODE) would insert user %q", user.Email)
		return "test-" + uuid.NewString(), nil
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, c.endpoint("users"), "insert_user", user, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// UpdateUserState activates or deactivates one user
func (c *Client) UpdateUserState(ctx context.Context, userID string, state UserStateInfo) error {
	if c.cfg.TestMode {
		c.logger.Infof("(TEST MODE) would set user %q state to %s", userID, state.State)
		return nil
	}
	return c.do(ctx, http.MethodPut, c.endpoint("users", userID, "state"), "update_user_state", state, nil)
}

// UpdateUsers applies account-level updates, fanned out under the semaphore
func (c *Client) UpdateUsers(ctx context.Context, users []*UserInfo) error {
	if c.cfg.TestMode {
		c.logger.Infof("(TEST MODE) would update %d users", len(users))
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, u := range users {
		u := u
		g.Go(func() error {
			if err := c.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer c.sem.Release(1)
			return c.do(ctx, http.MethodPut, c.endpoint("users", u.ID), "update_user", u, nil)
		})
	}
	return g.Wait()
}

// UpdateUserGroups applies group membership updates, fanned out under the
// semaphore
func (c *Client) UpdateUserGroups(ctx context.Context, updates []UserGroupsUpdate) error {
	if c.cfg.TestMode {
		c.logger.Infof("(TEST MODE) would update groups for %d users", len(updates))
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, upd := range updates {
		upd := upd
		g.Go(func() error {
			if err := c.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer c.sem.Release(1)
			return c.do(ctx, http.MethodPut, c.endpoint("users", upd.UserID, "groups"), "update_user_groups", upd.Groups, nil)
		})
	}
	return g.Wait()
}

// UpdateUserGroupsSingle applies one user's group membership update
func (c *Client) UpdateUserGroupsSingle(ctx context.Context, userID string, groups UserGroupsInfo) error {
	if c.cfg.TestMode {
		c.logger.Infof("(TEST MODE) would update groups for user %q", userID)
		return nil
	}
	return c.do(ctx, http.MethodPut, c.endpoint("users", userID, "groups"), "update_user_groups", groups, nil)
}
