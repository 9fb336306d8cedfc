// Package lemmy is the HTTP client for the Lemmy v3 API.
//
// One client serves two kinds of traffic: unauthenticated listings
// against arbitrary foreign instances, and authenticated calls
// (resolve, follow, subscribed listing) against the bot's home server.
// The HTTP client is injected so the whole pipeline runs against
// httptest fakes; there is no package-level session state.
package lemmy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lemmyfed/subwoofer/internal/types"
)

// SortTopSixMonths is the listing sort the scanner depends on: the
// same half-year activity metric the thresholds are measured against,
// descending, which is what makes the early-exit optimization sound.
const SortTopSixMonths = "TopSixMonths"

// DefaultTimeout is the fixed per-request timeout.
const DefaultTimeout = 15 * time.Second

// Config holds client configuration.
type Config struct {
	Home       string             // home instance domain, e.g. "lemmy.example"
	Scheme     string             // URL scheme (default: "https"; tests use "http")
	HTTPClient *http.Client       // injected transport (default: 15s timeout client)
	Retry      RetryConfig        // retry policy (defaults if zero)
	Logger     *zap.SugaredLogger // optional; nop when nil
}

// Client talks to Lemmy servers. Safe for concurrent use.
type Client struct {
	home    string
	scheme  string
	http    *http.Client
	retry   RetryConfig
	breaker *CircuitBreaker
	log     *zap.SugaredLogger

	mu  sync.RWMutex
	jwt string
}

// New creates a client. The bearer credential is empty until Login.
func New(cfg *Config) (*Client, error) {
	if cfg.Home == "" {
		return nil, fmt.Errorf("home instance is required")
	}

	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "https"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}

	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.InitialBackoff == 0 {
		retry = DefaultRetryConfig()
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Client{
		home:    cfg.Home,
		scheme:  scheme,
		http:    httpClient,
		retry:   retry,
		breaker: NewCircuitBreaker(retry.FailureThreshold, retry.SuccessThreshold, retry.OpenTimeout),
		log:     log,
	}, nil
}

// Home returns the home instance domain.
func (c *Client) Home() string { return c.home }

// Login exchanges credentials for the bearer token used by every
// authenticated call. There is no refresh path: a token expiring
// mid-run fails loudly on the next authenticated call.
func (c *Client) Login(ctx context.Context, username, password string) error {
	payload := map[string]string{
		"username_or_email": username,
		"password":          password,
	}
	var resp struct {
		JWT string `json:"jwt"`
	}
	if err := c.postJSON(ctx, c.endpoint(c.home, "/api/v3/user/login", nil), payload, &resp); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if resp.JWT == "" {
		return fmt.Errorf("login failed: response missing jwt")
	}

	c.mu.Lock()
	c.jwt = resp.JWT
	c.mu.Unlock()
	c.log.Infow("logged in", "username", username, "home", c.home)
	return nil
}

// LocalCommunities fetches one page of an instance's local community
// listing, sorted by half-year activity descending. An empty result
// means the listing is exhausted.
func (c *Client) LocalCommunities(ctx context.Context, domain string, page int) ([]types.Community, error) {
	q := url.Values{
		"type_": {"Local"},
		"sort":  {SortTopSixMonths},
		"page":  {strconv.Itoa(page)},
	}
	var resp listResponse
	err := c.withRetry(ctx, "community list", nil, func(ctx context.Context) error {
		resp = listResponse{}
		return c.getJSON(ctx, c.endpoint(domain, "/api/v3/community/list", q), &resp)
	})
	if err != nil {
		return nil, err
	}
	return resp.communities(), nil
}

// SubscribedCommunities fetches one page of the account's
// subscriptions from the home server. Used only by the reset path.
func (c *Client) SubscribedCommunities(ctx context.Context, page int) ([]types.Community, error) {
	q := url.Values{
		"type_":     {"Subscribed"},
		"show_nsfw": {"true"},
		"page":      {strconv.Itoa(page)},
		"auth":      {c.token()},
	}
	var resp listResponse
	err := c.withRetry(ctx, "subscribed list", c.breaker, func(ctx context.Context) error {
		resp = listResponse{}
		return c.getJSON(ctx, c.endpoint(c.home, "/api/v3/community/list", q), &resp)
	})
	if err != nil {
		return nil, err
	}
	return resp.communities(), nil
}

// Resolve translates a foreign community's actor ID into its numeric
// ID on the home server. Returns ErrNotFound when the home server
// answers couldnt_find_object; that is a soft failure for this pass,
// never retried here.
func (c *Client) Resolve(ctx context.Context, actorID string) (int64, error) {
	q := url.Values{
		"q":    {actorID},
		"auth": {c.token()},
	}
	var resp resolveResponse
	err := c.withRetry(ctx, "resolve", c.breaker, func(ctx context.Context) error {
		resp = resolveResponse{}
		if err := c.getJSON(ctx, c.endpoint(c.home, "/api/v3/resolve_object", q), &resp); err != nil {
			return err
		}
		if resp.Error == "couldnt_find_object" {
			return ErrNotFound
		}
		if resp.Error != "" {
			return fmt.Errorf("resolve error: %s", resp.Error)
		}
		if resp.Community.Community.ID <= 0 {
			return fmt.Errorf("%w: resolve response missing community id", errMalformed)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return resp.Community.Community.ID, nil
}

// Follow subscribes (follow=true) or unsubscribes (follow=false) the
// account from a community by its home-server numeric ID.
func (c *Client) Follow(ctx context.Context, communityID int64, follow bool) error {
	payload := map[string]any{
		"community_id": communityID,
		"follow":       follow,
		"auth":         c.token(),
	}
	var resp struct {
		Error string `json:"error"`
	}
	return c.withRetry(ctx, "follow", c.breaker, func(ctx context.Context) error {
		resp.Error = ""
		if err := c.postJSON(ctx, c.endpoint(c.home, "/api/v3/community/follow", nil), payload, &resp); err != nil {
			return err
		}
		if resp.Error != "" {
			return fmt.Errorf("follow error: %s", resp.Error)
		}
		return nil
	})
}

// SiteLanguages returns the instance's language table as code → ID.
// Only called when a language filter is configured.
func (c *Client) SiteLanguages(ctx context.Context, domain string) (map[string]int64, error) {
	var resp struct {
		AllLanguages []struct {
			ID   int64  `json:"id"`
			Code string `json:"code"`
		} `json:"all_languages"`
	}
	err := c.withRetry(ctx, "site", nil, func(ctx context.Context) error {
		resp.AllLanguages = nil
		return c.getJSON(ctx, c.endpoint(domain, "/api/v3/site", nil), &resp)
	})
	if err != nil {
		return nil, err
	}

	langs := make(map[string]int64, len(resp.AllLanguages))
	for _, l := range resp.AllLanguages {
		langs[l.Code] = l.ID
	}
	return langs, nil
}

// CommunityLanguages returns the discussion language IDs configured
// for one community on its origin instance.
func (c *Client) CommunityLanguages(ctx context.Context, domain, name string) ([]int64, error) {
	q := url.Values{"name": {name}}
	var resp struct {
		DiscussionLanguages []int64 `json:"discussion_languages"`
	}
	err := c.withRetry(ctx, "community detail", nil, func(ctx context.Context) error {
		resp.DiscussionLanguages = nil
		return c.getJSON(ctx, c.endpoint(domain, "/api/v3/community", q), &resp)
	})
	if err != nil {
		return nil, err
	}
	return resp.DiscussionLanguages, nil
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jwt
}

func (c *Client) endpoint(domain, path string, q url.Values) string {
	u := url.URL{Scheme: c.scheme, Host: domain, Path: path}
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, rawURL string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do executes one request and decodes the body. Lemmy reports semantic
// errors as JSON bodies on 4xx statuses, so only 5xx is treated as a
// transport-level failure; everything else is decoded and interpreted
// by the caller.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(req.Context().Err(), context.DeadlineExceeded) {
			return context.DeadlineExceeded
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL.Host)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s", errMalformed, truncate(string(body), 120))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Wire types for the subset of the API the bot consumes.

type communityView struct {
	Community struct {
		ID      int64  `json:"id"`
		Name    string `json:"name"`
		ActorID string `json:"actor_id"`
		NSFW    bool   `json:"nsfw"`
	} `json:"community"`
	Counts struct {
		UsersActiveHalfYear int64 `json:"users_active_half_year"`
	} `json:"counts"`
}

type listResponse struct {
	Communities []communityView `json:"communities"`
}

func (r listResponse) communities() []types.Community {
	out := make([]types.Community, 0, len(r.Communities))
	for _, v := range r.Communities {
		out = append(out, types.Community{
			ID:             v.Community.ID,
			Name:           v.Community.Name,
			ActorID:        v.Community.ActorID,
			NSFW:           v.Community.NSFW,
			ActiveHalfYear: v.Counts.UsersActiveHalfYear,
		})
	}
	return out
}

type resolveResponse struct {
	Error     string `json:"error"`
	Community struct {
		Community struct {
			ID int64 `json:"id"`
		} `json:"community"`
	} `json:"community"`
}
