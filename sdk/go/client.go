package sdk

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
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"greenmove/core"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the GreenMove HTTP + WebSocket API.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	headers    http.Header
}

// NewClient constructs a new SDK client targeting the given baseURL (e.g., http://localhost:8080/api).
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("baseURL is required")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	c := &Client{
		baseURL:    baseURL,
		wsURL:      deriveWSURL(baseURL),
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithAuthToken adds an Authorization: Bearer token header to all requests (HTTP + WS).
func WithAuthToken(token string) Option {
	return func(c *Client) {
		if strings.TrimSpace(token) != "" {
			c.headers.Set("Authorization", "Bearer "+token)
		}
	}
}

// WithAPIKey adds an X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if strings.TrimSpace(key) != "" {
			c.headers.Set("X-API-Key", key)
		}
	}
}

// WithHeader sets an arbitrary header applied to HTTP and WS calls.
func WithHeader(k, v string) Option {
	return func(c *Client) {
		if k != "" {
			c.headers.Set(k, v)
		}
	}
}

// RecordActivity logs an activity for a user and returns the stored record.
func (c *Client) RecordActivity(ctx context.Context, userID string, in ActivityInput) (Activity, error) {
	var out Activity
	if err := c.userCall(ctx, http.MethodPost, userID, "/activities", nil, in, &out); err != nil {
		return Activity{}, err
	}
	return out, nil
}

// RegisterUser creates a user with an explicit profile.
func (c *Client) RegisterUser(ctx context.Context, userID, username, email string) (User, error) {
	var out User
	body := map[string]string{"username": username, "email": email}
	if err := c.userCall(ctx, http.MethodPost, userID, "", nil, body, &out); err != nil {
		return User{}, err
	}
	return out, nil
}

// GetUser fetches the current ledger state for a user.
func (c *Client) GetUser(ctx context.Context, userID string) (User, error) {
	var out User
	if err := c.userCall(ctx, http.MethodGet, userID, "", nil, nil, &out); err != nil {
		return User{}, err
	}
	return out, nil
}

// DefaultUser fetches the server's default user.
func (c *Client) DefaultUser(ctx context.Context) (User, error) {
	var out User
	if err := c.do(ctx, http.MethodGet, "/user", nil, nil, &out); err != nil {
		return User{}, err
	}
	return out, nil
}

func (c *Client) ListActivities(ctx context.Context, userID string) ([]Activity, error) {
	var out []Activity
	err := c.userCall(ctx, http.MethodGet, userID, "/activities", nil, nil, &out)
	return out, err
}

// RecentActivities returns up to limit activities; limit <= 0 uses the server default.
func (c *Client) RecentActivities(ctx context.Context, userID string, limit int) ([]Activity, error) {
	var out []Activity
	err := c.userCall(ctx, http.MethodGet, userID, "/activities/recent", limitQuery("limit", limit), nil, &out)
	return out, err
}

func (c *Client) ListRewards(ctx context.Context, userID string) ([]Reward, error) {
	var out []Reward
	err := c.userCall(ctx, http.MethodGet, userID, "/rewards", nil, nil, &out)
	return out, err
}

func (c *Client) RecentRewards(ctx context.Context, userID string, limit int) ([]Reward, error) {
	var out []Reward
	err := c.userCall(ctx, http.MethodGet, userID, "/rewards/recent", limitQuery("limit", limit), nil, &out)
	return out, err
}

// Analytics returns the per-category and per-day breakdown for a user.
func (c *Client) Analytics(ctx context.Context, userID string) (Summary, error) {
	var out Summary
	err := c.userCall(ctx, http.MethodGet, userID, "/analytics", nil, nil, &out)
	return out, err
}

// Map returns hex bins of located activities; res <= 0 uses the server default.
func (c *Client) Map(ctx context.Context, userID string, res int) ([]HexBin, error) {
	var out []HexBin
	err := c.userCall(ctx, http.MethodGet, userID, "/map", limitQuery("res", res), nil, &out)
	return out, err
}

func (c *Client) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	return c.LeaderboardPage(ctx, 0, limit)
}

// LeaderboardPage returns up to limit entries after skipping offset.
func (c *Client) LeaderboardPage(ctx context.Context, offset, limit int) ([]LeaderboardEntry, error) {
	q := limitQuery("limit", limit)
	if offset > 0 {
		if q == nil {
			q = url.Values{}
		}
		q.Set("offset", strconv.Itoa(offset))
	}
	var out []LeaderboardEntry
	err := c.do(ctx, http.MethodGet, "/leaderboard", q, nil, &out)
	return out, err
}

// LeaderboardAround returns the user's entry with radius neighbours on each side.
func (c *Client) LeaderboardAround(ctx context.Context, userID string, radius int) ([]LeaderboardEntry, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	var out []LeaderboardEntry
	err := c.do(ctx, http.MethodGet, "/leaderboard/"+url.PathEscape(userID), limitQuery("radius", radius), nil, &out)
	return out, err
}

// Categories returns the server's rate table.
func (c *Client) Categories(ctx context.Context) (RateTable, error) {
	var out RateTable
	err := c.do(ctx, http.MethodGet, "/categories", nil, nil, &out)
	return out, err
}

// Health probes /healthz and returns status + storage check.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var hs HealthStatus
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, &hs); err != nil {
		return HealthStatus{}, err
	}
	return hs, nil
}

// SubscribeEvents connects to the WebSocket stream and emits core.Event values.
// A non-empty userID narrows the feed to that user; types, when given, limit
// it to those event types (for example "reward_issued", "level_up").
// The returned channel closes when ctx is done or the connection drops.
func (c *Client) SubscribeEvents(ctx context.Context, userID string, types ...string) (<-chan core.Event, error) {
	if c.wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	q := url.Values{}
	if id := strings.TrimSpace(userID); id != "" {
		q.Set("user", id)
	}
	if len(types) > 0 {
		q.Set("types", strings.Join(types, ","))
	}
	target := c.wsURL
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, target, c.headers)
	if err != nil {
		return nil, err
	}

	out := make(chan core.Event, 32)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var evt core.Event
			if err := conn.ReadJSON(&evt); err != nil {
				return
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			default:
				// drop if consumer is slow
			}
		}
	}()
	return out, nil
}

func (c *Client) userCall(ctx context.Context, method, userID, suffix string, q url.Values, in, out any) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyUserID
	}
	return c.do(ctx, method, "/users/"+url.PathEscape(userID)+suffix, q, in, out)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeJSON(resp, out)
}

func limitQuery(key string, n int) url.Values {
	if n <= 0 {
		return nil
	}
	return url.Values{key: []string{strconv.Itoa(n)}}
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

func deriveWSURL(httpBase string) string {
	u, err := url.Parse(httpBase)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		// leave as-is for custom schemes
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}
