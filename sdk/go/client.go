package sdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Option configures the Client.
type Option func(*Client)

// Client provides typed access to the rewardkit HTTP + WebSocket API.
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

// ListActiveGames returns the games currently open for play.
func (c *Client) ListActiveGames(ctx context.Context) ([]Game, error) {
	var body struct {
		Games []Game `json:"games"`
	}
	if err := c.do(ctx, http.MethodGet, "/games", nil, &body); err != nil {
		return nil, err
	}
	return body.Games, nil
}

// CheckEligibility reports whether userID may play gameID now.
func (c *Client) CheckEligibility(ctx context.Context, userID, gameID string) (Eligibility, error) {
	if err := checkIDs(userID, gameID); err != nil {
		return Eligibility{}, err
	}
	var res Eligibility
	err := c.do(ctx, http.MethodGet, "/games/"+url.PathEscape(gameID)+"/eligibility",
		url.Values{"user_id": {userID}}, &res)
	return res, err
}

// Play performs one play. Denials and empty draws come back as *APIError;
// see IsNotEligible, IsNoRewardAvailable and IsConcurrentConflict.
func (c *Client) Play(ctx context.Context, userID, gameID string) (PlayResult, error) {
	if err := checkIDs(userID, gameID); err != nil {
		return PlayResult{}, err
	}
	var p PlayResult
	err := c.do(ctx, http.MethodPost, "/games/"+url.PathEscape(gameID)+"/play",
		url.Values{"user_id": {userID}}, &p)
	return p, err
}

// PlayHistory returns one page of the user's plays, newest first. Zero page
// or pageSize use the server defaults.
func (c *Client) PlayHistory(ctx context.Context, userID string, page, pageSize int) (PlayPage, error) {
	if strings.TrimSpace(userID) == "" {
		return PlayPage{}, ErrEmptyUserID
	}
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}
	var res PlayPage
	err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/plays", q, &res)
	return res, err
}

// Stats fetches the aggregated play statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := c.do(ctx, http.MethodGet, "/stats", nil, &st)
	return st, err
}

// Leaderboard returns the top players by rewards won for gameID, or across
// all games when gameID is empty.
func (c *Client) Leaderboard(ctx context.Context, gameID string, limit int) ([]BoardEntry, error) {
	path := "/leaderboard"
	if gameID != "" {
		path = "/games/" + url.PathEscape(gameID) + "/leaderboard"
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var body struct {
		Entries []BoardEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, q, &body); err != nil {
		return nil, err
	}
	return body.Entries, nil
}

// Health calls /healthz and returns status + storage check.
// An unhealthy server answers 503 with the same body, which is returned as is.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz")
	if err != nil {
		return HealthStatus{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HealthStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable {
		resp.StatusCode = http.StatusOK
	}
	var hs HealthStatus
	if err := decodeJSON(resp, &hs); err != nil {
		return HealthStatus{}, err
	}
	return hs, nil
}

// EventFilter narrows the event stream. Empty fields match everything.
type EventFilter struct {
	UserID string
	GameID string
	Types  []string
}

// SubscribeEvents connects to the WebSocket stream and emits events.
// The returned channel closes when ctx is done or the connection drops.
func (c *Client) SubscribeEvents(ctx context.Context, filter EventFilter) (<-chan Event, error) {
	if c.wsURL == "" {
		return nil, errors.New("wsURL is not set; ensure baseURL is http/https")
	}
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if filter.UserID != "" {
		q.Set("user_id", filter.UserID)
	}
	if filter.GameID != "" {
		q.Set("game_id", filter.GameID)
	}
	if len(filter.Types) > 0 {
		q.Set("types", strings.Join(filter.Types, ","))
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), c.headers)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 32)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(out)
		defer close(done)
		defer conn.Close()
		for {
			var evt Event
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

func (c *Client) do(ctx context.Context, method, path string, query url.Values, target any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	req, err := c.newRequest(ctx, method, path)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := decodeJSON(resp, target); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)
	return req, nil
}

func (c *Client) applyHeaders(r *http.Request) {
	for k, vals := range c.headers {
		for _, v := range vals {
			r.Header.Add(k, v)
		}
	}
}

func checkIDs(userID, gameID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(gameID) == "" {
		return ErrEmptyGameID
	}
	return nil
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
