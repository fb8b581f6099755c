package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	wsadapter "rewardkit/adapters/websocket"
	"rewardkit/analytics"
	"rewardkit/core"
	"rewardkit/engine"
	"rewardkit/leaderboard"
	"rewardkit/logging"
	"rewardkit/metrics"
	"rewardkit/realtime"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables basic CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	APIKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
	// RateLimitCleanup is how long an idle client bucket is kept (default 5m).
	RateLimitCleanup time.Duration
	// Stats, if set, is served at {prefix}/stats.
	Stats *analytics.PlayStats
	// Winners, if set, is served at {prefix}/leaderboard and {prefix}/games/{id}/leaderboard.
	Winners *leaderboard.Winners
	// Metrics, if set, records request counts and latency.
	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

type api struct {
	svc     *engine.PlayService
	stats   *analytics.PlayStats
	winners *leaderboard.Winners
	logger  *slog.Logger
}

// NewMux builds an http.Handler exposing the play REST API and WebSocket stream.
// Routes:
//   - GET  {prefix}/healthz
//   - GET  {prefix}/games
//   - GET  {prefix}/games/{id}/eligibility?user_id=
//   - POST {prefix}/games/{id}/play?user_id=
//   - GET  {prefix}/users/{id}/plays?page=&page_size=
//   - GET  {prefix}/stats
//   - GET  {prefix}/leaderboard?limit=
//   - GET  {prefix}/games/{id}/leaderboard?limit=
//   - WS   {prefix}/ws?user_id=&game_id=&types=
func NewMux(svc *engine.PlayService, hub *realtime.Hub, opts Options) http.Handler {
	a := &api{svc: svc, stats: opts.Stats, winners: opts.Winners, logger: logging.OrDefault(opts.Logger)}
	mux := http.NewServeMux()
	route := func(method, path string, h http.HandlerFunc) {
		mux.HandleFunc(method+" "+withPrefix(opts.PathPrefix, path), h)
	}

	route(http.MethodGet, "/healthz", a.health)
	route(http.MethodGet, "/games", a.listGames)
	route(http.MethodGet, "/games/{id}/eligibility", a.eligibility)
	route(http.MethodPost, "/games/{id}/play", a.play)
	route(http.MethodGet, "/users/{id}/plays", a.history)
	if opts.Stats != nil {
		route(http.MethodGet, "/stats", a.statsSnapshot)
	}
	if opts.Winners != nil {
		route(http.MethodGet, "/leaderboard", a.leaderboard)
		route(http.MethodGet, "/games/{id}/leaderboard", a.leaderboard)
	}

	// WebSocket events
	if hub != nil {
		mux.Handle(withPrefix(opts.PathPrefix, "/ws"), wsadapter.Handler(hub))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
	})

	var handler http.Handler = mux
	if opts.AllowCORSOrigin != "" {
		handler = withCORS(handler, opts.AllowCORSOrigin)
	}
	if len(opts.APIKeys) > 0 {
		handler = withAPIKeyAuth(handler, opts.APIKeys)
	}
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
		handler = withRateLimit(handler, newRateLimiter(opts.RateLimitRPM, opts.RateLimitBurst, opts.RateLimitCleanup, time.Now))
	}
	return opts.Metrics.Middleware(handler)
}

// health verifies that storage answers.
func (a *api) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status": "healthy",
		"checks": map[string]any{
			"storage": "ok",
		},
	}
	code := http.StatusOK
	if err := a.svc.Ping(r.Context()); err != nil {
		logging.Error(a.logger, "health check failed", err)
		code = http.StatusServiceUnavailable
		status["status"] = "unhealthy"
		status["checks"].(map[string]any)["storage"] = "failed"
	}
	writeJSONStatus(w, code, status)
}

func (a *api) listGames(w http.ResponseWriter, r *http.Request) {
	games, err := a.svc.ListActiveGames(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"games": games})
}

func (a *api) eligibility(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	game := core.GameID(r.PathValue("id"))
	res, err := a.svc.CheckEligibility(r.Context(), user, game)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

type playRequest struct {
	UserID core.UserID `json:"user_id"`
}

func (a *api) play(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	game := core.GameID(r.PathValue("id"))
	play, err := a.svc.Play(r.Context(), user, game)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, play.Result())
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	user, err := core.NormalizeUserID(core.UserID(r.PathValue("id")))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user", err.Error(), nil)
		return
	}
	page, err := intQuery(r, "page")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_page", "page must be an integer", nil)
		return
	}
	size, err := intQuery(r, "page_size")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_page_size", "page_size must be an integer", nil)
		return
	}
	res, err := a.svc.GetPlayHistory(r.Context(), user, page, size)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (a *api) statsSnapshot(w http.ResponseWriter, r *http.Request) {
	top, err := intQuery(r, "top")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_top", "top must be an integer", nil)
		return
	}
	if top <= 0 {
		top = 5
	}
	writeJSON(w, a.stats.Snapshot(top))
}

func (a *api) leaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer", nil)
		return
	}
	if limit <= 0 {
		limit = 10
	}
	limit = min(limit, core.MaxPageSize)
	game := core.GameID(r.PathValue("id"))
	writeJSON(w, map[string]any{"game_id": game, "entries": a.winners.Top(game, limit)})
}

// writeServiceError maps engine errors to HTTP responses.
func (a *api) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if eErr, ok := core.AsEligibilityError(err); ok {
		if eErr.Reason == core.ReasonGameNotFound {
			writeError(w, http.StatusNotFound, "game_not_found", eErr.Error(), map[string]any{"reason": eErr.Reason})
			return
		}
		writeError(w, http.StatusForbidden, "not_eligible", eErr.Error(), map[string]any{"reason": eErr.Reason})
		return
	}
	switch {
	case errors.Is(err, core.ErrNoRewardAvailable):
		writeError(w, http.StatusConflict, "no_reward_available", err.Error(), nil)
	case errors.Is(err, core.ErrConcurrentConflict):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "concurrent_conflict", err.Error(), nil)
	case errors.Is(err, core.ErrGameNotFound):
		writeError(w, http.StatusNotFound, "game_not_found", err.Error(), nil)
	default:
		logging.Error(a.logger, "request failed", err,
			logging.FieldMethod, r.Method, logging.FieldPath, r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

// userFromRequest reads user_id from the query string, falling back to a JSON body.
func userFromRequest(w http.ResponseWriter, r *http.Request) (core.UserID, bool) {
	raw := r.URL.Query().Get("user_id")
	if raw == "" && r.Body != nil && r.ContentLength != 0 {
		var body playRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_body", "body must be a JSON object", nil)
			return "", false
		}
		raw = string(body.UserID)
	}
	user, err := core.NormalizeUserID(core.UserID(raw))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_user", "user_id is required", nil)
		return "", false
	}
	return user, true
}

func intQuery(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// Helpers

func withPrefix(prefix, path string) string {
	if prefix == "" || prefix == "/" {
		return path
	}
	if prefix[len(prefix)-1] == '/' {
		return prefix[:len(prefix)-1] + path
	}
	return prefix + path
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSONStatus(w, status, apiError{Code: code, Message: msg, Details: details})
}

// withCORS wraps a handler with a minimal CORS policy.
func withCORS(next http.Handler, origin string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-API-Key")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAPIKeyAuth enforces a shared API key list. Health checks stay open.
func withAPIKeyAuth(next http.Handler, apiKeys []string) http.Handler {
	allowed := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		k = strings.TrimSpace(k)
		if k != "" {
			allowed[k] = struct{}{}
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/healthz") {
			next.ServeHTTP(w, r)
			return
		}
		key := extractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing API key", nil)
			return
		}
		if _, ok := allowed[key]; !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit applies a token-bucket limiter per client key.
func withRateLimit(next http.Handler, limiter *rateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !limiter.allow(key) {
			w.Header().Set("Retry-After", strconv.Itoa(limiter.retryAfterSeconds()))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// browsers cannot set headers on a websocket handshake
	if key := r.URL.Query().Get("api_key"); key != "" && strings.HasSuffix(r.URL.Path, "/ws") {
		return key
	}
	return ""
}

// clientKey uses API key if present, otherwise remote IP.
func clientKey(r *http.Request) string {
	if key := extractAPIKey(r); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type rateLimiter struct {
	rpm       float64
	burst     float64
	maxIdle   time.Duration
	now       func() time.Time
	mu        sync.Mutex
	b         map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(rpm, burst int, maxIdle time.Duration, now func() time.Time) *rateLimiter {
	if maxIdle <= 0 {
		maxIdle = 5 * time.Minute
	}
	return &rateLimiter{
		rpm:       float64(rpm),
		burst:     float64(burst),
		maxIdle:   maxIdle,
		now:       now,
		b:         make(map[string]*bucket),
		lastSweep: now(),
	}
}

func (l *rateLimiter) allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.maxIdle {
		l.sweepLocked(now)
	}

	b, ok := l.b[key]
	if !ok {
		l.b[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}

	elapsed := now.Sub(b.last).Minutes()
	b.tokens += elapsed * l.rpm
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// retryAfterSeconds is the time one token takes to refill, rounded up.
func (l *rateLimiter) retryAfterSeconds() int {
	secs := int(60/l.rpm + 0.999)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// sweepLocked drops buckets idle for longer than maxIdle. Callers hold l.mu.
func (l *rateLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-l.maxIdle)
	for k, b := range l.b {
		if b.last.Before(cutoff) {
			delete(l.b, k)
		}
	}
	l.lastSweep = now
}
