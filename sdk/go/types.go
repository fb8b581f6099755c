package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"rewardkit/analytics"
	"rewardkit/core"
	"rewardkit/leaderboard"
)

// The API speaks the engine's JSON shapes directly.
type (
	Game        = core.Game
	Play        = core.Play
	PlayResult  = core.PlayResult
	PlayPage    = core.PlayPage
	Eligibility = core.Eligibility
	Event       = core.Event
	Stats       = analytics.Stats
	BoardEntry  = leaderboard.Entry
)

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]interface{} `json:"checks"`
}

// Error codes returned by the API.
const (
	CodeNotEligible        = "not_eligible"
	CodeGameNotFound       = "game_not_found"
	CodeNoRewardAvailable  = "no_reward_available"
	CodeConcurrentConflict = "concurrent_conflict"
	CodeRateLimited        = "rate_limited"
	CodeUnauthorized       = "unauthorized"
)

// APIError is a non-2xx API response.
type APIError struct {
	StatusCode int            `json:"-"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed: status %d", e.StatusCode)
	}
	return fmt.Sprintf("request failed: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// Reason returns the denial reason of a not_eligible error.
func (e *APIError) Reason() core.DenyReason {
	if r, ok := e.Details["reason"].(string); ok {
		return core.DenyReason(r)
	}
	return ""
}

// IsNotEligible reports whether err is a denied play, including unknown games.
func IsNotEligible(err error) bool {
	return hasCode(err, CodeNotEligible) || hasCode(err, CodeGameNotFound)
}

// IsNoRewardAvailable reports whether the draw found no remaining reward.
func IsNoRewardAvailable(err error) bool { return hasCode(err, CodeNoRewardAvailable) }

// IsConcurrentConflict reports whether the play lost too many award races; retrying is safe.
func IsConcurrentConflict(err error) bool { return hasCode(err, CodeConcurrentConflict) }

func hasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

var (
	// ErrEmptyUserID is returned when user id is empty.
	ErrEmptyUserID = errors.New("user id is required")
	// ErrEmptyGameID is returned when game id is empty.
	ErrEmptyGameID = errors.New("game id is required")
)
