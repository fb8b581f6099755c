package core

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserID identifies a player. It is opaque to the engine.
type UserID string

// GameID uniquely identifies a game definition.
type GameID string

// RewardID identifies a reward slot within a game.
type RewardID string

// PlayID identifies a recorded play.
type PlayID string

// NewPlayID returns a fresh random play identifier.
func NewPlayID() PlayID { return PlayID(uuid.NewString()) }

// RewardType is the closed set of reward kinds a slot may grant.
type RewardType string

const (
	RewardDiscount     RewardType = "discount"
	RewardPoints       RewardType = "points"
	RewardFreeItem     RewardType = "free_item"
	RewardFreeDelivery RewardType = "free_delivery"
)

// Valid reports whether t is one of the known reward types.
func (t RewardType) Valid() bool {
	switch t {
	case RewardDiscount, RewardPoints, RewardFreeItem, RewardFreeDelivery:
		return true
	}
	return false
}

// ParseRewardType converts a raw string into a RewardType.
func ParseRewardType(s string) (RewardType, error) {
	t := RewardType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown reward type %q", s)
	}
	return t, nil
}

// ProbabilityTolerance is the allowed deviation of a pool's probability sum from 100.
const ProbabilityTolerance = 0.01

// RewardSlot is one configured reward option of a game.
// Probability is a percentage; Limit 0 means uncapped.
type RewardSlot struct {
	ID          RewardID   `json:"id"`
	Type        RewardType `json:"type"`
	Value       float64    `json:"value"`
	Code        string     `json:"code,omitempty"`
	Probability float64    `json:"probability"`
	Limit       int64      `json:"limit"`
	Awarded     int64      `json:"awarded"`
}

// Available reports whether the slot can still be granted.
func (s RewardSlot) Available() bool {
	return s.Limit == 0 || s.Awarded < s.Limit
}

// Game is a time-boxed mini-game with a weighted reward pool.
type Game struct {
	ID             GameID       `json:"id"`
	Name           string       `json:"name"`
	Description    string       `json:"description,omitempty"`
	Active         bool         `json:"active"`
	StartDate      time.Time    `json:"start_date"`
	EndDate        time.Time    `json:"end_date"`
	Rewards        []RewardSlot `json:"rewards"`
	DailyPlayLimit int          `json:"daily_play_limit"`
	TotalPlayLimit int          `json:"total_play_limit"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Clone returns a copy that shares no slices with g.
func (g Game) Clone() Game {
	cp := g
	cp.Rewards = append([]RewardSlot(nil), g.Rewards...)
	return cp
}

// Within reports whether t lies in [StartDate, EndDate].
func (g Game) Within(t time.Time) bool {
	return !t.Before(g.StartDate) && !t.After(g.EndDate)
}

// Listed reports whether the game should be advertised at t:
// active and t in [StartDate, EndDate).
func (g Game) Listed(t time.Time) bool {
	return g.Active && !t.Before(g.StartDate) && t.Before(g.EndDate)
}

// Slot returns the reward slot with the given id.
func (g Game) Slot(id RewardID) (RewardSlot, bool) {
	for _, s := range g.Rewards {
		if s.ID == id {
			return s, true
		}
	}
	return RewardSlot{}, false
}

// ProbabilitySum adds up the probability of every slot.
func (g Game) ProbabilitySum() float64 {
	var sum float64
	for _, s := range g.Rewards {
		sum += s.Probability
	}
	return sum
}

// Validate checks the invariants a game definition must satisfy before it is stored.
func (g Game) Validate() error {
	var errs []string
	if strings.TrimSpace(string(g.ID)) == "" {
		errs = append(errs, "id cannot be empty")
	}
	if g.StartDate.IsZero() || g.EndDate.IsZero() {
		errs = append(errs, "start_date and end_date are required")
	} else if !g.EndDate.After(g.StartDate) {
		errs = append(errs, "end_date must be after start_date")
	}
	if g.DailyPlayLimit < 0 {
		errs = append(errs, "daily_play_limit cannot be negative")
	}
	if g.TotalPlayLimit < 0 {
		errs = append(errs, "total_play_limit cannot be negative")
	}
	if len(g.Rewards) == 0 {
		errs = append(errs, "at least one reward is required")
	}
	seen := make(map[RewardID]struct{}, len(g.Rewards))
	for i, s := range g.Rewards {
		if strings.TrimSpace(string(s.ID)) == "" {
			errs = append(errs, fmt.Sprintf("rewards[%d].id cannot be empty", i))
		} else if _, dup := seen[s.ID]; dup {
			errs = append(errs, fmt.Sprintf("rewards[%d].id %q is duplicated", i, s.ID))
		}
		seen[s.ID] = struct{}{}
		if !s.Type.Valid() {
			errs = append(errs, fmt.Sprintf("rewards[%d].type %q is invalid", i, s.Type))
		}
		if s.Probability < 0 || s.Probability > 100 || math.IsNaN(s.Probability) {
			errs = append(errs, fmt.Sprintf("rewards[%d].probability must be within [0,100]", i))
		}
		if s.Limit < 0 || s.Awarded < 0 {
			errs = append(errs, fmt.Sprintf("rewards[%d] limit and awarded cannot be negative", i))
		}
		if s.Limit > 0 && s.Awarded > s.Limit {
			errs = append(errs, fmt.Sprintf("rewards[%d].awarded exceeds limit", i))
		}
	}
	if len(g.Rewards) > 0 {
		if sum := g.ProbabilitySum(); math.Abs(sum-100) > ProbabilityTolerance {
			errs = append(errs, fmt.Sprintf("reward probabilities sum to %.4f, want 100", sum))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidGame, strings.Join(errs, "; "))
	}
	return nil
}

// GrantedReward is the snapshot of a reward slot stored on a play.
type GrantedReward struct {
	SlotID RewardID   `json:"slot_id"`
	Type   RewardType `json:"type"`
	Value  float64    `json:"value"`
	Code   string     `json:"code,omitempty"`
	Used   bool       `json:"used"`
	UsedAt *time.Time `json:"used_at,omitempty"`
}

// Grant snapshots a slot into a GrantedReward.
func Grant(s RewardSlot) *GrantedReward {
	return &GrantedReward{SlotID: s.ID, Type: s.Type, Value: s.Value, Code: s.Code}
}

// Play is one recorded attempt at a game.
type Play struct {
	ID       PlayID         `json:"id"`
	UserID   UserID         `json:"user_id"`
	GameID   GameID         `json:"game_id"`
	PlayDate time.Time      `json:"play_date"`
	Reward   *GrantedReward `json:"reward,omitempty"`
}

// PlayResult is what a caller learns about a play it just made.
type PlayResult struct {
	PlayID      PlayID     `json:"play_id"`
	RewardID    RewardID   `json:"reward_id"`
	RewardType  RewardType `json:"reward_type"`
	RewardValue float64    `json:"reward_value"`
	RewardCode  string     `json:"reward_code,omitempty"`
}

// Result flattens p into a PlayResult.
func (p Play) Result() PlayResult {
	res := PlayResult{PlayID: p.ID}
	if p.Reward != nil {
		res.RewardID = p.Reward.SlotID
		res.RewardType = p.Reward.Type
		res.RewardValue = p.Reward.Value
		res.RewardCode = p.Reward.Code
	}
	return res
}

// PlayPage is one page of a user's play history.
type PlayPage struct {
	Plays       []Play `json:"plays"`
	TotalCount  int64  `json:"total_count"`
	CurrentPage int    `json:"current_page"`
	TotalPages  int    `json:"total_pages"`
}

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// NormalizePage clamps page and size to sane values. page is capped so that
// PageOffset(page, size) never overflows int.
func NormalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	if page > math.MaxInt/size {
		page = math.MaxInt / size
	}
	return page, size
}

// PageOffset is the number of items before page for a normalized page and size.
func PageOffset(page, size int) int {
	return (page - 1) * size
}

// TotalPages returns the number of pages needed for total items of size.
func TotalPages(total int64, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}

// StartOfDay returns local midnight of t in loc (t's own location when loc is nil).
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc != nil {
		t = t.In(loc)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// NormalizeUserID trims surrounding whitespace from a user identifier.
func NormalizeUserID(id UserID) (UserID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", errors.New("empty user id")
	}
	return UserID(s), nil
}

// NormalizeGameID trims surrounding whitespace from a game identifier.
func NormalizeGameID(id GameID) (GameID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", errors.New("empty game id")
	}
	return GameID(s), nil
}
