package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rewardkit/core"
)

// EligibilityChecker decides whether a user may play a game right now.
// It only reads; quota counts can race with concurrent ledger inserts.
type EligibilityChecker struct {
	games GameStore
	plays PlayLedger
	now   func() time.Time
	loc   *time.Location
}

// NewEligibilityChecker builds a checker. loc sets the calendar used for daily
// quotas (nil means time.Local); now defaults to time.Now.
func NewEligibilityChecker(games GameStore, plays PlayLedger, now func() time.Time, loc *time.Location) *EligibilityChecker {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return &EligibilityChecker{games: games, plays: plays, now: now, loc: loc}
}

// CanPlay runs the checks in order and stops at the first failure.
func (c *EligibilityChecker) CanPlay(ctx context.Context, user core.UserID, game core.GameID) (core.Eligibility, error) {
	_, res, err := c.evaluate(ctx, user, game)
	return res, err
}

// evaluate also returns the loaded game so the orchestrator can reuse it as its first snapshot.
func (c *EligibilityChecker) evaluate(ctx context.Context, user core.UserID, id core.GameID) (core.Game, core.Eligibility, error) {
	g, err := c.games.FindGame(ctx, id)
	if errors.Is(err, core.ErrGameNotFound) {
		return core.Game{}, core.Deny(core.ReasonGameNotFound), nil
	}
	if err != nil {
		return core.Game{}, core.Eligibility{}, fmt.Errorf("load game: %w", err)
	}
	if !g.Active {
		return g, core.Deny(core.ReasonGameNotActive), nil
	}
	now := c.now()
	if !g.Within(now) {
		return g, core.Deny(core.ReasonOutsideWindow), nil
	}
	if g.DailyPlayLimit > 0 {
		since := core.StartOfDay(now, c.loc)
		n, err := c.plays.CountPlays(ctx, user, id, &since)
		if err != nil {
			return g, core.Eligibility{}, fmt.Errorf("count daily plays: %w", err)
		}
		if n >= int64(g.DailyPlayLimit) {
			return g, core.Deny(core.ReasonDailyLimit), nil
		}
	}
	if g.TotalPlayLimit > 0 {
		n, err := c.plays.CountPlays(ctx, user, id, nil)
		if err != nil {
			return g, core.Eligibility{}, fmt.Errorf("count plays: %w", err)
		}
		if n >= int64(g.TotalPlayLimit) {
			return g, core.Deny(core.ReasonTotalLimit), nil
		}
	}
	return g, core.Allow(), nil
}
