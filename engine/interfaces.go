package engine

import (
	"context"
	"time"

	"rewardkit/core"
)

// GameStore reads game definitions and owns the per-slot award counters.
// Counters change only through ConditionalIncrementAward and DecrementAward.
type GameStore interface {
	// FindGame returns core.ErrGameNotFound for unknown ids.
	FindGame(ctx context.Context, id core.GameID) (core.Game, error)
	ListGames(ctx context.Context) ([]core.Game, error)
	// SaveGame validates and upserts a definition. Existing award counters are kept.
	SaveGame(ctx context.Context, game core.Game) error
	// ConditionalIncrementAward adds one to the slot's awarded count in a single
	// storage operation, only when the stored limit equals expectedLimit and
	// (limit == 0 || awarded < limit). It reports false when the predicate fails.
	ConditionalIncrementAward(ctx context.Context, game core.GameID, slot core.RewardID, expectedLimit int64) (bool, error)
	// DecrementAward undoes one increment; the count never drops below zero.
	DecrementAward(ctx context.Context, game core.GameID, slot core.RewardID) error
}

// PlayLedger is the append-only record of plays.
type PlayLedger interface {
	// CountPlays counts plays of user on game, restricted to PlayDate >= *since when since is set.
	CountPlays(ctx context.Context, user core.UserID, game core.GameID, since *time.Time) (int64, error)
	InsertPlay(ctx context.Context, play core.Play) error
	// ListPlays returns the user's plays newest first plus the total count.
	ListPlays(ctx context.Context, user core.UserID, offset, limit int) ([]core.Play, int64, error)
}

// Storage is the full persistence surface the engine depends on.
type Storage interface {
	GameStore
	PlayLedger
}

// Notifier delivers a user-facing notification. Calls are best effort.
type Notifier interface {
	Notify(ctx context.Context, n core.Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n core.Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n core.Notification) error { return f(ctx, n) }
