package leaderboard

import (
	"context"
	"sync"

	"rewardkit/core"
)

// Entry is one player's position on a board.
type Entry struct {
	User  core.UserID `json:"user_id"`
	Score int64       `json:"score"`
	Rank  int         `json:"rank,omitempty"`
}

// Board abstracts leaderboard operations.
type Board interface {
	// Add moves user's score by delta and returns the new score.
	Add(user core.UserID, delta int64) int64
	Remove(user core.UserID)
	TopN(n int) []Entry
	Get(user core.UserID) (Entry, bool)
	Len() int
}

// Winners ranks players by rewards won, per game and across all games.
// Subscribe OnEvent to reward_granted; compensated awards never publish a
// grant, so only recorded plays are counted.
type Winners struct {
	mu      sync.Mutex
	overall Board
	games   map[core.GameID]Board
	newB    func() Board
}

func NewWinners() *Winners {
	newB := func() Board { return NewSkipList() }
	return &Winners{overall: newB(), games: map[core.GameID]Board{}, newB: newB}
}

// OnEvent is an event bus subscriber.
func (w *Winners) OnEvent(_ context.Context, ev core.Event) {
	if ev.Type != core.EventRewardGranted || ev.Reward == nil {
		return
	}
	w.board(ev.GameID, true).Add(ev.UserID, 1)
	w.overall.Add(ev.UserID, 1)
}

func (w *Winners) board(game core.GameID, create bool) Board {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.games[game]
	if !ok && create {
		b = w.newB()
		w.games[game] = b
	}
	return b
}

// Top returns the n best players of game, or of all games when game is empty.
func (w *Winners) Top(game core.GameID, n int) []Entry {
	b := w.overall
	if game != "" {
		b = w.board(game, false)
		if b == nil {
			return []Entry{}
		}
	}
	out := b.TopN(n)
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}
