package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rewardkit/core"
)

// Store is a concurrent in-memory Storage implementation.
// Each game has its own mutex, which serializes its award counters.
type Store struct {
	games sync.Map // map[core.GameID]*gameRecord

	ledgerMu sync.RWMutex
	plays    map[core.UserID][]core.Play
	now      func() time.Time
}

type gameRecord struct {
	mu   sync.Mutex
	game core.Game
}

// State is a point-in-time copy of everything the store holds.
type State struct {
	Games []core.Game `json:"games"`
	Plays []core.Play `json:"plays"`
}

func New() *Store {
	return &Store{plays: map[core.UserID][]core.Play{}, now: time.Now}
}

func (s *Store) record(id core.GameID) (*gameRecord, bool) {
	v, ok := s.games.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*gameRecord), true
}

func (s *Store) FindGame(_ context.Context, id core.GameID) (core.Game, error) {
	rec, ok := s.record(id)
	if !ok {
		return core.Game{}, core.ErrGameNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.game.Clone(), nil
}

func (s *Store) ListGames(_ context.Context) ([]core.Game, error) {
	var out []core.Game
	s.games.Range(func(_, v any) bool {
		rec := v.(*gameRecord)
		rec.mu.Lock()
		out = append(out, rec.game.Clone())
		rec.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveGame(_ context.Context, g core.Game) error {
	if err := g.Validate(); err != nil {
		return err
	}
	g = g.Clone()
	now := s.now().UTC()
	g.UpdatedAt = now
	fresh := &gameRecord{game: g}
	fresh.game.CreatedAt = now
	v, loaded := s.games.LoadOrStore(g.ID, fresh)
	if !loaded {
		return nil
	}
	rec := v.(*gameRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	g.CreatedAt = rec.game.CreatedAt
	for i := range g.Rewards {
		r := &g.Rewards[i]
		if old, ok := rec.game.Slot(r.ID); ok {
			r.Awarded = old.Awarded
			if r.Limit > 0 && r.Awarded > r.Limit {
				return limitBelowAwarded(r.ID, r.Limit, r.Awarded)
			}
		}
	}
	rec.game = g
	return nil
}

func limitBelowAwarded(slot core.RewardID, limit, awarded int64) error {
	return fmt.Errorf("%w: rewards %q limit %d is below the %d already awarded", core.ErrInvalidGame, slot, limit, awarded)
}

func (s *Store) ConditionalIncrementAward(_ context.Context, id core.GameID, slot core.RewardID, expectedLimit int64) (bool, error) {
	rec, ok := s.record(id)
	if !ok {
		return false, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := range rec.game.Rewards {
		r := &rec.game.Rewards[i]
		if r.ID != slot {
			continue
		}
		if r.Limit != expectedLimit || !r.Available() {
			return false, nil
		}
		r.Awarded++
		return true, nil
	}
	return false, nil
}

func (s *Store) DecrementAward(_ context.Context, id core.GameID, slot core.RewardID) error {
	rec, ok := s.record(id)
	if !ok {
		return core.ErrGameNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := range rec.game.Rewards {
		r := &rec.game.Rewards[i]
		if r.ID == slot && r.Awarded > 0 {
			r.Awarded--
		}
	}
	return nil
}

func (s *Store) CountPlays(_ context.Context, user core.UserID, game core.GameID, since *time.Time) (int64, error) {
	s.ledgerMu.RLock()
	defer s.ledgerMu.RUnlock()
	var n int64
	for _, p := range s.plays[user] {
		if p.GameID != game {
			continue
		}
		if since != nil && p.PlayDate.Before(*since) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *Store) InsertPlay(_ context.Context, p core.Play) error {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	s.plays[p.UserID] = append(s.plays[p.UserID], clonePlay(p))
	return nil
}

func (s *Store) ListPlays(_ context.Context, user core.UserID, offset, limit int) ([]core.Play, int64, error) {
	if offset < 0 {
		return nil, 0, core.ErrNegativeOffset
	}
	s.ledgerMu.RLock()
	all := make([]core.Play, len(s.plays[user]))
	copy(all, s.plays[user])
	s.ledgerMu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].PlayDate.After(all[j].PlayDate) })
	total := int64(len(all))
	if offset >= len(all) {
		return []core.Play{}, total, nil
	}
	end := len(all)
	if limit > 0 && limit < end-offset {
		end = offset + limit
	}
	out := make([]core.Play, 0, end-offset)
	for _, p := range all[offset:end] {
		out = append(out, clonePlay(p))
	}
	return out, total, nil
}

// Snapshot copies the full store contents.
func (s *Store) Snapshot() State {
	games, _ := s.ListGames(context.Background())
	st := State{Games: games}
	s.ledgerMu.RLock()
	defer s.ledgerMu.RUnlock()
	for _, plays := range s.plays {
		for _, p := range plays {
			st.Plays = append(st.Plays, clonePlay(p))
		}
	}
	sort.SliceStable(st.Plays, func(i, j int) bool { return st.Plays[i].PlayDate.Before(st.Plays[j].PlayDate) })
	return st
}

// Restore replaces the store contents with st, including award counters.
// Games present both before and after stay findable throughout.
func (s *Store) Restore(st State) {
	keep := make(map[core.GameID]struct{}, len(st.Games))
	for _, g := range st.Games {
		keep[g.ID] = struct{}{}
		fresh := &gameRecord{game: g.Clone()}
		v, loaded := s.games.LoadOrStore(g.ID, fresh)
		if !loaded {
			continue
		}
		rec := v.(*gameRecord)
		rec.mu.Lock()
		rec.game = fresh.game
		rec.mu.Unlock()
	}
	s.games.Range(func(k, _ any) bool {
		if _, ok := keep[k.(core.GameID)]; !ok {
			s.games.Delete(k)
		}
		return true
	})
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	s.plays = map[core.UserID][]core.Play{}
	for _, p := range st.Plays {
		s.plays[p.UserID] = append(s.plays[p.UserID], clonePlay(p))
	}
}

func clonePlay(p core.Play) core.Play {
	if p.Reward != nil {
		r := *p.Reward
		if r.UsedAt != nil {
			t := *r.UsedAt
			r.UsedAt = &t
		}
		p.Reward = &r
	}
	return p
}
