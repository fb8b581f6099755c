package analytics

import (
	"context"
	"sort"
	"sync"
	"time"

	"rewardkit/core"
)

// Hook receives domain events for KPI aggregation.
type Hook interface {
	OnEvent(e core.Event)
}

// Handler adapts a Hook to an event bus subscriber.
func Handler(h Hook) func(context.Context, core.Event) {
	return func(_ context.Context, e core.Event) { h.OnEvent(e) }
}

const dayLayout = "2006-01-02"

// DAU tracks daily active players: anyone who attempted a play that day.
type DAU struct {
	mu   sync.Mutex
	days map[string]map[core.UserID]struct{}
}

func NewDAU() *DAU { return &DAU{days: map[string]map[core.UserID]struct{}{}} }

func (d *DAU) OnEvent(e core.Event) {
	day := e.Time.UTC().Format(dayLayout)
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.days[day]
	if m == nil {
		m = map[core.UserID]struct{}{}
		d.days[day] = m
	}
	m[e.UserID] = struct{}{}
}

func (d *DAU) Count(day string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.days[day])
}

// Stats is a point-in-time view of PlayStats.
type Stats struct {
	Plays           int64                     `json:"plays"`
	Denials         int64                     `json:"denials"`
	Failures        int64                     `json:"failures"`
	Compensations   int64                     `json:"compensations"`
	PlaysByDay      map[string]int64          `json:"plays_by_day"`
	PlayersByDay    map[string]int            `json:"players_by_day"`
	PlaysByGame     map[core.GameID]int64     `json:"plays_by_game"`
	RewardsByType   map[core.RewardType]int64 `json:"rewards_by_type"`
	RewardsBySlot   map[string]int64          `json:"rewards_by_slot"`
	DenialsByReason map[string]int64          `json:"denials_by_reason"`
	FailuresByKind  map[string]int64          `json:"failures_by_kind"`
	TopGames        []GameCount               `json:"top_games,omitempty"`
	Since           time.Time                 `json:"since"`
}

// GameCount pairs a game with its recorded plays.
type GameCount struct {
	GameID core.GameID `json:"game_id"`
	Plays  int64       `json:"plays"`
}

// PlayStats aggregates engine events into play, reward and denial counters.
type PlayStats struct {
	mu              sync.RWMutex
	since           time.Time
	plays           int64
	denials         int64
	failures        int64
	compensations   int64
	playsByDay      map[string]int64
	players         *DAU
	playsByGame     map[core.GameID]int64
	rewardsByType   map[core.RewardType]int64
	rewardsBySlot   map[string]int64
	denialsByReason map[string]int64
	failuresByKind  map[string]int64
}

func NewPlayStats() *PlayStats {
	return &PlayStats{
		since:           time.Now().UTC(),
		playsByDay:      make(map[string]int64),
		players:         NewDAU(),
		playsByGame:     make(map[core.GameID]int64),
		rewardsByType:   make(map[core.RewardType]int64),
		rewardsBySlot:   make(map[string]int64),
		denialsByReason: make(map[string]int64),
		failuresByKind:  make(map[string]int64),
	}
}

func (ps *PlayStats) OnEvent(e core.Event) {
	switch e.Type {
	case core.EventRewardGranted, core.EventPlayDenied, core.EventPlayFailed:
		ps.players.OnEvent(e)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	switch e.Type {
	case core.EventRewardGranted:
		ps.plays++
		ps.playsByDay[e.Time.UTC().Format(dayLayout)]++
		ps.playsByGame[e.GameID]++
		if e.Reward != nil {
			ps.rewardsByType[e.Reward.Type]++
			ps.rewardsBySlot[string(e.GameID)+"/"+string(e.Reward.SlotID)]++
		}
	case core.EventPlayDenied:
		ps.denials++
		ps.denialsByReason[e.Reason]++
	case core.EventPlayFailed:
		ps.failures++
		ps.failuresByKind[e.Reason]++
	case core.EventAwardCompensated:
		ps.compensations++
	}
}

// PlaysOn returns recorded plays for a UTC day (YYYY-MM-DD).
func (ps *PlayStats) PlaysOn(day string) int64 {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.playsByDay[day]
}

// PlayersOn returns distinct players for a UTC day.
func (ps *PlayStats) PlayersOn(day string) int { return ps.players.Count(day) }

// Snapshot copies the counters; top lists the busiest games (0 for none).
func (ps *PlayStats) Snapshot(top int) Stats {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	st := Stats{
		Plays:           ps.plays,
		Denials:         ps.denials,
		Failures:        ps.failures,
		Compensations:   ps.compensations,
		PlaysByDay:      copyMap(ps.playsByDay),
		PlayersByDay:    make(map[string]int, len(ps.playsByDay)),
		PlaysByGame:     copyMap(ps.playsByGame),
		RewardsByType:   copyMap(ps.rewardsByType),
		RewardsBySlot:   copyMap(ps.rewardsBySlot),
		DenialsByReason: copyMap(ps.denialsByReason),
		FailuresByKind:  copyMap(ps.failuresByKind),
		Since:           ps.since,
	}
	ps.players.mu.Lock()
	for day, users := range ps.players.days {
		st.PlayersByDay[day] = len(users)
	}
	ps.players.mu.Unlock()

	if top > 0 {
		for id, n := range ps.playsByGame {
			st.TopGames = append(st.TopGames, GameCount{GameID: id, Plays: n})
		}
		sort.Slice(st.TopGames, func(i, j int) bool {
			if st.TopGames[i].Plays != st.TopGames[j].Plays {
				return st.TopGames[i].Plays > st.TopGames[j].Plays
			}
			return st.TopGames[i].GameID < st.TopGames[j].GameID
		})
		if len(st.TopGames) > top {
			st.TopGames = st.TopGames[:top]
		}
	}
	return st
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
