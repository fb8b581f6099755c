package minigame

import (
	"time"

	"rewardkit/core"
)

// GameBuilder assembles a game definition fluently. Build validates it.
type GameBuilder struct {
	game core.Game
}

// Game starts an active game definition with the given id.
func Game(id core.GameID) *GameBuilder {
	return &GameBuilder{game: core.Game{ID: id, Name: string(id), Active: true}}
}

func (b *GameBuilder) Named(name, description string) *GameBuilder {
	b.game.Name = name
	b.game.Description = description
	return b
}

// Window sets the inclusive play window.
func (b *GameBuilder) Window(start, end time.Time) *GameBuilder {
	b.game.StartDate = start
	b.game.EndDate = end
	return b
}

// Lasting opens the window at start for d.
func (b *GameBuilder) Lasting(start time.Time, d time.Duration) *GameBuilder {
	return b.Window(start, start.Add(d))
}

// Limits sets per-user play quotas; 0 means unlimited.
func (b *GameBuilder) Limits(daily, total int) *GameBuilder {
	b.game.DailyPlayLimit = daily
	b.game.TotalPlayLimit = total
	return b
}

func (b *GameBuilder) Inactive() *GameBuilder {
	b.game.Active = false
	return b
}

// Reward appends a slot. probability is a percentage; limit 0 is uncapped.
func (b *GameBuilder) Reward(id core.RewardID, typ core.RewardType, value, probability float64, limit int64) *GameBuilder {
	b.game.Rewards = append(b.game.Rewards, core.RewardSlot{
		ID: id, Type: typ, Value: value, Probability: probability, Limit: limit,
	})
	return b
}

// WithCode sets the redemption code of the last added reward.
func (b *GameBuilder) WithCode(code string) *GameBuilder {
	if n := len(b.game.Rewards); n > 0 {
		b.game.Rewards[n-1].Code = code
	}
	return b
}

// Build returns a validated copy of the definition.
func (b *GameBuilder) Build() (core.Game, error) {
	g := b.game.Clone()
	if err := g.Validate(); err != nil {
		return core.Game{}, err
	}
	return g, nil
}
