package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewardkit/core"
)

func grant(user core.UserID, game core.GameID, slot core.RewardID, typ core.RewardType, at time.Time) core.Event {
	return core.NewRewardGranted(core.Play{
		ID: core.NewPlayID(), UserID: user, GameID: game, PlayDate: at,
		Reward: &core.GrantedReward{SlotID: slot, Type: typ},
	})
}

func TestPlayStats_OnEvent(t *testing.T) {
	stats := NewPlayStats()
	now := time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)

	stats.OnEvent(grant("alice", "wheel", "disc", core.RewardDiscount, now))
	stats.OnEvent(grant("alice", "wheel", "disc", core.RewardDiscount, now.Add(time.Minute)))
	stats.OnEvent(grant("bob", "dice", "pts", core.RewardPoints, now))
	denied := core.NewPlayDenied("carol", "wheel", core.ReasonDailyLimit)
	denied.Time = now
	stats.OnEvent(denied)
	stats.OnEvent(core.NewPlayFailed("dave", "wheel", core.FailureNoReward))
	stats.OnEvent(core.NewAwardCompensated("erin", "wheel", "disc"))

	day := now.Format("2006-01-02")
	assert.Equal(t, int64(3), stats.PlaysOn(day))
	assert.Equal(t, 3, stats.PlayersOn(day))

	snap := stats.Snapshot(1)
	assert.Equal(t, int64(3), snap.Plays)
	assert.Equal(t, int64(1), snap.Denials)
	assert.Equal(t, int64(1), snap.Failures)
	assert.Equal(t, int64(1), snap.Compensations)
	assert.Equal(t, int64(2), snap.RewardsByType[core.RewardDiscount])
	assert.Equal(t, int64(2), snap.RewardsBySlot["wheel/disc"])
	assert.Equal(t, int64(1), snap.DenialsByReason[string(core.ReasonDailyLimit)])
	assert.Equal(t, int64(1), snap.FailuresByKind[core.FailureNoReward])
	require.Len(t, snap.TopGames, 1)
	assert.Equal(t, GameCount{GameID: "wheel", Plays: 2}, snap.TopGames[0])
}

func TestPlayStats_SnapshotIsACopy(t *testing.T) {
	stats := NewPlayStats()
	now := time.Now().UTC()
	stats.OnEvent(grant("alice", "wheel", "disc", core.RewardDiscount, now))

	snap := stats.Snapshot(0)
	snap.PlaysByGame["wheel"] = 100
	assert.Nil(t, snap.TopGames)
	assert.Equal(t, int64(1), stats.Snapshot(0).PlaysByGame["wheel"])
}

func TestDAU(t *testing.T) {
	dau := NewDAU()
	at := time.Date(2026, 4, 2, 23, 59, 0, 0, time.UTC)
	dau.OnEvent(core.Event{UserID: "a", Time: at})
	dau.OnEvent(core.Event{UserID: "a", Time: at})
	dau.OnEvent(core.Event{UserID: "b", Time: at.Add(2 * time.Minute)})
	assert.Equal(t, 1, dau.Count("2026-04-02"))
	assert.Equal(t, 1, dau.Count("2026-04-03"))
}

func TestFanoutAndHandler(t *testing.T) {
	stats, dau := NewPlayStats(), NewDAU()
	var granted []core.UserID
	fan := NewFanout(stats).Add(dau, core.EventRewardGranted, core.EventPlayDenied).
		Add(HookFunc(func(e core.Event) { granted = append(granted, e.UserID) }), core.EventRewardGranted)
	h := Handler(fan)

	at := time.Now().UTC()
	h(context.Background(), grant("alice", "wheel", "disc", core.RewardDiscount, at))
	h(context.Background(), core.Event{Type: core.EventPlayFailed, UserID: "bob", GameID: "wheel", Reason: core.FailureStorage, Time: at})

	assert.Equal(t, int64(1), stats.Snapshot(0).Plays)
	assert.Equal(t, int64(1), stats.Snapshot(0).Failures)
	assert.Equal(t, 1, dau.CountOn(at))
	assert.Equal(t, []core.UserID{"alice"}, granted)
}
