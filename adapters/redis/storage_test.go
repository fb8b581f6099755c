package redis

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewardkit/core"
)

// newTestClient spins up a miniredis server and returns a client plus cleanup.
func newTestClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return client, cleanup
}

func testGame() core.Game {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	return core.Game{
		ID:             "wheel",
		Name:           "Wheel",
		Active:         true,
		StartDate:      start,
		EndDate:        start.AddDate(0, 1, 0),
		DailyPlayLimit: 2,
		Rewards: []core.RewardSlot{
			{ID: "disc", Type: core.RewardDiscount, Value: 10, Code: "TEN", Probability: 70},
			{ID: "pts", Type: core.RewardPoints, Value: 50, Probability: 30, Limit: 2},
		},
	}
}

func TestStore_SaveAndFindGame(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()
	store := NewWithClient(client)
	ctx := context.Background()

	_, err := store.FindGame(ctx, "wheel")
	require.ErrorIs(t, err, core.ErrGameNotFound)

	require.NoError(t, store.SaveGame(ctx, testGame()))
	g, err := store.FindGame(ctx, "wheel")
	require.NoError(t, err)
	assert.Equal(t, "Wheel", g.Name)
	require.Len(t, g.Rewards, 2)
	assert.Equal(t, int64(2), g.Rewards[1].Limit)
	assert.False(t, g.CreatedAt.IsZero())

	games, err := store.ListGames(ctx)
	require.NoError(t, err)
	assert.Len(t, games, 1)

	limit, err := client.HGet(ctx, gameLimitsKey("wheel"), "pts").Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(2), limit)
}

func TestStore_SaveGameRejectsInvalid(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()
	store := NewWithClient(client)

	g := testGame()
	g.Rewards[1].Probability = 5
	require.ErrorIs(t, store.SaveGame(context.Background(), g), core.ErrInvalidGame)
}

func TestStore_ConditionalIncrement(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()
	store := NewWithClient(client)
	ctx := context.Background()
	require.NoError(t, store.SaveGame(ctx, testGame()))

	for i := 0; i < 2; i++ {
		ok, err := store.ConditionalIncrementAward(ctx, "wheel", "pts", 2)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := store.ConditionalIncrementAward(ctx, "wheel", "pts", 2)
	require.NoError(t, err)
	assert.False(t, ok, "slot exhausted")

	ok, _ = store.ConditionalIncrementAward(ctx, "wheel", "disc", 3)
	assert.False(t, ok, "stale limit")
	ok, _ = store.ConditionalIncrementAward(ctx, "nope", "disc", 0)
	assert.False(t, ok, "unknown game")

	g, _ := store.FindGame(ctx, "wheel")
	assert.Equal(t, int64(2), g.Rewards[1].Awarded)

	require.NoError(t, store.DecrementAward(ctx, "wheel", "pts"))
	require.NoError(t, store.DecrementAward(ctx, "wheel", "disc"))
	g, _ = store.FindGame(ctx, "wheel")
	assert.Equal(t, int64(1), g.Rewards[1].Awarded)
	assert.Equal(t, int64(0), g.Rewards[0].Awarded)

	require.ErrorIs(t, store.DecrementAward(ctx, "nope", "pts"), core.ErrGameNotFound)
}

func TestStore_ConcurrentIncrementsRespectLimit(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()
	store := NewWithClient(client)
	ctx := context.Background()
	require.NoError(t, store.SaveGame(ctx, testGame()))

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ConditionalIncrementAward(ctx, "wheel", "pts", 2)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(2), wins.Load())
}

func TestStore_SaveGameKeepsCounters(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()
	store := NewWithClient(client)
	ctx := context.Background()
	require.NoError(t, store.SaveGame(ctx, testGame()))
	_, err := store.ConditionalIncrementAward(ctx, "wheel", "pts", 2)
	require.NoError(t, err)

	updated := testGame()
	updated.Rewards[1].Limit = 5
	require.NoError(t, store.SaveGame(ctx, updated))

	g, _ := store.FindGame(ctx, "wheel")
	assert.Equal(t, int64(1), g.Rewards[1].Awarded)
	assert.Equal(t, int64(5), g.Rewards[1].Limit)

	// the old limit no longer matches
	ok, _ := store.ConditionalIncrementAward(ctx, "wheel", "pts", 2)
	assert.False(t, ok)

	// dropping a slot removes its counters
	updated.Rewards = []core.RewardSlot{{ID: "disc", Type: core.RewardDiscount, Value: 10, Probability: 100}}
	require.NoError(t, store.SaveGame(ctx, updated))
	exists, err := client.HExists(ctx, gameAwardedKey("wheel"), "pts").Result()
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_SaveGameRejectsLimitBelowAwarded(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()
	store := NewWithClient(client)
	ctx := context.Background()
	require.NoError(t, store.SaveGame(ctx, testGame()))
	for i := 0; i < 2; i++ {
		ok, err := store.ConditionalIncrementAward(ctx, "wheel", "pts", 2)
		require.NoError(t, err)
		require.True(t, ok)
	}

	lowered := testGame()
	lowered.Name = "lowered"
	lowered.Rewards[1].Limit = 1
	require.ErrorIs(t, store.SaveGame(ctx, lowered), core.ErrInvalidGame)

	g, err := store.FindGame(ctx, "wheel")
	require.NoError(t, err)
	assert.Equal(t, int64(2), g.Rewards[1].Limit)
	assert.Equal(t, int64(2), g.Rewards[1].Awarded)
	assert.NotEqual(t, "lowered", g.Name)

	lowered.Rewards[1].Limit = 0
	require.NoError(t, store.SaveGame(ctx, lowered))
	g, _ = store.FindGame(ctx, "wheel")
	assert.Equal(t, "lowered", g.Name)
	assert.Equal(t, int64(2), g.Rewards[1].Awarded)
}

func TestStore_PlayLedger(t *testing.T) {
	client, cleanup := newTestClient(t)
	defer cleanup()
	store := NewWithClient(client)
	ctx := context.Background()

	base := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		p := core.Play{
			ID:       core.NewPlayID(),
			UserID:   "alice",
			GameID:   "wheel",
			PlayDate: base.Add(time.Duration(i) * time.Hour),
			Reward:   &core.GrantedReward{SlotID: "disc", Type: core.RewardDiscount, Value: 10},
		}
		require.NoError(t, store.InsertPlay(ctx, p))
	}
	require.NoError(t, store.InsertPlay(ctx, core.Play{ID: core.NewPlayID(), UserID: "alice", GameID: "other", PlayDate: base}))

	n, err := store.CountPlays(ctx, "alice", "wheel", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	since := base.Add(2 * time.Hour)
	n, err = store.CountPlays(ctx, "alice", "wheel", &since)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	plays, total, err := store.ListPlays(ctx, "alice", 0, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, plays, 3)
	assert.True(t, base.Add(3*time.Hour).Equal(plays[0].PlayDate))
	require.NotNil(t, plays[0].Reward)
	assert.Equal(t, core.RewardDiscount, plays[0].Reward.Type)

	plays, _, err = store.ListPlays(ctx, "alice", 3, 3)
	require.NoError(t, err)
	assert.Len(t, plays, 2)

	plays, total, err = store.ListPlays(ctx, "nobody", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, plays)
	assert.Zero(t, total)

	plays, _, err = store.ListPlays(ctx, "alice", math.MaxInt-1, 10)
	require.NoError(t, err)
	assert.Empty(t, plays)

	_, _, err = store.ListPlays(ctx, "alice", -3, 3)
	assert.ErrorIs(t, err, core.ErrNegativeOffset)
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "localhost:6379", config.Addr)
	assert.Equal(t, "", config.Password)
	assert.Equal(t, 0, config.DB)
	assert.Equal(t, 10, config.PoolSize)
	assert.Equal(t, 2, config.MinIdleConns)
	assert.Equal(t, 5*time.Second, config.DialTimeout)
	assert.Equal(t, 3*time.Second, config.ReadTimeout)
	assert.Equal(t, 3*time.Second, config.WriteTimeout)
}
