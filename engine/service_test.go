package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewardkit/adapters/memory"
	"rewardkit/core"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func wheel() core.Game {
	return core.Game{
		ID:        "wheel",
		Name:      "Spin the wheel",
		Active:    true,
		StartDate: testNow.Add(-24 * time.Hour),
		EndDate:   testNow.Add(24 * time.Hour),
		Rewards: []core.RewardSlot{
			{ID: "disc", Type: core.RewardDiscount, Value: 10, Code: "SAVE10", Probability: 70},
			{ID: "pts", Type: core.RewardPoints, Value: 100, Probability: 30, Limit: 1},
		},
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, store Storage, draw float64, opts ...ServiceOption) (*PlayService, *clock) {
	t.Helper()
	clk := &clock{t: testNow}
	base := []ServiceOption{
		WithClock(clk.Now),
		WithLocation(time.UTC),
		WithRandomSource(core.FixedSource(draw)),
	}
	svc := NewPlayService(store, NewEventBus(DispatchSync), append(base, opts...)...)
	t.Cleanup(svc.Close)
	return svc, clk
}

func seeded(t *testing.T, games ...core.Game) *memory.Store {
	t.Helper()
	s := memory.New()
	for _, g := range games {
		require.NoError(t, s.SaveGame(context.Background(), g))
	}
	return s
}

func TestPlayGrantsSelectedReward(t *testing.T) {
	store := seeded(t, wheel())
	svc, _ := newTestService(t, store, 0.5)

	var granted []core.Event
	svc.Subscribe(core.EventRewardGranted, func(_ context.Context, e core.Event) { granted = append(granted, e) })

	play, err := svc.Play(context.Background(), " alice ", "wheel")
	require.NoError(t, err)
	require.NotNil(t, play.Reward)
	assert.Equal(t, core.UserID("alice"), play.UserID)
	assert.Equal(t, core.RewardID("disc"), play.Reward.SlotID)
	assert.Equal(t, "SAVE10", play.Reward.Code)
	assert.False(t, play.Reward.Used)
	assert.NotEmpty(t, play.ID)

	g, _ := store.FindGame(context.Background(), "wheel")
	slot, _ := g.Slot("disc")
	assert.Equal(t, int64(1), slot.Awarded)

	require.Len(t, granted, 1)
	assert.Equal(t, play.ID, granted[0].PlayID)
}

func TestPlayFallsBackWhenLimitedSlotExhausted(t *testing.T) {
	store := seeded(t, wheel())
	svc, _ := newTestService(t, store, 0.85)
	ctx := context.Background()

	first, err := svc.Play(ctx, "alice", "wheel")
	require.NoError(t, err)
	assert.Equal(t, core.RewardID("pts"), first.Reward.SlotID)

	second, err := svc.Play(ctx, "bob", "wheel")
	require.NoError(t, err)
	assert.Equal(t, core.RewardID("disc"), second.Reward.SlotID)
}

func TestPlayNoRewardAvailable(t *testing.T) {
	g := wheel()
	g.Rewards = []core.RewardSlot{{ID: "pts", Type: core.RewardPoints, Value: 5, Probability: 100, Limit: 1}}
	store := seeded(t, g)
	svc, _ := newTestService(t, store, 0.3)
	ctx := context.Background()

	_, err := svc.Play(ctx, "alice", "wheel")
	require.NoError(t, err)

	var failed []core.Event
	svc.Subscribe(core.EventPlayFailed, func(_ context.Context, e core.Event) { failed = append(failed, e) })
	_, err = svc.Play(ctx, "bob", "wheel")
	require.ErrorIs(t, err, core.ErrNoRewardAvailable)
	require.Len(t, failed, 1)
	assert.Equal(t, core.FailureNoReward, failed[0].Reason)

	page, _ := svc.GetPlayHistory(ctx, "bob", 1, 10)
	assert.Zero(t, page.TotalCount)
}

func TestPlayDeniedReasons(t *testing.T) {
	inactive := wheel()
	inactive.ID = "inactive"
	inactive.Active = false
	future := wheel()
	future.ID = "future"
	future.StartDate = testNow.Add(time.Hour)
	future.EndDate = testNow.Add(48 * time.Hour)

	store := seeded(t, inactive, future)
	svc, _ := newTestService(t, store, 0.1)

	cases := map[core.GameID]core.DenyReason{
		"missing":  core.ReasonGameNotFound,
		"inactive": core.ReasonGameNotActive,
		"future":   core.ReasonOutsideWindow,
	}
	for id, reason := range cases {
		t.Run(string(id), func(t *testing.T) {
			elig, err := svc.CheckEligibility(context.Background(), "alice", id)
			require.NoError(t, err)
			assert.False(t, elig.Allowed)
			assert.Equal(t, reason, elig.Reason)

			_, err = svc.Play(context.Background(), "alice", id)
			require.ErrorIs(t, err, core.ErrNotEligible)
			ee, ok := core.AsEligibilityError(err)
			require.True(t, ok)
			assert.Equal(t, reason, ee.Reason)
		})
	}
}

func TestDailyLimitResetsNextDay(t *testing.T) {
	g := wheel()
	g.DailyPlayLimit = 3
	g.Rewards = []core.RewardSlot{{ID: "disc", Type: core.RewardDiscount, Value: 5, Probability: 100}}
	store := seeded(t, g)
	svc, clk := newTestService(t, store, 0.5)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Play(ctx, "alice", "wheel")
		require.NoError(t, err)
	}
	elig, err := svc.CheckEligibility(ctx, "alice", "wheel")
	require.NoError(t, err)
	assert.Equal(t, core.ReasonDailyLimit, elig.Reason)

	// other users keep their own quota
	elig, _ = svc.CheckEligibility(ctx, "bob", "wheel")
	assert.True(t, elig.Allowed)

	clk.Advance(12 * time.Hour)
	elig, _ = svc.CheckEligibility(ctx, "alice", "wheel")
	assert.True(t, elig.Allowed)
}

func TestTotalLimit(t *testing.T) {
	g := wheel()
	g.TotalPlayLimit = 2
	g.Rewards = []core.RewardSlot{{ID: "disc", Type: core.RewardDiscount, Value: 5, Probability: 100}}
	store := seeded(t, g)
	svc, clk := newTestService(t, store, 0.5)
	ctx := context.Background()

	_, err := svc.Play(ctx, "alice", "wheel")
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)
	_, err = svc.Play(ctx, "alice", "wheel")
	require.NoError(t, err)

	_, err = svc.Play(ctx, "alice", "wheel")
	ee, ok := core.AsEligibilityError(err)
	require.True(t, ok)
	assert.Equal(t, core.ReasonTotalLimit, ee.Reason)
}

func TestWindowBoundsInclusiveForPlay(t *testing.T) {
	g := wheel()
	g.EndDate = testNow
	store := seeded(t, g)
	svc, _ := newTestService(t, store, 0.5)

	elig, err := svc.CheckEligibility(context.Background(), "alice", "wheel")
	require.NoError(t, err)
	assert.True(t, elig.Allowed)

	games, err := svc.ListActiveGames(context.Background())
	require.NoError(t, err)
	assert.Empty(t, games)
}

func TestListActiveGames(t *testing.T) {
	off := wheel()
	off.ID = "off"
	off.Active = false
	store := seeded(t, wheel(), off)
	svc, _ := newTestService(t, store, 0.5)

	games, err := svc.ListActiveGames(context.Background())
	require.NoError(t, err)
	require.Len(t, games, 1)
	assert.Equal(t, core.GameID("wheel"), games[0].ID)
}

func TestInvalidUserID(t *testing.T) {
	svc, _ := newTestService(t, seeded(t, wheel()), 0.5)
	_, err := svc.Play(context.Background(), "  ", "wheel")
	require.Error(t, err)
	_, err = svc.GetPlayHistory(context.Background(), "", 1, 10)
	require.Error(t, err)
}

// failingLedger wraps a store and fails every InsertPlay.
type failingLedger struct {
	*memory.Store
	err error
}

func (f failingLedger) InsertPlay(context.Context, core.Play) error { return f.err }

func TestInsertFailureCompensatesAward(t *testing.T) {
	store := seeded(t, wheel())
	boom := errors.New("disk full")
	svc, _ := newTestService(t, failingLedger{Store: store, err: boom}, 0.85)

	var compensated []core.Event
	svc.Subscribe(core.EventAwardCompensated, func(_ context.Context, e core.Event) { compensated = append(compensated, e) })

	_, err := svc.Play(context.Background(), "alice", "wheel")
	require.ErrorIs(t, err, boom)

	g, _ := store.FindGame(context.Background(), "wheel")
	slot, _ := g.Slot("pts")
	assert.Equal(t, int64(0), slot.Awarded)
	require.Len(t, compensated, 1)
}

func TestCompensationSurvivesCancelledContext(t *testing.T) {
	store := seeded(t, wheel())
	ctx, cancel := context.WithCancel(context.Background())
	ledger := &cancellingLedger{Store: store, cancel: cancel}
	svc, _ := newTestService(t, ledger, 0.85)

	_, err := svc.Play(ctx, "alice", "wheel")
	require.Error(t, err)
	g, _ := store.FindGame(context.Background(), "wheel")
	slot, _ := g.Slot("pts")
	assert.Equal(t, int64(0), slot.Awarded)
}

type cancellingLedger struct {
	*memory.Store
	cancel context.CancelFunc
}

func (c *cancellingLedger) InsertPlay(ctx context.Context, _ core.Play) error {
	c.cancel()
	return ctx.Err()
}

func (c *cancellingLedger) DecrementAward(ctx context.Context, g core.GameID, s core.RewardID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.Store.DecrementAward(ctx, g, s)
}

// losingStore never wins the conditional increment.
type losingStore struct {
	*memory.Store
	attempts atomic.Int32
}

func (l *losingStore) ConditionalIncrementAward(context.Context, core.GameID, core.RewardID, int64) (bool, error) {
	l.attempts.Add(1)
	return false, nil
}

func TestConcurrentConflictAfterRetries(t *testing.T) {
	store := &losingStore{Store: seeded(t, wheel())}
	svc, _ := newTestService(t, store, 0.5, WithMaxAwardAttempts(4))

	_, err := svc.Play(context.Background(), "alice", "wheel")
	require.ErrorIs(t, err, core.ErrConcurrentConflict)
	assert.Equal(t, int32(4), store.attempts.Load())

	page, _ := svc.GetPlayHistory(context.Background(), "alice", 1, 10)
	assert.Zero(t, page.TotalCount)
}

func TestIncrementErrorIsReported(t *testing.T) {
	store := &erroringStore{Store: seeded(t, wheel())}
	svc, _ := newTestService(t, store, 0.5)
	_, err := svc.Play(context.Background(), "alice", "wheel")
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrConcurrentConflict)
	assert.Contains(t, err.Error(), "increment award")
}

type erroringStore struct{ *memory.Store }

func (erroringStore) ConditionalIncrementAward(context.Context, core.GameID, core.RewardID, int64) (bool, error) {
	return false, errors.New("connection reset")
}

func TestLimitedRewardNeverOverAwarded(t *testing.T) {
	g := wheel()
	g.Rewards = []core.RewardSlot{
		{ID: "grand", Type: core.RewardFreeItem, Probability: 100, Limit: 5},
	}
	store := seeded(t, g)
	svc := NewPlayService(store, NewEventBus(DispatchSync),
		WithClock(func() time.Time { return testNow }),
		WithRandomSource(core.NewSeededSource(7)),
		WithMaxAwardAttempts(10))
	defer svc.Close()

	var wins, empty atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Play(context.Background(), core.UserID(fmt.Sprintf("user-%d", i)), "wheel")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, core.ErrNoRewardAvailable), errors.Is(err, core.ErrConcurrentConflict):
				empty.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(5), wins.Load())
	assert.Equal(t, int64(45), empty.Load())
	got, _ := store.FindGame(context.Background(), "wheel")
	assert.Equal(t, int64(5), got.Rewards[0].Awarded)
}

func TestNotifierFailureDoesNotFailPlay(t *testing.T) {
	store := seeded(t, wheel())
	svc, _ := newTestService(t, store, 0.5)
	var calls atomic.Int32
	d := NewNotificationDispatcher(NotifierFunc(func(context.Context, core.Notification) error {
		calls.Add(1)
		return errors.New("push gateway down")
	}))
	d.Attach(svc.Bus())

	play, err := svc.Play(context.Background(), "alice", "wheel")
	require.NoError(t, err)
	assert.NotEmpty(t, play.ID)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPlayHistoryPagination(t *testing.T) {
	g := wheel()
	g.Rewards = []core.RewardSlot{{ID: "disc", Type: core.RewardDiscount, Value: 5, Probability: 100}}
	store := seeded(t, g)
	svc, clk := newTestService(t, store, 0.5)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := svc.Play(ctx, "alice", "wheel")
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}

	page, err := svc.GetPlayHistory(ctx, "alice", 3, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(25), page.TotalCount)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, 3, page.CurrentPage)
	assert.Len(t, page.Plays, 5)

	first, _ := svc.GetPlayHistory(ctx, "alice", 1, 10)
	assert.True(t, first.Plays[0].PlayDate.After(first.Plays[1].PlayDate))

	empty, err := svc.GetPlayHistory(ctx, "nobody", 0, 0)
	require.NoError(t, err)
	assert.NotNil(t, empty.Plays)
	assert.Equal(t, 0, empty.TotalPages)
}

func TestPlayHistoryHugePageIsEmpty(t *testing.T) {
	g := wheel()
	g.Rewards = []core.RewardSlot{{ID: "disc", Type: core.RewardDiscount, Value: 5, Probability: 100}}
	store := seeded(t, g)
	svc, _ := newTestService(t, store, 0.5)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.Play(ctx, "alice", "wheel")
		require.NoError(t, err)
	}

	for _, page := range []int{1_000_000_000_000_000_001, math.MaxInt} {
		res, err := svc.GetPlayHistory(ctx, "alice", page, 10)
		require.NoError(t, err)
		assert.Empty(t, res.Plays)
		assert.Equal(t, int64(2), res.TotalCount)
		assert.Equal(t, 1, res.TotalPages)
	}
}
