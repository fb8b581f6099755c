package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rewardkit/core"
	"rewardkit/logging"
)

const (
	DefaultMaxAwardAttempts = 3
	compensationTimeout     = 5 * time.Second
)

// ServiceOption configures a PlayService.
type ServiceOption func(*PlayService)

// WithRandomSource overrides the draw source.
func WithRandomSource(src core.RandomSource) ServiceOption {
	return func(s *PlayService) {
		if src != nil {
			s.rng = src
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *PlayService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets the calendar used for daily quotas.
func WithLocation(loc *time.Location) ServiceOption {
	return func(s *PlayService) { s.loc = loc }
}

// WithMaxAwardAttempts bounds select+increment retries after a lost race.
func WithMaxAwardAttempts(n int) ServiceOption {
	return func(s *PlayService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *PlayService) { s.logger = l }
}

// PlayService runs plays: eligibility, weighted selection, capped award
// increment, ledger insert and the post-play event.
type PlayService struct {
	storage     Storage
	bus         *EventBus
	checker     *EligibilityChecker
	rng         core.RandomSource
	now         func() time.Time
	loc         *time.Location
	maxAttempts int
	logger      *slog.Logger
}

func NewPlayService(storage Storage, bus *EventBus, opts ...ServiceOption) *PlayService {
	if storage == nil || bus == nil {
		panic("NewPlayService requires non-nil storage and bus")
	}
	s := &PlayService{
		storage:     storage,
		bus:         bus,
		rng:         core.NewRandomSource(),
		now:         time.Now,
		maxAttempts: DefaultMaxAwardAttempts,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = logging.OrDefault(s.logger)
	s.checker = NewEligibilityChecker(storage, storage, s.now, s.loc)
	return s
}

// Subscribe convenience method.
func (s *PlayService) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	return s.bus.Subscribe(typ, handler)
}

// Bus exposes the event bus so callers can attach subscribers.
func (s *PlayService) Bus() *EventBus { return s.bus }

// ListActiveGames returns games that are active and whose window [start, end) contains now.
func (s *PlayService) ListActiveGames(ctx context.Context) ([]core.Game, error) {
	games, err := s.storage.ListGames(ctx)
	if err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	now := s.now()
	out := make([]core.Game, 0, len(games))
	for _, g := range games {
		if g.Listed(now) {
			out = append(out, g)
		}
	}
	return out, nil
}

// CheckEligibility reports whether user may play game right now.
func (s *PlayService) CheckEligibility(ctx context.Context, user core.UserID, game core.GameID) (core.Eligibility, error) {
	user, game, err := normalizeIDs(user, game)
	if err != nil {
		return core.Eligibility{}, err
	}
	return s.checker.CanPlay(ctx, user, game)
}

// Play performs one play for user on game and returns the recorded play.
// Errors: *core.EligibilityError, core.ErrNoRewardAvailable,
// core.ErrConcurrentConflict, or a wrapped storage error.
func (s *PlayService) Play(ctx context.Context, user core.UserID, game core.GameID) (core.Play, error) {
	user, game, err := normalizeIDs(user, game)
	if err != nil {
		return core.Play{}, err
	}
	g, elig, err := s.checker.evaluate(ctx, user, game)
	if err != nil {
		s.bus.Publish(ctx, core.NewPlayFailed(user, game, core.FailureStorage))
		return core.Play{}, err
	}
	if !elig.Allowed {
		s.bus.Publish(ctx, core.NewPlayDenied(user, game, elig.Reason))
		return core.Play{}, &core.EligibilityError{Reason: elig.Reason}
	}

	slot, err := s.award(ctx, user, g)
	if err != nil {
		s.bus.Publish(ctx, core.NewPlayFailed(user, game, failureKind(err)))
		return core.Play{}, err
	}

	play := core.Play{
		ID:       core.NewPlayID(),
		UserID:   user,
		GameID:   game,
		PlayDate: s.now().UTC(),
		Reward:   core.Grant(slot),
	}
	if err := s.storage.InsertPlay(ctx, play); err != nil {
		err = s.compensate(ctx, play, slot.ID, err)
		s.bus.Publish(ctx, core.NewPlayFailed(user, game, core.FailureStorage))
		return core.Play{}, err
	}

	s.bus.Publish(ctx, core.NewRewardGranted(play))
	return play, nil
}

// award selects a slot and claims one unit of it. A lost race reloads the
// pool and draws again, up to maxAttempts.
func (s *PlayService) award(ctx context.Context, user core.UserID, g core.Game) (core.RewardSlot, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return core.RewardSlot{}, err
		}
		if attempt > 1 {
			fresh, err := s.storage.FindGame(ctx, g.ID)
			if err != nil {
				return core.RewardSlot{}, fmt.Errorf("reload game: %w", err)
			}
			g = fresh
		}
		slot, ok := core.SelectReward(g.Rewards, core.Draw(s.rng))
		if !ok {
			return core.RewardSlot{}, core.ErrNoRewardAvailable
		}
		won, err := s.storage.ConditionalIncrementAward(ctx, g.ID, slot.ID, slot.Limit)
		if err != nil {
			return core.RewardSlot{}, fmt.Errorf("increment award: %w", err)
		}
		if won {
			slot.Awarded++
			return slot, nil
		}
		s.logger.Warn("award increment lost race",
			append(logging.PlayAttrs(string(user), string(g.ID)),
				logging.FieldRewardID, slot.ID,
				logging.FieldAttempt, attempt,
				"max_attempts", s.maxAttempts)...)
	}
	return core.RewardSlot{}, core.ErrConcurrentConflict
}

// compensate undoes the award increment after a failed ledger insert. It runs
// detached from ctx cancellation so an aborted request still restores the counter.
func (s *PlayService) compensate(ctx context.Context, play core.Play, slot core.RewardID, insertErr error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	attrs := append(logging.PlayAttrs(string(play.UserID), string(play.GameID)), logging.FieldRewardID, slot)
	recordErr := fmt.Errorf("record play: %w", insertErr)
	if err := s.storage.DecrementAward(cctx, play.GameID, slot); err != nil {
		logging.Error(s.logger, "award compensation failed; counter over-reports by one", err, attrs...)
		return errors.Join(recordErr, fmt.Errorf("compensate award: %w", err))
	}
	s.logger.Warn("play insert failed, award compensated", append(attrs, "error", insertErr)...)
	s.bus.Publish(ctx, core.NewAwardCompensated(play.UserID, play.GameID, slot))
	return recordErr
}

// GetPlayHistory returns one page of the user's plays, newest first.
func (s *PlayService) GetPlayHistory(ctx context.Context, user core.UserID, page, pageSize int) (core.PlayPage, error) {
	user, err := core.NormalizeUserID(user)
	if err != nil {
		return core.PlayPage{}, err
	}
	page, pageSize = core.NormalizePage(page, pageSize)
	plays, total, err := s.storage.ListPlays(ctx, user, core.PageOffset(page, pageSize), pageSize)
	if err != nil {
		return core.PlayPage{}, fmt.Errorf("list plays: %w", err)
	}
	if plays == nil {
		plays = []core.Play{}
	}
	return core.PlayPage{
		Plays:       plays,
		TotalCount:  total,
		CurrentPage: page,
		TotalPages:  core.TotalPages(total, pageSize),
	}, nil
}

// Ping checks that storage answers.
func (s *PlayService) Ping(ctx context.Context) error {
	_, err := s.storage.ListGames(ctx)
	return err
}

func (s *PlayService) Close() { s.bus.Close() }

func normalizeIDs(user core.UserID, game core.GameID) (core.UserID, core.GameID, error) {
	u, err := core.NormalizeUserID(user)
	if err != nil {
		return "", "", err
	}
	g, err := core.NormalizeGameID(game)
	if err != nil {
		return "", "", err
	}
	return u, g, nil
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, core.ErrNoRewardAvailable):
		return core.FailureNoReward
	case errors.Is(err, core.ErrConcurrentConflict):
		return core.FailureConflict
	default:
		return core.FailureStorage
	}
}
