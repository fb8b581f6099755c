package minigame

import (
	"context"
	"fmt"

	"rewardkit/adapters/memory"
	"rewardkit/engine"
	"rewardkit/realtime"
)

// Option configures the play service builder.
type Option func(*config)

type config struct {
	storage  engine.Storage
	mode     engine.DispatchMode
	hub      *realtime.Hub
	notifier engine.Notifier
	channels []string
	games    []*GameBuilder
	svcOpts  []engine.ServiceOption
	busOpts  []engine.BusOption
	dispOpts []engine.DispatcherOption
}

// WithStorage sets the persistence adapter.
func WithStorage(s engine.Storage) Option { return func(c *config) { c.storage = s } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

// WithRealtime wires a realtime hub to receive all engine events.
func WithRealtime(h *realtime.Hub) Option { return func(c *config) { c.hub = h } }

// WithNotifier sends a notification for every granted reward.
func WithNotifier(n engine.Notifier, channels ...string) Option {
	return func(c *config) {
		c.notifier = n
		c.channels = channels
	}
}

// WithDispatcherOptions tunes the notification dispatcher set up by WithNotifier.
func WithDispatcherOptions(opts ...engine.DispatcherOption) Option {
	return func(c *config) { c.dispOpts = append(c.dispOpts, opts...) }
}

// WithBusOptions tunes the event bus (async workers, queue size).
func WithBusOptions(opts ...engine.BusOption) Option {
	return func(c *config) { c.busOpts = append(c.busOpts, opts...) }
}

// WithGames saves the given definitions before the service is returned.
func WithGames(games ...*GameBuilder) Option {
	return func(c *config) { c.games = append(c.games, games...) }
}

// WithServiceOptions passes options through to engine.NewPlayService.
func WithServiceOptions(opts ...engine.ServiceOption) Option {
	return func(c *config) { c.svcOpts = append(c.svcOpts, opts...) }
}

// New builds a configured PlayService. If not provided, defaults are used:
//   - storage: in-memory
//   - dispatch: async
func New(ctx context.Context, opts ...Option) (*engine.PlayService, error) {
	cfg := &config{mode: engine.DispatchAsync}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.storage == nil {
		cfg.storage = memory.New()
	}
	for _, b := range cfg.games {
		g, err := b.Build()
		if err != nil {
			return nil, err
		}
		if err := cfg.storage.SaveGame(ctx, g); err != nil {
			return nil, fmt.Errorf("save game %s: %w", g.ID, err)
		}
	}

	bus := engine.NewEventBus(cfg.mode, cfg.busOpts...)
	svc := engine.NewPlayService(cfg.storage, bus, cfg.svcOpts...)
	if cfg.hub != nil {
		bus.SubscribeAll(cfg.hub.Broadcast, engine.AllEventTypes...)
	}
	if cfg.notifier != nil {
		dopts := append([]engine.DispatcherOption{engine.WithChannels(cfg.channels...)}, cfg.dispOpts...)
		engine.NewNotificationDispatcher(cfg.notifier, dopts...).Attach(bus)
	}
	return svc, nil
}
