package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"rewardkit/core"
)

type DispatchMode int

const (
	DispatchSync DispatchMode = iota
	DispatchAsync
)

const (
	defaultAsyncWorkers = 4
	defaultQueueSize    = 2048
)

type subscription struct {
	id  int64
	typ core.EventType
	fn  func(context.Context, core.Event)
}

// BusOption tunes an EventBus.
type BusOption func(*EventBus)

// WithWorkers sets the number of async dispatch goroutines.
func WithWorkers(n int) BusOption {
	return func(e *EventBus) {
		if n > 0 {
			e.asyncWorkers = n
		}
	}
}

// WithQueueSize sets the async queue capacity.
func WithQueueSize(n int) BusOption {
	return func(e *EventBus) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// EventBus provides thread-safe pub/sub with sync and async dispatch.
// In async mode a full queue drops the event; publishers never block.
type EventBus struct {
	mode         DispatchMode
	mu           sync.RWMutex
	subs         map[core.EventType]map[int64]subscription
	nextID       int64
	asyncQueue   chan core.Event
	asyncWorkers int
	queueSize    int
	closed       bool
	workers      sync.WaitGroup
	dropped      atomic.Int64
}

func NewEventBus(mode DispatchMode, opts ...BusOption) *EventBus {
	eb := &EventBus{
		mode:         mode,
		subs:         make(map[core.EventType]map[int64]subscription),
		asyncWorkers: defaultAsyncWorkers,
		queueSize:    defaultQueueSize,
	}
	for _, o := range opts {
		o(eb)
	}
	if mode == DispatchAsync {
		eb.asyncQueue = make(chan core.Event, eb.queueSize)
		eb.startWorkers()
	}
	return eb
}

func (e *EventBus) startWorkers() {
	for i := 0; i < e.asyncWorkers; i++ {
		e.workers.Add(1)
		go func() {
			defer e.workers.Done()
			for ev := range e.asyncQueue {
				e.dispatchSync(context.Background(), ev)
			}
		}()
	}
}

// Close stops accepting events and waits for queued ones to be dispatched.
func (e *EventBus) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.asyncQueue != nil {
		close(e.asyncQueue)
	}
	e.mu.Unlock()
	e.workers.Wait()
}

// Dropped returns how many async events were discarded because the queue was full or closed.
func (e *EventBus) Dropped() int64 { return e.dropped.Load() }

// Subscribe registers a handler for an event type. Returns unsubscribe func.
func (e *EventBus) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	if e.subs[typ] == nil {
		e.subs[typ] = make(map[int64]subscription)
	}
	e.subs[typ][id] = subscription{id: id, typ: typ, fn: handler}
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if m := e.subs[typ]; m != nil {
			delete(m, id)
		}
	}
}

// SubscribeAll registers handler for every given event type.
func (e *EventBus) SubscribeAll(handler func(context.Context, core.Event), types ...core.EventType) func() {
	unsubs := make([]func(), 0, len(types))
	for _, typ := range types {
		unsubs = append(unsubs, e.Subscribe(typ, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish sends an event to subscribers.
func (e *EventBus) Publish(ctx context.Context, ev core.Event) {
	if e.mode == DispatchAsync {
		e.mu.RLock()
		defer e.mu.RUnlock()
		if e.closed {
			e.dropped.Add(1)
			return
		}
		select {
		case e.asyncQueue <- ev:
		default:
			e.dropped.Add(1)
		}
		return
	}
	e.dispatchSync(ctx, ev)
}

func (e *EventBus) dispatchSync(ctx context.Context, ev core.Event) {
	e.mu.RLock()
	subs := e.subs[ev.Type]
	// copy to avoid holding lock during callbacks
	handlers := make([]func(context.Context, core.Event), 0, len(subs))
	for _, s := range subs {
		handlers = append(handlers, s.fn)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, ev)
	}
}

// AllEventTypes lists every event the engine publishes.
var AllEventTypes = []core.EventType{
	core.EventRewardGranted,
	core.EventPlayDenied,
	core.EventPlayFailed,
	core.EventAwardCompensated,
}
