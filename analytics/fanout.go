package analytics

import (
	"time"

	"rewardkit/core"
)

// HookFunc adapts a plain function to Hook.
type HookFunc func(core.Event)

func (f HookFunc) OnEvent(e core.Event) { f(e) }

type route struct {
	hook  Hook
	types map[core.EventType]struct{}
}

// Fanout delivers each event to every registered hook whose type filter
// accepts it. Hooks are called in registration order.
type Fanout struct{ routes []route }

// NewFanout returns a Fanout delivering every event to hooks.
func NewFanout(hooks ...Hook) *Fanout {
	f := &Fanout{}
	for _, h := range hooks {
		f.Add(h)
	}
	return f
}

// Add registers h for the given event types, or for all events when none are given.
func (f *Fanout) Add(h Hook, types ...core.EventType) *Fanout {
	r := route{hook: h}
	if len(types) > 0 {
		r.types = make(map[core.EventType]struct{}, len(types))
		for _, t := range types {
			r.types[t] = struct{}{}
		}
	}
	f.routes = append(f.routes, r)
	return f
}

func (f *Fanout) OnEvent(e core.Event) {
	for _, r := range f.routes {
		if r.types != nil {
			if _, ok := r.types[e.Type]; !ok {
				continue
			}
		}
		r.hook.OnEvent(e)
	}
}

// CountOn returns the active players on the UTC day containing t.
func (d *DAU) CountOn(t time.Time) int {
	return d.Count(t.UTC().Format(dayLayout))
}
