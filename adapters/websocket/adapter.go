package websocket

import (
	"net/http"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"rewardkit/core"
	"rewardkit/realtime"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type options struct {
	buffer      int
	checkOrigin func(*http.Request) bool
}

// Option configures the handler.
type Option func(*options)

// WithBuffer sets the per-connection event buffer.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithCheckOrigin overrides the origin check (default allows all).
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(o *options) { o.checkOrigin = fn }
}

// FilterFromQuery reads user_id, game_id and a comma separated types list.
func FilterFromQuery(r *http.Request) realtime.Filter {
	q := r.URL.Query()
	f := realtime.Filter{
		UserID: core.UserID(strings.TrimSpace(q.Get("user_id"))),
		GameID: core.GameID(strings.TrimSpace(q.Get("game_id"))),
	}
	if raw := q.Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, core.EventType(t))
			}
		}
	}
	return f
}

// Handler returns an http.Handler that upgrades to WebSocket and streams events from the hub.
func Handler(hub *realtime.Hub, opts ...Option) http.Handler {
	o := options{buffer: 256, checkOrigin: func(r *http.Request) bool { return true }}
	for _, opt := range opts {
		opt(&o)
	}
	upgrader := gorillaws.Upgrader{CheckOrigin: o.checkOrigin}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter := FilterFromQuery(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		id, ch := hub.Subscribe(o.buffer, filter)
		defer hub.Unsubscribe(id)

		// read pump: only control frames are expected; an error means the client went away
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(pongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.TextMessage, realtime.MarshalJSON(ev)); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
					return
				}
			}
		}
	})
}
