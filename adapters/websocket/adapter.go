package websocket

import (
	"net/http"
	"slices"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"greenmove/core"
	"greenmove/realtime"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type options struct {
	origins    []string
	buffer     int
	pingPeriod time.Duration
}

// Option configures the websocket handler.
type Option func(*options)

// WithAllowedOrigins restricts the Origin header. "*" or no origins accepts
// any client.
func WithAllowedOrigins(origins ...string) Option {
	return func(o *options) { o.origins = origins }
}

// WithBuffer sets the per-connection event buffer.
func WithBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// WithPingPeriod overrides the keepalive ping interval.
func WithPingPeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pingPeriod = d
		}
	}
}

func (o *options) checkOrigin(r *http.Request) bool {
	if len(o.origins) == 0 || slices.Contains(o.origins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(o.origins, origin)
}

// Handler upgrades to WebSocket and streams ledger events from the hub.
// Query parameters narrow the feed: ?user=ID and ?types=reward_issued,level_up.
func Handler(hub *realtime.Hub, opts ...Option) http.Handler {
	o := &options{buffer: 256, pingPeriod: pingPeriod}
	for _, opt := range opts {
		opt(o)
	}
	upgrader := gorillaws.Upgrader{CheckOrigin: o.checkOrigin}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter := filterFromQuery(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		id, ch := hub.SubscribeFilter(o.buffer, filter)
		defer hub.Unsubscribe(id)

		wait := o.pingPeriod * 10 / 9
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})

		// the read loop only services control frames; client payloads are ignored
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(o.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.TextMessage, realtime.MarshalJSON(ev)); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(gorillaws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
}

func filterFromQuery(r *http.Request) realtime.Filter {
	q := r.URL.Query()
	f := realtime.Filter{User: core.UserID(strings.TrimSpace(q.Get("user")))}
	for _, t := range strings.Split(q.Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			f.Types = append(f.Types, core.EventType(t))
		}
	}
	return f
}
