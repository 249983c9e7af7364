package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"greenmove/core"
)

const (
	SignatureHeader = "X-GreenMove-Signature"
	EventHeader     = "X-GreenMove-Event"
)

// Sink posts ledger events to configured HTTP endpoints.
// Delivery is synchronous; register it on an async bus to keep writers fast.
type Sink struct {
	client    *http.Client
	endpoints []string
	secret    []byte
	types     map[core.EventType]bool
	log       *slog.Logger

	delivered atomic.Int64
	failed    atomic.Int64
}

// Option configures a Sink.
type Option func(*Sink)

// WithClient overrides the HTTP client (defaults to 5s timeout).
func WithClient(c *http.Client) Option {
	return func(s *Sink) {
		if c != nil {
			s.client = c
		}
	}
}

// WithTimeout sets the per-request timeout on a copy of the client, so a
// client passed to WithClient is left untouched.
func WithTimeout(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			c := *s.client
			c.Timeout = d
			s.client = &c
		}
	}
}

// WithSecret signs each body with HMAC-SHA256 in SignatureHeader.
func WithSecret(secret string) Option {
	return func(s *Sink) { s.secret = []byte(secret) }
}

// WithEventTypes replaces the set of forwarded event types.
func WithEventTypes(types ...core.EventType) Option {
	return func(s *Sink) {
		s.types = map[core.EventType]bool{}
		for _, t := range types {
			s.types[t] = true
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a webhook sink forwarding reward_issued and level_up events.
func New(endpoints []string, opts ...Option) *Sink {
	s := &Sink{
		client: &http.Client{Timeout: 5 * time.Second},
		types:  map[core.EventType]bool{core.EventRewardIssued: true, core.EventLevelUp: true},
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.endpoints = append([]string{}, endpoints...)
	return s
}

// EventTypes lists the forwarded event types, for bus subscription.
func (s *Sink) EventTypes() []core.EventType {
	out := make([]core.EventType, 0, len(s.types))
	for _, t := range []core.EventType{core.EventActivityRecorded, core.EventLedgerUpdated, core.EventRewardIssued, core.EventLevelUp} {
		if s.types[t] {
			out = append(out, t)
		}
	}
	return out
}

// OnEvent posts the event JSON to all endpoints. Failures are logged and counted.
func (s *Sink) OnEvent(ctx context.Context, e core.Event) {
	if len(s.endpoints) == 0 || !s.types[e.Type] {
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		s.log.Error("webhook encode failed", "event", e.Type, "error", err)
		return
	}
	for _, ep := range s.endpoints {
		if err := s.post(ctx, ep, e.Type, body); err != nil {
			s.failed.Add(1)
			s.log.Warn("webhook delivery failed", "endpoint", ep, "event", e.Type, "user_id", e.UserID, "error", err)
			continue
		}
		s.delivered.Add(1)
	}
}

func (s *Sink) post(ctx context.Context, endpoint string, typ core.EventType, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(typ))
	if len(s.secret) > 0 {
		req.Header.Set(SignatureHeader, "sha256="+Sign(s.secret, body))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Sink) Delivered() int64 { return s.delivered.Load() }
func (s *Sink) Failed() int64    { return s.failed.Load() }
