package engine

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"greenmove/core"
)

// DispatchMode selects how ledger events reach subscribers.
type DispatchMode int

const (
	// DispatchSync runs handlers on the submitting goroutine before the
	// service call returns.
	DispatchSync DispatchMode = iota
	// DispatchAsync queues events per user shard and runs handlers on
	// background workers.
	DispatchAsync
)

const (
	defaultShards    = 4
	defaultShardSize = 512
)

type subscription struct {
	id int64
	fn func(context.Context, core.Event)
}

// BusOption configures an EventBus.
type BusOption func(*EventBus)

// WithShards sets the number of async worker shards.
func WithShards(n int) BusOption {
	return func(e *EventBus) {
		if n > 0 {
			e.shardCount = n
		}
	}
}

// WithShardQueue sets the buffered depth of each shard queue.
func WithShardQueue(n int) BusOption {
	return func(e *EventBus) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithBusLogger sets the logger used for dropped events and handler panics.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(e *EventBus) {
		if l != nil {
			e.logger = l
		}
	}
}

// EventBus fans ledger events out to subscribers. In async mode every event
// for a given user lands on the same shard, so subscribers observe one
// user's events in the order the ledger produced them.
type EventBus struct {
	mode       DispatchMode
	logger     *slog.Logger
	shardCount int
	queueSize  int

	mu     sync.RWMutex
	subs   map[core.EventType]map[int64]subscription
	nextID int64

	shards    []chan core.Event
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once

	dropped  atomic.Int64
	panicked atomic.Int64
}

func NewEventBus(mode DispatchMode, opts ...BusOption) *EventBus {
	eb := &EventBus{
		mode:       mode,
		logger:     slog.Default(),
		shardCount: defaultShards,
		queueSize:  defaultShardSize,
		subs:       make(map[core.EventType]map[int64]subscription),
	}
	for _, opt := range opts {
		opt(eb)
	}
	if mode == DispatchAsync {
		eb.startShards()
	}
	return eb
}

func (e *EventBus) startShards() {
	e.shards = make([]chan core.Event, e.shardCount)
	for i := range e.shards {
		q := make(chan core.Event, e.queueSize)
		e.shards[i] = q
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for ev := range q {
				e.dispatch(context.Background(), ev)
			}
		}()
	}
}

func (e *EventBus) shardFor(user core.UserID) chan core.Event {
	h := fnv.New32a()
	_, _ = h.Write([]byte(user))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

// Close drains queued events, then stops the workers. Events published
// after Close are dropped.
func (e *EventBus) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed.Store(true)
		for _, q := range e.shards {
			close(q)
		}
		e.mu.Unlock()
		e.wg.Wait()
	})
}

// Dropped reports how many async events were discarded.
func (e *EventBus) Dropped() int64 { return e.dropped.Load() }

// Panics reports how many handler invocations panicked and were recovered.
func (e *EventBus) Panics() int64 { return e.panicked.Load() }

// Subscribe registers a handler for an event type. Returns unsubscribe func.
func (e *EventBus) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	if e.subs[typ] == nil {
		e.subs[typ] = make(map[int64]subscription)
	}
	e.subs[typ][id] = subscription{id: id, fn: handler}
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if m := e.subs[typ]; m != nil {
			delete(m, id)
		}
	}
}

// Publish sends an event to subscribers. A full shard drops the event
// rather than stall the ledger.
func (e *EventBus) Publish(ctx context.Context, ev core.Event) {
	if e.mode != DispatchAsync {
		e.dispatch(ctx, ev)
		return
	}
	// read lock keeps Close from closing the shard under us
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed.Load() {
		e.drop(ev, "closed")
		return
	}
	select {
	case e.shardFor(ev.UserID) <- ev:
	default:
		e.drop(ev, "queue full")
	}
}

func (e *EventBus) drop(ev core.Event, reason string) {
	if n := e.dropped.Add(1); n == 1 || n%1000 == 0 {
		e.logger.Warn("event bus dropping events",
			"reason", reason, "type", ev.Type, "user_id", ev.UserID, "dropped_total", n)
	}
}

func (e *EventBus) dispatch(ctx context.Context, ev core.Event) {
	e.mu.RLock()
	subs := e.subs[ev.Type]
	handlers := make([]func(context.Context, core.Event), 0, len(subs))
	for _, s := range subs {
		handlers = append(handlers, s.fn)
	}
	e.mu.RUnlock()
	for _, h := range handlers {
		e.invoke(ctx, h, ev)
	}
}

// invoke isolates a misbehaving subscriber from the ledger and its peers.
func (e *EventBus) invoke(ctx context.Context, h func(context.Context, core.Event), ev core.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.panicked.Add(1)
			e.logger.Error("event handler panicked", "type", ev.Type, "user_id", ev.UserID, "panic", r)
		}
	}()
	h(ctx, ev)
}
