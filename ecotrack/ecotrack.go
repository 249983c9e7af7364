// Package ecotrack assembles a ready-to-use ledger service.
package ecotrack

import (
	"context"
	"log/slog"

	mem "greenmove/adapters/memory"
	"greenmove/analytics"
	"greenmove/core"
	"greenmove/engine"
	"greenmove/leaderboard"
	"greenmove/realtime"
)

var allEvents = []core.EventType{
	core.EventActivityRecorded,
	core.EventLedgerUpdated,
	core.EventRewardIssued,
	core.EventLevelUp,
}

// Option configures the ledger service builder.
type Option func(*config)

type subscription struct {
	types   []core.EventType
	handler func(context.Context, core.Event)
}

type config struct {
	storage engine.Storage
	mode    engine.DispatchMode
	rules   engine.RuleEngine
	hub     *realtime.Hub
	board   *leaderboard.Tracker
	hooks   []analytics.Hook
	subs    []subscription
	svcOpts []engine.ServiceOption
	logger  *slog.Logger
}

// WithStorage sets the persistence adapter.
func WithStorage(s engine.Storage) Option { return func(c *config) { c.storage = s } }

// WithRuleEngine sets the milestone rule engine.
func WithRuleEngine(r engine.RuleEngine) Option { return func(c *config) { c.rules = r } }

// WithDispatchMode selects sync or async event dispatch.
func WithDispatchMode(m engine.DispatchMode) Option { return func(c *config) { c.mode = m } }

// WithRealtime wires a realtime hub to receive all engine events.
func WithRealtime(h *realtime.Hub) Option { return func(c *config) { c.hub = h } }

// WithLeaderboard keeps the tracker's board current from ledger updates.
func WithLeaderboard(t *leaderboard.Tracker) Option { return func(c *config) { c.board = t } }

// WithHooks registers analytics hooks for every event type.
func WithHooks(hooks ...analytics.Hook) Option {
	return func(c *config) { c.hooks = append(c.hooks, hooks...) }
}

// WithSubscriber registers handler for the given event types.
func WithSubscriber(handler func(context.Context, core.Event), types ...core.EventType) Option {
	return func(c *config) { c.subs = append(c.subs, subscription{types: types, handler: handler}) }
}

func WithRateTable(t core.RateTable) Option {
	return func(c *config) { c.svcOpts = append(c.svcOpts, engine.WithRateTable(t)) }
}

func WithAutoProvision(enabled bool) Option {
	return func(c *config) { c.svcOpts = append(c.svcOpts, engine.WithAutoProvision(enabled)) }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New builds a configured LedgerService. If not provided, defaults are used:
//   - storage: in-memory
//   - rules: DefaultRuleEngine
//   - dispatch: async
func New(opts ...Option) *engine.LedgerService {
	cfg := &config{mode: engine.DispatchAsync, rules: engine.DefaultRuleEngine()}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.storage == nil {
		cfg.storage = mem.New()
	}
	svcOpts := cfg.svcOpts
	if cfg.logger != nil {
		svcOpts = append(svcOpts, engine.WithLogger(cfg.logger))
	}
	bus := engine.NewEventBus(cfg.mode, engine.WithBusLogger(cfg.logger))
	svc := engine.NewLedgerService(cfg.storage, bus, cfg.rules, svcOpts...)

	if cfg.hub != nil {
		for _, t := range allEvents {
			bus.Subscribe(t, cfg.hub.Broadcast)
		}
	}
	if cfg.board != nil {
		bus.Subscribe(core.EventLedgerUpdated, cfg.board.OnEvent)
	}
	if len(cfg.hooks) > 0 {
		bridge := analytics.NewBridge(cfg.hooks...)
		for _, t := range allEvents {
			bus.Subscribe(t, func(_ context.Context, e core.Event) { bridge.OnEvent(e) })
		}
	}
	for _, s := range cfg.subs {
		types := s.types
		if len(types) == 0 {
			types = allEvents
		}
		for _, t := range types {
			bus.Subscribe(t, s.handler)
		}
	}
	return svc
}
