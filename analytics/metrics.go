package analytics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"greenmove/core"
)

// BridgeHook bridges an event source to multiple hooks.
type BridgeHook struct{ hooks []Hook }

func NewBridge(hooks ...Hook) *BridgeHook { return &BridgeHook{hooks: hooks} }

func (b *BridgeHook) OnEvent(e core.Event) {
	for _, h := range b.hooks {
		h.OnEvent(e)
	}
}

// PrometheusHook exports ledger events as Prometheus series on its own registry.
type PrometheusHook struct {
	namespace  string
	registry   *prometheus.Registry
	activities *prometheus.CounterVec
	carbon     *prometheus.CounterVec
	points     prometheus.Counter
	rewards    *prometheus.CounterVec
	levelUps   prometheus.Counter
	userLevel  prometheus.Histogram
}

func NewPrometheusHook(namespace string) *PrometheusHook {
	if namespace == "" {
		namespace = "greenmove"
	}
	h := &PrometheusHook{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
		activities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "activities_total",
			Help:      "Activities recorded, by category.",
		}, []string{"category"}),
		carbon: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "carbon_saved_kg_total",
			Help:      "Kilograms of CO2 saved, by category.",
		}, []string{"category"}),
		points: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "points_awarded_total",
			Help:      "Points credited by activities and rewards.",
		}),
		rewards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "rewards_issued_total",
			Help:      "Rewards issued, by reward type.",
		}, []string{"reward_type"}),
		levelUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "level_ups_total",
			Help:      "Level transitions across all users.",
		}),
		userLevel: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "user_level",
			Help:      "User level observed after each committed ledger update.",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		}),
	}
	h.registry.MustRegister(h.activities, h.carbon, h.points, h.rewards, h.levelUps, h.userLevel)
	return h
}

func (h *PrometheusHook) OnEvent(e core.Event) {
	switch e.Type {
	case core.EventActivityRecorded:
		h.activities.WithLabelValues(string(e.Category)).Inc()
		h.carbon.WithLabelValues(string(e.Category)).Add(e.CarbonDelta)
	case core.EventLedgerUpdated:
		if e.PointsDelta > 0 {
			h.points.Add(float64(e.PointsDelta))
		}
		h.userLevel.Observe(float64(e.Level))
	case core.EventRewardIssued:
		rt, _ := e.Metadata["reward_type"].(string)
		h.rewards.WithLabelValues(rt).Inc()
	case core.EventLevelUp:
		h.levelUps.Inc()
	}
}

// TrackDrops exports a delivery component's discard count, read at scrape time.
func (h *PrometheusHook) TrackDrops(component string, dropped func() int64) error {
	return h.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   h.namespace,
		Subsystem:   "events",
		Name:        "dropped_total",
		Help:        "Events a delivery component discarded instead of delivering.",
		ConstLabels: prometheus.Labels{"component": component},
	}, func() float64 { return float64(dropped()) }))
}

// Registry exposes the underlying registry for additional collectors.
func (h *PrometheusHook) Registry() *prometheus.Registry { return h.registry }

// Handler serves the registry in the Prometheus exposition format.
func (h *PrometheusHook) Handler() http.Handler {
	return promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{Registry: h.registry})
}
