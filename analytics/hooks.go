package analytics

import (
	"sync"
	"time"

	"greenmove/core"
)

// Hook receives domain events for KPI aggregation.
type Hook interface {
	OnEvent(e core.Event)
}

// DAU tracks daily active users.
type DAU struct {
	mu   sync.Mutex
	days map[string]map[core.UserID]struct{}
}

func NewDAU() *DAU { return &DAU{days: map[string]map[core.UserID]struct{}{}} }

func (d *DAU) OnEvent(e core.Event) {
	if e.Type != core.EventActivityRecorded {
		return
	}
	day := dayKey(e.Time)
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.days[day]
	if m == nil {
		m = map[core.UserID]struct{}{}
		d.days[day] = m
	}
	m[e.UserID] = struct{}{}
}

func (d *DAU) Count(day string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.days[day])
}

// LedgerMetrics aggregates platform-wide ledger activity.
type LedgerMetrics struct {
	mu sync.RWMutex

	activeUsers       map[string]map[core.UserID]struct{}
	pointsByDay       map[string]int64
	carbonByDay       map[string]float64
	activitiesByCat   map[core.Category]int64
	carbonByCat       map[core.Category]float64
	rewardsByKey      map[core.MilestoneKey]int64
	levelDistribution map[core.UserID]int64
}

func NewLedgerMetrics() *LedgerMetrics {
	return &LedgerMetrics{
		activeUsers:       make(map[string]map[core.UserID]struct{}),
		pointsByDay:       make(map[string]int64),
		carbonByDay:       make(map[string]float64),
		activitiesByCat:   make(map[core.Category]int64),
		carbonByCat:       make(map[core.Category]float64),
		rewardsByKey:      make(map[core.MilestoneKey]int64),
		levelDistribution: make(map[core.UserID]int64),
	}
}

func (m *LedgerMetrics) OnEvent(e core.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := dayKey(e.Time)
	switch e.Type {
	case core.EventActivityRecorded:
		if m.activeUsers[day] == nil {
			m.activeUsers[day] = make(map[core.UserID]struct{})
		}
		m.activeUsers[day][e.UserID] = struct{}{}
		m.activitiesByCat[e.Category]++
		m.carbonByCat[e.Category] += e.CarbonDelta
	case core.EventLedgerUpdated:
		m.pointsByDay[day] += e.PointsDelta
		m.carbonByDay[day] += e.CarbonDelta
		m.levelDistribution[e.UserID] = e.Level
	case core.EventRewardIssued:
		m.rewardsByKey[e.RewardKey]++
	}
}

func (m *LedgerMetrics) ActiveUsers(day string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.activeUsers[day])
}

func (m *LedgerMetrics) PointsOn(day string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pointsByDay[day]
}

func (m *LedgerMetrics) CarbonOn(day string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.carbonByDay[day]
}

func (m *LedgerMetrics) RewardsIssued(key core.MilestoneKey) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rewardsByKey[key]
}

// Snapshot is a point-in-time copy of platform totals.
type Snapshot struct {
	ActivitiesByCategory map[core.Category]int64     `json:"activities_by_category"`
	CarbonByCategory     map[core.Category]float64   `json:"carbon_by_category"`
	RewardsByKey         map[core.MilestoneKey]int64 `json:"rewards_by_key"`
	UsersByLevel         map[int64]int               `json:"users_by_level"`
}

func (m *LedgerMetrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		ActivitiesByCategory: make(map[core.Category]int64, len(m.activitiesByCat)),
		CarbonByCategory:     make(map[core.Category]float64, len(m.carbonByCat)),
		RewardsByKey:         make(map[core.MilestoneKey]int64, len(m.rewardsByKey)),
		UsersByLevel:         make(map[int64]int),
	}
	for k, v := range m.activitiesByCat {
		s.ActivitiesByCategory[k] = v
	}
	for k, v := range m.carbonByCat {
		s.CarbonByCategory[k] = v
	}
	for k, v := range m.rewardsByKey {
		s.RewardsByKey[k] = v
	}
	for _, lvl := range m.levelDistribution {
		s.UsersByLevel[lvl]++
	}
	return s
}

func dayKey(t time.Time) string { return t.UTC().Format("2006-01-02") }
