package core

import "time"

// EventType enumerates domain events.
type EventType string

const (
	EventActivityRecorded EventType = "activity_recorded"
	EventLedgerUpdated    EventType = "ledger_updated"
	EventRewardIssued     EventType = "reward_issued"
	EventLevelUp          EventType = "level_up"
)

// Event represents an immutable domain event.
type Event struct {
	Type        EventType      `json:"type"`
	Time        time.Time      `json:"time"`
	UserID      UserID         `json:"user_id"`
	ActivityID  string         `json:"activity_id,omitempty"`
	Category    Category       `json:"category,omitempty"`
	PointsDelta int64          `json:"points_delta,omitempty"`
	CarbonDelta float64        `json:"carbon_delta,omitempty"`
	TotalPoints int64          `json:"total_points,omitempty"`
	TotalCarbon float64        `json:"total_carbon,omitempty"`
	Level       int64          `json:"level,omitempty"`
	RewardKey   MilestoneKey   `json:"reward_key,omitempty"`
	RewardTitle string         `json:"reward_title,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func NewActivityRecorded(a Activity) Event {
	return Event{
		Type:        EventActivityRecorded,
		Time:        time.Now().UTC(),
		UserID:      a.UserID,
		ActivityID:  a.ID,
		Category:    a.Category,
		PointsDelta: a.PointsEarned,
		CarbonDelta: a.CarbonSaved,
	}
}

func NewLedgerUpdated(u User, pointsDelta int64, carbonDelta float64) Event {
	return Event{
		Type:        EventLedgerUpdated,
		Time:        time.Now().UTC(),
		UserID:      u.ID,
		PointsDelta: pointsDelta,
		CarbonDelta: carbonDelta,
		TotalPoints: u.TotalPoints,
		TotalCarbon: u.TotalCarbonSaved,
		Level:       u.Level,
	}
}

func NewRewardIssued(r Reward) Event {
	return Event{
		Type:        EventRewardIssued,
		Time:        time.Now().UTC(),
		UserID:      r.UserID,
		PointsDelta: r.PointsAwarded,
		RewardKey:   r.Key,
		RewardTitle: r.Title,
		Metadata:    map[string]any{"reward_type": string(r.RewardType)},
	}
}

func NewLevelUp(user UserID, level int64) Event {
	return Event{Type: EventLevelUp, Time: time.Now().UTC(), UserID: user, Level: level}
}
