package core

import (
	"errors"
	"math"
	"strings"
	"time"
)

// UserID uniquely identifies a user of the ledger.
type UserID string

// DefaultUserID is the implicit single user of the reference deployment.
const DefaultUserID UserID = "default-user"

// Category is one of the fixed activity categories of the rate table.
type Category string

const (
	CategoryTransport Category = "Transport"
	CategoryEnergy    Category = "Energy"
	CategoryWaste     Category = "Waste"
	CategoryWater     Category = "Water"
	CategoryFood      Category = "Food"
)

// RewardType enumerates the kinds of reward records.
type RewardType string

const (
	RewardAchievement RewardType = "Achievement"
	RewardMilestone   RewardType = "Milestone"
	RewardBonus       RewardType = "Bonus"
)

// MilestoneKey identifies the rule that produced a reward. It is the
// de-duplication key within a user's reward set; titles are display only.
type MilestoneKey string

// User is a snapshot of a user's cumulative ledger state.
type User struct {
	ID               UserID    `json:"id"`
	Username         string    `json:"username"`
	Email            string    `json:"email"`
	TotalPoints      int64     `json:"totalPoints"`
	TotalCarbonSaved float64   `json:"totalCarbonSaved"`
	Level            int64     `json:"level"`
	AvatarURL        string    `json:"avatarUrl,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
	// Version increments on every committed change and guards concurrent writers.
	Version int64 `json:"version"`
}

// NewUser returns a fresh user with zero totals at level 1.
func NewUser(id UserID, username, email string, now time.Time) User {
	if username == "" {
		username = string(id)
	}
	return User{
		ID:        id,
		Username:  username,
		Email:     email,
		Level:     1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Location is an optional place attached to an activity.
type Location struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Name string  `json:"name,omitempty"`
}

// Validate checks coordinate ranges.
func (l Location) Validate() error {
	if math.IsNaN(l.Lat) || l.Lat < -90 || l.Lat > 90 {
		return &ValidationError{Field: "location.lat", Reason: "must be within [-90, 90]"}
	}
	if math.IsNaN(l.Lng) || l.Lng < -180 || l.Lng > 180 {
		return &ValidationError{Field: "location.lng", Reason: "must be within [-180, 180]"}
	}
	return nil
}

// Activity is one logged eco-friendly action. CarbonSaved and PointsEarned
// are fixed when the activity is recorded.
type Activity struct {
	ID           string    `json:"id"`
	UserID       UserID    `json:"userId"`
	Category     Category  `json:"category"`
	ActivityType string    `json:"activityType"`
	Quantity     float64   `json:"quantity"`
	Unit         string    `json:"unit"`
	CarbonSaved  float64   `json:"carbonSaved"`
	PointsEarned int64     `json:"pointsEarned"`
	Location     *Location `json:"location,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	ActivityDate time.Time `json:"activityDate"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Reward is a uniquely keyed grant of bonus points.
type Reward struct {
	ID            string       `json:"id"`
	UserID        UserID       `json:"userId"`
	Key           MilestoneKey `json:"key"`
	RewardType    RewardType   `json:"rewardType"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	IconName      string       `json:"iconName"`
	PointsAwarded int64        `json:"pointsAwarded"`
	UnlockedAt    time.Time    `json:"unlockedAt"`
}

// HasReward reports whether rewards already contains key.
func HasReward(rewards []Reward, key MilestoneKey) bool {
	for _, r := range rewards {
		if r.Key == key {
			return true
		}
	}
	return false
}

// AddSafe adds delta to base ensuring no signed overflow occurs.
func AddSafe(base int64, delta int64) (int64, error) {
	if (delta > 0 && base > math.MaxInt64-delta) || (delta < 0 && base < math.MinInt64-delta) {
		return 0, errors.New("integer overflow in AddSafe")
	}
	return base + delta, nil
}

// NormalizeUserID trims surrounding whitespace from user identifiers.
func NormalizeUserID(id UserID) (UserID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", &ValidationError{Field: "userId", Reason: "must not be empty"}
	}
	return UserID(s), nil
}
