package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// User mirrors the public JSON surface of a ledger user.
type User struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	Email            string    `json:"email"`
	TotalPoints      int64     `json:"totalPoints"`
	TotalCarbonSaved float64   `json:"totalCarbonSaved"`
	Level            int64     `json:"level"`
	AvatarURL        string    `json:"avatarUrl,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type Location struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Name string  `json:"name,omitempty"`
}

// ActivityInput is the body of an activity submission. ActivityDate accepts
// RFC 3339 or YYYY-MM-DD and defaults to now.
type ActivityInput struct {
	Category     string    `json:"category"`
	ActivityType string    `json:"activityType"`
	Quantity     float64   `json:"quantity"`
	Unit         string    `json:"unit,omitempty"`
	ActivityDate string    `json:"activityDate,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	Location     *Location `json:"location,omitempty"`
}

type Activity struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Category     string    `json:"category"`
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

type Reward struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Key           string    `json:"key"`
	RewardType    string    `json:"rewardType"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	IconName      string    `json:"iconName"`
	PointsAwarded int64     `json:"pointsAwarded"`
	UnlockedAt    time.Time `json:"unlockedAt"`
}

type RateTable struct {
	Categories []struct {
		Category string `json:"category"`
		Icon     string `json:"icon"`
		Types    []struct {
			Name          string  `json:"name"`
			Unit          string  `json:"unit"`
			CarbonPerUnit float64 `json:"carbonPerUnit"`
			PointsPerUnit float64 `json:"pointsPerUnit"`
		} `json:"types"`
	} `json:"categories"`
}

type Summary struct {
	UserID      string  `json:"userId"`
	Activities  int     `json:"activities"`
	CarbonSaved float64 `json:"carbonSaved"`
	Points      int64   `json:"activityPoints"`
	Categories  []struct {
		Category    string  `json:"category"`
		Activities  int     `json:"activities"`
		CarbonSaved float64 `json:"carbonSaved"`
		Points      int64   `json:"points"`
	} `json:"categories"`
	Days []struct {
		Day         string  `json:"day"`
		Activities  int     `json:"activities"`
		CarbonSaved float64 `json:"carbonSaved"`
		Points      int64   `json:"points"`
	} `json:"days"`
	TopType string `json:"topActivityType,omitempty"`
}

type HexBin struct {
	Cell        string   `json:"cell"`
	Resolution  int      `json:"resolution"`
	Lat         float64  `json:"lat"`
	Lng         float64  `json:"lng"`
	AreaKm2     float64  `json:"areaKm2"`
	Activities  int      `json:"activities"`
	CarbonSaved float64  `json:"carbonSaved"`
	Points      int64    `json:"points"`
	Categories  []string `json:"categories"`
}

type LeaderboardEntry struct {
	UserID      string  `json:"userId"`
	TotalPoints int64   `json:"totalPoints"`
	CarbonSaved float64 `json:"totalCarbonSaved"`
	Level       int64   `json:"level"`
	Rank        int     `json:"rank"`
}

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]interface{} `json:"checks"`
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed: status %d", e.Status)
	}
	return fmt.Sprintf("request failed: status %d: %s: %s", e.Status, e.Code, e.Message)
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(b, apiErr)
		return apiErr
	}
	if target == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// ErrEmptyUserID is returned when user id is empty.
var ErrEmptyUserID = errors.New("user id is required")
