package analytics

import (
	"sort"

	"greenmove/core"
)

// CategoryStat totals one category of a user's history.
type CategoryStat struct {
	Category    core.Category `json:"category"`
	Activities  int           `json:"activities"`
	CarbonSaved float64       `json:"carbonSaved"`
	Points      int64         `json:"points"`
}

// DayStat totals one calendar day (UTC) of a user's history.
type DayStat struct {
	Day         string  `json:"day"`
	Activities  int     `json:"activities"`
	CarbonSaved float64 `json:"carbonSaved"`
	Points      int64   `json:"points"`
}

// Summary is a per-user breakdown derived from activity history.
type Summary struct {
	UserID      core.UserID    `json:"userId"`
	Activities  int            `json:"activities"`
	CarbonSaved float64        `json:"carbonSaved"`
	Points      int64          `json:"activityPoints"`
	Categories  []CategoryStat `json:"categories"`
	Days        []DayStat      `json:"days"`
	TopType     string         `json:"topActivityType,omitempty"`
}

// Summarize groups activities by category and by activity day. Categories are
// ordered by carbon saved, days chronologically.
func Summarize(user core.UserID, activities []core.Activity) Summary {
	s := Summary{UserID: user, Categories: []CategoryStat{}, Days: []DayStat{}}
	cats := map[core.Category]*CategoryStat{}
	days := map[string]*DayStat{}
	types := map[string]int{}
	for _, a := range activities {
		s.Activities++
		s.CarbonSaved += a.CarbonSaved
		s.Points += a.PointsEarned
		types[a.ActivityType]++

		c := cats[a.Category]
		if c == nil {
			c = &CategoryStat{Category: a.Category}
			cats[a.Category] = c
		}
		c.Activities++
		c.CarbonSaved += a.CarbonSaved
		c.Points += a.PointsEarned

		key := dayKey(a.ActivityDate)
		d := days[key]
		if d == nil {
			d = &DayStat{Day: key}
			days[key] = d
		}
		d.Activities++
		d.CarbonSaved += a.CarbonSaved
		d.Points += a.PointsEarned
	}

	for _, c := range cats {
		s.Categories = append(s.Categories, *c)
	}
	sort.Slice(s.Categories, func(i, j int) bool {
		if s.Categories[i].CarbonSaved == s.Categories[j].CarbonSaved {
			return s.Categories[i].Category < s.Categories[j].Category
		}
		return s.Categories[i].CarbonSaved > s.Categories[j].CarbonSaved
	})
	for _, d := range days {
		s.Days = append(s.Days, *d)
	}
	sort.Slice(s.Days, func(i, j int) bool { return s.Days[i].Day < s.Days[j].Day })

	best := 0
	for t, n := range types {
		if n > best || (n == best && t < s.TopType) {
			best, s.TopType = n, t
		}
	}
	return s
}
