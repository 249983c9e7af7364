package core

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"gopkg.in/yaml.v3"
)

// Conversion used when a (category, activityType) pair is not in the table.
const (
	FallbackCarbonPerUnit = 0.5
	FallbackPointsPerUnit = 5.0
	FallbackUnit          = "units"
)

// RateEntry holds the conversion factors of one activity type.
type RateEntry struct {
	Name          string  `json:"name" yaml:"name"`
	Unit          string  `json:"unit" yaml:"unit"`
	CarbonPerUnit float64 `json:"carbonPerUnit" yaml:"carbonPerUnit"`
	PointsPerUnit float64 `json:"pointsPerUnit" yaml:"pointsPerUnit"`
}

// CategoryRates groups the activity types of a category.
type CategoryRates struct {
	Category Category    `json:"category" yaml:"category"`
	Icon     string      `json:"icon" yaml:"icon"`
	Types    []RateEntry `json:"types" yaml:"types"`
}

// RateTable is the static lookup from (category, activityType) to factors.
// Treat it as read-only once built.
type RateTable struct {
	Categories []CategoryRates `json:"categories" yaml:"categories"`
}

// DefaultRateTable returns the built-in conversion factors.
func DefaultRateTable() RateTable {
	return RateTable{Categories: []CategoryRates{
		{Category: CategoryTransport, Icon: "Bike", Types: []RateEntry{
			{Name: "Bike", Unit: "miles", CarbonPerUnit: 0.9, PointsPerUnit: 10},
			{Name: "Walk", Unit: "miles", CarbonPerUnit: 0.9, PointsPerUnit: 8},
			{Name: "Public Transit", Unit: "miles", CarbonPerUnit: 0.6, PointsPerUnit: 6},
			{Name: "Carpool", Unit: "miles", CarbonPerUnit: 0.4, PointsPerUnit: 5},
			{Name: "Electric Vehicle", Unit: "miles", CarbonPerUnit: 0.3, PointsPerUnit: 4},
		}},
		{Category: CategoryEnergy, Icon: "Zap", Types: []RateEntry{
			{Name: "Solar Power Used", Unit: "kWh", CarbonPerUnit: 0.5, PointsPerUnit: 12},
			{Name: "LED Bulbs", Unit: "count", CarbonPerUnit: 0.1, PointsPerUnit: 3},
			{Name: "Unplugged Devices", Unit: "hours", CarbonPerUnit: 0.05, PointsPerUnit: 2},
			{Name: "Energy Efficient Appliance", Unit: "kWh", CarbonPerUnit: 0.3, PointsPerUnit: 8},
		}},
		{Category: CategoryWaste, Icon: "Trash", Types: []RateEntry{
			{Name: "Recycled", Unit: "lbs", CarbonPerUnit: 1.2, PointsPerUnit: 7},
			{Name: "Composted", Unit: "lbs", CarbonPerUnit: 0.8, PointsPerUnit: 6},
			{Name: "Reusable Bag Used", Unit: "count", CarbonPerUnit: 0.02, PointsPerUnit: 2},
			{Name: "Avoided Plastic", Unit: "items", CarbonPerUnit: 0.05, PointsPerUnit: 3},
		}},
		{Category: CategoryWater, Icon: "Droplet", Types: []RateEntry{
			{Name: "Shower Shortened", Unit: "minutes", CarbonPerUnit: 0.15, PointsPerUnit: 4},
			{Name: "Dishwasher Eco Mode", Unit: "loads", CarbonPerUnit: 0.3, PointsPerUnit: 5},
			{Name: "Rainwater Collected", Unit: "gallons", CarbonPerUnit: 0.01, PointsPerUnit: 3},
		}},
		{Category: CategoryFood, Icon: "Apple", Types: []RateEntry{
			{Name: "Plant-based Meal", Unit: "meals", CarbonPerUnit: 2.5, PointsPerUnit: 15},
			{Name: "Local Produce", Unit: "lbs", CarbonPerUnit: 0.5, PointsPerUnit: 5},
			{Name: "Food Waste Prevented", Unit: "lbs", CarbonPerUnit: 1.0, PointsPerUnit: 8},
		}},
	}}
}

// Lookup finds the entry for (category, activityType). Matching is exact.
func (t RateTable) Lookup(category Category, activityType string) (RateEntry, bool) {
	for _, c := range t.Categories {
		if c.Category != category {
			continue
		}
		for _, e := range c.Types {
			if e.Name == activityType {
				return e, true
			}
		}
	}
	return RateEntry{}, false
}

// HasCategory reports whether category is part of the table.
func (t RateTable) HasCategory(category Category) bool {
	for _, c := range t.Categories {
		if c.Category == category {
			return true
		}
	}
	return false
}

// Suggest returns the known activity type closest to activityType, preferring
// the given category. ok is false when nothing is reasonably close.
func (t RateTable) Suggest(category Category, activityType string) (Category, string, bool) {
	needle := strings.ToLower(strings.TrimSpace(activityType))
	if needle == "" {
		return "", "", false
	}
	best, bestCat, bestDist := "", Category(""), math.MaxInt
	for _, c := range t.Categories {
		for _, e := range c.Types {
			d := fuzzy.LevenshteinDistance(needle, strings.ToLower(e.Name))
			if c.Category != category {
				d++
			}
			if d < bestDist {
				best, bestCat, bestDist = e.Name, c.Category, d
			}
		}
	}
	limit := len(needle) / 3
	if limit < 2 {
		limit = 2
	}
	if best == "" || bestDist > limit {
		return "", "", false
	}
	return bestCat, best, true
}

// Validate rejects empty names, duplicates and negative factors.
func (t RateTable) Validate() error {
	if len(t.Categories) == 0 {
		return errors.New("rate table has no categories")
	}
	var errs []string
	seenCat := map[Category]struct{}{}
	for i, c := range t.Categories {
		if strings.TrimSpace(string(c.Category)) == "" {
			errs = append(errs, fmt.Sprintf("categories[%d]: empty category", i))
			continue
		}
		if _, dup := seenCat[c.Category]; dup {
			errs = append(errs, fmt.Sprintf("categories[%d]: duplicate category %q", i, c.Category))
		}
		seenCat[c.Category] = struct{}{}
		seenType := map[string]struct{}{}
		for j, e := range c.Types {
			if strings.TrimSpace(e.Name) == "" {
				errs = append(errs, fmt.Sprintf("%s.types[%d]: empty name", c.Category, j))
				continue
			}
			if _, dup := seenType[e.Name]; dup {
				errs = append(errs, fmt.Sprintf("%s.types[%d]: duplicate type %q", c.Category, j, e.Name))
			}
			seenType[e.Name] = struct{}{}
			if e.CarbonPerUnit < 0 || e.PointsPerUnit < 0 {
				errs = append(errs, fmt.Sprintf("%s/%s: factors must be non-negative", c.Category, e.Name))
			}
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ParseRateTableYAML decodes and validates a rate table document.
func ParseRateTableYAML(data []byte) (RateTable, error) {
	var t RateTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return RateTable{}, fmt.Errorf("decode rate table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return RateTable{}, fmt.Errorf("invalid rate table: %w", err)
	}
	return t, nil
}

// Valuation is the derived value of a logged activity.
type Valuation struct {
	CarbonSaved  float64
	PointsEarned int64
	Unit         string
	// Matched is false when the fallback conversion was used.
	Matched bool
}

// MaxActivityPoints bounds the points one activity may earn. It keeps the
// level cascade that follows a submission short.
const MaxActivityPoints int64 = 1_000_000

// Valuate converts a quantity into carbon saved and points earned. Unknown
// pairs use the fallback factors. Points round half up. A quantity worth more
// than MaxActivityPoints, or whose carbon is not finite, is a
// *ValidationError on the quantity field.
func Valuate(table RateTable, category Category, activityType string, quantity float64) (Valuation, error) {
	v := Valuation{Unit: FallbackUnit}
	carbonPer, pointsPer := FallbackCarbonPerUnit, FallbackPointsPerUnit
	if e, ok := table.Lookup(category, activityType); ok {
		carbonPer, pointsPer = e.CarbonPerUnit, e.PointsPerUnit
		v.Unit, v.Matched = e.Unit, true
	}
	v.CarbonSaved = quantity * carbonPer
	if math.IsNaN(v.CarbonSaved) || math.IsInf(v.CarbonSaved, 0) {
		return Valuation{}, &ValidationError{Field: "quantity", Reason: "carbon saved is out of range"}
	}
	points, ok := PointsFor(quantity * pointsPer)
	if !ok || points > MaxActivityPoints {
		return Valuation{}, &ValidationError{Field: "quantity", Reason: fmt.Sprintf("earns more than %d points", MaxActivityPoints)}
	}
	v.PointsEarned = points
	return v, nil
}

// PointsFor rounds x to the nearest integer with .5 going toward +Inf. It
// reports false when the result is NaN, negative or at least 2^63.
func PointsFor(x float64) (int64, bool) {
	r := math.Floor(x + 0.5)
	if math.IsNaN(r) || r < 0 || r >= math.Exp2(63) {
		return 0, false
	}
	return int64(r), true
}
