// Package geo bins located activities into H3 hexagons for map views.
package geo

import (
	"errors"
	"fmt"
	"sort"

	"github.com/uber/h3-go/v4"

	"greenmove/core"
)

const (
	MinResolution     = 0
	MaxResolution     = 15
	DefaultResolution = 7
)

var ErrInvalidResolution = errors.New("invalid h3 resolution")

// Bin aggregates the activities whose location falls inside one cell.
type Bin struct {
	Cell        string          `json:"cell"`
	Resolution  int             `json:"resolution"`
	Lat         float64         `json:"lat"`
	Lng         float64         `json:"lng"`
	AreaKm2     float64         `json:"areaKm2"`
	Activities  int             `json:"activities"`
	CarbonSaved float64         `json:"carbonSaved"`
	Points      int64           `json:"points"`
	Categories  []core.Category `json:"categories"`
}

// CellFor returns the cell id containing loc at resolution.
func CellFor(loc core.Location, resolution int) (string, error) {
	if resolution < MinResolution || resolution > MaxResolution {
		return "", fmt.Errorf("%w: %d", ErrInvalidResolution, resolution)
	}
	if err := loc.Validate(); err != nil {
		return "", err
	}
	return h3.LatLngToCell(h3.NewLatLng(loc.Lat, loc.Lng), resolution).String(), nil
}

// Aggregate groups located activities by cell. Activities without a location
// are skipped. Bins are ordered by carbon saved, then cell id.
func Aggregate(activities []core.Activity, resolution int) ([]Bin, error) {
	if resolution < MinResolution || resolution > MaxResolution {
		return nil, fmt.Errorf("%w: %d", ErrInvalidResolution, resolution)
	}
	cells := map[h3.Cell]*Bin{}
	seen := map[h3.Cell]map[core.Category]struct{}{}
	for _, a := range activities {
		if a.Location == nil || a.Location.Validate() != nil {
			continue
		}
		cell := h3.LatLngToCell(h3.NewLatLng(a.Location.Lat, a.Location.Lng), resolution)
		b := cells[cell]
		if b == nil {
			center := cell.LatLng()
			b = &Bin{
				Cell:       cell.String(),
				Resolution: resolution,
				Lat:        center.Lat,
				Lng:        center.Lng,
				AreaKm2:    h3.CellAreaKm2(cell),
				Categories: []core.Category{},
			}
			cells[cell] = b
			seen[cell] = map[core.Category]struct{}{}
		}
		b.Activities++
		b.CarbonSaved += a.CarbonSaved
		b.Points += a.PointsEarned
		if _, ok := seen[cell][a.Category]; !ok {
			seen[cell][a.Category] = struct{}{}
			b.Categories = append(b.Categories, a.Category)
		}
	}

	out := make([]Bin, 0, len(cells))
	for _, b := range cells {
		sort.Slice(b.Categories, func(i, j int) bool { return b.Categories[i] < b.Categories[j] })
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CarbonSaved != out[j].CarbonSaved {
			return out[i].CarbonSaved > out[j].CarbonSaved
		}
		return out[i].Cell < out[j].Cell
	})
	return out, nil
}
