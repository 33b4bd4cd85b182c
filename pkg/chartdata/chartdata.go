// Package chartdata assembles everything a dashboard page draws into
// one JSON-ready payload: the map layer with hover texts, the two
// ranked charts, the raw-table preview and the selection summary.
// Formatting decisions live here so both dashboards and their tests
// agree on every digit.
package chartdata

import (
	"fmt"
	"sort"

	"region-stats-map/pkg/districtcsv"
	"region-stats-map/pkg/plotpath"
	"region-stats-map/pkg/regiondata"
	"region-stats-map/pkg/regionjoin"
	"region-stats-map/pkg/viewstate"
)

// OtherSliceLabel names the pie slice holding the area of every
// unselected region with data.
const OtherSliceLabel = "Other regions"

// PreviewRows caps how many raw table rows the preview shows.
const PreviewRows = 5

// LatLon is a named coordinate pair for map payloads.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RegionShape is one drawable region. Path is the flattened boundary
// stream with null pen-lifts between parts; coordinates are [x, y]
// pairs in the dataset CRS.
type RegionShape struct {
	Name     string           `json:"name"`
	Path     []plotpath.Point `json:"path"`
	Label    *LatLon          `json:"label,omitempty"`
	Hover    string           `json:"hover"`
	HasData  bool             `json:"hasData"`
	Selected bool             `json:"selected"`
}

// PointMarker is one located district row on the atlas map.
type PointMarker struct {
	Name  string  `json:"name"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Hover string  `json:"hover"`
}

// Series is a ready-to-plot label/value pairing.
type Series struct {
	Labels []string  `json:"labels"`
	Values []float64 `json:"values"`
}

// Preview shows the top of the uploaded table exactly as it arrived.
type Preview struct {
	Header []string   `json:"header"`
	Rows   [][]string `json:"rows"`
}

// SelectionRow is one line of the highlighted-regions table. Rate and
// Area arrive preformatted (two decimals, whole number) so every
// surface renders them identically; both are empty for a region
// nothing joined to.
type SelectionRow struct {
	Region string `json:"region"`
	Rate   string `json:"rate"`
	Area   string `json:"area"`
}

// PieSlice is one wedge of the selection pie.
type PieSlice struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// SelectionView summarises the highlighted regions.
type SelectionView struct {
	Rows []SelectionRow `json:"rows"`
	Pie  []PieSlice     `json:"pie"`
}

// Dashboard is the full payload one page load needs.
type Dashboard struct {
	CRS             string                 `json:"crs"`
	Center          *LatLon                `json:"center,omitempty"`
	Regions         []RegionShape          `json:"regions"`
	Points          []PointMarker          `json:"points,omitempty"`
	Aggregates      []regionjoin.Aggregate `json:"aggregates"`
	AreaBars        Series                 `json:"areaBars"`
	RateLine        Series                 `json:"rateLine"`
	Preview         *Preview               `json:"preview,omitempty"`
	Selection       *SelectionView         `json:"selection,omitempty"`
	OverallMeanRate *float64               `json:"overallMeanRate,omitempty"`
	UnmatchedRows   int                    `json:"unmatchedRows,omitempty"`
}

// Build folds the parsed inputs and the join result into one payload.
// The snapshot decides which regions count as selected; everything
// else is derived from the data alone.
func Build(set *regiondata.RegionSet, table *districtcsv.Table, result *regionjoin.Result, snap viewstate.Snapshot) (*Dashboard, error) {
	d := &Dashboard{
		CRS:        set.CRS,
		Aggregates: result.Aggregates,
	}

	selected := make(map[string]bool, len(snap.Selected))
	for _, name := range snap.Selected {
		selected[name] = true
	}

	// Map layer: one shape per region, hover text precomputed.
	var sumX, sumY float64
	var centroids int
	for _, rg := range set.Regions {
		path, err := plotpath.FlattenRegion(rg)
		if err != nil {
			return nil, err
		}
		shape := RegionShape{
			Name:     rg.Name,
			Path:     path,
			Selected: selected[rg.Name],
		}
		if agg, ok := result.ByRegion(rg.Name); ok && agg.HasData() {
			shape.HasData = true
			shape.Hover = HoverText(rg.Name, agg.MeanRate, agg.TotalArea)
		} else {
			shape.Hover = NoDataHover(rg.Name)
		}
		if cx, cy, ok := rg.Centroid(); ok {
			shape.Label = &LatLon{Lat: cy, Lon: cx}
			sumX += cx
			sumY += cy
			centroids++
		}
		d.Regions = append(d.Regions, shape)
	}
	if centroids > 0 {
		d.Center = &LatLon{Lat: sumY / float64(centroids), Lon: sumX / float64(centroids)}
	}

	// Atlas markers for rows that carry their own location.
	for _, row := range table.Districts {
		if !row.HasLocation {
			continue
		}
		d.Points = append(d.Points, PointMarker{
			Name:  row.Name,
			Lat:   row.Lat,
			Lon:   row.Lon,
			Hover: HoverText(row.Name, row.Rate, row.Area),
		})
	}

	d.AreaBars = rankedSeries(table.Districts, func(r districtcsv.District) float64 { return r.Area })
	d.RateLine = rankedSeries(table.Districts, func(r districtcsv.District) float64 { return r.Rate })

	if len(table.Header) > 0 {
		p := &Preview{Header: table.Header, Rows: table.Raw}
		if len(p.Rows) > PreviewRows {
			p.Rows = p.Rows[:PreviewRows]
		}
		d.Preview = p
	}

	if mean, ok := result.OverallMeanRate(); ok {
		d.OverallMeanRate = &mean
	}
	d.UnmatchedRows = len(result.Unmatched)
	d.Selection = buildSelection(snap.Selected, result)
	return d, nil
}

// HoverText is the canonical tooltip for anything with a rate and an
// area: name, then the rate to two decimals, then the area as a whole
// number.
func HoverText(name string, rate, area float64) string {
	return fmt.Sprintf("%s\nRate: %.2f\nArea: %.0f", name, rate, area)
}

// NoDataHover is the tooltip for a region nothing joined to. The
// missing numbers stay missing instead of posing as zeros.
func NoDataHover(name string) string {
	return fmt.Sprintf("%s\nno data", name)
}

// rankedSeries sorts the rows by the keyed value, largest first, and
// keeps the original order between equals so reloads look identical.
func rankedSeries(rows []districtcsv.District, key func(districtcsv.District) float64) Series {
	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return key(rows[idx[a]]) > key(rows[idx[b]])
	})
	s := Series{
		Labels: make([]string, len(idx)),
		Values: make([]float64, len(idx)),
	}
	for i, j := range idx {
		s.Labels[i] = rows[j].Name
		s.Values[i] = key(rows[j])
	}
	return s
}

// buildSelection turns the highlighted region names into the summary
// table and pie. Regions without data keep their table row with empty
// numbers but never reach the pie; the pie closes with one slice for
// everything with data that was not selected.
func buildSelection(names []string, result *regionjoin.Result) *SelectionView {
	if len(names) == 0 {
		return nil
	}
	view := &SelectionView{}
	var selectedArea float64
	for _, name := range names {
		agg, ok := result.ByRegion(name)
		if !ok {
			// Stale selection from a previous dataset, quietly dropped.
			continue
		}
		row := SelectionRow{Region: name}
		if agg.HasData() {
			row.Rate = fmt.Sprintf("%.2f", agg.MeanRate)
			row.Area = fmt.Sprintf("%.0f", agg.TotalArea)
			view.Pie = append(view.Pie, PieSlice{Label: name, Value: agg.TotalArea})
			selectedArea += agg.TotalArea
		}
		view.Rows = append(view.Rows, row)
	}
	if len(view.Rows) == 0 {
		return nil
	}
	var totalArea float64
	for _, agg := range result.Aggregates {
		if agg.HasData() {
			totalArea += agg.TotalArea
		}
	}
	if remaining := totalArea - selectedArea; remaining > 1e-9 {
		view.Pie = append(view.Pie, PieSlice{Label: OtherSliceLabel, Value: remaining})
	}
	return view
}
