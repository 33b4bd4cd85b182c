// Package regionjoin relates district rows to regions and folds the
// matches into per-region statistics. Two strategies exist: an
// attribute join on exact names for uploaded data, and a spatial join
// that drops district points into region polygons for the atlas feed.
// Both are left joins over the regions: a region without districts
// still gets an aggregate entry, just one with no numbers in it.
package regionjoin

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dhconnelly/rtreego"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"

	"region-stats-map/pkg/districtcsv"
	"region-stats-map/pkg/regiondata"
)

// MissingJoinColumnError reports that a join cannot even start because
// a key column is absent. Both sides of the expected pairing are named
// so the user can fix their file without reading our source code.
type MissingJoinColumnError struct {
	RegionKey string   // property expected in the geometry data, empty when geometry itself is the key
	TableKeys []string // columns expected in the table
}

func (e *MissingJoinColumnError) Error() string {
	quoted := make([]string, len(e.TableKeys))
	for i, k := range e.TableKeys {
		quoted[i] = fmt.Sprintf("%q", k)
	}
	cols := strings.Join(quoted, " and ")
	if e.RegionKey == "" {
		return fmt.Sprintf("cannot join: table is missing column %s", cols)
	}
	return fmt.Sprintf("cannot join: need %q in the geometry data and %s in the table", e.RegionKey, cols)
}

// Aggregate summarises the districts matched to one region name.
// Districts is the matched row count; zero means the region exists in
// the geometry but nothing joined to it, and then TotalArea and
// MeanRate are meaningless and must not be read as zeros.
type Aggregate struct {
	Region    string
	Districts int
	TotalArea float64
	MeanRate  float64
}

// HasData reports whether any district row joined to this region.
func (a Aggregate) HasData() bool { return a.Districts > 0 }

// MarshalJSON emits null statistics for regions without data, so a
// frontend can tell "no districts" apart from "sums to zero".
func (a Aggregate) MarshalJSON() ([]byte, error) {
	type payload struct {
		Region    string   `json:"region"`
		Districts int      `json:"districts"`
		TotalArea *float64 `json:"totalArea"`
		MeanRate  *float64 `json:"meanRate"`
	}
	p := payload{Region: a.Region, Districts: a.Districts}
	if a.HasData() {
		p.TotalArea = &a.TotalArea
		p.MeanRate = &a.MeanRate
	}
	return json.Marshal(p)
}

// Result carries one aggregate per distinct region name, in the order
// the geometry dataset listed them, plus the rows that matched no
// region at all. Unmatched rows are kept for logging, never plotted.
type Result struct {
	Aggregates []Aggregate
	Unmatched  []districtcsv.District

	index map[string]int
}

// ByRegion looks up the aggregate for a region name.
func (r *Result) ByRegion(name string) (Aggregate, bool) {
	i, ok := r.index[name]
	if !ok {
		return Aggregate{}, false
	}
	return r.Aggregates[i], true
}

// OverallMeanRate averages the per-region mean rates, skipping regions
// without data entirely so they cannot drag the average toward zero.
func (r *Result) OverallMeanRate() (float64, bool) {
	var sum float64
	var n int
	for _, a := range r.Aggregates {
		if a.HasData() {
			sum += a.MeanRate
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// accumulator gathers sums per region name while a join runs.
type accumulator struct {
	name string
	n    int
	area float64
	rate float64
}

// newAccumulators prepares one slot per distinct region name, keeping
// the dataset order. Duplicate names collapse into the first slot so
// the output never shows the same region twice.
func newAccumulators(set *regiondata.RegionSet) ([]*accumulator, map[string]int) {
	accs := make([]*accumulator, 0, len(set.Regions))
	index := make(map[string]int, len(set.Regions))
	for _, rg := range set.Regions {
		if _, dup := index[rg.Name]; dup {
			continue
		}
		index[rg.Name] = len(accs)
		accs = append(accs, &accumulator{name: rg.Name})
	}
	return accs, index
}

func buildResult(accs []*accumulator, index map[string]int, unmatched []districtcsv.District) *Result {
	r := &Result{
		Aggregates: make([]Aggregate, len(accs)),
		Unmatched:  unmatched,
		index:      index,
	}
	for i, a := range accs {
		agg := Aggregate{Region: a.name, Districts: a.n}
		if a.n > 0 {
			agg.TotalArea = a.area
			agg.MeanRate = a.rate / float64(a.n)
		}
		r.Aggregates[i] = agg
	}
	return r
}

// AttributeJoin matches district rows to regions by exact,
// case-sensitive name equality. It refuses to run when either side
// lacks its key column, before any aggregation happens.
func AttributeJoin(set *regiondata.RegionSet, table *districtcsv.Table) (*Result, error) {
	if !set.NameKeyFound || !table.HasDistrict {
		return nil, &MissingJoinColumnError{
			RegionKey: set.NameKey,
			TableKeys: []string{districtColumn(table)},
		}
	}
	accs, index := newAccumulators(set)
	var unmatched []districtcsv.District
	for _, d := range table.Districts {
		pos, ok := index[d.Name]
		if !ok {
			unmatched = append(unmatched, d)
			continue
		}
		a := accs[pos]
		a.n++
		a.area += d.Area
		a.rate += d.Rate
	}
	return buildResult(accs, index, unmatched), nil
}

// regionEntry puts one region into the spatial index. Only the
// bounding box lives in the tree; exact containment is decided against
// the real rings afterwards.
type regionEntry struct {
	region int
	rect   *rtreego.Rect
}

func (e *regionEntry) Bounds() *rtreego.Rect { return e.rect }

// SpatialJoin assigns each located district row to the region whose
// polygon contains its point. A bounding-box R-tree narrows the
// candidates first so we only run point-in-ring tests against regions
// that could plausibly contain the point. When several regions claim
// the same point (shared borders, sloppy digitising) the one listed
// earliest in the dataset wins, so repeated runs agree with each
// other.
func SpatialJoin(set *regiondata.RegionSet, table *districtcsv.Table) (*Result, error) {
	if !table.HasLocation {
		lat, lon := table.Layout.Lat, table.Layout.Lon
		if lat == "" {
			lat = "Lat"
		}
		if lon == "" {
			lon = "Lon"
		}
		return nil, &MissingJoinColumnError{TableKeys: []string{lat, lon}}
	}

	tree := rtreego.NewTree(2, 4, 8)
	for i := range set.Regions {
		minX, minY, maxX, maxY, ok := set.Regions[i].BoundingBox()
		if !ok {
			continue
		}
		lengths := []float64{maxX - minX, maxY - minY}
		for j, l := range lengths {
			if l <= 0 {
				// Degenerate boxes make rtreego unhappy, widen a hair.
				lengths[j] = 1e-9
			}
		}
		rect, err := rtreego.NewRect(rtreego.Point{minX, minY}, lengths)
		if err != nil {
			continue
		}
		tree.Insert(&regionEntry{region: i, rect: rect})
	}

	accs, index := newAccumulators(set)
	var unmatched []districtcsv.District
	for _, d := range table.Districts {
		if !d.HasLocation {
			unmatched = append(unmatched, d)
			continue
		}
		best := -1
		probe := rtreego.Point{d.Lon, d.Lat}
		for _, c := range tree.SearchIntersect(probe.ToRect(1e-9)) {
			e := c.(*regionEntry)
			if best != -1 && e.region >= best {
				continue
			}
			if regionContains(set.Regions[e.region], d.Lon, d.Lat) {
				best = e.region
			}
		}
		if best == -1 {
			unmatched = append(unmatched, d)
			continue
		}
		a := accs[index[set.Regions[best].Name]]
		a.n++
		a.area += d.Area
		a.rate += d.Rate
	}
	return buildResult(accs, index, unmatched), nil
}

// regionContains runs the real point-in-polygon test: inside the outer
// ring and outside every hole, for any part of the region.
func regionContains(r regiondata.Region, x, y float64) bool {
	c := geom.Coord{x, y}
	for _, p := range r.Polygons {
		if p == nil || p.NumLinearRings() == 0 {
			continue
		}
		if !xy.IsPointInRing(geom.XY, c, p.LinearRing(0).FlatCoords()) {
			continue
		}
		inHole := false
		for i := 1; i < p.NumLinearRings(); i++ {
			if xy.IsPointInRing(geom.XY, c, p.LinearRing(i).FlatCoords()) {
				inHole = true
				break
			}
		}
		if !inHole {
			return true
		}
	}
	return false
}

func districtColumn(t *districtcsv.Table) string {
	if t.Layout.District != "" {
		return t.Layout.District
	}
	return "DISTRICT"
}
