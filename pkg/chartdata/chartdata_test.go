package chartdata

import (
	"math"
	"reflect"
	"testing"

	"github.com/twpayne/go-geom"

	"region-stats-map/pkg/districtcsv"
	"region-stats-map/pkg/regiondata"
	"region-stats-map/pkg/regionjoin"
	"region-stats-map/pkg/viewstate"
)

func square(x, y, side float64) *geom.Polygon {
	return geom.NewPolygon(geom.XY).MustSetCoords([][]geom.Coord{{
		{x, y}, {x + side, y}, {x + side, y + side}, {x, y + side}, {x, y},
	}})
}

func fixtures(t *testing.T) (*regiondata.RegionSet, *districtcsv.Table, *regionjoin.Result) {
	t.Helper()
	set := &regiondata.RegionSet{CRS: "EPSG:4326", NameKey: "REGION_NAM", NameKeyFound: true, Regions: []regiondata.Region{
		{Name: "North", Polygons: []*geom.Polygon{square(0, 0, 4)}},
		{Name: "South", Polygons: []*geom.Polygon{square(0, -4, 4)}},
	}}
	table := &districtcsv.Table{
		Layout:      districtcsv.DefaultLayout(),
		HasDistrict: true,
		Header:      []string{"DISTRICT", "Area", "Rate"},
		Raw: [][]string{
			{"North", "10", "2.0"},
			{"North", "5", "4.0"},
			{"East", "1", "1.0"},
		},
		Districts: []districtcsv.District{
			{Name: "North", Area: 10, Rate: 2},
			{Name: "North", Area: 5, Rate: 4},
			{Name: "East", Area: 1, Rate: 1},
		},
	}
	result, err := regionjoin.AttributeJoin(set, table)
	if err != nil {
		t.Fatalf("AttributeJoin: %v", err)
	}
	return set, table, result
}

func TestHoverTextFormat(t *testing.T) {
	if got := HoverText("North", 3.0, 15); got != "North\nRate: 3.00\nArea: 15" {
		t.Fatalf("HoverText = %q", got)
	}
	if got := HoverText("X", 1.005, 2.6); got != "X\nRate: 1.00\nArea: 3" {
		t.Fatalf("HoverText rounding = %q", got)
	}
	if got := NoDataHover("South"); got != "South\nno data" {
		t.Fatalf("NoDataHover = %q", got)
	}
}

func TestBuildDashboard(t *testing.T) {
	set, table, result := fixtures(t)
	d, err := Build(set, table, result, viewstate.Snapshot{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(d.Regions) != 2 {
		t.Fatalf("got %d shapes, want 2", len(d.Regions))
	}
	north, south := d.Regions[0], d.Regions[1]
	if !north.HasData || north.Hover != "North\nRate: 3.00\nArea: 15" {
		t.Fatalf("north shape = %+v", north)
	}
	if south.HasData || south.Hover != "South\nno data" {
		t.Fatalf("south shape = %+v", south)
	}

	// Center sits between the two square centroids (2,2) and (2,-2).
	if d.Center == nil || math.Abs(d.Center.Lon-2) > 1e-9 || math.Abs(d.Center.Lat) > 1e-9 {
		t.Fatalf("center = %+v, want lon 2 lat 0", d.Center)
	}

	wantBars := Series{Labels: []string{"North", "North", "East"}, Values: []float64{10, 5, 1}}
	if !reflect.DeepEqual(d.AreaBars, wantBars) {
		t.Fatalf("area bars = %+v", d.AreaBars)
	}
	wantLine := Series{Labels: []string{"North", "North", "East"}, Values: []float64{4, 2, 1}}
	if !reflect.DeepEqual(d.RateLine, wantLine) {
		t.Fatalf("rate line = %+v", d.RateLine)
	}

	if d.Preview == nil || len(d.Preview.Rows) != 3 || d.Preview.Rows[2][0] != "East" {
		t.Fatalf("preview = %+v", d.Preview)
	}
	if d.OverallMeanRate == nil || math.Abs(*d.OverallMeanRate-3) > 1e-12 {
		t.Fatalf("overall mean rate = %v, want 3", d.OverallMeanRate)
	}
	if d.UnmatchedRows != 1 {
		t.Fatalf("unmatched rows = %d, want 1", d.UnmatchedRows)
	}
	if d.Selection != nil {
		t.Fatalf("selection present without any selected region")
	}
	if len(d.Points) != 0 {
		t.Fatalf("points present for a table without locations")
	}
}

func TestBuildPreviewCapsAtFiveRows(t *testing.T) {
	set, table, result := fixtures(t)
	for i := 0; i < 10; i++ {
		table.Raw = append(table.Raw, []string{"Filler", "1", "1"})
	}
	d, err := Build(set, table, result, viewstate.Snapshot{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(d.Preview.Rows) != PreviewRows {
		t.Fatalf("preview has %d rows, want %d", len(d.Preview.Rows), PreviewRows)
	}
}

func TestRankedSeriesKeepsOrderBetweenEquals(t *testing.T) {
	rows := []districtcsv.District{
		{Name: "a", Area: 5},
		{Name: "b", Area: 7},
		{Name: "c", Area: 5},
	}
	s := rankedSeries(rows, func(r districtcsv.District) float64 { return r.Area })
	want := []string{"b", "a", "c"}
	if !reflect.DeepEqual(s.Labels, want) {
		t.Fatalf("labels = %v, want %v", s.Labels, want)
	}
}

func TestSelectionSummary(t *testing.T) {
	set, table, result := fixtures(t)
	d, err := Build(set, table, result, viewstate.Snapshot{Selected: []string{"North", "South"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sel := d.Selection
	if sel == nil {
		t.Fatalf("selection missing")
	}
	if len(sel.Rows) != 2 {
		t.Fatalf("selection rows = %+v", sel.Rows)
	}
	if sel.Rows[0].Rate != "3.00" || sel.Rows[0].Area != "15" {
		t.Fatalf("north row = %+v", sel.Rows[0])
	}
	// South joined to nothing: visible in the table, absent from the pie.
	if sel.Rows[1].Rate != "" || sel.Rows[1].Area != "" {
		t.Fatalf("south row = %+v, want empty numbers", sel.Rows[1])
	}
	if len(sel.Pie) != 1 || sel.Pie[0].Label != "North" || sel.Pie[0].Value != 15 {
		t.Fatalf("pie = %+v, want a single North slice", sel.Pie)
	}

	// Selecting stale names from an older dataset yields no view at all.
	d, err = Build(set, table, result, viewstate.Snapshot{Selected: []string{"Atlantis"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if d.Selection != nil {
		t.Fatalf("selection = %+v, want nil for unknown names", d.Selection)
	}
}

func TestSelectionPieRemainderSlice(t *testing.T) {
	set := &regiondata.RegionSet{NameKey: "REGION_NAM", NameKeyFound: true, Regions: []regiondata.Region{
		{Name: "A", Polygons: []*geom.Polygon{square(0, 0, 1)}},
		{Name: "B", Polygons: []*geom.Polygon{square(2, 0, 1)}},
		{Name: "C", Polygons: []*geom.Polygon{square(4, 0, 1)}},
	}}
	table := &districtcsv.Table{
		Layout:      districtcsv.DefaultLayout(),
		HasDistrict: true,
		Districts: []districtcsv.District{
			{Name: "A", Area: 10, Rate: 1},
			{Name: "B", Area: 20, Rate: 2},
			{Name: "C", Area: 30, Rate: 3},
		},
	}
	result, err := regionjoin.AttributeJoin(set, table)
	if err != nil {
		t.Fatalf("AttributeJoin: %v", err)
	}
	d, err := Build(set, table, result, viewstate.Snapshot{Selected: []string{"B"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	pie := d.Selection.Pie
	if len(pie) != 2 {
		t.Fatalf("pie = %+v, want the B slice plus the remainder", pie)
	}
	if pie[1].Label != OtherSliceLabel || math.Abs(pie[1].Value-40) > 1e-9 {
		t.Fatalf("remainder slice = %+v, want 40", pie[1])
	}
}

func TestBuildPointsForLocatedRows(t *testing.T) {
	set, _, _ := fixtures(t)
	layout := districtcsv.DefaultLayout()
	layout.Lat, layout.Lon = "Lat", "Lon"
	table := &districtcsv.Table{
		Layout:      layout,
		HasDistrict: true,
		HasLocation: true,
		Districts: []districtcsv.District{
			{Name: "harbour", Area: 3, Rate: 1.5, HasLocation: true, Lon: 1, Lat: 1},
			{Name: "inland", Area: 4, Rate: 2.5},
		},
	}
	result, err := regionjoin.SpatialJoin(set, table)
	if err != nil {
		t.Fatalf("SpatialJoin: %v", err)
	}
	d, err := Build(set, table, result, viewstate.Snapshot{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(d.Points) != 1 || d.Points[0].Name != "harbour" {
		t.Fatalf("points = %+v, want only the located row", d.Points)
	}
	if d.Points[0].Hover != "harbour\nRate: 1.50\nArea: 3" {
		t.Fatalf("marker hover = %q", d.Points[0].Hover)
	}
}
