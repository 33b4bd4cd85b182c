package regionarchive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"

	"region-stats-map/pkg/mercator"
)

type zipEntry struct {
	name string
	body string
}

func makeZip(t *testing.T, entries []zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("create zip entry %q: %v", e.name, err)
		}
		if _, err := w.Write([]byte(e.body)); err != nil {
			t.Fatalf("write zip entry %q: %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

const twoRegions = `{
  "type": "FeatureCollection",
  "features": [
    {
      "type": "Feature",
      "properties": {"REGION_NAM": "North"},
      "geometry": {"type": "Polygon", "coordinates": [[[0,0],[4,0],[4,4],[0,4],[0,0]]]}
    },
    {
      "type": "Feature",
      "properties": {"REGION_NAM": "South"},
      "geometry": {"type": "MultiPolygon", "coordinates": [
        [[[0,-4],[4,-4],[4,0],[0,0],[0,-4]]],
        [[[10,-4],[11,-4],[11,-3],[10,-3],[10,-4]]]
      ]}
    }
  ]
}`

func TestExtractSingleGeometry(t *testing.T) {
	archive := makeZip(t, []zipEntry{{"regions.geojson", twoRegions}})
	set, err := Extract(archive, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if set.CRS != mercator.CRSGeographic {
		t.Fatalf("CRS = %q, want %q", set.CRS, mercator.CRSGeographic)
	}
	if !set.NameKeyFound {
		t.Fatalf("NameKeyFound = false, want true")
	}
	if len(set.Regions) != 2 {
		t.Fatalf("parsed %d regions, want 2", len(set.Regions))
	}
	if set.Regions[0].Name != "North" || set.Regions[1].Name != "South" {
		t.Fatalf("region names = %q, %q", set.Regions[0].Name, set.Regions[1].Name)
	}
	if got := len(set.Regions[1].Polygons); got != 2 {
		t.Fatalf("South has %d parts, want 2", got)
	}
	flat := set.Regions[0].Polygons[0].LinearRing(0).FlatCoords()
	if len(flat) != 10 || flat[2] != 4 || flat[3] != 0 {
		t.Fatalf("North outer ring flat coords = %v", flat)
	}
}

func TestExtractPicksLexicographicallyFirstGeometry(t *testing.T) {
	mk := func(name string) string {
		return fmt.Sprintf(`{"type":"FeatureCollection","features":[{"type":"Feature","properties":{"REGION_NAM":%q},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}}]}`, name)
	}
	// Added in reverse order on purpose: entry order must not matter.
	archive := makeZip(t, []zipEntry{
		{"b.geojson", mk("FromB")},
		{"a.geojson", mk("FromA")},
	})
	set, err := Extract(archive, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(set.Regions) != 1 || set.Regions[0].Name != "FromA" {
		t.Fatalf("expected the region from a.geojson, got %+v", set.Regions)
	}
}

func TestExtractMissingGeometryFile(t *testing.T) {
	archive := makeZip(t, []zipEntry{
		{"readme.txt", "no geometry here"},
		{"data.csv", "DISTRICT,Area,Rate\n"},
	})
	_, err := Extract(archive, Options{})
	if !errors.Is(err, ErrMissingGeometryFile) {
		t.Fatalf("err = %v, want ErrMissingGeometryFile", err)
	}
}

func TestExtractMalformedArchive(t *testing.T) {
	_, err := Extract([]byte("these are not the zips you are looking for"), Options{})
	if !errors.Is(err, ErrMalformedArchive) {
		t.Fatalf("err = %v, want ErrMalformedArchive", err)
	}
}

func TestExtractUnparsableGeometry(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"truncated json", `{"type":"FeatureCollection","features":[`},
		{"not a collection", `{"type":"Feature"}`},
		{"unsupported geometry", `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{},"geometry":{"type":"LineString","coordinates":[[0,0],[1,1]]}}]}`},
		{"unknown crs", `{"type":"FeatureCollection","crs":{"properties":{"name":"EPSG:32633"}},"features":[]}`},
	}
	for _, tt := range tests {
		archive := makeZip(t, []zipEntry{{"regions.geojson", tt.body}})
		_, err := Extract(archive, Options{})
		if !errors.Is(err, ErrUnparsableGeometry) {
			t.Fatalf("%s: err = %v, want ErrUnparsableGeometry", tt.name, err)
		}
	}
}

func TestExtractReprojectsWebMercator(t *testing.T) {
	x1, y1 := mercator.Forward(10, 50)
	x2, y2 := mercator.Forward(11, 50)
	x3, y3 := mercator.Forward(11, 51)
	body := fmt.Sprintf(`{
	  "type": "FeatureCollection",
	  "crs": {"properties": {"name": "urn:ogc:def:crs:EPSG::3857"}},
	  "features": [{
	    "type": "Feature",
	    "properties": {"REGION_NAM": "Projected"},
	    "geometry": {"type": "Polygon", "coordinates": [[[%f,%f],[%f,%f],[%f,%f],[%f,%f]]]}
	  }]
	}`, x1, y1, x2, y2, x3, y3, x1, y1)
	archive := makeZip(t, []zipEntry{{"projected.geojson", body}})
	set, err := Extract(archive, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	flat := set.Regions[0].Polygons[0].LinearRing(0).FlatCoords()
	want := []float64{10, 50, 11, 50, 11, 51, 10, 50}
	if len(flat) != len(want) {
		t.Fatalf("flat coords = %v, want %d values", flat, len(want))
	}
	for i := range want {
		if math.Abs(flat[i]-want[i]) > 1e-4 {
			t.Fatalf("coord %d = %v, want about %v", i, flat[i], want[i])
		}
	}
}

func TestExtractScratchDirectoryRemoved(t *testing.T) {
	scratch := t.TempDir()
	t.Setenv("TMPDIR", scratch)

	// Success path.
	archive := makeZip(t, []zipEntry{{"regions.geojson", twoRegions}})
	if _, err := Extract(archive, Options{}); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	// Failure path after unpacking already happened.
	broken := makeZip(t, []zipEntry{{"regions.geojson", "not json"}})
	if _, err := Extract(broken, Options{}); err == nil {
		t.Fatalf("expected an error for broken geometry")
	}

	left, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("scratch directory still holds %d entries after extraction", len(left))
	}
}

func TestExtractSkipsEscapingEntries(t *testing.T) {
	archive := makeZip(t, []zipEntry{{"../escape.geojson", twoRegions}})
	_, err := Extract(archive, Options{})
	if !errors.Is(err, ErrMissingGeometryFile) {
		t.Fatalf("err = %v, want ErrMissingGeometryFile after dropping the escaping entry", err)
	}
}

func TestExtractNamePropertyAbsent(t *testing.T) {
	body := `{"type":"FeatureCollection","features":[{"type":"Feature","properties":{"OTHER":"x"},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}}]}`
	archive := makeZip(t, []zipEntry{{"regions.geojson", body}})
	set, err := Extract(archive, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if set.NameKeyFound {
		t.Fatalf("NameKeyFound = true for a dataset without the name property")
	}
	if set.Regions[0].Name != "" {
		t.Fatalf("region name = %q, want empty", set.Regions[0].Name)
	}
}

func TestExtractSkipsNullGeometry(t *testing.T) {
	body := `{"type":"FeatureCollection","features":[
	  {"type":"Feature","properties":{"REGION_NAM":"Ghost"},"geometry":null},
	  {"type":"Feature","properties":{"REGION_NAM":"Real"},"geometry":{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}}
	]}`
	archive := makeZip(t, []zipEntry{{"regions.geojson", body}})
	set, err := Extract(archive, Options{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(set.Regions) != 1 || set.Regions[0].Name != "Real" {
		t.Fatalf("regions = %+v, want only Real", set.Regions)
	}
}
