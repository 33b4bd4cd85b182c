// Package regionarchive turns an uploaded ZIP archive into a parsed
// set of named regions. The archive is unpacked into a throwaway
// directory, the geometry file inside is located and decoded, and the
// coordinates are normalised into one agreed reference system before
// anything else in the pipeline sees them. The directory is removed
// before Extract returns no matter how far the pipeline got.
package regionarchive

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom"

	"region-stats-map/pkg/mercator"
	"region-stats-map/pkg/regiondata"
)

// GeometryExt is the file extension Extract looks for inside archives.
// Matching is case-insensitive so "REGIONS.GEOJSON" from a Windows zip
// tool is found too.
const GeometryExt = ".geojson"

// Sentinel errors for the three ways an upload can be broken. Handlers
// match these with errors.Is and show the wrapped detail to the user.
var (
	ErrMalformedArchive    = errors.New("archive is not a readable ZIP file")
	ErrMissingGeometryFile = errors.New("archive contains no geometry file")
	ErrUnparsableGeometry  = errors.New("geometry file could not be parsed")
)

// Options tunes extraction without a config struct explosion. Zero
// values mean: name regions by REGION_NAM, normalise to geographic
// coordinates, stay quiet.
type Options struct {
	NameKey   string                          // feature property holding the region name
	TargetCRS string                          // canonical CRS for the returned coordinates
	Logf      func(format string, args ...any) // progress logging, may be nil
}

func (o *Options) fill() {
	if o.NameKey == "" {
		o.NameKey = "REGION_NAM"
	}
	if o.TargetCRS == "" {
		o.TargetCRS = mercator.CRSGeographic
	}
	if o.Logf == nil {
		o.Logf = func(string, ...any) {}
	}
}

// Extract unpacks the ZIP held in archive, finds the geometry file and
// returns the regions it describes, reprojected into opts.TargetCRS.
// When the archive holds several geometry files the lexicographically
// first entry name wins, which keeps repeated uploads deterministic.
func Extract(archive []byte, opts Options) (*regiondata.RegionSet, error) {
	opts.fill()

	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		// ErrInsecurePath still hands back a usable reader; the loop
		// below drops the offending entries one by one.
		return nil, fmt.Errorf("%w: %v", ErrMalformedArchive, err)
	}

	dir, err := os.MkdirTemp("", "regionarchive-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	// Unpack everything first. Shapefile-style formats spread one
	// dataset over sibling files, so the whole archive lands on disk
	// before we go looking for the entry we can decode.
	var geomPaths []string
	var unpacked int
	for _, zf := range zr.File {
		name := filepath.FromSlash(zf.Name)
		if zf.FileInfo().IsDir() {
			continue
		}
		if !filepath.IsLocal(name) {
			// Entries trying to climb out of the scratch directory are
			// dropped rather than trusted.
			opts.Logf("skipping suspicious archive entry %q", zf.Name)
			continue
		}
		dest := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, fmt.Errorf("unpack %s: %w", zf.Name, err)
		}
		if err := copyEntry(zf, dest); err != nil {
			return nil, fmt.Errorf("%w: entry %s: %v", ErrMalformedArchive, zf.Name, err)
		}
		unpacked++
		if strings.EqualFold(filepath.Ext(name), GeometryExt) {
			geomPaths = append(geomPaths, dest)
		}
	}
	opts.Logf("unpacked %d entries into scratch directory", unpacked)

	if len(geomPaths) == 0 {
		return nil, fmt.Errorf("%w (looked for *%s)", ErrMissingGeometryFile, GeometryExt)
	}
	sort.Strings(geomPaths)
	opts.Logf("reading geometry from %q", filepath.Base(geomPaths[0]))

	data, err := os.ReadFile(geomPaths[0])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(geomPaths[0]), err)
	}

	set, err := parseFeatureCollection(data, opts)
	if err != nil {
		return nil, err
	}
	opts.Logf("parsed %d regions (%s)", len(set.Regions), set.CRS)
	return set, nil
}

func copyEntry(zf *zip.File, dest string) error {
	src, err := zf.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// featureCollection mirrors just the slice of GeoJSON we consume.
// Coordinates stay raw until the geometry type is known because
// Polygon and MultiPolygon nest differently.
type featureCollection struct {
	Type string `json:"type"`
	CRS  *struct {
		Properties struct {
			Name string `json:"name"`
		} `json:"properties"`
	} `json:"crs"`
	Features []struct {
		Properties map[string]any `json:"properties"`
		Geometry   *struct {
			Type        string          `json:"type"`
			Coordinates json.RawMessage `json:"coordinates"`
		} `json:"geometry"`
	} `json:"features"`
}

func parseFeatureCollection(data []byte, opts Options) (*regiondata.RegionSet, error) {
	var fc featureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsableGeometry, err)
	}
	if fc.Type != "FeatureCollection" {
		return nil, fmt.Errorf("%w: expected a FeatureCollection, got %q", ErrUnparsableGeometry, fc.Type)
	}

	// GeoJSON without a crs member is geographic by definition.
	sourceName := "EPSG:4326"
	if fc.CRS != nil && fc.CRS.Properties.Name != "" {
		sourceName = fc.CRS.Properties.Name
	}
	sourceCRS, ok := mercator.Normalize(sourceName)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported coordinate reference system %q", ErrUnparsableGeometry, sourceName)
	}
	transform, err := mercator.Transformer(sourceCRS, opts.TargetCRS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsableGeometry, err)
	}

	set := &regiondata.RegionSet{CRS: opts.TargetCRS, NameKey: opts.NameKey}
	for i, f := range fc.Features {
		if _, found := f.Properties[opts.NameKey]; found {
			set.NameKeyFound = true
		}
		if f.Geometry == nil {
			opts.Logf("feature %d has no geometry, skipping", i)
			continue
		}
		polys, err := decodeGeometry(f.Geometry.Type, f.Geometry.Coordinates, transform)
		if err != nil {
			return nil, err
		}
		set.Regions = append(set.Regions, regiondata.Region{
			Name:     propertyString(f.Properties[opts.NameKey]),
			Polygons: polys,
		})
	}
	return set, nil
}

// decodeGeometry builds go-geom polygons from raw GeoJSON coordinate
// arrays, transforming every vertex on the way in so nothing downstream
// ever sees source-system coordinates.
func decodeGeometry(typ string, raw json.RawMessage, transform func(x, y float64) (float64, float64)) ([]*geom.Polygon, error) {
	switch typ {
	case "Polygon":
		var rings [][][]float64
		if err := json.Unmarshal(raw, &rings); err != nil {
			return nil, fmt.Errorf("%w: polygon coordinates: %v", ErrUnparsableGeometry, err)
		}
		p, err := buildPolygon(rings, transform)
		if err != nil {
			return nil, err
		}
		return []*geom.Polygon{p}, nil
	case "MultiPolygon":
		var parts [][][][]float64
		if err := json.Unmarshal(raw, &parts); err != nil {
			return nil, fmt.Errorf("%w: multipolygon coordinates: %v", ErrUnparsableGeometry, err)
		}
		polys := make([]*geom.Polygon, 0, len(parts))
		for _, rings := range parts {
			p, err := buildPolygon(rings, transform)
			if err != nil {
				return nil, err
			}
			polys = append(polys, p)
		}
		return polys, nil
	}
	return nil, fmt.Errorf("%w: unsupported geometry type %q", ErrUnparsableGeometry, typ)
}

func buildPolygon(rings [][][]float64, transform func(x, y float64) (float64, float64)) (*geom.Polygon, error) {
	coords := make([][]geom.Coord, 0, len(rings))
	for _, ring := range rings {
		rc := make([]geom.Coord, 0, len(ring))
		for _, pos := range ring {
			if len(pos) < 2 {
				return nil, fmt.Errorf("%w: coordinate with fewer than two values", ErrUnparsableGeometry)
			}
			x, y := transform(pos[0], pos[1])
			rc = append(rc, geom.Coord{x, y})
		}
		coords = append(coords, rc)
	}
	p, err := geom.NewPolygon(geom.XY).SetCoords(coords)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsableGeometry, err)
	}
	return p, nil
}

// propertyString renders a feature property as the string used for
// region naming and joining. Numbers lose any float artefacts so a
// district code 7 in the geometry matches "7" from a CSV cell.
func propertyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
