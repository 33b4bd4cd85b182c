// Package regionexport packages a finished dashboard run for download:
// one ZIP holding the per-region statistics as CSV and the joined
// regions as GeoJSON. The bundle is assembled straight onto the
// response writer, nothing is staged on disk.
package regionexport

import (
	"archive/zip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/twpayne/go-geom"

	"region-stats-map/pkg/regiondata"
	"region-stats-map/pkg/regionjoin"
)

// Entry names inside the bundle. Fixed so scripts downstream can rely
// on them.
const (
	StatsEntry    = "aggregates.csv"
	GeometryEntry = "regions.geojson"
)

// WriteBundle streams the ZIP to w. Regions without data export empty
// CSV cells and null GeoJSON properties, never zeros.
func WriteBundle(w io.Writer, set *regiondata.RegionSet, result *regionjoin.Result) error {
	zw := zip.NewWriter(w)

	f, err := zw.Create(StatsEntry)
	if err != nil {
		return fmt.Errorf("create %s: %w", StatsEntry, err)
	}
	if err := writeStats(f, result); err != nil {
		return fmt.Errorf("write %s: %w", StatsEntry, err)
	}

	f, err = zw.Create(GeometryEntry)
	if err != nil {
		return fmt.Errorf("create %s: %w", GeometryEntry, err)
	}
	if err := writeGeometry(f, set, result); err != nil {
		return fmt.Errorf("write %s: %w", GeometryEntry, err)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish bundle: %w", err)
	}
	return nil
}

func writeStats(w io.Writer, result *regionjoin.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"region", "districts", "total_area", "mean_rate"}); err != nil {
		return err
	}
	for _, a := range result.Aggregates {
		rec := []string{a.Region, strconv.Itoa(a.Districts), "", ""}
		if a.HasData() {
			rec[2] = strconv.FormatFloat(a.TotalArea, 'f', -1, 64)
			rec[3] = strconv.FormatFloat(a.MeanRate, 'f', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// exportFeature mirrors the GeoJSON feature shape we emit. Statistics
// ride along as properties so the file stands on its own in any GIS
// tool.
type exportFeature struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Geometry   map[string]any `json:"geometry"`
}

func writeGeometry(w io.Writer, set *regiondata.RegionSet, result *regionjoin.Result) error {
	features := make([]exportFeature, 0, len(set.Regions))
	for _, rg := range set.Regions {
		props := map[string]any{
			set.NameKey: rg.Name,
			"districts": 0,
			"totalArea": nil,
			"meanRate":  nil,
		}
		if agg, ok := result.ByRegion(rg.Name); ok && agg.HasData() {
			props["districts"] = agg.Districts
			props["totalArea"] = agg.TotalArea
			props["meanRate"] = agg.MeanRate
		}
		features = append(features, exportFeature{
			Type:       "Feature",
			Properties: props,
			Geometry:   geometryMember(rg.Polygons),
		})
	}

	doc := map[string]any{
		"type":     "FeatureCollection",
		"features": features,
	}
	if set.CRS != "" && set.CRS != "EPSG:4326" {
		doc["crs"] = map[string]any{
			"type":       "name",
			"properties": map[string]any{"name": set.CRS},
		}
	}
	return json.NewEncoder(w).Encode(doc)
}

func geometryMember(polys []*geom.Polygon) map[string]any {
	rings := func(p *geom.Polygon) [][][]float64 {
		if p == nil {
			return nil
		}
		coords := p.Coords()
		out := make([][][]float64, 0, len(coords))
		for _, ring := range coords {
			r := make([][]float64, 0, len(ring))
			for _, c := range ring {
				r = append(r, []float64{c[0], c[1]})
			}
			out = append(out, r)
		}
		return out
	}
	if len(polys) == 1 {
		return map[string]any{"type": "Polygon", "coordinates": rings(polys[0])}
	}
	parts := make([][][][]float64, 0, len(polys))
	for _, p := range polys {
		parts = append(parts, rings(p))
	}
	return map[string]any{"type": "MultiPolygon", "coordinates": parts}
}
