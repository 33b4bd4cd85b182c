// Package plotpath flattens region polygons into the single coordinate
// stream plotting surfaces expect. Every part contributes its outer
// boundary followed by one pen-lift marker, so a consumer drawing the
// stream in order never connects two separate landmasses with a stray
// line. A region with N parts always yields exactly N lifts.
package plotpath

import (
	"encoding/json"
	"fmt"

	"github.com/twpayne/go-geom"

	"region-stats-map/pkg/regiondata"
)

// Point is one step of the drawing stream. Lift marks the pen-up
// separator between parts; its coordinates are meaningless and encode
// as JSON null, mirroring how charting libraries break a line.
type Point struct {
	X    float64
	Y    float64
	Lift bool
}

// MarshalJSON writes [x, y] for drawing points and null for lifts.
func (p Point) MarshalJSON() ([]byte, error) {
	if p.Lift {
		return []byte("null"), nil
	}
	return json.Marshal([2]float64{p.X, p.Y})
}

// Flatten decomposes the polygons into one drawing stream. Inner rings
// are holes, not boundaries, so they stay out of the stream entirely.
func Flatten(polys []*geom.Polygon) ([]Point, error) {
	var out []Point
	for i, p := range polys {
		if p == nil || p.NumLinearRings() == 0 {
			return nil, fmt.Errorf("part %d has no rings to draw", i)
		}
		flat := p.LinearRing(0).FlatCoords()
		for j := 0; j+1 < len(flat); j += 2 {
			out = append(out, Point{X: flat[j], Y: flat[j+1]})
		}
		out = append(out, Point{Lift: true})
	}
	return out, nil
}

// FlattenRegion is Flatten for a whole region, wrapping errors with
// the region name so a bad dataset points at itself.
func FlattenRegion(r regiondata.Region) ([]Point, error) {
	pts, err := Flatten(r.Polygons)
	if err != nil {
		return nil, fmt.Errorf("region %q: %w", r.Name, err)
	}
	return pts, nil
}
