package regiondata

import (
	"github.com/twpayne/go-geom"
)

// ==========================
// Shared region geometry model
// ==========================

// Region is one named polygonal area from an uploaded or downloaded
// geometry dataset. Multi-part shapes (an archipelago, an exclave) keep
// one polygon per part so downstream code never has to guess where one
// landmass ends and the next begins.
type Region struct {
	Name     string
	Polygons []*geom.Polygon
}

// RegionSet is the parsed geometry dataset as a whole. CRS names the
// coordinate reference system the coordinates are expressed in after
// normalisation, so every consumer can trust the numbers without
// re-checking the source file. NameKeyFound records whether the feature
// properties actually carried the configured name attribute; joins use
// it to fail fast instead of silently matching nothing.
type RegionSet struct {
	CRS          string
	NameKey      string
	NameKeyFound bool
	Regions      []Region
}

// BoundingBox returns the combined envelope of all parts of the region.
// ok is false for a region without usable coordinates, which callers
// should treat as "cannot contain anything".
func (r Region) BoundingBox() (minX, minY, maxX, maxY float64, ok bool) {
	for _, p := range r.Polygons {
		if p == nil || p.NumLinearRings() == 0 {
			continue
		}
		b := p.Bounds()
		if !ok {
			minX, minY, maxX, maxY = b.Min(0), b.Min(1), b.Max(0), b.Max(1)
			ok = true
			continue
		}
		if v := b.Min(0); v < minX {
			minX = v
		}
		if v := b.Min(1); v < minY {
			minY = v
		}
		if v := b.Max(0); v > maxX {
			maxX = v
		}
		if v := b.Max(1); v > maxY {
			maxY = v
		}
	}
	return minX, minY, maxX, maxY, ok
}

// Centroid returns a representative interior-ish point for the region,
// weighting each part by its area so a tiny islet does not drag the
// label of a large mainland. Degenerate rings with no area fall back to
// the plain vertex mean, which is good enough for placing a marker.
func (r Region) Centroid() (x, y float64, ok bool) {
	var sumX, sumY, sumArea float64
	for _, p := range r.Polygons {
		if p == nil || p.NumLinearRings() == 0 {
			continue
		}
		cx, cy, area := ringCentroid(p.LinearRing(0).FlatCoords())
		sumX += cx * area
		sumY += cy * area
		sumArea += area
	}
	if sumArea > 0 {
		return sumX / sumArea, sumY / sumArea, true
	}
	// All parts degenerate: average the raw vertices instead.
	var n int
	sumX, sumY = 0, 0
	for _, p := range r.Polygons {
		if p == nil || p.NumLinearRings() == 0 {
			continue
		}
		flat := p.LinearRing(0).FlatCoords()
		for i := 0; i+1 < len(flat); i += 2 {
			sumX += flat[i]
			sumY += flat[i+1]
			n++
		}
	}
	if n == 0 {
		return 0, 0, false
	}
	return sumX / float64(n), sumY / float64(n), true
}

// ringCentroid applies the shoelace centroid formula to one flat XY
// ring. The returned area is always positive; orientation of the ring
// does not matter to callers that only weight by size.
func ringCentroid(flat []float64) (cx, cy, area float64) {
	n := len(flat) / 2
	if n < 3 {
		return 0, 0, 0
	}
	var a, sx, sy float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		x1, y1 := flat[2*i], flat[2*i+1]
		x2, y2 := flat[2*j], flat[2*j+1]
		cross := x1*y2 - x2*y1
		a += cross
		sx += (x1 + x2) * cross
		sy += (y1 + y2) * cross
	}
	if a == 0 {
		return 0, 0, 0
	}
	cx = sx / (3 * a)
	cy = sy / (3 * a)
	if a < 0 {
		a = -a
	}
	return cx, cy, a / 2
}

// BoundingBox returns the envelope of every region in the set. ok is
// false when no region carries coordinates, for example a dataset whose
// features were all filtered out upstream.
func (s *RegionSet) BoundingBox() (minX, minY, maxX, maxY float64, ok bool) {
	for _, r := range s.Regions {
		rMinX, rMinY, rMaxX, rMaxY, rOK := r.BoundingBox()
		if !rOK {
			continue
		}
		if !ok {
			minX, minY, maxX, maxY = rMinX, rMinY, rMaxX, rMaxY
			ok = true
			continue
		}
		if rMinX < minX {
			minX = rMinX
		}
		if rMinY < minY {
			minY = rMinY
		}
		if rMaxX > maxX {
			maxX = rMaxX
		}
		if rMaxY > maxY {
			maxY = rMaxY
		}
	}
	return minX, minY, maxX, maxY, ok
}
