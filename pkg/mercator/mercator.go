// Package mercator converts coordinates between the two reference
// systems the dashboards actually meet in the wild: plain WGS84
// latitude/longitude and the spherical Web Mercator projection used by
// slippy-map tiles. The closed-form spherical math is exact for this
// pair, so we carry no projection library for it.
package mercator

import (
	"fmt"
	"math"
	"strings"
)

// Canonical identifiers after Normalize. Everything downstream compares
// against these two strings only.
const (
	CRSGeographic  = "EPSG:4326"
	CRSWebMercator = "EPSG:3857"
)

// originShift is half the circumference of the WGS84 sphere in metres,
// the coordinate of the antimeridian on a Web Mercator map.
const originShift = math.Pi * 6378137

// Forward projects geographic lon/lat degrees onto Web Mercator metres.
func Forward(lon, lat float64) (x, y float64) {
	x = lon * originShift / 180
	y = math.Log(math.Tan((90+lat)*math.Pi/360)) / (math.Pi / 180)
	y = y * originShift / 180
	return x, y
}

// Inverse maps Web Mercator metres back to lon/lat degrees. It is the
// exact inverse of Forward on the sphere.
func Inverse(x, y float64) (lon, lat float64) {
	lon = x / originShift * 180
	lat = 2*math.Atan(math.Exp(y*math.Pi/originShift))*180/math.Pi - 90
	return lon, lat
}

// Normalize folds the many spellings found in real GeoJSON files
// ("epsg:4326", "urn:ogc:def:crs:EPSG::3857", "CRS84", a bare "900913")
// into one of the canonical identifiers. ok is false for systems we do
// not understand.
func Normalize(raw string) (crs string, ok bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}
	// URN forms keep their meaning in the last colon-separated field.
	if i := strings.LastIndex(s, ":"); i >= 0 && strings.HasPrefix(s, "URN:") {
		s = s[i+1:]
	}
	s = strings.TrimPrefix(s, "EPSG:")
	switch s {
	case "4326", "CRS84", "WGS84", "WGS 84":
		return CRSGeographic, true
	case "3857", "900913", "102100":
		return CRSWebMercator, true
	}
	return "", false
}

// Transformer returns a function converting a single coordinate pair
// from one supported system to the other. Both arguments must already
// be canonical identifiers; asking for an unsupported pair is an error
// rather than a silent identity.
func Transformer(from, to string) (func(x, y float64) (float64, float64), error) {
	switch {
	case from == to:
		return func(x, y float64) (float64, float64) { return x, y }, nil
	case from == CRSGeographic && to == CRSWebMercator:
		return Forward, nil
	case from == CRSWebMercator && to == CRSGeographic:
		return Inverse, nil
	}
	return nil, fmt.Errorf("no transform from %s to %s", from, to)
}
