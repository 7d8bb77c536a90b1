// Package gis provides coordinate reference system transforms and small
// flat-earth helpers used to locate PV sites in gridded weather data.
//
// CoordinateTransformer wraps PROJ. Building one loads projection definitions
// and is comparatively expensive, so transformers should be built once and
// reused for every lookup.
package gis

import (
	"fmt"
	"math"
	"sync"

	"github.com/twpayne/go-proj/v10"
)

// EarthRadius is the mean radius of the earth in meters.
const EarthRadius = 6371_000.0

// EPSG codes used throughout the project.
const (
	EPSGLatLon = 4326
	EPSGOSGB   = 27700

	EPSGLatLonCRS = "EPSG:4326"
)

// Point is a pair of coordinates in whatever axis order the CRS defines.
// For EPSG:4326 that is (latitude, longitude).
type Point struct {
	A float64
	B float64
}

// LatLon is a point in degrees.
type LatLon struct {
	Lat float64
	Lon float64
}

// CoordinateTransformer converts points from one CRS to another.
// It is safe for concurrent use.
type CoordinateTransformer struct {
	from string
	to   string

	mu sync.Mutex
	pj *proj.PJ
}

// NewEPSGTransformer builds a transformer between two EPSG codes.
func NewEPSGTransformer(from, to int) (*CoordinateTransformer, error) {
	return NewCoordinateTransformer(fmt.Sprintf("EPSG:%d", from), fmt.Sprintf("EPSG:%d", to))
}

// NewCoordinateTransformer builds a transformer between two CRS definitions.
// Definitions can be "EPSG:<code>" strings or PROJ strings such as
// "+proj=geos +h=35785831 +lon_0=9.5 ...". An invalid CRS fails here, not at
// transform time.
func NewCoordinateTransformer(from, to string) (*CoordinateTransformer, error) {
	pj, err := proj.NewCRSToCRS(from, to, nil)
	if err != nil {
		return nil, fmt.Errorf("create transformer %s -> %s: %w", from, to, err)
	}
	return &CoordinateTransformer{from: from, to: to, pj: pj}, nil
}

// Transform converts points from the source to the target CRS.
// The output has the same length and order as the input.
func (t *CoordinateTransformer) Transform(points []Point) ([]Point, error) {
	return t.apply(points, false)
}

// Inverse converts points from the target back to the source CRS.
func (t *CoordinateTransformer) Inverse(points []Point) ([]Point, error) {
	return t.apply(points, true)
}

// TransformOne is Transform for a single point.
func (t *CoordinateTransformer) TransformOne(p Point) (Point, error) {
	out, err := t.apply([]Point{p}, false)
	if err != nil {
		return Point{}, err
	}
	return out[0], nil
}

func (t *CoordinateTransformer) apply(points []Point, inverse bool) ([]Point, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Point, len(points))
	for i, p := range points {
		var (
			c   proj.Coord
			err error
		)
		in := proj.NewCoord(p.A, p.B, 0, 0)
		if inverse {
			c, err = t.pj.Inverse(in)
		} else {
			c, err = t.pj.Forward(in)
		}
		if err != nil {
			return nil, fmt.Errorf("transform point %d (%v, %v) %s -> %s: %w", i, p.A, p.B, t.from, t.to, err)
		}
		out[i] = Point{A: c.X(), B: c.Y()}
	}
	return out, nil
}

// String describes the transform.
func (t *CoordinateTransformer) String() string {
	return t.from + " -> " + t.to
}

// Close releases the PROJ handle.
func (t *CoordinateTransformer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pj != nil {
		t.pj.Destroy()
		t.pj = nil
	}
}

// ApproxDistance returns the distance in meters between two nearby points,
// ignoring the curvature of the earth.
func ApproxDistance(a, b LatLon) float64 {
	lat1, lon1 := radians(a.Lat), radians(a.Lon)
	lat2, lon2 := radians(b.Lat), radians(b.Lon)

	lat := (lat1 + lat2) / 2

	dy := EarthRadius * (lat2 - lat1)
	dx := EarthRadius * (lon2 - lon1) * math.Cos(lat)

	return math.Sqrt(dx*dx + dy*dy)
}

// ApproxAddMetersToLatLon moves p by dNorth and dEast meters. The earth is
// treated as a sphere that is locally flat, so this is only meant for small
// displacements.
func ApproxAddMetersToLatLon(p LatLon, dNorth, dEast float64) LatLon {
	cosLat := math.Cos(radians(p.Lat))

	dLon := degrees(dEast / EarthRadius / cosLat)
	dLat := degrees(dNorth / EarthRadius)

	return LatLon{Lat: p.Lat + dLat, Lon: p.Lon + dLon}
}

func radians(d float64) float64 { return d * math.Pi / 180 }

func degrees(r float64) float64 { return r * 180 / math.Pi }
