package datasources

import (
	"errors"
	"fmt"
	"math"

	"github.com/HatiCode/pvsite/pkg/gis"
)

// ErrInvalidRegion is returned for malformed bounding boxes.
var ErrInvalidRegion = errors.New("invalid region")

// PointTransformer converts (lat, lon) points to the x/y coordinates of a
// dataset. *gis.CoordinateTransformer implements it.
type PointTransformer interface {
	Transform(points []gis.Point) ([]gis.Point, error)
}

// Box is a lat/lon bounding box in degrees.
type Box struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// Region selects part of a cube. When Box is set it takes precedence over
// Nearest. An empty Region selects everything.
type Region struct {
	Box     *Box
	Nearest *gis.LatLon
}

// BoxRegion returns a region covering a bounding box.
func BoxRegion(minLat, maxLat, minLon, maxLon float64) Region {
	return Region{Box: &Box{MinLat: minLat, MaxLat: maxLat, MinLon: minLon, MaxLon: maxLon}}
}

// NearestRegion returns a region selecting the grid point closest to (lat, lon).
func NearestRegion(lat, lon float64) Region {
	return Region{Nearest: &gis.LatLon{Lat: lat, Lon: lon}}
}

func (b Box) validate() error {
	for _, v := range []float64{b.MinLat, b.MaxLat, b.MinLon, b.MaxLon} {
		if math.IsNaN(v) {
			return fmt.Errorf("%w: every corner of the box must be set", ErrInvalidRegion)
		}
	}
	if b.MaxLat < b.MinLat || b.MaxLon < b.MinLon {
		return fmt.Errorf("%w: max below min in %+v", ErrInvalidRegion, b)
	}
	return nil
}

// SliceOnLatLon restricts a cube to a region given in lat/lon. The
// transformer maps (lat, lon) to the cube's x/y coordinates.
//
// In box mode both corners are transformed and a label range is selected on
// each axis, swapping the bounds of axes declared descending. In nearest mode
// the closest label is chosen on each axis independently. Regions outside the
// data are not an error and may yield an empty cube.
func SliceOnLatLon(c *Cube, r Region, tr PointTransformer, xAscending, yAscending bool) (*Cube, error) {
	switch {
	case r.Box != nil:
		if err := r.Box.validate(); err != nil {
			return nil, err
		}
		corners, err := tr.Transform([]gis.Point{
			{A: r.Box.MinLat, B: r.Box.MinLon},
			{A: r.Box.MaxLat, B: r.Box.MaxLon},
		})
		if err != nil {
			return nil, fmt.Errorf("transform box: %w", err)
		}
		minX, minY := corners[0].A, corners[0].B
		maxX, maxY := corners[1].A, corners[1].B

		if !xAscending {
			minX, maxX = maxX, minX
		}
		if !yAscending {
			minY, maxY = maxY, minY
		}

		xs := labelRange(c.X, minX, maxX)
		ys := labelRange(c.Y, minY, maxY)
		return c.Select(nil, nil, xs, ys, nil), nil

	case r.Nearest != nil:
		points, err := tr.Transform([]gis.Point{{A: r.Nearest.Lat, B: r.Nearest.Lon}})
		if err != nil {
			return nil, fmt.Errorf("transform point: %w", err)
		}
		xi, err := nearestLabel(c.X, points[0].A)
		if err != nil {
			return nil, fmt.Errorf("x: %w", err)
		}
		yi, err := nearestLabel(c.Y, points[0].B)
		if err != nil {
			return nil, fmt.Errorf("y: %w", err)
		}
		return c.Select(nil, nil, []int{xi}, []int{yi}, nil), nil

	default:
		return c, nil
	}
}

// labelRange returns the indices selected by a label slice [start, stop].
// On an ascending axis that is start <= l <= stop; on a descending axis it
// is start >= l >= stop.
func labelRange(labels []float64, start, stop float64) []int {
	out := []int{}
	descending := len(labels) > 1 && labels[0] > labels[len(labels)-1]
	for i, l := range labels {
		if descending {
			if l <= start && l >= stop {
				out = append(out, i)
			}
			continue
		}
		if l >= start && l <= stop {
			out = append(out, i)
		}
	}
	return out
}

func nearestLabel(labels []float64, target float64) (int, error) {
	if len(labels) == 0 {
		return 0, errors.New("no label to select from")
	}
	best := 0
	bestDist := math.Inf(1)
	for i, l := range labels {
		if d := math.Abs(l - target); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, nil
}
