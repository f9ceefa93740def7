package geo

import (
	"errors"
	"math"

	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
)

var (
	ErrTooFewPoints     = errors.New("boundary needs at least 3 distinct points")
	ErrInvalidPoint     = errors.New("boundary point out of range")
	ErrSelfIntersecting = errors.New("boundary is not a simple polygon")
	ErrDegenerate       = errors.New("boundary has zero area")
)

// edgeEpsilon is the tolerance, in degrees, for a point lying on an edge.
const edgeEpsilon = 1e-9

// Polygon is a simple ring in lon/lat space. The closing point is implicit.
type Polygon struct {
	Ring []models.GeoPoint
	BBox [4]float64 // minLon, minLat, maxLon, maxLat
	Area float64    // planar area in square degrees
}

// NewPolygon validates a boundary and builds its polygon. A repeated closing
// point is accepted and dropped.
func NewPolygon(points []models.GeoPoint) (Polygon, error) {
	ring := make([]models.GeoPoint, 0, len(points))
	for i, p := range points {
		if !ValidPoint(p) {
			return Polygon{}, ErrInvalidPoint
		}
		if i > 0 && p == ring[len(ring)-1] {
			continue
		}
		ring = append(ring, p)
	}
	if len(ring) > 1 && ring[0] == ring[len(ring)-1] {
		ring = ring[:len(ring)-1]
	}
	if len(ring) < 3 {
		return Polygon{}, ErrTooFewPoints
	}
	if !simple(ring) {
		return Polygon{}, ErrSelfIntersecting
	}
	area := math.Abs(shoelace(ring))
	if area == 0 {
		return Polygon{}, ErrDegenerate
	}

	bbox := [4]float64{ring[0].Longitude, ring[0].Latitude, ring[0].Longitude, ring[0].Latitude}
	for _, p := range ring[1:] {
		bbox[0] = math.Min(bbox[0], p.Longitude)
		bbox[1] = math.Min(bbox[1], p.Latitude)
		bbox[2] = math.Max(bbox[2], p.Longitude)
		bbox[3] = math.Max(bbox[3], p.Latitude)
	}
	return Polygon{Ring: ring, BBox: bbox, Area: area}, nil
}

// ValidPoint reports whether p is a valid WGS84 coordinate.
func ValidPoint(p models.GeoPoint) bool {
	return !math.IsNaN(p.Latitude) && !math.IsNaN(p.Longitude) &&
		p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}

// Contains reports whether pt lies inside the polygon. Points on an edge or
// vertex count as inside.
func (p Polygon) Contains(pt models.GeoPoint) bool {
	if !inBBox(pt, p.BBox) {
		return false
	}
	n := len(p.Ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		if onSegment(pt, p.Ring[j], p.Ring[i]) {
			return true
		}
	}
	return pointInRing(pt, p.Ring)
}

// pointInRing is the even-odd ray cast: a horizontal ray from pt crossing an
// odd number of edges means inside.
func pointInRing(pt models.GeoPoint, ring []models.GeoPoint) bool {
	inside := false
	x, y := pt.Longitude, pt.Latitude
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i].Longitude, ring[i].Latitude
		xj, yj := ring[j].Longitude, ring[j].Latitude
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

func inBBox(pt models.GeoPoint, b [4]float64) bool {
	return pt.Longitude >= b[0]-edgeEpsilon && pt.Longitude <= b[2]+edgeEpsilon &&
		pt.Latitude >= b[1]-edgeEpsilon && pt.Latitude <= b[3]+edgeEpsilon
}

func cross(o, a, b models.GeoPoint) float64 {
	return (a.Longitude-o.Longitude)*(b.Latitude-o.Latitude) - (a.Latitude-o.Latitude)*(b.Longitude-o.Longitude)
}

func onSegment(pt, a, b models.GeoPoint) bool {
	length := math.Hypot(b.Longitude-a.Longitude, b.Latitude-a.Latitude)
	if length == 0 {
		return math.Hypot(pt.Longitude-a.Longitude, pt.Latitude-a.Latitude) <= edgeEpsilon
	}
	if math.Abs(cross(a, b, pt))/length > edgeEpsilon {
		return false
	}
	return pt.Longitude >= math.Min(a.Longitude, b.Longitude)-edgeEpsilon &&
		pt.Longitude <= math.Max(a.Longitude, b.Longitude)+edgeEpsilon &&
		pt.Latitude >= math.Min(a.Latitude, b.Latitude)-edgeEpsilon &&
		pt.Latitude <= math.Max(a.Latitude, b.Latitude)+edgeEpsilon
}

func segmentsIntersect(p1, p2, q1, q2 models.GeoPoint) bool {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	return onSegment(p1, q1, q2) || onSegment(p2, q1, q2) || onSegment(q1, p1, p2) || onSegment(q2, p1, p2)
}

// simple checks that no two non-adjacent edges touch.
func simple(ring []models.GeoPoint) bool {
	n := len(ring)
	for i := 0; i < n; i++ {
		a1, a2 := ring[i], ring[(i+1)%n]
		for j := i + 1; j < n; j++ {
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsIntersect(a1, a2, ring[j], ring[(j+1)%n]) {
				return false
			}
		}
	}
	return true
}

func shoelace(ring []models.GeoPoint) float64 {
	var sum float64
	n := len(ring)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		sum += ring[j].Longitude*ring[i].Latitude - ring[i].Longitude*ring[j].Latitude
	}
	return sum / 2
}
