package geo

import (
	"sort"
	"sync"

	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
	"go.uber.org/zap"
)

// Match is one region enclosing a resolved point.
type Match struct {
	RegionID string            `json:"regionId"`
	Type     models.RegionType `json:"type"`
	Area     float64           `json:"area"`
}

type entry struct {
	typ  models.RegionType
	poly Polygon
}

// Index answers point-in-region queries over region boundaries. It is the
// single containment test used by region resolution and depot lookups.
type Index struct {
	mu      sync.RWMutex
	entries map[string]entry
	logr    *zap.Logger
}

func NewIndex(logr *zap.Logger) *Index {
	if logr == nil {
		logr = zap.NewNop()
	}
	return &Index{entries: make(map[string]entry), logr: logr}
}

// Put registers or replaces the boundary of a region.
func (ix *Index) Put(regionID string, typ models.RegionType, poly Polygon) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries[regionID] = entry{typ: typ, poly: poly}
}

func (ix *Index) Remove(regionID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.entries, regionID)
}

// Has reports whether a boundary is registered for regionID.
func (ix *Index) Has(regionID string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.entries[regionID]
	return ok
}

// Resolve returns every region enclosing pt, most specific type first and,
// within a type, smallest area first (ties by id). Boundary points are inside.
// An empty result means the point is unresolved; it is not an error.
func (ix *Index) Resolve(pt models.GeoPoint) []Match {
	if !ValidPoint(pt) {
		return nil
	}
	ix.mu.RLock()
	var out []Match
	for id, e := range ix.entries {
		if e.poly.Contains(pt) {
			out = append(out, Match{RegionID: id, Type: e.typ, Area: e.poly.Area})
		}
	}
	ix.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		li, lj := out[i].Type.Level(), out[j].Type.Level()
		if li != lj {
			return li > lj
		}
		if out[i].Area != out[j].Area {
			return out[i].Area < out[j].Area
		}
		return out[i].RegionID < out[j].RegionID
	})

	for i := 1; i < len(out); i++ {
		if out[i].Type == out[i-1].Type {
			ix.logr.Warn("overlapping region boundaries",
				zap.String("type", string(out[i].Type)),
				zap.String("picked", out[i-1].RegionID),
				zap.String("overlap", out[i].RegionID),
				zap.Float64("latitude", pt.Latitude),
				zap.Float64("longitude", pt.Longitude))
		}
	}
	return out
}

// Contains reports whether regionID's boundary contains pt.
func (ix *Index) Contains(regionID string, pt models.GeoPoint) bool {
	ix.mu.RLock()
	e, ok := ix.entries[regionID]
	ix.mu.RUnlock()
	return ok && e.poly.Contains(pt)
}

// Best returns the first (most specific, smallest) match of each type.
func Best(matches []Match) map[models.RegionType]string {
	out := make(map[models.RegionType]string, 3)
	for _, m := range matches {
		if _, ok := out[m.Type]; !ok {
			out[m.Type] = m.RegionID
		}
	}
	return out
}
