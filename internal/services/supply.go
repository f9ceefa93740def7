package services

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/geo"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/metrics"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// graphSnapshot is an immutable view of the supply network. Writers copy it.
type graphSnapshot struct {
	// epoch identifies this graph instance in shared route caches; version
	// counts snapshots within it.
	epoch   string
	version int64
	depots  map[string]models.SupplyDepot
	routes  map[string]models.SupplyRoute
	adj     map[string][]string // depot id -> ids of incident routes
}

func (g *graphSnapshot) clone() *graphSnapshot {
	out := &graphSnapshot{
		epoch:   g.epoch,
		version: g.version + 1,
		depots:  make(map[string]models.SupplyDepot, len(g.depots)+1),
		routes:  make(map[string]models.SupplyRoute, len(g.routes)+1),
		adj:     make(map[string][]string, len(g.adj)+1),
	}
	for k, v := range g.depots {
		out.depots[k] = v
	}
	for k, v := range g.routes {
		out.routes[k] = v
	}
	for k, v := range g.adj {
		out.adj[k] = v
	}
	return out
}

func (g *graphSnapshot) routeBetween(a, b string) (models.SupplyRoute, bool) {
	for _, rid := range g.adj[a] {
		if r := g.routes[rid]; r.Connects(a, b) {
			return r, true
		}
	}
	return models.SupplyRoute{}, false
}

// SupplyGraph holds depots and routes and answers optimal-route queries on
// immutable snapshots. Mutations are serialised by mu and swap the snapshot.
type SupplyGraph struct {
	mu    sync.Mutex
	snap  atomic.Pointer[graphSnapshot]
	geo   *geo.Index
	cache RouteCache
	group singleflight.Group
	repo  Repository
	pub   Publisher
	logr  *zap.Logger
}

type SupplyOption func(*SupplyGraph)

func WithSupplyRepository(r Repository) SupplyOption {
	return func(g *SupplyGraph) { g.repo = r }
}

func WithSupplyPublisher(p Publisher) SupplyOption {
	return func(g *SupplyGraph) { g.pub = p }
}

func WithRouteCache(c RouteCache) SupplyOption {
	return func(g *SupplyGraph) { g.cache = c }
}

func NewSupplyGraph(index *geo.Index, logr *zap.Logger, opts ...SupplyOption) *SupplyGraph {
	if logr == nil {
		logr = zap.NewNop()
	}
	g := &SupplyGraph{
		geo:   index,
		cache: NewMemoryRouteCache(1024, 0),
		repo:  NopRepository{},
		pub:   nopPublisher{},
		logr:  logr,
	}
	g.snap.Store(&graphSnapshot{
		epoch:  uuid.NewString(),
		depots: map[string]models.SupplyDepot{},
		routes: map[string]models.SupplyRoute{},
		adj:    map[string][]string{},
	})
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *SupplyGraph) SetPublisher(p Publisher) {
	g.pub = p
}

// Version is the version of the current graph snapshot.
func (g *SupplyGraph) Version() int64 {
	return g.snap.Load().version
}

// commit persists the changed rows, installs next and publishes one delta per
// changed entity. Caller holds mu.
func (g *SupplyGraph) commit(ctx context.Context, next *graphSnapshot, depots []models.SupplyDepot, routes []models.SupplyRoute) error {
	if err := saveWithRetry(ctx, g.repo, Batch{Depots: depots, Routes: routes}); err != nil {
		g.logr.Error("supply graph commit failed", zap.Error(err))
		return fmt.Errorf("store supply graph: %w", err)
	}
	g.snap.Store(next)
	for _, d := range depots {
		g.pub.Publish(models.Delta{
			Event:      models.EventSupplyChainUpdate,
			EntityType: models.EntityDepot,
			EntityID:   d.ID,
			Version:    d.Version,
			Payload:    d,
		})
	}
	for _, r := range routes {
		g.pub.Publish(models.Delta{
			Event:      models.EventSupplyChainUpdate,
			EntityType: models.EntityRoute,
			EntityID:   r.ID,
			Version:    r.Version,
			Payload:    r,
		})
	}
	return nil
}

type NewDepot struct {
	ID            string          `json:"depotId"`
	Name          string          `json:"name"`
	Location      models.GeoPoint `json:"location"`
	Capacity      int64           `json:"capacity"`
	CurrentStock  int64           `json:"currentStock"`
	SecurityLevel int             `json:"securityLevel"`
	DepotType     string          `json:"type"`
}

func (g *SupplyGraph) CreateDepot(ctx context.Context, in NewDepot) (models.SupplyDepot, error) {
	if strings.TrimSpace(in.Name) == "" {
		return models.SupplyDepot{}, invalid("name", "required")
	}
	if !geo.ValidPoint(in.Location) {
		return models.SupplyDepot{}, invalid("location", "coordinates out of range")
	}
	if in.Capacity < 0 {
		return models.SupplyDepot{}, invalid("capacity", "must not be negative")
	}
	if in.CurrentStock < 0 || in.CurrentStock > in.Capacity {
		return models.SupplyDepot{}, invalid("currentStock", "must be between 0 and capacity")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	cur := g.snap.Load()
	if _, exists := cur.depots[in.ID]; exists {
		return models.SupplyDepot{}, invalid("depotId", "depot %s already exists", in.ID)
	}
	d := models.SupplyDepot{
		ID:            in.ID,
		Name:          strings.TrimSpace(in.Name),
		Location:      in.Location,
		Capacity:      in.Capacity,
		CurrentStock:  in.CurrentStock,
		SecurityLevel: in.SecurityLevel,
		DepotType:     in.DepotType,
		Version:       1,
	}
	next := cur.clone()
	next.depots[d.ID] = d
	if err := g.commit(ctx, next, []models.SupplyDepot{d}, nil); err != nil {
		return models.SupplyDepot{}, err
	}
	return d, nil
}

func (g *SupplyGraph) GetDepot(id string) (models.SupplyDepot, error) {
	d, ok := g.snap.Load().depots[id]
	if !ok {
		return models.SupplyDepot{}, notFound("depot", id)
	}
	return d, nil
}

func (g *SupplyGraph) ListDepots() []models.SupplyDepot {
	snap := g.snap.Load()
	out := make([]models.SupplyDepot, 0, len(snap.depots))
	for _, d := range snap.depots {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddStock increases the depot's stock without exceeding its capacity.
func (g *SupplyGraph) AddStock(ctx context.Context, depotID string, quantity int64) (models.SupplyDepot, error) {
	if quantity <= 0 {
		return models.SupplyDepot{}, invalid("quantity", "must be positive")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := g.snap.Load()
	d, ok := cur.depots[depotID]
	if !ok {
		return models.SupplyDepot{}, notFound("depot", depotID)
	}
	if d.CurrentStock+quantity > d.Capacity {
		return models.SupplyDepot{}, invalid("quantity", "stock %d + %d exceeds capacity %d", d.CurrentStock, quantity, d.Capacity)
	}
	d.CurrentStock += quantity
	d.Version++
	next := cur.clone()
	next.depots[d.ID] = d
	if err := g.commit(ctx, next, []models.SupplyDepot{d}, nil); err != nil {
		return models.SupplyDepot{}, err
	}
	return d, nil
}

type NewRoute struct {
	SourceDepotID string  `json:"sourceDepotId"`
	TargetDepotID string  `json:"targetDepotId"`
	Distance      float64 `json:"distance"`
	RiskFactor    float64 `json:"riskFactor"`
	TransportType string  `json:"transportType"`
	// IsActive defaults to true.
	IsActive *bool `json:"isActive"`
}

// CreateRoute adds an undirected route. Self-loops and a second route
// between the same pair are rejected.
func (g *SupplyGraph) CreateRoute(ctx context.Context, in NewRoute) (models.SupplyRoute, error) {
	if in.SourceDepotID == "" || in.TargetDepotID == "" {
		return models.SupplyRoute{}, invalid("sourceDepotId", "both endpoints are required")
	}
	if in.SourceDepotID == in.TargetDepotID {
		return models.SupplyRoute{}, invalid("targetDepotId", "a route cannot loop on one depot")
	}
	if math.IsNaN(in.Distance) || math.IsInf(in.Distance, 0) || in.Distance <= 0 {
		return models.SupplyRoute{}, invalid("distance", "must be positive")
	}
	if math.IsNaN(in.RiskFactor) || in.RiskFactor < 0 || in.RiskFactor > 1 {
		return models.SupplyRoute{}, invalid("riskFactor", "must be between 0 and 1")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	cur := g.snap.Load()
	for _, id := range []string{in.SourceDepotID, in.TargetDepotID} {
		if _, ok := cur.depots[id]; !ok {
			return models.SupplyRoute{}, notFound("depot", id)
		}
	}
	if existing, ok := cur.routeBetween(in.SourceDepotID, in.TargetDepotID); ok {
		return models.SupplyRoute{}, invalid("targetDepotId", "route %s already connects these depots", existing.ID)
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	r := models.SupplyRoute{
		ID:            uuid.NewString(),
		SourceDepotID: in.SourceDepotID,
		TargetDepotID: in.TargetDepotID,
		Distance:      in.Distance,
		RiskFactor:    in.RiskFactor,
		IsActive:      active,
		TransportType: in.TransportType,
		Version:       1,
	}
	next := cur.clone()
	next.routes[r.ID] = r
	next.adj[r.SourceDepotID] = append(append([]string(nil), cur.adj[r.SourceDepotID]...), r.ID)
	next.adj[r.TargetDepotID] = append(append([]string(nil), cur.adj[r.TargetDepotID]...), r.ID)
	if err := g.commit(ctx, next, nil, []models.SupplyRoute{r}); err != nil {
		return models.SupplyRoute{}, err
	}
	return r, nil
}

func (g *SupplyGraph) ListRoutes() []models.SupplyRoute {
	snap := g.snap.Load()
	out := make([]models.SupplyRoute, 0, len(snap.routes))
	for _, r := range snap.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *SupplyGraph) GetRoute(id string) (models.SupplyRoute, error) {
	r, ok := g.snap.Load().routes[id]
	if !ok {
		return models.SupplyRoute{}, notFound("route", id)
	}
	return r, nil
}

// ToggleRoute sets the route's active flag. Cached routes of the previous
// graph version stop being served.
func (g *SupplyGraph) ToggleRoute(ctx context.Context, routeID string, active bool) (models.SupplyRoute, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := g.snap.Load()
	r, ok := cur.routes[routeID]
	if !ok {
		return models.SupplyRoute{}, notFound("route", routeID)
	}
	return g.setActive(ctx, cur, r, active)
}

// SetRouteStatus toggles the route between two depots in either direction.
func (g *SupplyGraph) SetRouteStatus(ctx context.Context, sourceID, targetID string, active bool) (models.SupplyRoute, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := g.snap.Load()
	r, ok := cur.routeBetween(sourceID, targetID)
	if !ok {
		return models.SupplyRoute{}, notFound("route", sourceID+"-"+targetID)
	}
	return g.setActive(ctx, cur, r, active)
}

func (g *SupplyGraph) setActive(ctx context.Context, cur *graphSnapshot, r models.SupplyRoute, active bool) (models.SupplyRoute, error) {
	if r.IsActive == active {
		return r, nil
	}
	r.IsActive = active
	r.Version++
	next := cur.clone()
	next.routes[r.ID] = r
	if err := g.commit(ctx, next, nil, []models.SupplyRoute{r}); err != nil {
		return models.SupplyRoute{}, err
	}
	g.logr.Info("route toggled", zap.String("route", r.ID), zap.Bool("active", active), zap.Int64("graph_version", next.version))
	return r, nil
}

// Visualization returns every depot and route.
func (g *SupplyGraph) Visualization() models.SupplyChainView {
	return models.SupplyChainView{Depots: g.ListDepots(), Routes: g.ListRoutes()}
}

// DepotsInRegion returns depots whose location lies inside the region's
// boundary.
func (g *SupplyGraph) DepotsInRegion(regionID string) ([]models.SupplyDepot, error) {
	if !g.geo.Has(regionID) {
		return nil, notFound("region", regionID)
	}
	out := []models.SupplyDepot{}
	for _, d := range g.ListDepots() {
		if g.geo.Contains(regionID, d.Location) {
			out = append(out, d)
		}
	}
	return out, nil
}

// OptimalRoute returns the cheapest active path between two depots, where a
// route costs distance*(1+riskFactor). Ties go to the lower total risk, then
// to the lexicographically smaller depot sequence.
func (g *SupplyGraph) OptimalRoute(ctx context.Context, fromID, toID string) (models.OptimalRoute, error) {
	snap := g.snap.Load()
	for _, id := range []string{fromID, toID} {
		if _, ok := snap.depots[id]; !ok {
			return models.OptimalRoute{}, notFound("depot", id)
		}
	}
	if fromID == toID {
		metrics.RouteQueriesTotal.WithLabelValues("found").Inc()
		return models.OptimalRoute{DepotIDs: []string{fromID}, Hops: []models.RouteHop{}, GraphVersion: snap.version}, nil
	}

	key := fmt.Sprintf("%s:%d:%s:%s", snap.epoch, snap.version, fromID, toID)
	if route, ok := g.cache.Get(ctx, key); ok {
		metrics.RouteCacheHitsTotal.Inc()
		metrics.RouteQueriesTotal.WithLabelValues("found").Inc()
		return route, nil
	}
	metrics.RouteCacheMissesTotal.Inc()

	v, err, _ := g.group.Do(key, func() (any, error) {
		route, ok := shortestPath(snap, fromID, toID)
		if !ok {
			return nil, &NoPathError{From: fromID, To: toID}
		}
		g.cache.Set(ctx, key, route)
		return route, nil
	})
	if err != nil {
		metrics.RouteQueriesTotal.WithLabelValues("no_path").Inc()
		return models.OptimalRoute{}, err
	}
	metrics.RouteQueriesTotal.WithLabelValues("found").Inc()
	return v.(models.OptimalRoute), nil
}

const costEpsilon = 1e-9

type pathLabel struct {
	cost   float64
	risk   float64
	depots []string
	routes []string
}

func (a pathLabel) less(b pathLabel) bool {
	if math.Abs(a.cost-b.cost) > costEpsilon {
		return a.cost < b.cost
	}
	if math.Abs(a.risk-b.risk) > costEpsilon {
		return a.risk < b.risk
	}
	n := len(a.depots)
	if len(b.depots) < n {
		n = len(b.depots)
	}
	for i := 0; i < n; i++ {
		if a.depots[i] != b.depots[i] {
			return a.depots[i] < b.depots[i]
		}
	}
	return len(a.depots) < len(b.depots)
}

type labelHeap []pathLabel

func (h labelHeap) Len() int           { return len(h) }
func (h labelHeap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h labelHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *labelHeap) Push(x any)        { *h = append(*h, x.(pathLabel)) }
func (h *labelHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// shortestPath is Dijkstra over active routes with the full tie-break order
// folded into the label comparison. The order is preserved by extending both
// paths with the same edge, so settled labels are final.
func shortestPath(snap *graphSnapshot, fromID, toID string) (models.OptimalRoute, bool) {
	best := map[string]pathLabel{fromID: {depots: []string{fromID}}}
	done := make(map[string]bool)
	h := &labelHeap{best[fromID]}

	for h.Len() > 0 {
		cur := heap.Pop(h).(pathLabel)
		at := cur.depots[len(cur.depots)-1]
		if done[at] {
			continue
		}
		done[at] = true
		if at == toID {
			return buildRoute(snap, cur), true
		}
		for _, rid := range snap.adj[at] {
			r := snap.routes[rid]
			if !r.IsActive {
				continue
			}
			nb := r.Other(at)
			if done[nb] {
				continue
			}
			cand := pathLabel{
				cost:   cur.cost + r.Weight(),
				risk:   cur.risk + r.RiskFactor,
				depots: append(append(make([]string, 0, len(cur.depots)+1), cur.depots...), nb),
				routes: append(append(make([]string, 0, len(cur.routes)+1), cur.routes...), rid),
			}
			if old, seen := best[nb]; !seen || cand.less(old) {
				best[nb] = cand
				heap.Push(h, cand)
			}
		}
	}
	return models.OptimalRoute{}, false
}

func buildRoute(snap *graphSnapshot, l pathLabel) models.OptimalRoute {
	out := models.OptimalRoute{
		DepotIDs:     l.depots,
		Hops:         make([]models.RouteHop, 0, len(l.routes)),
		TotalRisk:    l.risk,
		Cost:         l.cost,
		GraphVersion: snap.version,
	}
	for i, rid := range l.routes {
		r := snap.routes[rid]
		out.Hops = append(out.Hops, models.RouteHop{
			RouteID:    rid,
			From:       l.depots[i],
			To:         l.depots[i+1],
			Distance:   r.Distance,
			RiskFactor: r.RiskFactor,
		})
		out.TotalDistance += r.Distance
	}
	return out
}

// Load replaces the graph with stored depots and routes.
func (g *SupplyGraph) Load(depots []models.SupplyDepot, routes []models.SupplyRoute) {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := &graphSnapshot{
		epoch:   uuid.NewString(),
		version: g.snap.Load().version + 1,
		depots:  make(map[string]models.SupplyDepot, len(depots)),
		routes:  make(map[string]models.SupplyRoute, len(routes)),
		adj:     make(map[string][]string),
	}
	for _, d := range depots {
		next.depots[d.ID] = d
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].ID < routes[j].ID })
	for _, r := range routes {
		if _, ok := next.depots[r.SourceDepotID]; !ok {
			g.logr.Warn("route references a missing depot", zap.String("route", r.ID), zap.String("depot", r.SourceDepotID))
			continue
		}
		if _, ok := next.depots[r.TargetDepotID]; !ok {
			g.logr.Warn("route references a missing depot", zap.String("route", r.ID), zap.String("depot", r.TargetDepotID))
			continue
		}
		next.routes[r.ID] = r
		next.adj[r.SourceDepotID] = append(next.adj[r.SourceDepotID], r.ID)
		next.adj[r.TargetDepotID] = append(next.adj[r.TargetDepotID], r.ID)
	}
	g.snap.Store(next)
	g.logr.Info("supply graph loaded", zap.Int("depots", len(next.depots)), zap.Int("routes", len(next.routes)))
}
