package services

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/geo"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type member struct {
	rating    float64
	important bool
}

// regionNode is one arena slot of the region tree. id, typ and parentID never
// change; children changes only under treeMu's write lock. Everything else is
// guarded by mu.
type regionNode struct {
	id       string
	typ      models.RegionType
	parentID string
	children []string

	mu      sync.Mutex
	region  models.Region
	members map[string]member
}

func newRegionNode(r models.Region) *regionNode {
	return &regionNode{
		id:       r.ID,
		typ:      r.Type,
		parentID: r.ParentID,
		children: append([]string(nil), r.ChildIDs...),
		region:   r,
		members:  make(map[string]member),
	}
}

type userEntry struct {
	mu      sync.Mutex
	user    models.User
	deleted bool
	fresh   bool
}

// RegionStore owns the region tree, the users located in it and their
// aggregated statistics.
//
// Locking: treeMu is taken for writing by structural edits and for reading by
// everything else. Inside it, user entries are locked in id order, then
// region nodes leaves first (see sortBottomUp). Writing a node requires the
// locks of the node and all its ancestors; reading it requires the lock of
// the node or of any ancestor.
type RegionStore struct {
	treeMu sync.RWMutex
	nodes  map[string]*regionNode

	usersMu   sync.RWMutex
	users     map[string]*userEntry
	usernames map[string]string

	geo  *geo.Index
	repo Repository
	pub  Publisher
	logr *zap.Logger

	ratingDeltaLimit float64
	now              func() time.Time
}

type RegionStoreOption func(*RegionStore)

func WithRepository(r Repository) RegionStoreOption {
	return func(s *RegionStore) { s.repo = r }
}

func WithPublisher(p Publisher) RegionStoreOption {
	return func(s *RegionStore) { s.pub = p }
}

// WithRatingDeltaLimit bounds |delta| accepted by ApplyRatingChange. Zero
// disables the bound.
func WithRatingDeltaLimit(limit float64) RegionStoreOption {
	return func(s *RegionStore) { s.ratingDeltaLimit = limit }
}

func WithClock(now func() time.Time) RegionStoreOption {
	return func(s *RegionStore) { s.now = now }
}

func NewRegionStore(index *geo.Index, logr *zap.Logger, opts ...RegionStoreOption) *RegionStore {
	if logr == nil {
		logr = zap.NewNop()
	}
	s := &RegionStore{
		nodes:     make(map[string]*regionNode),
		users:     make(map[string]*userEntry),
		usernames: make(map[string]string),
		geo:       index,
		repo:      NopRepository{},
		pub:       nopPublisher{},
		logr:      logr,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetPublisher replaces the delta sink. Call before serving traffic.
func (s *RegionStore) SetPublisher(p Publisher) {
	s.pub = p
}

// NewRegion is the provisioning input of CreateRegion.
type NewRegion struct {
	ID       string                   `json:"id"`
	Name     string                   `json:"name"`
	Type     models.RegionType        `json:"type"`
	ParentID string                   `json:"parentId"`
	Boundary []models.GeoPoint        `json:"boundary"`
	Baseline *models.DistrictBaseline `json:"baseline"`
}

func validateBaseline(b *models.DistrictBaseline) error {
	if b == nil {
		return nil
	}
	if b.Population < 0 {
		return invalid("baseline.population", "must not be negative")
	}
	if b.ImportantPersons < 0 || b.ImportantPersons > b.Population {
		return invalid("baseline.importantPersons", "must be between 0 and population")
	}
	if math.IsNaN(b.AverageSocialRating) || b.AverageSocialRating < 0 || b.AverageSocialRating > 100 {
		return invalid("baseline.averageSocialRating", "must be between 0 and 100")
	}
	return nil
}

// CreateRegion registers a region with its boundary, type and parent
// atomically. Ancestor statistics are updated when a district brings a
// baseline.
func (s *RegionStore) CreateRegion(ctx context.Context, in NewRegion) (models.Region, error) {
	if !in.Type.Valid() {
		return models.Region{}, invalid("type", "unknown region type %q", in.Type)
	}
	if strings.TrimSpace(in.Name) == "" {
		return models.Region{}, invalid("name", "required")
	}
	poly, err := geo.NewPolygon(in.Boundary)
	if err != nil {
		return models.Region{}, invalid("boundary", "%v", err)
	}
	if in.Baseline != nil && in.Type != models.RegionTypeDistrict {
		return models.Region{}, invalid("baseline", "only districts carry a baseline")
	}
	if err := validateBaseline(in.Baseline); err != nil {
		return models.Region{}, err
	}

	s.treeMu.Lock()
	defer s.treeMu.Unlock()

	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if _, exists := s.nodes[in.ID]; exists {
		return models.Region{}, invalid("id", "region %s already exists", in.ID)
	}

	wantParent, needsParent := in.Type.ParentType()
	switch {
	case !needsParent && in.ParentID != "":
		return models.Region{}, invalid("parentId", "a country has no parent")
	case needsParent && in.ParentID == "":
		return models.Region{}, invalid("parentId", "a %s needs a %s parent", in.Type, wantParent)
	}

	var path []*regionNode
	if needsParent {
		parent, ok := s.nodes[in.ParentID]
		if !ok {
			return models.Region{}, notFound("region", in.ParentID)
		}
		if parent.typ != wantParent {
			return models.Region{}, invalid("parentId", "parent of a %s must be a %s, got %s", in.Type, wantParent, parent.typ)
		}
		path = s.lockPath(in.ParentID)
		defer unlockNodes(path)
	}

	r := models.Region{
		ID:       in.ID,
		Name:     strings.TrimSpace(in.Name),
		Type:     in.Type,
		ParentID: in.ParentID,
		ChildIDs: []string{},
		Boundary: poly.Ring,
		Baseline: in.Baseline,
	}
	n := newRegionNode(r)

	t := s.newTxn("create_region", path)
	t.create(n)
	if needsParent {
		p := t.edit(in.ParentID)
		p.ChildIDs = append(p.ChildIDs, in.ID)
	}
	t.recompute()
	if err := t.commit(ctx, nil); err != nil {
		return models.Region{}, err
	}

	s.nodes[in.ID] = n
	if needsParent {
		parent := s.nodes[in.ParentID]
		parent.children = append(parent.children, in.ID)
	}
	s.geo.Put(in.ID, in.Type, poly)

	s.logr.Info("region created", zap.String("id", in.ID), zap.String("type", string(in.Type)), zap.String("parent", in.ParentID))
	return n.region.Clone(), nil
}

// UpdateRegion applies a patch when the region's version still equals
// expectedVersion. An expectedVersion of zero skips the check.
func (s *RegionStore) UpdateRegion(ctx context.Context, id string, expectedVersion int64, patch models.RegionPatch) (models.Region, error) {
	var poly *geo.Polygon
	if patch.Boundary != nil {
		p, err := geo.NewPolygon(patch.Boundary)
		if err != nil {
			return models.Region{}, invalid("boundary", "%v", err)
		}
		poly = &p
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return models.Region{}, invalid("name", "must not be empty")
	}
	if err := validateBaseline(patch.Baseline); err != nil {
		return models.Region{}, err
	}

	s.treeMu.Lock()
	defer s.treeMu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return models.Region{}, notFound("region", id)
	}
	path := s.lockPath(id)
	defer unlockNodes(path)

	if expectedVersion > 0 && n.region.Version != expectedVersion {
		return models.Region{}, &ConcurrencyConflict{Kind: "region", ID: id, Expected: expectedVersion, Actual: n.region.Version}
	}
	if patch.Baseline != nil && n.typ != models.RegionTypeDistrict {
		return models.Region{}, invalid("baseline", "only districts carry a baseline")
	}

	t := s.newTxn("update_region", path)
	r := t.edit(id)
	if patch.Name != nil {
		r.Name = strings.TrimSpace(*patch.Name)
	}
	if poly != nil {
		r.Boundary = poly.Ring
	}
	if patch.Baseline != nil {
		b := *patch.Baseline
		r.Baseline = &b
	}
	t.recompute()
	if err := t.commit(ctx, nil); err != nil {
		return models.Region{}, err
	}
	if poly != nil {
		s.geo.Put(id, n.typ, *poly)
	}
	return n.region.Clone(), nil
}

// DeleteRegion removes a region without children. Users located in it are
// detached from it.
func (s *RegionStore) DeleteRegion(ctx context.Context, id string) error {
	s.treeMu.Lock()
	defer s.treeMu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return notFound("region", id)
	}
	if len(n.children) > 0 {
		return invalid("id", "region %s still has %d children", id, len(n.children))
	}

	entries := s.usersIn(id)
	for _, e := range entries {
		e.mu.Lock()
		defer e.mu.Unlock()
	}
	path := s.lockPath(id)
	defer unlockNodes(path)

	t := s.newTxn("delete_region", path)
	t.regionDels = append(t.regionDels, n.region.Clone())
	if n.parentID != "" {
		p := t.edit(n.parentID)
		p.ChildIDs = removeID(p.ChildIDs, id)
	}
	for _, e := range entries {
		if e.deleted {
			continue
		}
		next := e.user.Clone()
		switch n.typ {
		case models.RegionTypeCountry:
			next.CountryID, next.RegionID, next.DistrictID = "", "", ""
		case models.RegionTypeRegion:
			next.RegionID, next.DistrictID = "", ""
		default:
			next.DistrictID = ""
		}
		t.putUser(e, next)
	}
	t.recompute()
	if err := t.commit(ctx, nil); err != nil {
		return err
	}

	delete(s.nodes, id)
	if n.parentID != "" {
		parent := s.nodes[n.parentID]
		parent.children = removeID(parent.children, id)
	}
	s.geo.Remove(id)
	s.logr.Info("region deleted", zap.String("id", id), zap.Int("detached_users", len(entries)))
	return nil
}

func removeID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func (s *RegionStore) GetByID(id string) (models.Region, error) {
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return models.Region{}, notFound("region", id)
	}
	return n.snapshot(), nil
}

func (n *regionNode) snapshot() models.Region {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.region.Clone()
}

// List returns regions matching any of types (all when empty), ordered by
// level then id.
func (s *RegionStore) List(types ...models.RegionType) []models.Region {
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	want := make(map[models.RegionType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	out := make([]models.Region, 0, len(s.nodes))
	for _, n := range s.nodes {
		if len(want) > 0 && !want[n.typ] {
			continue
		}
		out = append(out, n.snapshot())
	}
	sortRegions(out)
	return out
}

func sortRegions(rs []models.Region) {
	sort.Slice(rs, func(i, j int) bool {
		li, lj := rs[i].Type.Level(), rs[j].Type.Level()
		if li != lj {
			return li < lj
		}
		return rs[i].ID < rs[j].ID
	})
}

func (s *RegionStore) GetByType(t models.RegionType) ([]models.Region, error) {
	if !t.Valid() {
		return nil, invalid("type", "unknown region type %q", t)
	}
	return s.List(t), nil
}

// GetChildren returns the children of parentID in insertion order.
func (s *RegionStore) GetChildren(parentID string) ([]models.Region, error) {
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	p, ok := s.nodes[parentID]
	if !ok {
		return nil, notFound("region", parentID)
	}
	out := make([]models.Region, 0, len(p.children))
	for _, cid := range p.children {
		if c, ok := s.nodes[cid]; ok {
			out = append(out, c.snapshot())
		}
	}
	return out, nil
}

// GetContaining returns the regions enclosing pt, most specific first. An
// empty result means the point is unresolved.
func (s *RegionStore) GetContaining(pt models.GeoPoint) ([]models.Region, error) {
	if !geo.ValidPoint(pt) {
		return nil, invalid("location", "coordinates out of range")
	}
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	matches := s.geo.Resolve(pt)
	out := make([]models.Region, 0, len(matches))
	for _, m := range matches {
		if n, ok := s.nodes[m.RegionID]; ok {
			out = append(out, n.snapshot())
		}
	}
	return out, nil
}

// Resolve maps pt to a consistent country/region/district path. The most
// specific enclosing region wins and its ancestors fill the coarser levels.
func (s *RegionStore) Resolve(pt models.GeoPoint) models.LocationResolution {
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	return s.resolveLocked(pt)
}

func (s *RegionStore) resolveLocked(pt models.GeoPoint) models.LocationResolution {
	matches := s.geo.Resolve(pt)
	if len(matches) == 0 {
		return models.LocationResolution{}
	}
	best := geo.Best(matches)
	var res models.LocationResolution
	for id := matches[0].RegionID; id != ""; {
		n, ok := s.nodes[id]
		if !ok {
			break
		}
		switch n.typ {
		case models.RegionTypeDistrict:
			res.DistrictID = id
		case models.RegionTypeRegion:
			res.RegionID = id
		case models.RegionTypeCountry:
			res.CountryID = id
		}
		id = n.parentID
	}
	if r := best[models.RegionTypeRegion]; res.DistrictID != "" && r != "" && r != res.RegionID {
		s.logr.Warn("district lies outside its parent boundary",
			zap.String("district", res.DistrictID), zap.String("parent", res.RegionID), zap.String("geometric", r))
	}
	return res
}

// GetLowRated returns regions of type t with averageSocialRating below
// threshold, optionally only those without important persons.
func (s *RegionStore) GetLowRated(t models.RegionType, threshold float64, withoutImportant bool) ([]models.Region, error) {
	var types []models.RegionType
	if t != "" {
		if !t.Valid() {
			return nil, invalid("type", "unknown region type %q", t)
		}
		types = append(types, t)
	}
	out := []models.Region{}
	for _, r := range s.List(types...) {
		if r.AverageSocialRating >= threshold {
			continue
		}
		if withoutImportant && r.ImportantPersonsCount > 0 {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *RegionStore) GetUnderThreat(t models.RegionType) ([]models.Region, error) {
	var types []models.RegionType
	if t != "" {
		if !t.Valid() {
			return nil, invalid("type", "unknown region type %q", t)
		}
		types = append(types, t)
	}
	out := []models.Region{}
	for _, r := range s.List(types...) {
		if r.UnderThreat {
			out = append(out, r)
		}
	}
	return out, nil
}

// MarkUnderThreat sets the threat flag. Setting the current value is a no-op.
func (s *RegionStore) MarkUnderThreat(ctx context.Context, id string, threat bool) (models.Region, error) {
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return models.Region{}, notFound("region", id)
	}
	path := s.lockPath(id)
	defer unlockNodes(path)

	if n.region.UnderThreat == threat {
		return n.region.Clone(), nil
	}
	t := s.newTxn("mark_under_threat", path)
	t.stage(id).UnderThreat = threat
	if err := t.commit(ctx, nil); err != nil {
		return models.Region{}, err
	}
	return n.region.Clone(), nil
}

// DestroyRegion zeroes the region and its whole subtree, marks them destroyed
// and under threat, and bubbles the change to the root. A non-nil launch is
// stored in the same commit. beforePublish runs after the commit and before
// any region delta is published.
func (s *RegionStore) DestroyRegion(ctx context.Context, id string, launch *models.LaunchRecord, beforePublish func()) (models.Region, error) {
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return models.Region{}, notFound("region", id)
	}
	subtree := s.subtreeIDs(id)
	locked := s.lockIDs(append(subtree, s.pathIDs(n.parentID)...))
	defer unlockNodes(locked)

	t := s.newTxn("destroy_region", locked)
	if launch != nil {
		t.launches = append(t.launches, *launch)
	}
	for _, sid := range subtree {
		r := t.stage(sid)
		r.Destroyed = true
		r.UnderThreat = true
		if sn := s.nodes[sid]; sn.typ == models.RegionTypeDistrict {
			for uid := range sn.members {
				t.setMember(sid, uid, nil)
			}
		}
	}
	t.recompute()
	if err := t.commit(ctx, beforePublish); err != nil {
		return models.Region{}, err
	}
	s.logr.Info("region destroyed", zap.String("id", id), zap.Int("subtree", len(subtree)))
	return n.region.Clone(), nil
}

// UpdateStatistics recomputes the subtree of id from its districts and
// bubbles the result to the root.
func (s *RegionStore) UpdateStatistics(ctx context.Context, id string) (models.Region, error) {
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return models.Region{}, notFound("region", id)
	}
	locked := s.lockIDs(append(s.subtreeIDs(id), s.pathIDs(n.parentID)...))
	defer unlockNodes(locked)

	t := s.newTxn("update_statistics", locked)
	t.recompute()
	if err := t.commit(ctx, nil); err != nil {
		return models.Region{}, err
	}
	return n.region.Clone(), nil
}

// RecomputeAll runs UpdateStatistics for every country in parallel.
func (s *RegionStore) RecomputeAll(ctx context.Context) error {
	countries := s.List(models.RegionTypeCountry)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range countries {
		id := c.ID
		g.Go(func() error {
			_, err := s.UpdateStatistics(gctx, id)
			if IsNotFound(err) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// WithRegion runs fn on the committed state of id while holding the lock of
// the node, so no statistics of the region change until fn returns.
func (s *RegionStore) WithRegion(id string, fn func(models.Region) error) error {
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return notFound("region", id)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return fn(n.region.Clone())
}

// Exists reports whether id names a region.
func (s *RegionStore) Exists(id string) bool {
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	_, ok := s.nodes[id]
	return ok
}

// pathIDs lists id and its ancestors. Caller holds treeMu.
func (s *RegionStore) pathIDs(id string) []string {
	var out []string
	for id != "" {
		n, ok := s.nodes[id]
		if !ok {
			break
		}
		out = append(out, id)
		id = n.parentID
	}
	return out
}

func (s *RegionStore) subtreeIDs(id string) []string {
	out := []string{id}
	for i := 0; i < len(out); i++ {
		if n, ok := s.nodes[out[i]]; ok {
			out = append(out, n.children...)
		}
	}
	return out
}

func (s *RegionStore) lockPath(id string) []*regionNode {
	return s.lockIDs(s.pathIDs(id))
}

// lockIDs locks the distinct nodes of ids in the global order.
func (s *RegionStore) lockIDs(ids []string) []*regionNode {
	seen := make(map[string]bool, len(ids))
	uniq := ids[:0:0]
	for _, id := range ids {
		if _, ok := s.nodes[id]; ok && !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	sortBottomUp(uniq, func(id string) int { return s.nodes[id].typ.Level() })
	out := make([]*regionNode, 0, len(uniq))
	for _, id := range uniq {
		n := s.nodes[id]
		n.mu.Lock()
		out = append(out, n)
	}
	return out
}

func unlockNodes(ns []*regionNode) {
	for i := len(ns) - 1; i >= 0; i-- {
		ns[i].mu.Unlock()
	}
}

// Load replaces the in-memory state with persisted rows and recomputes the
// statistics without bumping versions.
func (s *RegionStore) Load(b *Batch) error {
	s.treeMu.Lock()
	defer s.treeMu.Unlock()
	s.usersMu.Lock()
	defer s.usersMu.Unlock()

	s.nodes = make(map[string]*regionNode, len(b.Regions))
	for _, r := range b.Regions {
		if r.ChildIDs == nil {
			r.ChildIDs = []string{}
		}
		s.nodes[r.ID] = newRegionNode(r)
	}
	for id, n := range s.nodes {
		if n.parentID == "" {
			continue
		}
		if _, ok := s.nodes[n.parentID]; !ok {
			s.logr.Warn("region references a missing parent", zap.String("id", id), zap.String("parent", n.parentID))
		}
	}
	for id, n := range s.nodes {
		poly, err := geo.NewPolygon(n.region.Boundary)
		if err != nil {
			s.logr.Warn("stored boundary rejected", zap.String("id", id), zap.Error(err))
			continue
		}
		s.geo.Put(id, n.typ, poly)
	}

	s.users = make(map[string]*userEntry, len(b.Users))
	s.usernames = make(map[string]string, len(b.Users))
	for _, u := range b.Users {
		s.users[u.ID] = &userEntry{user: u}
		s.usernames[strings.ToLower(u.Username)] = u.ID
		if n, ok := s.nodes[u.DistrictID]; ok && !n.region.Destroyed {
			n.members[u.ID] = member{rating: u.SocialRating, important: u.Status.Important()}
		}
	}

	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	t := s.newTxn("load", nil)
	for _, id := range ids {
		t.nodes[id] = s.nodes[id]
	}
	t.recompute()
	for id, r := range t.staged {
		n := s.nodes[id]
		if !r.SameStats(n.region) {
			s.logr.Warn("stored statistics drifted, recomputed", zap.String("id", id))
		}
		n.region.PopulationCount = r.PopulationCount
		n.region.ImportantPersonsCount = r.ImportantPersonsCount
		n.region.AverageSocialRating = r.AverageSocialRating
	}
	s.logr.Info("region store loaded", zap.Int("regions", len(s.nodes)), zap.Int("users", len(s.users)))
	return nil
}
