package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/ta4ilka69/distributed-data-storage-systems/internal/metrics"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
	"go.uber.org/zap"
)

// regionTxn stages a mutation of locked region nodes and users. Nothing is
// visible to readers until commit has persisted the batch.
type regionTxn struct {
	s  *RegionStore
	op string

	nodes   map[string]*regionNode // locked or newly created
	created map[string]bool
	staged  map[string]*models.Region
	dirty   map[string]bool
	members map[string]map[string]*member // district id -> user id -> nil to remove

	launches   []models.LaunchRecord
	users      []*stagedUser
	userEvent  string
	regionDels []models.Region
}

type stagedUser struct {
	entry  *userEntry
	next   models.User
	remove bool
}

func (s *RegionStore) newTxn(op string, nodes []*regionNode) *regionTxn {
	t := &regionTxn{
		s:         s,
		op:        op,
		nodes:     make(map[string]*regionNode, len(nodes)),
		created:   make(map[string]bool),
		staged:    make(map[string]*models.Region, len(nodes)),
		dirty:     make(map[string]bool),
		members:   make(map[string]map[string]*member),
		userEvent: models.EventUserLocationUpdate,
	}
	for _, n := range nodes {
		t.nodes[n.id] = n
	}
	return t
}

// stage returns the working copy of a locked node.
func (t *regionTxn) stage(id string) *models.Region {
	if r, ok := t.staged[id]; ok {
		return r
	}
	n, ok := t.nodes[id]
	if !ok {
		panic(fmt.Sprintf("region %s staged without its lock", id))
	}
	r := n.region.Clone()
	t.staged[id] = &r
	return &r
}

// edit marks a node as changed beyond its statistics.
func (t *regionTxn) edit(id string) *models.Region {
	t.dirty[id] = true
	return t.stage(id)
}

func (t *regionTxn) create(n *regionNode) {
	t.nodes[n.id] = n
	t.created[n.id] = true
	r := n.region.Clone()
	t.staged[n.id] = &r
	t.dirty[n.id] = true
}

func (t *regionTxn) setMember(districtID, userID string, m *member) {
	if districtID == "" {
		return
	}
	ch, ok := t.members[districtID]
	if !ok {
		ch = make(map[string]*member)
		t.members[districtID] = ch
	}
	ch[userID] = m
}

func (t *regionTxn) putUser(e *userEntry, next models.User) {
	t.users = append(t.users, &stagedUser{entry: e, next: next})
}

func (t *regionTxn) dropUser(e *userEntry) {
	t.users = append(t.users, &stagedUser{entry: e, next: e.user, remove: true})
}

// region returns the staged copy if there is one, the committed state otherwise.
// The caller must hold the lock of id or of one of its ancestors.
func (t *regionTxn) region(id string) *models.Region {
	if r, ok := t.staged[id]; ok {
		return r
	}
	if n, ok := t.s.nodes[id]; ok {
		return &n.region
	}
	return nil
}

// recompute rebuilds the statistics of every locked node, leaves first.
func (t *regionTxn) recompute() {
	ids := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		if _, removed := t.regionDelIdx(id); !removed {
			ids = append(ids, id)
		}
	}
	sortBottomUp(ids, func(id string) int { return t.nodes[id].typ.Level() })
	for _, id := range ids {
		r := t.stage(id)
		if r.Type == models.RegionTypeDistrict {
			aggregateDistrict(r, t.nodes[id].members, t.members[id])
		} else {
			t.aggregateChildren(r)
		}
	}
}

func (t *regionTxn) regionDelIdx(id string) (int, bool) {
	for i, r := range t.regionDels {
		if r.ID == id {
			return i, true
		}
	}
	return -1, false
}

func (t *regionTxn) aggregateChildren(r *models.Region) {
	if r.Destroyed {
		zeroStats(r)
		return
	}
	var pop, important int64
	var weighted float64
	for _, cid := range r.ChildIDs {
		c := t.region(cid)
		if c == nil {
			continue
		}
		pop += c.PopulationCount
		important += c.ImportantPersonsCount
		weighted += float64(c.PopulationCount) * c.AverageSocialRating
	}
	r.PopulationCount = pop
	r.ImportantPersonsCount = important
	r.AverageSocialRating = 0
	if pop > 0 {
		r.AverageSocialRating = weighted / float64(pop)
	}
}

// aggregateDistrict computes exact district statistics over its baseline and
// registered members, with pending member changes applied.
func aggregateDistrict(r *models.Region, members map[string]member, changes map[string]*member) {
	if r.Destroyed {
		zeroStats(r)
		return
	}
	var pop, important int64
	var sum float64
	if b := r.Baseline; b != nil {
		pop = b.Population
		important = b.ImportantPersons
		sum = b.AverageSocialRating * float64(b.Population)
	}
	for id, m := range members {
		if _, changed := changes[id]; changed {
			continue
		}
		pop++
		sum += m.rating
		if m.important {
			important++
		}
	}
	for _, m := range changes {
		if m == nil {
			continue
		}
		pop++
		sum += m.rating
		if m.important {
			important++
		}
	}
	r.PopulationCount = pop
	r.ImportantPersonsCount = important
	r.AverageSocialRating = 0
	if pop > 0 {
		r.AverageSocialRating = sum / float64(pop)
	}
}

func zeroStats(r *models.Region) {
	r.PopulationCount = 0
	r.ImportantPersonsCount = 0
	r.AverageSocialRating = 0
}

// commit persists the staged changes, applies them and publishes deltas in
// order: users, beforePublish, then regions leaves first. It must run with
// every staged node and user locked.
func (t *regionTxn) commit(ctx context.Context, beforePublish func()) error {
	now := t.s.now().UTC()

	var changed []*models.Region
	for id, r := range t.staged {
		n := t.nodes[id]
		if !t.dirty[id] && !t.created[id] && r.SameStats(n.region) {
			continue
		}
		r.Version = n.region.Version + 1
		if t.created[id] {
			r.Version = 1
		}
		r.UpdatedAt = now
		changed = append(changed, r)
	}
	sort.Slice(changed, func(i, j int) bool {
		li, lj := changed[i].Type.Level(), changed[j].Type.Level()
		if li != lj {
			return li > lj
		}
		return changed[i].ID < changed[j].ID
	})

	batch := Batch{Launches: t.launches}
	for _, r := range changed {
		batch.Regions = append(batch.Regions, *r)
	}
	for i := range t.regionDels {
		batch.DeletedRegionIDs = append(batch.DeletedRegionIDs, t.regionDels[i].ID)
	}
	for _, su := range t.users {
		if su.remove {
			batch.DeletedUserIDs = append(batch.DeletedUserIDs, su.next.ID)
			continue
		}
		su.next.Version = su.entry.user.Version + 1
		if su.entry.fresh {
			su.next.Version = 1
		}
		batch.Users = append(batch.Users, su.next)
	}

	if err := saveWithRetry(ctx, t.s.repo, batch); err != nil {
		metrics.RegionCommitFailuresTotal.Inc()
		t.s.logr.Error("region store commit failed", zap.String("op", t.op), zap.Error(err))
		return fmt.Errorf("%s: persist: %w", t.op, err)
	}

	// apply
	for _, r := range changed {
		t.nodes[r.ID].region = *r
	}
	for did, ch := range t.members {
		n, ok := t.nodes[did]
		if !ok {
			continue
		}
		for uid, m := range ch {
			if m == nil {
				delete(n.members, uid)
			} else {
				n.members[uid] = *m
			}
		}
	}
	for _, su := range t.users {
		su.entry.fresh = false
		if su.remove {
			su.entry.deleted = true
			continue
		}
		su.entry.user = su.next
	}
	metrics.RegionMutationsTotal.WithLabelValues(t.op).Inc()

	// publish
	for _, su := range t.users {
		if su.remove {
			t.s.pub.Publish(models.Delta{
				Event:      t.userEvent,
				EntityType: models.EntityUser,
				EntityID:   su.next.ID,
				Version:    su.next.Version + 1,
				Payload:    map[string]any{"id": su.next.ID, "deleted": true},
			})
			continue
		}
		t.s.pub.Publish(models.Delta{
			Event:      t.userEvent,
			EntityType: models.EntityUser,
			EntityID:   su.next.ID,
			Version:    su.next.Version,
			Payload:    su.next.Clone(),
		})
	}
	if beforePublish != nil {
		beforePublish()
	}
	for _, r := range t.regionDels {
		t.s.pub.Publish(models.Delta{
			Event:      models.EventRegionStatusUpdate,
			EntityType: models.EntityRegion,
			EntityID:   r.ID,
			Version:    r.Version + 1,
			Payload:    map[string]any{"id": r.ID, "deleted": true},
		})
	}
	for _, r := range changed {
		t.s.pub.Publish(models.Delta{
			Event:      models.EventRegionStatusUpdate,
			EntityType: models.EntityRegion,
			EntityID:   r.ID,
			Version:    r.Version,
			Payload:    r.Clone(),
		})
	}
	return nil
}

// sortBottomUp orders ids by level descending, then id. This is the global
// region lock order.
func sortBottomUp(ids []string, level func(string) int) {
	sort.Slice(ids, func(i, j int) bool {
		li, lj := level(ids[i]), level(ids[j])
		if li != lj {
			return li > lj
		}
		return ids[i] < ids[j]
	})
}
