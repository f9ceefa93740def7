package realtime

import "github.com/ta4ilka69/distributed-data-storage-systems/internal/models"

type Verdict int

const (
	// Apply: the delta is the next version of its stream.
	Apply Verdict = iota
	// Stale: the version was already seen.
	Stale
	// Gap: versions are missing; the entity needs a resync.
	Gap
)

func (v Verdict) String() string {
	switch v {
	case Apply:
		return "apply"
	case Stale:
		return "stale"
	}
	return "gap"
}

// VersionTracker holds the last version seen per entity stream. Streams
// never seen start at version zero. It is not safe for concurrent use.
type VersionTracker struct {
	seen map[string]int64
}

func NewVersionTracker() *VersionTracker {
	return &VersionTracker{seen: make(map[string]int64)}
}

// Seed records version as the state of the entity, e.g. from a snapshot.
func (t *VersionTracker) Seed(e Entity) {
	key := models.StreamKey(e.EntityType, e.EntityID)
	if e.Deleted {
		delete(t.seen, key)
		return
	}
	t.seen[key] = e.Version
}

func (t *VersionTracker) Check(d models.Delta) Verdict {
	last, known := t.seen[d.StreamKey()]
	if !known && Deletion(d) {
		return Stale
	}
	switch {
	case d.Version == last+1:
		return Apply
	case d.Version <= last:
		return Stale
	}
	return Gap
}

// Observe records d as delivered. A deletion forgets the stream so a later
// entity with the same id starts over at version 1.
func (t *VersionTracker) Observe(d models.Delta) {
	if Deletion(d) {
		delete(t.seen, d.StreamKey())
		return
	}
	t.seen[d.StreamKey()] = d.Version
}

// Deletion reports whether d removes its entity.
func Deletion(d models.Delta) bool {
	m, ok := d.Payload.(map[string]any)
	if !ok {
		return false
	}
	del, _ := m["deleted"].(bool)
	return del
}

func (t *VersionTracker) Last(et models.EntityType, id string) int64 {
	return t.seen[models.StreamKey(et, id)]
}

func (t *VersionTracker) Reset() {
	t.seen = make(map[string]int64)
}
