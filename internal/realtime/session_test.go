package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
)

func TestSessionSnapshotThenDeltas(t *testing.T) {
	hub := NewHub(16, nil)
	defer hub.Close()
	src := newFakeSource(region("A", 3), region("B", 1))
	fc, _, _, _ := runSession(t, hub, src)

	env := fc.next(t)
	require.Equal(t, MsgSnapshot, env.T)
	snap := decodeSnapshot(t, env)
	assert.Equal(t, CauseConnect, snap.Cause)
	require.Len(t, snap.Entities, 2)
	assert.Equal(t, "A", snap.Entities[0].EntityID)
	assert.EqualValues(t, 3, snap.Entities[0].Version)

	// already in the snapshot
	hub.Publish(regionDelta("A", 3))
	hub.Publish(regionDelta("A", 4))
	d := decodeDelta(t, fc.next(t))
	assert.Equal(t, "A", d.EntityID)
	assert.EqualValues(t, 4, d.Version)

	// new entity
	hub.Publish(models.Delta{Event: models.EventUserLocationUpdate, EntityType: models.EntityUser, EntityID: "u9", Version: 1, Payload: map[string]any{"id": "u9"}})
	d = decodeDelta(t, fc.next(t))
	assert.Equal(t, models.EntityUser, d.EntityType)
	assert.Equal(t, models.EventUserLocationUpdate, d.Event)
	fc.quiet(t)
}

func TestSessionGapTriggersEntityResync(t *testing.T) {
	hub := NewHub(16, nil)
	defer hub.Close()
	src := newFakeSource(region("A", 3))
	fc, _, _, _ := runSession(t, hub, src)
	fc.next(t)

	src.set(region("A", 6))
	hub.Publish(regionDelta("A", 6))

	env := fc.next(t)
	require.Equal(t, MsgResync, env.T)
	snap := decodeSnapshot(t, env)
	assert.Equal(t, CauseGap, snap.Cause)
	require.Len(t, snap.Entities, 1)
	assert.EqualValues(t, 6, snap.Entities[0].Version)

	hub.Publish(regionDelta("A", 7))
	assert.EqualValues(t, 7, decodeDelta(t, fc.next(t)).Version)
}

func TestSessionOverflowForcesSnapshot(t *testing.T) {
	hub := NewHub(2, nil)
	defer hub.Close()
	src := newFakeSource(region("A", 4))

	// queue overflows before the session starts draining
	sub := hub.Register("u1")
	for v := int64(2); v <= 4; v++ {
		hub.Publish(regionDelta("A", v))
	}
	fc := newFakeConn()
	sess := NewSession(sub, src, fc, nil)
	done := make(chan error, 1)
	go func() { done <- sess.Run(t.Context()) }()

	assert.Equal(t, CauseConnect, decodeSnapshot(t, fc.next(t)).Cause)
	env := fc.next(t)
	require.Equal(t, MsgSnapshot, env.T)
	assert.Equal(t, CauseOverflow, decodeSnapshot(t, env).Cause)

	// queued deltas are covered by the snapshot
	hub.Publish(regionDelta("A", 5))
	assert.EqualValues(t, 5, decodeDelta(t, fc.next(t)).Version)

	hub.Unregister(sub)
	require.NoError(t, <-done)
}

func TestSessionDeletionAndRecreate(t *testing.T) {
	hub := NewHub(16, nil)
	defer hub.Close()
	fc, _, _, _ := runSession(t, hub, newFakeSource(region("A", 2)))
	fc.next(t)

	hub.Publish(models.Delta{EntityType: models.EntityRegion, EntityID: "A", Version: 3, Payload: map[string]any{"id": "A", "deleted": true}})
	assert.EqualValues(t, 3, decodeDelta(t, fc.next(t)).Version)

	hub.Publish(regionDelta("A", 1))
	assert.EqualValues(t, 1, decodeDelta(t, fc.next(t)).Version)
}

func TestSessionClientResync(t *testing.T) {
	hub := NewHub(16, nil)
	defer hub.Close()
	src := newFakeSource(region("A", 2), Entity{EntityType: models.EntityDepot, EntityID: "D", Version: 1})
	fc, sess, _, _ := runSession(t, hub, src)
	fc.next(t)

	require.True(t, sess.RequestResync(ResyncRequest{EntityType: models.EntityRegion, EntityID: "A"}))
	env := fc.next(t)
	require.Equal(t, MsgResync, env.T)
	snap := decodeSnapshot(t, env)
	assert.Equal(t, CauseClient, snap.Cause)
	require.Len(t, snap.Entities, 1)
	assert.Equal(t, "A", snap.Entities[0].EntityID)

	require.True(t, sess.RequestResync(ResyncRequest{EntityType: models.EntityDepot}))
	snap = decodeSnapshot(t, fc.next(t))
	require.Len(t, snap.Entities, 1)
	assert.Equal(t, models.EntityDepot, snap.Entities[0].EntityType)

	require.True(t, sess.RequestResync(ResyncRequest{EntityType: models.EntityRegion, EntityID: "gone"}))
	snap = decodeSnapshot(t, fc.next(t))
	require.Len(t, snap.Entities, 1)
	assert.True(t, snap.Entities[0].Deleted)

	require.True(t, sess.RequestResync(ResyncRequest{}))
	env = fc.next(t)
	require.Equal(t, MsgSnapshot, env.T)
	assert.Len(t, decodeSnapshot(t, env).Entities, 2)
}

func TestSessionEndsWhenUnsubscribed(t *testing.T) {
	hub := NewHub(16, nil)
	defer hub.Close()
	fc, _, sub, done := runSession(t, hub, newFakeSource())
	fc.next(t)

	hub.Unregister(sub)
	require.NoError(t, <-done)
}
