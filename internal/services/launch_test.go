package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
)

type launchFixture struct {
	*fixture
	coord *LaunchCoordinator
	clock *fakeClock
	vip   models.User
}

func newLaunchFixture(t *testing.T, cfg LaunchConfig) *launchFixture {
	t.Helper()
	if cfg.Threshold == 0 {
		cfg.Threshold = 30
	}
	f := newFixture(t)
	clock := newFakeClock()
	coord := NewLaunchCoordinator(cfg, f.store, nil,
		WithLaunchRepository(f.repo), WithLaunchPublisher(f.pub), WithLaunchClock(clock.Now))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, coord.Shutdown(ctx))
	})
	vip := f.user(t, "commander", models.UserStatusVIP, 90, nil)
	f.pub.reset()
	return &launchFixture{fixture: f, coord: coord, clock: clock, vip: vip}
}

func (lf *launchFixture) waitState(t *testing.T, regionID string, want models.LaunchState) models.LaunchRecord {
	t.Helper()
	var rec models.LaunchRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = lf.coord.Get(regionID)
		return err == nil && rec.State == want
	}, 2*time.Second, 5*time.Millisecond)
	return rec
}

func TestLaunchEndToEnd(t *testing.T) {
	lf := newLaunchFixture(t, LaunchConfig{FlightTime: 10 * time.Millisecond})
	ctx := context.Background()

	rec, err := lf.coord.Request(ctx, "D1", lf.vip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LaunchRequested, rec.State)

	rec, err = lf.coord.Confirm(ctx, "D1", lf.vip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LaunchInProgress, rec.State)
	assert.Equal(t, lf.vip.ID, rec.ConfirmedBy)

	done := lf.waitState(t, "D1", models.LaunchCompleted)
	assert.NotNil(t, done.CompletedAt)

	d1 := lf.region(t, "D1")
	assert.Zero(t, d1.PopulationCount)
	assert.Zero(t, d1.AverageSocialRating)
	assert.True(t, d1.UnderThreat)
	assert.True(t, d1.Destroyed)

	r := lf.region(t, "R")
	assert.EqualValues(t, 3000, r.PopulationCount)
	assert.InDelta(t, 50, r.AverageSocialRating, 1e-9)

	var got []string
	for _, d := range lf.pub.all() {
		switch d.EntityType {
		case models.EntityLaunch:
			got = append(got, string(d.Payload.(models.LaunchRecord).State))
		case models.EntityRegion:
			got = append(got, "region:"+d.EntityID)
		}
	}
	assert.Equal(t, []string{
		"REQUESTED", "CONFIRMED", "IN_PROGRESS", "COMPLETED",
		"region:D1", "region:R", "region:C",
	}, got)

	// the COMPLETED record is stored with the destruction
	var stored []models.LaunchState
	for _, l := range lf.repo.storedLaunches() {
		stored = append(stored, l.State)
	}
	assert.Equal(t, []models.LaunchState{models.LaunchRequested, models.LaunchConfirmed, models.LaunchInProgress, models.LaunchCompleted}, stored)

	_, err = lf.coord.Request(ctx, "D1", lf.vip.ID)
	var elig *EligibilityError
	require.ErrorAs(t, err, &elig)
	assert.Equal(t, ReasonAlreadyTargeted, elig.Reason)
}

func TestLaunchVersionsArePerRegion(t *testing.T) {
	lf := newLaunchFixture(t, LaunchConfig{ArmDelay: time.Hour})
	ctx := context.Background()

	_, err := lf.coord.Request(ctx, "D1", lf.vip.ID)
	require.NoError(t, err)
	_, err = lf.coord.Cancel(ctx, "D1", lf.vip.ID)
	require.NoError(t, err)
	rec, err := lf.coord.Request(ctx, "D1", lf.vip.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, rec.Version)

	other, err := lf.coord.Request(ctx, "D2", lf.vip.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, other.Version)

	hist, err := lf.coord.History("D1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, models.LaunchCancelled, hist[0].State)
	assert.Equal(t, models.LaunchRequested, hist[1].State)
	assert.Len(t, lf.coord.Latest(), 2)
}

func TestEligibilityRace(t *testing.T) {
	lf := newLaunchFixture(t, LaunchConfig{Cooldown: time.Minute})
	ctx := context.Background()

	_, err := lf.coord.Request(ctx, "D1", lf.vip.ID)
	require.NoError(t, err)

	// rating rises to 40 between request and confirm
	_, err = lf.store.UpdateRegion(ctx, "D1", 0, models.RegionPatch{
		Baseline: &models.DistrictBaseline{Population: 1000, AverageSocialRating: 40},
	})
	require.NoError(t, err)

	_, err = lf.coord.Confirm(ctx, "D1", lf.vip.ID)
	var elig *EligibilityError
	require.ErrorAs(t, err, &elig)
	assert.Equal(t, ReasonRatingTooHigh, elig.Reason)

	rec, err := lf.coord.Get("D1")
	require.NoError(t, err)
	assert.Equal(t, models.LaunchFailed, rec.State)
	assert.NotEmpty(t, rec.FailureReason)
	assert.False(t, lf.region(t, "D1").Destroyed)

	_, err = lf.coord.Request(ctx, "D1", lf.vip.ID)
	require.ErrorAs(t, err, &elig)
	assert.Equal(t, ReasonCoolingDown, elig.Reason)

	lf.clock.Advance(2 * time.Minute)
	rec, err = lf.coord.Request(ctx, "D1", lf.vip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LaunchRequested, rec.State)
}

func TestImportantPersonBlocksConfirm(t *testing.T) {
	lf := newLaunchFixture(t, LaunchConfig{})
	ctx := context.Background()
	lf.user(t, "minister", models.UserStatusImportant, 10, &insideD1)

	_, err := lf.coord.Request(ctx, "D1", lf.vip.ID)
	require.NoError(t, err)
	_, err = lf.coord.Confirm(ctx, "D1", lf.vip.ID)
	var elig *EligibilityError
	require.ErrorAs(t, err, &elig)
	assert.Equal(t, ReasonImportantPresent, elig.Reason)
}

func TestLaunchIrreversibleInFlight(t *testing.T) {
	lf := newLaunchFixture(t, LaunchConfig{FlightTime: 100 * time.Millisecond})
	ctx := context.Background()

	_, err := lf.coord.Request(ctx, "D1", lf.vip.ID)
	require.NoError(t, err)
	_, err = lf.coord.Confirm(ctx, "D1", lf.vip.ID)
	require.NoError(t, err)

	_, err = lf.coord.Cancel(ctx, "D1", lf.vip.ID)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, string(models.LaunchInProgress), terr.From)

	_, err = lf.coord.Confirm(ctx, "D1", lf.vip.ID)
	require.ErrorAs(t, err, &terr)

	lf.waitState(t, "D1", models.LaunchCompleted)
}

func TestCancelRules(t *testing.T) {
	lf := newLaunchFixture(t, LaunchConfig{ArmDelay: time.Hour})
	ctx := context.Background()
	other := lf.user(t, "general", models.UserStatusImportant, 70, nil)

	_, err := lf.coord.Request(ctx, "D1", lf.vip.ID)
	require.NoError(t, err)
	rec, err := lf.coord.Confirm(ctx, "D1", other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LaunchConfirmed, rec.State)

	_, err = lf.coord.Cancel(ctx, "D1", other.ID)
	var perr *PermissionError
	require.ErrorAs(t, err, &perr)

	rec, err = lf.coord.Cancel(ctx, "D1", lf.vip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LaunchCancelled, rec.State)
	assert.NotNil(t, rec.CancelledAt)

	_, err = lf.coord.Cancel(ctx, "D1", lf.vip.ID)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, string(models.LaunchIdle), terr.From)

	// cancellation does not start a cooldown
	_, err = lf.coord.Request(ctx, "D1", lf.vip.ID)
	require.NoError(t, err)
}

func TestRequestRules(t *testing.T) {
	lf := newLaunchFixture(t, LaunchConfig{ArmDelay: time.Hour})
	ctx := context.Background()
	regular := lf.user(t, "citizen", models.UserStatusRegular, 70, nil)

	var perr *PermissionError
	_, err := lf.coord.Request(ctx, "D1", regular.ID)
	assert.ErrorAs(t, err, &perr)
	_, err = lf.coord.Request(ctx, "D1", "ghost")
	assert.ErrorAs(t, err, &perr)
	_, err = lf.coord.Request(ctx, "nope", lf.vip.ID)
	assert.True(t, IsNotFound(err))

	_, err = lf.coord.Confirm(ctx, "D1", lf.vip.ID)
	var terr *TransitionError
	assert.ErrorAs(t, err, &terr)

	_, err = lf.coord.Request(ctx, "D1", lf.vip.ID)
	require.NoError(t, err)
	_, err = lf.coord.Request(ctx, "D1", lf.vip.ID)
	var elig *EligibilityError
	require.ErrorAs(t, err, &elig)
	assert.Equal(t, ReasonAlreadyTargeted, elig.Reason)

	idle, err := lf.coord.Get("D2")
	require.NoError(t, err)
	assert.Equal(t, models.LaunchIdle, idle.State)
	_, err = lf.coord.Get("nope")
	assert.True(t, IsNotFound(err))
}

func TestArmDelay(t *testing.T) {
	lf := newLaunchFixture(t, LaunchConfig{ArmDelay: 20 * time.Millisecond, FlightTime: 10 * time.Millisecond})
	ctx := context.Background()

	_, err := lf.coord.Request(ctx, "D1", lf.vip.ID)
	require.NoError(t, err)
	rec, err := lf.coord.Confirm(ctx, "D1", lf.vip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LaunchConfirmed, rec.State)

	lf.waitState(t, "D1", models.LaunchCompleted)
}

// cancelOnConfirm fails saves once ctx is done and cancels the caller's
// context right after the CONFIRMED record is stored.
type cancelOnConfirm struct {
	*memRepo
	cancel context.CancelFunc
}

func (r cancelOnConfirm) SaveBatch(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.memRepo.SaveBatch(ctx, b); err != nil {
		return err
	}
	for _, l := range b.Launches {
		if l.State == models.LaunchConfirmed {
			r.cancel()
		}
	}
	return nil
}

func TestConfirmSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	vip := f.user(t, "commander", models.UserStatusVIP, 90, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := NewLaunchCoordinator(LaunchConfig{Threshold: 30, FlightTime: 5 * time.Millisecond}, f.store, nil,
		WithLaunchRepository(cancelOnConfirm{memRepo: f.repo, cancel: cancel}))
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		require.NoError(t, coord.Shutdown(sctx))
	})

	_, err := coord.Request(ctx, "D1", vip.ID)
	require.NoError(t, err)
	rec, err := coord.Confirm(ctx, "D1", vip.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LaunchInProgress, rec.State)
	assert.Error(t, ctx.Err())

	require.Eventually(t, func() bool {
		cur, err := coord.Get("D1")
		return err == nil && cur.State == models.LaunchCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStrikingNonLeafDestroysSubtree(t *testing.T) {
	lf := newLaunchFixture(t, LaunchConfig{Threshold: 60, FlightTime: 5 * time.Millisecond})
	ctx := context.Background()

	_, err := lf.coord.Request(ctx, "R", lf.vip.ID)
	require.NoError(t, err)
	_, err = lf.coord.Confirm(ctx, "R", lf.vip.ID)
	var elig *EligibilityError
	require.ErrorAs(t, err, &elig)
	assert.Equal(t, ReasonImportantPresent, elig.Reason)

	_, err = lf.store.UpdateRegion(ctx, "D2", 0, models.RegionPatch{Baseline: &models.DistrictBaseline{Population: 3000, AverageSocialRating: 50}})
	require.NoError(t, err)
	_, err = lf.coord.Request(ctx, "R", lf.vip.ID)
	require.NoError(t, err)
	_, err = lf.coord.Confirm(ctx, "R", lf.vip.ID)
	require.NoError(t, err)
	lf.waitState(t, "R", models.LaunchCompleted)

	for _, id := range []string{"R", "D1", "D2"} {
		r := lf.region(t, id)
		assert.True(t, r.Destroyed, id)
		assert.Zero(t, r.PopulationCount, id)
	}
	assert.Zero(t, lf.region(t, "C").PopulationCount)
}

func TestFlightFailsWhenRegionDeleted(t *testing.T) {
	lf := newLaunchFixture(t, LaunchConfig{FlightTime: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := lf.coord.Request(ctx, "D1", lf.vip.ID)
	require.NoError(t, err)
	_, err = lf.coord.Confirm(ctx, "D1", lf.vip.ID)
	require.NoError(t, err)
	require.NoError(t, lf.store.DeleteRegion(ctx, "D1"))

	rec := lf.waitState(t, "D1", models.LaunchFailed)
	assert.Equal(t, "region no longer exists", rec.FailureReason)
}

func TestLoadResumesFlight(t *testing.T) {
	lf := newLaunchFixture(t, LaunchConfig{FlightTime: 5 * time.Millisecond})
	started := lf.clock.Now()
	lf.coord.Load([]models.LaunchRecord{
		{ID: "l1", RegionID: "D1", State: models.LaunchRequested, RequestedBy: lf.vip.ID, Version: 1},
		{ID: "l1", RegionID: "D1", State: models.LaunchConfirmed, RequestedBy: lf.vip.ID, Version: 2},
		{ID: "l1", RegionID: "D1", State: models.LaunchInProgress, RequestedBy: lf.vip.ID, StartedAt: &started, Version: 3},
	})

	rec := lf.waitState(t, "D1", models.LaunchCompleted)
	assert.EqualValues(t, 4, rec.Version)
	assert.True(t, lf.region(t, "D1").Destroyed)
}
