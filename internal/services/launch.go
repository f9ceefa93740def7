package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/metrics"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
	"go.uber.org/zap"
)

type LaunchConfig struct {
	// Threshold is the rating a region must stay strictly below.
	Threshold  float64
	Cooldown   time.Duration
	ArmDelay   time.Duration
	FlightTime time.Duration
}

// launchSlot serialises the launch workflow of one region.
type launchSlot struct {
	mu       sync.Mutex
	regionID string
	active   *models.LaunchRecord
	history  []models.LaunchRecord
	seq      int64
	failedAt time.Time
	arm      *time.Timer
}

// LaunchCoordinator runs the per-region launch state machine on top of a
// RegionStore.
//
// Lock order: a slot is locked before any RegionStore lock.
type LaunchCoordinator struct {
	cfg     LaunchConfig
	regions *RegionStore
	repo    Repository
	pub     Publisher
	logr    *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	slots  map[string]*launchSlot
	closed bool
	wg     sync.WaitGroup
}

type LaunchOption func(*LaunchCoordinator)

func WithLaunchRepository(r Repository) LaunchOption {
	return func(c *LaunchCoordinator) { c.repo = r }
}

func WithLaunchPublisher(p Publisher) LaunchOption {
	return func(c *LaunchCoordinator) { c.pub = p }
}

func WithLaunchClock(now func() time.Time) LaunchOption {
	return func(c *LaunchCoordinator) { c.now = now }
}

func NewLaunchCoordinator(cfg LaunchConfig, regions *RegionStore, logr *zap.Logger, opts ...LaunchOption) *LaunchCoordinator {
	if logr == nil {
		logr = zap.NewNop()
	}
	c := &LaunchCoordinator{
		cfg:     cfg,
		regions: regions,
		repo:    NopRepository{},
		pub:     nopPublisher{},
		logr:    logr,
		now:     time.Now,
		slots:   make(map[string]*launchSlot),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *LaunchCoordinator) SetPublisher(p Publisher) {
	c.pub = p
}

func (c *LaunchCoordinator) slot(regionID string) *launchSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[regionID]
	if !ok {
		s = &launchSlot{regionID: regionID}
		c.slots[regionID] = s
	}
	return s
}

func (c *LaunchCoordinator) privileged(actorID, action string) error {
	err := c.regions.RequirePrivileged(actorID, action)
	var perr *PermissionError
	if errors.As(err, &perr) {
		metrics.LaunchRejectionsTotal.WithLabelValues("permission").Inc()
	}
	return err
}

func (c *LaunchCoordinator) reject(regionID, reason, detail string) error {
	metrics.LaunchRejectionsTotal.WithLabelValues(reason).Inc()
	c.logr.Info("launch rejected", zap.String("region", regionID), zap.String("reason", reason), zap.String("detail", detail))
	return &EligibilityError{RegionID: regionID, Reason: reason, Detail: detail}
}

// Request opens a launch record for the region. Only IMPORTANT and VIP actors
// may request; eligibility is checked at confirmation.
func (c *LaunchCoordinator) Request(ctx context.Context, regionID, actorID string) (models.LaunchRecord, error) {
	if err := c.privileged(actorID, "request launch"); err != nil {
		return models.LaunchRecord{}, err
	}
	region, err := c.regions.GetByID(regionID)
	if err != nil {
		return models.LaunchRecord{}, err
	}

	s := c.slot(regionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return models.LaunchRecord{}, c.reject(regionID, ReasonAlreadyTargeted, "launch "+string(s.active.State))
	}
	if region.Destroyed {
		return models.LaunchRecord{}, c.reject(regionID, ReasonAlreadyTargeted, "region destroyed")
	}
	now := c.now().UTC()
	if !s.failedAt.IsZero() && now.Sub(s.failedAt) < c.cfg.Cooldown {
		left := c.cfg.Cooldown - now.Sub(s.failedAt)
		return models.LaunchRecord{}, c.reject(regionID, ReasonCoolingDown, "retry in "+left.Round(time.Second).String())
	}

	rec := models.LaunchRecord{
		ID:          uuid.NewString(),
		RegionID:    regionID,
		State:       models.LaunchRequested,
		RequestedBy: actorID,
		RequestedAt: now,
	}
	if err := c.save(ctx, s, rec); err != nil {
		return models.LaunchRecord{}, err
	}
	c.logr.Info("launch requested", zap.String("region", regionID), zap.String("actor", actorID))
	return s.active.Clone(), nil
}

// Confirm re-validates eligibility against the current statistics and arms
// the launch. A failed check moves the record to FAILED and returns an
// EligibilityError.
func (c *LaunchCoordinator) Confirm(ctx context.Context, regionID, actorID string) (models.LaunchRecord, error) {
	if err := c.privileged(actorID, "confirm launch"); err != nil {
		return models.LaunchRecord{}, err
	}

	s := c.slot(regionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || s.active.State != models.LaunchRequested {
		return models.LaunchRecord{}, &TransitionError{RegionID: regionID, From: string(s.state()), Action: "confirm"}
	}

	var denied *EligibilityError
	err := c.regions.WithRegion(regionID, func(r models.Region) error {
		switch {
		case r.Destroyed:
			denied = &EligibilityError{RegionID: regionID, Reason: ReasonAlreadyTargeted, Detail: "region destroyed"}
		case r.AverageSocialRating >= c.cfg.Threshold:
			denied = &EligibilityError{RegionID: regionID, Reason: ReasonRatingTooHigh,
				Detail: fmt.Sprintf("average rating %.2f is not below %.2f", r.AverageSocialRating, c.cfg.Threshold)}
		case r.ImportantPersonsCount > 0:
			denied = &EligibilityError{RegionID: regionID, Reason: ReasonImportantPresent,
				Detail: fmt.Sprintf("%d important persons present", r.ImportantPersonsCount)}
		default:
			// statistics are held still until the record is confirmed
			next := s.active.Clone()
			now := c.now().UTC()
			next.State = models.LaunchConfirmed
			next.ConfirmedBy = actorID
			next.ConfirmedAt = &now
			return c.save(ctx, s, next)
		}
		return nil
	})
	if err != nil && !IsNotFound(err) {
		return models.LaunchRecord{}, err
	}
	if IsNotFound(err) {
		denied = &EligibilityError{RegionID: regionID, Reason: ReasonAlreadyTargeted, Detail: "region no longer exists"}
	}

	if denied != nil {
		if ferr := c.fail(ctx, s, denied.Reason+": "+denied.Detail); ferr != nil {
			return models.LaunchRecord{}, ferr
		}
		return models.LaunchRecord{}, c.reject(regionID, denied.Reason, denied.Detail)
	}

	if c.cfg.ArmDelay <= 0 {
		// CONFIRMED is stored; the caller going away must not strand it
		if err := c.startLocked(context.WithoutCancel(ctx), s); err != nil {
			c.logr.Warn("launch not armed, retrying", zap.String("region", regionID), zap.Error(err))
			c.scheduleArm(s, s.active.ID)
		}
	} else {
		c.scheduleArm(s, s.active.ID)
	}
	return s.active.Clone(), nil
}

// Cancel aborts a REQUESTED or CONFIRMED launch. Only the requester may
// cancel; IN_PROGRESS launches run to completion.
func (c *LaunchCoordinator) Cancel(ctx context.Context, regionID, actorID string) (models.LaunchRecord, error) {
	s := c.slot(regionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == nil || !s.active.State.Cancellable() {
		return models.LaunchRecord{}, &TransitionError{RegionID: regionID, From: string(s.state()), Action: "cancel"}
	}
	if s.active.RequestedBy != actorID {
		return models.LaunchRecord{}, &PermissionError{ActorID: actorID, Action: "cancel a launch requested by another actor"}
	}

	next := s.active.Clone()
	now := c.now().UTC()
	next.State = models.LaunchCancelled
	next.CancelledAt = &now
	if err := c.save(ctx, s, next); err != nil {
		return models.LaunchRecord{}, err
	}
	c.stopArm(s)
	c.logr.Info("launch cancelled", zap.String("region", regionID), zap.String("actor", actorID))
	return next, nil
}

// Get returns the active record of the region, the latest terminal one when
// idle, or a synthetic IDLE record when none exists.
func (c *LaunchCoordinator) Get(regionID string) (models.LaunchRecord, error) {
	c.mu.Lock()
	s, ok := c.slots[regionID]
	c.mu.Unlock()
	if !ok {
		if !c.regions.Exists(regionID) {
			return models.LaunchRecord{}, notFound("region", regionID)
		}
		return models.LaunchRecord{RegionID: regionID, State: models.LaunchIdle}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current(), nil
}

// History returns every record of the region, oldest first.
func (c *LaunchCoordinator) History(regionID string) ([]models.LaunchRecord, error) {
	c.mu.Lock()
	s, ok := c.slots[regionID]
	c.mu.Unlock()
	if !ok {
		if !c.regions.Exists(regionID) {
			return nil, notFound("region", regionID)
		}
		return []models.LaunchRecord{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.LaunchRecord, 0, len(s.history)+1)
	for _, r := range s.history {
		out = append(out, r.Clone())
	}
	if s.active != nil {
		out = append(out, s.active.Clone())
	}
	return out, nil
}

// Latest returns the current record of every region that has one, by region.
func (c *LaunchCoordinator) Latest() []models.LaunchRecord {
	c.mu.Lock()
	slots := make([]*launchSlot, 0, len(c.slots))
	for _, s := range c.slots {
		slots = append(slots, s)
	}
	c.mu.Unlock()

	out := make([]models.LaunchRecord, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		if s.seq > 0 {
			out = append(out, s.current())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegionID < out[j].RegionID })
	return out
}

func (s *launchSlot) current() models.LaunchRecord {
	switch {
	case s.active != nil:
		return s.active.Clone()
	case len(s.history) > 0:
		return s.history[len(s.history)-1].Clone()
	}
	return models.LaunchRecord{RegionID: s.regionID, State: models.LaunchIdle, Version: s.seq}
}

func (s *launchSlot) state() models.LaunchState {
	if s.active == nil {
		return models.LaunchIdle
	}
	return s.active.State
}

// save persists rec as the next version of the slot's stream, then applies
// and publishes it. Caller holds s.mu.
func (c *LaunchCoordinator) save(ctx context.Context, s *launchSlot, rec models.LaunchRecord) error {
	rec.Version = s.seq + 1
	if err := saveWithRetry(ctx, c.repo, Batch{Launches: []models.LaunchRecord{rec}}); err != nil {
		c.logr.Error("launch record not stored", zap.String("region", rec.RegionID), zap.String("state", string(rec.State)), zap.Error(err))
		return fmt.Errorf("store launch record: %w", err)
	}
	c.applyAndPublish(s, rec)
	return nil
}

func (c *LaunchCoordinator) applyAndPublish(s *launchSlot, rec models.LaunchRecord) {
	s.seq = rec.Version
	if rec.State.Terminal() {
		s.active = nil
		s.history = append(s.history, rec)
		if rec.State == models.LaunchFailed && rec.FailedAt != nil {
			s.failedAt = *rec.FailedAt
		}
	} else {
		r := rec
		s.active = &r
	}
	metrics.LaunchTransitionsTotal.WithLabelValues(string(rec.State)).Inc()
	c.pub.Publish(models.Delta{
		Event:      models.EventMissileLaunch,
		EntityType: models.EntityLaunch,
		EntityID:   rec.RegionID,
		Version:    rec.Version,
		Payload:    rec.Clone(),
	})
}

func (c *LaunchCoordinator) fail(ctx context.Context, s *launchSlot, reason string) error {
	next := s.active.Clone()
	now := c.now().UTC()
	next.State = models.LaunchFailed
	next.FailedAt = &now
	next.FailureReason = reason
	c.stopArm(s)
	return c.save(ctx, s, next)
}

// startLocked moves a CONFIRMED record to IN_PROGRESS and launches the
// flight. Caller holds s.mu.
func (c *LaunchCoordinator) startLocked(ctx context.Context, s *launchSlot) error {
	next := s.active.Clone()
	now := c.now().UTC()
	next.State = models.LaunchInProgress
	next.StartedAt = &now
	if err := c.save(ctx, s, next); err != nil {
		return err
	}
	c.flight(s, next.ID)
	return nil
}

// flight completes the launch after the flight time. It has no cancellation
// path.
func (c *LaunchCoordinator) flight(s *launchSlot, recordID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		timer := time.NewTimer(c.cfg.FlightTime)
		defer timer.Stop()
		<-timer.C
		c.complete(s, recordID)
	}()
}

// scheduleArm moves the record to IN_PROGRESS after the arm delay. Caller
// holds s.mu.
func (c *LaunchCoordinator) scheduleArm(s *launchSlot, recordID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(c.cfg.ArmDelay, func() {
		defer c.wg.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.arm == t {
			s.arm = nil
		}
		if s.active == nil || s.active.ID != recordID || s.active.State != models.LaunchConfirmed {
			return
		}
		if err := c.startLocked(context.Background(), s); err != nil {
			c.logr.Error("launch not armed", zap.String("region", s.regionID), zap.Error(err))
		}
	})
	s.arm = t
}

// stopArm cancels a pending arm timer. Caller holds s.mu.
func (c *LaunchCoordinator) stopArm(s *launchSlot) {
	if s.arm != nil && s.arm.Stop() {
		c.wg.Done()
	}
	s.arm = nil
}

func (c *LaunchCoordinator) complete(s *launchSlot, recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.ID != recordID || s.active.State != models.LaunchInProgress {
		return
	}
	ctx := context.Background()

	next := s.active.Clone()
	now := c.now().UTC()
	next.State = models.LaunchCompleted
	next.CompletedAt = &now
	next.Version = s.seq + 1

	_, err := c.regions.DestroyRegion(ctx, s.regionID, &next, func() {
		c.applyAndPublish(s, next)
	})
	if err != nil {
		reason := "strike failed: " + err.Error()
		if IsNotFound(err) {
			reason = "region no longer exists"
		}
		c.logr.Error("launch failed in flight", zap.String("region", s.regionID), zap.Error(err))
		if ferr := c.fail(ctx, s, reason); ferr != nil {
			c.logr.Error("launch failure not stored", zap.String("region", s.regionID), zap.Error(ferr))
		}
		return
	}
	if _, err := c.regions.MarkUnderThreat(ctx, s.regionID, true); err != nil {
		c.logr.Warn("threat flag not set", zap.String("region", s.regionID), zap.Error(err))
	}
	c.logr.Info("launch completed", zap.String("region", s.regionID))
}

// Load restores slots from stored records and resumes launches that were in
// flight or armed.
func (c *LaunchCoordinator) Load(records []models.LaunchRecord) {
	byRegion := make(map[string][]models.LaunchRecord)
	for _, r := range records {
		byRegion[r.RegionID] = append(byRegion[r.RegionID], r)
	}
	for regionID, recs := range byRegion {
		sort.Slice(recs, func(i, j int) bool { return recs[i].Version < recs[j].Version })
		s := c.slot(regionID)
		s.mu.Lock()
		// a record is stored once per transition; keep the newest state of each
		latest := make(map[string]models.LaunchRecord)
		var order []string
		for _, r := range recs {
			if _, seen := latest[r.ID]; !seen {
				order = append(order, r.ID)
			}
			latest[r.ID] = r
			s.seq = r.Version
		}
		for _, id := range order {
			r := latest[id]
			if r.State.Terminal() {
				s.history = append(s.history, r)
				if r.State == models.LaunchFailed && r.FailedAt != nil {
					s.failedAt = *r.FailedAt
				}
				continue
			}
			rr := r
			s.active = &rr
		}
		if s.active != nil {
			switch s.active.State {
			case models.LaunchInProgress:
				c.flight(s, s.active.ID)
			case models.LaunchConfirmed:
				c.scheduleArm(s, s.active.ID)
			}
		}
		s.mu.Unlock()
	}
}

// Shutdown stops pending arm timers and waits for launches in flight.
func (c *LaunchCoordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	slots := make([]*launchSlot, 0, len(c.slots))
	for _, s := range c.slots {
		slots = append(slots, s)
	}
	c.mu.Unlock()

	for _, s := range slots {
		s.mu.Lock()
		c.stopArm(s)
		s.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
