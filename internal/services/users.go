package services

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/geo"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
	"go.uber.org/zap"
)

// NewUser is the input of CreateUser. PasswordHash is already hashed.
type NewUser struct {
	FullName     string
	Username     string
	PasswordHash string
	Status       models.UserStatus
	SocialRating float64
	Location     *models.GeoPoint
}

func (s *RegionStore) CreateUser(ctx context.Context, in NewUser) (models.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		return models.User{}, invalid("username", "required")
	}
	if in.Status == "" {
		in.Status = models.UserStatusRegular
	}
	if !in.Status.Valid() {
		return models.User{}, invalid("status", "unknown status %q", in.Status)
	}
	if math.IsNaN(in.SocialRating) || math.IsInf(in.SocialRating, 0) {
		return models.User{}, invalid("socialRating", "must be a finite number")
	}
	if in.Location != nil && !geo.ValidPoint(*in.Location) {
		return models.User{}, invalid("location", "coordinates out of range")
	}

	s.treeMu.RLock()
	defer s.treeMu.RUnlock()

	u := models.User{
		ID:           uuid.NewString(),
		FullName:     strings.TrimSpace(in.FullName),
		Username:     in.Username,
		PasswordHash: in.PasswordHash,
		SocialRating: in.SocialRating,
		Status:       in.Status,
		CreatedAt:    s.now().UTC(),
	}
	e := &userEntry{user: u, fresh: true}
	e.mu.Lock()
	defer e.mu.Unlock()

	key := strings.ToLower(u.Username)
	s.usersMu.Lock()
	if _, taken := s.usernames[key]; taken {
		s.usersMu.Unlock()
		return models.User{}, invalid("username", "%s is taken", u.Username)
	}
	s.usernames[key] = u.ID
	s.users[u.ID] = e
	s.usersMu.Unlock()

	next := u
	if in.Location != nil {
		s.locate(&next, *in.Location)
	}
	if err := s.commitUser(ctx, "create_user", e, next); err != nil {
		s.usersMu.Lock()
		delete(s.usernames, key)
		delete(s.users, u.ID)
		s.usersMu.Unlock()
		e.deleted = true
		return models.User{}, err
	}
	return e.user.Clone(), nil
}

// locate sets the location and the resolved region path of u.
func (s *RegionStore) locate(u *models.User, pt models.GeoPoint) {
	res := s.resolveLocked(pt)
	loc := pt
	u.CurrentLocation = &loc
	u.CountryID, u.RegionID, u.DistrictID = res.CountryID, res.RegionID, res.DistrictID
	u.LastLocationUpdate = s.now().UTC()
}

// commitUser stores next as the new state of e, moving its district
// membership when needed. Caller holds treeMu for reading and e.mu.
func (s *RegionStore) commitUser(ctx context.Context, op string, e *userEntry, next models.User) error {
	oldDistrict := ""
	if !e.fresh {
		oldDistrict = e.user.DistrictID
	}
	locked := s.lockIDs(append(s.pathIDs(oldDistrict), s.pathIDs(next.DistrictID)...))
	defer unlockNodes(locked)

	t := s.newTxn(op, locked)
	if oldDistrict != "" {
		t.setMember(oldDistrict, next.ID, nil)
	}
	if n, ok := t.nodes[next.DistrictID]; ok && !n.region.Destroyed {
		t.setMember(next.DistrictID, next.ID, &member{rating: next.SocialRating, important: next.Status.Important()})
	}
	t.putUser(e, next)
	t.recompute()
	return t.commit(ctx, nil)
}

// entry returns the locked entry of a live user. The caller unlocks it.
func (s *RegionStore) entry(id string) (*userEntry, error) {
	s.usersMu.RLock()
	e, ok := s.users[id]
	s.usersMu.RUnlock()
	if !ok {
		return nil, notFound("user", id)
	}
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil, notFound("user", id)
	}
	return e, nil
}

// UpdateLocation records a new position for the user, re-resolves its region
// path and moves its contribution between districts. An unresolved point
// clears the path; it is not an error.
func (s *RegionStore) UpdateLocation(ctx context.Context, userID string, pt models.GeoPoint) (models.LocationUpdateResult, error) {
	if !geo.ValidPoint(pt) {
		return models.LocationUpdateResult{}, invalid("location", "coordinates out of range")
	}
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	e, err := s.entry(userID)
	if err != nil {
		return models.LocationUpdateResult{}, err
	}
	defer e.mu.Unlock()

	next := e.user.Clone()
	s.locate(&next, pt)
	if err := s.commitUser(ctx, "update_location", e, next); err != nil {
		return models.LocationUpdateResult{}, err
	}
	u := e.user.Clone()
	return models.LocationUpdateResult{LocationResolution: u.Resolution(), User: u}, nil
}

// ApplyRatingChange adds delta to the user's rating and recomputes the
// statistics of its district and every ancestor in one commit.
func (s *RegionStore) ApplyRatingChange(ctx context.Context, userID string, delta float64) (models.User, error) {
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		return models.User{}, invalid("ratingChange", "must be a finite number")
	}
	if s.ratingDeltaLimit > 0 && math.Abs(delta) > s.ratingDeltaLimit {
		return models.User{}, invalid("ratingChange", "magnitude exceeds %v", s.ratingDeltaLimit)
	}
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	e, err := s.entry(userID)
	if err != nil {
		return models.User{}, err
	}
	defer e.mu.Unlock()

	next := e.user.Clone()
	next.SocialRating += delta
	if err := s.commitUser(ctx, "apply_rating_change", e, next); err != nil {
		return models.User{}, err
	}
	return e.user.Clone(), nil
}

// raterImpact is the rating change a rater receives for rating a user of the
// given status.
func raterImpact(target models.UserStatus, change float64) float64 {
	if change == 0 {
		return 0
	}
	up := change > 0
	switch target {
	case models.UserStatusVIP:
		if up {
			return 5
		}
		return -10
	case models.UserStatusImportant:
		if up {
			return 3
		}
		return -7
	default:
		if up {
			return 1
		}
		return -3
	}
}

// RatePerson applies change to the target and the status-dependent impact to
// the rater, whose rating stays within 0..100.
func (s *RegionStore) RatePerson(ctx context.Context, raterID, targetID string, change float64) (target, rater models.User, err error) {
	if raterID == targetID {
		return target, rater, invalid("targetUserId", "users cannot rate themselves")
	}
	if rater, err = s.GetUser(raterID); err != nil {
		return target, rater, err
	}
	if target, err = s.ApplyRatingChange(ctx, targetID, change); err != nil {
		return target, rater, err
	}

	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	e, err := s.entry(raterID)
	if err != nil {
		return target, rater, err
	}
	defer e.mu.Unlock()

	next := e.user.Clone()
	next.SocialRating = math.Max(0, math.Min(100, next.SocialRating+raterImpact(target.Status, change)))
	if next.SocialRating == e.user.SocialRating {
		return target, e.user.Clone(), nil
	}
	if err := s.commitUser(ctx, "rate_person", e, next); err != nil {
		return target, rater, err
	}
	return target, e.user.Clone(), nil
}

// SetStatus changes the user's status; important-person counts follow.
func (s *RegionStore) SetStatus(ctx context.Context, userID string, status models.UserStatus) (models.User, error) {
	if !status.Valid() {
		return models.User{}, invalid("status", "unknown status %q", status)
	}
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	e, err := s.entry(userID)
	if err != nil {
		return models.User{}, err
	}
	defer e.mu.Unlock()

	if e.user.Status == status {
		return e.user.Clone(), nil
	}
	next := e.user.Clone()
	next.Status = status
	if err := s.commitUser(ctx, "set_status", e, next); err != nil {
		return models.User{}, err
	}
	return e.user.Clone(), nil
}

// BumpTokenVersion invalidates every token issued to the user.
func (s *RegionStore) BumpTokenVersion(ctx context.Context, userID string) (models.User, error) {
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	e, err := s.entry(userID)
	if err != nil {
		return models.User{}, err
	}
	defer e.mu.Unlock()

	next := e.user.Clone()
	next.TokenVersion++
	if err := s.commitUser(ctx, "bump_token_version", e, next); err != nil {
		return models.User{}, err
	}
	return e.user.Clone(), nil
}

// DeleteUser removes the user and its contribution to district statistics.
func (s *RegionStore) DeleteUser(ctx context.Context, userID string) error {
	s.treeMu.RLock()
	defer s.treeMu.RUnlock()
	e, err := s.entry(userID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	locked := s.lockPath(e.user.DistrictID)
	defer unlockNodes(locked)
	t := s.newTxn("delete_user", locked)
	t.setMember(e.user.DistrictID, userID, nil)
	t.dropUser(e)
	t.recompute()
	if err := t.commit(ctx, nil); err != nil {
		return err
	}

	s.usersMu.Lock()
	delete(s.users, userID)
	delete(s.usernames, strings.ToLower(e.user.Username))
	s.usersMu.Unlock()
	s.logr.Info("user deleted", zap.String("id", userID))
	return nil
}

func (s *RegionStore) GetUser(id string) (models.User, error) {
	e, err := s.entry(id)
	if err != nil {
		return models.User{}, err
	}
	defer e.mu.Unlock()
	return e.user.Clone(), nil
}

// FindByUsername looks a user up case-insensitively.
func (s *RegionStore) FindByUsername(username string) (models.User, error) {
	s.usersMu.RLock()
	id, ok := s.usernames[strings.ToLower(strings.TrimSpace(username))]
	s.usersMu.RUnlock()
	if !ok {
		return models.User{}, notFound("user", username)
	}
	return s.GetUser(id)
}

// ListUsers returns the users accepted by keep (all when nil), ordered by id.
func (s *RegionStore) ListUsers(keep func(models.User) bool) []models.User {
	s.usersMu.RLock()
	entries := make([]*userEntry, 0, len(s.users))
	for _, e := range s.users {
		entries = append(entries, e)
	}
	s.usersMu.RUnlock()

	out := make([]models.User, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted && (keep == nil || keep(e.user)) {
			out = append(out, e.user.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UsersInRegion returns users whose resolved path contains regionID at any
// level.
func (s *RegionStore) UsersInRegion(regionID string) ([]models.User, error) {
	if !s.Exists(regionID) {
		return nil, notFound("region", regionID)
	}
	return s.ListUsers(func(u models.User) bool { return u.InRegion(regionID) }), nil
}

func (s *RegionStore) ImportantInRegion(regionID string) ([]models.User, error) {
	if !s.Exists(regionID) {
		return nil, notFound("region", regionID)
	}
	return s.ListUsers(func(u models.User) bool { return u.InRegion(regionID) && u.Status.Important() }), nil
}

func (s *RegionStore) UsersBelowRating(threshold float64) []models.User {
	return s.ListUsers(func(u models.User) bool { return u.SocialRating < threshold })
}

// usersIn returns the entries of users located in regionID, ordered by id.
// Caller holds treeMu for writing.
func (s *RegionStore) usersIn(regionID string) []*userEntry {
	s.usersMu.RLock()
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	entries := make(map[string]*userEntry, len(ids))
	for _, id := range ids {
		entries[id] = s.users[id]
	}
	s.usersMu.RUnlock()

	sort.Strings(ids)
	var out []*userEntry
	for _, id := range ids {
		e := entries[id]
		e.mu.Lock()
		in := !e.deleted && e.user.InRegion(regionID)
		e.mu.Unlock()
		if in {
			out = append(out, e)
		}
	}
	return out
}
