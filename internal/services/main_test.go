package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/geo"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func box(minLon, minLat, maxLon, maxLat float64) []models.GeoPoint {
	return []models.GeoPoint{
		{Latitude: minLat, Longitude: minLon},
		{Latitude: minLat, Longitude: maxLon},
		{Latitude: maxLat, Longitude: maxLon},
		{Latitude: maxLat, Longitude: minLon},
	}
}

func pt(lon, lat float64) models.GeoPoint {
	return models.GeoPoint{Latitude: lat, Longitude: lon}
}

// memRepo keeps the latest row of every entity. Failing makes SaveBatch
// return an error without storing anything.
type memRepo struct {
	mu       sync.Mutex
	calls    int
	failing  bool
	regions  map[string]models.Region
	users    map[string]models.User
	launches []models.LaunchRecord
	depots   map[string]models.SupplyDepot
	routes   map[string]models.SupplyRoute
}

var errStoreDown = errors.New("store down")

func newMemRepo() *memRepo {
	return &memRepo{
		regions: map[string]models.Region{},
		users:   map[string]models.User{},
		depots:  map[string]models.SupplyDepot{},
		routes:  map[string]models.SupplyRoute{},
	}
}

func (r *memRepo) SaveBatch(_ context.Context, b Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failing {
		return errStoreDown
	}
	for _, v := range b.Regions {
		r.regions[v.ID] = v.Clone()
	}
	for _, v := range b.Users {
		r.users[v.ID] = v.Clone()
	}
	r.launches = append(r.launches, b.Launches...)
	for _, v := range b.Depots {
		r.depots[v.ID] = v
	}
	for _, v := range b.Routes {
		r.routes[v.ID] = v
	}
	for _, id := range b.DeletedRegionIDs {
		delete(r.regions, id)
	}
	for _, id := range b.DeletedUserIDs {
		delete(r.users, id)
	}
	return nil
}

func (r *memRepo) LoadAll(context.Context) (*Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := &Batch{Launches: append([]models.LaunchRecord(nil), r.launches...)}
	for _, v := range r.regions {
		b.Regions = append(b.Regions, v.Clone())
	}
	for _, v := range r.users {
		b.Users = append(b.Users, v.Clone())
	}
	for _, v := range r.depots {
		b.Depots = append(b.Depots, v)
	}
	for _, v := range r.routes {
		b.Routes = append(b.Routes, v)
	}
	return b, nil
}

func (r *memRepo) setFailing(f bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing = f
	r.calls = 0
}

func (r *memRepo) storedLaunches() []models.LaunchRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.LaunchRecord(nil), r.launches...)
}

func (r *memRepo) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recorder struct {
	mu     sync.Mutex
	deltas []models.Delta
}

func (r *recorder) Publish(d models.Delta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, d)
}

func (r *recorder) all() []models.Delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Delta(nil), r.deltas...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fixture is a country C containing region R with districts D1 (west) and
// D2 (east).
type fixture struct {
	store *RegionStore
	index *geo.Index
	repo  *memRepo
	pub   *recorder
}

var (
	insideD1 = pt(2, 5)
	insideD2 = pt(8, 5)
	inR      = pt(5, 5)
	outside  = pt(50, 50)
)

func newFixture(t *testing.T, opts ...RegionStoreOption) *fixture {
	t.Helper()
	f := &fixture{index: geo.NewIndex(nil), repo: newMemRepo(), pub: &recorder{}}
	opts = append([]RegionStoreOption{WithRepository(f.repo), WithPublisher(f.pub)}, opts...)
	f.store = NewRegionStore(f.index, nil, opts...)

	ctx := context.Background()
	mustCreate := func(in NewRegion) {
		t.Helper()
		_, err := f.store.CreateRegion(ctx, in)
		require.NoError(t, err)
	}
	mustCreate(NewRegion{ID: "C", Name: "Country", Type: models.RegionTypeCountry, Boundary: box(-1, -1, 11, 11)})
	mustCreate(NewRegion{ID: "R", Name: "Region", Type: models.RegionTypeRegion, ParentID: "C", Boundary: box(0, 0, 10, 10)})
	mustCreate(NewRegion{ID: "D1", Name: "West", Type: models.RegionTypeDistrict, ParentID: "R", Boundary: box(0, 0, 4, 10),
		Baseline: &models.DistrictBaseline{Population: 1000, AverageSocialRating: 25}})
	mustCreate(NewRegion{ID: "D2", Name: "East", Type: models.RegionTypeDistrict, ParentID: "R", Boundary: box(6, 0, 10, 10),
		Baseline: &models.DistrictBaseline{Population: 3000, AverageSocialRating: 50, ImportantPersons: 2}})
	f.pub.reset()
	return f
}

func (f *fixture) region(t *testing.T, id string) models.Region {
	t.Helper()
	r, err := f.store.GetByID(id)
	require.NoError(t, err)
	return r
}

func (f *fixture) user(t *testing.T, username string, status models.UserStatus, rating float64, at *models.GeoPoint) models.User {
	t.Helper()
	u, err := f.store.CreateUser(context.Background(), NewUser{
		FullName:     username,
		Username:     username,
		Status:       status,
		SocialRating: rating,
		Location:     at,
	})
	require.NoError(t, err)
	return u
}

func ptr[T any](v T) *T { return &v }
