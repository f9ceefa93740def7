package routes

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/auth"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/config"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/geo"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/logger"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/models"
	"github.com/ta4ilka69/distributed-data-storage-systems/internal/services"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testApp struct {
	srv      *httptest.Server
	regions  *services.RegionStore
	launches *services.LaunchCoordinator
}

func newTestApp(t *testing.T, opts ...func(*config.Config)) *testApp {
	t.Helper()
	cfg := &config.Config{
		Environment:           "test",
		AccessTokenTTL:        time.Minute,
		RefreshTokenTTL:       time.Hour,
		AllowedOrigins:        []string{"*"},
		HTTPRequestsPerSecond: 1000,
		HTTPRequestBurst:      1000,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwtMgr := auth.NewJWTManagerFromKeys(key, &key.PublicKey, "zov-core")

	logr := &logger.Logger{Logger: zap.NewNop()}
	index := geo.NewIndex(nil)
	regions := services.NewRegionStore(index, nil)
	launches := services.NewLaunchCoordinator(services.LaunchConfig{
		Threshold:  30,
		Cooldown:   time.Minute,
		FlightTime: 20 * time.Millisecond,
	}, regions, nil)
	supply := services.NewSupplyGraph(index, nil,
		services.WithRouteCache(services.NewMemoryRouteCache(16, time.Minute)))

	srv := httptest.NewServer(NewRouter(Services{
		Auth:     services.NewAuthService(regions, jwtMgr, cfg, zap.NewNop()),
		Regions:  regions,
		Launches: launches,
		Supply:   supply,
	}, cfg, logr))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, launches.Shutdown(ctx))
	})
	return &testApp{srv: srv, regions: regions, launches: launches}
}

// call sends a JSON request and decodes the JSON response into out when set.
func (a *testApp) call(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// register signs a user up through the public endpoint and logs in, returning
// the user id and access token. Elevated statuses are granted directly on the
// store since registration only creates REGULAR users.
func (a *testApp) register(t *testing.T, username, status string) (string, string) {
	t.Helper()
	var u models.User
	code := a.call(t, http.MethodPost, "/api/v1/users", "", map[string]any{
		"fullName": username,
		"username": username,
		"password": "secret-" + username,
	}, &u)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, models.UserStatusRegular, u.Status)
	if st := models.UserStatus(strings.ToUpper(status)); st != models.UserStatusRegular {
		_, err := a.regions.SetStatus(context.Background(), u.ID, st)
		require.NoError(t, err)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	code = a.call(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": username,
		"password": "secret-" + username,
	}, &tok)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, tok.AccessToken)
	return u.ID, tok.AccessToken
}

func square(minLon, minLat, maxLon, maxLat float64) []models.GeoPoint {
	return []models.GeoPoint{
		{Latitude: minLat, Longitude: minLon},
		{Latitude: minLat, Longitude: maxLon},
		{Latitude: maxLat, Longitude: maxLon},
		{Latitude: maxLat, Longitude: minLon},
	}
}

// seedTree provisions country C > region R > district D with a low rated
// baseline.
func (a *testApp) seedTree(t *testing.T, token string) {
	t.Helper()
	for _, in := range []map[string]any{
		{"id": "C", "name": "Country", "type": "country", "boundary": square(0, 0, 10, 10)},
		{"id": "R", "name": "Region", "type": "REGION", "parentId": "C", "boundary": square(0, 0, 5, 5)},
		{"id": "D", "name": "District", "type": "DISTRICT", "parentId": "R", "boundary": square(0, 0, 2, 2),
			"baseline": map[string]any{"population": 100, "averageSocialRating": 10, "importantPersons": 0}},
	} {
		require.Equal(t, http.StatusCreated, a.call(t, http.MethodPost, "/api/v1/regions", token, in, nil))
	}
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.srv.Client().Get(app.srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = app.srv.Client().Get(app.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	app := newTestApp(t)

	assert.Equal(t, http.StatusUnauthorized, app.call(t, http.MethodGet, "/api/v1/regions", "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, app.call(t, http.MethodGet, "/api/v1/users", "bogus", nil, nil))

	var body map[string]any
	code := app.call(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"username": "nobody", "password": "x",
	}, &body)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "invalid_credentials", body["error"])
}

func TestLogoutRevokesToken(t *testing.T) {
	app := newTestApp(t)
	_, token := app.register(t, "alice", "regular")

	require.Equal(t, http.StatusOK, app.call(t, http.MethodGet, "/api/v1/regions", token, nil, nil))
	require.Equal(t, http.StatusNoContent, app.call(t, http.MethodPost, "/api/v1/auth/logout", token, nil, nil))
	assert.Equal(t, http.StatusUnauthorized, app.call(t, http.MethodGet, "/api/v1/regions", token, nil, nil))
}

func TestRegionErrorsMapToStatus(t *testing.T) {
	app := newTestApp(t)
	_, token := app.register(t, "ivan", "important")
	app.seedTree(t, token)

	var region models.Region
	require.Equal(t, http.StatusOK, app.call(t, http.MethodGet, "/api/v1/regions/D", token, nil, &region))
	assert.Equal(t, int64(100), region.PopulationCount)

	var body map[string]any
	assert.Equal(t, http.StatusNotFound, app.call(t, http.MethodGet, "/api/v1/regions/missing", token, nil, &body))
	assert.Equal(t, "not_found", body["error"])
	assert.Equal(t, "missing", body["id"])

	body = nil
	code := app.call(t, http.MethodPost, "/api/v1/regions", token, map[string]any{
		"name": "Bad", "type": "PLANET", "boundary": square(0, 0, 1, 1),
	}, &body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", body["error"])
	assert.Equal(t, "type", body["field"])

	body = nil
	code = app.call(t, http.MethodPut, "/api/v1/regions/D", token, map[string]any{
		"expectedVersion": region.Version + 5,
		"name":            "Renamed",
	}, &body)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "version_conflict", body["error"])

	assert.Equal(t, http.StatusBadRequest, app.call(t, http.MethodGet, "/api/v1/regions?type=planet", token, nil, nil))

	var districts []models.Region
	require.Equal(t, http.StatusOK, app.call(t, http.MethodGet, "/api/v1/regions?type=district", token, nil, &districts))
	require.Len(t, districts, 1)
	assert.Equal(t, "D", districts[0].ID)
}

func TestLocationUpdatesAreSelfOnly(t *testing.T) {
	app := newTestApp(t)
	aliceID, alice := app.register(t, "alice", "regular")
	bobID, _ := app.register(t, "bob", "regular")
	_, admin := app.register(t, "victor", "vip")
	app.seedTree(t, admin)

	loc := models.GeoPoint{Latitude: 1, Longitude: 1}
	var body map[string]any
	assert.Equal(t, http.StatusForbidden, app.call(t, http.MethodPut, "/api/v1/users/"+bobID+"/location", alice, loc, &body))
	assert.Equal(t, "forbidden", body["error"])

	var res models.LocationUpdateResult
	require.Equal(t, http.StatusOK, app.call(t, http.MethodPut, "/api/v1/users/"+aliceID+"/location", alice, loc, &res))
	assert.Equal(t, "D", res.DistrictID)
	assert.Equal(t, "R", res.RegionID)
	assert.Equal(t, "C", res.CountryID)

	var users []models.User
	require.Equal(t, http.StatusOK, app.call(t, http.MethodGet, "/api/v1/users/region/D", alice, nil, &users))
	require.Len(t, users, 1)
	assert.Equal(t, aliceID, users[0].ID)
}

func TestRegularCallerCannotEscalate(t *testing.T) {
	app := newTestApp(t)
	var signedUp models.User
	require.Equal(t, http.StatusCreated, app.call(t, http.MethodPost, "/api/v1/users", "", map[string]any{
		"username": "mallory", "password": "secret-mallory", "status": "VIP",
	}, &signedUp))
	assert.Equal(t, models.UserStatusRegular, signedUp.Status)

	aliceID, alice := app.register(t, "alice", "regular")
	bobID, _ := app.register(t, "bob", "regular")
	_, admin := app.register(t, "victor", "vip")
	app.seedTree(t, admin)

	forbidden := []struct {
		method, path string
		body         any
	}{
		{http.MethodPut, "/api/v1/users/" + aliceID + "/status", map[string]any{"status": "VIP"}},
		{http.MethodPut, "/api/v1/users/" + bobID + "/status", map[string]any{"status": "IMPORTANT"}},
		{http.MethodDelete, "/api/v1/users/" + bobID, nil},
		{http.MethodPost, "/api/v1/regions", map[string]any{"name": "X", "type": "DISTRICT", "parentId": "R", "boundary": square(3, 3, 4, 4)}},
		{http.MethodPut, "/api/v1/regions/D", map[string]any{"expectedVersion": 1, "name": "Mine"}},
		{http.MethodPut, "/api/v1/regions/D/threat", map[string]any{"underThreat": true}},
		{http.MethodDelete, "/api/v1/regions/D", nil},
		{http.MethodPost, "/api/v1/launches/D/request", nil},
	}
	for _, tt := range forbidden {
		var body map[string]any
		assert.Equal(t, http.StatusForbidden, app.call(t, tt.method, tt.path, alice, tt.body, &body), tt.method+" "+tt.path)
		assert.Equal(t, "forbidden", body["error"], tt.method+" "+tt.path)
	}

	var me models.User
	require.Equal(t, http.StatusOK, app.call(t, http.MethodGet, "/api/v1/users/"+aliceID, alice, nil, &me))
	assert.Equal(t, models.UserStatusRegular, me.Status)
	var d models.Region
	require.Equal(t, http.StatusOK, app.call(t, http.MethodGet, "/api/v1/regions/D", alice, nil, &d))
	assert.Equal(t, "District", d.Name)
	assert.False(t, d.UnderThreat)

	var bob models.User
	require.Equal(t, http.StatusOK, app.call(t, http.MethodPut, "/api/v1/users/"+bobID+"/status", admin,
		map[string]any{"status": "important"}, &bob))
	assert.Equal(t, models.UserStatusImportant, bob.Status)

	assert.Equal(t, http.StatusNoContent, app.call(t, http.MethodDelete, "/api/v1/users/"+aliceID, alice, nil, nil))
}

func TestForwardedForIgnoredUnlessProxyTrusted(t *testing.T) {
	send := func(app *testApp, forwarded string) int {
		req, err := http.NewRequest(http.MethodGet, app.srv.URL+"/api/v1/regions", nil)
		require.NoError(t, err)
		req.Header.Set("X-Forwarded-For", forwarded)
		resp, err := app.srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	strict := func(cfg *config.Config) {
		cfg.HTTPRequestsPerSecond = 0.001
		cfg.HTTPRequestBurst = 1
	}

	app := newTestApp(t, strict)
	assert.Equal(t, http.StatusUnauthorized, send(app, "203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, send(app, "203.0.113.2"))

	proxied := newTestApp(t, strict, func(cfg *config.Config) { cfg.TrustProxy = true })
	assert.Equal(t, http.StatusUnauthorized, send(proxied, "203.0.113.1"))
	assert.Equal(t, http.StatusUnauthorized, send(proxied, "203.0.113.2"))
}

func TestLaunchFlow(t *testing.T) {
	app := newTestApp(t)
	_, regular := app.register(t, "alice", "regular")
	_, vip := app.register(t, "victor", "vip")
	app.seedTree(t, vip)

	var idle models.LaunchRecord
	require.Equal(t, http.StatusOK, app.call(t, http.MethodGet, "/api/v1/launches/D", vip, nil, &idle))
	assert.Equal(t, models.LaunchIdle, idle.State)

	assert.Equal(t, http.StatusForbidden, app.call(t, http.MethodPost, "/api/v1/launches/D/request", regular, nil, nil))
	assert.Equal(t, http.StatusConflict, app.call(t, http.MethodPost, "/api/v1/launches/D/confirm", vip, nil, nil))

	var rec models.LaunchRecord
	require.Equal(t, http.StatusAccepted, app.call(t, http.MethodPost, "/api/v1/launches/D/request", vip, nil, &rec))
	assert.Equal(t, models.LaunchRequested, rec.State)

	var body map[string]any
	assert.Equal(t, http.StatusUnprocessableEntity, app.call(t, http.MethodPost, "/api/v1/launches/D/request", vip, nil, &body))
	assert.Equal(t, "not_eligible", body["error"])

	require.Equal(t, http.StatusOK, app.call(t, http.MethodPost, "/api/v1/launches/D/confirm", vip, nil, &rec))
	assert.Equal(t, models.LaunchInProgress, rec.State)

	require.Eventually(t, func() bool {
		var cur models.LaunchRecord
		return app.call(t, http.MethodGet, "/api/v1/launches/D", vip, nil, &cur) == http.StatusOK &&
			cur.State == models.LaunchCompleted
	}, 2*time.Second, 10*time.Millisecond)

	var region models.Region
	require.Equal(t, http.StatusOK, app.call(t, http.MethodGet, "/api/v1/regions/D", vip, nil, &region))
	assert.True(t, region.Destroyed)
	assert.Zero(t, region.PopulationCount)

	var history []models.LaunchRecord
	require.Equal(t, http.StatusOK, app.call(t, http.MethodGet, "/api/v1/launches/D/history", vip, nil, &history))
	require.NotEmpty(t, history)
	assert.Equal(t, models.LaunchCompleted, history[len(history)-1].State)
}

func TestSupplyRouting(t *testing.T) {
	app := newTestApp(t)
	_, token := app.register(t, "alice", "regular")

	for i, id := range []string{"A", "B", "C"} {
		require.Equal(t, http.StatusCreated, app.call(t, http.MethodPost, "/api/v1/supply/depots", token, map[string]any{
			"depotId":      id,
			"name":         "Depot " + id,
			"location":     models.GeoPoint{Latitude: float64(i), Longitude: float64(i)},
			"capacity":     100,
			"currentStock": 10,
		}, nil))
	}
	var bc models.SupplyRoute
	require.Equal(t, http.StatusCreated, app.call(t, http.MethodPost, "/api/v1/supply/routes", token, map[string]any{
		"sourceDepotId": "A", "targetDepotId": "B", "distance": 5, "riskFactor": 0.1,
	}, nil))
	require.Equal(t, http.StatusCreated, app.call(t, http.MethodPost, "/api/v1/supply/routes", token, map[string]any{
		"sourceDepotId": "B", "targetDepotId": "C", "distance": 5, "riskFactor": 0.1,
	}, &bc))

	var best models.OptimalRoute
	require.Equal(t, http.StatusOK, app.call(t, http.MethodGet, "/api/v1/supply/routes/optimal?from=A&to=C", token, nil, &best))
	assert.Equal(t, []string{"A", "B", "C"}, best.DepotIDs)
	assert.InDelta(t, 10, best.TotalDistance, 1e-9)

	assert.Equal(t, http.StatusBadRequest, app.call(t, http.MethodGet, "/api/v1/supply/routes/optimal?from=A", token, nil, nil))

	require.Equal(t, http.StatusOK, app.call(t, http.MethodPut, "/api/v1/supply/routes/"+bc.ID+"/active", token,
		map[string]any{"isActive": false}, nil))

	var body map[string]any
	assert.Equal(t, http.StatusUnprocessableEntity, app.call(t, http.MethodGet, "/api/v1/supply/routes/optimal?from=A&to=C", token, nil, &body))
	assert.Equal(t, "no_path", body["error"])

	var view models.SupplyChainView
	require.Equal(t, http.StatusOK, app.call(t, http.MethodGet, "/api/v1/supply/visualization", token, nil, &view))
	assert.Len(t, view.Depots, 3)
	assert.Len(t, view.Routes, 2)
}
