package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "greenmove/adapters/memory"
	"greenmove/core"
	"greenmove/engine"
	"greenmove/geo"
	"greenmove/leaderboard"
)

func newTestService(t *testing.T, opts ...engine.ServiceOption) *engine.LedgerService {
	t.Helper()
	svc := engine.NewLedgerService(mem.New(), engine.NewEventBus(engine.DispatchSync), engine.DefaultRuleEngine(), opts...)
	t.Cleanup(svc.Close)
	return svc
}

func do(t *testing.T, h http.Handler, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRecordActivityAndState(t *testing.T) {
	svc := newTestService(t)
	handler := NewMux(svc, nil, Options{PathPrefix: "/api"})

	rec := do(t, handler, http.MethodPost, "/api/users/alice/activities",
		`{"category":"Transport","activityType":"Bike","quantity":5,"activityDate":"2024-05-01","location":{"lat":51.5,"lng":-0.12}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	act := decode[core.Activity](t, rec)
	assert.Equal(t, int64(50), act.PointsEarned)
	assert.Equal(t, "miles", act.Unit)
	assert.Equal(t, 2024, act.ActivityDate.Year())

	rec = do(t, handler, http.MethodGet, "/api/users/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	u := decode[core.User](t, rec)
	assert.Equal(t, int64(75), u.TotalPoints)

	rec = do(t, handler, http.MethodGet, "/api/users/alice/rewards", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rewards := decode[[]core.Reward](t, rec)
	require.Len(t, rewards, 1)
	assert.Equal(t, "First Steps", rewards[0].Title)

	rec = do(t, handler, http.MethodGet, "/api/users/alice/activities/recent?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]core.Activity](t, rec), 1)

	rec = do(t, handler, http.MethodGet, "/api/users/alice/analytics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"category":"Transport"`)

	rec = do(t, handler, http.MethodGet, "/api/users/alice/map?res=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	bins := decode[[]geo.Bin](t, rec)
	require.Len(t, bins, 1)
	assert.Equal(t, 5, bins[0].Resolution)
}

func TestValidationErrors(t *testing.T) {
	svc := newTestService(t)
	handler := NewMux(svc, nil, Options{PathPrefix: "/api"})

	cases := []struct {
		name, target, body string
	}{
		{"zero quantity", "/api/users/alice/activities", `{"category":"Transport","activityType":"Bike","quantity":0}`},
		{"blank type", "/api/users/alice/activities", `{"category":"Transport","activityType":" ","quantity":1}`},
		{"bad json", "/api/users/alice/activities", `{"category":`},
		{"unknown field", "/api/users/alice/activities", `{"category":"Food","activityType":"x","quantity":1,"bogus":1}`},
		{"bad date", "/api/users/alice/activities", `{"category":"Food","activityType":"x","quantity":1,"activityDate":"yesterday"}`},
		{"bad lat", "/api/users/alice/activities", `{"category":"Food","activityType":"x","quantity":1,"location":{"lat":123,"lng":0}}`},
		{"points overflow", "/api/users/alice/activities", `{"category":"Transport","activityType":"Bike","quantity":1e18}`},
		{"fallback overflow", "/api/users/alice/activities", `{"category":"Food","activityType":"x","quantity":1e300}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, handler, http.MethodPost, tc.target, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, "invalid_input", decode[apiError](t, rec).Code)
		})
	}

	rec := do(t, handler, http.MethodGet, "/api/users/alice/map?res=99", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, handler, http.MethodGet, "/api/users/alice/rewards/recent?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownTypeIsAccepted(t *testing.T) {
	handler := NewMux(newTestService(t), nil, Options{})
	rec := do(t, handler, http.MethodPost, "/users/zoe/activities", `{"category":"Transport","activityType":"Teleport","quantity":4,"unit":"hops"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	act := decode[core.Activity](t, rec)
	assert.Equal(t, int64(20), act.PointsEarned)
	assert.Equal(t, "hops", act.Unit)
}

func TestRegisterAndNotFound(t *testing.T) {
	svc := newTestService(t, engine.WithAutoProvision(false))
	handler := NewMux(svc, nil, Options{PathPrefix: "/api"})

	rec := do(t, handler, http.MethodGet, "/api/users/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, handler, http.MethodPost, "/api/users/unknown/activities", `{"category":"Food","activityType":"Plant-based Meal","quantity":1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, handler, http.MethodPost, "/api/users/ann", `{"username":"Ann","email":"ann@example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Ann", decode[core.User](t, rec).Username)

	rec = do(t, handler, http.MethodPost, "/api/users/ann", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReadsOfUnknownUserAreNotFound(t *testing.T) {
	svc := newTestService(t)
	handler := NewMux(svc, nil, Options{PathPrefix: "/api"})

	for _, target := range []string{
		"/api/users/stranger",
		"/api/users/stranger/activities",
		"/api/users/stranger/rewards",
		"/api/users/stranger/analytics",
		"/api/users/stranger/map",
	} {
		t.Run(target, func(t *testing.T) {
			rec := do(t, handler, http.MethodGet, target, "")
			assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
		})
	}
	users, err := svc.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, users)

	rec := do(t, handler, http.MethodPost, "/api/users/stranger/activities", `{"category":"Transport","activityType":"Walk","quantity":1}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, handler, http.MethodGet, "/api/users/stranger", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDefaultUserAndCategories(t *testing.T) {
	handler := NewMux(newTestService(t), nil, Options{PathPrefix: "/api/"})

	rec := do(t, handler, http.MethodGet, "/api/user", "")
	require.Equal(t, http.StatusOK, rec.Code)
	u := decode[core.User](t, rec)
	assert.Equal(t, core.DefaultUserID, u.ID)
	assert.Equal(t, "EcoWarrior", u.Username)

	rec = do(t, handler, http.MethodGet, "/api/categories", "")
	require.Equal(t, http.StatusOK, rec.Code)
	table := decode[core.RateTable](t, rec)
	assert.Len(t, table.Categories, 5)

	rec = do(t, handler, http.MethodGet, "/api/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, handler, http.MethodGet, "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLeaderboard(t *testing.T) {
	svc := newTestService(t)
	board := leaderboard.NewTracker(leaderboard.NewSkipList(), nil)
	svc.Subscribe(core.EventLedgerUpdated, board.OnEvent)
	handler := NewMux(svc, nil, Options{Leaderboard: board.Board(), LeaderboardSize: 2})

	for _, id := range []string{"a", "b", "c"} {
		rec := do(t, handler, http.MethodPost, "/users/"+id+"/activities", `{"category":"Transport","activityType":"Walk","quantity":1}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	do(t, handler, http.MethodPost, "/users/b/activities", `{"category":"Transport","activityType":"Bike","quantity":3}`)

	rec := do(t, handler, http.MethodGet, "/leaderboard?limit=50", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]leaderboard.Entry](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, core.UserID("b"), entries[0].User)
	assert.Equal(t, 1, entries[0].Rank)

	rec = do(t, handler, http.MethodGet, "/leaderboard?offset=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries = decode[[]leaderboard.Entry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].Rank)

	rec = do(t, handler, http.MethodGet, "/leaderboard?offset=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, handler, http.MethodGet, "/leaderboard/b?radius=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	entries = decode[[]leaderboard.Entry](t, rec)
	require.Len(t, entries, 2)
	assert.Equal(t, core.UserID("b"), entries[0].User)

	rec = do(t, handler, http.MethodGet, "/leaderboard/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	handler := NewMux(newTestService(t), nil, Options{
		PathPrefix:      "/api",
		APIKeys:         []string{"secret"},
		AllowCORSOrigin: "*",
	})

	rec := do(t, handler, http.MethodGet, "/api/users/alice", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, handler, http.MethodGet, "/api/user", "", "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, handler, http.MethodOptions, "/api/users/alice", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRateLimit(t *testing.T) {
	handler := NewMux(newTestService(t), nil, Options{
		PathPrefix:       "/api",
		APIKeys:          []string{"k"},
		RateLimitEnabled: true,
		RateLimitRPM:     1,
		RateLimitBurst:   1,
	})

	rec := do(t, handler, http.MethodGet, "/api/user", "", "X-API-Key", "k")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, handler, http.MethodGet, "/api/user", "", "X-API-Key", "k")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decode[apiError](t, rec).Code)
}
