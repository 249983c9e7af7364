package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"greenmove/analytics"
	"greenmove/core"
	"greenmove/engine"
	"greenmove/geo"
	"greenmove/leaderboard"
)

const maxBodyBytes = 1 << 20

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type activityRequest struct {
	Category     core.Category  `json:"category"`
	ActivityType string         `json:"activityType"`
	Quantity     float64        `json:"quantity"`
	Unit         string         `json:"unit"`
	ActivityDate string         `json:"activityDate"`
	Notes        string         `json:"notes"`
	Location     *core.Location `json:"location"`
}

// health verifies storage answers a read.
func (a *api) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status": "healthy",
		"checks": map[string]any{"storage": "ok"},
	}
	code := http.StatusOK
	if _, err := a.svc.ListUsers(r.Context()); err != nil {
		code = http.StatusServiceUnavailable
		status["status"] = "unhealthy"
		status["checks"].(map[string]any)["storage"] = "failed"
	}
	writeJSON(w, code, status)
}

func (a *api) categories(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Rates())
}

func (a *api) defaultUser(w http.ResponseWriter, r *http.Request) {
	u, err := a.svc.EnsureUser(r.Context(), a.opts.DefaultUserID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func userParam(r *http.Request) (core.UserID, error) {
	return core.NormalizeUserID(core.UserID(chi.URLParam(r, "id")))
}

func (a *api) getUser(w http.ResponseWriter, r *http.Request) {
	id, err := userParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	u, err := a.svc.GetLedgerState(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *api) registerUser(w http.ResponseWriter, r *http.Request) {
	id, err := userParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	u, err := a.svc.RegisterUser(r.Context(), id, req.Username, req.Email)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (a *api) recordActivity(w http.ResponseWriter, r *http.Request) {
	id, err := userParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	var req activityRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	in := engine.NewActivity{
		UserID:       id,
		Category:     req.Category,
		ActivityType: req.ActivityType,
		Quantity:     req.Quantity,
		Unit:         req.Unit,
		Notes:        req.Notes,
		Location:     req.Location,
	}
	if req.ActivityDate != "" {
		in.ActivityDate, err = parseDate(req.ActivityDate)
		if err != nil {
			a.writeServiceError(w, r, err)
			return
		}
	}
	act, err := a.svc.RecordActivity(r.Context(), in)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, act)
}

func (a *api) listActivities(w http.ResponseWriter, r *http.Request) {
	id, err := userParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	acts, err := a.svc.ListActivities(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acts)
}

func (a *api) recentActivities(w http.ResponseWriter, r *http.Request) {
	id, err := userParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	n, err := intQuery(r, "limit", engine.DefaultRecentActivities)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	acts, err := a.svc.RecentActivities(r.Context(), id, n)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acts)
}

func (a *api) listRewards(w http.ResponseWriter, r *http.Request) {
	id, err := userParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	rewards, err := a.svc.ListRewards(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rewards)
}

func (a *api) recentRewards(w http.ResponseWriter, r *http.Request) {
	id, err := userParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	n, err := intQuery(r, "limit", engine.DefaultRecentRewards)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	rewards, err := a.svc.RecentRewards(r.Context(), id, n)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rewards)
}

func (a *api) analytics(w http.ResponseWriter, r *http.Request) {
	id, err := userParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	acts, err := a.svc.ListActivities(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analytics.Summarize(id, acts))
}

func (a *api) hexMap(w http.ResponseWriter, r *http.Request) {
	id, err := userParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	res, err := intQuery(r, "res", a.opts.MapResolution)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if res < geo.MinResolution || res > geo.MaxResolution {
		a.writeServiceError(w, r, &core.ValidationError{Field: "res", Reason: "must be within [0, 15]"})
		return
	}
	acts, err := a.svc.ListActivities(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	bins, err := geo.Aggregate(acts, res)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bins)
}

func (a *api) leaderboard(w http.ResponseWriter, r *http.Request) {
	n, err := intQuery(r, "limit", 10)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if offset < 0 {
		a.writeServiceError(w, r, &core.ValidationError{Field: "offset", Reason: "must not be negative"})
		return
	}
	if n <= 0 || n > a.opts.LeaderboardSize {
		n = a.opts.LeaderboardSize
	}
	entries := a.opts.Leaderboard.Range(offset, n)
	if entries == nil {
		entries = []leaderboard.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// leaderboardAround returns the user's standing with radius neighbours each side.
func (a *api) leaderboardAround(w http.ResponseWriter, r *http.Request) {
	radius, err := intQuery(r, "radius", 2)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	if radius < 0 || radius > a.opts.LeaderboardSize {
		radius = a.opts.LeaderboardSize
	}
	id, err := userParam(r)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	entries, ok := a.opts.Leaderboard.Around(id, radius)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("user %q is not ranked", id), nil)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return &core.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &core.ValidationError{Field: key, Reason: "must be an integer"}
	}
	return n, nil
}

// parseDate accepts RFC 3339 timestamps or plain YYYY-MM-DD dates.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, &core.ValidationError{Field: "activityDate", Reason: fmt.Sprintf("unrecognised date %q", s)}
}
