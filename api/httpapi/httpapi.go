package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	wsadapter "greenmove/adapters/websocket"
	"greenmove/core"
	"greenmove/engine"
	"greenmove/geo"
	"greenmove/leaderboard"
	"greenmove/realtime"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// DefaultUserID backs GET {prefix}/user.
	DefaultUserID core.UserID
	// AllowCORSOrigin, if non-empty, enables basic CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	APIKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
	// Leaderboard, if set, serves GET {prefix}/leaderboard.
	Leaderboard leaderboard.Board
	// LeaderboardSize caps the leaderboard limit parameter.
	LeaderboardSize int
	// MapResolution is the default H3 resolution for map bins.
	MapResolution int
	Logger        *slog.Logger
}

type api struct {
	svc  *engine.LedgerService
	opts Options
	log  *slog.Logger
}

// NewMux builds an http.Handler exposing the ledger REST API and WebSocket stream.
// Routes (relative to PathPrefix):
//   - GET  /healthz
//   - GET  /categories
//   - GET  /user
//   - GET  /users/{id}, POST /users/{id}
//   - GET  /users/{id}/activities, POST /users/{id}/activities
//   - GET  /users/{id}/activities/recent?limit=N
//   - GET  /users/{id}/rewards, GET /users/{id}/rewards/recent?limit=N
//   - GET  /users/{id}/analytics
//   - GET  /users/{id}/map?res=N
//   - GET  /leaderboard?limit=N&offset=M, GET /leaderboard/{id}?radius=N
//   - WS   /ws?user=ID&types=reward_issued,level_up
func NewMux(svc *engine.LedgerService, hub *realtime.Hub, opts Options) http.Handler {
	if opts.DefaultUserID == "" {
		opts.DefaultUserID = core.DefaultUserID
	}
	if opts.LeaderboardSize <= 0 {
		opts.LeaderboardSize = 100
	}
	if opts.MapResolution == 0 {
		opts.MapResolution = geo.DefaultResolution
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	a := &api{svc: svc, opts: opts, log: opts.Logger}

	r := chi.NewRouter()
	if opts.AllowCORSOrigin != "" {
		r.Use(withCORS(opts.AllowCORSOrigin))
	}
	if len(opts.APIKeys) > 0 {
		r.Use(withAPIKeyAuth(opts.APIKeys))
	}
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
		r.Use(newRateLimiter(opts.RateLimitRPM, opts.RateLimitBurst).middleware)
	}

	routes := func(r chi.Router) {
		r.Get("/healthz", a.health)
		r.Get("/categories", a.categories)
		r.Get("/user", a.defaultUser)
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/", a.getUser)
			r.Post("/", a.registerUser)
			r.Get("/activities", a.listActivities)
			r.Post("/activities", a.recordActivity)
			r.Get("/activities/recent", a.recentActivities)
			r.Get("/rewards", a.listRewards)
			r.Get("/rewards/recent", a.recentRewards)
			r.Get("/analytics", a.analytics)
			r.Get("/map", a.hexMap)
		})
		if opts.Leaderboard != nil {
			r.Get("/leaderboard", a.leaderboard)
			r.Get("/leaderboard/{id}", a.leaderboardAround)
		}
		if hub != nil {
			var wsOpts []wsadapter.Option
			if opts.AllowCORSOrigin != "" {
				wsOpts = append(wsOpts, wsadapter.WithAllowedOrigins(opts.AllowCORSOrigin))
			}
			r.Handle("/ws", wsadapter.Handler(hub, wsOpts...))
		}
	}

	prefix := strings.TrimSuffix(opts.PathPrefix, "/")
	if prefix == "" {
		routes(r)
	} else {
		r.Route(prefix, routes)
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	})
	return r
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSON(w, status, apiError{Code: code, Message: msg, Details: details})
}

// writeServiceError maps ledger errors onto HTTP statuses.
func (a *api) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), map[string]string{"field": verr.Field})
	case errors.Is(err, core.ErrValidation):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), nil)
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, core.ErrConflict), errors.Is(err, core.ErrDuplicateReward):
		writeError(w, http.StatusConflict, "conflict", err.Error(), nil)
	default:
		a.log.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}
