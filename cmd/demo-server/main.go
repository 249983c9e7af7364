package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	mem "greenmove/adapters/memory"
	"greenmove/analytics"
	"greenmove/api/httpapi"
	"greenmove/core"
	"greenmove/ecotrack"
	"greenmove/engine"
	"greenmove/leaderboard"
	"greenmove/realtime"
)

// demoActivities gives the default user some history to look at.
var demoActivities = []engine.NewActivity{
	{Category: core.CategoryTransport, ActivityType: "Bike", Quantity: 5, Location: &core.Location{Lat: 37.7749, Lng: -122.4194, Name: "Market St"}},
	{Category: core.CategoryFood, ActivityType: "Plant-based Meal", Quantity: 2},
	{Category: core.CategoryWaste, ActivityType: "Recycled", Quantity: 3.5, Location: &core.Location{Lat: 37.7793, Lng: -122.4193}},
	{Category: core.CategoryEnergy, ActivityType: "Solar Power Used", Quantity: 4},
}

func main() {
	// Use readable text logging for development/demo
	textHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(textHandler)
	slog.SetDefault(logger)

	ctx := context.Background()
	hub := realtime.NewHub()
	board := leaderboard.NewTracker(leaderboard.NewSkipList(), logger)
	dau := analytics.NewDAU()
	svc := ecotrack.New(
		ecotrack.WithStorage(mem.New()),
		ecotrack.WithRealtime(hub),
		ecotrack.WithLeaderboard(board),
		ecotrack.WithHooks(dau),
		ecotrack.WithDispatchMode(engine.DispatchSync),
		ecotrack.WithLogger(logger),
	)
	defer svc.Close()

	for _, a := range demoActivities {
		a.UserID = core.DefaultUserID
		act, err := svc.RecordActivity(ctx, a)
		if err != nil {
			slog.Error("seed activity failed", "error", err)
			os.Exit(1)
		}
		slog.Info("seeded activity", "type", act.ActivityType, "points", act.PointsEarned, "carbon_kg", act.CarbonSaved)
	}
	user, _ := svc.EnsureUser(ctx, core.DefaultUserID)
	slog.Info("demo user ready", "user", user.Username, "points", user.TotalPoints, "level", user.Level)

	handler := httpapi.NewMux(svc, hub, httpapi.Options{
		PathPrefix:      "/api",
		AllowCORSOrigin: "*",
		Leaderboard:     board.Board(),
		Logger:          logger,
	})

	addr := ":8080"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}
	slog.Info("demo server listening", "address", addr, "api", "/api", "ws", "/api/ws")
	if err := http.ListenAndServe(addr, handler); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
