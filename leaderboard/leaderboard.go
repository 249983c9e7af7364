package leaderboard

import (
	"context"
	"log/slog"

	"greenmove/core"
)

// Entry represents a ranked user.
type Entry struct {
	User        core.UserID `json:"userId"`
	Score       int64       `json:"totalPoints"`
	CarbonSaved float64     `json:"totalCarbonSaved"`
	Level       int64       `json:"level"`
	Rank        int         `json:"rank"`
}

// Board abstracts leaderboard operations.
type Board interface {
	Update(e Entry)
	Remove(user core.UserID)
	TopN(n int) []Entry
	Range(offset, limit int) []Entry
	Get(user core.UserID) (Entry, bool)
	Around(user core.UserID, radius int) ([]Entry, bool)
	Len() int
}

// UserSource lists users and their current ledger state.
type UserSource interface {
	ListUsers(ctx context.Context) ([]core.UserID, error)
	GetLedgerState(ctx context.Context, id core.UserID) (core.User, error)
}

// Tracker keeps a Board in step with ledger_updated events.
type Tracker struct {
	board Board
	log   *slog.Logger
}

func NewTracker(board Board, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{board: board, log: logger}
}

func (t *Tracker) Board() Board { return t.board }

// Seed loads every known user into the board.
func (t *Tracker) Seed(ctx context.Context, src UserSource) error {
	ids, err := src.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		u, err := src.GetLedgerState(ctx, id)
		if err != nil {
			t.log.Warn("leaderboard seed skipped user", "user_id", id, "error", err)
			continue
		}
		t.board.Update(FromUser(u))
	}
	t.log.Info("leaderboard seeded", "users", t.board.Len())
	return nil
}

// OnEvent matches the engine's subscriber signature.
func (t *Tracker) OnEvent(_ context.Context, e core.Event) {
	if e.Type != core.EventLedgerUpdated {
		return
	}
	t.board.Update(Entry{User: e.UserID, Score: e.TotalPoints, CarbonSaved: e.TotalCarbon, Level: e.Level})
}

func FromUser(u core.User) Entry {
	return Entry{User: u.ID, Score: u.TotalPoints, CarbonSaved: u.TotalCarbonSaved, Level: u.Level}
}
