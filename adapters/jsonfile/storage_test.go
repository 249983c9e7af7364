package jsonfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"greenmove/core"
	"greenmove/engine"
)

func TestStorePersistAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")

	store, err := New(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	svc := engine.NewLedgerService(store, engine.NewEventBus(engine.DispatchSync), engine.DefaultRuleEngine())
	defer svc.Close()
	if _, err := svc.RecordActivity(context.Background(), engine.NewActivity{
		UserID: "alice", Category: core.CategoryTransport, ActivityType: "Bike", Quantity: 5,
	}); err != nil {
		t.Fatalf("record activity: %v", err)
	}

	// ensure file written
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file at %s", path)
	}

	// reload
	reloaded, err := New(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	snap, err := reloaded.Load(context.Background(), "alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !snap.Exists || snap.User.TotalPoints != 75 {
		t.Fatalf("expected 75 points, got %+v", snap.User)
	}
	if len(snap.Activities) != 1 || snap.Activities[0].PointsEarned != 50 {
		t.Fatalf("unexpected activities: %+v", snap.Activities)
	}
	if !core.HasReward(snap.Rewards, core.MilestoneFirstSteps) {
		t.Fatalf("expected first steps reward, got %+v", snap.Rewards)
	}
}

func TestStoreRejectsStaleCommit(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "ledger.json"))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	u := core.NewUser("bob", "", "", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	u.Version = 1
	if err := store.Commit(ctx, engine.Changeset{User: u, Create: true, Rewards: []core.Reward{{Key: core.MilestoneFirstSteps}}}); err != nil {
		t.Fatal(err)
	}
	next := u
	next.Version = 2
	if err := store.Commit(ctx, engine.Changeset{User: next, ExpectedVersion: 7}); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	err = store.Commit(ctx, engine.Changeset{User: next, ExpectedVersion: 1, Rewards: []core.Reward{{Key: core.MilestoneFirstSteps}}})
	if !errors.Is(err, core.ErrDuplicateReward) {
		t.Fatalf("expected duplicate reward, got %v", err)
	}
	got, _ := store.GetUser(ctx, "bob")
	if got.Version != 1 {
		t.Fatalf("rejected commits must not apply, version=%d", got.Version)
	}
}

func TestStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err == nil {
		t.Fatal("expected decode error")
	}
}
