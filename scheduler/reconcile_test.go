package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "greenmove/adapters/memory"
	"greenmove/core"
	"greenmove/engine"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newService(t *testing.T, store engine.Storage) *engine.LedgerService {
	t.Helper()
	svc := engine.NewLedgerService(store, engine.NewEventBus(engine.DispatchSync), engine.DefaultRuleEngine(), engine.WithLogger(quietLogger()))
	t.Cleanup(svc.Close)
	return svc
}

func TestRunOnceRepairsDrift(t *testing.T) {
	store := mem.New()
	ctx := context.Background()
	drifted := core.NewUser("drift", "", "", time.Now().UTC())
	drifted.Version = 1
	drifted.TotalPoints = 3
	require.NoError(t, store.Commit(ctx, engine.Changeset{
		User: drifted, Create: true,
		Activities: []core.Activity{{ID: "a1", UserID: "drift", PointsEarned: 20, CarbonSaved: 2}},
	}))

	svc := newService(t, store)
	_, err := svc.RecordActivity(ctx, engine.NewActivity{UserID: "clean", Category: core.CategoryTransport, ActivityType: "Walk", Quantity: 1})
	require.NoError(t, err)

	job := NewReconcileJob(svc, "@every 1h", quietLogger())
	sum, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Users)
	assert.Equal(t, 1, sum.Repaired)
	assert.Zero(t, sum.Failed)
	assert.Equal(t, sum, job.Last())

	u, err := svc.GetLedgerState(ctx, "drift")
	require.NoError(t, err)
	assert.Equal(t, int64(20), u.TotalPoints)
}

type failingLedger struct {
	listErr error
	calls   int
}

func (f *failingLedger) ListUsers(context.Context) ([]core.UserID, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []core.UserID{"a", "b", "gone"}, nil
}

func (f *failingLedger) Reconcile(_ context.Context, id core.UserID) (engine.ReconcileReport, error) {
	f.calls++
	switch id {
	case "a":
		return engine.ReconcileReport{}, core.ErrConflict
	case "gone":
		return engine.ReconcileReport{}, core.ErrNotFound
	}
	return engine.ReconcileReport{UserID: id, Repaired: true}, nil
}

func TestRunOnceCountsFailures(t *testing.T) {
	ledger := &failingLedger{}
	sum, err := NewReconcileJob(ledger, "@hourly", quietLogger()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, ledger.calls)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Repaired)

	ledger = &failingLedger{listErr: errors.New("down")}
	_, err = NewReconcileJob(ledger, "@hourly", quietLogger()).RunOnce(context.Background())
	assert.Error(t, err)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	job := NewReconcileJob(&failingLedger{}, "not a schedule", quietLogger())
	assert.Error(t, job.Start())

	job = NewReconcileJob(&failingLedger{}, "@every 1h", quietLogger())
	require.NoError(t, job.Start())
	job.Stop()
}
