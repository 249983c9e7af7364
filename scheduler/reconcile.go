// Package scheduler runs periodic ledger maintenance.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"greenmove/core"
	"greenmove/engine"
)

// Reconciler is the subset of the ledger service the job needs.
type Reconciler interface {
	ListUsers(ctx context.Context) ([]core.UserID, error)
	Reconcile(ctx context.Context, id core.UserID) (engine.ReconcileReport, error)
}

// RunSummary describes one reconciliation pass.
type RunSummary struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Users    int           `json:"users"`
	Repaired int           `json:"repaired"`
	Failed   int           `json:"failed"`
}

// ReconcileJob walks every user on a cron schedule and repairs drifted totals.
type ReconcileJob struct {
	cron     *cron.Cron
	ledger   Reconciler
	schedule string
	timeout  time.Duration
	log      *slog.Logger

	mu   sync.Mutex
	last RunSummary
}

func NewReconcileJob(ledger Reconciler, schedule string, logger *slog.Logger) *ReconcileJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileJob{
		cron:     cron.New(),
		ledger:   ledger,
		schedule: schedule,
		timeout:  5 * time.Minute,
		log:      logger.With("component", "reconcile"),
	}
}

func (j *ReconcileJob) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, j.run); err != nil {
		return fmt.Errorf("schedule %q: %w", j.schedule, err)
	}
	j.cron.Start()
	j.log.Info("reconcile scheduler started", "schedule", j.schedule)
	return nil
}

func (j *ReconcileJob) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.log.Info("reconcile scheduler stopped")
}

func (j *ReconcileJob) run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if _, err := j.RunOnce(ctx); err != nil {
		j.log.Error("reconcile run failed", "error", err)
	}
}

// RunOnce reconciles every user. Per-user failures are counted and logged;
// only a failure to list users aborts the pass.
func (j *ReconcileJob) RunOnce(ctx context.Context) (RunSummary, error) {
	sum := RunSummary{Started: time.Now().UTC()}
	ids, err := j.ledger.ListUsers(ctx)
	if err != nil {
		return sum, fmt.Errorf("list users: %w", err)
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		sum.Users++
		report, err := j.ledger.Reconcile(ctx, id)
		switch {
		case errors.Is(err, core.ErrNotFound):
			continue
		case err != nil:
			sum.Failed++
			j.log.Warn("reconcile user failed", "user_id", id, "error", err)
			continue
		}
		if report.Repaired {
			sum.Repaired++
		}
	}
	sum.Duration = time.Since(sum.Started)

	j.mu.Lock()
	j.last = sum
	j.mu.Unlock()

	j.log.Info("reconcile run complete", "users", sum.Users, "repaired", sum.Repaired, "failed", sum.Failed, "duration", sum.Duration)
	return sum, nil
}

// Last returns the summary of the most recent pass.
func (j *ReconcileJob) Last() RunSummary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.last
}
