package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"greenmove/core"
)

// Defaults for the "recent" views.
const (
	DefaultRecentActivities = 5
	DefaultRecentRewards    = 3
)

// LedgerService wires storage, event bus, rate table and rules into the
// activity ledger.
type LedgerService struct {
	storage       Storage
	bus           *EventBus
	rules         RuleEngine
	rates         core.RateTable
	locks         *userLocks
	logger        *slog.Logger
	autoProvision bool
	now           func() time.Time
	newID         func() string
}

// ServiceOption tunes a LedgerService.
type ServiceOption func(*LedgerService)

// WithRateTable replaces the built-in rate table.
func WithRateTable(t core.RateTable) ServiceOption {
	return func(s *LedgerService) { s.rates = t }
}

// WithLogger sets the logger used for warnings such as fallback valuation.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *LedgerService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAutoProvision controls lazy creation of unknown users. When disabled,
// operations on unknown users fail with core.ErrNotFound.
func WithAutoProvision(enabled bool) ServiceOption {
	return func(s *LedgerService) { s.autoProvision = enabled }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *LedgerService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewLedgerService(storage Storage, bus *EventBus, rules RuleEngine, opts ...ServiceOption) *LedgerService {
	if storage == nil || bus == nil || rules == nil {
		panic("NewLedgerService requires non-nil storage, bus, and rules")
	}
	s := &LedgerService{
		storage:       storage,
		bus:           bus,
		rules:         rules,
		rates:         core.DefaultRateTable(),
		locks:         newUserLocks(),
		logger:        slog.Default(),
		autoProvision: true,
		now:           func() time.Time { return time.Now().UTC() },
		newID:         uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func DefaultRuleEngine() RuleEngine {
	return &simpleRuleEngine{rules: core.DefaultMilestones()}
}

// NewRuleEngine evaluates the given rules in order.
func NewRuleEngine(rules ...core.Rule) RuleEngine {
	return &simpleRuleEngine{rules: rules}
}

// Subscribe convenience method.
func (s *LedgerService) Subscribe(typ core.EventType, handler func(context.Context, core.Event)) func() {
	return s.bus.Subscribe(typ, handler)
}

func (s *LedgerService) Publish(ctx context.Context, ev core.Event) {
	s.bus.Publish(ctx, ev)
}

// Rates returns the active rate table.
func (s *LedgerService) Rates() core.RateTable { return s.rates }

func (s *LedgerService) Close() { s.bus.Close() }

// DroppedEvents reports events the bus discarded.
func (s *LedgerService) DroppedEvents() int64 { return s.bus.Dropped() }

// HandlerPanics reports subscriber panics the bus recovered.
func (s *LedgerService) HandlerPanics() int64 { return s.bus.Panics() }

// NewActivity is a submission from the surrounding layer.
type NewActivity struct {
	UserID       core.UserID
	Category     core.Category
	ActivityType string
	Quantity     float64
	// Unit is kept only when the type is not in the rate table.
	Unit         string
	ActivityDate time.Time
	Notes        string
	Location     *core.Location
}

func (in NewActivity) validate() error {
	if strings.TrimSpace(string(in.Category)) == "" {
		return &core.ValidationError{Field: "category", Reason: "must not be empty"}
	}
	if strings.TrimSpace(in.ActivityType) == "" {
		return &core.ValidationError{Field: "activityType", Reason: "must not be empty"}
	}
	if math.IsNaN(in.Quantity) || math.IsInf(in.Quantity, 0) || in.Quantity <= 0 {
		return &core.ValidationError{Field: "quantity", Reason: "must be a positive number"}
	}
	if in.Location != nil {
		if err := in.Location.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RecordActivity valuates the submission, stores it and settles levels and
// milestones as one committed unit. Unknown category/type pairs use the
// fallback conversion and are logged, never rejected.
func (s *LedgerService) RecordActivity(ctx context.Context, in NewActivity) (core.Activity, error) {
	user, err := core.NormalizeUserID(in.UserID)
	if err != nil {
		return core.Activity{}, err
	}
	if err := in.validate(); err != nil {
		return core.Activity{}, err
	}

	val, err := core.Valuate(s.rates, in.Category, in.ActivityType, in.Quantity)
	if err != nil {
		return core.Activity{}, err
	}
	unit := val.Unit
	if !val.Matched {
		attrs := []any{"user", user, "category", in.Category, "activity_type", in.ActivityType}
		if cat, name, ok := s.rates.Suggest(in.Category, in.ActivityType); ok {
			attrs = append(attrs, "suggested_category", cat, "suggested_type", name)
		}
		s.logger.WarnContext(ctx, "unknown activity type, using fallback conversion", attrs...)
		if strings.TrimSpace(in.Unit) != "" {
			unit = in.Unit
		}
	}

	now := s.now()
	activity := core.Activity{
		ID:           s.newID(),
		UserID:       user,
		Category:     in.Category,
		ActivityType: in.ActivityType,
		Quantity:     in.Quantity,
		Unit:         unit,
		CarbonSaved:  val.CarbonSaved,
		PointsEarned: val.PointsEarned,
		Location:     in.Location,
		Notes:        in.Notes,
		ActivityDate: in.ActivityDate.UTC(),
		CreatedAt:    now,
	}
	if activity.ActivityDate.IsZero() {
		activity.ActivityDate = now
	}

	tx, err := s.update(ctx, user, func(tx *ledgerTx) error {
		tx.activities = append(tx.activities, activity)
		tx.newActivities = append(tx.newActivities, activity)
		tx.events = append(tx.events, core.NewActivityRecorded(activity))
		if err := tx.applyDelta(activity.PointsEarned, activity.CarbonSaved); err != nil {
			return err
		}
		if err := s.settleLevels(tx); err != nil {
			return err
		}
		return s.checkMilestones(ctx, tx)
	})
	if err != nil {
		return core.Activity{}, err
	}
	s.publish(ctx, tx)
	return activity, nil
}

// RegisterUser creates a user explicitly. It fails with core.ErrConflict if
// the id is taken.
func (s *LedgerService) RegisterUser(ctx context.Context, id core.UserID, username, email string) (core.User, error) {
	user, err := core.NormalizeUserID(id)
	if err != nil {
		return core.User{}, err
	}
	unlock := s.locks.lock(user)
	defer unlock()

	snap, err := s.storage.Load(ctx, user)
	if err != nil {
		return core.User{}, fmt.Errorf("load user %s: %w", user, err)
	}
	if snap.Exists {
		return core.User{}, fmt.Errorf("user %s already exists: %w", user, core.ErrConflict)
	}
	u := core.NewUser(user, username, email, s.now())
	u.Version = 1
	if err := s.storage.Commit(ctx, Changeset{User: u, Create: true}); err != nil {
		return core.User{}, fmt.Errorf("create user %s: %w", user, err)
	}
	return u, nil
}

// GetLedgerState returns the user's current totals. Reads never create
// users: an unknown id is core.ErrNotFound.
func (s *LedgerService) GetLedgerState(ctx context.Context, id core.UserID) (core.User, error) {
	user, err := core.NormalizeUserID(id)
	if err != nil {
		return core.User{}, err
	}
	return s.storage.GetUser(ctx, user)
}

// EnsureUser is GetLedgerState for the implicit deployment user: a missing
// user is created first when auto-provisioning is on.
func (s *LedgerService) EnsureUser(ctx context.Context, id core.UserID) (core.User, error) {
	user, err := core.NormalizeUserID(id)
	if err != nil {
		return core.User{}, err
	}
	u, err := s.storage.GetUser(ctx, user)
	if err == nil || !errors.Is(err, core.ErrNotFound) || !s.autoProvision {
		return u, err
	}
	tx, err := s.update(ctx, user, func(*ledgerTx) error { return nil })
	if err != nil {
		return core.User{}, err
	}
	return tx.user, nil
}

// ListActivities returns the user's activities, most recent activity date first.
func (s *LedgerService) ListActivities(ctx context.Context, id core.UserID) ([]core.Activity, error) {
	user, err := s.knownUser(ctx, id)
	if err != nil {
		return nil, err
	}
	acts, err := s.storage.ListActivities(ctx, user)
	if err != nil {
		return nil, err
	}
	sortActivities(acts)
	return acts, nil
}

// RecentActivities returns at most n activities; n <= 0 uses the default.
func (s *LedgerService) RecentActivities(ctx context.Context, id core.UserID, n int) ([]core.Activity, error) {
	if n <= 0 {
		n = DefaultRecentActivities
	}
	acts, err := s.ListActivities(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(acts) > n {
		acts = acts[:n]
	}
	return acts, nil
}

// ListRewards returns the user's rewards, newest first.
func (s *LedgerService) ListRewards(ctx context.Context, id core.UserID) ([]core.Reward, error) {
	user, err := s.knownUser(ctx, id)
	if err != nil {
		return nil, err
	}
	rewards, err := s.storage.ListRewards(ctx, user)
	if err != nil {
		return nil, err
	}
	sortRewards(rewards)
	return rewards, nil
}

// RecentRewards returns at most n rewards; n <= 0 uses the default.
func (s *LedgerService) RecentRewards(ctx context.Context, id core.UserID, n int) ([]core.Reward, error) {
	if n <= 0 {
		n = DefaultRecentRewards
	}
	rewards, err := s.ListRewards(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(rewards) > n {
		rewards = rewards[:n]
	}
	return rewards, nil
}

// ListUsers returns every user id known to storage.
func (s *LedgerService) ListUsers(ctx context.Context) ([]core.UserID, error) {
	return s.storage.ListUsers(ctx)
}

// ReconcileReport describes one reconciliation pass over a user.
type ReconcileReport struct {
	UserID       core.UserID `json:"user_id"`
	PointsBefore int64       `json:"points_before"`
	PointsAfter  int64       `json:"points_after"`
	CarbonBefore float64     `json:"carbon_before"`
	CarbonAfter  float64     `json:"carbon_after"`
	Repaired     bool        `json:"repaired"`
}

// Reconcile recomputes the user's totals from activity and reward history and
// repairs the user record when it drifted. Level never decreases.
func (s *LedgerService) Reconcile(ctx context.Context, id core.UserID) (ReconcileReport, error) {
	user, err := core.NormalizeUserID(id)
	if err != nil {
		return ReconcileReport{}, err
	}
	report := ReconcileReport{UserID: user}
	tx, err := s.updateExisting(ctx, user, func(tx *ledgerTx) error {
		report.PointsBefore = tx.user.TotalPoints
		report.CarbonBefore = tx.user.TotalCarbonSaved
		points, carbon := Totals(tx.activities, tx.rewards)
		if points == tx.user.TotalPoints && math.Abs(carbon-tx.user.TotalCarbonSaved) < 1e-9 {
			return errNoChange
		}
		tx.user.TotalPoints = points
		tx.user.TotalCarbonSaved = carbon
		report.Repaired = true
		return s.settleLevels(tx)
	})
	if errors.Is(err, errNoChange) {
		report.PointsAfter = report.PointsBefore
		report.CarbonAfter = report.CarbonBefore
		return report, nil
	}
	if err != nil {
		return ReconcileReport{}, err
	}
	report.PointsAfter = tx.user.TotalPoints
	report.CarbonAfter = tx.user.TotalCarbonSaved
	s.logger.WarnContext(ctx, "ledger drift repaired",
		"user", user,
		"points_before", report.PointsBefore, "points_after", report.PointsAfter,
		"carbon_before", report.CarbonBefore, "carbon_after", report.CarbonAfter)
	s.publish(ctx, tx)
	return report, nil
}

// Totals derives the ledger totals from history.
func Totals(activities []core.Activity, rewards []core.Reward) (points int64, carbon float64) {
	for _, a := range activities {
		points += a.PointsEarned
		carbon += a.CarbonSaved
	}
	for _, r := range rewards {
		points += r.PointsAwarded
	}
	return points, carbon
}

var errNoChange = errors.New("no change")

func (s *LedgerService) knownUser(ctx context.Context, id core.UserID) (core.UserID, error) {
	user, err := core.NormalizeUserID(id)
	if err != nil {
		return "", err
	}
	if _, err := s.storage.GetUser(ctx, user); err != nil {
		return "", err
	}
	return user, nil
}

// ledgerTx accumulates one operation's changes against a loaded snapshot.
type ledgerTx struct {
	user          core.User
	activities    []core.Activity
	rewards       []core.Reward
	newActivities []core.Activity
	newRewards    []core.Reward
	events        []core.Event
	pointsDelta   int64
	carbonDelta   float64
}

// applyDelta credits points and carbon. The ledger only grows, so a negative
// delta or one that would overflow the total is refused.
func (tx *ledgerTx) applyDelta(points int64, carbon float64) error {
	if points < 0 {
		return fmt.Errorf("negative points delta %d for user %s", points, tx.user.ID)
	}
	next, err := core.AddSafe(tx.user.TotalPoints, points)
	if err != nil {
		return &core.ValidationError{Field: "quantity", Reason: "total points would overflow"}
	}
	if c := tx.user.TotalCarbonSaved + carbon; math.IsInf(c, 0) || math.IsNaN(c) {
		return &core.ValidationError{Field: "quantity", Reason: "total carbon saved would overflow"}
	}
	tx.user.TotalPoints = next
	tx.user.TotalCarbonSaved += carbon
	tx.pointsDelta += points
	tx.carbonDelta += carbon
	return nil
}

func (s *LedgerService) update(ctx context.Context, user core.UserID, fn func(*ledgerTx) error) (*ledgerTx, error) {
	return s.run(ctx, user, s.autoProvision, fn)
}

func (s *LedgerService) updateExisting(ctx context.Context, user core.UserID, fn func(*ledgerTx) error) (*ledgerTx, error) {
	return s.run(ctx, user, false, fn)
}

// run loads, mutates and commits under the user's lock.
func (s *LedgerService) run(ctx context.Context, user core.UserID, provision bool, fn func(*ledgerTx) error) (*ledgerTx, error) {
	unlock := s.locks.lock(user)
	defer unlock()

	snap, err := s.storage.Load(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", user, err)
	}
	if !snap.Exists {
		if !provision {
			return nil, fmt.Errorf("user %s: %w", user, core.ErrNotFound)
		}
		snap.User = s.provisionedUser(user)
	}
	tx := &ledgerTx{user: snap.User, activities: snap.Activities, rewards: snap.Rewards}
	if err := fn(tx); err != nil {
		return nil, err
	}

	cs := Changeset{
		User:            tx.user,
		ExpectedVersion: snap.User.Version,
		Create:          !snap.Exists,
		Activities:      tx.newActivities,
		Rewards:         tx.newRewards,
	}
	cs.User.Version = snap.User.Version + 1
	cs.User.UpdatedAt = s.now()
	if err := s.storage.Commit(ctx, cs); err != nil {
		return nil, fmt.Errorf("commit ledger for %s: %w", user, err)
	}
	tx.user = cs.User
	return tx, nil
}

func (s *LedgerService) provisionedUser(user core.UserID) core.User {
	if user == core.DefaultUserID {
		return core.NewUser(user, "EcoWarrior", "warrior@greenmove.eco", s.now())
	}
	return core.NewUser(user, "", "", s.now())
}

// settleLevels advances one level at a time while the total qualifies,
// issuing one level reward per level crossed.
func (s *LedgerService) settleLevels(tx *ledgerTx) error {
	for {
		up, next := core.EvaluateLevel(tx.user.Level, tx.user.TotalPoints)
		if !up {
			return nil
		}
		tx.user.Level = next
		tx.events = append(tx.events, core.NewLevelUp(tx.user.ID, next))
		if _, err := s.issue(tx, core.LevelReward(next)); err != nil {
			return err
		}
	}
}

func (s *LedgerService) checkMilestones(ctx context.Context, tx *ledgerTx) error {
	progress := core.Progress{User: tx.user, Activities: tx.activities, Rewards: tx.rewards}
	for _, spec := range s.rules.Evaluate(ctx, progress) {
		issued, err := s.issue(tx, spec)
		if err != nil {
			return err
		}
		if issued {
			if err := s.settleLevels(tx); err != nil {
				return err
			}
		}
	}
	return nil
}

// issue creates the reward unless its key is already held, and credits its points.
func (s *LedgerService) issue(tx *ledgerTx, spec core.RewardSpec) (bool, error) {
	if core.HasReward(tx.rewards, spec.Key) {
		return false, nil
	}
	r := core.Reward{
		ID:            s.newID(),
		UserID:        tx.user.ID,
		Key:           spec.Key,
		RewardType:    spec.Type,
		Title:         spec.Title,
		Description:   spec.Description,
		IconName:      spec.IconName,
		PointsAwarded: spec.Points,
		UnlockedAt:    s.now(),
	}
	if err := tx.applyDelta(r.PointsAwarded, 0); err != nil {
		return false, err
	}
	tx.rewards = append(tx.rewards, r)
	tx.newRewards = append(tx.newRewards, r)
	tx.events = append(tx.events, core.NewRewardIssued(r))
	return true, nil
}

func (s *LedgerService) publish(ctx context.Context, tx *ledgerTx) {
	for _, ev := range tx.events {
		s.bus.Publish(ctx, ev)
	}
	s.bus.Publish(ctx, core.NewLedgerUpdated(tx.user, tx.pointsDelta, tx.carbonDelta))
}

func sortActivities(acts []core.Activity) {
	sort.SliceStable(acts, func(i, j int) bool {
		if acts[i].ActivityDate.Equal(acts[j].ActivityDate) {
			return acts[i].CreatedAt.After(acts[j].CreatedAt)
		}
		return acts[i].ActivityDate.After(acts[j].ActivityDate)
	})
}

// sortRewards orders newest first; rewards unlocked in the same instant keep
// reverse issue order.
func sortRewards(rewards []core.Reward) {
	for i, j := 0, len(rewards)-1; i < j; i, j = i+1, j-1 {
		rewards[i], rewards[j] = rewards[j], rewards[i]
	}
	sort.SliceStable(rewards, func(i, j int) bool {
		return rewards[i].UnlockedAt.After(rewards[j].UnlockedAt)
	})
}

type simpleRuleEngine struct{ rules []core.Rule }

func (s *simpleRuleEngine) Evaluate(ctx context.Context, p core.Progress) []core.RewardSpec {
	var out []core.RewardSpec
	for _, r := range s.rules {
		out = append(out, r.Evaluate(ctx, p)...)
	}
	return out
}
