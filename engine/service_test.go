package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mem "greenmove/adapters/memory"
	"greenmove/core"
	"greenmove/engine"
)

// stepClock advances one second per call so unlock times are distinct.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newTestService(t *testing.T, store engine.Storage, opts ...engine.ServiceOption) *engine.LedgerService {
	t.Helper()
	opts = append([]engine.ServiceOption{engine.WithClock(stepClock())}, opts...)
	svc := engine.NewLedgerService(store, engine.NewEventBus(engine.DispatchSync), engine.DefaultRuleEngine(), opts...)
	t.Cleanup(svc.Close)
	return svc
}

// seed stores a user whose totals match the given history.
func seed(t *testing.T, store *mem.Store, id core.UserID, level int64, acts []core.Activity, rewards []core.Reward) {
	t.Helper()
	u := core.NewUser(id, "", "", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	u.Level = level
	u.Version = 1
	u.TotalPoints, u.TotalCarbonSaved = engine.Totals(acts, rewards)
	require.NoError(t, store.Commit(context.Background(), engine.Changeset{
		User: u, Create: true, Activities: acts, Rewards: rewards,
	}))
}

func assertLedgerConsistent(t *testing.T, svc *engine.LedgerService, id core.UserID) core.User {
	t.Helper()
	ctx := context.Background()
	u, err := svc.GetLedgerState(ctx, id)
	require.NoError(t, err)
	acts, err := svc.ListActivities(ctx, id)
	require.NoError(t, err)
	rewards, err := svc.ListRewards(ctx, id)
	require.NoError(t, err)
	points, carbon := engine.Totals(acts, rewards)
	assert.Equal(t, points, u.TotalPoints, "points must equal history")
	assert.InDelta(t, carbon, u.TotalCarbonSaved, 1e-9, "carbon must equal history")
	seen := map[string]bool{}
	for _, r := range rewards {
		assert.False(t, seen[r.Title], "duplicate reward title %q", r.Title)
		seen[r.Title] = true
	}
	return u
}

func titles(rewards []core.Reward) []string {
	out := make([]string, 0, len(rewards))
	for _, r := range rewards {
		out = append(out, r.Title)
	}
	return out
}

func TestFirstActivityAwardsFirstSteps(t *testing.T) {
	svc := newTestService(t, mem.New())
	ctx := context.Background()

	act, err := svc.RecordActivity(ctx, engine.NewActivity{
		UserID:       "alice",
		Category:     core.CategoryTransport,
		ActivityType: "Bike",
		Quantity:     5,
		Unit:         "miles",
	})
	require.NoError(t, err)
	assert.InDelta(t, 4.5, act.CarbonSaved, 1e-9)
	assert.Equal(t, int64(50), act.PointsEarned)
	assert.NotEmpty(t, act.ID)

	u := assertLedgerConsistent(t, svc, "alice")
	assert.Equal(t, int64(75), u.TotalPoints)
	assert.InDelta(t, 4.5, u.TotalCarbonSaved, 1e-9)
	assert.Equal(t, int64(1), u.Level)

	rewards, err := svc.ListRewards(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, rewards, 1)
	assert.Equal(t, "First Steps", rewards[0].Title)
	assert.Equal(t, int64(25), rewards[0].PointsAwarded)
	assert.Equal(t, core.RewardAchievement, rewards[0].RewardType)
}

func TestGreenWarriorFiresOnceAcrossThreshold(t *testing.T) {
	svc := newTestService(t, mem.New())
	ctx := context.Background()

	_, err := svc.RecordActivity(ctx, engine.NewActivity{UserID: "bob", Category: core.CategoryFood, ActivityType: "Food Waste Prevented", Quantity: 8})
	require.NoError(t, err)
	u, err := svc.GetLedgerState(ctx, "bob")
	require.NoError(t, err)
	assert.InDelta(t, 8, u.TotalCarbonSaved, 1e-9)

	_, err = svc.RecordActivity(ctx, engine.NewActivity{UserID: "bob", Category: core.CategoryFood, ActivityType: "Food Waste Prevented", Quantity: 5})
	require.NoError(t, err)
	_, err = svc.RecordActivity(ctx, engine.NewActivity{UserID: "bob", Category: core.CategoryFood, ActivityType: "Food Waste Prevented", Quantity: 1})
	require.NoError(t, err)

	u = assertLedgerConsistent(t, svc, "bob")
	assert.InDelta(t, 14, u.TotalCarbonSaved, 1e-9)

	rewards, err := svc.ListRewards(ctx, "bob")
	require.NoError(t, err)
	count := 0
	for _, r := range rewards {
		if r.Key == core.MilestoneGreenWarrior {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestLevelUpAddsLevelReward(t *testing.T) {
	store := mem.New()
	seed(t, store, "carol", 1,
		[]core.Activity{{ID: "a0", UserID: "carol", PointsEarned: 70, CarbonSaved: 7}},
		[]core.Reward{{ID: "r0", UserID: "carol", Key: core.MilestoneFirstSteps, Title: "First Steps", PointsAwarded: 25}},
	)
	svc := newTestService(t, store)
	ctx := context.Background()

	before, err := svc.GetLedgerState(ctx, "carol")
	require.NoError(t, err)
	require.Equal(t, int64(95), before.TotalPoints)

	act, err := svc.RecordActivity(ctx, engine.NewActivity{UserID: "carol", Category: core.CategoryTransport, ActivityType: "Walk", Quantity: 2.5})
	require.NoError(t, err)
	require.Equal(t, int64(20), act.PointsEarned)

	u := assertLedgerConsistent(t, svc, "carol")
	assert.Equal(t, int64(2), u.Level)
	assert.Equal(t, int64(165), u.TotalPoints)

	rewards, err := svc.ListRewards(ctx, "carol")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"First Steps", "Level 2 Reached!"}, titles(rewards))
	assert.Equal(t, "Level 2 Reached!", rewards[0].Title, "newest reward first")
	assert.Equal(t, int64(50), rewards[0].PointsAwarded)
}

func TestLevelCascadeAwardsEveryLevelCrossed(t *testing.T) {
	store := mem.New()
	seed(t, store, "dan", 1,
		[]core.Activity{{ID: "a0", UserID: "dan", PointsEarned: 70, CarbonSaved: 7}},
		[]core.Reward{{ID: "r0", UserID: "dan", Key: core.MilestoneFirstSteps, Title: "First Steps", PointsAwarded: 25}},
	)
	svc := newTestService(t, store)

	_, err := svc.RecordActivity(context.Background(), engine.NewActivity{UserID: "dan", Category: core.CategoryTransport, ActivityType: "Bike", Quantity: 21.5})
	require.NoError(t, err)

	u := assertLedgerConsistent(t, svc, "dan")
	// 310 after the activity, five level rewards reach 560, Green Warrior
	// pushes to 610 and one more level reward lands on 660.
	assert.Equal(t, int64(7), u.Level)
	assert.Equal(t, int64(660), u.TotalPoints)

	rewards, err := svc.ListRewards(context.Background(), "dan")
	require.NoError(t, err)
	for lvl := int64(2); lvl <= 7; lvl++ {
		assert.True(t, core.HasReward(rewards, core.LevelKey(lvl)), "missing level %d reward", lvl)
	}
	assert.True(t, core.HasReward(rewards, core.MilestoneGreenWarrior))
	assert.Len(t, rewards, 8)
}

func TestCarbonJumpAwardsBothTiers(t *testing.T) {
	store := mem.New()
	seed(t, store, "erin", 1,
		[]core.Activity{{ID: "a0", UserID: "erin", PointsEarned: 40, CarbonSaved: 5}},
		[]core.Reward{{ID: "r0", UserID: "erin", Key: core.MilestoneFirstSteps, Title: "First Steps", PointsAwarded: 25}},
	)
	svc := newTestService(t, store)

	_, err := svc.RecordActivity(context.Background(), engine.NewActivity{UserID: "erin", Category: core.CategoryFood, ActivityType: "Plant-based Meal", Quantity: 22})
	require.NoError(t, err)

	u := assertLedgerConsistent(t, svc, "erin")
	assert.InDelta(t, 60, u.TotalCarbonSaved, 1e-9)
	rewards, err := svc.ListRewards(context.Background(), "erin")
	require.NoError(t, err)
	assert.True(t, core.HasReward(rewards, core.MilestoneGreenWarrior))
	assert.True(t, core.HasReward(rewards, core.MilestoneEcoChampion))
}

func TestMilestonesAreIdempotent(t *testing.T) {
	svc := newTestService(t, mem.New())
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := svc.RecordActivity(ctx, engine.NewActivity{UserID: "frank", Category: core.CategoryFood, ActivityType: "Plant-based Meal", Quantity: 3})
		require.NoError(t, err)
	}
	assertLedgerConsistent(t, svc, "frank")

	rewards, err := svc.ListRewards(ctx, "frank")
	require.NoError(t, err)
	counts := map[core.MilestoneKey]int{}
	for _, r := range rewards {
		counts[r.Key]++
	}
	for key, n := range counts {
		assert.Equal(t, 1, n, "reward %s issued %d times", key, n)
	}
	assert.Equal(t, 1, counts[core.MilestoneFirstSteps])
	assert.Equal(t, 1, counts[core.MilestoneDedicatedGreen])
	assert.Equal(t, 1, counts[core.MilestoneEcoChampion])
}

func TestLedgerInvariantOverMixedSequence(t *testing.T) {
	svc := newTestService(t, mem.New())
	ctx := context.Background()
	inputs := []engine.NewActivity{
		{Category: core.CategoryTransport, ActivityType: "Carpool", Quantity: 0.5},
		{Category: core.CategoryEnergy, ActivityType: "LED Bulbs", Quantity: 7},
		{Category: core.CategoryWaste, ActivityType: "Hovercraft", Quantity: 3.3, Unit: "trips"},
		{Category: core.CategoryWater, ActivityType: "Shower Shortened", Quantity: 12.25},
		{Category: core.Category("Space"), ActivityType: "Orbit", Quantity: 1.1},
		{Category: core.CategoryFood, ActivityType: "Local Produce", Quantity: 40},
		{Category: core.CategoryTransport, ActivityType: "Electric Vehicle", Quantity: 250},
	}
	for _, in := range inputs {
		in.UserID = "gina"
		_, err := svc.RecordActivity(ctx, in)
		require.NoError(t, err)
		assertLedgerConsistent(t, svc, "gina")
	}
}

func TestFallbackValuationKeepsCallerUnit(t *testing.T) {
	svc := newTestService(t, mem.New())
	act, err := svc.RecordActivity(context.Background(), engine.NewActivity{
		UserID: "hal", Category: core.CategoryTransport, ActivityType: "Teleport", Quantity: 4, Unit: "hops",
	})
	require.NoError(t, err)
	assert.InDelta(t, 2, act.CarbonSaved, 1e-9)
	assert.Equal(t, int64(20), act.PointsEarned)
	assert.Equal(t, "hops", act.Unit)

	act, err = svc.RecordActivity(context.Background(), engine.NewActivity{
		UserID: "hal", Category: core.CategoryTransport, ActivityType: "Bike", Quantity: 1, Unit: "km",
	})
	require.NoError(t, err)
	assert.Equal(t, "miles", act.Unit, "known types take the table unit")
}

func TestRecordActivityValidation(t *testing.T) {
	svc := newTestService(t, mem.New())
	cases := []engine.NewActivity{
		{UserID: " ", Category: core.CategoryTransport, ActivityType: "Bike", Quantity: 1},
		{UserID: "u", Category: "", ActivityType: "Bike", Quantity: 1},
		{UserID: "u", Category: core.CategoryTransport, ActivityType: "", Quantity: 1},
		{UserID: "u", Category: core.CategoryTransport, ActivityType: "Bike", Quantity: 0},
		{UserID: "u", Category: core.CategoryTransport, ActivityType: "Bike", Quantity: -2},
		{UserID: "u", Category: core.CategoryTransport, ActivityType: "Bike", Quantity: math.NaN()},
		{UserID: "u", Category: core.CategoryTransport, ActivityType: "Bike", Quantity: math.Inf(1)},
		{UserID: "u", Category: core.CategoryTransport, ActivityType: "Bike", Quantity: 1, Location: &core.Location{Lat: 100}},
		// points beyond int64 or the per-activity cap
		{UserID: "u", Category: core.CategoryTransport, ActivityType: "Bike", Quantity: 1e18},
		{UserID: "u", Category: core.CategoryTransport, ActivityType: "Bike", Quantity: 1e7},
		{UserID: "u", Category: "Space", ActivityType: "Hovercraft", Quantity: 1e300},
		{UserID: "u", Category: core.CategoryTransport, ActivityType: "Bike", Quantity: math.MaxFloat64},
	}
	for i, in := range cases {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			_, err := svc.RecordActivity(context.Background(), in)
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}
	users, err := svc.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, users, "rejected input must not provision users")
}

func TestRecordActivityRejectsPointOverflow(t *testing.T) {
	store := mem.New()
	svc := newTestService(t, store)
	ctx := context.Background()

	u := core.NewUser("max", "", "", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	u.TotalPoints = math.MaxInt64 - 5
	u.Version = 1
	require.NoError(t, store.Commit(ctx, engine.Changeset{User: u, Create: true}))

	_, err := svc.RecordActivity(ctx, engine.NewActivity{UserID: "max", Category: core.CategoryTransport, ActivityType: "Bike", Quantity: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrValidation)

	got, err := svc.GetLedgerState(ctx, "max")
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64-5), got.TotalPoints)
	assert.Equal(t, int64(1), got.Version)
	acts, err := svc.ListActivities(ctx, "max")
	require.NoError(t, err)
	assert.Empty(t, acts)
}

func TestActivityDateDefaultsToNow(t *testing.T) {
	svc := newTestService(t, mem.New())
	act, err := svc.RecordActivity(context.Background(), engine.NewActivity{UserID: "ivy", Category: core.CategoryWater, ActivityType: "Dishwasher Eco Mode", Quantity: 1})
	require.NoError(t, err)
	assert.False(t, act.ActivityDate.IsZero())
	assert.Equal(t, act.CreatedAt, act.ActivityDate)
}

func TestConcurrentSubmissionsSameUser(t *testing.T) {
	svc := newTestService(t, mem.New())
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := core.UserID("shared")
			if i%2 == 1 {
				user = core.UserID(fmt.Sprintf("solo-%d", i))
			}
			_, err := svc.RecordActivity(ctx, engine.NewActivity{UserID: user, Category: core.CategoryWaste, ActivityType: "Recycled", Quantity: 2})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	u := assertLedgerConsistent(t, svc, "shared")
	acts, err := svc.ListActivities(ctx, "shared")
	require.NoError(t, err)
	assert.Len(t, acts, 20)
	assert.InDelta(t, 48, u.TotalCarbonSaved, 1e-9)
}

func TestDefaultUserIsProvisionedLazily(t *testing.T) {
	svc := newTestService(t, mem.New())
	u, err := svc.EnsureUser(context.Background(), core.DefaultUserID)
	require.NoError(t, err)
	assert.Equal(t, "EcoWarrior", u.Username)
	assert.Equal(t, "warrior@greenmove.eco", u.Email)
	assert.Equal(t, int64(1), u.Level)
	assert.Zero(t, u.TotalPoints)

	again, err := svc.GetLedgerState(context.Background(), core.DefaultUserID)
	require.NoError(t, err)
	assert.Equal(t, u.Version, again.Version, "reads must not bump the version")
}

func TestReadsDoNotProvision(t *testing.T) {
	svc := newTestService(t, mem.New())
	ctx := context.Background()

	_, err := svc.GetLedgerState(ctx, "ghost")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = svc.ListActivities(ctx, "ghost")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = svc.ListRewards(ctx, "ghost")
	assert.ErrorIs(t, err, core.ErrNotFound)
	users, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	// writes still provision
	_, err = svc.RecordActivity(ctx, engine.NewActivity{UserID: "ghost", Category: core.CategoryTransport, ActivityType: "Walk", Quantity: 1})
	require.NoError(t, err)
	u, err := svc.GetLedgerState(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, core.UserID("ghost"), u.ID)
}

func TestAutoProvisionDisabled(t *testing.T) {
	svc := newTestService(t, mem.New(), engine.WithAutoProvision(false))
	ctx := context.Background()

	_, err := svc.EnsureUser(ctx, core.DefaultUserID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = svc.ListRewards(ctx, "ghost")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = svc.RecordActivity(ctx, engine.NewActivity{UserID: "ghost", Category: core.CategoryTransport, ActivityType: "Bike", Quantity: 1})
	assert.ErrorIs(t, err, core.ErrNotFound)

	u, err := svc.RegisterUser(ctx, "ghost", "Casper", "casper@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Casper", u.Username)
	_, err = svc.RegisterUser(ctx, "ghost", "Other", "")
	assert.ErrorIs(t, err, core.ErrConflict)

	_, err = svc.RecordActivity(ctx, engine.NewActivity{UserID: "ghost", Category: core.CategoryTransport, ActivityType: "Bike", Quantity: 1})
	require.NoError(t, err)
	assertLedgerConsistent(t, svc, "ghost")
}

func TestEventsFollowCommitOrder(t *testing.T) {
	svc := newTestService(t, mem.New())
	var got []core.EventType
	for _, typ := range []core.EventType{core.EventActivityRecorded, core.EventRewardIssued, core.EventLevelUp, core.EventLedgerUpdated} {
		svc.Subscribe(typ, func(ctx context.Context, e core.Event) { got = append(got, e.Type) })
	}
	_, err := svc.RecordActivity(context.Background(), engine.NewActivity{UserID: "jo", Category: core.CategoryTransport, ActivityType: "Bike", Quantity: 10})
	require.NoError(t, err)
	// 100 points levels up before First Steps is evaluated.
	assert.Equal(t, []core.EventType{
		core.EventActivityRecorded,
		core.EventLevelUp,
		core.EventRewardIssued,
		core.EventRewardIssued,
		core.EventLedgerUpdated,
	}, got)
}

func TestRecentViews(t *testing.T) {
	svc := newTestService(t, mem.New())
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		_, err := svc.RecordActivity(ctx, engine.NewActivity{
			UserID: "kim", Category: core.CategoryWaste, ActivityType: "Composted", Quantity: 1,
			ActivityDate: base.AddDate(0, 0, i),
		})
		require.NoError(t, err)
	}
	recent, err := svc.RecentActivities(ctx, "kim", 0)
	require.NoError(t, err)
	require.Len(t, recent, engine.DefaultRecentActivities)
	assert.True(t, recent[0].ActivityDate.Equal(base.AddDate(0, 0, 6)))

	rewards, err := svc.RecentRewards(ctx, "kim", 1)
	require.NoError(t, err)
	assert.Len(t, rewards, 1)
}

func TestReconcileRepairsDrift(t *testing.T) {
	store := mem.New()
	acts := []core.Activity{{ID: "a0", UserID: "lee", PointsEarned: 40, CarbonSaved: 4}}
	rewards := []core.Reward{{ID: "r0", UserID: "lee", Key: core.MilestoneFirstSteps, PointsAwarded: 25}}
	u := core.NewUser("lee", "", "", time.Now().UTC())
	u.Version = 1
	u.TotalPoints = 10
	require.NoError(t, store.Commit(context.Background(), engine.Changeset{User: u, Create: true, Activities: acts, Rewards: rewards}))

	svc := newTestService(t, store)
	report, err := svc.Reconcile(context.Background(), "lee")
	require.NoError(t, err)
	assert.True(t, report.Repaired)
	assert.Equal(t, int64(10), report.PointsBefore)
	assert.Equal(t, int64(65), report.PointsAfter)
	assert.InDelta(t, 4, report.CarbonAfter, 1e-9)
	assertLedgerConsistent(t, svc, "lee")

	report, err = svc.Reconcile(context.Background(), "lee")
	require.NoError(t, err)
	assert.False(t, report.Repaired)

	_, err = svc.Reconcile(context.Background(), "nobody")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

type conflictingStore struct{ *mem.Store }

func (conflictingStore) Commit(context.Context, engine.Changeset) error { return core.ErrConflict }

func TestConflictIsSurfaced(t *testing.T) {
	svc := newTestService(t, conflictingStore{mem.New()})
	_, err := svc.RecordActivity(context.Background(), engine.NewActivity{UserID: "max", Category: core.CategoryTransport, ActivityType: "Bike", Quantity: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConflict))
}

func TestCustomRateTable(t *testing.T) {
	table := core.RateTable{Categories: []core.CategoryRates{{
		Category: core.CategoryTransport,
		Types:    []core.RateEntry{{Name: "Bike", Unit: "km", CarbonPerUnit: 0.2, PointsPerUnit: 2}},
	}}}
	svc := newTestService(t, mem.New(), engine.WithRateTable(table))
	act, err := svc.RecordActivity(context.Background(), engine.NewActivity{UserID: "ned", Category: core.CategoryTransport, ActivityType: "Bike", Quantity: 10})
	require.NoError(t, err)
	assert.InDelta(t, 2, act.CarbonSaved, 1e-9)
	assert.Equal(t, int64(20), act.PointsEarned)
	assert.Equal(t, "km", act.Unit)
	assert.Equal(t, table, svc.Rates())
}
