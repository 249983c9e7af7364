package memory

import (
	"context"
	"sort"
	"sync"

	"greenmove/core"
	"greenmove/engine"
)

// Store is a concurrent in-memory Storage implementation.
type Store struct {
	users sync.Map // map[core.UserID]*userRecord
}

type userRecord struct {
	mu         sync.Mutex
	exists     bool
	user       core.User
	activities []core.Activity
	rewards    []core.Reward
	rewardKeys map[core.MilestoneKey]struct{}
}

func New() *Store { return &Store{} }

func (s *Store) record(user core.UserID) *userRecord {
	if v, ok := s.users.Load(user); ok {
		return v.(*userRecord)
	}
	rec := &userRecord{rewardKeys: map[core.MilestoneKey]struct{}{}}
	actual, _ := s.users.LoadOrStore(user, rec)
	return actual.(*userRecord)
}

func (s *Store) Load(_ context.Context, user core.UserID) (engine.Snapshot, error) {
	rec := s.record(user)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return engine.Snapshot{
		User:       rec.user,
		Exists:     rec.exists,
		Activities: append([]core.Activity(nil), rec.activities...),
		Rewards:    append([]core.Reward(nil), rec.rewards...),
	}, nil
}

func (s *Store) Commit(_ context.Context, cs engine.Changeset) error {
	rec := s.record(cs.User.ID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if cs.Create && rec.exists {
		return core.ErrConflict
	}
	if !cs.Create && (!rec.exists || rec.user.Version != cs.ExpectedVersion) {
		return core.ErrConflict
	}
	for _, r := range cs.Rewards {
		if _, held := rec.rewardKeys[r.Key]; held {
			return core.ErrDuplicateReward
		}
	}
	rec.exists = true
	rec.user = cs.User
	rec.activities = append(rec.activities, cs.Activities...)
	for _, r := range cs.Rewards {
		rec.rewards = append(rec.rewards, r)
		rec.rewardKeys[r.Key] = struct{}{}
	}
	return nil
}

func (s *Store) GetUser(_ context.Context, user core.UserID) (core.User, error) {
	v, ok := s.users.Load(user)
	if !ok {
		return core.User{}, core.ErrNotFound
	}
	rec := v.(*userRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !rec.exists {
		return core.User{}, core.ErrNotFound
	}
	return rec.user, nil
}

func (s *Store) ListActivities(_ context.Context, user core.UserID) ([]core.Activity, error) {
	v, ok := s.users.Load(user)
	if !ok {
		return []core.Activity{}, nil
	}
	rec := v.(*userRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]core.Activity{}, rec.activities...), nil
}

func (s *Store) ListRewards(_ context.Context, user core.UserID) ([]core.Reward, error) {
	v, ok := s.users.Load(user)
	if !ok {
		return []core.Reward{}, nil
	}
	rec := v.(*userRecord)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]core.Reward{}, rec.rewards...), nil
}

func (s *Store) ListUsers(_ context.Context) ([]core.UserID, error) {
	var ids []core.UserID
	s.users.Range(func(k, v any) bool {
		rec := v.(*userRecord)
		rec.mu.Lock()
		exists := rec.exists
		rec.mu.Unlock()
		if exists {
			ids = append(ids, k.(core.UserID))
		}
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

var _ engine.Storage = (*Store)(nil)
