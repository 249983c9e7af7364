package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"greenmove/core"
	"greenmove/engine"
)

// Store persists the entire ledger to a single JSON file.
// Suitable for demos and small deployments.
type Store struct {
	path string
	mu   sync.Mutex
	// in-memory cache for speed
	data map[core.UserID]ledger
}

type ledger struct {
	User       core.User       `json:"user"`
	Activities []core.Activity `json:"activities"`
	Rewards    []core.Reward   `json:"rewards"`
}

func (l ledger) holds(key core.MilestoneKey) bool { return core.HasReward(l.Rewards, key) }

func New(path string) (*Store, error) {
	s := &Store{path: path, data: map[core.UserID]ledger{}}
	if err := s.load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var raw map[string]ledger
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode %s: %w", s.path, err)
	}
	for k, v := range raw {
		s.data[core.UserID(k)] = v
	}
	return nil
}

func (s *Store) persist() error {
	tmp := s.path + ".tmp"
	raw := make(map[string]ledger, len(s.data))
	for k, v := range s.data {
		raw[string(k)] = v
	}
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) Load(_ context.Context, user core.UserID) (engine.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.data[user]
	if !ok {
		return engine.Snapshot{}, nil
	}
	return engine.Snapshot{
		User:       l.User,
		Exists:     true,
		Activities: append([]core.Activity(nil), l.Activities...),
		Rewards:    append([]core.Reward(nil), l.Rewards...),
	}, nil
}

// Commit validates the changeset, applies it and rewrites the file. A failed
// write restores the previous in-memory state.
func (s *Store) Commit(_ context.Context, cs engine.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, exists := s.data[cs.User.ID]
	if cs.Create && exists {
		return core.ErrConflict
	}
	if !cs.Create && (!exists || prev.User.Version != cs.ExpectedVersion) {
		return core.ErrConflict
	}
	for _, r := range cs.Rewards {
		if prev.holds(r.Key) {
			return core.ErrDuplicateReward
		}
	}

	next := ledger{
		User:       cs.User,
		Activities: append(append([]core.Activity{}, prev.Activities...), cs.Activities...),
		Rewards:    append(append([]core.Reward{}, prev.Rewards...), cs.Rewards...),
	}
	s.data[cs.User.ID] = next
	if err := s.persist(); err != nil {
		if exists {
			s.data[cs.User.ID] = prev
		} else {
			delete(s.data, cs.User.ID)
		}
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

func (s *Store) GetUser(_ context.Context, user core.UserID) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.data[user]
	if !ok {
		return core.User{}, core.ErrNotFound
	}
	return l.User, nil
}

func (s *Store) ListActivities(_ context.Context, user core.UserID) ([]core.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Activity{}, s.data[user].Activities...), nil
}

func (s *Store) ListRewards(_ context.Context, user core.UserID) ([]core.Reward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Reward{}, s.data[user].Rewards...), nil
}

func (s *Store) ListUsers(_ context.Context) ([]core.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]core.UserID, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

var _ engine.Storage = (*Store)(nil)
