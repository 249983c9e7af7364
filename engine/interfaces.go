package engine

import (
	"context"

	"greenmove/core"
)

// Snapshot is everything the engine needs to process one submission for a user.
type Snapshot struct {
	User       core.User
	Exists     bool
	Activities []core.Activity
	Rewards    []core.Reward
}

// Changeset is the result of one logical ledger operation. Stores must apply
// it all-or-nothing.
type Changeset struct {
	// User is the new user state with Version already advanced.
	User core.User
	// ExpectedVersion is the version the change was computed against.
	ExpectedVersion int64
	// Create is set when the user did not exist at load time.
	Create     bool
	Activities []core.Activity
	Rewards    []core.Reward
}

// Storage abstracts persistence for ledger state.
//
// Commit must fail with core.ErrConflict when the stored version differs from
// ExpectedVersion (or the user already exists and Create is set), and with
// core.ErrDuplicateReward when a reward key is already held. In both cases no
// part of the changeset may be written.
type Storage interface {
	Load(ctx context.Context, user core.UserID) (Snapshot, error)
	Commit(ctx context.Context, cs Changeset) error
	GetUser(ctx context.Context, user core.UserID) (core.User, error)
	ListActivities(ctx context.Context, user core.UserID) ([]core.Activity, error)
	ListRewards(ctx context.Context, user core.UserID) ([]core.Reward, error)
	ListUsers(ctx context.Context) ([]core.UserID, error)
}

// RuleEngine evaluates milestone rules against post-update progress.
type RuleEngine interface {
	Evaluate(ctx context.Context, p core.Progress) []core.RewardSpec
}
