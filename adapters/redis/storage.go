package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"greenmove/core"
	"greenmove/engine"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string        `json:"addr" yaml:"addr" env:"GREENMOVE_STORAGE_REDIS_ADDR"`
	Password     string        `json:"password,omitempty" yaml:"password,omitempty" env:"GREENMOVE_STORAGE_REDIS_PASSWORD"`
	DB           int           `json:"db" yaml:"db" env:"GREENMOVE_STORAGE_REDIS_DB"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size" env:"GREENMOVE_STORAGE_REDIS_POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns" yaml:"min_idle_conns" env:"GREENMOVE_STORAGE_REDIS_MIN_IDLE"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout" env:"GREENMOVE_STORAGE_REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout" env:"GREENMOVE_STORAGE_REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" env:"GREENMOVE_STORAGE_REDIS_WRITE_TIMEOUT"`
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Store implements engine.Storage on Redis.
// Data structure:
// - user:{id}:profile -> JSON blob of core.User
// - user:{id}:version -> committed version, compared inside the commit script
// - user:{id}:activities -> list of JSON activities in insertion order
// - user:{id}:rewards -> list of JSON rewards in issue order
// - user:{id}:reward_keys -> set of milestone keys held
// - users -> set of all user ids
//
// The braces keep one user's keys in a single cluster hash slot, so the
// commit script only touches that slot. The users index lives in another slot
// and is written after the script.
type Store struct {
	client *redis.Client
}

// New creates a new Redis-backed storage with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client}, nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

const usersKey = "users"

func userKey(userID core.UserID, suffix string) string {
	return fmt.Sprintf("user:{%s}:%s", userID, suffix)
}

func commitKeys(userID core.UserID) []string {
	return []string{
		userKey(userID, "profile"),
		userKey(userID, "version"),
		userKey(userID, "activities"),
		userKey(userID, "rewards"),
		userKey(userID, "reward_keys"),
	}
}

// commitScript applies a changeset atomically.
// ARGV: create, expected version, new version, user JSON, user id (unused),
// activity count, activities..., reward count, (reward key, reward JSON)...
var commitScript = redis.NewScript(`
	local current = redis.call('GET', KEYS[2])
	if ARGV[1] == '1' then
		if current then
			return 'CONFLICT'
		end
	elseif current ~= ARGV[2] then
		return 'CONFLICT'
	end

	local nacts = tonumber(ARGV[6])
	local base = 7 + nacts
	local nrewards = tonumber(ARGV[base])
	for i = 0, nrewards - 1 do
		if redis.call('SISMEMBER', KEYS[5], ARGV[base + 1 + 2 * i]) == 1 then
			return 'DUPLICATE'
		end
	end

	redis.call('SET', KEYS[1], ARGV[4])
	redis.call('SET', KEYS[2], ARGV[3])
	for i = 1, nacts do
		redis.call('RPUSH', KEYS[3], ARGV[6 + i])
	end
	for i = 0, nrewards - 1 do
		redis.call('SADD', KEYS[5], ARGV[base + 1 + 2 * i])
		redis.call('RPUSH', KEYS[4], ARGV[base + 2 + 2 * i])
	end
	return 'OK'
`)

// Commit applies the changeset in a single script execution.
func (s *Store) Commit(ctx context.Context, cs engine.Changeset) error {
	profile, err := json.Marshal(cs.User)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}
	create := "0"
	if cs.Create {
		create = "1"
	}
	args := []any{
		create,
		strconv.FormatInt(cs.ExpectedVersion, 10),
		strconv.FormatInt(cs.User.Version, 10),
		string(profile),
		string(cs.User.ID),
		len(cs.Activities),
	}
	for _, a := range cs.Activities {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to encode activity: %w", err)
		}
		args = append(args, string(data))
	}
	args = append(args, len(cs.Rewards))
	for _, r := range cs.Rewards {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode reward: %w", err)
		}
		args = append(args, string(r.Key), string(data))
	}

	res, err := commitScript.Run(ctx, s.client, commitKeys(cs.User.ID), args...).Text()
	if err != nil {
		return fmt.Errorf("failed to commit ledger: %w", err)
	}
	switch res {
	case "OK":
		// Every commit re-adds the id, so a lost SADD heals on the user's
		// next write. The ledger itself is already committed here.
		_ = s.client.SAdd(ctx, usersKey, string(cs.User.ID)).Err()
		return nil
	case "CONFLICT":
		return core.ErrConflict
	case "DUPLICATE":
		return core.ErrDuplicateReward
	default:
		return fmt.Errorf("unexpected commit result %q", res)
	}
}

// Load reads the profile and full history inside one MULTI block.
func (s *Store) Load(ctx context.Context, userID core.UserID) (engine.Snapshot, error) {
	var profile *redis.StringCmd
	var acts, rewards *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		profile = p.Get(ctx, userKey(userID, "profile"))
		acts = p.LRange(ctx, userKey(userID, "activities"), 0, -1)
		rewards = p.LRange(ctx, userKey(userID, "rewards"), 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return engine.Snapshot{}, fmt.Errorf("failed to load user: %w", err)
	}

	var snap engine.Snapshot
	user, err := decodeUser(profile)
	switch {
	case errors.Is(err, core.ErrNotFound):
		return snap, nil
	case err != nil:
		return engine.Snapshot{}, err
	}
	snap.User = user
	snap.Exists = true
	if snap.Activities, err = decodeList[core.Activity](acts.Val()); err != nil {
		return engine.Snapshot{}, err
	}
	if snap.Rewards, err = decodeList[core.Reward](rewards.Val()); err != nil {
		return engine.Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) GetUser(ctx context.Context, userID core.UserID) (core.User, error) {
	return decodeUser(s.client.Get(ctx, userKey(userID, "profile")))
}

func (s *Store) ListActivities(ctx context.Context, userID core.UserID) ([]core.Activity, error) {
	raw, err := s.client.LRange(ctx, userKey(userID, "activities"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	return decodeList[core.Activity](raw)
}

func (s *Store) ListRewards(ctx context.Context, userID core.UserID) ([]core.Reward, error) {
	raw, err := s.client.LRange(ctx, userKey(userID, "rewards"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rewards: %w", err)
	}
	return decodeList[core.Reward](raw)
}

// ListUsers returns every stored user id, sorted.
func (s *Store) ListUsers(ctx context.Context) ([]core.UserID, error) {
	ids, err := s.client.SMembers(ctx, usersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	sort.Strings(ids)
	out := make([]core.UserID, 0, len(ids))
	for _, id := range ids {
		out = append(out, core.UserID(id))
	}
	return out, nil
}

func decodeUser(cmd *redis.StringCmd) (core.User, error) {
	data, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return core.User{}, core.ErrNotFound
	}
	if err != nil {
		return core.User{}, fmt.Errorf("failed to read user: %w", err)
	}
	var u core.User
	if err := json.Unmarshal(data, &u); err != nil {
		return core.User{}, fmt.Errorf("failed to decode user: %w", err)
	}
	return u, nil
}

func decodeList[T any](raw []string) ([]T, error) {
	out := make([]T, 0, len(raw))
	for _, item := range raw {
		var v T
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			return nil, fmt.Errorf("failed to decode entry: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

var _ engine.Storage = (*Store)(nil)
