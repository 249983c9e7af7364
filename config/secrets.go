package config

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// SecretStore resolves named secrets.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	GetWithDefault(ctx context.Context, key, def string) string
}

// EnvironmentSecretStore reads secrets from process environment variables.
type EnvironmentSecretStore struct{}

func NewEnvironmentSecretStore() *EnvironmentSecretStore { return &EnvironmentSecretStore{} }

func (EnvironmentSecretStore) Get(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("secret %s not set", key)
	}
	return v, nil
}

func (s EnvironmentSecretStore) GetWithDefault(ctx context.Context, key, def string) string {
	if v, err := s.Get(ctx, key); err == nil {
		return v
	}
	return def
}

// Secret variable names.
const (
	SecretSQLDSN        = "GREENMOVE_SECRET_SQL_DSN"
	SecretRedisPassword = "GREENMOVE_SECRET_REDIS_PASSWORD"
	SecretAPIKeys       = "GREENMOVE_SECRET_API_KEYS"
	SecretWebhook       = "GREENMOVE_SECRET_WEBHOOK"
)

// LoadSecretsFromEnv overlays credentials from the environment secret store.
func (c *Config) LoadSecretsFromEnv(ctx context.Context) error {
	return c.LoadSecrets(ctx, NewEnvironmentSecretStore())
}

// LoadSecrets overlays credentials from store. The active storage adapter's
// credential is required; the rest are optional.
func (c *Config) LoadSecrets(ctx context.Context, store SecretStore) error {
	switch c.Storage.Adapter {
	case "sql":
		dsn, err := store.Get(ctx, SecretSQLDSN)
		if err != nil {
			return fmt.Errorf("sql storage: %w", err)
		}
		c.Storage.SQL.DSN = dsn
	case "redis":
		c.Storage.Redis.Password = store.GetWithDefault(ctx, SecretRedisPassword, c.Storage.Redis.Password)
	}
	if keys := store.GetWithDefault(ctx, SecretAPIKeys, ""); keys != "" {
		c.Security.APIKeys = c.Security.APIKeys[:0]
		for _, k := range strings.Split(keys, ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.Security.APIKeys = append(c.Security.APIKeys, k)
			}
		}
	}
	c.Ledger.Webhooks.Secret = store.GetWithDefault(ctx, SecretWebhook, c.Ledger.Webhooks.Secret)
	return nil
}
