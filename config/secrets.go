package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrSecretNotFound is returned when a secret is not set.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore resolves secrets by key.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	GetWithDefault(ctx context.Context, key, def string) string
}

// EnvironmentSecretStore reads secrets from environment variables.
type EnvironmentSecretStore struct{}

func NewEnvironmentSecretStore() *EnvironmentSecretStore { return &EnvironmentSecretStore{} }

func (s *EnvironmentSecretStore) Get(_ context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return v, nil
}

func (s *EnvironmentSecretStore) GetWithDefault(ctx context.Context, key, def string) string {
	if v, err := s.Get(ctx, key); err == nil {
		return v
	}
	return def
}

// FileSecretStore reads one secret per file from a directory (e.g. /run/secrets).
// The key is lowercased to form the file name.
type FileSecretStore struct {
	dir string
}

func NewFileSecretStore(dir string) *FileSecretStore { return &FileSecretStore{dir: dir} }

func (s *FileSecretStore) Get(_ context.Context, key string) (string, error) {
	name := strings.ToLower(filepath.Base(key))
	b, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", key, err)
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return v, nil
}

func (s *FileSecretStore) GetWithDefault(ctx context.Context, key, def string) string {
	if v, err := s.Get(ctx, key); err == nil {
		return v
	}
	return def
}

// Secret keys resolved by LoadSecrets.
const (
	SecretSQLDSN        = "REWARDKIT_SQL_DSN"
	SecretRedisPassword = "REWARDKIT_REDIS_PASSWORD"
	SecretWebhookToken  = "REWARDKIT_NOTIFY_WEBHOOK_TOKEN"
)

// LoadSecrets fills credential fields from store, keeping current values for missing keys.
func LoadSecrets(ctx context.Context, cfg *Config, store SecretStore) error {
	if cfg == nil || store == nil {
		return errors.New("config and secret store are required")
	}
	cfg.Storage.SQL.DSN = store.GetWithDefault(ctx, SecretSQLDSN, cfg.Storage.SQL.DSN)
	cfg.Storage.Redis.Password = store.GetWithDefault(ctx, SecretRedisPassword, cfg.Storage.Redis.Password)
	cfg.Notify.WebhookToken = store.GetWithDefault(ctx, SecretWebhookToken, cfg.Notify.WebhookToken)
	return nil
}

// LoadSecretsFromDir fills credential fields from files in Security.SecretsDir.
// It does nothing when no directory is configured.
func (c *Config) LoadSecretsFromDir(ctx context.Context) error {
	dir := c.Security.SecretsDir
	if dir == "" {
		return nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("secrets dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("secrets dir %s is not a directory", dir)
	}
	return LoadSecrets(ctx, c, NewFileSecretStore(dir))
}

// LoadSecretsFromEnv fills credential fields from environment variables.
func (c *Config) LoadSecretsFromEnv(ctx context.Context) error {
	return LoadSecrets(ctx, c, NewEnvironmentSecretStore())
}
