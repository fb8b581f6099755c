package config

import (
	"context"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// loadFromEnv overlays environment variables onto cfg. Unset variables keep
// the current value, so defaults and file values survive. Secrets found in
// Security.SecretsDir are applied next, and secret variables set in the
// environment take precedence over them.
func loadFromEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	ctx := context.Background()
	if err := cfg.LoadSecretsFromDir(ctx); err != nil {
		return err
	}
	return cfg.LoadSecretsFromEnv(ctx)
}
