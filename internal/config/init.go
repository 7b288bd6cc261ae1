package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/neoclaw-ai/warden/internal/store"
)

// Initialize creates the warden home tree and a starter config.toml if
// missing. It reports whether the config file was created.
func Initialize(cfg *Config) (bool, error) {
	if cfg == nil || cfg.HomeDir == "" {
		return false, errors.New("home dir is required")
	}
	for _, dir := range []string{cfg.HomeDir, cfg.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	starter, err := DefaultUserConfigTOML()
	if err != nil {
		return false, err
	}
	created, err := store.WriteFileIfMissing(cfg.ConfigPath(), []byte(starter))
	if err != nil {
		return false, err
	}
	return created, nil
}

// ResetUserConfig overwrites config.toml with the starter config.
func ResetUserConfig(cfg *Config) error {
	if cfg == nil || cfg.HomeDir == "" {
		return errors.New("home dir is required")
	}
	starter, err := DefaultUserConfigTOML()
	if err != nil {
		return err
	}
	return store.WriteFile(cfg.ConfigPath(), []byte(starter))
}
