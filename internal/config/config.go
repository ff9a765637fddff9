// Package config loads the optional server-side JSONC configuration file:
// log level/format and default session-count/subscribed-key limits. CLI
// flags parsed by
// cmd/kvsd-server always take precedence over whatever this file sets.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/kvsd/kvsd/internal/logging"
	"github.com/kvsd/kvsd/internal/session"
)

// ErrInvalid reports a config file that failed validation after parsing.
// Callers should use errors.Is(err, ErrInvalid).
var ErrInvalid = errors.New("config: invalid")

// Config holds every value the JSONC file may set.
type Config struct {
	LogLevel          logging.Level `json:"log_level,omitempty"`
	LogJSON           bool          `json:"log_json,omitempty"`
	MaxSessionCount   int           `json:"max_session_count,omitempty"`
	MaxSubscribedKeys int           `json:"max_subscribed_keys,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		LogLevel:          logging.InfoLevel,
		LogJSON:           false,
		MaxSessionCount:   session.MaxSessionCount,
		MaxSubscribedKeys: session.MaxSubscribedKeys,
	}
}

// Load reads and parses the JSONC file at path, merging it over Default().
// A missing path is not an error: Default() is returned unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied via a CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: invalid JSONC: %w", path, err)
	}

	var fileCfg Config
	if err := json.Unmarshal(standardized, &fileCfg); err != nil {
		return Config{}, fmt.Errorf("config: %s: invalid JSON: %w", path, err)
	}

	cfg = merge(cfg, fileCfg)

	// merge skips zero values, so an explicit 0 for a limit is read again
	// here and kept, for validate to reject.
	var limits struct {
		MaxSessionCount   *int `json:"max_session_count"`
		MaxSubscribedKeys *int `json:"max_subscribed_keys"`
	}
	if err := json.Unmarshal(standardized, &limits); err == nil {
		if limits.MaxSessionCount != nil {
			cfg.MaxSessionCount = *limits.MaxSessionCount
		}
		if limits.MaxSubscribedKeys != nil {
			cfg.MaxSubscribedKeys = *limits.MaxSubscribedKeys
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	if overlay.LogJSON {
		base.LogJSON = overlay.LogJSON
	}

	if overlay.MaxSessionCount != 0 {
		base.MaxSessionCount = overlay.MaxSessionCount
	}

	if overlay.MaxSubscribedKeys != 0 {
		base.MaxSubscribedKeys = overlay.MaxSubscribedKeys
	}

	return base
}

func validate(cfg Config) error {
	if cfg.MaxSessionCount <= 0 {
		return fmt.Errorf("%w: max_session_count must be positive, got %d", ErrInvalid, cfg.MaxSessionCount)
	}

	if cfg.MaxSubscribedKeys <= 0 {
		return fmt.Errorf("%w: max_subscribed_keys must be positive, got %d", ErrInvalid, cfg.MaxSubscribedKeys)
	}

	switch cfg.LogLevel {
	case logging.DebugLevel, logging.InfoLevel, logging.WarnLevel, logging.ErrorLevel:
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalid, cfg.LogLevel)
	}

	return nil
}
