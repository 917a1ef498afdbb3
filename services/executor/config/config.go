// Copyright (C) 2025 ServalSheets Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the executor service configuration from YAML with
// environment overrides.
//
// Thread Safety: Load returns an immutable value; concurrent reads are safe.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize bounds how large a config file may be. Prevents
// memory issues from a mispointed path.
const MaxConfigFileSize = 1 << 20

// Duration is a time.Duration that unmarshals from YAML strings like "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or integer nanoseconds")
	}
	*d = Duration(n)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the executor service's full configuration.
type Config struct {
	// Listen is the HTTP listen address. Default: ":12400".
	Listen string `yaml:"listen" validate:"required"`

	// LogLevel is one of debug, info, warn, error. Default: "info".
	LogLevel string `yaml:"logLevel" validate:"oneof=debug info warn error"`

	// LogJSON selects JSON log output.
	LogJSON bool `yaml:"logJson"`

	// RemoteBaseURL is the remote spreadsheet API endpoint.
	RemoteBaseURL string `yaml:"remoteBaseUrl" validate:"required,url"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Conflict  ConflictConfig  `yaml:"conflict"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Safety    SafetyConfig    `yaml:"safety"`
}

// RateLimitConfig mirrors ratelimit.Config.
type RateLimitConfig struct {
	ReadCapacity      float64 `yaml:"readCapacity" validate:"gt=0"`
	ReadRefillPerSec  float64 `yaml:"readRefillPerSec" validate:"gt=0"`
	WriteCapacity     float64 `yaml:"writeCapacity" validate:"gt=0"`
	WriteRefillPerSec float64 `yaml:"writeRefillPerSec" validate:"gt=0"`
}

// BreakerConfig mirrors breaker.Config for the mutation breaker.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failureThreshold" validate:"gt=0"`
	SuccessThreshold int      `yaml:"successThreshold" validate:"gt=0"`
	Timeout          Duration `yaml:"timeout" validate:"gt=0"`
}

// ConflictConfig mirrors conflict.Config.
type ConflictConfig struct {
	Enabled            bool     `yaml:"enabled"`
	CacheTTL           Duration `yaml:"cacheTtl" validate:"gt=0"`
	LockTTL            Duration `yaml:"lockTtl" validate:"gt=0"`
	MaxVersionsToCache int      `yaml:"maxVersionsToCache" validate:"gt=0"`
	AutoResolve        bool     `yaml:"autoResolve"`
	DefaultStrategy    string   `yaml:"defaultStrategy" validate:"oneof=overwrite merge cancel last_write_wins first_write_wins"`
}

// SnapshotConfig mirrors snapshot.Config.
type SnapshotConfig struct {
	MaxSnapshots int `yaml:"maxSnapshots" validate:"gt=0"`
}

// SafetyConfig carries service-wide execution defaults.
type SafetyConfig struct {
	// MaxCellsAffected is the default effect-scope ceiling.
	MaxCellsAffected int `yaml:"maxCellsAffected" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:        ":12400",
		LogLevel:      "info",
		RemoteBaseURL: "http://localhost:12410",
		RateLimit: RateLimitConfig{
			ReadCapacity:      100,
			ReadRefillPerSec:  10,
			WriteCapacity:     60,
			WriteRefillPerSec: 1,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          Duration(60 * time.Second),
		},
		Conflict: ConflictConfig{
			Enabled:            true,
			CacheTTL:           Duration(5 * time.Minute),
			LockTTL:            Duration(30 * time.Second),
			MaxVersionsToCache: 1000,
			DefaultStrategy:    "last_write_wins",
		},
		Snapshot: SnapshotConfig{MaxSnapshots: 5},
		Safety:   SafetyConfig{MaxCellsAffected: 50000},
	}
}

// Load reads configuration from path, layered over Default. An empty path
// returns the defaults. SERVALSHEETS_LISTEN and SERVALSHEETS_REMOTE_URL
// environment variables override their file counterparts.
//
// Outputs:
//   - Config: The validated configuration.
//   - error: Read, parse, or validation failure.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if info.Size() > MaxConfigFileSize {
			return cfg, fmt.Errorf("config %s is %d bytes, above the %d limit", path, info.Size(), MaxConfigFileSize)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if v := os.Getenv("SERVALSHEETS_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("SERVALSHEETS_REMOTE_URL"); v != "" {
		cfg.RemoteBaseURL = v
	}

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
