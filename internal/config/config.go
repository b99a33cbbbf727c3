// Package config loads the engine's recognised configuration keys: a
// DefaultConfig(), a JSON file on disk, and a two-tier precedence (a
// global file, overridden by a per-channel override file).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Scheduler names the scheduling policy, the "scheduler" config key.
type Scheduler string

const (
	SchedulerConservative Scheduler = "conservative"
	SchedulerAggressive   Scheduler = "aggressive"
)

// Config holds every recognised configuration key.
type Config struct {
	ChunkSize uint64 `json:"chunk_size"`

	Scheduler         Scheduler `json:"scheduler"`
	PrefetchBefore    uint32    `json:"prefetch_before"`
	PrefetchAfter     uint32    `json:"prefetch_after"`
	MinNodeEfficiency float64   `json:"min_internal_node_efficiency"`

	MaxInFlightPerHost int `json:"max_in_flight_per_host"`

	RetryAttempts         int `json:"retry_attempts"`
	RetryInitialBackoffMs int `json:"retry_initial_backoff_ms"`
	RequestTimeoutMs      int `json:"request_timeout_ms"`

	TransportMaxRequestBytes uint64 `json:"transport_max_request_bytes"`
}

// DefaultConfig returns the engine's built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:                1 << 20, // 1 MiB
		Scheduler:                SchedulerConservative,
		PrefetchBefore:           2,
		PrefetchAfter:            4,
		MinNodeEfficiency:        0.30,
		MaxInFlightPerHost:       50,
		RetryAttempts:            4,
		RetryInitialBackoffMs:    100,
		RequestTimeoutMs:         30000,
		TransportMaxRequestBytes: 2<<30 - 1, // 2 GiB - 1
	}
}

// globalConfigPath is the per-user config file, ~/.mafileconfig.
func globalConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("mafile: get home directory: %w", err)
	}
	return filepath.Join(home, ".mafileconfig"), nil
}

// Load merges DefaultConfig, a global config file (if present), and a
// local override path (if non-empty and present), with the local
// values taking precedence.
func Load(localPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath, err := globalConfigPath(); err == nil {
		if data, err := os.ReadFile(globalPath); err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("mafile: parse %s: %w", globalPath, err)
			}
		}
	}

	if localPath != "" {
		if data, err := os.ReadFile(localPath); err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("mafile: parse %s: %w", localPath, err)
			}
		}
	}

	return cfg, nil
}

// Save writes cfg as JSON to path.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("mafile: marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("mafile: write %s: %w", path, err)
	}
	return nil
}
