package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ChunkSize != 1<<20 {
		t.Errorf("ChunkSize = %d, want 1MiB", cfg.ChunkSize)
	}
	if cfg.Scheduler != SchedulerConservative {
		t.Errorf("Scheduler = %q, want %q", cfg.Scheduler, SchedulerConservative)
	}
}

func TestSaveLoadLocalOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "local.json")

	cfg := DefaultConfig()
	cfg.ChunkSize = 4096
	cfg.Scheduler = SchedulerAggressive
	cfg.PrefetchAfter = 10

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ChunkSize != 4096 {
		t.Errorf("ChunkSize = %d, want 4096", loaded.ChunkSize)
	}
	if loaded.Scheduler != SchedulerAggressive {
		t.Errorf("Scheduler = %q, want %q", loaded.Scheduler, SchedulerAggressive)
	}
	if loaded.PrefetchAfter != 10 {
		t.Errorf("PrefetchAfter = %d, want 10", loaded.PrefetchAfter)
	}
}

func TestLoadWithMissingLocalPathReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChunkSize != DefaultConfig().ChunkSize {
		t.Error("missing local override should leave defaults untouched")
	}
}
