package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/orchestrake/internal/config"
)

func withHome(t *testing.T, dir string) {
	t.Helper()
	t.Setenv("ORCHESTRAKE_HOME", dir)
}

func TestLoad_NoConfigFileMarksNeedsGenesisAndUsesDefaults(t *testing.T) {
	withHome(t, t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis to be true")
	}
	if cfg.Broker.MaxConcurrent != 4 {
		t.Fatalf("Broker.MaxConcurrent = %d, want default 4", cfg.Broker.MaxConcurrent)
	}
	if cfg.Scheduler.MaxBurst != 10 {
		t.Fatalf("Scheduler.MaxBurst = %d, want default 10", cfg.Scheduler.MaxBurst)
	}
}

func TestLoad_ReadsProjectsFromFile(t *testing.T) {
	home := t.TempDir()
	withHome(t, home)

	yaml := `
broker:
  max_concurrent: 8
projects:
  - id: proj-a
    name: Project A
    weight: 2
    base_priority: 50
    quota_cpu: 4
    quota_memory: 4
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis to be false when config.yaml exists")
	}
	if cfg.Broker.MaxConcurrent != 8 {
		t.Fatalf("Broker.MaxConcurrent = %d, want 8", cfg.Broker.MaxConcurrent)
	}
	if len(cfg.Projects) != 1 || cfg.Projects[0].ID != "proj-a" {
		t.Fatalf("Projects = %+v", cfg.Projects)
	}
}

func TestLoad_EnvOverridesTakePrecedence(t *testing.T) {
	withHome(t, t.TempDir())
	t.Setenv("ORCHESTRAKE_MAX_CONCURRENT", "16")
	t.Setenv("ORCHESTRAKE_LOG_LEVEL", "debug")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.MaxConcurrent != 16 {
		t.Fatalf("Broker.MaxConcurrent = %d, want 16 from env override", cfg.Broker.MaxConcurrent)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug from env override", cfg.LogLevel)
	}
}

func TestAddProject_RejectsDuplicateID(t *testing.T) {
	home := t.TempDir()
	if err := config.AddProject(home, config.ProjectConfig{ID: "p1", Weight: 1}); err != nil {
		t.Fatalf("AddProject: %v", err)
	}
	if err := config.AddProject(home, config.ProjectConfig{ID: "p1", Weight: 1}); err == nil {
		t.Fatalf("expected error adding duplicate project id")
	}
}

func TestFingerprint_ChangesWhenConfigChanges(t *testing.T) {
	a := config.Config{LogLevel: "info", Broker: config.BrokerConfig{MaxConcurrent: 4}}
	b := config.Config{LogLevel: "info", Broker: config.BrokerConfig{MaxConcurrent: 8}}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("expected different fingerprints for different configs")
	}
}
