// Package config loads the orchestrator's YAML configuration: broker dial
// settings, scheduler aging/fair-share constants, monitor probe cadence,
// and per-project registrations. Defaulting and env-override conventions
// follow the same shape used elsewhere in this codebase for its own YAML
// config: a zero-value-aware normalize pass plus a small set of env vars
// that take precedence over the file.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ProjectConfig is one project's static registration: scheduling weight,
// base priority, and resource quota.
type ProjectConfig struct {
	ID           string  `yaml:"id"`
	Name         string  `yaml:"name"`
	Path         string  `yaml:"path"`
	BasePriority int     `yaml:"base_priority"`
	Weight       float64 `yaml:"weight"`
	QuotaCPU     float64 `yaml:"quota_cpu"`
	QuotaMemory  float64 `yaml:"quota_memory"`
}

// BrokerConfig controls the LLM-invocation broker.
type BrokerConfig struct {
	MaxConcurrent      int    `yaml:"max_concurrent"`
	PollTimeoutMS      int    `yaml:"poll_timeout_ms"`
	DefaultTimeoutMS   int    `yaml:"default_timeout_ms"`
	GracePeriodMS      int    `yaml:"grace_period_ms"`
	RateLimitGraceMS   int    `yaml:"rate_limit_grace_ms"`
	MaxRetries         int    `yaml:"max_retries"`
	Executable         string `yaml:"executable"`
	ScratchRoot        string `yaml:"scratch_root"`
}

// SchedulerConfig controls aging, fair-share, and global resource limits.
type SchedulerConfig struct {
	AgingIntervalMS int     `yaml:"aging_interval_ms"`
	AgingIncrement  int     `yaml:"aging_increment"`
	AgingCap        int     `yaml:"aging_cap"`
	MaxBurst        float64 `yaml:"max_burst"`
	GlobalCPU       float64 `yaml:"global_cpu"`
	GlobalMemory    float64 `yaml:"global_memory"`
}

// MonitorConfig controls probe cadence, healing cooldown, and reporting.
type MonitorConfig struct {
	ProbeIntervalMS  int `yaml:"probe_interval_ms"`
	ReportIntervalMS int `yaml:"report_interval_ms"`
	HealCooldownMS   int `yaml:"heal_cooldown_ms"`
	HealAttemptCap   int `yaml:"heal_attempt_cap"`
}

// RecoveryConfig controls the shared retry/circuit-breaker defaults.
type RecoveryConfig struct {
	MaxRetries     int `yaml:"max_retries"`
	BaseDelayMS    int `yaml:"base_delay_ms"`
	MaxDelayMS     int `yaml:"max_delay_ms"`
	BreakerThreshold int `yaml:"breaker_threshold"`
	BreakerCooldownMS int `yaml:"breaker_cooldown_ms"`
}

// Config is the orchestrator's full configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	Broker    BrokerConfig    `yaml:"broker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Recovery  RecoveryConfig  `yaml:"recovery"`

	Projects []ProjectConfig `yaml:"projects"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home
// directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		DBPath:   "orchestrake.db",
		Broker: BrokerConfig{
			MaxConcurrent:    4,
			PollTimeoutMS:    2000,
			DefaultTimeoutMS: int((2 * time.Minute).Milliseconds()),
			GracePeriodMS:    5000,
			RateLimitGraceMS: 60000,
			MaxRetries:       3,
			Executable:       "claude",
			ScratchRoot:      "/tmp/orchestrake-scratch",
		},
		Scheduler: SchedulerConfig{
			AgingIntervalMS: 10000,
			AgingIncrement:  20,
			AgingCap:        60,
			MaxBurst:        10,
			GlobalCPU:       8,
			GlobalMemory:    16,
		},
		Monitor: MonitorConfig{
			ProbeIntervalMS:  30000,
			ReportIntervalMS: int((5 * time.Minute).Milliseconds()),
			HealCooldownMS:   60000,
			HealAttemptCap:   3,
		},
		Recovery: RecoveryConfig{
			MaxRetries:        3,
			BaseDelayMS:       200,
			MaxDelayMS:        30000,
			BreakerThreshold:  3,
			BreakerCooldownMS: 60000,
		},
	}
}

// HomeDir returns the orchestrator's home directory, honoring the
// ORCHESTRAKE_HOME override.
func HomeDir() string {
	if override := os.Getenv("ORCHESTRAKE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".orchestrake")
}

// Load reads config.yaml from the orchestrator home directory, applying
// environment overrides and defaults. A missing config.yaml is not an
// error: NeedsGenesis is set and defaults are returned so a caller can
// write out a starter file.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create orchestrake home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "orchestrake.db"
	}
	if cfg.Broker.MaxConcurrent <= 0 {
		cfg.Broker.MaxConcurrent = 4
	}
	if cfg.Broker.Executable == "" {
		cfg.Broker.Executable = "claude"
	}
	if cfg.Scheduler.MaxBurst <= 0 {
		cfg.Scheduler.MaxBurst = 10
	}
	if cfg.Scheduler.GlobalCPU <= 0 {
		cfg.Scheduler.GlobalCPU = 8
	}
	if cfg.Scheduler.GlobalMemory <= 0 {
		cfg.Scheduler.GlobalMemory = 16
	}
	if cfg.Monitor.HealAttemptCap <= 0 {
		cfg.Monitor.HealAttemptCap = 3
	}
	for i := range cfg.Projects {
		if cfg.Projects[i].Weight <= 0 {
			cfg.Projects[i].Weight = 1
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ORCHESTRAKE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ORCHESTRAKE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("ORCHESTRAKE_MAX_CONCURRENT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Broker.MaxConcurrent = v
		}
	}
	if raw := os.Getenv("ORCHESTRAKE_BROKER_EXECUTABLE"); raw != "" {
		cfg.Broker.Executable = raw
	}
}

// Fingerprint returns a stable hash of the active config, for reporting
// which revision of the config a running process was started with.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "loglevel=%s|db=%s|maxconcurrent=%d|executable=%s|projects=%d",
		c.LogLevel, c.DBPath, c.Broker.MaxConcurrent, c.Broker.Executable, len(c.Projects))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// loadRawConfig reads config.yaml into a generic map, returning an empty
// map if the file doesn't exist. Used by the single-field setters below so
// unrelated settings round-trip untouched.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// AddProject appends a project registration to config.yaml, preserving
// other settings.
func AddProject(homeDir string, project ProjectConfig) error {
	configPath := ConfigPath(homeDir)
	cfg := Config{}
	data, err := os.ReadFile(configPath)
	if err == nil && len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	for _, existing := range cfg.Projects {
		if existing.ID == project.ID {
			return fmt.Errorf("project %q already registered", project.ID)
		}
	}
	cfg.Projects = append(cfg.Projects, project)
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(configPath, out, 0o644)
}

// SetBrokerExecutable updates the broker's child-process executable path
// in config.yaml, preserving other settings.
func SetBrokerExecutable(homeDir, executable string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	broker, _ := raw["broker"].(map[string]interface{})
	if broker == nil {
		broker = make(map[string]interface{})
	}
	broker["executable"] = executable
	raw["broker"] = broker
	return saveRawConfig(configPath, raw)
}
