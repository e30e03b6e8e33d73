// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from config.yaml.
type Config struct {
	Group     string          `yaml:"group"`
	Database  DatabaseConfig  `yaml:"database"`
	Agent     AgentConfig     `yaml:"agent"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Stream    StreamConfig    `yaml:"stream"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Retention RetentionConfig `yaml:"retention"`
}

// DatabaseConfig selects and locates the durable store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite or mysql
	Path     string `yaml:"path"`   // sqlite file, ":memory:" for tests
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// AgentConfig describes the agent CLI to spawn for each run.
type AgentConfig struct {
	Binary            string   `yaml:"binary"`
	Args              []string `yaml:"args"`
	WorkDir           string   `yaml:"work_dir"`
	MaxConcurrentRuns int      `yaml:"max_concurrent_runs"`
}

// TimeoutsConfig bounds how long a run may go quiet and how long it may
// run in total.
type TimeoutsConfig struct {
	Idle     time.Duration `yaml:"idle"`
	Absolute time.Duration `yaml:"absolute"`
}

// StreamConfig tunes reply reassembly.
type StreamConfig struct {
	VisibleWords int `yaml:"visible_words"`
	OverlapCap   int `yaml:"overlap_cap"`
}

// DashboardConfig holds the HTTP dashboard settings.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// RetentionConfig controls the idle-session sweeper. An empty schedule
// disables it.
type RetentionConfig struct {
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// Enabled reports whether the retention sweeper should run.
func (r RetentionConfig) Enabled() bool {
	return r.Schedule != ""
}

const (
	DefaultGroup             = "default"
	DefaultDriver            = "sqlite"
	DefaultSQLitePath        = "switchboard.db"
	DefaultAgentBinary       = "claude"
	DefaultMaxConcurrentRuns = 4
	DefaultIdleTimeout       = 2 * time.Minute
	DefaultAbsoluteTimeout   = 30 * time.Minute
	DefaultVisibleWords      = 5
	DefaultOverlapCap        = 2000
	DefaultDashboardPort     = 8080
	DefaultRetentionMaxAge   = 30 * 24 * time.Hour
)

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a validated Config with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = DefaultSQLitePath
		}
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "switchboard_" + c.Group
		}
	}
	if c.Agent.Binary == "" {
		c.Agent.Binary = DefaultAgentBinary
	}
	if c.Agent.MaxConcurrentRuns == 0 {
		c.Agent.MaxConcurrentRuns = DefaultMaxConcurrentRuns
	}
	if c.Timeouts.Idle == 0 {
		c.Timeouts.Idle = DefaultIdleTimeout
	}
	if c.Timeouts.Absolute == 0 {
		c.Timeouts.Absolute = DefaultAbsoluteTimeout
	}
	if c.Stream.VisibleWords == 0 {
		c.Stream.VisibleWords = DefaultVisibleWords
	}
	if c.Stream.OverlapCap == 0 {
		c.Stream.OverlapCap = DefaultOverlapCap
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = DefaultDashboardPort
	}
	if c.Retention.Enabled() && c.Retention.MaxAge == 0 {
		c.Retention.MaxAge = DefaultRetentionMaxAge
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	if c.Agent.MaxConcurrentRuns < 0 {
		errs = append(errs, "agent.max_concurrent_runs must not be negative")
	}
	if c.Timeouts.Idle < 0 {
		errs = append(errs, "timeouts.idle must not be negative")
	}
	if c.Timeouts.Absolute < 0 {
		errs = append(errs, "timeouts.absolute must not be negative")
	}
	if c.Timeouts.Idle > 0 && c.Timeouts.Absolute > 0 && c.Timeouts.Idle > c.Timeouts.Absolute {
		errs = append(errs, "timeouts.idle must not exceed timeouts.absolute")
	}
	if c.Stream.VisibleWords < 0 {
		errs = append(errs, "stream.visible_words must not be negative")
	}
	if c.Stream.OverlapCap < 0 {
		errs = append(errs, "stream.overlap_cap must not be negative")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Sprintf("dashboard.port %d out of range", c.Dashboard.Port))
	}
	if c.Retention.Enabled() {
		if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("retention.schedule: %v", err))
		}
		if c.Retention.MaxAge < 0 {
			errs = append(errs, "retention.max_age must not be negative")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
