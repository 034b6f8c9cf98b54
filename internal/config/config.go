// Package config provides YAML-based configuration loading for Bonfire.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Bonfire configuration, loaded from config.yaml.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	DB      DBConfig      `yaml:"db"`
	Rewards RewardsConfig `yaml:"rewards"`
	Poller  PollerConfig  `yaml:"poller"`
	StepGen StepGenConfig `yaml:"stepgen"`
	Notify  NotifyConfig  `yaml:"notify"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DBConfig holds database connection settings. Driver selects mysql (host,
// port, user, password, database) or sqlite (path).
type DBConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Path     string `yaml:"path"`
}

// RewardsConfig sets the coin amount credited per reward reason.
type RewardsConfig struct {
	CycleComplete      int64 `yaml:"cycle_complete"`
	DecomposedComplete int64 `yaml:"decomposed_complete"`
	DailyTasks         int64 `yaml:"daily_tasks"`
	DailyReminders     int64 `yaml:"daily_reminders"`
	DailyLogin         int64 `yaml:"daily_login"`
}

// PollerConfig holds the reminder poller schedule, a standard 5-field cron
// expression.
type PollerConfig struct {
	Schedule string `yaml:"schedule"`
}

// StepGenConfig holds step-content generator settings. An empty APIKey
// disables generation; session creation then uses the caller's fallback
// step list.
type StepGenConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// NotifyConfig controls where reminder-due events are emitted.
type NotifyConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
}

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

// Default returns a Config with all defaults applied, for tests and for
// running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Driver == "sqlite" && c.DB.Path == "" {
		c.DB.Path = "bonfire.db"
	}
	if c.DB.Driver == "mysql" {
		if c.DB.Host == "" {
			c.DB.Host = "127.0.0.1"
		}
		if c.DB.Port == 0 {
			c.DB.Port = 3306
		}
		if c.DB.User == "" {
			c.DB.User = "root"
		}
	}
	if c.Rewards.CycleComplete == 0 {
		c.Rewards.CycleComplete = 10
	}
	if c.Rewards.DecomposedComplete == 0 {
		c.Rewards.DecomposedComplete = 15
	}
	if c.Rewards.DailyTasks == 0 {
		c.Rewards.DailyTasks = 20
	}
	if c.Rewards.DailyReminders == 0 {
		c.Rewards.DailyReminders = 10
	}
	if c.Rewards.DailyLogin == 0 {
		c.Rewards.DailyLogin = 5
	}
	if c.Poller.Schedule == "" {
		c.Poller.Schedule = "* * * * *"
	}
	if c.StepGen.Model == "" {
		c.StepGen.Model = "gpt-4o-mini"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			errs = append(errs, "db.path is required for sqlite")
		}
	case "mysql":
		if c.DB.Database == "" {
			errs = append(errs, "db.database is required for mysql")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown db.driver %q (must be sqlite or mysql)", c.DB.Driver))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Rewards.CycleComplete < 0 || c.Rewards.DecomposedComplete < 0 ||
		c.Rewards.DailyTasks < 0 || c.Rewards.DailyReminders < 0 || c.Rewards.DailyLogin < 0 {
		errs = append(errs, "reward amounts must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
