// Package config provides YAML-based configuration loading for Switchyard.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchyard configuration, loaded from
// switchyard.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Lock      LockConfig      `yaml:"lock"`
	Agent     AgentConfig     `yaml:"agent"`
	Adapters  AdaptersConfig  `yaml:"adapters"`
}

// DatabaseConfig holds connection settings for the document store.
// Driver is "mysql" or "sqlite"; Path is used by the sqlite driver only.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"`
}

// GatewayConfig holds settings for the realtime broadcast gateway.
type GatewayConfig struct {
	Port    int `yaml:"port"`
	Workers int `yaml:"workers"`
}

// SchedulerConfig holds settings for startup job reconciliation.
type SchedulerConfig struct {
	ReconcileWorkers int `yaml:"reconcile_workers"`
	SettleDelayMs    int `yaml:"settle_delay_ms"`
}

// LockConfig holds settings for the distributed lock.
type LockConfig struct {
	TTLSec         int `yaml:"ttl_sec"`
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

// AgentConfig holds settings for the responder command that produces agent
// replies. Each activation spawns Command with Args, writes the activation
// request to its stdin, and reads the reply from its stdout.
type AgentConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

// AdaptersConfig holds credentials for the built-in platform adapters.
// Per-instance channel configuration lives in the database; these are the
// process-level secrets the factories fall back to when an instance config
// omits them.
type AdaptersConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	GitHub  GitHubConfig  `yaml:"github"`
}

// SlackConfig holds Slack API credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	AppToken string `yaml:"app_token"`
}

// DiscordConfig holds Discord API credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// GitHubConfig holds GitHub API credentials and the default repository.
type GitHubConfig struct {
	Token string `yaml:"token"`
	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`
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

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Name == "" {
		c.Database.Name = "switchyard"
	}
	if c.Database.Path == "" {
		c.Database.Path = "switchyard.db"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8090
	}
	if c.Gateway.Workers == 0 {
		c.Gateway.Workers = 1
	}
	if c.Scheduler.ReconcileWorkers == 0 {
		c.Scheduler.ReconcileWorkers = 20
	}
	if c.Scheduler.SettleDelayMs == 0 {
		c.Scheduler.SettleDelayMs = 500
	}
	if c.Lock.TTLSec == 0 {
		c.Lock.TTLSec = 300
	}
	if c.Lock.PollIntervalMs == 0 {
		c.Lock.PollIntervalMs = 200
	}
	if c.Agent.Command == "" {
		c.Agent.Command = "switchyard-agent"
	}
	if c.Agent.TimeoutSec == 0 {
		c.Agent.TimeoutSec = 120
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}
	if c.Gateway.Workers < 1 {
		errs = append(errs, "gateway.workers must be at least 1")
	}
	if c.Scheduler.ReconcileWorkers < 1 {
		errs = append(errs, "scheduler.reconcile_workers must be at least 1")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
