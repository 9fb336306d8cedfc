// Package config holds the runtime configuration for the bot.
//
// The CLI layer owns where values come from (flags, environment, an
// optional YAML file); this package owns defaults and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Home     string // home instance domain
	Username string // account username or email
	Password string
	Database string // ledger file path

	ThresholdResolve   int64 // inclusive lower bound to resolve
	ThresholdSubscribe int64 // inclusive lower bound to subscribe

	Daemon      bool
	DaemonDelay time.Duration // sleep between passes in daemon mode

	Instances     []string // explicit allow-list; empty means use the directory
	DenyInstances []string // always excluded

	AllowNSFW bool
	Languages []string // optional language-code filter

	QueueCapacity int
	WorkerPause   time.Duration // delay between worker items

	LogLevel  string
	LogPretty bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database:           "subwoofer.db",
		ThresholdResolve:   50,
		ThresholdSubscribe: 100,
		DaemonDelay:        24 * time.Hour,
		QueueCapacity:      16,
		WorkerPause:        1 * time.Second,
		LogLevel:           "info",
	}
}

// Load reads a YAML config file over the defaults. Keys absent from
// the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// UnmarshalYAML overlays file values onto the receiver. Durations are
// written in Go notation ("1h30m"); pointer fields distinguish an
// absent key from an explicit zero.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Home               *string  `yaml:"home"`
		Username           *string  `yaml:"username"`
		Password           *string  `yaml:"password"`
		Database           *string  `yaml:"database"`
		ThresholdResolve   *int64   `yaml:"threshold_resolve"`
		ThresholdSubscribe *int64   `yaml:"threshold_subscribe"`
		Daemon             *bool    `yaml:"daemon"`
		DaemonDelay        *string  `yaml:"daemon_delay"`
		Instances          []string `yaml:"instances"`
		DenyInstances      []string `yaml:"deny_instances"`
		AllowNSFW          *bool    `yaml:"allow_nsfw"`
		Languages          []string `yaml:"languages"`
		QueueCapacity      *int     `yaml:"queue_capacity"`
		WorkerPause        *string  `yaml:"worker_pause"`
		LogLevel           *string  `yaml:"log_level"`
		LogPretty          *bool    `yaml:"log_pretty"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	if raw.Home != nil {
		c.Home = *raw.Home
	}
	if raw.Username != nil {
		c.Username = *raw.Username
	}
	if raw.Password != nil {
		c.Password = *raw.Password
	}
	if raw.Database != nil {
		c.Database = *raw.Database
	}
	if raw.ThresholdResolve != nil {
		c.ThresholdResolve = *raw.ThresholdResolve
	}
	if raw.ThresholdSubscribe != nil {
		c.ThresholdSubscribe = *raw.ThresholdSubscribe
	}
	if raw.Daemon != nil {
		c.Daemon = *raw.Daemon
	}
	if raw.DaemonDelay != nil {
		d, err := time.ParseDuration(*raw.DaemonDelay)
		if err != nil {
			return fmt.Errorf("invalid daemon_delay: %w", err)
		}
		c.DaemonDelay = d
	}
	if raw.Instances != nil {
		c.Instances = raw.Instances
	}
	if raw.DenyInstances != nil {
		c.DenyInstances = raw.DenyInstances
	}
	if raw.AllowNSFW != nil {
		c.AllowNSFW = *raw.AllowNSFW
	}
	if raw.Languages != nil {
		c.Languages = raw.Languages
	}
	if raw.QueueCapacity != nil {
		c.QueueCapacity = *raw.QueueCapacity
	}
	if raw.WorkerPause != nil {
		d, err := time.ParseDuration(*raw.WorkerPause)
		if err != nil {
			return fmt.Errorf("invalid worker_pause: %w", err)
		}
		c.WorkerPause = d
	}
	if raw.LogLevel != nil {
		c.LogLevel = *raw.LogLevel
	}
	if raw.LogPretty != nil {
		c.LogPretty = *raw.LogPretty
	}
	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("home instance is required")
	}
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("username and password are required")
	}
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}
	if c.ThresholdResolve > c.ThresholdSubscribe {
		return fmt.Errorf("resolve threshold %d exceeds subscribe threshold %d",
			c.ThresholdResolve, c.ThresholdSubscribe)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive")
	}
	if c.Daemon && c.DaemonDelay <= 0 {
		return fmt.Errorf("daemon delay must be positive")
	}
	return nil
}

// ParseInstanceList splits a comma-separated instance list into
// allow and deny lists. Entries prefixed with '!' are denied, e.g.
// "lemmy.ml,!burggit.moe".
func ParseInstanceList(s string) (allow, deny []string) {
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, "!") {
			deny = append(deny, strings.TrimPrefix(entry, "!"))
		} else {
			allow = append(allow, entry)
		}
	}
	return allow, deny
}
