// Package config loads and validates the runtime configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a YAML-friendly duration written as "<N>(ms|s|m|h|d)".
type Duration time.Duration

// UnmarshalYAML parses the short duration form.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back in the short form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String renders the duration using the largest exact unit.
func (d Duration) String() string {
	v := time.Duration(d)
	switch {
	case v >= 24*time.Hour && v%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", v/(24*time.Hour))
	case v >= time.Hour && v%time.Hour == 0:
		return fmt.Sprintf("%dh", v/time.Hour)
	case v >= time.Minute && v%time.Minute == 0:
		return fmt.Sprintf("%dm", v/time.Minute)
	case v%time.Second == 0:
		return fmt.Sprintf("%ds", v/time.Second)
	default:
		return fmt.Sprintf("%dms", v/time.Millisecond)
	}
}

// ParseDuration parses the "<N>(ms|s|m|h|d)" form.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, fmt.Errorf("duration %q: want <N>(ms|s|m|h|d)", s)
	}
	if strings.HasSuffix(s, "ms") {
		n, err := strconv.Atoi(s[:len(s)-2])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("duration %q: want <N>(ms|s|m|h|d)", s)
		}
		return time.Duration(n) * time.Millisecond, nil
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("duration %q: want <N>(ms|s|m|h|d)", s)
	}
	switch s[len(s)-1] {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("duration %q: unknown unit %q", s, s[len(s)-1:])
}

// Config is the full runtime configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Messaging MessagingConfig `yaml:"messaging"`
	Wait      ScheduleConfig  `yaml:"wait"`
	Retry     ScheduleConfig  `yaml:"retry"`
}

// DatabaseConfig selects the active datasource.
type DatabaseConfig struct {
	// Type is one of in-memory, postgresql, mysql, sqlite.
	Type string `yaml:"type"`

	// DSN is the driver connection string; unused for in-memory.
	DSN string `yaml:"dsn"`

	// MigrateAtStart applies the schema at startup.
	MigrateAtStart bool `yaml:"migrateAtStart"`
}

// MessagingConfig selects the broker binding.
type MessagingConfig struct {
	// Type is one of in-memory, nats.
	Type string `yaml:"type"`

	// URL is the broker address; unused for in-memory.
	URL string `yaml:"url"`

	Consumer ToggleConfig `yaml:"consumer"`
	Producer ToggleConfig `yaml:"producer"`
}

// ToggleConfig gates one of the runtime loops.
type ToggleConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ScheduleConfig tunes one outbox kind: its process loop and its
// cleanup loop.
type ScheduleConfig struct {
	Outbox  OutboxLoopConfig  `yaml:"outbox"`
	Cleanup CleanupLoopConfig `yaml:"cleanup"`
}

// OutboxLoopConfig tunes the claim-and-publish loop.
type OutboxLoopConfig struct {
	Every        Duration `yaml:"every"`
	BatchSize    int      `yaml:"batchSize"`
	MaxAttempts  int      `yaml:"maxAttempts"`
	InitialDelay Duration `yaml:"initialDelay"`
}

// CleanupLoopConfig tunes the retention sweep.
type CleanupLoopConfig struct {
	Every     Duration `yaml:"every"`
	After     Duration `yaml:"after"`
	BatchSize int      `yaml:"batchSize"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	schedule := ScheduleConfig{
		Outbox: OutboxLoopConfig{
			Every:        Duration(time.Second),
			BatchSize:    100,
			MaxAttempts:  10,
			InitialDelay: Duration(5 * time.Second),
		},
		Cleanup: CleanupLoopConfig{
			Every:     Duration(time.Minute),
			After:     Duration(time.Hour),
			BatchSize: 500,
		},
	}
	return Config{
		Database:  DatabaseConfig{Type: "in-memory", MigrateAtStart: true},
		Messaging: MessagingConfig{Type: "in-memory", Consumer: ToggleConfig{Enabled: true}, Producer: ToggleConfig{Enabled: true}},
		Wait:      schedule,
		Retry:     schedule,
	}
}

// Load reads a YAML configuration file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

var databaseTypes = map[string]bool{"in-memory": true, "postgresql": true, "mysql": true, "sqlite": true}
var messagingTypes = map[string]bool{"in-memory": true, "nats": true}

// Validate rejects unusable combinations.
func (c Config) Validate() error {
	if !databaseTypes[c.Database.Type] {
		return fmt.Errorf("database.type %q is not supported", c.Database.Type)
	}
	if c.Database.Type != "in-memory" && c.Database.DSN == "" {
		return fmt.Errorf("database.type %q requires database.dsn", c.Database.Type)
	}
	if !messagingTypes[c.Messaging.Type] {
		return fmt.Errorf("messaging.type %q is not supported", c.Messaging.Type)
	}
	for name, sched := range map[string]ScheduleConfig{"wait": c.Wait, "retry": c.Retry} {
		if sched.Outbox.Every <= 0 {
			return fmt.Errorf("%s.outbox.every must be positive", name)
		}
		if sched.Outbox.BatchSize <= 0 {
			return fmt.Errorf("%s.outbox.batchSize must be positive", name)
		}
		if sched.Cleanup.Every <= 0 {
			return fmt.Errorf("%s.cleanup.every must be positive", name)
		}
		if sched.Cleanup.BatchSize <= 0 {
			return fmt.Errorf("%s.cleanup.batchSize must be positive", name)
		}
	}
	return nil
}
