// Package config loads and validates the engine's runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration for the mailman engine.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Storage  StorageConfig  `koanf:"storage"`
	Lock     LockConfig     `koanf:"lock"`
	Queue    QueueConfig    `koanf:"queue"`
	Delivery DeliveryConfig `koanf:"delivery"`
	Runners  []RunnerConfig `koanf:"runners"`
	Bounce   BounceConfig   `koanf:"bounce"`
	Moderate ModerateConfig `koanf:"moderate"`
	NNTP     NNTPConfig     `koanf:"nntp"`
	Logging  LoggingConfig  `koanf:"logging"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// ServerConfig holds host-identity configuration.
type ServerConfig struct {
	Hostname        string `koanf:"hostname"`         // fully-qualified host, used in lock leases and Message-Id
	SiteList        string `koanf:"site_list"`         // administrative list used as From for site notices
	ShutdownTimeout string `koanf:"shutdown_timeout"` // grace window for in-flight handler completion
}

// StorageConfig holds on-disk layout configuration.
type StorageConfig struct {
	VarDir      string `koanf:"var_dir"`      // base directory; queues/, lists/, locks/ live under it
	QueueDir    string `koanf:"queue_dir"`    // base directory for all Switchboard queues
	ListDataDir string `koanf:"list_data_dir"` // per-list state directories
	LockDir     string `koanf:"lock_dir"`     // FileLock lease files
	SiteIndexDB string `koanf:"site_index_db"` // SQLite secondary index path
}

// LockConfig configures FileLock lease lifetimes.
type LockConfig struct {
	LifetimeSeconds int  `koanf:"lifetime_seconds"` // default lease lifetime
	AcquireTimeout  string `koanf:"acquire_timeout"` // default acquire() timeout
	AllowCrossHost  bool `koanf:"allow_cross_host"` // operator assent for cross-host stale breaks (-s)
}

// QueueConfig configures Switchboard behavior.
type QueueConfig struct {
	EmptyPollInterval string `koanf:"empty_poll_interval"` // sleep between empty files() scans
}

// DeliveryConfig configures the Outgoing runner's SMTP client behavior.
type DeliveryConfig struct {
	ConnectTimeout string `koanf:"connect_timeout"`
	CommandTimeout string `koanf:"command_timeout"`
	MaxMessageSize int64  `koanf:"max_message_size"`
	RequireTLS     bool   `koanf:"require_tls"`
	VerifyTLS      bool   `koanf:"verify_tls"`
	RelayHost      string `koanf:"relay_host"`
	SignOutbound   bool   `koanf:"sign_outbound"`
}

// RunnerConfig describes one runner process the master supervises.
type RunnerConfig struct {
	Name  string `koanf:"name"`  // Incoming, Pipeline, Outgoing, Bounce, Virgin, Command, News, Retry, Archive
	Count int    `koanf:"count"` // number of (slice, range) workers to fork
}

// BounceConfig configures BounceEngine scoring policy.
type BounceConfig struct {
	Threshold        float64 `koanf:"threshold"`
	ScoreHard        float64 `koanf:"score_hard"`
	ScoreSoft        float64 `koanf:"score_soft"`
	StaleAfter       string  `koanf:"stale_after"`
	WarnInterval     string  `koanf:"warn_interval"`
	MaxWarnings      int     `koanf:"max_warnings"`
}

// ModerateConfig configures ModerationEngine sweep policy.
type ModerateConfig struct {
	SweepInterval          string `koanf:"sweep_interval"`
	MaxDaysToHold          int    `koanf:"max_days_to_hold"`
	MaxAutoResponsesPerDay int    `koanf:"max_autoresponses_per_day"`
}

// NNTPConfig configures the News runner and NNTPGate periodic task.
type NNTPConfig struct {
	ConnectTimeout string `koanf:"connect_timeout"`
	MaxArticleSpan int    `koanf:"max_article_span"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Hostname:        "localhost",
			SiteList:        "mailman",
			ShutdownTimeout: "30s",
		},
		Storage: StorageConfig{
			VarDir:      "/var/lib/mailman",
			QueueDir:    "/var/lib/mailman/qfiles",
			ListDataDir: "/var/lib/mailman/lists",
			LockDir:     "/var/lib/mailman/locks",
			SiteIndexDB: "/var/lib/mailman/data/siteindex.db",
		},
		Lock: LockConfig{
			LifetimeSeconds: 900, // 15 minutes, per spec.md 4.1
			AcquireTimeout:  "5s",
			AllowCrossHost:  false,
		},
		Queue: QueueConfig{
			EmptyPollInterval: "1s",
		},
		Delivery: DeliveryConfig{
			ConnectTimeout: "30s",
			CommandTimeout: "5m",
			MaxMessageSize: 26214400, // 25MB
			RequireTLS:     false,
			VerifyTLS:      true,
			SignOutbound:   true,
		},
		Runners: []RunnerConfig{
			{Name: "Incoming", Count: 1},
			{Name: "Pipeline", Count: 1},
			{Name: "Outgoing", Count: 2},
			{Name: "Bounce", Count: 1},
			{Name: "Virgin", Count: 1},
			{Name: "Command", Count: 1},
			{Name: "News", Count: 1},
			{Name: "Retry", Count: 1},
			{Name: "Archive", Count: 1},
		},
		Bounce: BounceConfig{
			Threshold:    5.0,
			ScoreHard:    1.0,
			ScoreSoft:    0.5,
			StaleAfter:   "168h", // 7 days
			WarnInterval: "72h",  // 3 days
			MaxWarnings:  3,
		},
		Moderate: ModerateConfig{
			SweepInterval:          "15m",
			MaxDaysToHold:          14,
			MaxAutoResponsesPerDay: 1,
		},
		NNTP: NNTPConfig{
			ConnectTimeout: "30s",
			MaxArticleSpan: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9108",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults when
// the file does not exist (mirrors a freshly installed site).
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Server.Hostname == "" {
		return fmt.Errorf("server.hostname is required")
	}
	if c.Server.SiteList == "" {
		return fmt.Errorf("server.site_list is required")
	}

	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateTimeouts(); err != nil {
		return err
	}

	if c.Lock.LifetimeSeconds < 1 {
		return fmt.Errorf("lock.lifetime_seconds must be at least 1")
	}

	if c.Delivery.MaxMessageSize < 1024 {
		return fmt.Errorf("delivery.max_message_size must be at least 1024 bytes")
	}

	if len(c.Runners) == 0 {
		return fmt.Errorf("at least one runner must be configured")
	}
	seen := map[string]bool{}
	for i, r := range c.Runners {
		if r.Name == "" {
			return fmt.Errorf("runners[%d].name is required", i)
		}
		if r.Count < 1 {
			return fmt.Errorf("runners[%d].count must be at least 1", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("runners[%d].name %q is configured more than once", i, r.Name)
		}
		seen[r.Name] = true
	}

	if c.Bounce.Threshold <= 0 {
		return fmt.Errorf("bounce.threshold must be positive")
	}
	if c.Bounce.MaxWarnings < 1 {
		return fmt.Errorf("bounce.max_warnings must be at least 1")
	}

	if c.Moderate.MaxDaysToHold < 1 {
		return fmt.Errorf("moderate.max_days_to_hold must be at least 1")
	}

	if c.Logging.Level != "" {
		valid := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !valid[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}
	if c.Logging.Format != "" {
		valid := map[string]bool{"json": true, "text": true}
		if !valid[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	return nil
}

func (c *Config) validateStorage() error {
	paths := map[string]string{
		"storage.var_dir":       c.Storage.VarDir,
		"storage.queue_dir":     c.Storage.QueueDir,
		"storage.list_data_dir": c.Storage.ListDataDir,
		"storage.lock_dir":      c.Storage.LockDir,
	}
	for name, p := range paths {
		if p == "" {
			return fmt.Errorf("%s is required", name)
		}
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%s must be an absolute path (got: %s)", name, p)
		}
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	timeouts := map[string]string{
		"server.shutdown_timeout":  c.Server.ShutdownTimeout,
		"lock.acquire_timeout":     c.Lock.AcquireTimeout,
		"queue.empty_poll_interval": c.Queue.EmptyPollInterval,
		"delivery.connect_timeout": c.Delivery.ConnectTimeout,
		"delivery.command_timeout": c.Delivery.CommandTimeout,
		"bounce.stale_after":       c.Bounce.StaleAfter,
		"bounce.warn_interval":     c.Bounce.WarnInterval,
		"moderate.sweep_interval":  c.Moderate.SweepInterval,
		"nntp.connect_timeout":     c.NNTP.ConnectTimeout,
	}
	for name, timeout := range timeouts {
		if timeout == "" {
			continue
		}
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive (got: %s)", name, timeout)
		}
	}
	return nil
}

// EnsureDirectories creates the on-disk layout this config describes.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.VarDir,
		c.Storage.QueueDir,
		c.Storage.ListDataDir,
		c.Storage.LockDir,
		filepath.Dir(c.Storage.SiteIndexDB),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// RunnerNames returns the configured runner names in declaration order.
func (c *Config) RunnerNames() []string {
	names := make([]string, len(c.Runners))
	for i, r := range c.Runners {
		names[i] = r.Name
	}
	return names
}

// Runner returns the configuration for a named runner, or nil.
func (c *Config) Runner(name string) *RunnerConfig {
	for i := range c.Runners {
		if c.Runners[i].Name == name {
			return &c.Runners[i]
		}
	}
	return nil
}

// Duration parses a configured duration string, falling back to def on error
// or blank input.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
