// Package config loads spendsweep configuration via Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the core spendsweep configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Reviews  ReviewsConfig  `mapstructure:"reviews"`
	Mail     MailConfig     `mapstructure:"mail"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// WorkerConfig configures the async job worker pool
type WorkerConfig struct {
	Workers             int `mapstructure:"workers"`               // Number of concurrent job workers (default: 2)
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"` // How often workers check for jobs (default: 1)
	JobTimeoutSeconds   int `mapstructure:"job_timeout_seconds"`   // Wall-clock limit per job execution (default: 30)
	MaxAttempts         int `mapstructure:"max_attempts"`          // Attempt ceiling before permanent failure (default: 3)
	BackoffBaseMillis   int `mapstructure:"backoff_base_millis"`   // First retry delay, doubles per attempt (default: 1000)
	CleanupAfterHours   int `mapstructure:"cleanup_after_hours"`   // Terminal jobs older than this are purged (default: 168)
}

// SweepConfig configures the orchestrator sweep
type SweepConfig struct {
	Cron                  string `mapstructure:"cron"`                    // Cron expression for scheduled sweeps (default: daily 06:00)
	IntervalMinutes       int    `mapstructure:"interval_minutes"`        // Fixed-interval sweeps instead of cron when > 0 (default: 0)
	BatchSize             int    `mapstructure:"batch_size"`              // Candidate page size per sweep iteration (default: 200)
	MaxPages              int    `mapstructure:"max_pages"`               // Iteration guard against runaway pagination (default: 500)
	StaleAfterHours       int    `mapstructure:"stale_after_hours"`       // Processing runs older than this are stale (default: 2)
	ReaperIntervalMinutes int    `mapstructure:"reaper_interval_minutes"` // How often the stale reaper scans (default: 15)
}

// ReviewsConfig configures AI review generation
type ReviewsConfig struct {
	Model             string `mapstructure:"model"`                // Model identifier passed to the generator
	MaxCallsPerMinute int    `mapstructure:"max_calls_per_minute"` // Generator rate limit (default: 30)
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`      // Per-call generator deadline (default: 30)
}

// MailConfig configures outbound notification mail
type MailConfig struct {
	From         string `mapstructure:"from"`
	Enabled      bool   `mapstructure:"enabled"` // Deliver via SMTP; when false, mail is logged instead
	SMTPHost     string `mapstructure:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port"`
	SMTPUsername string `mapstructure:"smtp_username"`
	SMTPPassword string `mapstructure:"smtp_password"`
}

// JobTimeout returns the per-job wall-clock limit as a duration.
func (c WorkerConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

// PollInterval returns the worker poll interval as a duration.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// BackoffBase returns the first retry delay as a duration.
func (c WorkerConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMillis) * time.Millisecond
}

// Interval returns the fixed sweep interval as a duration. Zero means the
// cron schedule is used instead.
func (c SweepConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// StaleAfter returns the staleness threshold as a duration.
func (c SweepConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterHours) * time.Hour
}

// ReaperInterval returns the stale reaper scan interval as a duration.
func (c SweepConfig) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalMinutes) * time.Minute
}

// Timeout returns the per-call generator deadline as a duration.
func (c ReviewsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "spendsweep.db")

	v.SetDefault("worker.workers", 2)
	v.SetDefault("worker.poll_interval_seconds", 1)
	v.SetDefault("worker.job_timeout_seconds", 30)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.backoff_base_millis", 1000)
	v.SetDefault("worker.cleanup_after_hours", 168)

	v.SetDefault("sweep.cron", "0 6 * * *")
	v.SetDefault("sweep.interval_minutes", 0)
	v.SetDefault("sweep.batch_size", 200)
	v.SetDefault("sweep.max_pages", 500)
	v.SetDefault("sweep.stale_after_hours", 2)
	v.SetDefault("sweep.reaper_interval_minutes", 15)

	v.SetDefault("reviews.model", "llama3.2:3b")
	v.SetDefault("reviews.max_calls_per_minute", 30)
	v.SetDefault("reviews.timeout_seconds", 30)

	v.SetDefault("mail.from", "reviews@spendsweep.local")
	v.SetDefault("mail.enabled", false)
	v.SetDefault("mail.smtp_host", "localhost")
	v.SetDefault("mail.smtp_port", 587)
	v.SetDefault("mail.smtp_username", "")
	v.SetDefault("mail.smtp_password", "")
}

// Load reads configuration from the default locations: ./spendsweep.toml,
// then $HOME/.spendsweep/spendsweep.toml, with SPENDSWEEP_* environment
// variable overrides. A missing config file is not an error; defaults apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("spendsweep")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".spendsweep"))
	}

	SetDefaults(v)

	v.SetEnvPrefix("SPENDSWEEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional - defaults plus env are enough
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config %s: %w", configPath, err)
	}
	return &config, nil
}

// Default returns a Config populated with defaults only. Useful for tests.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("default config must unmarshal: %v", err))
	}
	return &config
}
