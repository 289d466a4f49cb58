package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendsweep/spendsweep/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, "spendsweep.db", cfg.Database.Path)
	assert.Equal(t, 2, cfg.Worker.Workers)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, "0 6 * * *", cfg.Sweep.Cron)
	assert.Equal(t, 200, cfg.Sweep.BatchSize)
	assert.Equal(t, 30, cfg.Reviews.MaxCallsPerMinute)
	assert.False(t, cfg.Mail.Enabled, "SMTP delivery is opt-in")
	assert.Equal(t, "localhost", cfg.Mail.SMTPHost)
	assert.Equal(t, 587, cfg.Mail.SMTPPort)
}

func TestDurationHelpers(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, time.Second, cfg.Worker.PollInterval())
	assert.Equal(t, 30*time.Second, cfg.Worker.JobTimeout())
	assert.Equal(t, time.Second, cfg.Worker.BackoffBase())
	assert.Equal(t, 30*time.Second, cfg.Reviews.Timeout())
	assert.Zero(t, cfg.Sweep.Interval(), "interval mode is off unless configured")
	assert.Equal(t, 2*time.Hour, cfg.Sweep.StaleAfter())
	assert.Equal(t, 15*time.Minute, cfg.Sweep.ReaperInterval())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spendsweep.toml")
	content := `
[database]
path = "/var/lib/spendsweep/app.db"

[worker]
workers = 4
backoff_base_millis = 500

[sweep]
cron = "30 5 * * *"
batch_size = 50
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := config.LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/spendsweep/app.db", cfg.Database.Path)
	assert.Equal(t, 4, cfg.Worker.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.BackoffBase())
	assert.Equal(t, "30 5 * * *", cfg.Sweep.Cron)
	assert.Equal(t, 50, cfg.Sweep.BatchSize)

	// Unset keys keep their defaults
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 500, cfg.Sweep.MaxPages)
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := config.LoadFromFile(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
