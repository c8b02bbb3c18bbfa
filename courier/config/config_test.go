//go:build unit

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/LerianStudio/lib-courier/courier/proactive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "standalone", cfg.Redis.Mode)
	assert.Equal(t, []string{"localhost:6379"}, cfg.Redis.Addresses)
	assert.Equal(t, 3*time.Second, cfg.Buffer.ShortTimeout)
	assert.Equal(t, 8*time.Second, cfg.Buffer.LongTimeout)
	assert.Equal(t, 4000, cfg.Queue.MaxPartLength)
	assert.Equal(t, 3, cfg.Dispatcher.MaxRetries)
	assert.Equal(t, "*/15 * * * *", cfg.Proactive.SweepSchedule)
	assert.False(t, cfg.Admin.Enabled)

	assert.ErrorIs(t, cfg.RequireServe(), ErrInvalidConfig, "token has no default")
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "courier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  mode: sentinel
  master_name: mymaster
  addresses: ["s1:26379", "s2:26379"]
buffer:
  short_timeout: 2s
dispatcher:
  batch_size: 4
telegram:
  token: from-file
`), 0o600))

	t.Setenv("COURIER_DISPATCHER_BATCH_SIZE", "7")
	t.Setenv("COURIER_PROACTIVE_QUIET_START", "23:30")
	t.Setenv("COURIER_AI_TIMEOUT", "45s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sentinel", cfg.Redis.Mode)
	assert.Equal(t, []string{"s1:26379", "s2:26379"}, cfg.Redis.Addresses)
	assert.Equal(t, 2*time.Second, cfg.Buffer.ShortTimeout)
	assert.Equal(t, 7, cfg.Dispatcher.BatchSize)
	assert.Equal(t, "23:30", cfg.Proactive.QuietStart)
	assert.Equal(t, 45*time.Second, cfg.AI.Timeout)
	assert.NoError(t, cfg.RequireServe())

	rc := cfg.Redis.Client(nil)
	require.NotNil(t, rc.Topology.Sentinel)
	assert.Equal(t, "mymaster", rc.Topology.Sentinel.MasterName)
	assert.Nil(t, rc.Topology.Standalone)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadSections(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "log environment", mutate: func(c *Config) { c.Log.Environment = "prod" }},
		{name: "redis mode", mutate: func(c *Config) { c.Redis.Mode = "ring" }},
		{name: "sentinel master", mutate: func(c *Config) { c.Redis.Mode = "sentinel" }},
		{name: "standalone addresses", mutate: func(c *Config) { c.Redis.Addresses = []string{"a:1", "b:2"} }},
		{name: "buffer timeout", mutate: func(c *Config) { c.Buffer.ShortTimeout = 0 }},
		{name: "delivery outlives lock", mutate: func(c *Config) { c.Dispatcher.DeliveryTimeout = time.Minute }},
		{name: "tasks ceiling", mutate: func(c *Config) { c.Tasks.RetryCeiling = time.Second }},
		{name: "quiet clock", mutate: func(c *Config) { c.Proactive.QuietEnd = "25:00" }},
		{name: "timezone", mutate: func(c *Config) { c.Proactive.Timezone = "Mars/Olympus" }},
		{name: "sweep cron", mutate: func(c *Config) { c.Proactive.SweepSchedule = "every day" }},
		{name: "admin password", mutate: func(c *Config) { c.Admin.Username = "ops" }},
		{name: "part length", mutate: func(c *Config) { c.Queue.MaxPartLength = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Redis.Addresses = append([]string(nil), base.Redis.Addresses...)
			tt.mutate(&cfg)

			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestProactiveDisabledSkipsItsValidation(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Proactive.Enabled = false
	cfg.Proactive.QuietStart = "nonsense"

	assert.NoError(t, cfg.Validate())
}

func TestProactiveOptions(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Proactive.Timezone = "America/Sao_Paulo"
	cfg.Proactive.QuietStart = "21:00"
	cfg.Proactive.QuietEnd = "07:30"

	opts, err := cfg.Proactive.Options()
	require.NoError(t, err)

	assert.Equal(t, 21*time.Hour, opts.Quiet.Start)
	assert.Equal(t, 7*time.Hour+30*time.Minute, opts.Quiet.End)
	assert.Equal(t, "America/Sao_Paulo", opts.Quiet.Location.String())
	assert.Equal(t, proactive.DefaultCadence(), opts.Cadence)
}

func TestComponentOptions(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, cfg.Buffer.MaxMessages, cfg.Buffer.Options().MaxMessages)
	assert.Equal(t, cfg.Dispatcher.LockExpiry, cfg.Dispatcher.LockOptions().Expiry)
	assert.True(t, cfg.Dispatcher.Options().SendTypingAction)
	assert.Equal(t, cfg.Tasks.MaxAttempts, cfg.Tasks.Options().MaxAttempts)
	assert.Equal(t, cfg.AI.Model, cfg.AI.Options().Model)
	assert.Equal(t, ":8080", cfg.Admin.Options().Address)
	assert.Equal(t, "courier:queue:42", cfg.Redis.Keys().Queue(42))
	assert.Equal(t, "production", string(cfg.Log.Zap().Environment))
}
