package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 10, cfg.Reveal.CallSize)
	assert.Equal(t, 60, cfg.Reveal.TimeoutSecs)
	assert.InDelta(t, 2.0, cfg.Reveal.RateLimitRPS, 0.001)
	assert.Equal(t, 1000, cfg.Quota.DailyCap)
	assert.Equal(t, "UTC", cfg.Quota.Timezone)
	assert.True(t, cfg.Quota.CountLinkedInOnly)
	assert.True(t, cfg.Quota.CountNotFound)
	assert.Equal(t, 50, cfg.Orchestrator.BatchSize)
	assert.Equal(t, 4, cfg.Orchestrator.Concurrency)
	assert.Equal(t, 3, cfg.Orchestrator.MaxAttempts)
	assert.Equal(t, []string{"id", "person_id", "contact_id"}, cfg.Identity.PrimaryFields)
	assert.Equal(t, []string{"linkedin_url", "linkedin", "profile_url"}, cfg.Identity.FallbackFields)
	assert.Equal(t, "reveal-checkpoint.json", cfg.Checkpoint.Path)
	assert.Equal(t, "reveal-journal.db", cfg.Journal.Path)
	assert.Empty(t, cfg.Metrics.Addr)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
  format: console
quota:
  daily_cap: 40
  count_linkedin_only: false
orchestrator:
  batch_size: 10
  concurrency: 2
filter:
  rules:
    - name: operators
      pattern: operator
      match: substring
      fields: [title]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 40, cfg.Quota.DailyCap)
	assert.False(t, cfg.Quota.CountLinkedInOnly)
	assert.Equal(t, 10, cfg.Orchestrator.BatchSize)
	assert.Equal(t, 2, cfg.Orchestrator.Concurrency)
	require.Len(t, cfg.Filter.Rules, 1)
	assert.Equal(t, "operators", cfg.Filter.Rules[0].Name)
	assert.Equal(t, []string{"title"}, cfg.Filter.Rules[0].Fields)
}

func TestLoadExplicitPath(t *testing.T) {
	chdirTemp(t)
	p := filepath.Join(t.TempDir(), "reveal.yaml")
	require.NoError(t, os.WriteFile(p, []byte("quota:\n  daily_cap: 75\n"), 0o644))

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 75, cfg.Quota.DailyCap)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestLoadRejectsBadBackoff(t *testing.T) {
	chdirTemp(t)
	t.Setenv("REVEAL_ORCHESTRATOR_JITTER_FRACTION", "2")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jitter_fraction")
}

func TestLoadEnvOverride(t *testing.T) {
	chdirTemp(t)
	t.Setenv("REVEAL_QUOTA_DAILY_CAP", "250")
	t.Setenv("REVEAL_REVEAL_KEY", "secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.Quota.DailyCap)
	assert.Equal(t, "secret", cfg.Reveal.Key)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("quota: [unclosed"), 0o644))

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Reveal:       RevealConfig{CallSize: 10},
			Quota:        QuotaConfig{DailyCap: 10},
			Orchestrator: OrchestratorConfig{BatchSize: 5, Concurrency: 1, MaxAttempts: 3},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"negative cap", func(c *Config) { c.Quota.DailyCap = -1 }, "daily_cap"},
		{"zero batch", func(c *Config) { c.Orchestrator.BatchSize = 0 }, "batch_size"},
		{"zero concurrency", func(c *Config) { c.Orchestrator.Concurrency = 0 }, "concurrency"},
		{"zero attempts", func(c *Config) { c.Orchestrator.MaxAttempts = 0 }, "max_attempts"},
		{"zero call size", func(c *Config) { c.Reveal.CallSize = 0 }, "call_size"},
		{"negative initial backoff", func(c *Config) { c.Orchestrator.InitialBackoffMs = -1 }, "initial_backoff_ms"},
		{"max below initial", func(c *Config) {
			c.Orchestrator.InitialBackoffMs = 60000
			c.Orchestrator.MaxBackoffMs = 1000
		}, "max_backoff_ms"},
		{"shrinking multiplier", func(c *Config) { c.Orchestrator.BackoffMultiplier = 0.5 }, "backoff_multiplier"},
		{"jitter above one", func(c *Config) { c.Orchestrator.JitterFraction = 1.5 }, "jitter_fraction"},
		{"negative breaker threshold", func(c *Config) { c.Orchestrator.BreakerThreshold = -1 }, "breaker_threshold"},
		{"negative breaker reset", func(c *Config) { c.Orchestrator.BreakerResetSecs = -1 }, "breaker_reset_secs"},
		{"full schedule", func(c *Config) {
			c.Orchestrator.InitialBackoffMs = 1000
			c.Orchestrator.MaxBackoffMs = 60000
			c.Orchestrator.BackoffMultiplier = 3
			c.Orchestrator.JitterFraction = 0.1
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LogConfig
		wantErr bool
	}{
		{"json info", LogConfig{Level: "info", Format: "json"}, false},
		{"console debug", LogConfig{Level: "debug", Format: "console"}, false},
		{"bad level", LogConfig{Level: "loud", Format: "json"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := InitLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, zap.L())
		})
	}
}
