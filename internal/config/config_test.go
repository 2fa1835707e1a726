package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmbeddedDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Store.Driver)
	assert.Equal(t, "outreach.jobs", cfg.Kafka.Topic)
	assert.Equal(t, 72*time.Hour, cfg.Followup.FU1)
	assert.Equal(t, 3, cfg.Followup.MaxAttempts)
	assert.Equal(t, 4, cfg.Throttle.PerSenderHourly)
	assert.Equal(t, 900*time.Second, cfg.Dispatch.LockTTL)
	require.Len(t, cfg.Providers, 1)
	assert.False(t, cfg.Providers[0].Enabled)
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: memory
dispatch:
  ratio: "70:30"
caps:
  warmup_ramps:
    s1: [5, 10, 20]
`), 0o600))
	t.Setenv("OUTREACH_DISPATCH_BATCH_SIZE", "12")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "mysql", cfg.Store.Locks)
	assert.Equal(t, 12, cfg.Dispatch.BatchSize)
	assert.Equal(t, []int{5, 10, 20}, cfg.Caps.WarmupRamps["s1"])
	// keys the file leaves out keep their defaults
	assert.Equal(t, 200, cfg.Dispatch.DomainDailyCap)

	d, err := cfg.ToDispatcher()
	require.NoError(t, err)
	assert.Equal(t, 70, d.ColdWeight)
	assert.Equal(t, 30, d.FriendlyWeight)
	assert.Equal(t, 12, d.BatchSize)
	assert.Equal(t, 30*24*time.Hour, d.DedupeWindow)
	assert.Equal(t, 9*time.Hour, d.Window.Start)
	assert.Equal(t, "America/Toronto", d.Window.Location().String())
}

func TestToDispatcherRejectsBadRatio(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Dispatch.Ratio = "sixty"
	_, err = cfg.ToDispatcher()
	assert.Error(t, err)

	cfg.Dispatch.Ratio = "60:40"
	cfg.Dispatch.Window = "18:00-09:00"
	_, err = cfg.ToDispatcher()
	assert.Error(t, err)
}

func TestConvertersCarryValues(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.12, cfg.ToCaps().PauseBounceRate)
	assert.Equal(t, 0.25, cfg.ToGovernor().ErrorRateThreshold)
	assert.Equal(t, 2*time.Hour, cfg.ToFriendly().MailboxCooldown)
	assert.True(t, cfg.ToGuards().RequireProvenance)
	assert.NotEmpty(t, cfg.ToGuards().RecipientPatterns)
	assert.Empty(t, cfg.ToProviders(), "disabled providers are skipped")

	cfg.Providers[0].Enabled = true
	p := cfg.ToProviders()
	require.Len(t, p, 1)
	assert.Equal(t, 10*time.Second, p[0].Timeout)
	assert.Equal(t, 30*time.Second, p[0].OpenFor)
}
