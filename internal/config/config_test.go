package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "STORAGE_DRIVER", "ESCALATION_INTERVAL", "SLA_WARNING_WINDOW", "LOCK_TIMEOUT", "LOCK_RETRIES", "SEED_DEFAULT_CHAINS", "SEED_TENANT_IDS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "8099", cfg.Port)
	assert.Equal(t, StoragePostgres, cfg.StorageDriver)
	assert.Equal(t, 5*time.Minute, cfg.EscalationInterval)
	assert.Equal(t, 4*time.Hour, cfg.SLAWarningWindow)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.Equal(t, 3, cfg.LockRetries)
	assert.False(t, cfg.SeedDefaultChains)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "Memory")
	t.Setenv("ESCALATION_INTERVAL", "30s")
	t.Setenv("LOCK_RETRIES", "5")
	t.Setenv("LOCK_TIMEOUT", "not-a-duration")
	t.Setenv("SEED_DEFAULT_CHAINS", "true")
	t.Setenv("SEED_TENANT_IDS", "acme, globex ,")

	cfg := Load()
	assert.Equal(t, StorageMemory, cfg.StorageDriver)
	assert.Equal(t, 30*time.Second, cfg.EscalationInterval)
	assert.Equal(t, 5, cfg.LockRetries)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.True(t, cfg.SeedDefaultChains)
	assert.Equal(t, []string{"acme", "globex"}, cfg.SeedTenantIDs)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown driver", func(c *Config) { c.StorageDriver = "sqlite" }},
		{"zero interval", func(c *Config) { c.EscalationInterval = 0 }},
		{"zero lock timeout", func(c *Config) { c.LockTimeout = 0 }},
		{"negative retries", func(c *Config) { c.LockRetries = -1 }},
		{"seeding without tenants", func(c *Config) { c.SeedDefaultChains = true; c.SeedTenantIDs = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				StorageDriver:      StorageMemory,
				EscalationInterval: time.Minute,
				LockTimeout:        time.Second,
			}
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
