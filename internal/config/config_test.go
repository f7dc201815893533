package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func viperWithDefaults() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestDefaultsAreValidExceptRemote(t *testing.T) {
	cfg := NewDefaultConfig()
	// The only field with no sensible default is the policy service URL.
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote.base_url")

	cfg.Remote.BaseURL = "https://policy.example"
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "acb", cfg.Logger.ServiceName)
	assert.Equal(t, 20*time.Millisecond, cfg.Scheduler.MoveStep)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.HoldMax)
	assert.Equal(t, 3*time.Second, cfg.Executor.QuietCeiling)
	assert.Equal(t, 2*time.Second, cfg.Session.GuideDelay)
	assert.True(t, cfg.Browser.Headless)
}

func TestNewConfigFromViper(t *testing.T) {
	v := viperWithDefaults()
	v.Set("remote.base_url", "https://policy.example")
	v.Set("remote.org_id", "org-7")
	v.Set("scheduler.hold_max", "90ms")
	v.Set("logger.level", "debug")

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "org-7", cfg.Remote.OrgID)
	assert.Equal(t, 90*time.Millisecond, cfg.Scheduler.HoldMax)
	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg := NewDefaultConfig()
		cfg.Remote.BaseURL = "https://policy.example"
		return cfg
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "hold bounds inverted",
			mutate:  func(c *Config) { c.Scheduler.HoldMin = 300 * time.Millisecond },
			wantErr: "hold",
		},
		{
			name:    "ceiling below quiet window",
			mutate:  func(c *Config) { c.Executor.QuietCeiling = time.Millisecond },
			wantErr: "quiet",
		},
		{
			name:    "zero viewport",
			mutate:  func(c *Config) { c.Browser.ViewportWidth = 0 },
			wantErr: "viewport",
		},
		{
			name:    "non-positive remote timeout",
			mutate:  func(c *Config) { c.Remote.Timeout = 0 },
			wantErr: "timeout",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
