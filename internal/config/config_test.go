package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boddenberg/blog-content-cache/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, time.Hour, cfg.Cache.DefaultTTL)
	assert.Equal(t, 10*time.Minute, cfg.Cache.SweepInterval)
	assert.Equal(t, 5*time.Second, cfg.Dedup.ShortWindow)
	assert.Equal(t, 30*time.Minute, cfg.Dedup.LongHorizon)
	assert.Equal(t, "periodic", cfg.Dedup.SweepMode)
	require.NoError(t, cfg.Validate())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CACHE_DEFAULT_TTL", "120")
	t.Setenv("DEDUP_SHORT_WINDOW", "10s")
	t.Setenv("DEDUP_SWEEP_MODE", "inline")

	cfg := config.Load()

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 2*time.Minute, cfg.Cache.DefaultTTL, "bare numbers are seconds")
	assert.Equal(t, 10*time.Second, cfg.Dedup.ShortWindow)
	assert.Equal(t, "inline", cfg.Dedup.SweepMode)
}

func TestLoadFile_Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
port: 7000
cache:
  sweep_interval: 30s
dedup:
  long_horizon: 1h
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := config.Load()
	require.NoError(t, cfg.LoadFile(path))

	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.Cache.SweepInterval)
	assert.Equal(t, time.Hour, cfg.Dedup.LongHorizon)
	assert.Equal(t, 5*time.Second, cfg.Dedup.ShortWindow, "untouched keys keep env values")
}

func TestLoad_MalformedValuesFailValidation(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"CACHE_POST_TTL", "ten minutes"},
		{"CACHE_SWEEP_INTERVAL", "often"},
		{"DEDUP_SHORT_WINDOW", "5 s"},
		{"PORT", "eighty"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			err := config.Load().Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestCacheTTLs_FallBackToDefault(t *testing.T) {
	t.Setenv("CACHE_DEFAULT_TTL", "15m")
	t.Setenv("CACHE_LIST_TTL", "90s")

	cfg := config.Load()
	require.NoError(t, cfg.Validate())
	post, list, taxonomy := cfg.Cache.TTLs()

	assert.Equal(t, 15*time.Minute, post)
	assert.Equal(t, 90*time.Second, list)
	assert.Equal(t, 15*time.Minute, taxonomy)
}

func TestLoadFile_NullTTLUsesDefault(t *testing.T) {
	t.Setenv("CACHE_POST_TTL", "1m")
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
cache:
  default_ttl: 20m
  post_ttl: ~
  taxonomy_ttl: 0s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := config.Load()
	require.NoError(t, cfg.LoadFile(path))
	require.NoError(t, cfg.Validate())
	post, list, taxonomy := cfg.Cache.TTLs()

	assert.Equal(t, 20*time.Minute, post)
	assert.Equal(t, 20*time.Minute, list)
	assert.Equal(t, time.Duration(0), taxonomy, "explicit zero keeps entries until invalidated")
}

func TestLoadFile_Missing(t *testing.T) {
	cfg := config.Load()
	assert.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "nope.yaml")))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{"defaults", func(*config.Config) {}, false},
		{"zero sweep interval", func(c *config.Config) { c.Cache.SweepInterval = 0 }, true},
		{"negative ttl", func(c *config.Config) { c.Cache.DefaultTTL = -time.Second }, true},
		{"negative post ttl", func(c *config.Config) {
			d := -time.Second
			c.Cache.PostTTL = &d
		}, true},
		{"horizon below window", func(c *config.Config) { c.Dedup.LongHorizon = time.Second }, true},
		{"unknown sweep mode", func(c *config.Config) { c.Dedup.SweepMode = "hourly" }, true},
		{"unknown driver", func(c *config.Config) { c.StoreDriver = "mongo" }, true},
		{"postgrest without url", func(c *config.Config) { c.StoreDriver = "postgrest" }, true},
		{"postgrest with url", func(c *config.Config) {
			c.StoreDriver = "postgrest"
			c.PostgRESTURL = "http://localhost:3000"
		}, false},
		{"short admin secret", func(c *config.Config) { c.AdminJWTSecret = "short" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
