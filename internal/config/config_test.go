package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HUBEAU_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	assert.Equal(t, 400, cfg.PageSize)
	assert.Equal(t, 5, cfg.RetryAttempts)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 4, cfg.MaxConcurrentStations)
	assert.Equal(t, 10*24*time.Hour, cfg.RetentionWindow())
	assert.True(t, cfg.AbortOnAuthError)
	assert.Equal(t, ":8080", cfg.ListenAddr())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hubeau.yaml")
	content := `
stations: [R314001001, R307001002]
page_size: 200
retry_initial_interval: 50ms
max_concurrent_stations: 2
dry_run: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("HUBEAU_PAGE_SIZE", "100")
	t.Setenv("HUBEAU_REQUEST_TIMEOUT", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"R314001001", "R307001002"}, cfg.Stations)
	assert.Equal(t, 100, cfg.PageSize)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryInitialInterval)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 2, cfg.MaxConcurrentStations)
	assert.True(t, cfg.DryRun)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("HUBEAU_CONFIG", "")

	t.Setenv("HUBEAU_RETRY_ATTEMPTS", "many")
	_, err := Load("")
	assert.ErrorContains(t, err, "HUBEAU_RETRY_ATTEMPTS")
}

func TestLoad_StationsFromEnv(t *testing.T) {
	t.Setenv("HUBEAU_CONFIG", "")
	t.Setenv("HUBEAU_STATIONS", " r314001001, ,O972001001 ")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"R314001001", "O972001001"}, cfg.Stations)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad driver", func(c *Config) { c.DatabaseDriver = "mysql" }},
		{"bad station", func(c *Config) { c.Stations = []string{"R31400100"} }},
		{"zero page size", func(c *Config) { c.PageSize = 0 }},
		{"zero attempts", func(c *Config) { c.RetryAttempts = 0 }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentStations = 0 }},
		{"zero max pages", func(c *Config) { c.MaxPages = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidStationCode(t *testing.T) {
	assert.True(t, ValidStationCode("R314001001"))
	assert.False(t, ValidStationCode("r314001001"))
	assert.False(t, ValidStationCode("R31400100A"))
	assert.False(t, ValidStationCode("RR14001001"))
}
