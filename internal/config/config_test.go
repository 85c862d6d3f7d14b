package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/engram/internal/engine"
)

func TestDefaultMatchesEngineDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, engine.DefaultOptions(), cfg.EngineOptions())
	assert.Equal(t, "127.0.0.1:37778", cfg.ListenAddr())
}

func TestLoadMissingEnvFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ENGRAM_SERVER_PORT", "9000")
	t.Setenv("ENGRAM_DB_PATH", "/tmp/engram-test.db")
	t.Setenv("ENGRAM_SCORING_SWEEP_INTERVAL", "6h")
	t.Setenv("ENGRAM_SCORING_SWEEP_CONCURRENCY", "8")
	t.Setenv("ENGRAM_RETRIEVAL_EXPANSION_TIMEOUT", "500ms")
	t.Setenv("ENGRAM_RETRIEVAL_IMPORTANCE_WEIGHT", "0.5")
	t.Setenv("ENGRAM_LOG_DEBUG", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Bind, "unset values keep defaults")
	assert.Equal(t, "/tmp/engram-test.db", cfg.Database.Path)
	assert.Equal(t, 6*time.Hour, cfg.Scoring.SweepInterval)
	assert.True(t, cfg.Log.Debug)

	opts := cfg.EngineOptions()
	assert.Equal(t, 8, opts.SweepConcurrency)
	assert.Equal(t, 500*time.Millisecond, opts.ExpansionTimeout)
	assert.Equal(t, 0.5, opts.Weights.Importance)
	assert.Equal(t, 0.4, opts.Weights.Type)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("ENGRAM_SCORING_SWEEP_IDLE_DAYS=14\nENGRAM_SERVER_BIND=0.0.0.0\n"), 0o600))
	// The process environment wins over the file.
	t.Setenv("ENGRAM_SERVER_BIND", "10.0.0.1")
	t.Cleanup(func() { os.Unsetenv("ENGRAM_SCORING_SWEEP_IDLE_DAYS") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(14), cfg.Scoring.SweepIdleDays)
	assert.Equal(t, "10.0.0.1", cfg.Server.Bind)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"ENGRAM_SCORING_MIN_LINK_CONFIDENCE": "1.5",
		"ENGRAM_RETRIEVAL_MAX_RESULTS":       "0",
		"ENGRAM_SCORING_SWEEP_INTERVAL":      "0s",
		"ENGRAM_RETRIEVAL_TYPE_WEIGHT":       "-1",
		"ENGRAM_SERVER_PORT":                 "not-a-port",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load(filepath.Join(t.TempDir(), "absent.env"))
			assert.Error(t, err)
		})
	}
}
