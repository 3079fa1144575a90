package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BranchIntl/jobqueue/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMap_Defaults(t *testing.T) {
	cfg, err := FromMap(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, StatsNoop, cfg.Stats)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 5*time.Minute, cfg.LeaseTTL)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, "@every 30s", cfg.ReapSchedule)
	assert.False(t, cfg.ExpiredAttemptCap)
	assert.Equal(t, "jobqueue.dead", cfg.DeadLetterExchange)
	assert.Empty(t, cfg.Queues)
}

func TestFromMap_Overrides(t *testing.T) {
	cfg, err := FromMap(map[string]string{
		"JOBQUEUE_STORE":          "redis",
		"REDIS_URL":               "redis://cache:6379/2",
		"JOBQUEUE_QUEUES":         "scrape:airline-a,scrape:airline-b",
		"JOBQUEUE_CONCURRENCY":    "16",
		"JOBQUEUE_LEASE_TTL":      "90s",
		"JOBQUEUE_RENEW_INTERVAL": "30s",
		"JOBQUEUE_POLL_JITTER":    "0.1",
		"JOBQUEUE_STATS":          "prometheus",
		"METRICS_ADDR":            ":9090",
		"LOG_FORMAT":              "json",

		"JOBQUEUE_EXPIRED_ATTEMPT_CAP": "true",
	})
	require.NoError(t, err)

	assert.Equal(t, "redis://cache:6379/2", cfg.RedisURL)
	assert.Equal(t, []string{"scrape:airline-a", "scrape:airline-b"}, cfg.Queues)
	assert.Equal(t, 16, cfg.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 30*time.Second, cfg.RenewInterval)
	assert.InDelta(t, 0.1, cfg.PollJitter, 1e-9)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.True(t, cfg.ExpiredAttemptCap)

	// base settings plus renew interval and the expiry cap
	assert.Len(t, cfg.EngineOptions(nil), 9)
	assert.Len(t, cfg.EngineOptions(slog.Default()), 10)
}

func TestFromMap_Invalid(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{"unknown store", map[string]string{"JOBQUEUE_STORE": "cassandra"}},
		{"postgres without dsn", map[string]string{"JOBQUEUE_STORE": "postgres"}},
		{"unknown stats", map[string]string{"JOBQUEUE_STATS": "statsd"}},
		{"zero concurrency", map[string]string{"JOBQUEUE_CONCURRENCY": "0"}},
		{"not a number", map[string]string{"JOBQUEUE_CONCURRENCY": "many"}},
		{"renew not shorter than lease", map[string]string{"JOBQUEUE_LEASE_TTL": "10s", "JOBQUEUE_RENEW_INTERVAL": "10s"}},
		{"max poll below poll", map[string]string{"JOBQUEUE_POLL_INTERVAL": "5s", "JOBQUEUE_MAX_POLL_INTERVAL": "1s"}},
		{"jitter out of range", map[string]string{"JOBQUEUE_POLL_JITTER": "1.5"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromMap(tt.vars)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
		})
	}
}

func TestLoad_DotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("JOBQUEUE_STORE=mongo\nMONGO_DATABASE=scrapes\n"), 0644))
	// registers restoration of both vars, then clears them for godotenv
	t.Setenv("JOBQUEUE_STORE", "")
	t.Setenv("MONGO_DATABASE", "")
	os.Unsetenv("JOBQUEUE_STORE")
	os.Unsetenv("MONGO_DATABASE")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StoreMongo, cfg.Store)
	assert.Equal(t, "scrapes", cfg.MongoDatabase)
}

func TestLoad_MissingFileIgnored(t *testing.T) {
	t.Setenv("JOBQUEUE_STORE", "redis")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.Equal(t, StoreRedis, cfg.Store)
}

func TestNewLogger(t *testing.T) {
	cfg, err := FromMap(map[string]string{"LOG_LEVEL": "warn", "LOG_FORMAT": "json"})
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("dropped")
	logger.Warn("kept", "queue", "scrape")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["msg"])
	assert.Equal(t, "scrape", line["queue"])
}

func TestReapScheduleOff(t *testing.T) {
	cfg, err := FromMap(map[string]string{"JOBQUEUE_REAP_SCHEDULE": "off"})
	require.NoError(t, err)
	assert.Equal(t, "", cfg.reapSchedule())

	cfg, err = FromMap(map[string]string{"JOBQUEUE_REAP_SCHEDULE": "@every 1m"})
	require.NoError(t, err)
	assert.Equal(t, "@every 1m", cfg.reapSchedule())
}
