package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/attendance"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	// GIVEN: an empty config file and no overrides
	path := writeConfig(t, "")

	// WHEN: loading
	cfg, err := Load(path)

	// THEN: every default is in place
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "points.db", cfg.Database.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, LockSQLite, cfg.Lock.Backend)
	assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, "15 2 * * *", cfg.Scheduler.Schedule)
	assert.Equal(t, 4, cfg.Batch.Workers)
	assert.Equal(t, attendance.DefaultPolicy(), cfg.Policy.Attendance())
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	// GIVEN: a file setting the port and policy, and an env var overriding the port
	path := writeConfig(t, `
server:
  port: 9000
policy:
  gbro_clean_days: 90
lock:
  backend: memory
  ttl: 1m
`)
	t.Setenv("POINTS_SERVER_PORT", "9100")

	// WHEN: loading
	cfg, err := Load(path)

	// THEN: env beats file, file beats defaults
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 90, cfg.Policy.GbroCleanDays)
	assert.Equal(t, 2, cfg.Policy.GbroPairSize)
	assert.Equal(t, LockMemory, cfg.Lock.Backend)
	assert.Equal(t, time.Minute, cfg.Lock.TTL)
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown lock backend", "lock:\n  backend: etcd\n"},
		{"zero workers", "batch:\n  workers: 0\n"},
		{"zero pair size", "policy:\n  gbro_pair_size: 0\n"},
		{"negative clean days", "policy:\n  gbro_clean_days: -5\n"},
		{"port out of range", "server:\n  port: 70000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
