package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// chdir moves into an empty directory so no stray .env is picked up.
func chdir(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadConfigDefaults(t *testing.T) {
	chdir(t)

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, BackendMemory, cfg.Records.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL.Std())
	assert.Equal(t, 1000, cfg.Cache.MaxEntries)
	assert.Equal(t, 4, cfg.Dashboard.MaxConcurrency)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.PollInterval.Std())
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Scheduler.InitialBackoff.Std())
	assert.Equal(t, 30*time.Second, cfg.Scheduler.MaxBackoff.Std())
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	chdir(t)
	path := writeConfig(t, `{
		"server": {"port": 9090},
		"records": {"backend": "postgres", "dsn": "postgres://localhost/records"},
		"cache": {"default_ttl": "90s", "max_entries": 50},
		"scheduler": {"poll_interval": "1m"},
		"auth": {"jwt_secret": "0123456789abcdef"}
	}`)

	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("ANALYTICS_CACHE_MAX_ENTRIES", "25")
	t.Setenv("ANALYTICS_SCHEDULER_POLL_INTERVAL", "10s")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/records", cfg.Records.DSN)
	assert.Equal(t, 90*time.Second, cfg.Cache.DefaultTTL.Std())
	assert.Equal(t, 25, cfg.Cache.MaxEntries)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.PollInterval.Std())
	// untouched sections keep their defaults
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	chdir(t)
	require.NoError(t, os.WriteFile(".env", []byte("ANALYTICS_LOG_LEVEL=debug\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ANALYTICS_LOG_LEVEL") })

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
		want string
	}{
		{name: "malformed json", body: `{"server":`, want: "failed to parse config file"},
		{name: "bad duration", body: `{"cache": {"default_ttl": "soon"}}`, want: "invalid duration"},
		{name: "unknown backend", body: `{"records": {"backend": "cassandra"}}`, want: "Backend"},
		{name: "postgres without dsn", body: `{"records": {"backend": "postgres"}}`, want: "DSN"},
		{name: "dynamo without table", body: `{"scheduler": {"store": "dynamodb"}}`, want: "DynamoTable"},
		{name: "short secret", body: `{"auth": {"jwt_secret": "short"}}`, want: "JWTSecret"},
		{name: "zero cache size", body: `{"cache": {"max_entries": 0}}`, want: "MaxEntries"},
		{name: "bad env port", body: `{}`, env: map[string]string{"SERVER_PORT": "eighty"}, want: "SERVER_PORT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGetDatabaseURL(t *testing.T) {
	db := DatabaseConfig{User: "app", Password: "pw", Host: "db", Port: 5432, DBName: "analytics", SSLMode: "disable"}
	assert.Equal(t, "postgres://app:pw@db:5432/analytics?sslmode=disable", db.GetDatabaseURL())
}
