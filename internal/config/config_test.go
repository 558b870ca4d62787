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
	t.Setenv("KEYGATE_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("KEYGATE_SECURITY_CONTROL_SECRET", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 5*time.Second, cfg.Store.Timeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Security.RateLimit.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KEYGATE_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("KEYGATE_SECURITY_CONTROL_SECRET", "s3cret")
	t.Setenv("KEYGATE_SERVER_PORT", "9999")
	t.Setenv("KEYGATE_STORE_DRIVER", "redis")
	t.Setenv("KEYGATE_STORE_DSN", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Store.DSN)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("security:\n  control_secret: from-file\nstore:\n  driver: memory\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	t.Setenv("KEYGATE_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Security.ControlSecret)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing control secret",
			env:  map[string]string{},
		},
		{
			name: "unknown store driver",
			env: map[string]string{
				"KEYGATE_SECURITY_CONTROL_SECRET": "s3cret",
				"KEYGATE_STORE_DRIVER":           "cassandra",
			},
		},
		{
			name: "postgres without dsn",
			env: map[string]string{
				"KEYGATE_SECURITY_CONTROL_SECRET": "s3cret",
				"KEYGATE_STORE_DRIVER":           "postgres",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("KEYGATE_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
