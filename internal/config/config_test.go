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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeConfig(t, `
env: production
http:
  addr: ":8080"
  allowed_origins: ["https://books.example.com"]
database:
  driver: postgres
  dsn: postgres://app@db/app
firebase:
  project_id: books-prod
  timeout: 3s
chat:
  history_size: 20
`)
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("SENDER_PASSWORD", "hunter2")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, []string{"https://books.example.com"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "books-prod", cfg.Firebase.ProjectID)
	assert.Equal(t, 3*time.Second, cfg.Firebase.Timeout)
	assert.Equal(t, "hunter2", cfg.Mail.Password)
	assert.Equal(t, 20, cfg.Chat.HistorySize)
	assert.Equal(t, 2000, cfg.Chat.MaxMessageLength, "defaults survive a partial file")
	assert.True(t, cfg.IsProduction())
}

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("FIREBASE_PROJECT_ID", "books-dev")
	t.Setenv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.HTTP.AllowedOrigins)
	assert.False(t, cfg.IsProduction())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, false},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, false},
		{"missing project", func(c *Config) { c.Firebase.ProjectID = "" }, false},
		{"memory provider", func(c *Config) { c.Firebase.Provider = "memory"; c.Firebase.ProjectID = "" }, true},
		{"memory provider in production", func(c *Config) { c.Firebase.Provider = "memory"; c.Env = "production" }, false},
		{"smtp without sender", func(c *Config) { c.Mail.Host = "smtp.example.com" }, false},
		{"zero message length", func(c *Config) { c.Chat.MaxMessageLength = 0 }, false},
		{"zero history size", func(c *Config) { c.Chat.HistorySize = 0 }, false},
		{"negative history size", func(c *Config) { c.Chat.HistorySize = -1 }, false},
		{"trusted proxies", func(c *Config) { c.HTTP.TrustedProxies = []string{"10.0.0.1", "172.16.0.0/12"} }, true},
		{"bad trusted proxy", func(c *Config) { c.HTTP.TrustedProxies = []string{"proxy.internal"} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Firebase.ProjectID = "books"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestEnvUsageListsVariables(t *testing.T) {
	usage, err := EnvUsage()
	require.NoError(t, err)
	assert.Contains(t, usage, "DATABASE_DSN")
	assert.Contains(t, usage, "SENDER_PASSWORD")
}
