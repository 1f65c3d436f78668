package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/christopherjohns/bookreview/internal/config"
	"github.com/christopherjohns/bookreview/internal/identity"
	"github.com/christopherjohns/bookreview/internal/message"
	"github.com/christopherjohns/bookreview/internal/ratelimit"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.DSN = "file:" + filepath.Join(t.TempDir(), "app.db") + "?_busy_timeout=5000"
	cfg.Firebase.Provider = "memory"
	return cfg
}

func TestNewWithoutRedis(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	assert.Nil(t, a.Redis)
	assert.IsType(t, &identity.Memory{}, a.Identity)
	assert.IsType(t, &ratelimit.Window{}, a.limiter("register", 5, 60))
	assert.IsType(t, &message.Store{}, a.messageStore(a.Config.Chat))

	w := httptest.NewRecorder()
	a.Server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()

	a, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	require.NotNil(t, a.Redis)
	assert.IsType(t, &ratelimit.RedisLimiter{}, a.limiter("register", 5, 60))
	assert.IsType(t, &message.RedisStore{}, a.messageStore(cfg.Chat))
}

func TestNewRegistersEndToEnd(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	body := `{"username":"ada","password":"secret-pw","email":"ada@example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.Server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	n, err := a.Profiles.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLimiterDisabled(t *testing.T) {
	a := &App{}
	assert.Equal(t, ratelimit.Unlimited{}, a.limiter("register", 0, 60))
}

func TestNewFailsOnUnreachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.Addr = mr.Addr()
	mr.Close()

	_, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "connect to redis")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chat.HistorySize = 0

	_, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "history_size")
}

func TestNewIdentityProviderUnknown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Firebase.Provider = "ldap"
	_, err := NewIdentityProvider(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestMailFrom(t *testing.T) {
	assert.Equal(t, "a@x.io", mailFrom(config.MailConfig{From: "a@x.io", Username: "b@x.io"}))
	assert.Equal(t, "b@x.io", mailFrom(config.MailConfig{Username: "b@x.io"}))
	assert.Equal(t, "noreply@localhost", mailFrom(config.MailConfig{}))
}
