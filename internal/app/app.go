// Package app wires configuration into running services.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/christopherjohns/bookreview/internal/config"
	"github.com/christopherjohns/bookreview/internal/identity"
	"github.com/christopherjohns/bookreview/internal/logging"
	"github.com/christopherjohns/bookreview/internal/message"
	"github.com/christopherjohns/bookreview/internal/metrics"
	"github.com/christopherjohns/bookreview/internal/notify"
	"github.com/christopherjohns/bookreview/internal/profile"
	"github.com/christopherjohns/bookreview/internal/ratelimit"
	"github.com/christopherjohns/bookreview/internal/registration"
	"github.com/christopherjohns/bookreview/internal/room"
	"github.com/christopherjohns/bookreview/internal/server"
	"github.com/christopherjohns/bookreview/internal/ws"
)

const (
	redisPingTimeout = 5 * time.Second
	historyTTL       = 7 * 24 * time.Hour
)

// App holds every long-lived service of the process.
type App struct {
	Config   config.Config
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	Profiles *profile.Store
	Redis    *redis.Client
	Identity identity.Provider
	Registry *room.Registry
	Conns    *ws.ConnManager
	Server   *server.Server
}

// New connects to the configured backends and assembles the HTTP server.
// On error every resource opened so far is released.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Log: log, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if cfg.Database.AutoMigrate {
		if err := profile.Migrate(cfg.Database.Driver, cfg.Database.DSN, logging.Component(log, "migrate")); err != nil {
			return nil, err
		}
	}
	a.Profiles, err = profile.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		a.Redis, err = NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		log.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	}

	a.Identity, err = NewIdentityProvider(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	coordinator := registration.New(
		a.Identity,
		notify.NewDispatcher(newTransport(cfg.Mail, log), mailFrom(cfg.Mail), logging.Component(log, "notify")),
		a.Profiles,
		logging.Component(log, "registration"),
		registration.WithTimeouts(cfg.Firebase.Timeout, cfg.Mail.Timeout),
		registration.WithResendLimiter(a.limiter("resend", cfg.Registration.ResendLimit, cfg.Registration.ResendWindow)),
		registration.WithMetrics(a.Metrics),
	)

	a.Registry = room.NewRegistry(
		room.WithLogger(logging.Component(log, "rooms")),
		room.WithOnChange(func(active int) { a.Metrics.ActiveRooms.Set(float64(active)) }),
	)
	a.Conns = ws.NewConnManager(
		logging.Component(log, "conns"),
		ws.WithMaxConns(cfg.Chat.MaxConnections),
		ws.WithIdleTimeout(cfg.Chat.IdleTimeout),
		ws.WithConnMetrics(a.Metrics),
	)
	gateway := ws.NewHandler(a.Registry, a.Conns, logging.Component(log, "ws"),
		ws.WithMessageStore(a.messageStore(cfg.Chat)),
		ws.WithHistorySize(cfg.Chat.HistorySize),
		ws.WithMaxMessageLength(cfg.Chat.MaxMessageLength),
		ws.WithMessageRate(cfg.Chat.MessageRate, cfg.Chat.MessageWindow),
		ws.WithOriginPatterns(cfg.HTTP.AllowedOrigins),
		ws.WithHandlerMetrics(a.Metrics),
	)

	a.Server = server.New(cfg.HTTP.Addr, server.Deps{
		Registrar:       coordinator,
		Profiles:        a.Profiles,
		Registry:        a.Registry,
		Gateway:         gateway,
		Conns:           a.Conns,
		Metrics:         a.Metrics,
		RegisterLimiter: a.limiter("register", cfg.HTTP.RegisterRateLimit, cfg.HTTP.RegisterRateWindow),
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
		Log:             log,
	},
		server.WithTimeouts(cfg.HTTP.ReadTimeout, cfg.HTTP.ShutdownTimeout),
		server.WithTrustedProxies(cfg.HTTP.TrustedProxies),
	)

	return a, nil
}

// Run serves HTTP until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	return a.Server.Run(ctx)
}

// Close disconnects every websocket client and releases backends.
func (a *App) Close() error {
	var errs []error
	if a.Conns != nil {
		a.Conns.Shutdown()
	}
	if a.Profiles != nil {
		errs = append(errs, a.Profiles.Close())
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	return errors.Join(errs...)
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// NewIdentityProvider builds the configured identity provider.
func NewIdentityProvider(ctx context.Context, cfg config.Config, log *zap.Logger) (identity.Provider, error) {
	switch cfg.Firebase.Provider {
	case "firebase":
		return identity.NewFirebaseClient(ctx, cfg.Firebase, logging.Component(log, "firebase"))
	case "memory":
		log.Warn("using in-memory identity provider; identities are lost on restart")
		return identity.NewMemory(), nil
	}
	return nil, fmt.Errorf("unsupported identity provider %q", cfg.Firebase.Provider)
}

// limiter returns a Redis-backed limiter when Redis is configured and an
// in-memory one otherwise. A non-positive max disables limiting.
func (a *App) limiter(prefix string, max int, window time.Duration) ratelimit.Limiter {
	if max <= 0 || window <= 0 {
		return ratelimit.Unlimited{}
	}
	if a.Redis != nil {
		return ratelimit.NewRedisLimiter(a.Redis, prefix, max, window)
	}
	return ratelimit.NewWindow(max, window)
}

func (a *App) messageStore(cfg config.ChatConfig) message.MessageStore {
	if a.Redis != nil {
		return message.NewRedisStore(a.Redis, cfg.HistorySize, historyTTL, logging.Component(a.Log, "history"))
	}
	return message.NewStore(cfg.HistorySize, message.WithMaxRooms(cfg.HistoryRooms))
}

func newTransport(cfg config.MailConfig, log *zap.Logger) notify.Transport {
	if cfg.Host == "" {
		log.Warn("smtp host not set; verification mails are only logged")
		return notify.NewLogTransport(logging.Component(log, "mail"))
	}
	return notify.NewSMTPTransport(cfg)
}

func mailFrom(cfg config.MailConfig) string {
	if cfg.From != "" {
		return cfg.From
	}
	if cfg.Username != "" {
		return cfg.Username
	}
	return "noreply@localhost"
}
