// Package server exposes the HTTP API: registration, direct-chat room
// lookup, profiles, the websocket gateway and operational endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/christopherjohns/bookreview/internal/metrics"
	"github.com/christopherjohns/bookreview/internal/profile"
	"github.com/christopherjohns/bookreview/internal/ratelimit"
	"github.com/christopherjohns/bookreview/internal/registration"
	"github.com/christopherjohns/bookreview/internal/room"
	"github.com/christopherjohns/bookreview/internal/ws"
)

const (
	defaultReadTimeout     = 10 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// Registrar runs a registration.
type Registrar interface {
	Register(ctx context.Context, req registration.Request) (registration.Result, error)
}

// Profiles reads and updates stored profiles.
type Profiles interface {
	Get(ctx context.Context, durableID string) (*profile.Profile, error)
	UpdateAvatar(ctx context.Context, durableID, url string) error
	Ping(ctx context.Context) error
}

// ConnStats reports websocket connection statistics.
type ConnStats interface {
	Stats() ws.ConnStats
}

// Deps are the collaborators the HTTP layer serves.
type Deps struct {
	Registrar       Registrar
	Profiles        Profiles
	Registry        *room.Registry
	Gateway         http.Handler
	Conns           ConnStats
	Metrics         *metrics.Metrics
	RegisterLimiter ratelimit.Limiter
	AllowedOrigins  []string
	Log             *zap.Logger
}

// Server is the main HTTP server.
type Server struct {
	addr   string
	deps   Deps
	engine *gin.Engine
	log    *zap.Logger

	readTimeout     time.Duration
	shutdownTimeout time.Duration
	trustedProxies  []string
}

// Option configures a Server.
type Option func(*Server)

// WithTimeouts overrides the request header read timeout and the grace
// period given to in-flight requests on shutdown.
func WithTimeouts(read, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// WithTrustedProxies lists the peers allowed to set X-Forwarded-For. By
// default no proxy is trusted and the client IP is the TCP peer.
func WithTrustedProxies(proxies []string) Option {
	return func(s *Server) {
		s.trustedProxies = proxies
	}
}

// New creates a Server listening on addr.
func New(addr string, deps Deps, opts ...Option) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.RegisterLimiter == nil {
		deps.RegisterLimiter = ratelimit.Unlimited{}
	}
	s := &Server{
		addr:   addr,
		deps:   deps,
		engine: gin.New(),
		log:    deps.Log.Named("http"),

		readTimeout:     defaultReadTimeout,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.engine.SetTrustedProxies(s.trustedProxies); err != nil {
		s.log.Warn("invalid trusted proxies, trusting none", zap.Strings("proxies", s.trustedProxies), zap.Error(err))
		_ = s.engine.SetTrustedProxies(nil)
	}
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: s.readTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	s.log.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) routes() {
	r := s.engine
	r.Use(recoveryMiddleware(s.log))
	r.Use(loggingMiddleware(s.log))
	r.Use(corsMiddleware(s.deps.AllowedOrigins))
	if s.deps.Metrics != nil {
		r.Use(metricsMiddleware(s.deps.Metrics))
		r.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	r.GET("/health", s.handleHealth)
	r.POST("/register", rateLimitMiddleware(s.deps.RegisterLimiter, s.log), s.handleRegister)
	r.POST("/chat", s.handleChat)
	r.GET("/api/rooms", s.handleListRooms)
	r.GET("/users/:id", s.handleGetProfile)
	r.PUT("/users/:id/avatar", s.handleUpdateAvatar)
	if s.deps.Gateway != nil {
		r.GET("/ws", gin.WrapH(s.deps.Gateway))
	}
}
