// Package httpapi is the admin HTTP API: subscription management, tracking
// stats, Prometheus metrics and optional pprof.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"trackbot/internal/notifier"
	"trackbot/internal/tracking"
	logx "trackbot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8080"

type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

// Tracker is the subset of tracking.Tracker the API calls.
type Tracker interface {
	Add(ctx context.Context, entity int64, mode tracking.Mode, marker time.Time, ch tracking.ChannelID, limit int) (bool, error)
	RemoveEntityFromChannel(ctx context.Context, entity int64, ch tracking.ChannelID) (int, error)
	RemoveChannel(ctx context.Context, ch tracking.ChannelID, mode *tracking.Mode) (int, error)
	List(ch tracking.ChannelID) []tracking.Subscription
	Stats() tracking.Stats
}

// Deps are the components behind the routes. Only Tracker is required.
type Deps struct {
	Tracker Tracker
	Metrics http.Handler
	History func() []notifier.HistoryItem
	Health  func() any
}

type Server struct {
	cfg    Config
	log    logx.Logger
	engine *gin.Engine
}

// New builds the router. It refuses a non-loopback address without a token
// unless AllowInsecure is set.
func New(cfg Config, deps Deps, log logx.Logger) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Tracker == nil {
		return nil, errors.New("httpapi: tracker is required")
	}
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		if !cfg.AllowInsecure {
			return nil, errors.New("httpapi: non-loopback addr requires token or allow_insecure")
		}
		log.Warn("admin api running without token on non-loopback addr (insecure)", logx.String("addr", cfg.Addr))
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{cfg: cfg, log: log, engine: gin.New()}
	s.routes(deps)
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("admin api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
	}
	s.log.Info("admin api stopped")
	return nil
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
