// Package api serves the HTTP control API for broadcasts.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"wavecast/internal/autoreply"
	"wavecast/internal/broadcast"
	"wavecast/internal/chats"
	"wavecast/internal/runtime/supervisor"
	"wavecast/internal/storage"
	logx "wavecast/pkg/logx"
)

// Broadcasts is the broadcast service surface used by the API.
type Broadcasts interface {
	StartBroadcast(ctx context.Context, req broadcast.Request) (string, error)
	Status(owner string) []broadcast.Status
	Lookup(id string) (*broadcast.Status, *broadcast.Outcome, error)
	Kill(id string) (broadcast.Status, error)
	KillOwner(owner string) broadcast.CancelResult
}

type ChatLister interface {
	List() []chats.Entry
}

type InviteCollector interface {
	Collect(ctx context.Context) []chats.Invite
}

type AutoReply interface {
	Status() autoreply.Status
	Apply(set autoreply.Settings)
}

// HTTPObserver records request metrics.
type HTTPObserver interface {
	ObserveHTTP(method, route string, code int, took time.Duration)
}

type Config struct {
	Addr         string
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Profile      ProfileConfig
}

// Deps are the collaborators behind the routes. Only Broadcasts is required;
// routes whose dependency is nil answer 503.
type Deps struct {
	Broadcasts Broadcasts
	Chats      ChatLister
	Invites    InviteCollector
	AutoReply  AutoReply
	Store      storage.Store
	Metrics    http.Handler
	Observer   HTTPObserver
	// Runtime reports goroutine counters on /healthz.
	Runtime func() supervisor.Counters
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	engine *gin.Engine

	mu   sync.Mutex
	srv  *http.Server
	done chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	gin.SetMode(gin.ReleaseMode)
	if cfg.Profile.Enabled {
		applyProfileRates(cfg.Profile)
	}
	s := &Server{cfg: cfg, deps: deps, log: log}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on cfg.Addr and serves until Stop. Listen errors are
// returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	done := make(chan struct{})
	s.srv, s.done = srv, done

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", logx.Err(err))
		}
	}()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.cfg.Token != ""))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.done = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
	}
	return err
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.recoverMiddleware(), s.logMiddleware())

	r.GET("/healthz", s.health)

	authed := r.Group("/", s.authMiddleware())
	if s.deps.Metrics != nil {
		authed.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	if s.cfg.Profile.Enabled {
		mountProfiler(authed)
	}

	api := authed.Group("/api")
	api.POST("/broadcasts", s.startBroadcast)
	api.GET("/broadcasts", s.listBroadcasts)
	api.GET("/broadcasts/:id", s.getBroadcast)
	api.DELETE("/broadcasts/:id", s.killBroadcast)
	api.POST("/owners/:owner/kill", s.killOwner)
	api.POST("/messages", s.sendMessage)
	api.GET("/chats", s.listChats)
	api.GET("/chats/export", s.exportChats)
	api.POST("/chats/invites", s.collectInvites)
	api.GET("/history", s.history)
	api.GET("/autoreply", s.getAutoReply)
	api.PUT("/autoreply", s.putAutoReply)
	return r
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	want := []byte(strings.TrimSpace(s.cfg.Token))
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) recoverMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in handler", logx.String("path", c.FullPath()), logx.Any("panic", r))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}

func (s *Server) logMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		took := time.Since(start)
		code := c.Writer.Status()
		route := c.FullPath()
		if s.deps.Observer != nil {
			s.deps.Observer.ObserveHTTP(c.Request.Method, route, code, took)
		}
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("route", route),
			logx.Int("status", code),
			logx.Duration("took", took),
		}
		if code >= 500 {
			s.log.Warn("request failed", fields...)
			return
		}
		s.log.Debug("request", fields...)
	}
}

func (s *Server) health(c *gin.Context) {
	active := 0
	if s.deps.Broadcasts != nil {
		active = len(s.deps.Broadcasts.Status(""))
	}
	body := gin.H{"status": "ok", "active_broadcasts": active}
	if s.deps.Runtime != nil {
		body["goroutines"] = s.deps.Runtime()
	}
	c.JSON(http.StatusOK, body)
}

// writeError maps broadcast errors to HTTP status codes.
func writeError(c *gin.Context, err error) {
	var be *broadcast.Error
	switch {
	case errors.Is(err, broadcast.ErrValidation):
		body := gin.H{"error": err.Error()}
		if errors.As(err, &be) && be.Field != "" {
			body["field"] = be.Field
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.Is(err, broadcast.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, broadcast.ErrNotRunning), errors.Is(err, storage.ErrDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
