// Package httpapi exposes the orchestrator over HTTP using gin.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"courier/internal/drain"
	"courier/internal/orchestrator"
	"courier/internal/runtime/supervisor"
	"courier/internal/storage"
	"courier/pkg/logx"
)

const defaultAddr = "127.0.0.1:8080"

type Config struct {
	Addr         string
	CORSOrigins  []string
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// LogSource serves buffered log entries.
type LogSource interface {
	Recent(n int) []logx.Entry
}

// Deps are the components the API reads. Only Orchestrator is required.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Drain        *drain.Runner
	Logs         LogSource
	Audit        storage.Store
	Supervisor   *supervisor.Supervisor
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	engine *gin.Engine
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "http"))}
	r := gin.New()
	r.Use(s.recovery(), s.accessLog())
	if len(cfg.CORSOrigins) > 0 {
		c := cors.DefaultConfig()
		if len(cfg.CORSOrigins) == 1 && cfg.CORSOrigins[0] == "*" {
			c.AllowAllOrigins = true
		} else {
			c.AllowOrigins = cfg.CORSOrigins
		}
		c.AllowHeaders = []string{"Content-Type", "Authorization"}
		c.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		r.Use(cors.New(c))
	}
	s.routes(r)
	if cfg.Pprof {
		mountPprof(r)
	}
	s.engine = r
	return s
}

// SetSupervisor adds goroutine stats to the health report. Call before Run.
func (s *Server) SetSupervisor(sup *supervisor.Supervisor) { s.deps.Supervisor = sup }

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http shutdown error", logx.Err(err))
	}
	s.log.Info("http api stopped")
	return nil
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, err any) {
		s.log.Error("handler panicked", logx.String("path", c.FullPath()), logx.Any("panic", err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

func mountPprof(r *gin.Engine) {
	g := r.Group("/debug/pprof")
	g.GET("/", gin.WrapF(pprof.Index))
	g.GET("/cmdline", gin.WrapF(pprof.Cmdline))
	g.GET("/profile", gin.WrapF(pprof.Profile))
	g.GET("/symbol", gin.WrapF(pprof.Symbol))
	g.POST("/symbol", gin.WrapF(pprof.Symbol))
	g.GET("/trace", gin.WrapF(pprof.Trace))
	g.GET("/:name", func(c *gin.Context) {
		pprof.Handler(c.Param("name")).ServeHTTP(c.Writer, c.Request)
	})
}
