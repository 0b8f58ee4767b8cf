package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/malsmug/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/malsmug/internal/logging"
)

// HealthFunc reports whether a dependency is usable.
type HealthFunc func() error

// Config contains server configuration
type Config struct {
	Addr        string
	Development bool
	// AllowOrigins enables CORS for the listed origins; empty disables it.
	AllowOrigins []string
	// Checks are named dependency probes reported by /health.
	Checks map[string]HealthFunc
}

// Server exposes /health and /metrics while the sandbox consumes work.
type Server struct {
	router  *gin.Engine
	http    *http.Server
	metrics *monitoring.Metrics
	checks  map[string]HealthFunc
	logger  *logging.Logger
}

// NewServer creates a new server instance
func NewServer(cfg Config, gatherer prometheus.Gatherer, metrics *monitoring.Metrics, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	if len(cfg.AllowOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: cfg.AllowOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodOptions},
			AllowHeaders: []string{"Accept", "Origin", "Cache-Control"},
			MaxAge:       12 * time.Hour,
		}))
	}

	s := &Server{
		router:  router,
		metrics: metrics,
		checks:  cfg.Checks,
		logger:  logger.Component("server"),
	}

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	snap := s.metrics.Snapshot()
	body := gin.H{
		"status": "ok",
		"checks": checks,
		"runs": gin.H{
			"active":    snap.ActiveRuns,
			"started":   snap.RunsStarted,
			"succeeded": snap.RunsSucceeded,
			"failed":    snap.RunsFailed,
		},
		"iocs": snap.IoCs,
	}
	if status != http.StatusOK {
		body["status"] = "unavailable"
	}
	c.JSON(status, body)
}
