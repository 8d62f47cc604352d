package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tracehub/tracehub/internal/api/middleware"
	"github.com/tracehub/tracehub/internal/core"
	"github.com/tracehub/tracehub/internal/events"
	"github.com/tracehub/tracehub/internal/infrastructure/config"
	"github.com/tracehub/tracehub/internal/infrastructure/logging"
	"github.com/tracehub/tracehub/internal/infrastructure/monitoring"
)

// Server wraps the admin HTTP server and its dependencies.
type Server struct {
	router  *gin.Engine
	service *core.Service
	hub     *events.Hub
	logger  *logging.Logger
	config  *config.Config
	metrics *monitoring.Metrics
}

// NewServer assembles the admin API around an already-constructed core
// service.
func NewServer(cfg *config.Config, svc *core.Service, hub *events.Hub, metrics *monitoring.Metrics, logger *logging.Logger) *Server {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	s := &Server{
		router:  router,
		service: svc,
		hub:     hub,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}

	router.GET("/", s.root)
	router.GET("/health", s.health)
	router.GET("/stats", s.stats)
	router.GET("/sessions/:id/trace.gz", s.downloadTrace)
	router.GET("/events", hub.HandleConnection)

	promHandler := promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})
	router.GET("/metrics", func(c *gin.Context) {
		metrics.UpdateUptime()
		promHandler.ServeHTTP(c.Writer, c.Request)
	})

	logger.Info("Admin server initialized")
	return s
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "tracehub",
		"status":  "running",
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"producers": s.service.NumProducers(),
	})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.service.Stats())
}

// downloadTrace streams a live session's buffers as a gzipped concatenation
// of its pages, oldest first.
func (s *Server) downloadTrace(c *gin.Context) {
	sessionID := c.Param("id")

	pages, err := s.service.ExportSession(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "application/gzip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.trace.gz", sessionID))

	zw := gzip.NewWriter(c.Writer)
	for _, page := range pages {
		if _, err := zw.Write(page); err != nil {
			s.logger.Warn("trace download aborted",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			return
		}
	}
	if err := zw.Close(); err != nil {
		s.logger.Warn("trace download close failed", zap.Error(err))
	}
}

// Router exposes the underlying engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Run starts the HTTP server.
func (s *Server) Run() error {
	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("Starting admin HTTP server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Close flushes the logger.
func (s *Server) Close() error {
	s.logger.Info("Shutting down admin server...")
	s.logger.Sync()
	return nil
}
