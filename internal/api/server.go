package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"stocktester/internal/config"
	"stocktester/internal/logger"
	"stocktester/internal/middleware"
	"stocktester/internal/monitoring"
	"stocktester/internal/orchestrator"
)

// HealthChecker is implemented by database.DB and cache.RedisCache
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies are the services the API exposes. Everything except Runner
// is optional.
type Dependencies struct {
	Runner    *orchestrator.Runner
	Scheduler *orchestrator.Scheduler
	Metrics   *monitoring.Metrics
	DB        HealthChecker
	Cache     HealthChecker
	Log       logger.Logger
}

// Server represents the API server
type Server struct {
	config     *config.Config
	router     *gin.Engine
	httpServer *http.Server
	deps       Dependencies
	log        logger.Logger

	runs  *RunHandler
	tasks *SchedulerHandler
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Dependencies) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if deps.Log == nil {
		deps.Log = logger.GetGlobalLogger()
	}

	// Set Gin mode
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config: cfg,
		router: gin.New(),
		deps:   deps,
		log:    deps.Log,
		runs:   NewRunHandler(deps.Runner, deps.Log),
	}
	if deps.Scheduler != nil {
		s.tasks = NewSchedulerHandler(deps.Scheduler, deps.Log)
	}

	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:        s.router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	return s, nil
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.ErrorHandler(s.log))
	s.router.Use(middleware.RequestLogger(s.log))
	if s.deps.Metrics != nil {
		s.router.Use(s.deps.Metrics.MetricsMiddleware())
	}

	// Prometheus metrics
	if s.deps.Metrics != nil && s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Path, gin.WrapH(s.deps.Metrics.Handler()))
	}

	s.router.GET("/health", s.health)

	v1 := s.router.Group("/api/v1")
	{
		runs := v1.Group("/runs")
		{
			runs.POST("", s.runs.CreateRun)
			runs.GET("", s.runs.ListRuns)
			runs.GET("/:id", s.runs.GetRun)
			runs.GET("/:id/trades", s.runs.GetTrades)
			runs.POST("/:id/cancel", s.runs.CancelRun)
		}

		if s.tasks != nil {
			tasks := v1.Group("/tasks")
			{
				tasks.GET("", s.tasks.ListTasks)
				tasks.GET("/:id", s.tasks.GetTask)
				tasks.POST("/:id/run", s.tasks.RunTask)
			}
		}
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, Response{Success: false, Error: "route not found"})
	})
}

// health reports the state of the backing services. An unreachable
// dependency degrades the status but still answers 200.
func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	check := func(h HealthChecker) string {
		if h == nil {
			return "unavailable"
		}
		if err := h.HealthCheck(ctx); err != nil {
			s.log.Warn("Health check failed", "error", err)
			return "error"
		}
		return "ok"
	}

	dbHealth := check(s.deps.DB)
	cacheHealth := check(s.deps.Cache)
	status := "ok"
	if dbHealth == "error" || cacheHealth == "error" {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      status,
		"time":        time.Now().UTC(),
		"version":     s.config.App.Version,
		"active_runs": s.deps.Runner.Active(),
		"services": gin.H{
			"database": dbHealth,
			"cache":    cacheHealth,
		},
	})
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Stop.
func (s *Server) Start() error {
	s.log.Info("Starting API server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Shutting down server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.log.Info("Server stopped gracefully")
	return nil
}
