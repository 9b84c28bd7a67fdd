// Package api exposes the HTTP pass-through surface consumed by dashboards
// and external tooling. Every read response states whether it came from the
// chain or the off-chain cache.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/libs/ws"
)

// Config holds the API server configuration.
type Config struct {
	Host            string
	Port            int
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	EnableRateLimit bool
	RateLimit       int // requests per minute per IP
	EnableCORS      bool
	AllowedOrigins  []string
	EnableMetrics   bool
	MetricsPath     string
	CacheTTL        time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            8080,
		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		EnableRateLimit: true,
		RateLimit:       300,
		EnableCORS:      true,
		AllowedOrigins:  []string{"*"},
		EnableMetrics:   true,
		MetricsPath:     "/metrics",
		CacheTTL:        5 * time.Second,
	}
}

// Server is the HTTP API server.
type Server struct {
	config   *Config
	router   *gin.Engine
	server   *http.Server
	logger   *zap.Logger
	handlers *Handlers
	hub      *ws.Hub
}

// NewServer wires the router, middleware and routes. hub may be nil when
// the event stream is disabled.
func NewServer(config *Config, handlers *Handlers, hub *ws.Hub, logger *zap.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggingMiddleware(logger))
	if config.EnableCORS {
		router.Use(corsMiddleware(config.AllowedOrigins))
	}
	if config.EnableRateLimit {
		router.Use(rateLimitMiddleware(config.RateLimit))
	}

	s := &Server{
		config:   config,
		router:   router,
		logger:   logger,
		handlers: handlers,
		hub:      hub,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      router,
		ReadTimeout:  config.RequestTimeout,
		WriteTimeout: config.RequestTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ready", s.handleHealth)
	if s.config.EnableMetrics {
		s.router.GET(s.config.MetricsPath, gin.WrapH(promhttp.Handler()))
	}
	if s.hub != nil {
		s.router.GET("/ws", gin.WrapF(s.hub.ServeWS))
	}

	v1 := s.router.Group("/api/v1")
	{
		agents := v1.Group("/agents")
		{
			agents.GET("", s.handlers.ListAgents)
			agents.POST("", s.handlers.RegisterAgent)
			agents.GET("/:address", s.handlers.GetAgent)
			agents.GET("/:address/learning", s.handlers.GetAgentLearning)
		}

		tasks := v1.Group("/tasks")
		{
			tasks.GET("", s.handlers.ListTasks)
			tasks.POST("", s.handlers.CreateTask)
			tasks.GET("/:id", s.handlers.GetTask)
			tasks.POST("/:id/bid", s.handlers.PlaceBid)
			tasks.POST("/:id/assign", s.handlers.AssignTask)
			tasks.POST("/:id/finalize", s.handlers.FinalizeAuction)
			tasks.POST("/:id/complete", s.handlers.CompleteTask)
			tasks.POST("/:id/evaluate", s.handlers.EvaluateTask)
			tasks.POST("/:id/collaborate", s.handlers.Collaborate)
		}

		v1.GET("/learning/agent-statistics", s.handlers.AgentStatistics)
		v1.POST("/faucet", s.handlers.Faucet)
	}
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("starting API server",
		zap.String("address", s.server.Addr),
		zap.Bool("metrics", s.config.EnableMetrics),
	)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping API server")
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "agentmesh-api",
		"time":    time.Now().UTC(),
	})
}
