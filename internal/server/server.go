package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ifuryst/postflow/internal/config"
	"github.com/ifuryst/postflow/internal/repository"
	"github.com/ifuryst/postflow/internal/service"
	"github.com/ifuryst/postflow/internal/service/publisher"
	"github.com/ifuryst/postflow/internal/service/publisher/instagram"
	"github.com/ifuryst/postflow/internal/service/render"
)

type Server struct {
	Config *config.Config
	Store  repository.Store
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	// Services
	Manager   *service.ScheduleManager
	Scheduler *service.Scheduler
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	// Set gin mode
	gin.SetMode(cfg.Server.Mode)

	// Initialize storage
	store, err := service.NewStore(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	// Initialize services
	transport := instagram.NewClient(cfg.Publisher.BaseURL, cfg.Publisher.TimeoutDuration(), logger)
	gateway := publisher.NewGateway(transport, publisher.GatewayConfig{
		Credentials: publisher.Credentials{Username: cfg.Publisher.Username, Password: cfg.Publisher.Password},
		Timeout:     cfg.Publisher.TimeoutDuration(),
		RateLimit:   cfg.Publisher.RateLimit,
		Burst:       cfg.Publisher.Burst,
		SessionTTL:  cfg.Publisher.SessionTTLDuration(),
	}, logger)

	var renderer render.Renderer
	if cfg.Renderer.BaseURL != "" {
		renderer = render.NewClient(cfg.Renderer.BaseURL, cfg.Renderer.TimeoutDuration(), logger)
	}

	manager := service.NewScheduleManager(store, gateway, renderer, ManagerConfig(cfg), logger)
	scheduler := service.NewScheduler(&cfg.Scheduler, logger, manager)

	return newServer(cfg, logger, store, manager, scheduler), nil
}

// ManagerConfig derives the ScheduleManager settings from cfg.
func ManagerConfig(cfg *config.Config) service.ManagerConfig {
	return service.ManagerConfig{
		DefaultUpcomingHours: cfg.Scheduler.DefaultUpcomingHours,
		RenderRetryDelay:     cfg.Scheduler.RenderRetryDuration(),
		CoalesceMissed:       cfg.Scheduler.Coalesce(),
		StoryEnabled:         cfg.Publisher.IsStoryEnabled(),
		Captions: publisher.CaptionBuilder{
			Header:   cfg.Publisher.CaptionHeader,
			Hashtags: cfg.Publisher.Hashtags,
		},
	}
}

func newServer(cfg *config.Config, logger *zap.Logger, store repository.Store, manager *service.ScheduleManager, scheduler *service.Scheduler) *Server {
	// Create router
	router := gin.New()

	srv := &Server{
		Config:    cfg,
		Store:     store,
		Router:    router,
		Logger:    logger,
		Manager:   manager,
		Scheduler: scheduler,
	}

	// Setup middleware and routes
	srv.setupMiddleware()
	srv.setupRoutes()

	return srv
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.Router.Use(gin.Recovery())

	// Logger middleware
	s.Router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.Logger.Debug("HTTP request",
			zap.String("client_ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("error", c.Errors.ByType(gin.ErrorTypePrivate).String()),
		)
	})

	// CORS middleware
	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	// Health check
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	// API routes
	api := s.Router.Group("/api/v1")
	{
		contents := api.Group("/contents")
		{
			contents.POST("", s.handleSaveContent)
			contents.GET("/:content_id", s.handleGetContent)
			contents.POST("/:content_id/publish", s.handlePublishNow)
			contents.POST("/:content_id/execute", s.handleExecute)
			contents.GET("/:content_id/logs", s.handleHistory)
		}

		schedules := api.Group("/schedules")
		{
			schedules.GET("", s.handleListUpcoming)
			schedules.POST("", s.handleSchedule)
			schedules.DELETE("/:content_id", s.handleCancel)
			schedules.GET("/:content_id/settings", s.handleGetSettings)
			schedules.PUT("/:content_id/settings", s.handleUpdateSettings)
		}

		api.GET("/upcoming", s.handleUpcomingContent)
		api.GET("/calendar", s.handleCalendar)
	}
}

func (s *Server) Start(ctx context.Context) error {
	// Start scheduler
	if err := s.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		return s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	}

	return s.Server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	// Stop scheduler first so no execution starts during shutdown
	s.Scheduler.Stop()

	var err error
	if s.Server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		err = s.Server.Shutdown(shutdownCtx)
	}

	if closeErr := s.Store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
