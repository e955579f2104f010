package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/lzumixiny/volo8-test/internal/config"
	"github.com/lzumixiny/volo8-test/internal/handler"
	"github.com/lzumixiny/volo8-test/internal/middleware"
)

const shutdownTimeout = 10 * time.Second

// Handlers groups everything the router dispatches to.
type Handlers struct {
	Webhook   handler.WebhookHandler
	Detection handler.DetectionHandler
	Settings  handler.SettingsHandler
	Health    handler.HealthHandler
	Auth      handler.AuthHandler
}

type Server struct {
	router *gin.Engine
	srv    *http.Server
	logger *zap.Logger
}

func NewServer(cfg *config.Config, handlers Handlers, accessLog *logrus.Logger, logger *zap.Logger) *Server {
	router := gin.New()
	router.Use(middleware.RequestID(), middleware.RequestLogger(accessLog), gin.Recovery())

	s := &Server{
		router: router,
		logger: logger,
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.setupRoutes(cfg, handlers)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(cfg *config.Config, h Handlers) {
	s.router.GET("/healthcheck", h.Health.Liveness)

	authGroup := s.router.Group("/api/auth")
	authGroup.POST("/register", h.Auth.Register)
	authGroup.POST("/login", h.Auth.Login)

	api := s.router.Group("/api/v1")
	api.GET("/health", h.Health.Health)
	api.POST("/dingtalk/webhook", h.Webhook.HandleCallback)

	protected := api.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.AuthMiddleware(cfg.Auth.JWTSecret, s.logger))
	} else {
		s.logger.Warn("Auth is disabled, management API is open")
	}
	{
		protected.POST("/dingtalk/configure", h.Settings.Configure)
		protected.GET("/dingtalk/settings", h.Settings.GetSettings)

		protected.POST("/lock/detect", h.Detection.Detect)
		protected.POST("/img_object_detection_to_json", h.Detection.DetectObjectsJSON)
		protected.POST("/img_object_detection_to_img", h.Detection.DetectObjectsImage)
		protected.GET("/history", h.Detection.GetHistory)
		protected.GET("/stats", h.Detection.GetStats)
		protected.GET("/detections/:id", h.Detection.GetDetection)
		protected.DELETE("/detections/:id", h.Detection.DeleteDetection)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server starting", zap.String("address", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	s.logger.Info("Server exited")
	return nil
}
