package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lzumixiny/volo8-test/internal/ml_client"
	"github.com/lzumixiny/volo8-test/internal/repository"
)

const healthProbeTimeout = 3 * time.Second

// ClassifierHealth reports the state of the classification service.
type ClassifierHealth interface {
	HealthCheck(ctx context.Context) (*ml_client.HealthResponse, error)
}

type HealthHandler interface {
	Health(c *gin.Context)
	Liveness(c *gin.Context)
}

type healthHandler struct {
	repo       repository.DetectionRepository
	classifier ClassifierHealth
	logger     *zap.Logger
}

func NewHealthHandler(repo repository.DetectionRepository, classifier ClassifierHealth, logger *zap.Logger) HealthHandler {
	return &healthHandler{
		repo:       repo,
		classifier: classifier,
		logger:     logger,
	}
}

// Health handles GET /api/v1/health
func (h *healthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
	defer cancel()

	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Error("Database health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"message": "数据库连接失败",
			"data":    gin.H{"database": "disconnected"},
		})
		return
	}

	modelLoaded := false
	if resp, err := h.classifier.HealthCheck(ctx); err != nil {
		h.logger.Warn("Classifier health check failed", zap.Error(err))
	} else {
		modelLoaded = resp.ModelLoaded
	}

	var total int64
	if stats, err := h.repo.GetStatistics(ctx); err != nil {
		h.logger.Warn("Failed to count detections for health check", zap.Error(err))
	} else {
		total = stats.TotalDetections
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "系统正常运行",
		"data": gin.H{
			"database":         "connected",
			"model_loaded":     modelLoaded,
			"total_detections": total,
		},
	})
}

// Liveness handles GET /healthcheck
func (h *healthHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"healthcheck": "一切正常！"})
}
