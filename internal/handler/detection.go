package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lzumixiny/volo8-test/internal/image_client"
	"github.com/lzumixiny/volo8-test/internal/models"
	"github.com/lzumixiny/volo8-test/internal/repository"
	"github.com/lzumixiny/volo8-test/internal/service"
)

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
)

// ImageDetector runs a detection on an uploaded image.
type ImageDetector interface {
	DetectImage(ctx context.Context, data []byte, userID string) (*service.ManualResult, error)
	PreviewImage(ctx context.Context, data []byte) (*service.PreviewResult, error)
}

type DetectionHandler interface {
	Detect(c *gin.Context)
	DetectObjectsJSON(c *gin.Context)
	DetectObjectsImage(c *gin.Context)
	GetHistory(c *gin.Context)
	GetDetection(c *gin.Context)
	DeleteDetection(c *gin.Context)
	GetStats(c *gin.Context)
}

type detectionHandler struct {
	detector ImageDetector
	repo     repository.DetectionRepository
	maxBytes int64
	logger   *zap.Logger
}

func NewDetectionHandler(detector ImageDetector, repo repository.DetectionRepository, maxBytes int64, logger *zap.Logger) DetectionHandler {
	return &detectionHandler{
		detector: detector,
		repo:     repo,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// readUpload returns the bytes of the multipart "file" field. It writes the
// error response itself and reports false when the upload is unusable.
func (h *detectionHandler) readUpload(c *gin.Context) ([]byte, bool) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "请上传图片文件"})
		return nil, false
	}
	if ct := file.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "文件必须是图片格式"})
		return nil, false
	}
	if h.maxBytes > 0 && file.Size > h.maxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "message": "图片过大"})
		return nil, false
	}

	f, err := file.Open()
	if err != nil {
		h.logger.Error("Failed to open uploaded file", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "无法读取上传文件"})
		return nil, false
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		h.logger.Error("Failed to read uploaded file", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "无法读取上传文件"})
		return nil, false
	}
	return data, true
}

func (h *detectionHandler) detectionFailed(c *gin.Context, err error) {
	if errors.Is(err, image_client.ErrDecode) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "无法解析图片"})
		return
	}
	h.logger.Error("Manual detection failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "检测失败: " + err.Error()})
}

// Detect handles POST /api/v1/lock/detect
func (h *detectionHandler) Detect(c *gin.Context) {
	data, ok := h.readUpload(c)
	if !ok {
		return
	}

	userID := c.Query("user_id")
	if userID == "" {
		userID = c.PostForm("user_id")
	}

	ctx := service.WithEventID(c.Request.Context(), c.GetString("request_id"))
	result, err := h.detector.DetectImage(ctx, data, userID)
	if err != nil {
		h.detectionFailed(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "检测完成",
		"data": gin.H{
			"detection_id": result.DetectionID,
			"result":       result.Outcome,
			"image_base64": result.ImageHex,
			"persisted":    result.PersistErr == nil,
		},
	})
}

// DetectObjectsJSON handles POST /api/v1/img_object_detection_to_json.
// Nothing is stored.
func (h *detectionHandler) DetectObjectsJSON(c *gin.Context) {
	data, ok := h.readUpload(c)
	if !ok {
		return
	}

	ctx := service.WithEventID(c.Request.Context(), c.GetString("request_id"))
	preview, err := h.detector.PreviewImage(ctx, data)
	if err != nil {
		h.detectionFailed(c, err)
		return
	}

	objects := make([]gin.H, 0, len(preview.Outcome.LockDetails))
	names := make([]string, 0, len(preview.Outcome.LockDetails))
	for _, d := range preview.Outcome.LockDetails {
		objects = append(objects, gin.H{"name": d.LockType, "confidence": d.Confidence})
		names = append(names, d.LockType)
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "检测完成",
		"data": gin.H{
			"detect_objects":       objects,
			"detect_objects_names": strings.Join(names, ", "),
		},
	})
}

// DetectObjectsImage handles POST /api/v1/img_object_detection_to_img and
// streams the annotated JPEG back. Nothing is stored.
func (h *detectionHandler) DetectObjectsImage(c *gin.Context) {
	data, ok := h.readUpload(c)
	if !ok {
		return
	}

	ctx := service.WithEventID(c.Request.Context(), c.GetString("request_id"))
	preview, err := h.detector.PreviewImage(ctx, data)
	if err != nil {
		h.detectionFailed(c, err)
		return
	}
	c.Data(http.StatusOK, "image/jpeg", preview.Image)
}

// GetHistory handles GET /api/v1/history
func (h *detectionHandler) GetHistory(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultHistoryLimit)
	if err != nil || limit < 1 || limit > maxHistoryLimit {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "limit 必须在 1 到 100 之间"})
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "offset 不能为负数"})
		return
	}

	history, err := h.repo.GetHistory(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to get detection history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "获取检测历史失败"})
		return
	}
	if history == nil {
		history = []models.Detection{}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "获取检测历史成功",
		"data":    gin.H{"history": history},
	})
}

// GetDetection handles GET /api/v1/detections/:id
func (h *detectionHandler) GetDetection(c *gin.Context) {
	id, ok := detectionID(c)
	if !ok {
		return
	}

	detection, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to get detection", zap.Int64("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "获取检测记录失败"})
		return
	}
	if detection == nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "检测记录不存在"})
		return
	}

	details, err := h.repo.GetLockDetails(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to get lock details", zap.Int64("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "获取检测记录失败"})
		return
	}
	if details == nil {
		details = []models.LockDetailRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "获取检测记录成功",
		"data": gin.H{
			"detection":    detection,
			"lock_details": details,
		},
	})
}

// DeleteDetection handles DELETE /api/v1/detections/:id
func (h *detectionHandler) DeleteDetection(c *gin.Context) {
	id, ok := detectionID(c)
	if !ok {
		return
	}

	deleted, err := h.repo.DeleteDetection(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to delete detection", zap.Int64("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "删除检测记录失败"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "检测记录不存在"})
		return
	}

	h.logger.Info("Detection deleted", zap.Int64("id", id), zap.String("username", c.GetString("username")))
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "删除成功"})
}

// GetStats handles GET /api/v1/stats
func (h *detectionHandler) GetStats(c *gin.Context) {
	stats, err := h.repo.GetStatistics(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get statistics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "获取统计信息失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "获取统计信息成功",
		"data":    gin.H{"detection_stats": stats},
	})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func detectionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "无效的检测 ID"})
		return 0, false
	}
	return id, true
}
