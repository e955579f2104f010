package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lzumixiny/volo8-test/internal/dingtalk"
	"github.com/lzumixiny/volo8-test/internal/models"
	"github.com/lzumixiny/volo8-test/internal/service"
)

// MessageProcessor runs an authenticated DingTalk message to completion.
type MessageProcessor interface {
	HandleMessage(ctx context.Context, msg models.InboundMessage) service.EventResult
}

type WebhookHandler interface {
	HandleCallback(c *gin.Context)
}

type webhookHandler struct {
	creds     *dingtalk.Credentials
	verifier  dingtalk.Verifier
	processor MessageProcessor
	maxBody   int64
	timeout   time.Duration
	logger    *zap.Logger
}

func NewWebhookHandler(
	creds *dingtalk.Credentials,
	verifier dingtalk.Verifier,
	processor MessageProcessor,
	maxBody int64,
	timeout time.Duration,
	logger *zap.Logger,
) WebhookHandler {
	return &webhookHandler{
		creds:     creds,
		verifier:  verifier,
		processor: processor,
		maxBody:   maxBody,
		timeout:   timeout,
		logger:    logger,
	}
}

// HandleCallback handles POST /api/v1/dingtalk/webhook
func (h *webhookHandler) HandleCallback(c *gin.Context) {
	if h.creds.Get().AppSecret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "钉钉服务未配置"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.maxBody+1))
	if err != nil {
		h.logger.Warn("Failed to read webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "无法读取请求体"})
		return
	}
	if int64(len(body)) > h.maxBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "message": "请求体过大"})
		return
	}

	timestamp := c.GetHeader("timestamp")
	sign := c.GetHeader("sign")
	if !h.verifier.Verify(body, timestamp, sign) {
		h.logger.Warn("Webhook signature rejected",
			zap.String("request_id", c.GetString("request_id")),
			zap.String("client_ip", c.ClientIP()),
		)
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "签名验证失败"})
		return
	}

	msg, err := dingtalk.ParseMessage(body)
	if err != nil {
		h.logger.Warn("Failed to parse webhook payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "消息格式错误"})
		return
	}

	// The client may hang up once DingTalk's own timeout passes; the reply
	// still has to go out.
	ctx := context.WithoutCancel(c.Request.Context())
	ctx = service.WithEventID(ctx, c.GetString("request_id"))
	var cancel context.CancelFunc
	if h.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	result := h.processor.HandleMessage(ctx, msg)

	message := "处理成功"
	if result.Stage == service.StageIgnored {
		message = "消息已忽略"
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": message,
		"data": gin.H{
			"event_id":     result.EventID,
			"stage":        result.Stage,
			"detection_id": result.DetectionID,
		},
	})
}
