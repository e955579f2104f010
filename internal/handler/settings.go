package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lzumixiny/volo8-test/internal/dingtalk"
)

type SettingsHandler interface {
	GetSettings(c *gin.Context)
	Configure(c *gin.Context)
}

type settingsHandler struct {
	creds      *dingtalk.Credentials
	configPath string
	logger     *zap.Logger

	mu sync.Mutex // serializes config file rewrites
}

// NewSettingsHandler creates the DingTalk settings handler. When configPath is
// empty, changes are applied in memory only.
func NewSettingsHandler(creds *dingtalk.Credentials, configPath string, logger *zap.Logger) SettingsHandler {
	return &settingsHandler{
		creds:      creds,
		configPath: configPath,
		logger:     logger,
	}
}

// GetSettings handles GET /api/v1/dingtalk/settings
func (h *settingsHandler) GetSettings(c *gin.Context) {
	s := h.creds.Get()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "获取钉钉配置成功",
		"data": gin.H{
			"app_key":     s.AppKey,
			"webhook_url": s.WebhookURL,
			"configured":  s.AppSecret != "",
		},
	})
}

// ConfigureRequest replaces the DingTalk application settings.
type ConfigureRequest struct {
	AppKey     string `json:"app_key" binding:"required"`
	AppSecret  string `json:"app_secret" binding:"required"`
	WebhookURL string `json:"webhook_url"`
}

// Configure handles POST /api/v1/dingtalk/configure
func (h *settingsHandler) Configure(c *gin.Context) {
	var req ConfigureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Failed to bind configure request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	settings := dingtalk.Settings{
		AppKey:     req.AppKey,
		AppSecret:  req.AppSecret,
		WebhookURL: req.WebhookURL,
	}
	h.creds.Set(settings)
	h.logger.Info("DingTalk settings updated",
		zap.String("app_key", settings.AppKey),
		zap.Bool("default_webhook", settings.WebhookURL != ""),
	)

	persisted := false
	if h.configPath != "" {
		if err := h.persist(settings); err != nil {
			h.logger.Error("Failed to persist DingTalk settings", zap.Error(err), zap.String("path", h.configPath))
		} else {
			persisted = true
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "钉钉配置成功",
		"data":    gin.H{"persisted": persisted},
	})
}

// persist rewrites the dingtalk section of the config file in place. Other
// keys and comments are kept, and an existing ${VAR} reference stays when it
// already expands to the new value.
func (h *settingsHandler) persist(s dingtalk.Settings) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := os.ReadFile(h.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("config file root is not a mapping")
	}

	section := mappingValue(root, "dingtalk")
	if section == nil || section.Kind != yaml.MappingNode {
		section = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		setMappingValue(root, "dingtalk", section)
	}
	setScalar(section, "app_key", s.AppKey)
	setScalar(section, "app_secret", s.AppSecret)
	setScalar(section, "webhook_url", s.WebhookURL)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(h.configPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func setMappingValue(m *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = value
			return
		}
	}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, value)
}

func setScalar(m *yaml.Node, key, value string) {
	if cur := mappingValue(m, key); cur != nil && cur.Kind == yaml.ScalarNode {
		if strings.Contains(cur.Value, "$") && os.ExpandEnv(cur.Value) == value {
			return
		}
		cur.Tag = "!!str"
		cur.Value = value
		cur.Style = 0
		return
	}
	setMappingValue(m, key, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value})
}
