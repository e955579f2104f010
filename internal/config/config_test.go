package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "server:\n  port: \"9000\"\n"))
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "./data/lock_detection.db", cfg.Database.URL)
	assert.Equal(t, []string{"机器人"}, cfg.DingTalk.BotNames)
	assert.Equal(t, 0.5, cfg.MLService.ConfidenceThreshold)
	assert.Equal(t, 800, cfg.Image.ReplyMaxEdge)
	assert.Equal(t, 85, cfg.Image.ReplyQuality)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL())
	assert.Equal(t, 60*time.Second, cfg.EventTimeout())
	assert.Equal(t, 20, cfg.DingTalk.ReplyRatePerMinute)
	assert.Equal(t, uint32(5), cfg.MLService.BreakerMaxFailures)
	assert.Equal(t, 30*time.Second, cfg.BreakerOpenTimeout())
}

func TestLoadConfig_ExpandsEnvironment(t *testing.T) {
	t.Setenv("LOCKBOT_TEST_SECRET", "s3cret")
	t.Setenv("DINGTALK_APP_KEY", "ding-key")

	cfg, err := LoadConfig(writeConfig(t, `
dingtalk:
  app_key: from-file
  app_secret: ${LOCKBOT_TEST_SECRET}
`))
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.DingTalk.AppSecret)
	assert.Equal(t, "ding-key", cfg.DingTalk.AppKey)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown driver", "database:\n  driver: mysql\n  url: x\n"},
		{"postgres without url", "database:\n  driver: postgres\n"},
		{"threshold out of range", "ml_service:\n  confidence_threshold: 1.5\n"},
		{"auth without secret", "auth:\n  enabled: true\n"},
		{"telegram without chat", "alerts:\n  telegram:\n    enabled: true\n"},
		{"not yaml", "server: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}
