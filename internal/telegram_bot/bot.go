package telegram_bot

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/lzumixiny/volo8-test/internal/config"
	"github.com/lzumixiny/volo8-test/internal/models"
)

// StatsProvider supplies the numbers for the /stats command.
type StatsProvider interface {
	GetStatistics(ctx context.Context) (*models.Statistics, error)
}

// Bot pushes unsafe detection alerts into one Telegram chat and answers
// a few commands there.
type Bot struct {
	api    *tgbotapi.BotAPI
	chatID int64
	stats  StatsProvider
	logger *zap.Logger
}

// NewBot creates a new Telegram bot instance. It returns nil, nil when
// alerts are disabled.
func NewBot(cfg *config.Config, stats StatsProvider, logger *zap.Logger) (*Bot, error) {
	tg := cfg.Alerts.Telegram
	if !tg.Enabled || tg.BotToken == "" {
		logger.Info("Telegram alerts are disabled (alerts.telegram.enabled=false or token is empty)")
		return nil, nil
	}

	botAPI, err := tgbotapi.NewBotAPI(tg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot API: %w", err)
	}

	return NewBotWithAPI(botAPI, tg.ChatID, stats, logger), nil
}

// NewBotWithAPI wraps an authorized API client.
func NewBotWithAPI(api *tgbotapi.BotAPI, chatID int64, stats StatsProvider, logger *zap.Logger) *Bot {
	logger.Info("Telegram bot authorized", zap.String("username", api.Self.UserName), zap.Int64("chat_id", chatID))
	return &Bot{
		api:    api,
		chatID: chatID,
		stats:  stats,
		logger: logger,
	}
}

// Start begins listening for updates from Telegram
func (b *Bot) Start(ctx context.Context) error {
	if b == nil {
		return nil // Bot is disabled
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	b.logger.Info("Telegram bot started, waiting for updates...")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Telegram bot shutting down...")
			b.api.StopReceivingUpdates()
			return nil
		case update := <-updates:
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if !message.IsCommand() {
		return
	}
	switch message.Command() {
	case "start":
		b.sendMessage(message.Chat.ID, "👋 你好！我会在检测到未锁定的锁时发送告警。\n\n使用 /help 查看可用命令。")
	case "help":
		b.sendMessage(message.Chat.ID, "📚 帮助:\n\n"+
			"/start - 欢迎信息\n"+
			"/help - 本帮助\n"+
			"/stats - 检测统计\n\n"+
			"当前聊天 ID: "+strconv.FormatInt(message.Chat.ID, 10))
	case "stats":
		b.handleStatsCommand(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "未知命令，请使用 /help 查看帮助。")
	}
}

func (b *Bot) handleStatsCommand(ctx context.Context, message *tgbotapi.Message) {
	if message.Chat.ID != b.chatID {
		b.sendMessage(message.Chat.ID, "❌ 此聊天未被授权查看统计信息")
		return
	}

	stats, err := b.stats.GetStatistics(ctx)
	if err != nil {
		b.logger.Error("Failed to get statistics", zap.Error(err))
		b.sendMessage(message.Chat.ID, "❌ 获取统计信息失败")
		return
	}

	b.sendMessage(message.Chat.ID, FormatStatistics(stats))
}

// FormatStatistics renders statistics as a plain text message.
func FormatStatistics(s *models.Statistics) string {
	return fmt.Sprintf("📊 检测统计\n\n"+
		"总检测次数: %d\n"+
		"不安全次数: %d\n"+
		"检测到的锁: %d\n"+
		"未锁定的锁: %d\n"+
		"今日检测: %d\n"+
		"安全率: %.1f%%",
		s.TotalDetections, s.UnsafeDetections, s.TotalLocks, s.TotalUnlocked, s.TodayDetections, s.SafetyRate)
}

// NotifyUnsafe sends an alert about a stored unsafe detection.
func (b *Bot) NotifyUnsafe(_ context.Context, d *models.Detection) error {
	if b == nil {
		return nil
	}

	text := fmt.Sprintf("⚠️ 发现未锁定的锁\n\n"+
		"📋 检测 ID: %d\n"+
		"🔓 未锁定: %d / %d\n"+
		"🎯 置信度: %.2f\n"+
		"👥 会话: %s\n"+
		"👤 用户: %s\n"+
		"🕒 时间: %s",
		d.ID, d.UnlockedLocks, d.LocksDetected, d.ConfidenceScore,
		orDash(d.GroupID), orDash(d.UserID), d.DetectionTime.Format("2006-01-02 15:04:05"))

	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send unsafe detection alert",
			zap.Int64("chat_id", b.chatID),
			zap.Int64("detection_id", d.ID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to send notification: %w", err)
	}

	b.logger.Info("Unsafe detection alert sent", zap.Int64("detection_id", d.ID))
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// sendMessage is a helper to send a simple text message
func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
