package telegram_bot

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RunReports posts a statistics summary to the alert chat on the given cron
// schedule until ctx is done. An empty schedule disables reports.
func (b *Bot) RunReports(ctx context.Context, schedule string) error {
	if b == nil || schedule == "" || b.stats == nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { b.sendReport(ctx) }); err != nil {
		return fmt.Errorf("invalid report schedule %q: %w", schedule, err)
	}

	b.logger.Info("Statistics reports scheduled", zap.String("schedule", schedule))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (b *Bot) sendReport(ctx context.Context) {
	stats, err := b.stats.GetStatistics(ctx)
	if err != nil {
		b.logger.Error("Failed to get statistics for report", zap.Error(err))
		return
	}
	b.sendMessage(b.chatID, "🗓 定时报告\n\n"+FormatStatistics(stats))
}
