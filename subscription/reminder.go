package subscription

import (
	"context"
	"time"

	"github.com/tiffinbox/tiffinbox/notify"
)

// ReminderConfig holds settings for the renewal-reminder loop.
type ReminderConfig struct {
	// Interval between scans of the renewal-due index.
	Interval time.Duration `yaml:"interval"`
	// DaysThreshold is how many days ahead a billing date counts as due.
	DaysThreshold int `yaml:"daysThreshold"`
}

// DefaultReminderConfig returns a ReminderConfig with sensible defaults.
func DefaultReminderConfig() ReminderConfig {
	return ReminderConfig{
		Interval:      time.Hour,
		DaysThreshold: 3,
	}
}

// RunReminders periodically scans for subscriptions due for renewal and
// sends each customer a reminder. Sends are fire-and-forget; a failed send
// is retried naturally on the next scan. The loop returns when ctx is
// done.
func (e *Engine) RunReminders(ctx context.Context, cfg ReminderConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.remindDue(ctx, cfg.DaysThreshold)
		}
	}
}

func (e *Engine) remindDue(ctx context.Context, daysThreshold int) {
	subs, err := e.DueForRenewal(ctx, daysThreshold)
	if err != nil {
		e.logger.Warn("renewal scan failed", "error", err)
		return
	}
	for _, sub := range subs {
		msg := notify.Message{
			Template: notify.TemplateRenewalReminder,
			To:       sub.CustomerEmail,
			Data: map[string]any{
				"customerName":    sub.CustomerName,
				"planType":        sub.PlanType,
				"amount":          sub.Amount,
				"currency":        sub.Currency,
				"nextBillingDate": sub.NextBillingDate,
			},
		}
		if err := e.notifier.Send(ctx, msg); err != nil {
			e.collector.NotificationsSent.WithLabelValues(msg.Template, "error").Inc()
			e.logger.Warn("renewal reminder failed", "subscription", sub.ID, "error", err)
			continue
		}
		e.collector.NotificationsSent.WithLabelValues(msg.Template, "sent").Inc()
		e.collector.RenewalReminders.Inc()
	}
}
