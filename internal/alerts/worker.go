package alerts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/swa-analytics/anomaly-pipeline/internal/bus"
	"github.com/swa-analytics/anomaly-pipeline/internal/metrics"
	"github.com/swa-analytics/anomaly-pipeline/internal/models"
	"github.com/swa-analytics/anomaly-pipeline/internal/utils"
)

// Worker turns anomaly transition events into notifications. It keeps no state
// between events, so concurrent and duplicate deliveries are independent.
type Worker struct {
	policy   models.AlertPolicy
	channel  Channel
	template *Template
	logger   *slog.Logger
}

func NewWorker(policy models.AlertPolicy, channel Channel, tpl *Template, logger *slog.Logger) (*Worker, error) {
	if channel == nil {
		return nil, utils.NewAppError("alerts.worker", "notification channel is required", utils.ErrConfiguration)
	}
	if tpl == nil {
		var err error
		if tpl, err = NewTemplate(""); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{policy: policy, channel: channel, template: tpl, logger: logger}, nil
}

// OnEvent applies the policy and publishes one message. Events the policy
// excludes are dropped without error. A channel failure is returned wrapped in
// utils.ErrNotification and is not retried here.
func (w *Worker) OnEvent(ctx context.Context, event models.AnomalyEvent) error {
	logger := w.logger.With(slog.String("site", event.Site), slog.String("detail_type", string(event.DetailType)))

	if !w.policy.Allows(event.DetailType) {
		logger.Debug("notification suppressed by policy")
		metrics.ObserveNotification(metrics.NotifyDropped)
		return nil
	}

	msg, err := w.template.Render(event)
	if err != nil {
		metrics.ObserveNotification(metrics.NotifyFailed)
		return fmt.Errorf("render alert for %s: %w: %w", event.Site, bus.ErrPermanent, err)
	}

	if err := w.channel.Send(ctx, msg); err != nil {
		logger.Error("notification failed", slog.String("channel", w.policy.ChannelRef), slog.Any("error", err))
		metrics.ObserveNotification(metrics.NotifyFailed)
		return utils.NewAppError("alerts.send", w.policy.ChannelRef, fmt.Errorf("%w: %w", utils.ErrNotification, err))
	}

	logger.Info("notification sent", slog.String("channel", w.policy.ChannelRef), slog.String("subject", msg.Subject))
	metrics.ObserveNotification(metrics.NotifySent)
	return nil
}

// Handle adapts OnEvent to bus.EventHandler.
func (w *Worker) Handle(ctx context.Context, env bus.Envelope, event models.AnomalyEvent) error {
	if err := w.OnEvent(ctx, event); err != nil {
		w.logger.Warn("alert delivery failed",
			slog.String("event_id", env.ID),
			slog.Any("error", err))
		return err
	}
	return nil
}
