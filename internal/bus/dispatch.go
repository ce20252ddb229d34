package bus

import (
	"context"
	"errors"
	"log/slog"

	"github.com/swa-analytics/anomaly-pipeline/internal/metrics"
	"github.com/swa-analytics/anomaly-pipeline/internal/models"
)

// Disposition tells the transport how to settle a delivery.
type Disposition int

const (
	// Ack settles the delivery.
	Ack Disposition = iota
	// Nak asks for redelivery, bounded by the consumer's max deliver.
	Nak
	// Term settles a delivery that can never succeed.
	Term
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nak:
		return "nak"
	case Term:
		return "term"
	default:
		return "unknown"
	}
}

// ErrPermanent marks handler errors that redelivery cannot fix.
var ErrPermanent = errors.New("permanent failure")

// EventHandler processes one accepted anomaly event. Returning an error
// negatively acknowledges the delivery unless it wraps ErrPermanent.
type EventHandler func(ctx context.Context, env Envelope, event models.AnomalyEvent) error

// Dispatcher turns raw bus messages into EventHandler calls. Messages from
// other sources or with other detail types are acknowledged and ignored.
type Dispatcher struct {
	source  string
	handler EventHandler
	logger  *slog.Logger
}

func NewDispatcher(source string, handler EventHandler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{source: source, handler: handler, logger: logger}
}

// Accepts reports whether an envelope belongs to this consumer.
func (d *Dispatcher) Accepts(env Envelope) bool {
	return env.Source == d.source && models.DetailType(env.DetailType).Valid()
}

// Dispatch handles one message and returns how it should be settled.
func (d *Dispatcher) Dispatch(ctx context.Context, data []byte) Disposition {
	env, err := DecodeEnvelope(data)
	if err != nil {
		d.logger.Error("dropping malformed bus message", slog.Any("error", err))
		metrics.ObserveNotification(metrics.NotifyFailed)
		return Term
	}
	if !d.Accepts(env) {
		d.logger.Debug("ignoring foreign event",
			slog.String("event_id", env.ID),
			slog.String("source", env.Source),
			slog.String("detail_type", env.DetailType))
		metrics.ObserveNotification(metrics.NotifyIgnored)
		return Ack
	}

	event, err := env.AnomalyEvent()
	if err != nil {
		d.logger.Error("dropping invalid anomaly event", slog.String("event_id", env.ID), slog.Any("error", err))
		metrics.ObserveNotification(metrics.NotifyFailed)
		return Term
	}

	if err := d.handler(ctx, env, event); err != nil {
		if errors.Is(err, ErrPermanent) {
			return Term
		}
		return Nak
	}
	return Ack
}
