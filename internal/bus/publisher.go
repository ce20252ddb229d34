package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/swa-analytics/anomaly-pipeline/internal/models"
	"github.com/swa-analytics/anomaly-pipeline/internal/utils"
)

// Transport moves encoded envelopes. msgID lets the transport drop duplicates.
type Transport interface {
	Send(ctx context.Context, subject, msgID string, data []byte) error
}

// Publisher wraps anomaly events in envelopes and sends them on the bus.
type Publisher struct {
	transport Transport
	source    string
	prefix    string
}

func NewPublisher(transport Transport, source, subjectPrefix string) *Publisher {
	return &Publisher{transport: transport, source: source, prefix: subjectPrefix}
}

// Publish sends event exactly once; it does not retry. Errors wrap utils.ErrPublish.
func (p *Publisher) Publish(ctx context.Context, event models.AnomalyEvent) error {
	env, err := NewEnvelope(p.source, event)
	if err != nil {
		return fmt.Errorf("%w: %w", utils.ErrPublish, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: marshal envelope: %w", utils.ErrPublish, err)
	}
	subject := Subject(p.prefix, event.DetailType)
	if err := p.transport.Send(ctx, subject, env.ID, data); err != nil {
		return fmt.Errorf("%w: %s on %s: %w", utils.ErrPublish, env.ID, subject, err)
	}
	return nil
}
