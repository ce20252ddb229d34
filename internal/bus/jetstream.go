package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamConfig configures the NATS JetStream transport.
type JetStreamConfig struct {
	URL           string
	Name          string
	Stream        string
	SubjectPrefix string
	Durable       string
	MaxDeliver    int
	AckWait       time.Duration
	MaxInFlight   int
	// OnConnectionChange is called with false on disconnect and true on reconnect.
	OnConnectionChange func(connected bool)
}

// JetStream is a Transport backed by a JetStream stream, plus a durable pull
// consumer for the alert worker.
type JetStream struct {
	cfg    JetStreamConfig
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// ConnectJetStream dials NATS and ensures the stream covering <prefix>.> exists.
func ConnectJetStream(ctx context.Context, cfg JetStreamConfig, logger *slog.Logger) (*JetStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Stream == "" || cfg.SubjectPrefix == "" {
		return nil, errors.New("jetstream stream and subject prefix are required")
	}

	notify := cfg.OnConnectionChange
	if notify == nil {
		notify = func(bool) {}
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", slog.Any("error", err))
			notify(false)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
			notify(true)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	notify(true)
	return &JetStream{cfg: cfg, nc: nc, js: js, logger: logger}, nil
}

// Conn exposes the underlying connection for core NATS publishing.
func (j *JetStream) Conn() *nats.Conn {
	return j.nc
}

// Connected reports whether the NATS connection is currently up.
func (j *JetStream) Connected() bool {
	return j.nc != nil && j.nc.IsConnected()
}

// Send publishes to the stream and waits for the server acknowledgement.
// msgID enables server-side deduplication within the stream's duplicate window.
func (j *JetStream) Send(ctx context.Context, subject, msgID string, data []byte) error {
	_, err := j.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID))
	return err
}

// Subscribe binds the durable consumer to subjects and dispatches messages on
// up to MaxInFlight goroutines. The returned stop function halts consumption
// and waits for in-flight handlers.
func (j *JetStream) Subscribe(ctx context.Context, subjects []string, dispatcher *Dispatcher) (func(), error) {
	maxInFlight := j.cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}

	consumer, err := j.js.CreateOrUpdateConsumer(ctx, j.cfg.Stream, jetstream.ConsumerConfig{
		Durable:        j.cfg.Durable,
		FilterSubjects: subjects,
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        j.cfg.AckWait,
		MaxDeliver:     j.cfg.MaxDeliver,
		MaxAckPending:  maxInFlight,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", j.cfg.Durable, err)
	}

	handlerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sem := make(chan struct{}, maxInFlight)
	tracker := &inflight{}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		if !tracker.enter() {
			j.settle(msg, Nak)
			return
		}
		sem <- struct{}{}
		go func() {
			defer func() {
				<-sem
				tracker.done()
			}()
			j.settle(msg, dispatcher.Dispatch(handlerCtx, msg.Data()))
		}()
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("consume %s: %w", j.cfg.Durable, err)
	}

	return func() {
		consumeCtx.Stop()
		tracker.close()
		cancel()
	}, nil
}

func (j *JetStream) settle(msg jetstream.Msg, disposition Disposition) {
	var err error
	switch disposition {
	case Ack:
		err = msg.Ack()
	case Nak:
		err = msg.Nak()
		if meta, merr := msg.Metadata(); merr == nil && j.cfg.MaxDeliver > 0 && int(meta.NumDelivered) >= j.cfg.MaxDeliver {
			j.logger.Warn("delivery exhausted", slog.String("subject", msg.Subject()), slog.Uint64("deliveries", meta.NumDelivered))
		}
	case Term:
		err = msg.Term()
	}
	if err != nil {
		j.logger.Warn("settle delivery failed", slog.String("disposition", disposition.String()), slog.Any("error", err))
	}
}

// Close drains the connection so pending publishes are flushed.
func (j *JetStream) Close() error {
	if j.nc == nil {
		return nil
	}
	return j.nc.Drain()
}
