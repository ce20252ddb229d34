package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Message is one outbound notification.
type Message struct {
	Subject string `json:"subject"`
	Body    string `json:"message"`
}

// Channel delivers a rendered message. Implementations make a single attempt.
type Channel interface {
	Send(ctx context.Context, msg Message) error
}

// LogChannel writes alerts to the structured log. Used for local runs.
type LogChannel struct {
	logger *slog.Logger
}

func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Send(ctx context.Context, msg Message) error {
	c.logger.LogAttrs(ctx, slog.LevelWarn, "anomaly alert",
		slog.String("subject", msg.Subject),
		slog.String("message", msg.Body))
	return nil
}

// WebhookChannel posts {subject, message} JSON to an endpoint.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// WebhookOption configures the webhook channel.
type WebhookOption func(*WebhookChannel)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) WebhookOption {
	return func(ch *WebhookChannel) {
		if client != nil {
			ch.client = client
		}
	}
}

// NewWebhookChannel constructs a webhook channel with the given timeout.
func NewWebhookChannel(url string, timeout time.Duration, opts ...WebhookOption) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	channel := &WebhookChannel{url: url, client: &http.Client{Timeout: timeout}}
	for _, opt := range opts {
		opt(channel)
	}
	return channel, nil
}

func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook channel: non-2xx response %d", resp.StatusCode)
	}
	return nil
}

// CorePublisher is satisfied by *nats.Conn.
type CorePublisher interface {
	Publish(subject string, data []byte) error
}

// NATSChannel publishes alerts on a core NATS subject for downstream fan-out
// (chat bridges, paging).
type NATSChannel struct {
	conn    CorePublisher
	subject string
}

func NewNATSChannel(conn CorePublisher, subject string) (*NATSChannel, error) {
	if conn == nil || subject == "" {
		return nil, errors.New("nats channel: connection and subject are required")
	}
	return &NATSChannel{conn: conn, subject: subject}, nil
}

func (n *NATSChannel) Send(_ context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return n.conn.Publish(n.subject, data)
}
