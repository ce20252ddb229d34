// Package bus carries anomaly transition events between the evaluator and the
// alert worker. Delivery is at-least-once and unordered.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/swa-analytics/anomaly-pipeline/internal/models"
)

// Envelope is the wire format shared with every other producer on the bus.
type Envelope struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Time       time.Time       `json:"time"`
	Detail     json.RawMessage `json:"detail"`
}

// NewEnvelope wraps an anomaly event under a fresh event id.
func NewEnvelope(source string, event models.AnomalyEvent) (Envelope, error) {
	detail, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal anomaly event: %w", err)
	}
	return Envelope{
		ID:         uuid.NewString(),
		Source:     source,
		DetailType: string(event.DetailType),
		Time:       event.EmittedAt.UTC(),
		Detail:     detail,
	}, nil
}

// DecodeEnvelope parses a bus message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.DetailType == "" {
		return Envelope{}, errors.New("decode envelope: missing detail-type")
	}
	return env, nil
}

// AnomalyEvent decodes and validates the detail payload.
func (e Envelope) AnomalyEvent() (models.AnomalyEvent, error) {
	var event models.AnomalyEvent
	if err := json.Unmarshal(e.Detail, &event); err != nil {
		return models.AnomalyEvent{}, fmt.Errorf("decode detail of %s: %w", e.ID, err)
	}
	if event.DetailType == "" {
		event.DetailType = models.DetailType(e.DetailType)
	}
	if string(event.DetailType) != e.DetailType {
		return models.AnomalyEvent{}, fmt.Errorf("detail of %s disagrees with envelope detail-type %q", e.ID, e.DetailType)
	}
	if err := event.Validate(); err != nil {
		return models.AnomalyEvent{}, err
	}
	return event, nil
}

// Subject returns the bus subject for a detail type, e.g. swa.events.anomaly.page_view.alarm.
func Subject(prefix string, detailType models.DetailType) string {
	return strings.TrimSuffix(prefix, ".") + "." + string(detailType)
}

// AnomalySubjects are the subjects the alert worker consumes.
func AnomalySubjects(prefix string) []string {
	return []string{Subject(prefix, models.DetailTypeAlarm), Subject(prefix, models.DetailTypeOK)}
}

// subjectMatches implements NATS subject wildcards: '*' matches one token and a
// trailing '>' matches one or more.
func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, token := range pt {
		if token == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if token != "*" && token != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
