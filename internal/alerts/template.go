package alerts

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/swa-analytics/anomaly-pipeline/internal/models"
)

// DefaultTemplate renders the body of an alert.
const DefaultTemplate = `{{ if .Alarm }}Page views on {{.Site}} dropped below the expected level.{{ else }}Page views on {{.Site}} are back to normal.{{ end }}
Hour: {{.Bucket}} UTC
Observed views: {{.ObservedViews}}
Baseline: {{printf "%.1f" .Baseline}}
Threshold: {{printf "%.1f" .Threshold}}
Status: {{.Status}} ({{.DetailType}})
Evaluated at: {{.EmittedAt}}`

// TemplateData provides fields for rendering alert content.
type TemplateData struct {
	Site          string
	DetailType    string
	Status        string
	Alarm         bool
	ObservedViews int64
	Baseline      float64
	Threshold     float64
	Bucket        string
	EmittedAt     string
}

// NewTemplateData flattens an event for rendering.
func NewTemplateData(event models.AnomalyEvent) TemplateData {
	alarm := event.DetailType == models.DetailTypeAlarm
	status := string(models.StatusOK)
	if alarm {
		status = string(models.StatusAlarm)
	}
	return TemplateData{
		Site:          event.Site,
		DetailType:    string(event.DetailType),
		Status:        status,
		Alarm:         alarm,
		ObservedViews: event.ObservedViews,
		Baseline:      event.Baseline,
		Threshold:     event.Threshold,
		Bucket:        event.EvaluatedBucket.UTC().Format("2006-01-02 15:04"),
		EmittedAt:     event.EmittedAt.UTC().Format(time.RFC3339),
	}
}

// Template renders alert messages.
type Template struct {
	tpl *template.Template
}

// NewTemplate parses a message template, falling back to DefaultTemplate.
func NewTemplate(tpl string) (*Template, error) {
	if strings.TrimSpace(tpl) == "" {
		tpl = DefaultTemplate
	}
	parsed, err := template.New("anomaly-alert").Option("missingkey=error").Parse(tpl)
	if err != nil {
		return nil, fmt.Errorf("parse alert template: %w", err)
	}
	return &Template{tpl: parsed}, nil
}

// Render builds the message for an event.
func (t *Template) Render(event models.AnomalyEvent) (Message, error) {
	if t == nil || t.tpl == nil {
		return Message{}, errors.New("alert template: nil")
	}
	data := NewTemplateData(event)
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return Message{}, err
	}
	return Message{Subject: subjectLine(data), Body: buf.String()}, nil
}

func subjectLine(data TemplateData) string {
	if data.Alarm {
		return fmt.Sprintf("[ALARM] Low traffic on %s", data.Site)
	}
	return fmt.Sprintf("[OK] Traffic recovered on %s", data.Site)
}
