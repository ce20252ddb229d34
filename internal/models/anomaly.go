package models

import (
	"fmt"
	"strings"
	"time"
)

// Status is the persisted anomaly state of a site. An absent status reads as StatusOK.
type Status string

const (
	StatusOK    Status = "OK"
	StatusAlarm Status = "ALARM"
)

// ParseStatus accepts the persisted representation case-insensitively.
func ParseStatus(value string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(StatusOK):
		return StatusOK, nil
	case string(StatusAlarm):
		return StatusAlarm, nil
	default:
		return "", fmt.Errorf("unknown anomaly status %q", value)
	}
}

// DetailType discriminates transition events on the bus.
type DetailType string

const (
	DetailTypeAlarm DetailType = "anomaly.page_view.alarm"
	DetailTypeOK    DetailType = "anomaly.page_view.ok"
)

// DetailTypeFor maps a new status to the event detail type announcing it.
func DetailTypeFor(status Status) DetailType {
	if status == StatusAlarm {
		return DetailTypeAlarm
	}
	return DetailTypeOK
}

// Valid reports whether d is one of the anomaly detail types.
func (d DetailType) Valid() bool {
	return d == DetailTypeAlarm || d == DetailTypeOK
}

// HourBucket identifies one site-hour of aggregated page views.
type HourBucket struct {
	Site  string
	Start time.Time
}

// NewHourBucket truncates start to the hour in UTC.
func NewHourBucket(site string, start time.Time) HourBucket {
	return HourBucket{Site: site, Start: start.UTC().Truncate(time.Hour)}
}

func (b HourBucket) String() string {
	return b.Site + "@" + b.Start.Format("20060102T15")
}

// AnomalyEvent is the immutable record of a status transition for one site.
type AnomalyEvent struct {
	Site            string     `json:"site"`
	DetailType      DetailType `json:"detail_type"`
	EvaluatedBucket time.Time  `json:"evaluated_bucket"`
	ObservedViews   int64      `json:"observed_views"`
	Baseline        float64    `json:"baseline"`
	Threshold       float64    `json:"threshold"`
	EmittedAt       time.Time  `json:"emitted_at"`
}

// Validate checks the fields a consumer relies on.
func (e AnomalyEvent) Validate() error {
	switch {
	case e.Site == "":
		return fmt.Errorf("anomaly event: site is required")
	case !e.DetailType.Valid():
		return fmt.Errorf("anomaly event: unknown detail type %q", e.DetailType)
	case e.EvaluatedBucket.IsZero():
		return fmt.Errorf("anomaly event: evaluated bucket is required")
	case e.ObservedViews < 0:
		return fmt.Errorf("anomaly event: negative observed views")
	}
	return nil
}

// AlertPolicy gates which transitions produce a notification.
type AlertPolicy struct {
	NotifyOnAlarm bool
	NotifyOnOK    bool
	ChannelRef    string
}

// Allows reports whether an event of the given type should be notified.
func (p AlertPolicy) Allows(detailType DetailType) bool {
	switch detailType {
	case DetailTypeAlarm:
		return p.NotifyOnAlarm
	case DetailTypeOK:
		return p.NotifyOnOK
	default:
		return false
	}
}
