package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/swa-analytics/anomaly-pipeline/internal/utils"
)

// Validate reports every invalid or missing setting at once. The returned error
// matches utils.ErrConfiguration.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	a := c.Anomaly
	if a.EvaluationWindow <= 0 {
		add("anomaly.evaluationWindow must be positive, got %d", a.EvaluationWindow)
	}
	if m := a.BreachingMultiplier; m <= 0 || math.IsNaN(m) || math.IsInf(m, 0) {
		add("anomaly.breachingMultiplier must be a positive finite number, got %v", m)
	}
	if a.MinimumViews < 0 {
		add("anomaly.minimumViews must not be negative, got %d", a.MinimumViews)
	}
	switch strings.ToLower(a.Alignment) {
	case "daily", "weekly":
	default:
		add("anomaly.alignment must be daily or weekly, got %q", a.Alignment)
	}
	if a.SettleDelay < 0 {
		add("anomaly.settleDelay must not be negative")
	}
	if a.Concurrency <= 0 {
		add("anomaly.concurrency must be positive, got %d", a.Concurrency)
	}
	if a.SiteTimeout <= 0 || a.RunTimeout <= 0 {
		add("anomaly.siteTimeout and anomaly.runTimeout must be positive")
	}
	if a.ScheduleMinute < 0 || a.ScheduleMinute > 59 {
		add("anomaly.scheduleMinute must be within 0-59, got %d", a.ScheduleMinute)
	}
	if len(a.Sites) == 0 {
		add("anomaly.sites must list at least one site")
	}
	seen := make(map[string]struct{}, len(a.Sites))
	for _, site := range a.Sites {
		if strings.TrimSpace(site) == "" {
			add("anomaly.sites contains an empty site id")
			continue
		}
		if _, dup := seen[site]; dup {
			add("anomaly.sites lists %q more than once", site)
		}
		seen[site] = struct{}{}
	}

	switch c.Aggregates.Driver {
	case "http":
		if c.Aggregates.BaseURL == "" {
			add("aggregates.baseURL is required for the http driver")
		}
	case "postgres":
		if c.Aggregates.DSN == "" {
			add("aggregates.dsn is required for the postgres driver")
		}
	default:
		add("aggregates.driver must be http or postgres, got %q", c.Aggregates.Driver)
	}

	switch c.State.Driver {
	case "memory":
	case "valkey":
		if !c.Cache.Enabled || c.Cache.Addr == "" {
			add("state.driver valkey requires cache.enabled and cache.addr")
		}
	case "postgres":
		if c.State.DSN == "" {
			add("state.dsn is required for the postgres driver")
		}
	default:
		add("state.driver must be memory, valkey or postgres, got %q", c.State.Driver)
	}

	if c.Cache.Enabled && c.Cache.Addr == "" {
		add("cache.addr is required when cache.enabled is true")
	}
	if c.Cache.RunLock && !c.Cache.Enabled {
		add("cache.runLock requires cache.enabled")
	}
	// Publishing may outlive the run deadline by up to one publish timeout per event.
	if c.Cache.RunLock && c.Cache.RunLockTTL <= a.RunTimeout {
		add("cache.runLockTTL (%s) must exceed anomaly.runTimeout (%s)", c.Cache.RunLockTTL, a.RunTimeout)
	}

	switch c.Bus.Driver {
	case "memory":
	case "nats":
		if c.Bus.URL == "" || c.Bus.Stream == "" {
			add("bus.url and bus.stream are required for the nats driver")
		}
		if c.Bus.MaxDeliver <= 0 {
			add("bus.maxDeliver must be positive")
		}
	default:
		add("bus.driver must be memory or nats, got %q", c.Bus.Driver)
	}
	if c.Bus.SourceID == "" {
		add("bus.sourceId is required")
	}
	if c.Bus.SubjectPrefix == "" {
		add("bus.subjectPrefix is required")
	}
	if c.Bus.MaxInFlight <= 0 {
		add("bus.maxInFlight must be positive")
	}

	switch c.Alerts.Channel {
	case "log":
	case "webhook":
		if c.Alerts.WebhookURL == "" {
			add("alerts.webhookURL is required for the webhook channel")
		}
	case "nats":
		if c.Alerts.NATSSubject == "" {
			add("alerts.natsSubject is required for the nats channel")
		}
		if c.Bus.Driver != "nats" {
			add("alerts.channel nats requires bus.driver nats")
		}
	default:
		add("alerts.channel must be log, webhook or nats, got %q", c.Alerts.Channel)
	}

	if len(problems) == 0 {
		return nil
	}
	return utils.NewAppError("config.validate", strings.Join(problems, "; "), utils.ErrConfiguration)
}

// IsConfigurationError reports whether err stems from configuration loading or validation.
func IsConfigurationError(err error) bool {
	return errors.Is(err, utils.ErrConfiguration)
}
