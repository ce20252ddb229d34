package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/swa-analytics/anomaly-pipeline/internal/utils"
)

// envReader applies typed overrides and remembers every malformed value so
// Load can report them together.
type envReader struct {
	errs []error
}

func (r *envReader) fail(key, value string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s=%q: %w", key, value, err))
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = n
}

func (r *envReader) int64(key string, dst *int64) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = n
}

func (r *envReader) float(key string, dst *float64) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = f
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = b
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = d
}

func (r *envReader) list(key string, dst *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return
	}
	items, err := parseList(v)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = items
}

// parseList accepts either a JSON array of strings or a comma separated list.
func parseList(value string) ([]string, error) {
	value = strings.TrimSpace(value)
	var raw []string
	if strings.HasPrefix(value, "[") {
		if err := json.Unmarshal([]byte(value), &raw); err != nil {
			return nil, err
		}
	} else {
		raw = strings.Split(value, ",")
	}
	items := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items, nil
}

func applyEnvOverrides(cfg *Config) error {
	r := &envReader{}

	r.str("SWA_SERVER_ADDRESS", &cfg.Server.Address)
	r.str("SWA_METRICS_ADDRESS", &cfg.Server.MetricsAddress)
	r.duration("SWA_GRACEFUL_TIMEOUT", &cfg.Server.GracefulTimeout)

	r.str("SWA_LOG_LEVEL", &cfg.Logging.Level)
	if v := os.Getenv("SWA_LOG_FORMAT"); v != "" {
		cfg.Logging.JSON = strings.EqualFold(v, "json")
	}

	r.integer("SWA_EVALUATION_WINDOW", &cfg.Anomaly.EvaluationWindow)
	r.float("SWA_BREACHING_MULTIPLIER", &cfg.Anomaly.BreachingMultiplier)
	r.int64("SWA_MINIMUM_VIEWS", &cfg.Anomaly.MinimumViews)
	r.str("SWA_ALIGNMENT", &cfg.Anomaly.Alignment)
	r.duration("SWA_SETTLE_DELAY", &cfg.Anomaly.SettleDelay)
	r.list("SWA_SITES", &cfg.Anomaly.Sites)
	r.integer("SWA_CONCURRENCY", &cfg.Anomaly.Concurrency)
	r.duration("SWA_SITE_TIMEOUT", &cfg.Anomaly.SiteTimeout)
	r.duration("SWA_RUN_TIMEOUT", &cfg.Anomaly.RunTimeout)
	r.integer("SWA_SCHEDULE_MINUTE", &cfg.Anomaly.ScheduleMinute)

	r.str("SWA_AGGREGATES_DRIVER", &cfg.Aggregates.Driver)
	r.str("SWA_AGGREGATES_URL", &cfg.Aggregates.BaseURL)
	r.str("SWA_AGGREGATES_PATH", &cfg.Aggregates.Path)
	r.duration("SWA_AGGREGATES_TIMEOUT", &cfg.Aggregates.Timeout)
	r.str("SWA_AGGREGATES_DSN", &cfg.Aggregates.DSN)
	r.str("SWA_AGGREGATES_TABLE", &cfg.Aggregates.Table)

	r.str("SWA_STATE_DRIVER", &cfg.State.Driver)
	r.str("SWA_STATE_KEY_PREFIX", &cfg.State.KeyPrefix)
	r.str("SWA_STATE_DSN", &cfg.State.DSN)
	r.str("SWA_STATE_TABLE", &cfg.State.Table)

	r.boolean("SWA_CACHE_ENABLED", &cfg.Cache.Enabled)
	r.str("SWA_CACHE_ADDR", &cfg.Cache.Addr)
	r.str("SWA_CACHE_USERNAME", &cfg.Cache.Username)
	r.str("SWA_CACHE_PASSWORD", &cfg.Cache.Password)
	r.integer("SWA_CACHE_DB", &cfg.Cache.DB)
	r.boolean("SWA_CACHE_TLS", &cfg.Cache.TLS)
	r.duration("SWA_CACHE_DIAL_TIMEOUT", &cfg.Cache.DialTimeout)
	r.duration("SWA_CACHE_READ_TIMEOUT", &cfg.Cache.ReadTimeout)
	r.duration("SWA_CACHE_WRITE_TIMEOUT", &cfg.Cache.WriteTimeout)
	r.integer("SWA_CACHE_MAX_RETRIES", &cfg.Cache.MaxRetries)
	r.integer("SWA_CACHE_POOL_SIZE", &cfg.Cache.PoolSize)
	r.duration("SWA_CACHE_AGGREGATE_TTL", &cfg.Cache.AggregateTTL)
	r.boolean("SWA_RUN_LOCK", &cfg.Cache.RunLock)
	r.duration("SWA_RUN_LOCK_TTL", &cfg.Cache.RunLockTTL)

	r.str("SWA_BUS_DRIVER", &cfg.Bus.Driver)
	r.str("SWA_NATS_URL", &cfg.Bus.URL)
	r.str("SWA_BUS_STREAM", &cfg.Bus.Stream)
	r.str("SWA_BUS_SUBJECT_PREFIX", &cfg.Bus.SubjectPrefix)
	r.str("SWA_EVENT_SOURCE", &cfg.Bus.SourceID)
	r.str("SWA_BUS_DURABLE", &cfg.Bus.Durable)
	r.integer("SWA_BUS_MAX_DELIVER", &cfg.Bus.MaxDeliver)
	r.duration("SWA_BUS_ACK_WAIT", &cfg.Bus.AckWait)
	r.integer("SWA_BUS_MAX_IN_FLIGHT", &cfg.Bus.MaxInFlight)
	r.duration("SWA_BUS_PUBLISH_TIMEOUT", &cfg.Bus.PublishTimeout)

	r.boolean("SWA_ALERT_ON_ALARM", &cfg.Alerts.NotifyOnAlarm)
	r.boolean("SWA_ALERT_ON_OK", &cfg.Alerts.NotifyOnOK)
	r.str("SWA_ALERT_CHANNEL", &cfg.Alerts.Channel)
	r.str("SWA_ALERT_WEBHOOK_URL", &cfg.Alerts.WebhookURL)
	r.duration("SWA_ALERT_WEBHOOK_TIMEOUT", &cfg.Alerts.WebhookTimeout)
	r.str("SWA_ALERT_NATS_SUBJECT", &cfg.Alerts.NATSSubject)
	r.str("SWA_ALERT_TEMPLATE", &cfg.Alerts.Template)

	if len(r.errs) > 0 {
		return utils.NewAppError("config.env", "malformed environment override", errors.Join(append([]error{utils.ErrConfiguration}, r.errs...)...))
	}
	return nil
}
