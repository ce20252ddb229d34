package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting of the evaluator and the alert worker. Both
// binaries load the same file and read the sections they need.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Aggregates AggregatesConfig `yaml:"aggregates"`
	State      StateConfig      `yaml:"state"`
	Cache      CacheConfig      `yaml:"cache"`
	Bus        BusConfig        `yaml:"bus"`
	Alerts     AlertsConfig     `yaml:"alerts"`
}

// ServerConfig controls the admin gRPC and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AnomalyConfig holds the detection parameters and the evaluator run envelope.
type AnomalyConfig struct {
	// EvaluationWindow is the number of comparable hours averaged into a baseline.
	EvaluationWindow int `yaml:"evaluationWindow"`
	// BreachingMultiplier scales the baseline into the alarm threshold.
	BreachingMultiplier float64 `yaml:"breachingMultiplier"`
	// MinimumViews suppresses alarms for sites with too little traffic to judge.
	MinimumViews int64 `yaml:"minimumViews"`
	// Alignment selects comparable hours: "daily" or "weekly".
	Alignment string `yaml:"alignment"`
	// SettleDelay is how long after an hour closes before its aggregate is trusted.
	SettleDelay time.Duration `yaml:"settleDelay"`
	Sites       []string      `yaml:"sites"`
	Concurrency int           `yaml:"concurrency"`
	SiteTimeout time.Duration `yaml:"siteTimeout"`
	RunTimeout  time.Duration `yaml:"runTimeout"`
	// ScheduleMinute is the minute past each hour at which the scheduler fires.
	ScheduleMinute int `yaml:"scheduleMinute"`
}

// AggregatesConfig selects and configures the page-view aggregate source.
type AggregatesConfig struct {
	Driver  string        `yaml:"driver"`
	BaseURL string        `yaml:"baseURL"`
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
	DSN     string        `yaml:"dsn"`
	Table   string        `yaml:"table"`
}

// StateConfig selects the durable anomaly status store.
type StateConfig struct {
	Driver    string `yaml:"driver"`
	KeyPrefix string `yaml:"keyPrefix"`
	DSN       string `yaml:"dsn"`
	Table     string `yaml:"table"`
}

// CacheConfig controls the Valkey connection used for aggregate caching, the run lock
// and the valkey status store driver.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	PoolSize     int           `yaml:"poolSize"`
	TLS          bool          `yaml:"tls"`
	AggregateTTL time.Duration `yaml:"aggregateTTL"`
	RunLock      bool          `yaml:"runLock"`
	RunLockTTL   time.Duration `yaml:"runLockTTL"`
}

// BusConfig configures the event bus shared by the evaluator and the worker.
type BusConfig struct {
	Driver         string        `yaml:"driver"`
	URL            string        `yaml:"url"`
	Stream         string        `yaml:"stream"`
	SubjectPrefix  string        `yaml:"subjectPrefix"`
	SourceID       string        `yaml:"sourceId"`
	Durable        string        `yaml:"durable"`
	MaxDeliver     int           `yaml:"maxDeliver"`
	AckWait        time.Duration `yaml:"ackWait"`
	MaxInFlight    int           `yaml:"maxInFlight"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
}

// AlertsConfig is the alert worker policy and its notification channel.
type AlertsConfig struct {
	NotifyOnAlarm  bool          `yaml:"notifyOnAlarm"`
	NotifyOnOK     bool          `yaml:"notifyOnOk"`
	Channel        string        `yaml:"channel"`
	WebhookURL     string        `yaml:"webhookURL"`
	WebhookTimeout time.Duration `yaml:"webhookTimeout"`
	NATSSubject    string        `yaml:"natsSubject"`
	Template       string        `yaml:"template"`
}

// Load initialises Config from defaults, an optional YAML file and SWA_* environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SWA_ANOMALY_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Anomaly: AnomalyConfig{
			EvaluationWindow:    7,
			BreachingMultiplier: 0.5,
			MinimumViews:        10,
			Alignment:           "daily",
			SettleDelay:         15 * time.Minute,
			Concurrency:         8,
			SiteTimeout:         30 * time.Second,
			RunTimeout:          900 * time.Second,
			ScheduleMinute:      20,
		},
		Aggregates: AggregatesConfig{
			Driver:  "http",
			Path:    "/api/v1/aggregates/page-views",
			Timeout: 10 * time.Second,
			Table:   "page_view_hourly",
		},
		State: StateConfig{
			Driver:    "memory",
			KeyPrefix: "anomaly:status:",
			Table:     "anomaly_status",
		},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			PoolSize:     4,
			AggregateTTL: 36 * time.Hour,
			RunLockTTL:   20 * time.Minute,
		},
		Bus: BusConfig{
			Driver:         "memory",
			URL:            "nats://127.0.0.1:4222",
			Stream:         "SWA_EVENTS",
			SubjectPrefix:  "swa.events",
			SourceID:       "swa.anomaly",
			Durable:        "anomaly-alert-worker",
			MaxDeliver:     5,
			AckWait:        30 * time.Second,
			MaxInFlight:    16,
			PublishTimeout: 5 * time.Second,
		},
		Alerts: AlertsConfig{
			NotifyOnAlarm:  true,
			NotifyOnOK:     true,
			Channel:        "log",
			WebhookTimeout: 5 * time.Second,
			NATSSubject:    "swa.alerts",
		},
	}
}
