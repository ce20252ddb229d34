package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/swa-analytics/anomaly-pipeline/internal/utils"
)

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Aggregates.BaseURL = "http://aggregates.local"
	cfg.Anomaly.Sites = []string{"site-a", "site-b"}
	return &cfg
}

func TestLoadAppliesFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anomaly.yaml")
	yaml := `
anomaly:
  evaluationWindow: 3
  breachingMultiplier: 0.25
  sites: [alpha, beta]
aggregates:
  baseURL: http://from-file
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SWA_MINIMUM_VIEWS", "25")
	t.Setenv("SWA_SITES", `["gamma"]`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Anomaly.EvaluationWindow != 3 || cfg.Anomaly.BreachingMultiplier != 0.25 {
		t.Fatalf("file values not applied: %+v", cfg.Anomaly)
	}
	if cfg.Anomaly.MinimumViews != 25 {
		t.Fatalf("expected env minimum views 25, got %d", cfg.Anomaly.MinimumViews)
	}
	if len(cfg.Anomaly.Sites) != 1 || cfg.Anomaly.Sites[0] != "gamma" {
		t.Fatalf("expected env sites override, got %v", cfg.Anomaly.Sites)
	}
	if cfg.Anomaly.ScheduleMinute != 20 || cfg.Anomaly.RunTimeout != 900*time.Second {
		t.Fatalf("defaults lost: %+v", cfg.Anomaly)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestMalformedEnvOverrideIsConfigurationError(t *testing.T) {
	t.Setenv("SWA_EVALUATION_WINDOW", "three")
	t.Setenv("SWA_ALERT_ON_OK", "sometimes")

	_, err := Load("")
	if !errors.Is(err, utils.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if !strings.Contains(err.Error(), "SWA_EVALUATION_WINDOW") || !strings.Contains(err.Error(), "SWA_ALERT_ON_OK") {
		t.Fatalf("expected both keys reported, got %v", err)
	}
}

func TestParseList(t *testing.T) {
	tests := map[string][]string{
		`["a","b"]`:    {"a", "b"},
		"a, b ,,c":     {"a", "b", "c"},
		`[" spaced "]`: {"spaced"},
	}
	for input, want := range tests {
		got, err := parseList(input)
		if err != nil {
			t.Fatalf("parse %q: %v", input, err)
		}
		if strings.Join(got, "|") != strings.Join(want, "|") {
			t.Fatalf("parse %q: expected %v, got %v", input, want, got)
		}
	}
	if _, err := parseList(`["unterminated`); err == nil {
		t.Fatalf("expected error for malformed JSON")
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Anomaly.EvaluationWindow = 0
	cfg.Anomaly.BreachingMultiplier = -1
	cfg.Anomaly.Sites = []string{"a", "a"}
	cfg.Bus.Driver = "kafka"

	err := cfg.Validate()
	if !IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	for _, fragment := range []string{"evaluationWindow", "breachingMultiplier", "more than once", "bus.driver"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected %q in %v", fragment, err)
		}
	}
}

func TestValidateDriverRequirements(t *testing.T) {
	cfg := validConfig()
	cfg.State.Driver = "valkey"
	cfg.Alerts.Channel = "webhook"
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected errors for valkey state without cache and webhook without url")
	}
	if !strings.Contains(err.Error(), "state.driver valkey") || !strings.Contains(err.Error(), "webhookURL") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestValidateRequiresSites(t *testing.T) {
	for name, sites := range map[string][]string{"nil": nil, "empty": {}} {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Anomaly.Sites = sites
			err := cfg.Validate()
			if !IsConfigurationError(err) || !strings.Contains(err.Error(), "anomaly.sites must list") {
				t.Fatalf("expected missing sites to be rejected, got %v", err)
			}
		})
	}
}

func TestValidateRejectsNonFiniteMultiplier(t *testing.T) {
	for name, m := range map[string]float64{"nan": math.NaN(), "+inf": math.Inf(1), "-inf": math.Inf(-1)} {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Anomaly.BreachingMultiplier = m
			err := cfg.Validate()
			if !IsConfigurationError(err) || !strings.Contains(err.Error(), "breachingMultiplier") {
				t.Fatalf("expected multiplier %v to be rejected, got %v", m, err)
			}
		})
	}
}

func TestNaNMultiplierFromEnvFailsValidation(t *testing.T) {
	t.Setenv("SWA_BREACHING_MULTIPLIER", "NaN")
	t.Setenv("SWA_SITES", "site-a")
	t.Setenv("SWA_AGGREGATES_URL", "http://aggregates.local")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); !IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestValidateRunLockOutlivesRun(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.Enabled = true
	cfg.Cache.Addr = "localhost:6379"
	cfg.Cache.RunLock = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate with the run lock enabled: %v", err)
	}

	cfg.Cache.RunLockTTL = cfg.Anomaly.RunTimeout
	err := cfg.Validate()
	if !IsConfigurationError(err) || !strings.Contains(err.Error(), "runLockTTL") {
		t.Fatalf("expected lock TTL equal to run timeout to be rejected, got %v", err)
	}
}
