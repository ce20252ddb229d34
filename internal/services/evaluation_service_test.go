package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/swa-analytics/anomaly-pipeline/internal/cache"
	"github.com/swa-analytics/anomaly-pipeline/internal/engine"
	"github.com/swa-analytics/anomaly-pipeline/internal/models"
)

type stubRunner struct {
	mu      sync.Mutex
	calls   int
	result  engine.Result
	err     error
	release chan struct{}
	started chan struct{}
}

func (r *stubRunner) Run(ctx context.Context, tick time.Time) (engine.Result, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return r.result, ctx.Err()
		}
	}
	return r.result, r.err
}

func (r *stubRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func auditLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func lastAudit(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var record map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if entry["msg"] == "anomaly evaluation" {
			record = entry
		}
	}
	if record == nil {
		t.Fatalf("no audit record in %s", buf.String())
	}
	return record
}

func TestRunOnceWritesAuditRecord(t *testing.T) {
	var buf bytes.Buffer
	runner := &stubRunner{result: engine.Result{
		Target: time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC),
		Sites: []engine.SiteOutcome{
			{Site: "a", Result: engine.SiteTransition},
			{Site: "b", Result: engine.SiteNoBaseline},
		},
		Events: []models.AnomalyEvent{{Site: "a"}},
	}}
	service := NewEvaluationService(auditLogger(&buf), runner, nil, time.Minute)

	if _, err := service.RunOnce(context.Background(), time.Now()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	record := lastAudit(t, &buf)
	if record["success"] != true || record["transitions"] != float64(1) || record["baseline_undefined"] != float64(1) {
		t.Fatalf("unexpected audit record %v", record)
	}
	if record["bucket"] != "20261017T09" {
		t.Fatalf("unexpected bucket %v", record["bucket"])
	}
}

func TestRunOnceAuditsFailures(t *testing.T) {
	var buf bytes.Buffer
	runner := &stubRunner{result: engine.Result{
		Events:          []models.AnomalyEvent{{Site: "a"}},
		PublishFailures: []engine.PublishFailure{{Event: models.AnomalyEvent{Site: "a"}, Err: errors.New("bus down")}},
	}}
	service := NewEvaluationService(auditLogger(&buf), runner, nil, time.Minute)

	if _, err := service.RunOnce(context.Background(), time.Now()); err != nil {
		t.Fatalf("partial runs are not errors: %v", err)
	}
	record := lastAudit(t, &buf)
	if record["success"] != false || record["publish_failures"] != float64(1) {
		t.Fatalf("expected failed audit, got %v", record)
	}
	if runner.count() != 1 {
		t.Fatalf("runs must not be retried, got %d calls", runner.count())
	}
}

func TestRunOnceSkipsOverlappingTick(t *testing.T) {
	runner := &stubRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	service := NewEvaluationService(nil, runner, nil, time.Minute)

	done := make(chan error, 1)
	go func() {
		_, err := service.RunOnce(context.Background(), time.Now())
		done <- err
	}()
	<-runner.started

	if _, err := service.RunOnce(context.Background(), time.Now()); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	close(runner.release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if runner.count() != 1 {
		t.Fatalf("expected one run, got %d", runner.count())
	}
}

func TestRunOnceRespectsDistributedLock(t *testing.T) {
	provider := cache.NewMemoryProvider()
	other := NewRunLock(provider, "lock", time.Minute)
	if ok, _ := other.Acquire(context.Background()); !ok {
		t.Fatalf("expected other process to take the lock")
	}

	runner := &stubRunner{}
	service := NewEvaluationService(nil, runner, NewRunLock(provider, "lock", time.Minute), time.Minute)
	if _, err := service.RunOnce(context.Background(), time.Now()); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}

	if err := other.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := service.RunOnce(context.Background(), time.Now()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if runner.count() != 1 {
		t.Fatalf("expected one run, got %d", runner.count())
	}
	if _, err := provider.Get(context.Background(), "lock"); !errors.Is(err, cache.ErrCacheMiss) {
		t.Fatalf("expected lock to be released after run, got %v", err)
	}
}

func TestRunLockReleaseKeepsForeignLock(t *testing.T) {
	provider := cache.NewMemoryProvider()
	mine := NewRunLock(provider, "lock", time.Minute)
	theirs := NewRunLock(provider, "lock", time.Minute)
	_, _ = theirs.Acquire(context.Background())

	if err := mine.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := provider.Get(context.Background(), "lock"); err != nil {
		t.Fatalf("foreign lock must survive, got %v", err)
	}
}

func TestRunOnceAppliesRunTimeout(t *testing.T) {
	var buf bytes.Buffer
	runner := &stubRunner{release: make(chan struct{})}
	service := NewEvaluationService(auditLogger(&buf), runner, nil, 20*time.Millisecond)

	_, err := service.RunOnce(context.Background(), time.Now())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if record := lastAudit(t, &buf); record["success"] != false {
		t.Fatalf("expected failed audit, got %v", record)
	}
}
