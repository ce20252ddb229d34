package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/swa-analytics/anomaly-pipeline/internal/engine"
	"github.com/swa-analytics/anomaly-pipeline/internal/metrics"
	"github.com/swa-analytics/anomaly-pipeline/internal/utils"
)

// ErrRunInProgress is returned when a tick arrives while another run holds the
// in-process guard or the distributed run lock.
var ErrRunInProgress = errors.New("evaluation run already in progress")

// Runner executes one evaluation pass.
type Runner interface {
	Run(ctx context.Context, tick time.Time) (engine.Result, error)
}

// EvaluationService wraps the evaluator with the single-run guarantee, the run
// timeout, metrics and the end-of-run audit record. Runs are never retried.
type EvaluationService struct {
	logger     *slog.Logger
	runner     Runner
	lock       *RunLock
	runTimeout time.Duration
	latencies  *utils.LatencyWindow
	runs       atomic.Int64

	mu      sync.Mutex
	running bool
}

// NewEvaluationService constructs the service. lock may be nil.
func NewEvaluationService(logger *slog.Logger, runner Runner, lock *RunLock, runTimeout time.Duration) *EvaluationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EvaluationService{
		logger:     logger,
		runner:     runner,
		lock:       lock,
		runTimeout: runTimeout,
		latencies:  utils.NewLatencyWindow(168),
	}
}

// RunOnce evaluates tick unless a run is already in progress.
func (s *EvaluationService) RunOnce(ctx context.Context, tick time.Time) (engine.Result, error) {
	if !s.begin() {
		metrics.CountSkippedRun()
		s.logger.Warn("skipping tick: previous run still in progress", slog.Time("tick", tick))
		return engine.Result{}, ErrRunInProgress
	}
	defer s.end()

	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx)
		if err != nil {
			metrics.ObserveRun(0, metrics.OutcomeError)
			utils.Audit(ctx, s.logger, "anomaly evaluation", false, slog.Time("tick", tick), slog.Any("error", err))
			return engine.Result{}, err
		}
		if !acquired {
			metrics.CountSkippedRun()
			s.logger.Warn("skipping tick: run lock held by another evaluator", slog.Time("tick", tick))
			return engine.Result{}, ErrRunInProgress
		}
		defer func() {
			if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("release run lock failed", slog.Any("error", err))
			}
		}()
	}

	runCtx := ctx
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	started := time.Now()
	result, err := s.runner.Run(runCtx, tick)
	duration := time.Since(started)

	s.record(ctx, tick, result, err, duration)
	return result, err
}

func (s *EvaluationService) record(ctx context.Context, tick time.Time, result engine.Result, runErr error, duration time.Duration) {
	for _, outcome := range result.Sites {
		metrics.ObserveSiteEvaluation(string(outcome.Result))
	}
	for i := 0; i < result.Published(); i++ {
		metrics.ObservePublish(nil)
	}
	for _, failure := range result.PublishFailures {
		metrics.ObservePublish(failure.Err)
	}

	success := runErr == nil && result.Success()
	outcome := metrics.OutcomeSuccess
	switch {
	case runErr != nil:
		outcome = metrics.OutcomeError
	case !success:
		outcome = metrics.OutcomePartial
	}
	metrics.ObserveRun(duration, outcome)

	s.latencies.Observe(duration)
	if s.runs.Add(1)%24 == 0 {
		s.logger.Info("evaluation latency summary",
			slog.Duration("p50", s.latencies.Percentile(50)),
			slog.Duration("p95", s.latencies.Percentile(95)))
	}

	attrs := []slog.Attr{
		slog.Time("tick", tick),
		slog.String("bucket", utils.HourKey(result.Target)),
		slog.Int("sites", len(result.Sites)),
		slog.Int("transitions", len(result.Events)),
		slog.Int("published", result.Published()),
		slog.Int("publish_failures", len(result.PublishFailures)),
		slog.Int("data_unavailable", result.Count(engine.SiteDataUnavailable)),
		slog.Int("baseline_undefined", result.Count(engine.SiteNoBaseline)),
		slog.Int("store_errors", result.Count(engine.SiteStoreError)),
		slog.Int64("duration_ms", duration.Milliseconds()),
	}
	if runErr != nil {
		attrs = append(attrs, slog.Any("error", runErr))
	}
	utils.Audit(ctx, s.logger, "anomaly evaluation", success, attrs...)
}

func (s *EvaluationService) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *EvaluationService) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
