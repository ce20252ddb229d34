package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/swa-analytics/anomaly-pipeline/internal/models"
	"github.com/swa-analytics/anomaly-pipeline/internal/state"
	"github.com/swa-analytics/anomaly-pipeline/internal/utils"
)

// EventPublisher hands a transition event to the event bus.
type EventPublisher interface {
	Publish(ctx context.Context, event models.AnomalyEvent) error
}

// Params are the detection parameters of a run.
type Params struct {
	Window       int
	Multiplier   float64
	MinimumViews int64
	SettleDelay  time.Duration
}

// SiteResult classifies what happened to one site during a run.
type SiteResult string

const (
	SiteUnchanged       SiteResult = "unchanged"
	SiteTransition      SiteResult = "transition"
	SiteDataUnavailable SiteResult = "data_unavailable"
	SiteNoBaseline      SiteResult = "baseline_undefined"
	SiteStoreError      SiteResult = "store_error"
)

// SiteOutcome records the evaluation of one site.
type SiteOutcome struct {
	Site      string
	Result    SiteResult
	Status    models.Status
	Observed  int64
	Baseline  float64
	Threshold float64
	Err       error
}

// PublishFailure is a transition event the bus did not accept.
type PublishFailure struct {
	Event models.AnomalyEvent
	Err   error
}

// Result summarises a run. Sites follow configuration order.
type Result struct {
	Tick            time.Time
	Target          time.Time
	Sites           []SiteOutcome
	Events          []models.AnomalyEvent
	PublishFailures []PublishFailure
}

// Count returns how many sites ended with the given result.
func (r Result) Count(result SiteResult) int {
	n := 0
	for _, o := range r.Sites {
		if o.Result == result {
			n++
		}
	}
	return n
}

// Published is the number of events accepted by the bus.
func (r Result) Published() int {
	return len(r.Events) - len(r.PublishFailures)
}

// Success is false when a site could not be read or persisted or an event was
// not published. Sites still accumulating history do not fail a run.
func (r Result) Success() bool {
	return r.Count(SiteDataUnavailable) == 0 && r.Count(SiteStoreError) == 0 && len(r.PublishFailures) == 0
}

// Decide applies the alarm rule. Sites below minimumViews are always OK; otherwise
// the site alarms when observed is strictly below baseline*multiplier.
func Decide(observed int64, baseline, multiplier float64, minimumViews int64) (models.Status, float64) {
	threshold := baseline * multiplier
	if observed < minimumViews {
		return models.StatusOK, threshold
	}
	if float64(observed) < threshold {
		return models.StatusAlarm, threshold
	}
	return models.StatusOK, threshold
}

// Evaluator runs one detection pass over every configured site.
type Evaluator struct {
	logger         *slog.Logger
	reader         AggregateReader
	baseline       *BaselineCalculator
	store          state.Store
	publisher      EventPublisher
	sites          []string
	params         Params
	concurrency    int
	siteTimeout    time.Duration
	publishTimeout time.Duration
	now            func() time.Time
}

// EvaluatorOption customises an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithConcurrency bounds how many sites are evaluated at once.
func WithConcurrency(n int) EvaluatorOption {
	return func(e *Evaluator) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithSiteTimeout bounds the reads of a single site.
func WithSiteTimeout(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		if d > 0 {
			e.siteTimeout = d
		}
	}
}

// WithPublishTimeout bounds each publish.
func WithPublishTimeout(d time.Duration) EvaluatorOption {
	return func(e *Evaluator) {
		if d > 0 {
			e.publishTimeout = d
		}
	}
}

// WithClock overrides the emitted-at clock.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEvaluator constructs an evaluator. sites is copied.
func NewEvaluator(
	logger *slog.Logger,
	reader AggregateReader,
	baseline *BaselineCalculator,
	store state.Store,
	publisher EventPublisher,
	sites []string,
	params Params,
	opts ...EvaluatorOption,
) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	if baseline == nil {
		baseline = NewBaselineCalculator(reader, AlignDaily)
	}
	e := &Evaluator{
		logger:         logger,
		reader:         reader,
		baseline:       baseline,
		store:          store,
		publisher:      publisher,
		sites:          append([]string(nil), sites...),
		params:         params,
		concurrency:    4,
		siteTimeout:    30 * time.Second,
		publishTimeout: 5 * time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sites returns the configured site order.
func (e *Evaluator) Sites() []string {
	return append([]string(nil), e.sites...)
}

// Run evaluates the last closed hour before tick for every site, persists status
// transitions and then publishes one event per transition. Per-site and publish
// failures are reported in Result. The returned error is non-nil only when the run
// could not start or ctx ended before every site was evaluated.
func (e *Evaluator) Run(ctx context.Context, tick time.Time) (Result, error) {
	if e.reader == nil || e.store == nil || e.publisher == nil {
		return Result{}, fmt.Errorf("evaluator not fully configured")
	}

	target := utils.LastClosedHour(tick, e.params.SettleDelay)
	result := Result{Tick: tick.UTC(), Target: target, Sites: make([]SiteOutcome, len(e.sites))}
	events := make([]*models.AnomalyEvent, len(e.sites))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, site := range e.sites {
		i, site := i, site
		g.Go(func() error {
			result.Sites[i], events[i] = e.evaluateSite(gctx, site, target)
			return nil
		})
	}
	_ = g.Wait()

	for _, ev := range events {
		if ev != nil {
			result.Events = append(result.Events, *ev)
		}
	}

	// Transitions are already persisted, so publish even when ctx has ended.
	pubCtx := context.WithoutCancel(ctx)
	for _, ev := range result.Events {
		if err := e.publish(pubCtx, ev); err != nil {
			e.logger.Error("publish anomaly event failed",
				slog.String("site", ev.Site),
				slog.String("detail_type", string(ev.DetailType)),
				slog.Any("error", err))
			result.PublishFailures = append(result.PublishFailures, PublishFailure{Event: ev, Err: err})
		}
	}

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("evaluation of %s interrupted: %w", utils.HourKey(target), err)
	}
	return result, nil
}

func (e *Evaluator) publish(ctx context.Context, ev models.AnomalyEvent) error {
	ctx, cancel := context.WithTimeout(ctx, e.publishTimeout)
	defer cancel()
	if err := e.publisher.Publish(ctx, ev); err != nil {
		if errors.Is(err, utils.ErrPublish) {
			return err
		}
		return fmt.Errorf("%w: %w", utils.ErrPublish, err)
	}
	return nil
}

func (e *Evaluator) evaluateSite(ctx context.Context, site string, target time.Time) (SiteOutcome, *models.AnomalyEvent) {
	out := SiteOutcome{Site: site}
	logger := e.logger.With(slog.String("site", site), slog.String("bucket", utils.HourKey(target)))

	siteCtx, cancel := context.WithTimeout(ctx, e.siteTimeout)
	defer cancel()

	observed, err := e.reader.GetViewCount(siteCtx, site, target)
	if err != nil {
		out.Result = SiteDataUnavailable
		out.Err = asDataUnavailable(err)
		logger.Warn("skipping site: observed views unavailable", slog.Any("error", err))
		return out, nil
	}
	out.Observed = observed

	baseline, err := e.baseline.Compute(siteCtx, site, target, e.params.Window)
	if err != nil {
		if siteCtx.Err() != nil {
			out.Result = SiteDataUnavailable
			out.Err = asDataUnavailable(err)
			logger.Warn("skipping site: baseline lookup timed out", slog.Any("error", err))
			return out, nil
		}
		out.Result = SiteNoBaseline
		out.Err = err
		logger.Info("skipping site: baseline undefined", slog.Any("error", err))
		return out, nil
	}

	decision, threshold := Decide(observed, baseline, e.params.Multiplier, e.params.MinimumViews)
	out.Baseline = baseline
	out.Threshold = threshold
	out.Status = decision

	current, err := e.store.Get(siteCtx, site)
	if err != nil {
		out.Result = SiteStoreError
		out.Err = err
		logger.Error("read anomaly status failed", slog.Any("error", err))
		return out, nil
	}
	if current == decision {
		out.Result = SiteUnchanged
		logger.Debug("status unchanged",
			slog.String("status", string(decision)),
			slog.Int64("observed", observed),
			slog.Float64("threshold", threshold))
		return out, nil
	}

	if err := e.store.Put(siteCtx, site, decision); err != nil {
		out.Result = SiteStoreError
		out.Err = err
		logger.Error("persist anomaly status failed", slog.Any("error", err))
		return out, nil
	}

	out.Result = SiteTransition
	logger.Info("anomaly status changed",
		slog.String("from", string(current)),
		slog.String("to", string(decision)),
		slog.Int64("observed", observed),
		slog.Float64("baseline", baseline),
		slog.Float64("threshold", threshold))

	return out, &models.AnomalyEvent{
		Site:            site,
		DetailType:      models.DetailTypeFor(decision),
		EvaluatedBucket: target,
		ObservedViews:   observed,
		Baseline:        baseline,
		Threshold:       threshold,
		EmittedAt:       e.now().UTC(),
	}
}

func asDataUnavailable(err error) error {
	if errors.Is(err, utils.ErrDataUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", utils.ErrDataUnavailable, err)
}
