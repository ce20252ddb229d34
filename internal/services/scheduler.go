package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/swa-analytics/anomaly-pipeline/internal/utils"
)

// Scheduler fires an evaluation at a fixed minute past every hour. A tick that
// finds the previous run still going is skipped, never queued.
type Scheduler struct {
	service *EvaluationService
	minute  int
	logger  *slog.Logger
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time
}

func NewScheduler(service *EvaluationService, minute int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{service: service, minute: minute, logger: logger, now: time.Now, after: time.After}
}

// Run blocks until ctx is cancelled, then waits for an in-flight evaluation.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		next := utils.NextScheduleAt(s.now(), s.minute)
		s.logger.Debug("next evaluation scheduled", slog.Time("at", next))

		select {
		case <-ctx.Done():
			return
		case tick := <-s.after(time.Until(next)):
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.service.RunOnce(ctx, tick)
				if err != nil && !errors.Is(err, ErrRunInProgress) {
					s.logger.Error("evaluation run failed", slog.Any("error", err))
				}
			}()
		}
	}
}
