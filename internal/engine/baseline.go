package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/swa-analytics/anomaly-pipeline/internal/utils"
)

// AggregateReader returns the page views of a site for the hour starting at hour.
// Implementations must be safe for concurrent use and return an error wrapping
// utils.ErrDataUnavailable when no count exists.
type AggregateReader interface {
	GetViewCount(ctx context.Context, site string, hour time.Time) (int64, error)
}

// Alignment selects which preceding hours are comparable to the target hour.
type Alignment string

const (
	// AlignDaily compares against the same hour of day on preceding days.
	AlignDaily Alignment = "daily"
	// AlignWeekly compares against the same hour of the same weekday.
	AlignWeekly Alignment = "weekly"
)

// ParseAlignment accepts "daily" or "weekly"; empty defaults to daily.
func ParseAlignment(value string) (Alignment, error) {
	switch Alignment(strings.ToLower(strings.TrimSpace(value))) {
	case "", AlignDaily:
		return AlignDaily, nil
	case AlignWeekly:
		return AlignWeekly, nil
	default:
		return "", fmt.Errorf("unknown alignment %q", value)
	}
}

func (a Alignment) step() time.Duration {
	if a == AlignWeekly {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// BaselineCalculator averages comparable historical hours. It has no state of its
// own, so repeated calls against unchanged history return the same value.
type BaselineCalculator struct {
	reader    AggregateReader
	alignment Alignment
}

func NewBaselineCalculator(reader AggregateReader, alignment Alignment) *BaselineCalculator {
	if alignment == "" {
		alignment = AlignDaily
	}
	return &BaselineCalculator{reader: reader, alignment: alignment}
}

// ComparableHours lists the window hours compared with target, nearest first.
func (b *BaselineCalculator) ComparableHours(target time.Time, window int) []time.Time {
	target = utils.TruncateHour(target)
	step := b.alignment.step()
	hours := make([]time.Time, 0, window)
	for k := 1; k <= window; k++ {
		hours = append(hours, target.Add(-time.Duration(k)*step))
	}
	return hours
}

// Compute returns the mean view count over the comparable hours of target. Any
// unavailable sample makes the baseline undefined; samples are never skipped or
// filled in.
func (b *BaselineCalculator) Compute(ctx context.Context, site string, target time.Time, window int) (float64, error) {
	if window <= 0 {
		return 0, fmt.Errorf("baseline window must be positive, got %d: %w", window, utils.ErrBaselineUndefined)
	}

	var sum float64
	for _, hour := range b.ComparableHours(target, window) {
		views, err := b.reader.GetViewCount(ctx, site, hour)
		if err != nil {
			return 0, fmt.Errorf("%w: %s has no sample at %s: %w", utils.ErrBaselineUndefined, site, utils.HourKey(hour), err)
		}
		sum += float64(views)
	}
	return sum / float64(window), nil
}
