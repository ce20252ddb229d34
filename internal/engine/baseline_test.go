package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/swa-analytics/anomaly-pipeline/internal/utils"
)

func TestBaselineMeanOfComparableHours(t *testing.T) {
	reader := newFakeReader()
	target := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	reader.seedHistory("a", target, 100, 120, 110)
	// Adjacent hours must not leak into the baseline.
	reader.set("a", target.Add(-time.Hour), 1_000_000)

	calc := NewBaselineCalculator(reader, AlignDaily)
	got, err := calc.Compute(context.Background(), "a", target, 3)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got != 110 {
		t.Fatalf("expected 110, got %v", got)
	}

	again, _ := calc.Compute(context.Background(), "a", target, 3)
	if again != got {
		t.Fatalf("expected repeatable baseline, got %v then %v", got, again)
	}
}

func TestBaselineUndefinedWhenAnySampleMissing(t *testing.T) {
	reader := newFakeReader()
	target := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	reader.set("a", target.Add(-24*time.Hour), 100)
	reader.set("a", target.Add(-72*time.Hour), 100)

	_, err := NewBaselineCalculator(reader, AlignDaily).Compute(context.Background(), "a", target, 3)
	if !errors.Is(err, utils.ErrBaselineUndefined) {
		t.Fatalf("expected ErrBaselineUndefined, got %v", err)
	}
	if !errors.Is(err, utils.ErrDataUnavailable) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
}

func TestBaselineRejectsNonPositiveWindow(t *testing.T) {
	_, err := NewBaselineCalculator(newFakeReader(), AlignDaily).Compute(context.Background(), "a", time.Now(), 0)
	if !errors.Is(err, utils.ErrBaselineUndefined) {
		t.Fatalf("expected ErrBaselineUndefined, got %v", err)
	}
}

func TestComparableHoursWeekly(t *testing.T) {
	target := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	hours := NewBaselineCalculator(nil, AlignWeekly).ComparableHours(target, 2)
	if len(hours) != 2 {
		t.Fatalf("expected two hours, got %v", hours)
	}
	if !hours[0].Equal(time.Date(2026, 10, 10, 9, 0, 0, 0, time.UTC)) || !hours[1].Equal(time.Date(2026, 10, 3, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected weekly hours %v", hours)
	}
	for _, h := range hours {
		if h.Weekday() != target.Weekday() {
			t.Fatalf("weekly alignment changed weekday: %v", h)
		}
	}
}

func TestParseAlignment(t *testing.T) {
	for input, want := range map[string]Alignment{"": AlignDaily, "Daily": AlignDaily, "weekly": AlignWeekly} {
		got, err := ParseAlignment(input)
		if err != nil || got != want {
			t.Fatalf("ParseAlignment(%q) = %q, %v", input, got, err)
		}
	}
	if _, err := ParseAlignment("monthly"); err == nil {
		t.Fatalf("expected error for unknown alignment")
	}
}
