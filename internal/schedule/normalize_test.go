package schedule

import (
	"errors"
	"testing"
	"time"
)

func testNormalizer() *Normalizer {
	return NewNormalizer()
}

func TestNormalize_FutureDateOnly(t *testing.T) {
	n := testNormalizer()
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, n.Location)

	got, err := n.Normalize("2025-02-01", now)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	want := time.Date(2025, 2, 1, 8, 0, 0, 0, n.Location)
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestNormalize_TodayDateOnly(t *testing.T) {
	n := testNormalizer()
	now := time.Date(2025, 1, 15, 12, 0, 0, 123456789, n.Location)

	got, err := n.Normalize("2025-01-15", now)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	want := now.Add(2 * time.Minute).Truncate(time.Second)
	if !got.Equal(want) {
		t.Errorf("Expected now+2m (%v), got %v", want, got)
	}
}

func TestNormalize_LocalTimeWithoutOffset(t *testing.T) {
	n := testNormalizer()
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, n.Location)

	got, err := n.Normalize("2025-02-01T10:30", now)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	// The literal clock time is preserved in the default UTC-3 offset.
	want := time.Date(2025, 2, 1, 10, 30, 0, 0, n.Location)
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestNormalize_SameDayPastSnapsForward(t *testing.T) {
	n := testNormalizer()
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, n.Location)

	// Explicit past timestamp with offset, same calendar day.
	got, err := n.Normalize(now.Add(-time.Hour).Format(time.RFC3339), now)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	want := now.Add(2 * time.Minute).Truncate(time.Second)
	if !got.Equal(want) {
		t.Errorf("Expected snap to now+2m (%v), got %v", want, got)
	}
}

func TestNormalize_TooCloseRejected(t *testing.T) {
	n := testNormalizer()
	// Pick a now where now+10s is past midnight-safe bounds but still the
	// same day, so the snap rule applies before the floor check.
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, n.Location)

	// A same-day instant below the floor gets snapped, not rejected.
	got, err := n.Normalize(now.Add(10*time.Second).Format(time.RFC3339), now)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if want := now.Add(2 * time.Minute).Truncate(time.Second); !got.Equal(want) {
		t.Errorf("Expected snap to %v, got %v", want, got)
	}
}

func TestNormalize_PastDifferentDayRejected(t *testing.T) {
	n := testNormalizer()
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, n.Location)

	_, err := n.Normalize(now.AddDate(0, 0, -1).Format(time.RFC3339), now)
	if !errors.Is(err, ErrInvalidScheduleTime) {
		t.Errorf("Expected ErrInvalidScheduleTime, got %v", err)
	}
}

func TestNormalize_PastDateOnlyRejected(t *testing.T) {
	n := testNormalizer()
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, n.Location)

	_, err := n.Normalize("2024-12-31", now)
	if !errors.Is(err, ErrInvalidScheduleTime) {
		t.Errorf("Expected ErrInvalidScheduleTime, got %v", err)
	}
}

func TestNormalize_GarbageRejected(t *testing.T) {
	n := testNormalizer()
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, n.Location)

	for _, raw := range []string{"", "tomorrow", "15/01/2025", "2025-13-40"} {
		if _, err := n.Normalize(raw, now); !errors.Is(err, ErrInvalidScheduleTime) {
			t.Errorf("Normalize(%q): expected ErrInvalidScheduleTime, got %v", raw, err)
		}
	}
}

func TestNormalize_ResultAlwaysRespectsMinimumLead(t *testing.T) {
	n := testNormalizer()
	now := time.Date(2025, 1, 15, 23, 30, 0, 0, n.Location)

	inputs := []string{
		"2025-01-16",
		"2025-01-15",
		"2025-03-10T14:00",
		now.Add(30 * time.Second).Format(time.RFC3339),
		now.Add(48 * time.Hour).Format(time.RFC3339),
	}
	floor := now.Add(MinLeadTime)
	for _, raw := range inputs {
		got, err := n.Normalize(raw, now)
		if err != nil {
			continue
		}
		if got.Before(floor) {
			t.Errorf("Normalize(%q) = %v, below floor %v", raw, got, floor)
		}
	}
}
