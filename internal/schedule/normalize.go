// Package schedule implements the scheduling side of AtendeZap's delayed
// message delivery: time normalization, the dual-path job scheduler, the
// recovery sweeper and the create/update/get operations.
package schedule

import (
	"errors"
	"log/slog"
	"time"
)

// ErrInvalidScheduleTime is returned when a user-supplied send time cannot
// be normalized to a valid future instant.
var ErrInvalidScheduleTime = errors.New("invalid schedule time")

// Default normalization policy.
const (
	// DefaultUTCOffsetHours is applied to times supplied without an explicit
	// zone marker. Most of the platform's tenants operate on UTC-3.
	DefaultUTCOffsetHours = -3
	// MinLeadTime is the hard floor: an accepted send time is always at
	// least this far in the future, on create and on reschedule.
	MinLeadTime = time.Minute
	// SnapLeadTime is where already-due same-day times get snapped to.
	SnapLeadTime = 2 * time.Minute
	// DefaultDayHour is the local hour a future date-only input resolves to.
	DefaultDayHour = 8
)

// layouts tried for inputs without an explicit offset, in order.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

const dateOnlyLayout = "2006-01-02"

// Normalizer converts user-supplied send times (date-only, local time
// without offset, or fully qualified timestamps) into absolute instants.
//
// Users frequently supply ambiguous or already-past times (timezone drift,
// stale UI); instead of rejecting those outright, the normalizer snaps them
// safely forward while still enforcing a minimum lead so a just-created
// schedule never races the scheduler.
type Normalizer struct {
	// Location is the zone applied to inputs without an offset marker.
	Location *time.Location
	// MinLead is the hard floor below which inputs are rejected.
	MinLead time.Duration
	// SnapLead is the forward snap applied to already-due same-day inputs.
	SnapLead time.Duration
}

// NewNormalizer creates a Normalizer with the platform defaults.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		Location: time.FixedZone("UTC-3", DefaultUTCOffsetHours*3600),
		MinLead:  MinLeadTime,
		SnapLead: SnapLeadTime,
	}
}

// Normalize converts raw into an absolute instant, applying the policy rules
// in order:
//
//  1. A bare date that is "today" locally becomes now + SnapLead (rounded to
//     the second); any other bare date becomes 08:00 local on that date.
//  2. A timestamp without an offset marker is interpreted in the default
//     location, preserving the literal clock time the caller intended.
//  3. A result on the same local calendar day as now but earlier than
//     now + MinLead is snapped to now + SnapLead.
//  4. A result still earlier than now + MinLead is rejected.
func (n *Normalizer) Normalize(raw string, now time.Time) (time.Time, error) {
	target, err := n.parse(raw, now)
	if err != nil {
		slog.Debug("Normalizer.Normalize: unparseable input", "raw", raw, "error", err)
		return time.Time{}, ErrInvalidScheduleTime
	}

	floor := now.Add(n.MinLead)
	if target.Before(floor) && n.sameLocalDay(target, now) {
		target = now.Add(n.SnapLead).Truncate(time.Second)
	}

	if target.Before(floor) {
		slog.Debug("Normalizer.Normalize: below minimum lead", "raw", raw, "target", target, "floor", floor)
		return time.Time{}, ErrInvalidScheduleTime
	}
	return target, nil
}

func (n *Normalizer) parse(raw string, now time.Time) (time.Time, error) {
	if d, err := time.ParseInLocation(dateOnlyLayout, raw, n.Location); err == nil {
		localNow := now.In(n.Location)
		if d.Year() == localNow.Year() && d.Month() == localNow.Month() && d.Day() == localNow.Day() {
			return now.Add(n.SnapLead).Truncate(time.Second), nil
		}
		return time.Date(d.Year(), d.Month(), d.Day(), DefaultDayHour, 0, 0, 0, n.Location), nil
	}

	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, raw, n.Location); err == nil {
			return t, nil
		}
	}

	return time.Parse(time.RFC3339, raw)
}

func (n *Normalizer) sameLocalDay(a, b time.Time) bool {
	la, lb := a.In(n.Location), b.In(n.Location)
	return la.Year() == lb.Year() && la.YearDay() == lb.YearDay()
}
