package event

import (
	"fmt"
	"math"
	"strings"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
)

// Layouts carrying an explicit offset or Z.
var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-0700",
}

// Layouts with no zone information at all.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Instants outside this range have no nanosecond Unix representation.
var (
	minInstant = time.Unix(0, math.MinInt64).UTC()
	maxInstant = time.Unix(0, math.MaxInt64).UTC()
)

// InRange reports whether t can be stored as nanoseconds since the epoch.
func InRange(t time.Time) bool {
	return !t.Before(minInstant) && !t.After(maxInstant)
}

// ParseTimestamp converts s to a UTC instant. The boolean reports whether
// the value had no zone and was interpreted as UTC under policy.
func ParseTimestamp(s string, policy TimestampPolicy) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, fmt.Errorf("%w: empty timestamp", apperrors.ErrTimestampParse)
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if !InRange(t) {
				return time.Time{}, false, fmt.Errorf("%w: %q is outside %d-%d", apperrors.ErrTimestampParse, s, minInstant.Year(), maxInstant.Year())
			}
			return t.UTC(), false, nil
		}
	}
	for _, layout := range naiveLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err != nil {
			continue
		}
		if policy != AssumeUTC {
			return time.Time{}, false, fmt.Errorf("%w: %q has no zone offset", apperrors.ErrTimestampParse, s)
		}
		if !InRange(t) {
			return time.Time{}, false, fmt.Errorf("%w: %q is outside %d-%d", apperrors.ErrTimestampParse, s, minInstant.Year(), maxInstant.Year())
		}
		return t, true, nil
	}
	return time.Time{}, false, fmt.Errorf("%w: %q", apperrors.ErrTimestampParse, s)
}

// FormatTimestamp renders t in the canonical wire form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
