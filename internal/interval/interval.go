// Package interval is the codec for task recurrence intervals: ISO-8601
// duration strings ("PT1M", "P7D", and the fractional biweekly "P3.5D")
// and the minute-truncated arithmetic the scheduler clock runs on.
package interval

import (
	"errors"
	"fmt"
	"time"

	"github.com/sosodev/duration"
)

var ErrInvalidInterval = errors.New("invalid interval")

// Parse parses an ISO-8601 duration string. Fractional designators are
// accepted; "P3.5D" is a canonical interval in this system.
func Parse(s string) (*duration.Duration, error) {
	d, err := duration.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidInterval, s, err)
	}
	return d, nil
}

// Add returns base plus the duration, in whole seconds. Callers that need
// a due time must minute-truncate the result themselves (or use Next).
func Add(base int64, d *duration.Duration) int64 {
	return base + int64(d.ToTimeDuration()/time.Second)
}

// Next computes the minute-truncated due time for a task fired at base.
func Next(base int64, d *duration.Duration) int64 {
	return TruncateMinute(Add(base, d))
}

// TruncateMinute zeroes the seconds component of a unix timestamp.
// Due-time comparisons are exact equality on this discrete clock.
func TruncateMinute(ts int64) int64 {
	return ts - ts%60
}

// CurrentMinute is the scheduler clock: the given wall time truncated to
// the minute, as unix seconds.
func CurrentMinute(t time.Time) int64 {
	return TruncateMinute(t.Unix())
}
