// Package timeutil provides the monotonic clock source and human-duration
// parser shared by the strategies, event loop, and aggregator (spec §2.1).
package timeutil

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock abstracts time.Now for deterministic testing of strategies and the
// aggregator's emission cadence.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by the monotonic runtime clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// NowMs returns c's current time in milliseconds since the Unix epoch. The
// value comes from the wall clock (UnixNano drops the monotonic reading),
// so a system clock adjustment between two calls shows up in their
// difference.
func NowMs(c Clock) int64 {
	return c.Now().UnixNano() / int64(time.Millisecond)
}

// ParseDurationMs parses a human duration string ("30s", "5m", "1h30m",
// "250ms") into milliseconds. Bare integers are interpreted as milliseconds.
func ParseDurationMs(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d.Milliseconds(), nil
}

// FormatDurationMs renders milliseconds back into a compact human string.
func FormatDurationMs(ms int64) string {
	return time.Duration(ms * int64(time.Millisecond)).String()
}
