// Package duration parses and renders durations with day-scale units.
// time.ParseDuration stops at hours, but retention and refresh settings
// read better as "30d" or "2 weeks". Parse accepts that vocabulary and
// Format emits the compact form of it, so rendered values parse back.
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Day and Week are fixed lengths, not calendar units.
const (
	Day  = 24 * time.Hour
	Week = 7 * Day
)

// unitDurations maps every accepted unit spelling to its length.
// Spellings are matched case-insensitively.
var unitDurations = map[string]time.Duration{
	"ns": time.Nanosecond, "nanosecond": time.Nanosecond, "nanoseconds": time.Nanosecond,
	"us": time.Microsecond, "µs": time.Microsecond,
	"microsecond": time.Microsecond, "microseconds": time.Microsecond,
	"ms": time.Millisecond, "millisecond": time.Millisecond, "milliseconds": time.Millisecond,
	"s": time.Second, "sec": time.Second, "secs": time.Second,
	"second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute,
	"minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour,
	"hour": time.Hour, "hours": time.Hour,
	"d": Day, "day": Day, "days": Day,
	"w": Week, "wk": Week, "wks": Week,
	"week": Week, "weeks": Week,
}

// token matches one value-unit pair. Whitespace between the value and the
// unit is allowed, so "2 weeks" and "2w" tokenize the same way.
var token = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s*([A-Za-zµ]+)`)

// Parse parses a duration string. It accepts everything time.ParseDuration
// does plus day and week units (d, day, w, week), spelled-out standard
// units ("3 hours", "30 minutes"), and whitespace between components.
func Parse(s string) (time.Duration, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	negative := strings.HasPrefix(trimmed, "-")
	if negative {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "-"))
	}

	// Bare zero is valid for time.ParseDuration and stays valid here.
	if trimmed == "0" {
		return 0, nil
	}

	var (
		total    time.Duration
		tokenErr error
	)
	rest := token.ReplaceAllStringFunc(trimmed, func(tok string) string {
		parts := token.FindStringSubmatch(tok)
		unit, ok := unitDurations[strings.ToLower(parts[2])]
		if !ok {
			if tokenErr == nil {
				tokenErr = fmt.Errorf("duration: unknown unit %q in %q", parts[2], s)
			}
			return tok
		}
		// Integer values stay on the integer path: nanosecond totals
		// beyond 2^53 lose precision as floats.
		if n, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			total += time.Duration(n) * unit
			return ""
		}
		value, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			if tokenErr == nil {
				tokenErr = fmt.Errorf("duration: invalid value %q in %q", parts[1], s)
			}
			return tok
		}
		total += time.Duration(value * float64(unit))
		return ""
	})
	if tokenErr != nil {
		return 0, tokenErr
	}
	if strings.TrimSpace(rest) != "" {
		return 0, fmt.Errorf("duration: cannot parse %q", s)
	}

	if negative {
		total = -total
	}
	return total, nil
}

// MustParse is like Parse but panics on error. Use for literals only.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// formatUnits orders the units Format emits, largest first. Weeks are
// accepted on input but never emitted; "12d" reads better than "1w5d".
var formatUnits = []struct {
	suffix string
	size   time.Duration
}{
	{"d", Day},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
	{"ms", time.Millisecond},
	{"µs", time.Microsecond},
	{"ns", time.Nanosecond},
}

// Format renders a duration compactly with zero components omitted:
// 90 seconds becomes "1m30s", 24 hours becomes "1d".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	for _, unit := range formatUnits {
		if n := d / unit.size; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, unit.suffix)
			d -= n * unit.size
		}
	}
	return b.String()
}
