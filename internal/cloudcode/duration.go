package cloudcode

import (
	"fmt"
	"strings"
)

// ParseGoogleDuration parses a duration string in the Google duration
// grammar: one or more segments of digits with an optional decimal part
// followed by a unit (ms, s, m, h), concatenated without separators,
// e.g. "2.5s", "754ms", "1h16m0.667923083s".
// Returns the total in milliseconds. ok is false for empty or malformed input.
func ParseGoogleDuration(s string) (ms int64, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	var total float64
	i := 0
	segments := 0
	for i < len(s) {
		start := i
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		intLen := i - start
		fracStart := -1
		if i < len(s) && s[i] == '.' {
			i++
			fracStart = i
			for i < len(s) && s[i] >= '0' && s[i] <= '9' {
				i++
			}
			if i == fracStart {
				return 0, false // dot with no digits
			}
		}
		if intLen == 0 && fracStart < 0 {
			return 0, false // no digits at all
		}

		var value float64
		for j := start; j < start+intLen; j++ {
			value = value*10 + float64(s[j]-'0')
		}
		if fracStart >= 0 {
			scale := 1.0
			for j := fracStart; j < i; j++ {
				scale /= 10
				value += float64(s[j]-'0') * scale
			}
		}

		// Unit: "ms" must be tried before "m".
		switch {
		case strings.HasPrefix(s[i:], "ms"):
			total += value
			i += 2
		case i < len(s) && s[i] == 'h':
			total += value * 3_600_000
			i++
		case i < len(s) && s[i] == 'm':
			total += value * 60_000
			i++
		case i < len(s) && s[i] == 's':
			total += value * 1000
			i++
		default:
			return 0, false
		}
		segments++
	}

	if segments == 0 || total < 0 {
		return 0, false
	}
	return int64(total + 0.5), true
}

// FormatGoogleDuration renders milliseconds in the same grammar,
// e.g. 5025667 → "1h23m45.667s". Non-positive values render as "0s".
func FormatGoogleDuration(ms int64) string {
	if ms <= 0 {
		return "0s"
	}
	hours := ms / 3_600_000
	rem := ms % 3_600_000
	minutes := rem / 60_000
	rem %= 60_000
	secs := rem / 1000
	millis := rem % 1000

	var b strings.Builder
	if hours > 0 {
		fmt.Fprintf(&b, "%dh", hours)
	}
	if minutes > 0 || hours > 0 {
		fmt.Fprintf(&b, "%dm", minutes)
	}
	if millis > 0 {
		fmt.Fprintf(&b, "%d.%03ds", secs, millis)
	} else {
		fmt.Fprintf(&b, "%ds", secs)
	}
	return b.String()
}
