package utils

import (
	"fmt"
	"time"
)

// Now is swapped in tests that need a fixed clock.
var Now = time.Now

// IsExpired reports whether ts is more than ttl in the past.
func IsExpired(ts time.Time, ttl time.Duration) bool {
	return Now().Sub(ts) > ttl
}

// FormatDuration renders short durations for log lines: 850ms, 2.40s, 3m5s.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
