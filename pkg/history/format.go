package history

import (
	"time"

	"github.com/dustin/go-humanize"
)

// HumanBytes formats sizes with binary suffixes.
func HumanBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// GroupedInt formats integers with comma separators.
func GroupedInt(n int) string {
	return humanize.Comma(int64(n))
}

// Ago renders t relative to now for table output.
func Ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

// ShortDuration rounds d for table output.
func ShortDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(100 * time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
