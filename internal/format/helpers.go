package format

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Count renders n with thousands separators, e.g. 1,234,567.
func Count(n int64) string { return humanize.Comma(n) }

// Weight renders a weight of 10000 or more with an SI prefix, e.g. "12.3 M".
func Weight(w uint64) string {
	if w < 10000 {
		return fmt.Sprintf("%d", w)
	}
	return humanize.SIWithDigits(float64(w), 1, "")
}

// Elapsed formats a duration as "Xm Ys", "Ys" or "Nms" below one second.
func Elapsed(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	s := int(d.Seconds())
	if s >= 60 {
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	}
	return fmt.Sprintf("%ds", s)
}

// Hex renders an address.
func Hex(a uint64) string { return fmt.Sprintf("%#x", a) }

// Mark returns "✓" for true and "✗" for false.
func Mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}
