package logging

import "time"

// TimestampLayout renders local times in console logs and the events table.
// Milliseconds keep a coldplug burst readable in order.
const TimestampLayout = "2006-01-02 15:04:05.000"

// FormatTimestamp renders ts in local time. The zero time renders as "".
func FormatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.In(time.Local).Format(TimestampLayout)
}
