package encounter

import (
	"math"
	"time"
)

// UnixTime converts a unix timestamp in seconds (fractions allowed) to a
// time. Values above 1e12 are taken as milliseconds.
func UnixTime(v float64) (time.Time, error) {
	if v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return time.Time{}, Malformed("timestamp %v", v)
	}
	if v > 1e12 {
		return time.UnixMilli(int64(v)), nil
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)), nil
}
