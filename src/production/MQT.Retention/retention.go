// Package retention implements the sliding time-window policy applied to
// every device's reading history.
package retention

import (
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models"
)

// Cutoff is the instant at or before which readings are purged
func Cutoff(now time.Time, window time.Duration) time.Time {
	return now.Add(-window)
}

// Filter returns the readings with timestamp strictly after now-window, in
// their original order. The input slice is never modified.
func Filter(readings []mqtmodels.Reading, now time.Time, window time.Duration) []mqtmodels.Reading {
	cutoff := Cutoff(now, window)
	kept := make([]mqtmodels.Reading, 0, len(readings))
	for _, r := range readings {
		if r.Timestamp.After(cutoff) {
			kept = append(kept, r)
		}
	}
	return kept
}

// Expired counts the readings Filter would drop
func Expired(readings []mqtmodels.Reading, now time.Time, window time.Duration) int {
	cutoff := Cutoff(now, window)
	n := 0
	for _, r := range readings {
		if !r.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}
