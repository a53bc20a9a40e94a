// Package deadline provides deadline math and the polling scheduler that
// drives warning and expiry transitions for verification sessions.
package deadline

import "time"

// Urgency classifies how much time remains before a deadline.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"   // more than 72h
	UrgencyUrgent   Urgency = "urgent"   // more than 24h
	UrgencyCritical Urgency = "critical" // 24h or less
	UrgencyOverdue  Urgency = "overdue"  // deadline passed
)

// WarningThresholds are the hours-remaining marks at which a reminder is
// sent, largest first. Each fires at most once per session.
var WarningThresholds = []int{72, 24, 1}

// HoursRemaining returns the fractional hours until the deadline.
// Negative once the deadline has passed.
func HoursRemaining(deadline, now time.Time) float64 {
	return deadline.Sub(now).Hours()
}

// UrgencyLevel classifies the remaining time.
func UrgencyLevel(deadline, now time.Time) Urgency {
	h := HoursRemaining(deadline, now)
	switch {
	case h <= 0:
		return UrgencyOverdue
	case h <= 24:
		return UrgencyCritical
	case h <= 72:
		return UrgencyUrgent
	default:
		return UrgencyNormal
	}
}

// Expired reports whether the deadline has passed.
func Expired(deadline, now time.Time) bool {
	return HoursRemaining(deadline, now) <= 0
}

// PendingWarnings returns the thresholds that have been crossed but not
// yet sent, largest first. A threshold is crossed when hours remaining is
// at or below it; thresholds already in sent never reappear, so a caller
// that persists its sends gets fire-once semantics across polls.
func PendingWarnings(deadline, now time.Time, sent []int) []int {
	h := HoursRemaining(deadline, now)
	if h <= 0 {
		// Past the deadline the expiry path takes over; stale warnings
		// would only confuse.
		return nil
	}
	var pending []int
	for _, threshold := range WarningThresholds {
		if h > float64(threshold) {
			continue
		}
		if containsInt(sent, threshold) {
			continue
		}
		pending = append(pending, threshold)
	}
	return pending
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
