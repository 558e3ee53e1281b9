// Package checkin holds the pure decision functions behind admission:
// time-window classification and biometric identity checks. No side effects,
// no store access, so every boundary is trivially testable.
package checkin

import "classtrack/internal/face"

const msPerMinute = 60_000

// Status is an attendance outcome.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
	StatusExcused Status = "excused"
)

// Classify buckets a check-in by elapsed time since session start. Exactly
// at the on-time limit still counts as present.
func Classify(startMS, nowMS int64, timeLimitMinutes int) Status {
	if nowMS-startMS <= int64(timeLimitMinutes)*msPerMinute {
		return StatusPresent
	}
	return StatusLate
}

// WithinWindow reports whether a check-in at nowMS is still inside the
// total window (on-time limit plus grace).
func WithinWindow(startMS, nowMS int64, timeLimitMinutes, graceMinutes int) bool {
	return nowMS-startMS <= int64(timeLimitMinutes+graceMinutes)*msPerMinute
}

// IsDuplicate reports whether an attendee record already exists.
func IsDuplicate[R any](existing *R) bool {
	return existing != nil
}

// KnownFace reports whether the best match is close enough to count as a
// recognized face at all. A minimum distance above the threshold is "no
// match", never a forced best guess.
func KnownFace(m *face.Match, threshold float64) bool {
	return m != nil && m.Distance <= threshold
}

// IdentityMatches reports whether the recognized face belongs to the
// authenticated student. Guards against one student holding up another's
// photo.
func IdentityMatches(m *face.Match, expectedID string, threshold float64) bool {
	return KnownFace(m, threshold) && m.StudentID == expectedID
}
