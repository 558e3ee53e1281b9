package session

import (
	"fmt"

	"classtrack/internal/checkin"
	"classtrack/internal/roster"
)

// Mode selects how students prove presence during a session.
type Mode string

const (
	ModeAutomatic       Mode = "automatic"
	ModeFaceRecognition Mode = "faceRecognition"
)

// Method records how an attendee actually checked in.
type Method string

const (
	MethodQRScan Method = "qr_scan"
	MethodFace   Method = "face_recognition"
)

// MarkedBy attributes a daily attendance row to its writer.
type MarkedBy string

const (
	MarkedByStudent MarkedBy = "student"
	MarkedByTeacher MarkedBy = "teacher"
	MarkedBySystem  MarkedBy = "system"
)

// CloseReason distinguishes a teacher stop from window expiry.
type CloseReason string

const (
	CloseManual  CloseReason = "manual"
	CloseExpired CloseReason = "expired"
)

const msPerMinute = 60_000

// Session is a time-boxed attendance-collection window for one class
// meeting. The persisted document is the source of truth; in-memory copies
// are just snapshots.
type Session struct {
	Class roster.ClassRef `json:"class"`
	ID    string          `json:"id"`

	StartTimeMS      int64  `json:"start_time_ms"` // immutable once created
	TimeLimitMinutes int    `json:"time_limit_minutes"`
	GraceMinutes     int    `json:"grace_minutes"`
	Mode             Mode   `json:"mode"`
	Active           bool   `json:"active"`
	Date             string `json:"date"` // calendar date derived from StartTimeMS
	QRToken          string `json:"qr_token"`

	EndedAtMS int64       `json:"ended_at_ms,omitempty"`
	EndReason CloseReason `json:"end_reason,omitempty"`
	Finalized bool        `json:"finalized"`

	// Pause bookkeeping. StartTimeMS never moves; the paused budget is
	// carried separately.
	PausedAtMS        int64 `json:"paused_at_ms,omitempty"`
	PausedRemainingMS int64 `json:"paused_remaining_ms,omitempty"`
	PausedTotalMS     int64 `json:"paused_total_ms,omitempty"`
}

// Paused reports whether the teacher has the timer frozen.
func (s *Session) Paused() bool { return s.PausedAtMS != 0 }

// WindowMS is the total admission window in milliseconds.
func (s *Session) WindowMS() int64 {
	return int64(s.TimeLimitMinutes+s.GraceMinutes) * msPerMinute
}

// Expired reports whether the admission window has elapsed at nowMS.
// freezeOnPause excludes paused time (and an ongoing pause) from the
// elapsed budget.
func (s *Session) Expired(nowMS int64, freezeOnPause bool) bool {
	elapsed := nowMS - s.StartTimeMS
	if freezeOnPause {
		elapsed -= s.PausedTotalMS
		if s.Paused() {
			elapsed -= nowMS - s.PausedAtMS
		}
	}
	return elapsed > s.WindowMS()
}

// RemainingMS is the display budget left at nowMS. While paused it is the
// frozen value.
func (s *Session) RemainingMS(nowMS int64, freezeOnPause bool) int64 {
	if s.Paused() {
		return s.PausedRemainingMS
	}
	elapsed := nowMS - s.StartTimeMS
	if freezeOnPause {
		elapsed -= s.PausedTotalMS
	}
	remaining := s.WindowMS() - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Path addresses the session document.
func (s *Session) Path() string {
	return SessionPath(s.Class, s.ID)
}

// AttendeePath addresses one attendee record.
func (s *Session) AttendeePath(studentID string) string {
	return s.Path() + "/attendees/" + studentID
}

// AttendeesPrefix addresses all attendee records of the session.
func (s *Session) AttendeesPrefix() string {
	return s.Path() + "/attendees/"
}

// SessionPath addresses a session document by class and id.
func SessionPath(class roster.ClassRef, sessionID string) string {
	return fmt.Sprintf("sessions/%s/%s", class, sessionID)
}

// CurrentPath addresses the active-session pointer of a class.
func CurrentPath(class roster.ClassRef) string {
	return fmt.Sprintf("sessions/%s/current", class)
}

// DailyPath addresses one daily attendance row.
func DailyPath(class roster.ClassRef, date, studentID string) string {
	return fmt.Sprintf("dailyAttendance/%s/%s/%s", class, date, studentID)
}

// DailyPrefix addresses all daily rows of a class on a date.
func DailyPrefix(class roster.ClassRef, date string) string {
	return fmt.Sprintf("dailyAttendance/%s/%s/", class, date)
}

// DatePath addresses the known-dates registry entry for a date.
func DatePath(class roster.ClassRef, date string) string {
	return fmt.Sprintf("dailyAttendance/%s/dates/%s", class, date)
}

// AttendeeRecord is written once per student per session at admission time
// and never mutated.
type AttendeeRecord struct {
	StudentID  string         `json:"student_id"`
	Name       string         `json:"name"`
	Number     string         `json:"number"`
	ScanTimeMS int64          `json:"scan_time_ms"`
	Status     checkin.Status `json:"status"`
	Method     Method         `json:"method"`

	FaceVerified bool    `json:"face_verified,omitempty"`
	FaceDistance float64 `json:"face_distance,omitempty"`
}

// DailyRecord is the durable per-date outcome, one per student per class
// per date.
type DailyRecord struct {
	StudentID   string         `json:"student_id"`
	Name        string         `json:"name,omitempty"`
	Status      checkin.Status `json:"status"`
	TimestampMS int64          `json:"timestamp_ms"`
	Method      Method         `json:"method,omitempty"`
	MarkedBy    MarkedBy       `json:"marked_by"`
}

// currentPointer is the concurrent-open guard document.
type currentPointer struct {
	SessionID string `json:"session_id"`
}
