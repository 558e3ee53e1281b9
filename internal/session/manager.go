package session

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"classtrack/internal/checkin"
	"classtrack/internal/clock"
	"classtrack/internal/face"
	"classtrack/internal/roster"
	"classtrack/internal/store"
)

// DefaultMatchThreshold is the maximum descriptor distance accepted as the
// same person.
const DefaultMatchThreshold = 0.58

// Finalizer reconciles roster vs. attendees at session close. Implemented
// by the sweep package; an interface here keeps the dependency one-way.
type Finalizer interface {
	Finalize(ctx context.Context, s *Session) error
}

// RetryFunc schedules a finalization retry when the synchronous sweep
// fails partway. The sweep is idempotent, so re-running only fills gaps.
type RetryFunc func(ctx context.Context, s *Session)

// Config tunes the manager's policy knobs.
type Config struct {
	// MatchThreshold is the maximum face-descriptor distance accepted.
	MatchThreshold float64
	// FreezeExpiryOnPause stops the expiry clock while a session is
	// paused. Off by default: expiry follows the wall clock.
	FreezeExpiryOnPause bool
	// GuardActiveOpen rejects opening a second active session per class.
	GuardActiveOpen bool
}

// Manager owns the session state machine: open, admit, pause, close. It
// holds no in-process locks; correctness under concurrent admissions comes
// from the store's conditional writes.
type Manager struct {
	st      store.Store
	roster  *roster.Repo
	matcher face.Matcher
	clk     clock.Clock
	cfg     Config
	final   Finalizer
	retry   RetryFunc
}

// NewManager wires a manager. retry may be nil when no retry channel
// exists (finalization errors are then only logged).
func NewManager(st store.Store, rosterRepo *roster.Repo, matcher face.Matcher, clk clock.Clock, final Finalizer, retry RetryFunc, cfg Config) *Manager {
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = DefaultMatchThreshold
	}
	return &Manager{
		st:      st,
		roster:  rosterRepo,
		matcher: matcher,
		clk:     clk,
		cfg:     cfg,
		final:   final,
		retry:   retry,
	}
}

// OpenConfig is the per-session tuning a teacher supplies.
type OpenConfig struct {
	TimeLimitMinutes int
	GraceMinutes     int
	Mode             Mode
}

// Open creates a new active session for the class and registers its
// calendar date.
func (m *Manager) Open(ctx context.Context, class roster.ClassRef, cfg OpenConfig) (*Session, error) {
	if cfg.TimeLimitMinutes < 1 || cfg.GraceMinutes < 0 {
		return nil, fmt.Errorf("%w: time limit %d, grace %d", ErrInvalidConfig, cfg.TimeLimitMinutes, cfg.GraceMinutes)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAutomatic
	}
	if cfg.Mode != ModeAutomatic && cfg.Mode != ModeFaceRecognition {
		return nil, fmt.Errorf("%w: mode %q", ErrInvalidConfig, cfg.Mode)
	}

	now := m.clk.Now()
	s := &Session{
		Class:            class,
		ID:               uuid.NewString(),
		StartTimeMS:      now.UnixMilli(),
		TimeLimitMinutes: cfg.TimeLimitMinutes,
		GraceMinutes:     cfg.GraceMinutes,
		Mode:             cfg.Mode,
		Active:           true,
		Date:             now.Format("2006-01-02"),
		QRToken:          uuid.NewString(),
	}

	if m.cfg.GuardActiveOpen {
		if err := m.claimCurrent(ctx, class, s.ID); err != nil {
			return nil, err
		}
	}

	written, err := m.st.WriteIfAbsent(ctx, s.Path(), s)
	if err != nil {
		return nil, err
	}
	if !written {
		return nil, fmt.Errorf("session id collision at %s", s.Path())
	}

	// Idempotent date registration; a second session on the same day is a
	// no-op here.
	if _, err := m.st.WriteIfAbsent(ctx, DatePath(class, s.Date), s.Date); err != nil {
		return nil, err
	}

	sessionsOpened.Inc()
	return s, nil
}

// claimCurrent takes the per-class active pointer, stealing it only from a
// closed or expired session.
func (m *Manager) claimCurrent(ctx context.Context, class roster.ClassRef, sessionID string) error {
	ptr := currentPointer{SessionID: sessionID}
	written, err := m.st.WriteIfAbsent(ctx, CurrentPath(class), ptr)
	if err != nil {
		return err
	}
	if written {
		return nil
	}

	var existing currentPointer
	if _, err := m.st.ReadAt(ctx, CurrentPath(class), &existing); err != nil {
		return err
	}
	if existing.SessionID != "" {
		prev, err := m.Get(ctx, class, existing.SessionID)
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			return err
		}
		if prev != nil && prev.Active && !prev.Expired(m.clk.Now().UnixMilli(), m.cfg.FreezeExpiryOnPause) {
			return ErrActiveSessionExists
		}
	}
	return m.st.Write(ctx, CurrentPath(class), ptr)
}

// Get reads a session document.
func (m *Manager) Get(ctx context.Context, class roster.ClassRef, sessionID string) (*Session, error) {
	var s Session
	found, err := m.st.ReadAt(ctx, SessionPath(class, sessionID), &s)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

// Current returns the class's active session, or nil when none is open.
func (m *Manager) Current(ctx context.Context, class roster.ClassRef) (*Session, error) {
	var ptr currentPointer
	found, err := m.st.ReadAt(ctx, CurrentPath(class), &ptr)
	if err != nil {
		return nil, err
	}
	if !found || ptr.SessionID == "" {
		return nil, nil
	}
	s, err := m.Get(ctx, class, ptr.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	return s, err
}

// Admit runs the admission decision for one student. Preconditions are
// checked in order; the first failure wins. On ErrAlreadyMarked the
// existing record is returned so callers can show it instead of a failure.
func (m *Manager) Admit(ctx context.Context, class roster.ClassRef, sessionID, studentID string, method Method, probe *face.Descriptor) (*AttendeeRecord, error) {
	s, err := m.Get(ctx, class, sessionID)
	if err != nil {
		return nil, err
	}

	if !s.Active {
		rejections.WithLabelValues("session_closed").Inc()
		return nil, ErrSessionClosed
	}

	nowMS := m.clk.Now().UnixMilli()
	if s.Expired(nowMS, m.cfg.FreezeExpiryOnPause) {
		// A check-in past the grace window is also evidence the window
		// should already be closed; transition lazily.
		if cerr := m.Close(ctx, class, sessionID, CloseExpired); cerr != nil {
			log.Printf("lazy close of expired session %s failed: %v", sessionID, cerr)
		}
		rejections.WithLabelValues("window_expired").Inc()
		return nil, ErrWindowExpired
	}

	student, err := m.roster.Get(ctx, class, studentID)
	if err != nil {
		return nil, err
	}
	if student == nil {
		rejections.WithLabelValues("not_enrolled").Inc()
		return nil, ErrNotEnrolled
	}

	// Cheap read first so error ordering holds; the conditional write
	// below stays the authoritative guard.
	var existing AttendeeRecord
	var existingRef *AttendeeRecord
	if found, err := m.st.ReadAt(ctx, s.AttendeePath(studentID), &existing); err != nil {
		return nil, err
	} else if found {
		existingRef = &existing
	}
	if checkin.IsDuplicate(existingRef) {
		rejections.WithLabelValues("already_marked").Inc()
		return existingRef, ErrAlreadyMarked
	}

	rec := AttendeeRecord{
		StudentID:  studentID,
		Name:       student.Name,
		Number:     student.Number,
		ScanTimeMS: nowMS,
		Status:     checkin.Classify(s.StartTimeMS, nowMS, s.TimeLimitMinutes),
		Method:     method,
	}

	if s.Mode == ModeFaceRecognition {
		match, err := m.verifyFace(ctx, class, studentID, probe)
		if err != nil {
			return nil, err
		}
		rec.Method = MethodFace
		rec.FaceVerified = true
		rec.FaceDistance = match.Distance
	}

	written, err := m.st.WriteIfAbsent(ctx, s.AttendeePath(studentID), rec)
	if err != nil {
		return nil, err
	}
	if !written {
		// Lost the race to a concurrent admission for the same student.
		if _, err := m.st.ReadAt(ctx, s.AttendeePath(studentID), &existing); err != nil {
			return nil, err
		}
		rejections.WithLabelValues("already_marked").Inc()
		return &existing, ErrAlreadyMarked
	}

	// Daily row for the admission; write-if-absent so a prior excused (or
	// any finalized) row for this date is never clobbered.
	daily := DailyRecord{
		StudentID:   studentID,
		Name:        student.Name,
		Status:      rec.Status,
		TimestampMS: nowMS,
		Method:      rec.Method,
		MarkedBy:    MarkedByStudent,
	}
	if _, err := m.st.WriteIfAbsent(ctx, DailyPath(class, s.Date, studentID), daily); err != nil {
		return nil, err
	}

	admissions.WithLabelValues(string(rec.Status), string(rec.Method)).Inc()
	return &rec, nil
}

// verifyFace resolves the probe against the enrolled gallery and checks it
// belongs to the authenticated student.
func (m *Manager) verifyFace(ctx context.Context, class roster.ClassRef, studentID string, probe *face.Descriptor) (*face.Match, error) {
	if probe == nil {
		rejections.WithLabelValues("unknown_face").Inc()
		return nil, fmt.Errorf("%w: no probe descriptor", ErrUnknownFace)
	}
	candidates, err := m.roster.Descriptors(ctx, class)
	if err != nil {
		return nil, err
	}
	match, err := m.matcher.BestMatch(ctx, *probe, candidates)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMatcherUnavailable, err)
	}
	if !checkin.KnownFace(match, m.cfg.MatchThreshold) {
		rejections.WithLabelValues("unknown_face").Inc()
		return nil, ErrUnknownFace
	}
	if !checkin.IdentityMatches(match, studentID, m.cfg.MatchThreshold) {
		rejections.WithLabelValues("identity_mismatch").Inc()
		return nil, ErrIdentityMismatch
	}
	return match, nil
}

// Pause freezes the displayed remaining budget. Admissions stay open;
// whether expiry also freezes follows Config.FreezeExpiryOnPause.
func (m *Manager) Pause(ctx context.Context, class roster.ClassRef, sessionID string) (*Session, error) {
	s, err := m.Get(ctx, class, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Active {
		return nil, ErrSessionClosed
	}
	if s.Paused() {
		return s, nil
	}
	nowMS := m.clk.Now().UnixMilli()
	s.PausedRemainingMS = s.RemainingMS(nowMS, m.cfg.FreezeExpiryOnPause)
	s.PausedAtMS = nowMS
	if err := m.st.Write(ctx, s.Path(), s); err != nil {
		return nil, err
	}
	return s, nil
}

// Resume unfreezes a paused session.
func (m *Manager) Resume(ctx context.Context, class roster.ClassRef, sessionID string) (*Session, error) {
	s, err := m.Get(ctx, class, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Active {
		return nil, ErrSessionClosed
	}
	if !s.Paused() {
		return s, nil
	}
	nowMS := m.clk.Now().UnixMilli()
	s.PausedTotalMS += nowMS - s.PausedAtMS
	s.PausedAtMS = 0
	s.PausedRemainingMS = 0
	if err := m.st.Write(ctx, s.Path(), s); err != nil {
		return nil, err
	}
	return s, nil
}

// Close deactivates the session and runs finalization. Idempotent: a second
// close (late admit racing the expiry watcher) is a no-op.
func (m *Manager) Close(ctx context.Context, class roster.ClassRef, sessionID string, reason CloseReason) error {
	s, err := m.Get(ctx, class, sessionID)
	if err != nil {
		return err
	}
	if !s.Active {
		return nil
	}

	s.Active = false
	s.EndedAtMS = m.clk.Now().UnixMilli()
	s.EndReason = reason
	if err := m.st.Write(ctx, s.Path(), s); err != nil {
		return err
	}
	if err := m.st.Delete(ctx, CurrentPath(class)); err != nil {
		log.Printf("clearing current pointer for %s failed: %v", class, err)
	}
	sessionsClosed.WithLabelValues(string(reason)).Inc()

	if err := m.final.Finalize(ctx, s); err != nil {
		log.Printf("finalization of session %s incomplete: %v", sessionID, err)
		if m.retry != nil {
			m.retry(ctx, s)
		}
	}
	return nil
}

// Attendees returns every attendee record of a session.
func (m *Manager) Attendees(ctx context.Context, s *Session) ([]AttendeeRecord, error) {
	paths, err := m.st.List(ctx, s.AttendeesPrefix())
	if err != nil {
		return nil, err
	}
	records := make([]AttendeeRecord, 0, len(paths))
	for _, p := range paths {
		var rec AttendeeRecord
		found, err := m.st.ReadAt(ctx, p, &rec)
		if err != nil {
			return nil, err
		}
		if found {
			records = append(records, rec)
		}
	}
	return records, nil
}

// DailyRecords returns the finalized rows of a class for one date.
func (m *Manager) DailyRecords(ctx context.Context, class roster.ClassRef, date string) ([]DailyRecord, error) {
	paths, err := m.st.List(ctx, DailyPrefix(class, date))
	if err != nil {
		return nil, err
	}
	records := make([]DailyRecord, 0, len(paths))
	for _, p := range paths {
		var rec DailyRecord
		found, err := m.st.ReadAt(ctx, p, &rec)
		if err != nil {
			return nil, err
		}
		if found {
			records = append(records, rec)
		}
	}
	return records, nil
}
