// Package sweep reconciles the class roster against a closed session's
// attendee set and writes the terminal daily rows.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"classtrack/internal/checkin"
	"classtrack/internal/clock"
	"classtrack/internal/roster"
	"classtrack/internal/session"
	"classtrack/internal/store"
)

var absencesFinalized = promauto.NewCounter(prometheus.CounterOpts{
	Name: "classtrack_absences_finalized_total",
	Help: "Absent rows written at finalization.",
})

// Sweeper writes one daily row per enrolled student when a session closes.
type Sweeper struct {
	st     store.Store
	roster *roster.Repo
	clk    clock.Clock
}

// New creates a sweeper.
func New(st store.Store, rosterRepo *roster.Repo, clk clock.Clock) *Sweeper {
	return &Sweeper{st: st, roster: rosterRepo, clk: clk}
}

// Finalize copies attendee records into daily rows and synthesizes absent
// rows for no-shows. Every write is if-absent, so re-running after a
// partial failure only fills gaps and never re-decides an existing row
// (including a later excused override). The session is marked finalized
// only once every row landed.
func (w *Sweeper) Finalize(ctx context.Context, s *session.Session) error {
	if s.Finalized {
		return nil
	}

	students, err := w.roster.List(ctx, s.Class)
	if err != nil {
		return fmt.Errorf("finalize %s: roster: %w", s.ID, err)
	}

	attendees, err := w.attendees(ctx, s)
	if err != nil {
		return fmt.Errorf("finalize %s: attendees: %w", s.ID, err)
	}

	nowMS := w.clk.Now().UnixMilli()
	var errs []error
	for _, stu := range students {
		var row session.DailyRecord
		if rec, ok := attendees[stu.ID]; ok {
			row = session.DailyRecord{
				StudentID:   rec.StudentID,
				Name:        rec.Name,
				Status:      rec.Status,
				TimestampMS: rec.ScanTimeMS,
				Method:      rec.Method,
				MarkedBy:    session.MarkedByStudent,
			}
		} else {
			row = session.DailyRecord{
				StudentID:   stu.ID,
				Name:        stu.Name,
				Status:      checkin.StatusAbsent,
				TimestampMS: nowMS,
				MarkedBy:    session.MarkedBySystem,
			}
		}

		written, err := w.st.WriteIfAbsent(ctx, session.DailyPath(s.Class, s.Date, stu.ID), row)
		if err != nil {
			// Keep sweeping; rows already written must survive a partial
			// failure and the caller can re-invoke.
			errs = append(errs, fmt.Errorf("student %s: %w", stu.ID, err))
			continue
		}
		if written && row.Status == checkin.StatusAbsent {
			absencesFinalized.Inc()
		}
	}
	if len(errs) > 0 {
		log.Printf("finalize %s: %d of %d rows failed", s.ID, len(errs), len(students))
		return errors.Join(errs...)
	}

	s.Finalized = true
	return w.st.Write(ctx, s.Path(), s)
}

// attendees loads the session's attendee records keyed by student id.
func (w *Sweeper) attendees(ctx context.Context, s *session.Session) (map[string]session.AttendeeRecord, error) {
	paths, err := w.st.List(ctx, s.AttendeesPrefix())
	if err != nil {
		return nil, err
	}
	out := make(map[string]session.AttendeeRecord, len(paths))
	for _, p := range paths {
		var rec session.AttendeeRecord
		found, err := w.st.ReadAt(ctx, p, &rec)
		if err != nil {
			return nil, err
		}
		if found {
			out[rec.StudentID] = rec
		}
	}
	return out, nil
}
