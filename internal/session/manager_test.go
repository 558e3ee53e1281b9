package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"classtrack/internal/checkin"
	"classtrack/internal/clock"
	"classtrack/internal/face"
	"classtrack/internal/roster"
	"classtrack/internal/session"
	"classtrack/internal/store"
	"classtrack/internal/sweep"
)

type env struct {
	mgr    *session.Manager
	st     *store.Memory
	clk    *clock.Fake
	class  roster.ClassRef
	roster *roster.Repo
}

func newEnv(t *testing.T, cfg session.Config) *env {
	t.Helper()
	st := store.NewMemory()
	clk := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	repo := roster.NewRepo(st)
	sweeper := sweep.New(st, repo, clk)
	mgr := session.NewManager(st, repo, face.Local{}, clk, sweeper, nil, cfg)

	class := roster.ClassRef{TeacherID: "t1", Department: roster.DeptCSE, ClassID: "cs101"}
	ctx := context.Background()
	if err := repo.CreateClass(ctx, class, "Intro", clk.Now()); err != nil {
		t.Fatalf("create class: %v", err)
	}
	for _, s := range []roster.Student{
		{ID: "alice", Name: "Alice", Number: "001"},
		{ID: "bob", Name: "Bob", Number: "002"},
		{ID: "carol", Name: "Carol", Number: "003"},
	} {
		s.EnrolledAt = clk.Now()
		if err := repo.Enroll(ctx, class, s); err != nil {
			t.Fatalf("enroll %s: %v", s.ID, err)
		}
	}
	return &env{mgr: mgr, st: st, clk: clk, class: class, roster: repo}
}

func defaultEnv(t *testing.T) *env {
	return newEnv(t, session.Config{GuardActiveOpen: true})
}

func (e *env) open(t *testing.T, limit, grace int, mode session.Mode) *session.Session {
	t.Helper()
	s, err := e.mgr.Open(context.Background(), e.class, session.OpenConfig{
		TimeLimitMinutes: limit,
		GraceMinutes:     grace,
		Mode:             mode,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func (e *env) daily(t *testing.T, date string) map[string]session.DailyRecord {
	t.Helper()
	records, err := e.mgr.DailyRecords(context.Background(), e.class, date)
	if err != nil {
		t.Fatalf("daily records: %v", err)
	}
	out := make(map[string]session.DailyRecord, len(records))
	for _, r := range records {
		out[r.StudentID] = r
	}
	return out
}

func TestOpenValidation(t *testing.T) {
	e := defaultEnv(t)
	ctx := context.Background()

	cases := []struct {
		name string
		cfg  session.OpenConfig
	}{
		{"zero time limit", session.OpenConfig{TimeLimitMinutes: 0, GraceMinutes: 5}},
		{"negative grace", session.OpenConfig{TimeLimitMinutes: 10, GraceMinutes: -1}},
		{"bad mode", session.OpenConfig{TimeLimitMinutes: 10, Mode: "retina"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.mgr.Open(ctx, e.class, tc.cfg); !errors.Is(err, session.ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestOpenRegistersDate(t *testing.T) {
	e := defaultEnv(t)
	s := e.open(t, 10, 5, session.ModeAutomatic)

	if s.Date != "2026-03-02" {
		t.Fatalf("session date = %s", s.Date)
	}
	var date string
	found, err := e.st.ReadAt(context.Background(), session.DatePath(e.class, s.Date), &date)
	if err != nil || !found {
		t.Fatalf("date registry entry missing: found=%v err=%v", found, err)
	}
}

func TestOpenGuardsActiveSession(t *testing.T) {
	e := defaultEnv(t)
	ctx := context.Background()
	s := e.open(t, 10, 5, session.ModeAutomatic)

	if _, err := e.mgr.Open(ctx, e.class, session.OpenConfig{TimeLimitMinutes: 10}); !errors.Is(err, session.ErrActiveSessionExists) {
		t.Fatalf("second open err = %v, want ErrActiveSessionExists", err)
	}

	if err := e.mgr.Close(ctx, e.class, s.ID, session.CloseManual); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := e.mgr.Open(ctx, e.class, session.OpenConfig{TimeLimitMinutes: 10}); err != nil {
		t.Fatalf("open after close: %v", err)
	}
}

func TestOpenStealsExpiredPointer(t *testing.T) {
	e := defaultEnv(t)
	e.open(t, 10, 5, session.ModeAutomatic)

	// First session's window elapses without anyone closing it.
	e.clk.Advance(16 * time.Minute)
	if _, err := e.mgr.Open(context.Background(), e.class, session.OpenConfig{TimeLimitMinutes: 10}); err != nil {
		t.Fatalf("open over expired session: %v", err)
	}
}

func TestScenarioPresentLateAbsent(t *testing.T) {
	e := defaultEnv(t)
	ctx := context.Background()
	s := e.open(t, 10, 5, session.ModeAutomatic)

	e.clk.Advance(5 * time.Minute)
	recA, err := e.mgr.Admit(ctx, e.class, s.ID, "alice", session.MethodQRScan, nil)
	if err != nil {
		t.Fatalf("admit alice: %v", err)
	}
	if recA.Status != checkin.StatusPresent {
		t.Fatalf("alice status = %s, want present", recA.Status)
	}

	e.clk.Advance(7 * time.Minute) // T = 12min
	recB, err := e.mgr.Admit(ctx, e.class, s.ID, "bob", session.MethodQRScan, nil)
	if err != nil {
		t.Fatalf("admit bob: %v", err)
	}
	if recB.Status != checkin.StatusLate {
		t.Fatalf("bob status = %s, want late", recB.Status)
	}

	e.clk.Advance(3 * time.Minute) // T = 15min
	if err := e.mgr.Close(ctx, e.class, s.ID, session.CloseManual); err != nil {
		t.Fatalf("close: %v", err)
	}

	daily := e.daily(t, s.Date)
	if len(daily) != 3 {
		t.Fatalf("daily rows = %d, want 3", len(daily))
	}
	if r := daily["alice"]; r.Status != checkin.StatusPresent || r.MarkedBy != session.MarkedByStudent {
		t.Fatalf("alice daily = %+v", r)
	}
	if r := daily["bob"]; r.Status != checkin.StatusLate || r.MarkedBy != session.MarkedByStudent {
		t.Fatalf("bob daily = %+v", r)
	}
	if r := daily["carol"]; r.Status != checkin.StatusAbsent || r.MarkedBy != session.MarkedBySystem {
		t.Fatalf("carol daily = %+v", r)
	}

	closed, err := e.mgr.Get(ctx, e.class, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if closed.Active || !closed.Finalized || closed.EndReason != session.CloseManual {
		t.Fatalf("closed session = %+v", closed)
	}
}

func TestAdmitExactlyAtLimitIsPresent(t *testing.T) {
	e := defaultEnv(t)
	s := e.open(t, 10, 5, session.ModeAutomatic)

	e.clk.Advance(10 * time.Minute)
	rec, err := e.mgr.Admit(context.Background(), e.class, s.ID, "alice", session.MethodQRScan, nil)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if rec.Status != checkin.StatusPresent {
		t.Fatalf("status at boundary = %s, want present", rec.Status)
	}
}

func TestAdmitAfterWindowExpires(t *testing.T) {
	e := defaultEnv(t)
	ctx := context.Background()
	s := e.open(t, 10, 5, session.ModeAutomatic)

	e.clk.Advance(15*time.Minute + time.Millisecond)
	if _, err := e.mgr.Admit(ctx, e.class, s.ID, "alice", session.MethodQRScan, nil); !errors.Is(err, session.ErrWindowExpired) {
		t.Fatalf("err = %v, want ErrWindowExpired", err)
	}

	// The expired admission also closed and finalized the session.
	closed, err := e.mgr.Get(ctx, e.class, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if closed.Active || closed.EndReason != session.CloseExpired {
		t.Fatalf("session after expired admit = %+v", closed)
	}
	daily := e.daily(t, s.Date)
	for _, id := range []string{"alice", "bob", "carol"} {
		if r := daily[id]; r.Status != checkin.StatusAbsent {
			t.Fatalf("%s = %+v, want absent", id, r)
		}
	}

	// Subsequent attempts hit the closed session, not the window check.
	if _, err := e.mgr.Admit(ctx, e.class, s.ID, "bob", session.MethodQRScan, nil); !errors.Is(err, session.ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}

func TestAdmitNotEnrolled(t *testing.T) {
	e := defaultEnv(t)
	s := e.open(t, 10, 5, session.ModeAutomatic)

	if _, err := e.mgr.Admit(context.Background(), e.class, s.ID, "mallory", session.MethodQRScan, nil); !errors.Is(err, session.ErrNotEnrolled) {
		t.Fatalf("err = %v, want ErrNotEnrolled", err)
	}
}

func TestDuplicateAdmitReturnsExistingRecord(t *testing.T) {
	e := defaultEnv(t)
	ctx := context.Background()
	s := e.open(t, 10, 5, session.ModeAutomatic)

	e.clk.Advance(2 * time.Minute)
	first, err := e.mgr.Admit(ctx, e.class, s.ID, "alice", session.MethodQRScan, nil)
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}

	e.clk.Advance(3 * time.Minute)
	second, err := e.mgr.Admit(ctx, e.class, s.ID, "alice", session.MethodQRScan, nil)
	if !errors.Is(err, session.ErrAlreadyMarked) {
		t.Fatalf("err = %v, want ErrAlreadyMarked", err)
	}
	if second == nil || second.ScanTimeMS != first.ScanTimeMS {
		t.Fatalf("duplicate did not return the original record: %+v vs %+v", second, first)
	}
}

func TestConcurrentAdmitSingleWinner(t *testing.T) {
	e := defaultEnv(t)
	ctx := context.Background()
	s := e.open(t, 10, 5, session.ModeAutomatic)
	e.clk.Advance(5 * time.Minute)

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = e.mgr.Admit(ctx, e.class, s.ID, "alice", session.MethodQRScan, nil)
		}(i)
	}
	wg.Wait()

	var wins, dups int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, session.ErrAlreadyMarked):
			dups++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || dups != n-1 {
		t.Fatalf("wins = %d, dups = %d, want 1 and %d", wins, dups, n-1)
	}

	records, err := e.mgr.Attendees(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("attendee records = %d, want 1", len(records))
	}
}

func faceDesc(first float32) *face.Descriptor {
	var d face.Descriptor
	d[0] = first
	return &d
}

func TestFaceRecognitionAdmission(t *testing.T) {
	e := defaultEnv(t)
	ctx := context.Background()

	// alice and bob have reference descriptors; carol does not.
	if err := e.roster.SetDescriptor(ctx, e.class, "alice", *faceDesc(0)); err != nil {
		t.Fatal(err)
	}
	if err := e.roster.SetDescriptor(ctx, e.class, "bob", *faceDesc(5)); err != nil {
		t.Fatal(err)
	}

	s := e.open(t, 10, 5, session.ModeFaceRecognition)
	e.clk.Advance(time.Minute)

	// Probe closest to alice but authenticated as bob: someone holding up
	// another student's photo.
	if _, err := e.mgr.Admit(ctx, e.class, s.ID, "bob", session.MethodFace, faceDesc(0.1)); !errors.Is(err, session.ErrIdentityMismatch) {
		t.Fatalf("err = %v, want ErrIdentityMismatch", err)
	}

	// Probe far from every enrolled face.
	if _, err := e.mgr.Admit(ctx, e.class, s.ID, "alice", session.MethodFace, faceDesc(50)); !errors.Is(err, session.ErrUnknownFace) {
		t.Fatalf("err = %v, want ErrUnknownFace", err)
	}

	// No probe at all.
	if _, err := e.mgr.Admit(ctx, e.class, s.ID, "alice", session.MethodFace, nil); !errors.Is(err, session.ErrUnknownFace) {
		t.Fatalf("err = %v, want ErrUnknownFace", err)
	}

	// Nothing was written for the failures.
	records, err := e.mgr.Attendees(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("records after failed attempts = %d, want 0", len(records))
	}

	rec, err := e.mgr.Admit(ctx, e.class, s.ID, "alice", session.MethodFace, faceDesc(0.1))
	if err != nil {
		t.Fatalf("admit alice: %v", err)
	}
	if !rec.FaceVerified || rec.Method != session.MethodFace {
		t.Fatalf("record = %+v", rec)
	}
	if rec.FaceDistance > 0.58 {
		t.Fatalf("distance %v over threshold", rec.FaceDistance)
	}
}

func TestPauseFreezesDisplayBudget(t *testing.T) {
	e := defaultEnv(t)
	ctx := context.Background()
	s := e.open(t, 10, 5, session.ModeAutomatic)

	e.clk.Advance(4 * time.Minute)
	paused, err := e.mgr.Pause(ctx, e.class, s.ID)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	wantRemaining := int64(11 * 60_000)
	if got := paused.RemainingMS(e.clk.Now().UnixMilli(), false); got != wantRemaining {
		t.Fatalf("remaining at pause = %d, want %d", got, wantRemaining)
	}

	e.clk.Advance(3 * time.Minute)
	if got := paused.RemainingMS(e.clk.Now().UnixMilli(), false); got != wantRemaining {
		t.Fatalf("remaining while paused = %d, want frozen %d", got, wantRemaining)
	}

	// Admissions stay open during pause; classification is wall clock.
	rec, err := e.mgr.Admit(ctx, e.class, s.ID, "alice", session.MethodQRScan, nil)
	if err != nil {
		t.Fatalf("admit during pause: %v", err)
	}
	if rec.Status != checkin.StatusPresent {
		t.Fatalf("status = %s", rec.Status)
	}

	resumed, err := e.mgr.Resume(ctx, e.class, s.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Paused() {
		t.Fatal("still paused after resume")
	}
}

func TestWallClockExpiryRunsThroughPause(t *testing.T) {
	e := defaultEnv(t)
	ctx := context.Background()
	s := e.open(t, 10, 5, session.ModeAutomatic)

	if _, err := e.mgr.Pause(ctx, e.class, s.ID); err != nil {
		t.Fatal(err)
	}
	e.clk.Advance(16 * time.Minute)

	// Default config: the window expired on the wall clock even while
	// paused.
	if _, err := e.mgr.Admit(ctx, e.class, s.ID, "alice", session.MethodQRScan, nil); !errors.Is(err, session.ErrWindowExpired) {
		t.Fatalf("err = %v, want ErrWindowExpired", err)
	}
}

func TestFrozenExpiryDuringPause(t *testing.T) {
	e := newEnv(t, session.Config{GuardActiveOpen: true, FreezeExpiryOnPause: true})
	ctx := context.Background()
	s := e.open(t, 10, 5, session.ModeAutomatic)

	e.clk.Advance(4 * time.Minute)
	if _, err := e.mgr.Pause(ctx, e.class, s.ID); err != nil {
		t.Fatal(err)
	}
	e.clk.Advance(30 * time.Minute)

	// The expiry clock is frozen, so the admission goes through; the
	// classification clock never freezes, so it lands as late.
	rec, err := e.mgr.Admit(ctx, e.class, s.ID, "alice", session.MethodQRScan, nil)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if rec.Status != checkin.StatusLate {
		t.Fatalf("status = %s, want late (classification stays on the wall clock)", rec.Status)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	e := defaultEnv(t)
	ctx := context.Background()
	s := e.open(t, 10, 5, session.ModeAutomatic)

	if err := e.mgr.Close(ctx, e.class, s.ID, session.CloseManual); err != nil {
		t.Fatalf("first close: %v", err)
	}
	closed, err := e.mgr.Get(ctx, e.class, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	endedAt := closed.EndedAtMS

	e.clk.Advance(time.Minute)
	if err := e.mgr.Close(ctx, e.class, s.ID, session.CloseExpired); err != nil {
		t.Fatalf("second close: %v", err)
	}
	again, err := e.mgr.Get(ctx, e.class, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.EndedAtMS != endedAt || again.EndReason != session.CloseManual {
		t.Fatalf("second close mutated the session: %+v", again)
	}
}

func TestExcusedRecordSurvivesFinalization(t *testing.T) {
	e := defaultEnv(t)
	ctx := context.Background()
	s := e.open(t, 10, 5, session.ModeAutomatic)

	// An approval workflow marked carol excused before the session closed.
	excused := session.DailyRecord{
		StudentID:   "carol",
		Status:      checkin.StatusExcused,
		TimestampMS: e.clk.Now().UnixMilli(),
		MarkedBy:    session.MarkedByTeacher,
	}
	if err := e.st.Write(ctx, session.DailyPath(e.class, s.Date, "carol"), excused); err != nil {
		t.Fatal(err)
	}

	if err := e.mgr.Close(ctx, e.class, s.ID, session.CloseManual); err != nil {
		t.Fatal(err)
	}

	daily := e.daily(t, s.Date)
	if r := daily["carol"]; r.Status != checkin.StatusExcused || r.MarkedBy != session.MarkedByTeacher {
		t.Fatalf("finalization clobbered the excused row: %+v", r)
	}
}
