package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"classtrack/internal/clock"
	"classtrack/internal/config"
	"classtrack/internal/face"
	"classtrack/internal/queue"
	"classtrack/internal/roster"
	"classtrack/internal/session"
	"classtrack/internal/store"
	"classtrack/internal/sweep"
)

// Worker closes expired sessions and re-runs failed finalizations. Expiry is
// checked lazily on admission too; this loop is the teacher-facing timer that
// makes sure sessions nobody touches still close.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)
	st, closeStore, err := newStore(ctx, cfg, redisClient)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer closeStore()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "classtrack:finalize")
	}

	clk := clock.Real{}
	rosterRepo := roster.NewRepo(st)
	sweeper := sweep.New(st, rosterRepo, clk)
	matcher := face.NewClient(cfg.FaceServiceURL, cfg.FaceSkip)
	mgr := session.NewManager(st, rosterRepo, matcher, clk, sweeper, nil, session.Config{
		MatchThreshold:      cfg.MatchThreshold,
		FreezeExpiryOnPause: cfg.FreezeExpiryOnPause,
		GuardActiveOpen:     true,
	})

	go watchExpiry(ctx, st, mgr, cfg.SweepInterval, cfg.FreezeExpiryOnPause, clk)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for messages...")
	for msg := range messages {
		if msg.Type != queue.TypeFinalize {
			continue
		}

		job, err := queue.ParseFinalizeJob(msg.Body)
		if err != nil {
			log.Printf("bad finalize job: %v", err)
			continue
		}

		s, err := mgr.Get(ctx, job.Class(), job.SessionID)
		if err != nil {
			log.Printf("fetch session %s failed: %v", job.SessionID, err)
			continue
		}

		if err := sweeper.Finalize(ctx, s); err != nil {
			log.Printf("finalize retry for %s failed: %v", job.SessionID, err)
			// Park it back on the queue after a beat; the sweep is
			// idempotent so over-delivery is harmless.
			time.Sleep(time.Second)
			if rerr := q.Publish(ctx, msg); rerr != nil {
				log.Printf("requeue failed: %v", rerr)
			}
			continue
		}
		log.Printf("session %s finalized", job.SessionID)
	}

	log.Println("worker stopped")
}

func newStore(ctx context.Context, cfg config.App, redisClient *store.Redis) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemory(), func() {}, nil
	case "redis":
		return redisClient, func() {}, nil
	case "postgres":
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	case "firestore":
		fs, err := store.NewFirestore(ctx, cfg.FirestoreProjectID, cfg.FirestoreCredentials)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() { _ = fs.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// watchExpiry scans each class's active-session pointer and closes sessions
// whose window has elapsed. Close is idempotent, so racing a lazy close from
// an admission attempt is fine.
func watchExpiry(ctx context.Context, st store.Store, mgr *session.Manager, interval time.Duration, freezeOnPause bool, clk clock.Clock) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		paths, err := st.List(ctx, "sessions/")
		if err != nil {
			log.Printf("expiry scan failed: %v", err)
			continue
		}
		nowMS := clk.Now().UnixMilli()
		for _, p := range paths {
			class, ok := classFromCurrentPath(p)
			if !ok {
				continue
			}
			s, err := mgr.Current(ctx, class)
			if err != nil {
				log.Printf("read current session for %s failed: %v", class, err)
				continue
			}
			if s == nil || !s.Active || !s.Expired(nowMS, freezeOnPause) {
				continue
			}
			if err := mgr.Close(ctx, class, s.ID, session.CloseExpired); err != nil {
				log.Printf("expiry close of %s failed: %v", s.ID, err)
				continue
			}
			log.Printf("session %s for %s expired and closed", s.ID, class)
		}
	}
}

// classFromCurrentPath parses sessions/{teacher}/{dept}/{class}/current.
func classFromCurrentPath(path string) (roster.ClassRef, bool) {
	parts := strings.Split(path, "/")
	if len(parts) != 5 || parts[0] != "sessions" || parts[4] != "current" {
		return roster.ClassRef{}, false
	}
	dept, err := roster.ParseDepartment(parts[2])
	if err != nil {
		return roster.ClassRef{}, false
	}
	return roster.ClassRef{TeacherID: parts[1], Department: dept, ClassID: parts[3]}, true
}
