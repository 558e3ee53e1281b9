package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	qrcode "github.com/skip2/go-qrcode"

	"classtrack/internal/auth"
	"classtrack/internal/clock"
	"classtrack/internal/config"
	"classtrack/internal/face"
	"classtrack/internal/httpmiddleware"
	"classtrack/internal/queue"
	"classtrack/internal/roster"
	"classtrack/internal/session"
	"classtrack/internal/store"
	"classtrack/internal/sweep"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
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

func runHTTP(cfg config.App) error {
	ctx := context.Background()

	redisClient := store.NewRedis(cfg.RedisAddr)
	st, closeStore, err := newStore(ctx, cfg, redisClient)
	if err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	defer closeStore()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "classtrack:finalize")
	}

	matcher := face.NewClient(cfg.FaceServiceURL, cfg.FaceSkip)
	clk := clock.Real{}
	rosterRepo := roster.NewRepo(st)
	sweeper := sweep.New(st, rosterRepo, clk)

	retry := func(ctx context.Context, s *session.Session) {
		msg, err := queue.NewFinalizeMessage(s.Class, s.ID)
		if err != nil {
			log.Printf("finalize retry encode failed: %v", err)
			return
		}
		if err := q.Publish(ctx, msg); err != nil {
			log.Printf("finalize retry publish failed: %v", err)
		}
	}
	mgr := session.NewManager(st, rosterRepo, matcher, clk, sweeper, retry, session.Config{
		MatchThreshold:      cfg.MatchThreshold,
		FreezeExpiryOnPause: cfg.FreezeExpiryOnPause,
		GuardActiveOpen:     true,
	})

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	// CORS middleware
	r.Use(corsMiddleware())

	// Security headers
	r.Use(securityHeaders())

	// Rate limiting
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		status := http.StatusOK
		if cfg.StoreBackend == "redis" && !redisHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "store": cfg.StoreBackend})
	})

	// Dev identity endpoint: a deployment fronts this with a real identity
	// provider, but the core only ever needs the authenticated subject.
	r.POST("/v1/auth/register", func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id" binding:"required"`
			Role   string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.Role != auth.RoleStudent && req.Role != auth.RoleTeacher {
			c.JSON(http.StatusBadRequest, gin.H{"error": "role must be student or teacher"})
			return
		}

		tokens, err := auth.Issue(req.UserID, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))
	teacher := authGroup.Group("", auth.RequireRole(auth.RoleTeacher))
	student := authGroup.Group("", auth.RequireRole(auth.RoleStudent))

	// classRefFromTeacher builds the class reference for teacher routes;
	// the teacher id always comes from the token, never the request.
	classRefFromTeacher := func(c *gin.Context) (roster.ClassRef, bool) {
		dept, err := roster.ParseDepartment(c.Param("department"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return roster.ClassRef{}, false
		}
		return roster.ClassRef{
			TeacherID:  auth.CurrentUserID(c),
			Department: dept,
			ClassID:    c.Param("classId"),
		}, true
	}

	teacher.POST("/classes", func(c *gin.Context) {
		var req struct {
			Department string `json:"department" binding:"required"`
			ClassID    string `json:"class_id" binding:"required"`
			Name       string `json:"name"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		dept, err := roster.ParseDepartment(req.Department)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		class := roster.ClassRef{TeacherID: auth.CurrentUserID(c), Department: dept, ClassID: req.ClassID}
		if err := rosterRepo.CreateClass(c.Request.Context(), class, req.Name, time.Now().UTC()); err != nil {
			if errors.Is(err, roster.ErrClassExists) {
				c.JSON(http.StatusConflict, gin.H{"error": "class already exists"})
				return
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"class": class})
	})

	teacher.POST("/classes/:department/:classId/students", func(c *gin.Context) {
		class, ok := classRefFromTeacher(c)
		if !ok {
			return
		}
		var req struct {
			ID         string    `json:"id" binding:"required"`
			Name       string    `json:"name" binding:"required"`
			Number     string    `json:"number"`
			Descriptor []float32 `json:"face_descriptor"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s := roster.Student{ID: req.ID, Name: req.Name, Number: req.Number, EnrolledAt: time.Now().UTC()}
		if len(req.Descriptor) > 0 {
			d, err := face.ParseDescriptor(req.Descriptor)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			s.Descriptor = &d
		}
		if err := rosterRepo.Enroll(c.Request.Context(), class, s); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"student": s})
	})

	teacher.DELETE("/classes/:department/:classId/students/:studentId", func(c *gin.Context) {
		class, ok := classRefFromTeacher(c)
		if !ok {
			return
		}
		if err := rosterRepo.Remove(c.Request.Context(), class, c.Param("studentId")); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	// Enroll a reference face: descriptor directly, or an image URL the
	// face service turns into one.
	teacher.POST("/classes/:department/:classId/students/:studentId/face", func(c *gin.Context) {
		class, ok := classRefFromTeacher(c)
		if !ok {
			return
		}
		var req struct {
			Descriptor []float32 `json:"face_descriptor"`
			ImageURL   string    `json:"image_url"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var d face.Descriptor
		var err error
		switch {
		case len(req.Descriptor) > 0:
			d, err = face.ParseDescriptor(req.Descriptor)
		case req.ImageURL != "":
			d, err = matcher.Embed(c.Request.Context(), req.ImageURL)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "face_descriptor or image_url required"})
			return
		}
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		if err := rosterRepo.SetDescriptor(c.Request.Context(), class, c.Param("studentId"), d); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"student_id": c.Param("studentId"), "face_enrolled": true})
	})

	teacher.POST("/classes/:department/:classId/sessions", func(c *gin.Context) {
		class, ok := classRefFromTeacher(c)
		if !ok {
			return
		}
		var req struct {
			TimeLimitMinutes int    `json:"time_limit_minutes" binding:"required"`
			GraceMinutes     int    `json:"grace_minutes"`
			Mode             string `json:"mode"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s, err := mgr.Open(c.Request.Context(), class, session.OpenConfig{
			TimeLimitMinutes: req.TimeLimitMinutes,
			GraceMinutes:     req.GraceMinutes,
			Mode:             session.Mode(req.Mode),
		})
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session": s})
	})

	teacher.GET("/classes/:department/:classId/sessions/:sessionId", func(c *gin.Context) {
		class, ok := classRefFromTeacher(c)
		if !ok {
			return
		}
		s, err := mgr.Get(c.Request.Context(), class, c.Param("sessionId"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"session":      s,
			"remaining_ms": s.RemainingMS(time.Now().UnixMilli(), cfg.FreezeExpiryOnPause),
		})
	})

	teacher.GET("/classes/:department/:classId/sessions/:sessionId/attendees", func(c *gin.Context) {
		class, ok := classRefFromTeacher(c)
		if !ok {
			return
		}
		s, err := mgr.Get(c.Request.Context(), class, c.Param("sessionId"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		records, err := mgr.Attendees(c.Request.Context(), s)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"attendees": records})
	})

	// Session QR: encodes the student check-in URL plus the session token.
	teacher.GET("/classes/:department/:classId/sessions/:sessionId/qr", func(c *gin.Context) {
		class, ok := classRefFromTeacher(c)
		if !ok {
			return
		}
		s, err := mgr.Get(c.Request.Context(), class, c.Param("sessionId"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		target := fmt.Sprintf("%s/v1/checkins/%s/%s/%s/%s?token=%s",
			cfg.PublicBaseURL, class.TeacherID, class.Department, class.ClassID, s.ID, s.QRToken)
		png, err := qrcode.Encode(target, qrcode.Medium, 300)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "qr encode failed"})
			return
		}
		c.Data(http.StatusOK, "image/png", png)
	})

	teacher.POST("/classes/:department/:classId/sessions/:sessionId/close", func(c *gin.Context) {
		class, ok := classRefFromTeacher(c)
		if !ok {
			return
		}
		if err := mgr.Close(c.Request.Context(), class, c.Param("sessionId"), session.CloseManual); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"closed": true})
	})

	teacher.POST("/classes/:department/:classId/sessions/:sessionId/pause", func(c *gin.Context) {
		class, ok := classRefFromTeacher(c)
		if !ok {
			return
		}
		s, err := mgr.Pause(c.Request.Context(), class, c.Param("sessionId"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": s})
	})

	teacher.POST("/classes/:department/:classId/sessions/:sessionId/resume", func(c *gin.Context) {
		class, ok := classRefFromTeacher(c)
		if !ok {
			return
		}
		s, err := mgr.Resume(c.Request.Context(), class, c.Param("sessionId"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": s})
	})

	teacher.GET("/classes/:department/:classId/attendance/:date", func(c *gin.Context) {
		class, ok := classRefFromTeacher(c)
		if !ok {
			return
		}
		records, err := mgr.DailyRecords(c.Request.Context(), class, c.Param("date"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"date": c.Param("date"), "records": records})
	})

	// Student check-in. The student id is always the authenticated
	// subject; a QR scan must carry the session token it scanned.
	student.POST("/checkins/:teacherId/:department/:classId/:sessionId", func(c *gin.Context) {
		dept, err := roster.ParseDepartment(c.Param("department"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		class := roster.ClassRef{
			TeacherID:  c.Param("teacherId"),
			Department: dept,
			ClassID:    c.Param("classId"),
		}
		var req struct {
			Method     string    `json:"method"`
			QRToken    string    `json:"qr_token"`
			Descriptor []float32 `json:"face_descriptor"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if req.QRToken == "" {
			req.QRToken = c.Query("token")
		}

		s, err := mgr.Get(c.Request.Context(), class, c.Param("sessionId"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}

		method := session.Method(req.Method)
		if method == "" {
			method = session.MethodQRScan
		}
		if method == session.MethodQRScan && req.QRToken != s.QRToken {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid session token"})
			return
		}

		var probe *face.Descriptor
		if len(req.Descriptor) > 0 {
			d, err := face.ParseDescriptor(req.Descriptor)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			probe = &d
		}

		rec, err := mgr.Admit(c.Request.Context(), class, s.ID, auth.CurrentUserID(c), method, probe)
		if errors.Is(err, session.ErrAlreadyMarked) {
			// Benign duplicate: show the caller their existing record.
			c.JSON(http.StatusOK, gin.H{"record": rec, "already_marked": true})
			return
		}
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"record": rec})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionClosed),
		errors.Is(err, session.ErrActiveSessionExists):
		return http.StatusConflict
	case errors.Is(err, session.ErrWindowExpired):
		return http.StatusGone
	case errors.Is(err, session.ErrNotEnrolled),
		errors.Is(err, session.ErrIdentityMismatch),
		errors.Is(err, session.ErrUnknownFace):
		return http.StatusForbidden
	case errors.Is(err, session.ErrStoreUnavailable),
		errors.Is(err, session.ErrMatcherUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
