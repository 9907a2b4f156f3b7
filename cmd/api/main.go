package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/josmartin007/geoattend/internal/attendance"
	"github.com/josmartin007/geoattend/internal/auth"
	"github.com/josmartin007/geoattend/internal/config"
	"github.com/josmartin007/geoattend/internal/directory"
	"github.com/josmartin007/geoattend/internal/httpmiddleware"
	"github.com/josmartin007/geoattend/internal/queue"
	"github.com/josmartin007/geoattend/internal/session"
	"github.com/josmartin007/geoattend/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "geoattend:transitions")
	}

	dir := directory.NewRepository(db.Client)
	records := attendance.NewRepository(db.Client)
	registry := session.NewRegistry()
	engine := session.NewService(registry, dir, dir, records, q, cfg.DedupWindow)

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":        "ok",
			"redis":         redisHealthy,
			"db":            dbHealthy,
			"live_sessions": registry.Len(),
		})
	})

	r.POST("/api/auth/login", func(c *gin.Context) {
		var req struct {
			Username string `json:"username" binding:"required"`
			Password string `json:"password" binding:"required"`
			Role     string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		acct, err := dir.Authenticate(c.Request.Context(), req.Username, req.Password, req.Role)
		if err != nil {
			if errors.Is(err, directory.ErrBadCredentials) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
			return
		}

		tokens, err := auth.Issue(acct.ID, acct.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
			"user":          acct,
		})
	})

	authed := r.Group("/api", auth.RequireAuth(cfg.JWTSigningKey, cfg.JWTIssuer))
	teacher := authed.Group("/teacher", auth.RequireRole("teacher"))
	student := authed.Group("/student", auth.RequireRole("student"))

	teacher.POST("/geo-session/start", func(c *gin.Context) {
		var req struct {
			SubjectID    string `json:"subject_id" binding:"required"`
			ClassID      string `json:"class_id" binding:"required"`
			DepartmentID string `json:"department_id" binding:"required"`
			Semester     string `json:"semester" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		snap, err := engine.Start(c.Request.Context(), auth.FromContext(c).Subject,
			req.SubjectID, req.ClassID, req.DepartmentID, req.Semester)
		if err != nil {
			c.JSON(sessionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"session_id": snap.ID, "session": snap})
	})

	teacher.GET("/geo-session/:sessionId", func(c *gin.Context) {
		snap, err := engine.Snapshot(c.Param("sessionId"), auth.FromContext(c).Subject)
		if err != nil {
			c.JSON(sessionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": snap})
	})

	teacher.POST("/geo-session/mark-manual", func(c *gin.Context) {
		var req struct {
			SessionID string `json:"session_id" binding:"required"`
			StudentID string `json:"student_id" binding:"required"`
			Status    string `json:"status" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		p, err := engine.MarkManual(c.Request.Context(), req.SessionID, req.StudentID,
			session.Status(req.Status), auth.FromContext(c).Subject)
		if err != nil {
			c.JSON(sessionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"student": p})
	})

	teacher.POST("/geo-session/end", func(c *gin.Context) {
		var req struct {
			SessionID string `json:"session_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if err := engine.End(c.Request.Context(), req.SessionID, auth.FromContext(c).Subject); err != nil {
			var storeErr *session.StoreError
			if errors.As(err, &storeErr) {
				// The session is still live; the teacher can retry.
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "retryable": true})
				return
			}
			c.JSON(sessionStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "session ended and attendance saved"})
	})

	teacher.GET("/attendance/records", func(c *gin.Context) {
		var date *time.Time
		if v := c.Query("date"); v != "" {
			parsed, err := time.Parse("2006-01-02", v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
				return
			}
			date = &parsed
		}
		limit, offset := pagination(c)
		rows, err := records.TeacherRecords(c.Request.Context(), auth.FromContext(c).Subject,
			c.Query("subject_id"), date, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": rows})
	})

	student.POST("/geo-checkin", func(c *gin.Context) {
		var req struct {
			Latitude  *float64 `json:"latitude" binding:"required"`
			Longitude *float64 `json:"longitude" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		res, err := engine.Evaluate(c.Request.Context(), auth.FromContext(c).Subject, *req.Latitude, *req.Longitude)
		if err != nil {
			c.JSON(sessionStatus(err), gin.H{"error": err.Error()})
			return
		}

		msg := "No active sessions in range"
		switch {
		case len(res.CheckedIn) > 0:
			msg = "Checked in to " + strconv.Itoa(len(res.CheckedIn)) + " session(s)"
		case len(res.AlreadyMarked) > 0:
			msg = "Attendance already marked"
		}
		c.JSON(http.StatusOK, gin.H{
			"checked_in":     res.CheckedIn,
			"already_marked": res.AlreadyMarked,
			"message":        msg,
		})
	})

	student.GET("/active-sessions", func(c *gin.Context) {
		sessions := engine.ActiveFor(c.Request.Context(), auth.FromContext(c).Subject)
		if sessions == nil {
			sessions = []session.ActiveSession{}
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	})

	student.GET("/attendance/history", func(c *gin.Context) {
		limit, offset := pagination(c)
		rows, err := records.StudentHistory(c.Request.Context(), auth.FromContext(c).Subject, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": rows})
	})

	student.GET("/attendance/subject-wise", func(c *gin.Context) {
		summary, err := records.StudentSubjectSummary(c.Request.Context(), auth.FromContext(c).Subject)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"subjects": summary})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}

	log.Println("server exited")
	return nil
}

// sessionStatus maps engine errors to HTTP statuses.
func sessionStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, session.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func pagination(c *gin.Context) (int, int) {
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	return limit, offset
}

// CORS middleware for browser requests.
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

// Security headers middleware.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
