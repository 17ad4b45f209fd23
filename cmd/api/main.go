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

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/bracket"
	"rollcall/internal/config"
	"rollcall/internal/faceclient"
	"rollcall/internal/geo"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/photostore"
	"rollcall/internal/proximity"
	"rollcall/internal/queue"
	"rollcall/internal/schedule"
	"rollcall/internal/store"
	"rollcall/internal/token"
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
	db, err := store.NewDB(cfg.DatabaseURL, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns)
	if err != nil {
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "rollcall:sweep")
	}

	loc := cfg.Location()

	repo := attendance.NewRepository(db.Client)
	brackets := bracket.NewRepository(db.Client)
	tokens := token.NewManager(
		token.NewRepository(db.Client),
		token.NewRedisPointer(redisClient.Client),
		cfg.TokenBufferMinutes,
		cfg.TokenFallbackWindow,
	)
	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	svc := attendance.NewService(repo, tokens, brackets, face, loc)

	if err := brackets.Seed(context.Background()); err != nil {
		log.Printf("warning: bracket seed failed: %v", err)
	}

	// Photo store (nil when not configured)
	var photos *photostore.Client
	if cfg.CloudinaryCloudName != "" && cfg.CloudinaryAPIKey != "" && cfg.CloudinaryAPISecret != "" {
		photos = photostore.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		log.Println("photo store configured:", cfg.CloudinaryCloudName)
	} else {
		log.Println("photo store not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}

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
		dbHealthy := db != nil
		// Face degradation is reported but never fails health: QR
		// check-ins keep working without the comparator.
		faceHealthy := face.Health(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy, "face": faceHealthy})
	})

	// Identity lives outside the engine; login just stamps a principal
	// into a signed pair so marked_by/issuer fields have something real.
	r.POST("/v1/auth/login", func(c *gin.Context) {
		var req struct {
			PersonID string `json:"person_id" binding:"required"`
			Role     string `json:"role" binding:"required,oneof=teacher student admin"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		pair, err := auth.Issue(req.PersonID, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		_ = repo.SaveRefreshToken(c.Request.Context(), req.PersonID, pair.RefreshToken, pair.RefreshExp)

		c.JSON(http.StatusCreated, gin.H{
			"access_token":  pair.AccessToken,
			"refresh_token": pair.RefreshToken,
			"expires_at":    pair.AccessExp.Unix(),
		})
	})

	authed := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer))
	hosts := authed.Group("", auth.RequireRole(auth.RoleTeacher, auth.RoleAdmin))

	// --- check-in tokens ---

	hosts.POST("/tokens", func(c *gin.Context) {
		var req struct {
			SessionID string `json:"session_id" binding:"required"`
			Date      string `json:"date" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		date, err := parseDate(req.Date, loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}

		sess, err := repo.GetSession(c.Request.Context(), req.SessionID)
		if err != nil {
			writeError(c, err)
			return
		}

		claims, _ := auth.FromContext(c)
		t, err := tokens.Issue(c.Request.Context(), sess, date, claims.Subject)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"token": t.Value, "expires_at": t.ExpiresAt})
	})

	hosts.GET("/tokens/current", func(c *gin.Context) {
		date, err := parseDate(c.Query("date"), loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		value, err := tokens.Current(c.Request.Context(), c.Query("session_id"), date)
		if err != nil {
			writeError(c, err)
			return
		}
		if value == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "no current token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": value})
	})

	hosts.DELETE("/tokens/:value", func(c *gin.Context) {
		if err := tokens.Invalidate(c.Request.Context(), c.Param("value")); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	// --- check-ins ---

	authed.POST("/checkins", func(c *gin.Context) {
		var req struct {
			Token          string     `json:"token" binding:"required"`
			Coordinates    *geo.Point `json:"coordinates"`
			AccuracyMeters *float64   `json:"accuracy_meters"`
			Method         string     `json:"method"`
			PhotoData      string     `json:"photo_data"` // base64 data URL
			PhotoURL       string     `json:"photo_url"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		claims, _ := auth.FromContext(c)

		method := attendance.MethodTokenQR
		if req.Method == string(attendance.MethodTokenPhoto) {
			method = attendance.MethodTokenPhoto
		}

		photoURL := req.PhotoURL
		if method == attendance.MethodTokenPhoto && req.PhotoData != "" {
			if photos == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "photo storage not configured"})
				return
			}
			up, err := photos.UploadBase64(req.PhotoData)
			if err != nil {
				log.Printf("photo upload failed: %v", err)
				c.JSON(http.StatusBadGateway, gin.H{"error": "photo upload failed"})
				return
			}
			photoURL = up.SecureURL
		}

		res, err := svc.CheckIn(c.Request.Context(), attendance.CheckInRequest{
			Token:          req.Token,
			StudentID:      claims.Subject,
			Coordinates:    req.Coordinates,
			AccuracyMeters: req.AccuracyMeters,
			Method:         method,
			PhotoURL:       photoURL,
		})
		if err != nil {
			writeError(c, err)
			return
		}

		body := gin.H{
			"status":        res.Status,
			"bracket_label": res.BracketLabel,
			"score_weight":  res.ScoreWeight,
		}
		if res.LateMinutes != nil {
			body["late_minutes"] = *res.LateMinutes
		}
		if res.AfterSession {
			body["warning"] = "after-session"
		}
		if res.DistanceMeters != nil {
			body["distance_meters"] = *res.DistanceMeters
		}
		c.JSON(http.StatusOK, body)
	})

	// --- sessions & enrollment admin ---

	hosts.POST("/sessions", func(c *gin.Context) {
		req, ok := bindSession(c, cfg, loc)
		if !ok {
			return
		}
		claims, _ := auth.FromContext(c)
		req.TeacherID = claims.Subject
		sess, err := repo.CreateSession(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, sess)
	})

	hosts.PUT("/sessions/:id", func(c *gin.Context) {
		req, ok := bindSession(c, cfg, loc)
		if !ok {
			return
		}
		req.ID = c.Param("id")
		if err := repo.UpdateSession(c.Request.Context(), req); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	hosts.POST("/sessions/:id/enrollments", func(c *gin.Context) {
		var req struct {
			StudentID string  `json:"student_id" binding:"required"`
			Status    string  `json:"status"`
			CanHost   bool    `json:"can_host"`
			HostDate  *string `json:"host_date"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var hostDate *time.Time
		if req.HostDate != nil {
			d, err := parseDate(*req.HostDate, loc)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "host_date must be YYYY-MM-DD"})
				return
			}
			hostDate = &d
		}
		e, err := repo.UpsertEnrollment(c.Request.Context(), attendance.Enrollment{
			SessionID: c.Param("id"),
			StudentID: req.StudentID,
			Status:    req.Status,
			CanHost:   req.CanHost,
			HostDate:  hostDate,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, e)
	})

	hosts.POST("/sessions/:id/host", func(c *gin.Context) {
		var req struct {
			Date    string `json:"date" binding:"required"`
			Kind    string `json:"kind" binding:"required,oneof=student teacher"`
			HostID  string `json:"host_id" binding:"required"`
			Address string `json:"address"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		date, err := parseDate(req.Date, loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		if err := repo.AssignHost(c.Request.Context(), c.Param("id"), date,
			attendance.HostKind(req.Kind), req.HostID, req.Address); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	authed.PUT("/people/:id/location", func(c *gin.Context) {
		var req struct {
			Address string   `json:"address"`
			Lat     *float64 `json:"lat"`
			Lon     *float64 `json:"lon"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var p *geo.Point
		if req.Lat != nil && req.Lon != nil {
			p = &geo.Point{Lat: *req.Lat, Lon: *req.Lon}
		}
		if err := repo.SetPersonLocation(c.Request.Context(), c.Param("id"), req.Address, p); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	// --- bracket configuration ---

	hosts.PUT("/brackets", func(c *gin.Context) {
		var req struct {
			SessionID *string           `json:"session_id"`
			Brackets  []bracket.Bracket `json:"brackets" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		for i := range req.Brackets {
			req.Brackets[i].SessionID = req.SessionID
		}
		if err := brackets.Replace(c.Request.Context(), req.SessionID, req.Brackets); err != nil {
			// Malformed sets are rejected here, at write time; check-in
			// evaluation never validates.
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	// --- records ---

	hosts.GET("/sessions/:id/records", func(c *gin.Context) {
		var date *time.Time
		if v := c.Query("date"); v != "" {
			d, err := parseDate(v, loc)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
				return
			}
			date = &d
		}
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
		records, err := repo.ListRecords(c.Request.Context(), c.Param("id"), date, limit, offset)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	hosts.POST("/sessions/:id/records", func(c *gin.Context) {
		var req struct {
			EnrollmentID string `json:"enrollment_id" binding:"required"`
			Date         string `json:"date" binding:"required"`
			Status       string `json:"status" binding:"required"`
			LateMinutes  *int   `json:"late_minutes"`
			Method       string `json:"method"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		date, err := parseDate(req.Date, loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		claims, _ := auth.FromContext(c)
		rec, err := svc.MarkManual(c.Request.Context(), req.EnrollmentID, date,
			schedule.Status(req.Status), req.LateMinutes, claims.Subject, attendance.Method(req.Method))
		if err != nil {
			status := http.StatusUnprocessableEntity
			if errors.Is(err, attendance.ErrEnrollmentNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, rec)
	})

	hosts.POST("/sweep", func(c *gin.Context) {
		var req struct {
			Date string `json:"date" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if _, err := parseDate(req.Date, loc); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		if err := q.Publish(c.Request.Context(), queue.Message{Type: "sweep", Body: []byte(req.Date)}); err != nil {
			log.Printf("queue publish failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "sweep enqueue failed"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"date": req.Date})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

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

// bindSession parses the shared session payload. Grace defaults from
// config and is clamped again at the repository; radius defaults to the
// configured value unless proximity is explicitly disabled.
func bindSession(c *gin.Context, cfg config.App, loc *time.Location) (schedule.Session, bool) {
	var req struct {
		Name              string   `json:"name" binding:"required"`
		StartTime         string   `json:"start_time" binding:"required"`
		EndTime           string   `json:"end_time" binding:"required"`
		Weekdays          []int    `json:"weekdays"`
		StartDate         *string  `json:"start_date"`
		EndDate           *string  `json:"end_date"`
		GraceMinutes      *int     `json:"grace_minutes"`
		RadiusMeters      *float64 `json:"radius_meters"`
		ProximityDisabled bool     `json:"proximity_disabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return schedule.Session{}, false
	}

	s := schedule.Session{
		Name:      req.Name,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	}
	for _, d := range req.Weekdays {
		if d < 0 || d > 6 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "weekdays must be 0 (Sunday) to 6"})
			return schedule.Session{}, false
		}
		s.Weekdays = append(s.Weekdays, time.Weekday(d))
	}
	for name, field := range map[string]struct {
		in  *string
		out **time.Time
	}{
		"start_date": {req.StartDate, &s.StartDate},
		"end_date":   {req.EndDate, &s.EndDate},
	} {
		if field.in == nil {
			continue
		}
		d, err := parseDate(*field.in, loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be YYYY-MM-DD"})
			return schedule.Session{}, false
		}
		*field.out = &d
	}

	s.GraceMinutes = cfg.DefaultGraceMinutes
	if req.GraceMinutes != nil {
		s.GraceMinutes = *req.GraceMinutes
	}
	s.GraceMinutes = schedule.ClampGrace(s.GraceMinutes)

	if !req.ProximityDisabled {
		radius := cfg.DefaultRadiusMeters
		if req.RadiusMeters != nil {
			radius = *req.RadiusMeters
		}
		s.RadiusMeters = &radius
	}
	return s, true
}

// writeError maps the engine's typed failures onto HTTP. Every rejection
// names its reason; a storage fault is a retryable 502/500, never silence.
func writeError(c *gin.Context, err error) {
	var tooFar *proximity.TooFarError
	switch {
	case errors.Is(err, token.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "TokenNotFound", "detail": err.Error()})
	case errors.Is(err, token.ErrExpired):
		c.JSON(http.StatusGone, gin.H{"error": "TokenExpired", "detail": err.Error()})
	case errors.Is(err, token.ErrInvalidated):
		c.JSON(http.StatusGone, gin.H{"error": "TokenInvalidated", "detail": err.Error()})
	case errors.Is(err, proximity.ErrLocationRequired):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "LocationRequired", "detail": err.Error()})
	case errors.As(err, &tooFar):
		c.JSON(http.StatusForbidden, gin.H{
			"error":           "TooFarFromHost",
			"detail":          err.Error(),
			"distance_meters": tooFar.DistanceMeters,
		})
	case errors.Is(err, attendance.ErrNotEnrolled):
		c.JSON(http.StatusForbidden, gin.H{"error": "NotEnrolled", "detail": err.Error()})
	case errors.Is(err, attendance.ErrFaceMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": "FaceMismatch", "detail": err.Error()})
	case errors.Is(err, attendance.ErrCanHostRequiresActive):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "CanHostRequiresActive", "detail": err.Error()})
	case errors.Is(err, attendance.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "SessionNotFound", "detail": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal", "detail": err.Error()})
	}
}

func parseDate(v string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", v, loc)
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
