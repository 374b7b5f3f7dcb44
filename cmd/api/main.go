package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"schooladmin/internal/apperr"
	"schooladmin/internal/attendance"
	"schooladmin/internal/auth"
	"schooladmin/internal/config"
	"schooladmin/internal/consent"
	"schooladmin/internal/httpmiddleware"
	"schooladmin/internal/logging"
	"schooladmin/internal/queue"
	"schooladmin/internal/school"
	"schooladmin/internal/store"
)

var (
	attendanceSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_submissions_total",
		Help: "Attendance submissions by outcome.",
	}, []string{"outcome"})
	consentDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consent_decisions_total",
		Help: "Consent decisions by value.",
	}, []string{"decision"})
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.Env)

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		logging.Log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logging.Log.Warnf("db not reachable: %v", err)
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
		q = queue.NewRedisQueue(redisClient.Client, "schooladmin:invites")
	}

	schoolRepo := school.NewRepository(db.Client)
	roster := school.NewRosterResolver(schoolRepo, redisClient.Client, cfg.RosterCacheTTL)
	attSvc := attendance.NewService(schoolRepo, roster, attendance.NewRepository(db.Client))
	conSvc := consent.NewService(consent.NewRepository(db.Client), schoolRepo, q)

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
		dbHealthy := db.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Token issuance stands in for the external authentication layer:
	// identity and role are asserted, not verified, same as the upstream
	// session service would after a credential check.
	r.POST("/v1/auth/token", func(c *gin.Context) {
		var req struct {
			UserID string `json:"userId" binding:"required"`
			Role   string `json:"role" binding:"required,oneof=teacher parent admin"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindingErr(c, err)
			return
		}
		tokens, err := auth.Issue(req.UserID, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"message": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	r.POST("/v1/auth/activate", func(c *gin.Context) {
		var req struct {
			Token string `json:"token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindingErr(c, err)
			return
		}
		g, err := schoolRepo.ActivateGuardian(c.Request.Context(), req.Token)
		if err != nil {
			writeErr(c, apperr.Internal("activation failed", err))
			return
		}
		if g == nil {
			writeErr(c, apperr.NotFound("invitation not found"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "account activated", "userId": g.ID})
	})

	authGroup := r.Group("/v1", auth.UserAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	authGroup.POST("/attendance", auth.Require(auth.OpRecordAttendance), func(c *gin.Context) {
		var req struct {
			ClassID string             `json:"classId"`
			Date    string             `json:"date"`
			Records []attendance.Entry `json:"records"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindingErr(c, err)
			return
		}
		claims, _ := auth.ClaimsFrom(c)
		rec, err := attSvc.Record(c.Request.Context(), attendance.Submission{
			ClassID:       req.ClassID,
			Date:          req.Date,
			SubmitterID:   claims.UserID,
			SubmitterRole: claims.Role,
			Records:       req.Records,
		})
		if err != nil {
			attendanceSubmissions.WithLabelValues("rejected").Inc()
			writeErr(c, err)
			return
		}
		attendanceSubmissions.WithLabelValues("recorded").Inc()
		c.JSON(http.StatusOK, gin.H{"message": "Attendance recorded successfully", "attendance": rec})
	})

	authGroup.GET("/attendance", auth.Require(auth.OpViewAttendance), func(c *gin.Context) {
		rec, err := attSvc.Get(c.Request.Context(), c.Query("classId"), c.Query("date"))
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"attendance": rec})
	})

	authGroup.POST("/consent", auth.Require(auth.OpCreateConsent), func(c *gin.Context) {
		var req struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			SessionID   string `json:"sessionId"`
			ClassID     string `json:"classId"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindingErr(c, err)
			return
		}
		result, err := conSvc.CreateRequest(c.Request.Context(), consent.CreateInput{
			Title:       req.Title,
			Description: req.Description,
			SessionID:   req.SessionID,
			ClassID:     req.ClassID,
		})
		if err != nil {
			writeErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"message":       "Consent request created successfully",
			"consentId":     result.Request.ID,
			"responseCount": result.ResponseCount,
		})
	})

	authGroup.GET("/consent", auth.Require(auth.OpListConsents), func(c *gin.Context) {
		claims, _ := auth.ClaimsFrom(c)
		views, err := conSvc.ListForGuardian(c.Request.Context(), claims.UserID)
		if err != nil {
			writeErr(c, err)
			return
		}
		if views == nil {
			views = []consent.GuardianView{}
		}
		c.JSON(http.StatusOK, views)
	})

	authGroup.POST("/consent/respond", auth.Require(auth.OpRespondConsent), func(c *gin.Context) {
		var req struct {
			ConsentResponseID string `json:"consentResponseId"`
			Status            string `json:"status"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindingErr(c, err)
			return
		}
		claims, _ := auth.ClaimsFrom(c)
		n, err := conSvc.Respond(c.Request.Context(), claims.UserID, req.ConsentResponseID, req.Status)
		if err != nil {
			writeErr(c, err)
			return
		}
		consentDecisions.WithLabelValues(req.Status).Inc()
		c.JSON(http.StatusOK, gin.H{
			"message":      "Consent " + req.Status + " successfully",
			"updatedCount": n,
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logging.Log.Infof("starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Log.Warnf("server forced shutdown: %v", err)
	}

	logging.Log.Info("server exited")
	return nil
}

// writeErr maps an application error onto the response.
func writeErr(c *gin.Context, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		logging.Log.WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"message": "server error"})
		return
	}
	body := gin.H{"message": err.Error()}
	if fields := apperr.FieldsOf(err); len(fields) > 0 {
		body["fields"] = fields
	}
	c.JSON(apperr.HTTPStatus(err), body)
}

// writeBindingErr turns gin binding failures into validation responses,
// surfacing per-field errors when the validator produced them.
func writeBindingErr(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]apperr.FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, apperr.FieldError{Field: fe.Field(), Error: fe.Tag()})
		}
		writeErr(c, apperr.Validation("invalid request body", fields...))
		return
	}
	writeErr(c, apperr.Validation("invalid request body"))
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
