package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/combinado/internal/auth"
	"github.com/mbd888/combinado/internal/httperr"
	"github.com/mbd888/combinado/internal/invitation"
	"github.com/mbd888/combinado/internal/ledger"
	"github.com/mbd888/combinado/internal/logging"
	"github.com/mbd888/combinado/internal/metrics"
	"github.com/mbd888/combinado/internal/order"
	"github.com/mbd888/combinado/internal/preorder"
	"github.com/mbd888/combinado/internal/ratelimit"
	"github.com/mbd888/combinado/internal/security"
	"github.com/mbd888/combinado/internal/validation"
)

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(auth.Middleware(s.cfg.GatewaySecret))

	// Keyed by actor, so it runs after identity is known.
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	}, ratelimit.WithClock(s.clock))
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if actor, ok := auth.ActorFrom(c); ok {
			attrs = append(attrs, "actor", actor.UserID)
		}

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(auth.RequireActor())

	ledgerHandler := ledger.NewHandler(s.ledger)
	orderHandler := order.NewHandler(s.orders)

	ledgerHandler.RegisterProtectedRoutes(v1)
	orderHandler.RegisterProtectedRoutes(v1)
	preorder.NewHandler(s.preOrders).RegisterProtectedRoutes(v1)
	invitation.NewHandler(s.invitations).RegisterProtectedRoutes(v1)
	v1.GET("/ws", s.hub.HandleWebSocket)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin())
	ledgerHandler.RegisterAdminRoutes(admin)
	orderHandler.RegisterAdminRoutes(admin)
	admin.POST("/reconcile", s.reconcileHandler)
	admin.POST("/sweeps/run", s.runSweepsHandler)
	admin.GET("/settings", s.settingsHandler)
	admin.GET("/realtime/stats", s.realtimeStatsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// reconcileHandler handles POST /v1/admin/reconcile
func (s *Server) reconcileHandler(c *gin.Context) {
	report, err := s.reconciler.Run(c.Request.Context())
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": report.OK(), "report": report})
}

// runSweepsHandler handles POST /v1/admin/sweeps/run
func (s *Server) runSweepsHandler(c *gin.Context) {
	processed, err := s.sweeps.RunOnce(c.Request.Context())
	body := gin.H{"processed": processed}
	if err != nil {
		logging.L(c.Request.Context()).Error("sweep run failed", "error", err)
		body["error"] = err.Error()
		c.JSON(http.StatusInternalServerError, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// settingsHandler handles GET /v1/admin/settings
func (s *Server) settingsHandler(c *gin.Context) {
	st, err := s.settings.Current(c.Request.Context())
	if err != nil {
		httperr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"platformFeePercentage":     st.PlatformFeePercentage,
		"contestationFee":           st.ContestationFee,
		"cancellationFeePercentage": st.CancellationFeePercentage,
		"negotiationWindow":         st.NegotiationWindow.String(),
		"confirmationWindow":        st.ConfirmationWindow.String(),
		"invitationTtl":             st.InvitationTTL.String(),
		"maxConcurrentOrders":       st.MaxConcurrentOrders,
		"platformUserId":            st.PlatformUserID,
		"legacyDirectOrder":         st.LegacyDirectOrder,
	})
}

// realtimeStatsHandler handles GET /v1/admin/realtime/stats
func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}
