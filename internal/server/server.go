// Package server wires the negotiation and settlement services behind the
// HTTP boundary and runs their background sweeps.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/raulk/clock"
	"go.uber.org/multierr"

	"github.com/mbd888/combinado/internal/cache"
	"github.com/mbd888/combinado/internal/circuitbreaker"
	"github.com/mbd888/combinado/internal/config"
	"github.com/mbd888/combinado/internal/conversion"
	"github.com/mbd888/combinado/internal/domain"
	"github.com/mbd888/combinado/internal/events"
	"github.com/mbd888/combinado/internal/health"
	"github.com/mbd888/combinado/internal/invitation"
	"github.com/mbd888/combinado/internal/jobs"
	"github.com/mbd888/combinado/internal/ledger"
	"github.com/mbd888/combinado/internal/logging"
	"github.com/mbd888/combinado/internal/metrics"
	"github.com/mbd888/combinado/internal/order"
	"github.com/mbd888/combinado/internal/preorder"
	"github.com/mbd888/combinado/internal/ratelimit"
	"github.com/mbd888/combinado/internal/realtime"
	"github.com/mbd888/combinado/internal/reconciliation"
	"github.com/mbd888/combinado/internal/security"
	"github.com/mbd888/combinado/internal/store"
	"github.com/mbd888/combinado/internal/store/memory"
	"github.com/mbd888/combinado/internal/store/postgres"
	"github.com/mbd888/combinado/internal/syncutil"
	"github.com/mbd888/combinado/internal/traces"
	"github.com/mbd888/combinado/internal/webhooks"
)

const (
	cacheSize = 10000
	cacheTTL  = 30 * time.Second
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock

	store    store.Store
	pg       *postgres.Store // nil if using in-memory
	settings config.SettingsProvider
	bus      *events.Bus

	ledger      *ledger.Ledger
	orders      *order.Service
	conversions *conversion.Service
	preOrders   *preorder.Service
	invitations *invitation.Service
	reconciler  *reconciliation.Service

	hub         *realtime.Hub
	sweeps      *jobs.Timer
	audits      *jobs.Timer
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	router          *gin.Engine
	httpSrv         *http.Server
	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithStore replaces the store chosen from DATABASE_URL (for testing).
func WithStore(st store.Store) Option {
	return func(s *Server) { s.store = st }
}

// WithSettings replaces the settings provider (for testing).
func WithSettings(p config.SettingsProvider) Option {
	return func(s *Server) { s.settings = p }
}

// WithClock sets the time source of every service and timer.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.openStore(ctx); err != nil {
		return nil, err
	}

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.closeStore()
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.shutdownTracing = shutdown

	if err := s.wireServices(); err != nil {
		s.closeStore()
		return nil, err
	}
	s.wireJobs()

	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// openStore uses Postgres when DATABASE_URL is set and memory otherwise.
func (s *Server) openStore(ctx context.Context) error {
	if s.store != nil {
		if s.settings == nil {
			s.settings = config.Static(s.cfg.Settings)
		}
		return nil
	}

	if s.cfg.DatabaseURL == "" {
		s.store = memory.New()
		if s.settings == nil {
			s.settings = config.Static(s.cfg.Settings)
		}
		s.logger.Warn("using in-memory storage; data is lost on restart")
		return nil
	}

	pg, err := postgres.Open(ctx, s.cfg.DatabaseURL, s.cfg.DBMaxConns, postgres.WithLogger(s.logger))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.pg = pg
	s.store = pg
	if s.settings == nil {
		s.settings = postgres.NewSettingsStore(pg.Pool(), s.cfg.Settings)
	}
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) wireServices() error {
	s.bus = events.NewBus(s.logger)
	locks := syncutil.NewKeyedMutex()

	orderCache := cache.New[*domain.Order](cache.KindOrder, cacheSize, cacheTTL)
	preOrderCache := cache.New[*domain.PreOrder](cache.KindPreOrder, cacheSize, cacheTTL)
	invitationCache := cache.New[*domain.Invitation](cache.KindInvitation, cacheSize, cacheTTL)

	s.ledger = ledger.New(s.store, s.cfg.Settings.PlatformUserID,
		ledger.WithClock(s.clock), ledger.WithLogger(s.logger))

	s.orders = order.NewService(s.store, s.ledger, s.settings).
		WithEvents(s.bus).WithCache(orderCache).WithClock(s.clock).WithLogger(s.logger).WithLocks(locks)
	s.conversions = conversion.NewService(s.store, s.ledger, s.orders, s.settings).
		WithEvents(s.bus).WithClock(s.clock).WithLogger(s.logger).WithLocks(locks)
	s.preOrders = preorder.NewService(s.store, s.ledger, s.conversions, s.settings).
		WithEvents(s.bus).WithCache(preOrderCache).WithClock(s.clock).WithLogger(s.logger).WithLocks(locks)
	s.invitations = invitation.NewService(s.store, s.ledger, s.preOrders, s.orders, s.settings).
		WithEvents(s.bus).WithCache(invitationCache).WithClock(s.clock).WithLogger(s.logger).WithLocks(locks)
	s.reconciler = reconciliation.NewService(s.store).WithClock(s.clock).WithLogger(s.logger)

	// Caches drop stale entries before Publish returns; the rest fan out
	// asynchronously after commit.
	s.bus.SubscribeSync(cache.NewInvalidator(orderCache, preOrderCache, invitationCache).Handle)

	notifiers := []webhooks.Notifier{webhooks.NewLogNotifier(s.logger)}
	if s.cfg.WebhookURL != "" {
		if err := security.ValidateWebhookURL(s.cfg.WebhookURL, s.cfg.IsDevelopment()); err != nil {
			return fmt.Errorf("WEBHOOK_URL: %w", err)
		}
		notifiers = append(notifiers, webhooks.NewSender(s.cfg.WebhookURL, s.cfg.WebhookSecret))
		s.logger.Info("webhooks enabled", "url", s.cfg.WebhookURL)
	}
	s.bus.Subscribe(webhooks.NewDispatcher(s.logger, notifiers...).
		WithBreaker(circuitbreaker.New(5, time.Minute).WithClock(s.clock)).Handle)

	s.hub = realtime.NewHub(s.logger)
	s.bus.Subscribe(s.hub.Publish)
	return nil
}

func (s *Server) wireJobs() {
	batch := s.cfg.SweepBatchSize
	s.sweeps = jobs.NewTimer(s.cfg.SweepInterval, s.logger,
		jobs.Job{Name: "invitation_expiry", Run: func(ctx context.Context) (int, error) {
			return s.invitations.ExpireSweep(ctx, batch)
		}},
		jobs.Job{Name: "pre_order_expiry", Run: func(ctx context.Context) (int, error) {
			return s.preOrders.ExpireSweep(ctx, batch)
		}},
		jobs.Job{Name: "auto_confirm", Run: func(ctx context.Context) (int, error) {
			return s.orders.AutoConfirmSweep(ctx, batch)
		}},
	).WithClock(s.clock)

	s.audits = jobs.NewTimer(s.cfg.ReconcileInterval, s.logger,
		jobs.Job{Name: "reconciliation", Run: func(ctx context.Context) (int, error) {
			report, err := s.reconciler.Run(ctx)
			if err != nil {
				return 0, err
			}
			return len(report.Findings), nil
		}},
	).WithClock(s.clock)

	s.health = health.NewRegistry(2 * time.Second)
	s.health.Register(health.Ping("store", s.store))
	s.health.Register(health.Running("sweeps", s.sweeps.Running))
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.sweeps.Start(runCtx)
	go s.audits.Start(runCtx)
	if s.pg != nil {
		go metrics.StartPoolStatsCollector(runCtx, s.pg.Pool(), 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return multierr.Append(fmt.Errorf("server error: %w", err), s.Shutdown())
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. Every step runs even if an earlier
// one fails; the failures are returned together.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs error
	if s.httpSrv != nil {
		errs = multierr.Append(errs, s.httpSrv.Shutdown(ctx))
	}
	s.sweeps.Stop()
	s.audits.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Let in-flight notifications finish before the store goes away.
	s.bus.Drain()

	if s.shutdownTracing != nil {
		errs = multierr.Append(errs, s.shutdownTracing(ctx))
	}
	s.closeStore()

	if errs != nil {
		s.logger.Error("shutdown error", "error", errs)
		return errs
	}
	s.logger.Info("server stopped")
	return nil
}

// Close releases resources of a server that was never Run.
func (s *Server) Close() error {
	var errs error
	if s.bus != nil {
		s.bus.Drain()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.shutdownTracing != nil {
		errs = multierr.Append(errs, s.shutdownTracing(context.Background()))
	}
	s.closeStore()
	return errs
}

func (s *Server) closeStore() {
	if s.pg != nil {
		s.pg.Close()
		s.logger.Info("database connection closed")
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine { return s.router }

// Ledger exposes the wallet service to operator tooling.
func (s *Server) Ledger() *ledger.Ledger { return s.ledger }

// Sweeps exposes the expiry and auto-confirmation jobs.
func (s *Server) Sweeps() *jobs.Timer { return s.sweeps }

// Reconciler exposes the ledger audit.
func (s *Server) Reconciler() *reconciliation.Service { return s.reconciler }

// SettingsStore returns the database-backed settings, or nil in memory mode.
func (s *Server) SettingsStore() *postgres.SettingsStore {
	st, _ := s.settings.(*postgres.SettingsStore)
	return st
}

// Settings returns the settings currently in force.
func (s *Server) Settings(ctx context.Context) (config.Settings, error) {
	return s.settings.Current(ctx)
}

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
