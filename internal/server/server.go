// Package server exposes the site's public JSON API and the internal health
// and metrics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fieldmind/fieldmind-web/internal/analytics"
	"github.com/fieldmind/fieldmind-web/internal/config"
	"github.com/fieldmind/fieldmind-web/internal/pool"
	"github.com/fieldmind/fieldmind-web/internal/storage"
	"github.com/fieldmind/fieldmind-web/internal/submission"
	"github.com/fieldmind/fieldmind-web/internal/validate"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const maxBodyBytes = 64 << 10

// Pinger checks an upstream dependency for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Runner is a background loop stopped by cancelling ctx.
// *analytics.Collector implements it.
type Runner interface {
	Run(ctx context.Context)
}

// Deps are the collaborators the server does not construct itself.
type Deps struct {
	Rates      storage.RateStore
	Relay      submission.Relay
	Subscriber submission.Subscriber
	// Pinger is checked by /readyz; nil skips the check.
	Pinger Pinger
	// Reporter receives consented analytics hits; nil disables reporting.
	Reporter analytics.Reporter
}

// Server wires the submission pipeline, worker pool, consent and analytics
// handlers behind a gin router.
type Server struct {
	cfg      *config.Config
	deps     Deps
	pipe     *submission.Pipeline
	pool     *pool.Pool
	janitor  *Janitor
	tag      analytics.Tag
	reporter analytics.Reporter
	router   *gin.Engine
	log      zerolog.Logger
}

// New constructs a fully wired Server.
func New(cfg *config.Config, deps Deps, log zerolog.Logger) (*Server, error) {
	if deps.Rates == nil || deps.Relay == nil {
		return nil, errors.New("server: rate store and relay are required")
	}
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		tag:      analytics.Tag{MeasurementID: cfg.AnalyticsMeasurementID},
		reporter: deps.Reporter,
		log:      log,
	}
	if s.reporter == nil {
		s.reporter = analytics.NopReporter{}
	}

	p, err := pool.New(pool.Config{
		Workers:        cfg.PoolWorkers,
		QueueDepth:     cfg.PoolQueueDepth,
		MaxRetries:     cfg.PoolMaxRetries,
		RetryBase:      cfg.PoolRetryBase,
		AttemptTimeout: cfg.PoolJobTimeout,
		DrainTimeout:   cfg.PoolDrainTimeout,
	}, func(ctx context.Context, job pool.Job) error {
		return s.pipe.ProcessOptIn(ctx, job)
	}, log)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	s.pool = p
	s.pipe = submission.New(pipelineConfig(cfg), deps.Rates, deps.Relay, deps.Subscriber, p, log)

	window := max(cfg.ContactRateWindow, cfg.NewsletterRateWindow)
	s.janitor = NewJanitor(deps.Rates, p, cfg.JanitorInterval, window, log)
	s.router = s.routes()
	return s, nil
}

func pipelineConfig(cfg *config.Config) submission.Config {
	pc := submission.NewConfig()
	pc.Recipient = cfg.ContactRecipient
	pc.ContactLimit = submission.Limit{Max: cfg.ContactRateMax, Window: cfg.ContactRateWindow}
	pc.NewsletterLimit = submission.Limit{Max: cfg.NewsletterRateMax, Window: cfg.NewsletterRateWindow}
	pc.MinMessageLength = cfg.ContactMinMessageLength
	pc.MaxMessageLength = cfg.ContactMaxMessageLength
	pc.BlockDisposable = cfg.NewsletterBlockDisposable
	pc.DenyList = validate.NewDenyList(cfg.DisposableDomainsExtra...)
	if len(cfg.NewsletterTags) > 0 {
		pc.Tags = cfg.NewsletterTags
	}
	if cfg.NewsletterSignupSource != "" {
		pc.SignupSource = cfg.NewsletterSignupSource
	}
	return pc
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	_ = r.SetTrustedProxies(nil)
	r.Use(requestID(s.log), accessLog(), recovery(), securityHeaders(), bodyLimit(maxBodyBytes))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORSAllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	api := r.Group("/api")
	{
		api.POST("/contact", s.handleContact)
		api.POST("/newsletter", s.handleNewsletter)

		api.GET("/newsletter/popup", s.handlePopupStatus)
		api.POST("/newsletter/popup", s.handlePopupInteracted)

		api.GET("/consent", s.handleGetConsent)
		api.PUT("/consent", s.handleSaveConsent)
		api.DELETE("/consent", s.handleResetConsent)
		api.POST("/consent/accept-all", s.handleAcceptAll)
		api.POST("/consent/dismiss", s.handleDismissBanner)

		api.GET("/analytics/head", s.handleAnalyticsHead)
		api.POST("/analytics/pageview", s.handlePageView)
		api.POST("/analytics/event", s.handleEvent)
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, failure("Not found"))
	})
	return r
}

// Handler returns the public API handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Janitor returns the rate-store janitor.
func (s *Server) Janitor() *Janitor {
	return s.janitor
}

// Run starts all goroutines and blocks until ctx is cancelled or a fatal error occurs.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	s.pool.Start(gctx)

	g.Go(func() error {
		return s.serveAPI(gctx)
	})

	if s.cfg.MetricsEnabled {
		g.Go(func() error {
			return s.serveMetrics(gctx)
		})
	}

	g.Go(func() error {
		return s.serveHealth(gctx)
	})

	g.Go(func() error {
		return s.janitor.Run(gctx)
	})

	if r, ok := s.reporter.(Runner); ok {
		g.Go(func() error {
			r.Run(gctx)
			return nil
		})
	}

	err := g.Wait()
	s.pool.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serveAPI runs the public server and drains in-flight requests on shutdown.
func (s *Server) serveAPI(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// In-flight handlers may still enqueue opt-in jobs, so the pool must not
	// stop before Shutdown has drained them.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("API server shutdown")
		}
	}()

	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("API server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	<-drained
	return nil
}

// serveMetrics runs the Prometheus HTTP server.
func (s *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.MetricsAddr).Msg("Prometheus metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// serveHealth runs the health endpoints.
func (s *Server) serveHealth(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HealthAddr,
		Handler:           s.healthMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.HealthAddr).Msg("health server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func (s *Server) healthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.deps.Rates.Len(); err != nil {
			http.Error(w, "not ready: rate store: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if s.deps.Pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := s.deps.Pinger.Ping(ctx); err != nil {
				http.Error(w, "not ready: mailing list: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}
