package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldmind/fieldmind-web/internal/analytics"
	"github.com/fieldmind/fieldmind-web/internal/config"
	"github.com/fieldmind/fieldmind-web/internal/logger"
	"github.com/fieldmind/fieldmind-web/internal/provider/mailchimp"
	"github.com/fieldmind/fieldmind-web/internal/provider/relay"
	"github.com/fieldmind/fieldmind-web/internal/server"
	"github.com/fieldmind/fieldmind-web/internal/storage"
	"github.com/fieldmind/fieldmind-web/internal/submission"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "fieldmind-web",
		Short: "Backend for the Fieldmind marketing site: forms, consent and analytics",
	}

	root.AddCommand(
		serveCmd(),
		healthcheckCmd(),
		versionCmd(),
		sweepCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// serveCmd is the main daemon command.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Str("ratelimit_backend", cfg.RateLimitBackend).
		Bool("dry_run", cfg.DryRun).Msg("fieldmind-web starting")
	gin.SetMode(gin.ReleaseMode)

	rates, err := openRateStore(cfg)
	if err != nil {
		return fmt.Errorf("open rate store: %w", err)
	}
	defer rates.Close()

	list := mailchimp.NewClient(mailchimp.Config{
		APIKey:       cfg.MailchimpAPIKey,
		ServerPrefix: cfg.MailchimpServerPrefix,
		AudienceID:   cfg.MailchimpAudienceID,
		Timeout:      cfg.MailchimpTimeout,
		DryRun:       cfg.DryRun,
	}, log)
	if !list.Configured() {
		log.Warn().Msg("Mailchimp credentials incomplete; newsletter sign-ups will fail with a configuration error")
	}

	deps := server.Deps{
		Rates:      rates,
		Relay:      buildRelay(cfg, log),
		Subscriber: list,
	}
	if list.Configured() && !cfg.DryRun {
		deps.Pinger = list
	}

	if cfg.AnalyticsConfigured() {
		collector, err := analytics.NewCollector(analytics.CollectorConfig{
			Endpoint:      cfg.AnalyticsEndpoint,
			MeasurementID: cfg.AnalyticsMeasurementID,
			APISecret:     cfg.AnalyticsAPISecret,
			FlushInterval: cfg.AnalyticsFlushInterval,
			BatchSize:     cfg.AnalyticsBatchSize,
		}, log)
		if err != nil {
			return fmt.Errorf("build analytics collector: %w", err)
		}
		deps.Reporter = collector
	}

	srv, err := server.New(cfg, deps, log)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return srv.Run(ctx)
}

func buildRelay(cfg *config.Config, log zerolog.Logger) submission.Relay {
	if cfg.DryRun {
		return relay.NewLogRelay(log)
	}
	return relay.NewSMTPRelay(relay.Config{
		Host:        cfg.SMTPHost,
		Port:        cfg.SMTPPort,
		Username:    cfg.SMTPUsername,
		Password:    cfg.SMTPPassword,
		FromName:    cfg.SMTPFromName,
		FromAddress: cfg.SMTPFromAddress,
		Timeout:     cfg.RelayTimeout,
	}, log)
}

// openRateStore returns the configured rate-limit backend.
func openRateStore(cfg *config.Config) (storage.RateStore, error) {
	if cfg.RateLimitBackend == "bbolt" {
		return storage.NewBboltRateStore(cfg.DataDir)
	}
	return storage.NewMemoryRateStore(), nil
}

// healthcheckCmd exits 0 if the health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + healthHost(cfg.HealthAddr) + "/healthz")
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// healthHost turns a listen address like ":8081" into a dialable one.
func healthHost(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fieldmind-web %s\n", Version)
		},
	}
}

// sweepCmd prunes expired rate-limit attempts from the bbolt store once.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Prune expired rate-limit records and exit (bbolt only; stop the server first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.RateLimitBackend != "bbolt" {
				return fmt.Errorf("sweep needs RATELIMIT_BACKEND=bbolt; the memory store is swept by the running server")
			}

			log := buildLogger(cfg)
			store, err := openRateStore(cfg)
			if errors.Is(err, storage.ErrStoreLocked) {
				return fmt.Errorf("%w: a running serve process holds %s and already sweeps it every %s",
					err, cfg.DataDir, cfg.JanitorInterval)
			}
			if err != nil {
				return err
			}
			defer store.Close()

			window := max(cfg.ContactRateWindow, cfg.NewsletterRateWindow)
			removed, err := server.NewJanitor(store, nil, cfg.JanitorInterval, window, log).Sweep()
			if err != nil {
				return err
			}
			keys, err := store.Len()
			if err != nil {
				return err
			}
			fmt.Printf("sweep complete: removed=%d keys=%d\n", removed, keys)
			return nil
		},
	}
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		redactWriter := logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(redactWriter).Level(level).With().Timestamp().Logger()
	}
	return base
}
