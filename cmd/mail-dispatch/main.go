// Package main is the entry point for the mail dispatch service.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shineum/mail-dispatch/internal/attachment"
	"github.com/shineum/mail-dispatch/internal/auth"
	"github.com/shineum/mail-dispatch/internal/config"
	"github.com/shineum/mail-dispatch/internal/dispatch"
	"github.com/shineum/mail-dispatch/internal/httpapi"
	"github.com/shineum/mail-dispatch/internal/parser"
	"github.com/shineum/mail-dispatch/internal/provider"
	"github.com/shineum/mail-dispatch/internal/ratelimit"
	"github.com/shineum/mail-dispatch/internal/smtp"
	dispatchtls "github.com/shineum/mail-dispatch/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	envFile := flag.String("env-file", ".env", "path to a .env file (optional)")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		slog.Error("failed to load env file", "error", err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	closeLog := setupLogger(cfg.Logging)
	defer closeLog()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("mail-dispatch stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	health := healthcheck.NewMetricsHandler(registry, "mail_dispatch")
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))

	st, err := openStores(ctx, cfg, health, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	blobs, err := openBlobs(ctx, cfg.Blob)
	if err != nil {
		return err
	}
	defer blobs.Close()

	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		return err
	}
	transport := provider.NewThrottle(prov, cfg.Throttle.PerSecond, cfg.Throttle.Burst)

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	limits := attachment.DefaultLimits()
	limits.MaxFileSize = cfg.Upload.MaxFileSize
	limits.MaxTotalSize = cfg.Upload.MaxTotalSize

	limiter := ratelimit.New(st.windows, ratelimit.Config{
		Limit:  cfg.RateLimit.Limit,
		Window: cfg.RateLimit.Window,
	}, ratelimit.WithLogger(logger))

	orch := dispatch.New(dispatch.Deps{
		Quota:    limiter,
		Records:  st.records,
		Profiles: st.profiles,
		Attachments: attachment.NewResolver(blobs.fetcher,
			attachment.WithConcurrency(cfg.Blob.FetchConcurrency),
			attachment.WithLogger(logger),
		),
		Transport: transport,
	}, dispatch.Config{
		AllowedDomain:         cfg.Dispatch.AllowedDomain,
		Limits:                limits,
		RequireAllAttachments: cfg.Dispatch.RequireAllAttachments,
		TransmitTimeout:       cfg.Dispatch.TransmitTimeout,
		MessageIDDomain:       cfg.Dispatch.MessageIDDomain,
	}, dispatch.WithLogger(logger), dispatch.WithMetrics(dispatch.NewMetrics(registry)))

	router := httpapi.NewRouter(httpapi.Deps{
		Dispatcher: orch,
		Verifier:   verifier,
		Parser:     parser.NewReplyParser(cfg.Inbound.MaxSize, logger),
		Uploader:   attachment.NewUploader(blobs.store, limits, logger),
		Records:    st.records,
		Profiles:   st.profiles,
		Quota:      limiter,
		Health:     health,
		Gatherer:   registry,
		Registerer: registry,
		Logger:     logger,
	}, httpapi.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	})

	httpCfg := httpapi.ServerConfig{ListenAddr: cfg.Server.Listen}
	if cfg.TLS.Enabled {
		httpCfg.TLSConfig, err = dispatchtls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
		if err != nil {
			return err
		}
	}
	httpServer := httpapi.NewServer(httpCfg, router, logger)

	slog.Info("starting mail-dispatch",
		"listen", cfg.Server.Listen,
		"provider", transport.Name(),
		"rate_limit", cfg.RateLimit.Limit,
		"rate_window", cfg.RateLimit.Window,
		"rate_store", cfg.RateLimit.Store,
		"database", storeName(cfg.Database.Type),
		"blob_store", cfg.Blob.Store,
		"tls_enabled", cfg.TLS.Enabled,
		"smtp_enabled", cfg.SMTP.Enabled,
	)

	var smtpServer *smtp.Server
	if cfg.SMTP.Enabled {
		// Submission always offers STARTTLS; without configured files the
		// certificate is self-signed.
		smtpTLS, err := dispatchtls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
		if err != nil {
			return err
		}
		smtpServer = smtp.New(smtp.ServerConfig{
			ListenAddr:      cfg.SMTP.Listen,
			Hostname:        cfg.SMTP.Hostname,
			Dispatcher:      orch,
			Verifier:        verifier,
			TLSConfig:       smtpTLS,
			MaxMessageBytes: cfg.SMTP.MaxMessageSize,
			Logger:          logger,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpServer.ListenAndServe(gctx)
	})
	if smtpServer != nil {
		g.Go(func() error {
			return smtpServer.ListenAndServe(gctx)
		})
	}

	return g.Wait()
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level. With a log file configured, output is also written
// to a size-rotated file. The returned func closes that file.
func setupLogger(cfg config.LoggingConfig) func() {
	var logLevel slog.Level

	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closeFn = func() { rotator.Close() }
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
	return closeFn
}

func storeName(dbType string) string {
	if dbType == "" {
		return "memory"
	}
	return dbType
}
