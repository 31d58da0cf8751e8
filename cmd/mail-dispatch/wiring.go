package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/redis/go-redis/v9"

	"github.com/shineum/mail-dispatch/internal/blob"
	"github.com/shineum/mail-dispatch/internal/blob/boltstore"
	"github.com/shineum/mail-dispatch/internal/blob/httpfetch"
	"github.com/shineum/mail-dispatch/internal/blob/s3store"
	"github.com/shineum/mail-dispatch/internal/config"
	"github.com/shineum/mail-dispatch/internal/outbox"
	"github.com/shineum/mail-dispatch/internal/profile"
	"github.com/shineum/mail-dispatch/internal/provider"
	"github.com/shineum/mail-dispatch/internal/provider/gmail"
	"github.com/shineum/mail-dispatch/internal/provider/graph"
	"github.com/shineum/mail-dispatch/internal/provider/ses"
	smtpprovider "github.com/shineum/mail-dispatch/internal/provider/smtp"
	"github.com/shineum/mail-dispatch/internal/provider/stdout"
	"github.com/shineum/mail-dispatch/internal/ratelimit"
	"github.com/shineum/mail-dispatch/internal/ratelimit/redisstore"
	"github.com/shineum/mail-dispatch/internal/sqlstore"
)

const readinessTimeout = 2 * time.Second

// stores holds the record, profile and rate-window backends.
type stores struct {
	records  outbox.Store
	profiles profile.Store
	windows  ratelimit.Store
	closers  []func() error
}

func (s *stores) Close() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			slog.Warn("failed to close store", "error", err)
		}
	}
}

// openStores connects the configured backends and registers a readiness
// check for each network dependency.
func openStores(ctx context.Context, cfg *config.Config, health healthcheck.Handler, logger *slog.Logger) (*stores, error) {
	st := &stores{
		records:  outbox.NewMemoryStore(),
		profiles: profile.NewMemoryStore(),
		windows:  ratelimit.NewMemoryStore(),
	}

	var db *sqlstore.Store
	if cfg.Database.Type != "" {
		var err error
		db, err = sqlstore.Open(ctx, sqlstore.Config{
			Type:            cfg.Database.Type,
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, db.Close)
		st.records = db
		st.profiles = db.Profiles()
		health.AddReadinessCheck("database", healthcheck.Timeout(func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), readinessTimeout)
			defer cancel()
			return db.Ping(pingCtx)
		}, readinessTimeout))
	} else {
		logger.Warn("no database configured; email records and profiles are kept in memory")
	}

	switch cfg.RateLimit.Store {
	case "sql":
		if db == nil {
			st.Close()
			return nil, errors.New("sql rate limit store requires a database")
		}
		st.windows = db.RateWindows()
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			client.Close()
			st.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		st.closers = append(st.closers, client.Close)
		st.windows = redisstore.New(client, cfg.Redis.Prefix, redisstore.WithTTL(2*cfg.RateLimit.Window))
		health.AddReadinessCheck("redis", healthcheck.Timeout(func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), readinessTimeout)
			defer cancel()
			return client.Ping(pingCtx).Err()
		}, readinessTimeout))
		logger.Info("redis rate limit store ready", "addr", cfg.Redis.Addr)
	}

	return st, nil
}

// blobs holds the upload target and the fetcher used to resolve
// attachment URLs.
type blobs struct {
	store   blob.Store
	fetcher blob.Fetcher
	close   func() error
}

func (b *blobs) Close() {
	if b.close == nil {
		return
	}
	if err := b.close(); err != nil {
		slog.Warn("failed to close blob store", "error", err)
	}
}

// openBlobs opens the upload store and routes fetches to it. Other HTTP(S)
// URLs are fetched only under the configured allow list; anything else
// has no route.
func openBlobs(ctx context.Context, cfg config.BlobConfig) (*blobs, error) {
	mux := blob.NewMux()
	b := &blobs{fetcher: mux}
	switch cfg.Store {
	case "s3":
		store, err := s3store.New(ctx, s3store.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			PublicBaseURL:   cfg.S3.PublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		// Public https URLs of the bucket are read through the API.
		mux.HandlePrefix(store.Prefix(), store)
		b.store = store
	case "bolt":
		store, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		mux.HandleScheme(boltstore.Scheme, store)
		b.store = store
		b.close = store.Close
	default:
		return nil, fmt.Errorf("unknown blob store %q", cfg.Store)
	}

	if len(cfg.FetchAllow) > 0 {
		web := httpfetch.New(nil, 0)
		for _, base := range cfg.FetchAllow {
			mux.HandlePrefix(allowPrefix(base), web)
		}
	}
	return b, nil
}

// allowPrefix ends base with a slash so a host or directory entry cannot
// match a longer sibling name.
func allowPrefix(base string) string {
	if strings.HasSuffix(base, "/") {
		return base
	}
	return base + "/"
}

// selectProvider chooses the email delivery backend based on configuration.
// If PROVIDER is set, it takes precedence. Otherwise, it falls back to
// auto-detection (Graph, then SES, then the SMTP relay, else stdout).
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	name := cfg.Provider
	if name == "" {
		switch {
		case cfg.GraphConfigured():
			name = "graph"
		case cfg.SESConfigured():
			name = "ses"
		case cfg.RelayConfigured():
			name = "smtp"
		default:
			name = "stdout"
		}
		slog.Info("provider auto-detected", "provider", name)
	}

	switch name {
	case "ses":
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		p, err := ses.New(ctx, ses.Config{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			Sender:           cfg.SES.Sender,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case "graph":
		slog.Info("using Microsoft Graph provider",
			"sender", cfg.Graph.Sender,
		)
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}), nil

	case "smtp":
		slog.Info("using SMTP relay provider",
			"host", cfg.Relay.Host,
			"port", cfg.Relay.Port,
			"tls_mode", cfg.Relay.TLSMode,
		)
		return smtpprovider.New(smtpprovider.Config{
			Host:               cfg.Relay.Host,
			Port:               cfg.Relay.Port,
			Username:           cfg.Relay.Username,
			Password:           cfg.Relay.Password,
			TLSMode:            cfg.Relay.TLSMode,
			InsecureSkipVerify: cfg.Relay.InsecureSkipVerify,
			Sender:             cfg.Relay.Sender,
		}), nil

	case "gmail":
		slog.Info("using Gmail API provider",
			"sender", cfg.Gmail.Sender,
		)
		p, err := gmail.New(ctx, gmail.Config{
			CredentialsFile: cfg.Gmail.CredentialsFile,
			Sender:          cfg.Gmail.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create Gmail provider: %w", err)
		}
		return p, nil

	case "stdout":
		slog.Info("using stdout provider", "raw", cfg.Stdout.Raw)
		if cfg.Stdout.Raw {
			return stdout.New(stdout.WithRaw()), nil
		}
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
