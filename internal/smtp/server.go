package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/mail-dispatch/internal/dispatch"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// Defaults for ServerConfig.
const (
	defaultMaxMessageBytes = 25 << 20
	defaultMaxRecipients   = 100
	defaultIOTimeout       = 60 * time.Second
)

// Dispatcher sends one request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *dispatch.Request, actor dispatch.Actor) (*dispatch.Result, error)
}

// ServerConfig holds the configuration for an SMTP submission server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO.
	Hostname string

	Dispatcher Dispatcher
	Verifier   TokenVerifier

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// AllowInsecureAuth permits AUTH before STARTTLS.
	AllowInsecureAuth bool

	MaxMessageBytes int64
	MaxRecipients   int

	Logger *slog.Logger
}

// Server accepts submissions and hands each message to a Dispatcher.
type Server struct {
	config ServerConfig
	auth   *Authenticator
	srv    *gosmtp.Server
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	baseCtx  context.Context
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = defaultMaxRecipients
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		auth:    NewAuthenticator(cfg.Verifier),
		logger:  cfg.Logger,
		baseCtx: context.Background(),
	}

	srv := gosmtp.NewServer(s)
	srv.Domain = cfg.Hostname
	srv.TLSConfig = cfg.TLSConfig
	srv.AllowInsecureAuth = cfg.AllowInsecureAuth || cfg.TLSConfig == nil
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = cfg.MaxRecipients
	srv.ReadTimeout = defaultIOTimeout
	srv.WriteTimeout = defaultIOTimeout
	s.srv = srv

	return s
}

// NewSession implements gosmtp.Backend.
func (s *Server) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	return &Session{
		server: s,
		remote: c.Conn().RemoteAddr().String(),
	}, nil
}

// ListenAndServe starts the SMTP server and blocks until the context is
// cancelled. On cancellation it stops accepting connections and waits up
// to 30 seconds for in-flight sessions to complete.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	// In-flight sessions finish their dispatch during shutdown.
	s.baseCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("SMTP submission server listening",
		"addr", ln.Addr().String(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, gosmtp.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down SMTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("shutdown timeout reached, forcing close", "error", err)
		return s.srv.Close()
	}
	s.logger.Info("all sessions completed")
	return nil
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}
