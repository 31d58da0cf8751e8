// Package smtp implements a Provider that relays messages through an SMTP
// submission server.
package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/mail-dispatch/internal/email"
)

// TLS modes.
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

const defaultDialTimeout = 30 * time.Second

// Config describes the relay.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// TLSMode is one of TLSNone, TLSStartTLS (default) or TLSImplicit.
	TLSMode            string
	InsecureSkipVerify bool
	// Sender is used when a message carries no From address.
	Sender      string
	DialTimeout time.Duration
}

// Provider submits each message over a fresh SMTP connection.
type Provider struct {
	cfg  Config
	addr string
}

// New creates an SMTP Provider.
func New(cfg Config) *Provider {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSStartTLS
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Provider{
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// Send runs one MAIL/RCPT/DATA transaction. Every To, Cc and Bcc address
// is an envelope recipient; Bcc never appears in the headers.
func (p *Provider) Send(ctx context.Context, msg *email.Email) (string, error) {
	from := msg.From
	if from == "" {
		from = p.cfg.Sender
	}
	withFrom := *msg
	withFrom.From = from
	raw, err := email.BuildMIME(&withFrom)
	if err != nil {
		return "", fmt.Errorf("failed to build MIME message: %w", err)
	}

	c, err := p.dial(ctx)
	if err != nil {
		return "", err
	}
	defer c.Close()

	if err := p.transact(c, from, msg.Recipients(), raw); err != nil {
		return "", err
	}
	return msg.MessageID, nil
}

func (p *Provider) transact(c *gosmtp.Client, from string, rcpts []string, raw []byte) error {
	if p.cfg.Username != "" {
		auth := sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp AUTH: %w", err)
		}
	}
	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("smtp DATA write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp DATA rejected: %w", err)
	}
	return c.Quit()
}

// dial opens the connection; the context deadline (if any) bounds the
// whole transaction.
func (p *Provider) dial(ctx context.Context) (*gosmtp.Client, error) {
	tlsConfig := &tls.Config{
		ServerName:         p.cfg.Host,
		InsecureSkipVerify: p.cfg.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	dialer := &net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLSMode == TLSImplicit {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", p.addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.addr)
	}
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", p.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if p.cfg.TLSMode == TLSStartTLS {
		c, err := gosmtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("smtp STARTTLS: %w", err)
		}
		return c, nil
	}
	return gosmtp.NewClient(conn), nil
}
