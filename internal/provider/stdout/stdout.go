// Package stdout implements a Provider that writes messages to a stream
// instead of delivering them. It is the default transport in development.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/shineum/mail-dispatch/internal/email"
)

const separator = "========================================\n"

// Provider prints each message as a readable summary, or as the full MIME
// document when raw output is enabled.
type Provider struct {
	mu     sync.Mutex
	writer io.Writer
	raw    bool
}

// Option configures a Provider.
type Option func(*Provider)

// WithRaw prints the assembled MIME message instead of a summary.
func WithRaw() Option {
	return func(p *Provider) { p.raw = true }
}

// New creates a Provider that writes to os.Stdout.
func New(opts ...Option) *Provider {
	return NewWithWriter(os.Stdout, opts...)
}

// NewWithWriter creates a Provider that writes to w.
func NewWithWriter(w io.Writer, opts ...Option) *Provider {
	p := &Provider{writer: w}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send writes the message and reports its Message-ID.
func (p *Provider) Send(ctx context.Context, msg *email.Email) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var out []byte
	if p.raw {
		mimeMsg, err := email.BuildMIME(msg)
		if err != nil {
			return "", fmt.Errorf("failed to build message: %w", err)
		}
		out = append([]byte(separator), mimeMsg...)
		out = append(out, "\n"+separator...)
	} else {
		out = []byte(summary(msg))
	}

	// Concurrent sends must not interleave.
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.writer.Write(out); err != nil {
		return "", fmt.Errorf("failed to write message: %w", err)
	}

	return msg.MessageID, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func summary(msg *email.Email) string {
	var b strings.Builder

	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", name, value)
		}
	}

	b.WriteString(separator)
	field("Message-ID", msg.MessageID)
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	field("Reply-To", msg.ReplyTo)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))
	field("Cc", strings.Join(msg.Cc, ", "))
	field("Bcc", strings.Join(msg.Bcc, ", "))
	field("In-Reply-To", msg.InReplyTo)
	field("References", msg.References)
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)

	if len(msg.Headers) > 0 {
		keys := make([]string, 0, len(msg.Headers))
		for k := range msg.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %q\n", k, msg.Headers[k])
		}
	}

	b.WriteString("Body:\n")
	body := msg.TextBody
	if body == "" {
		body = msg.HtmlBody
	}
	b.WriteString(body + "\n")

	if len(msg.Attachments) > 0 {
		parts := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			parts = append(parts, fmt.Sprintf("%s (%s, %s)", att.Filename, att.ContentType, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(parts, ", "))
	}

	b.WriteString(separator)
	return b.String()
}

// formatSize formats a byte count into a human-readable string.
func formatSize(n int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case n >= mb:
		return fmt.Sprintf("%.1f MB", float64(n)/float64(mb))
	case n >= kb:
		return fmt.Sprintf("%.1f KB", float64(n)/float64(kb))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
