// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/shineum/mail-dispatch/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider hands a fully assembled message to the target service
// (stdout, SES, SMTP relay, Gmail API, Microsoft Graph).
type Provider interface {
	// Send delivers an email message through this provider in a single
	// attempt and returns the message id the provider reports. Providers
	// whose upstream API does not return an id report msg.MessageID.
	Send(ctx context.Context, msg *email.Email) (string, error)

	// Name returns the human-readable name of this provider.
	Name() string
}

// Throttle bounds the rate at which messages reach the wrapped provider.
type Throttle struct {
	next    Provider
	limiter *rate.Limiter
}

// NewThrottle wraps next so that at most perSecond messages (with the given
// burst) are handed to it. A non-positive perSecond disables throttling.
func NewThrottle(next Provider, perSecond float64, burst int) *Throttle {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Send waits for a token, then delegates to the wrapped provider.
func (t *Throttle) Send(ctx context.Context, msg *email.Email) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("provider throttle: %w", err)
	}
	return t.next.Send(ctx, msg)
}

// Name returns the wrapped provider's name.
func (t *Throttle) Name() string {
	return t.next.Name()
}
