// Package gmail implements a Provider that sends through the Gmail API
// using a Google Workspace service account with domain-wide delegation.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"
	"golang.org/x/time/rate"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/shineum/mail-dispatch/internal/email"
)

// Gmail charges 100 quota units per messages.send against a per-user budget
// of 250 units per second.
const (
	quotaUnitsPerSend  = 100
	rateLimitPerSecond = 250
	rateLimitBurst     = 250
)

// Config holds the service account settings.
type Config struct {
	// CredentialsJSON is the service account key. When empty it is read
	// from CredentialsFile.
	CredentialsJSON []byte
	CredentialsFile string
	// Sender is impersonated when a message carries no From address.
	Sender string
}

// serviceFactory returns an API client acting as user.
type serviceFactory func(ctx context.Context, user string) (*gmailapi.Service, error)

type userService struct {
	svc     *gmailapi.Service
	limiter *rate.Limiter
}

// Provider sends each message as the mailbox named by its From address.
type Provider struct {
	sender     string
	newService serviceFactory

	mu       sync.Mutex
	services map[string]*userService
}

// New loads the service account key and creates a Provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	data := cfg.CredentialsJSON
	if len(data) == 0 {
		if cfg.CredentialsFile == "" {
			return nil, fmt.Errorf("gmail: no service account credentials configured")
		}
		var err error
		data, err = os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("gmail: failed to read credentials: %w", err)
		}
	}

	jwtConf, err := google.JWTConfigFromJSON(data, gmailapi.GmailSendScope)
	if err != nil {
		return nil, fmt.Errorf("gmail: invalid service account key: %w", err)
	}

	return newWithFactory(cfg.Sender, delegatedFactory(jwtConf)), nil
}

func newWithFactory(sender string, f serviceFactory) *Provider {
	return &Provider{
		sender:     sender,
		newService: f,
		services:   make(map[string]*userService),
	}
}

// delegatedFactory impersonates user through domain-wide delegation.
func delegatedFactory(base *jwt.Config) serviceFactory {
	return func(ctx context.Context, user string) (*gmailapi.Service, error) {
		conf := *base
		conf.Subject = user
		// Token fetches outlive any single request, so they do not use ctx.
		src := oauth2.ReuseTokenSource(nil, conf.TokenSource(context.Background()))
		client := &http.Client{Transport: &oauth2.Transport{Source: src}}
		return gmailapi.NewService(ctx, option.WithHTTPClient(client))
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "gmail"
}

// Send submits msg through users.messages.send and returns the Gmail
// message id.
func (p *Provider) Send(ctx context.Context, msg *email.Email) (string, error) {
	from := msg.From
	if from == "" {
		from = p.sender
	}

	us, err := p.service(ctx, from)
	if err != nil {
		return "", err
	}

	withFrom := *msg
	withFrom.From = from
	raw, err := email.BuildMIME(&withFrom)
	if err != nil {
		return "", fmt.Errorf("failed to build MIME message: %w", err)
	}

	if err := us.limiter.WaitN(ctx, quotaUnitsPerSend); err != nil {
		return "", fmt.Errorf("gmail quota wait: %w", err)
	}

	sent, err := us.svc.Users.Messages.Send("me", &gmailapi.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail API send failed: %w", err)
	}
	if sent.Id != "" {
		return sent.Id, nil
	}
	return msg.MessageID, nil
}

func (p *Provider) service(ctx context.Context, user string) (*userService, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if us, ok := p.services[user]; ok {
		return us, nil
	}
	svc, err := p.newService(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("gmail: failed to create client for %s: %w", user, err)
	}
	us := &userService{
		svc:     svc,
		limiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
	}
	p.services[user] = us
	return us, nil
}
