// Package graph delivers messages through the Microsoft Graph sendMail API.
package graph

import (
	"bytes"
	"cmp"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shineum/mail-dispatch/internal/email"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// Config holds the app registration used for client-credentials auth.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Sender is the mailbox used when a message carries no From address.
	Sender string
}

// Provider sends each message from the mailbox named by its From address.
type Provider struct {
	sender  string
	baseURL string
	client  *http.Client
	creds   *credentials
	logger  *slog.Logger
}

// New creates a Provider for the public Graph endpoints.
func New(cfg Config) *Provider {
	client := &http.Client{Timeout: 30 * time.Second}
	return newProvider(cfg, defaultBaseURL, tokenURL(cfg.TenantID), client)
}

func newProvider(cfg Config, baseURL, tokenEndpoint string, client *http.Client) *Provider {
	return &Provider{
		sender:  cfg.Sender,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		creds:   newCredentials(tokenEndpoint, cfg.ClientID, cfg.ClientSecret, client),
		logger:  slog.Default(),
	}
}

// Send delivers msg with one sendMail call. A 401 is answered with a
// single token refresh and resubmission; other failures are returned.
func (p *Provider) Send(ctx context.Context, msg *email.Email) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	from := cmp.Or(msg.From, p.sender)
	payload, err := encode(msg, from)
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/users/%s/sendMail", p.baseURL, url.PathEscape(from))

	token, err := p.creds.Token()
	if err != nil {
		return "", err
	}
	err = p.post(ctx, endpoint, token, payload)

	var se *sendError
	if errors.As(err, &se) && se.statusCode == http.StatusUnauthorized {
		p.logger.Info("refreshing Graph API token after 401", "mailbox", from)
		if token, err = p.creds.Refresh(); err != nil {
			return "", err
		}
		err = p.post(ctx, endpoint, token, payload)
	}
	if err != nil {
		return "", err
	}

	// sendMail answers 202 without a body, so the Message-ID header set on
	// the message is the only stable identifier.
	return msg.MessageID, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "msgraph"
}

// payload is an encoded sendMail body.
type payload struct {
	contentType string
	body        []byte
}

// encode submits messages with threading or custom headers as base64
// MIME, which keeps every header. Others use the JSON message resource.
func encode(msg *email.Email, from string) (payload, error) {
	if msg.HasExtendedHeaders() {
		withFrom := *msg
		withFrom.From = from
		raw, err := email.BuildMIME(&withFrom)
		if err != nil {
			return payload{}, fmt.Errorf("failed to build MIME message: %w", err)
		}
		return payload{
			contentType: "text/plain",
			body:        []byte(base64.StdEncoding.EncodeToString(raw)),
		}, nil
	}

	body, err := json.Marshal(sendMailRequest{Message: messageResource(msg), SaveToSentItems: true})
	if err != nil {
		return payload{}, fmt.Errorf("failed to marshal request body: %w", err)
	}
	return payload{contentType: "application/json", body: body}, nil
}

func (p *Provider) post(ctx context.Context, endpoint, token string, pl payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(pl.body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", pl.contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("Graph API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}
	return readSendError(resp)
}

// sendError is a non-success answer from the sendMail endpoint.
type sendError struct {
	statusCode int
	code       string
	message    string
}

func readSendError(resp *http.Response) *sendError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var envelope graphErrorResponse
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		return &sendError{statusCode: resp.StatusCode, code: envelope.Error.Code, message: envelope.Error.Message}
	}
	return &sendError{statusCode: resp.StatusCode, message: strings.TrimSpace(string(raw))}
}

func (e *sendError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("Graph API error (HTTP %d, %s): %s", e.statusCode, e.code, e.message)
	}
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}
