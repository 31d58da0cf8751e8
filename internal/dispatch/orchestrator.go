// Package dispatch runs the outbound send pipeline for one request:
// validate, gate on quota, resolve the sender, apply the signature,
// resolve attachments, persist a PENDING record, transmit, finalise.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mail-dispatch/internal/attachment"
	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/outbox"
	"github.com/shineum/mail-dispatch/internal/profile"
	"github.com/shineum/mail-dispatch/internal/provider"
	"github.com/shineum/mail-dispatch/internal/ratelimit"
	"github.com/shineum/mail-dispatch/internal/signature"
)

// DefaultTransmitTimeout bounds one transport call.
const DefaultTransmitTimeout = 30 * time.Second

// Quota is the part of the rate limiter the orchestrator uses.
type Quota interface {
	Reserve(ctx context.Context, identity string) (ratelimit.Reservation, ratelimit.Status, error)
	Release(ctx context.Context, r ratelimit.Reservation) error
	Check(ctx context.Context, identity string) (ratelimit.Status, error)
}

// AttachmentResolver turns request attachments into message parts.
type AttachmentResolver interface {
	Resolve(ctx context.Context, inline []attachment.Inline, remote []attachment.Remote) (*attachment.Result, error)
}

// Deps are the collaborators of an Orchestrator. Profiles may be nil.
type Deps struct {
	Quota       Quota
	Records     outbox.Store
	Profiles    profile.Store
	Attachments AttachmentResolver
	Transport   provider.Provider
}

// Config holds the pipeline settings.
type Config struct {
	// AllowedDomain restricts sender addresses. Empty allows any domain.
	AllowedDomain string
	Limits        attachment.Limits
	// RequireAllAttachments fails the request when any remote attachment
	// cannot be fetched, instead of sending without it.
	RequireAllAttachments bool
	TransmitTimeout       time.Duration
	// MessageIDDomain is the right-hand side of generated Message-IDs.
	// Empty uses the sender's domain.
	MessageIDDomain string
}

// Orchestrator executes dispatch requests. It is safe for concurrent use.
type Orchestrator struct {
	deps    Deps
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source used for send timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config, opts ...Option) *Orchestrator {
	if cfg.TransmitTimeout <= 0 {
		cfg.TransmitTimeout = DefaultTransmitTimeout
	}
	o := &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Dispatch sends req on behalf of actor.
//
// Failures before the record is persisted (ValidationError, RateLimitError,
// NoFromAddressError, AttachmentError) leave no durable trace. A transport
// failure finalises the record as FAILED and returns a TransmitError.
// Quota is consumed only when the transport accepts the message.
func (o *Orchestrator) Dispatch(ctx context.Context, req *Request, actor Actor) (*Result, error) {
	if err := req.validate(o.cfg.Limits); err != nil {
		o.count(outcomeInvalid)
		return nil, err
	}

	reservation, status, err := o.deps.Quota.Reserve(ctx, actor.ID)
	if err != nil {
		o.count(outcomeError)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}
	if !status.Allowed {
		o.count(outcomeRateLimited)
		return nil, &RateLimitError{Remaining: status.Remaining, ResetAt: status.ResetAt}
	}

	consumed := false
	defer func() {
		if !consumed {
			o.release(ctx, reservation)
		}
	}()

	prof, err := o.profile(ctx, actor.ID)
	if err != nil {
		o.count(outcomeError)
		return nil, err
	}

	sender, err := PolicyFor(actor.Role).ResolveSender(actor, prof, req)
	if err != nil {
		o.count(outcomeNoSender)
		return nil, err
	}
	if !email.InDomain(sender.From, o.cfg.AllowedDomain) {
		o.count(outcomeInvalid)
		return nil, &ValidationError{Problems: []string{
			fmt.Sprintf("from: %s is outside the allowed domain %s", sender.From, o.cfg.AllowedDomain),
		}}
	}

	var sig signature.Signature
	if prof != nil {
		sig = signature.Signature{HTML: prof.SignatureHTML, Enabled: prof.SignatureEnabled}
	}
	bodyHTML := signature.Apply(req.BodyHTML, req.WantsSignature(), sig)

	resolved, err := o.deps.Attachments.Resolve(ctx, req.Attachments, req.AttachmentURLs)
	if err != nil {
		o.count(outcomeInvalid)
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}
	if len(resolved.Dropped) > 0 {
		if o.metrics != nil {
			o.metrics.DroppedAttachments.Add(float64(len(resolved.Dropped)))
		}
		if o.cfg.RequireAllAttachments {
			o.count(outcomeAttachments)
			return nil, &AttachmentError{Dropped: resolved.Dropped}
		}
	}
	sizes := make([]int64, 0, len(resolved.Descriptors))
	for _, d := range resolved.Descriptors {
		sizes = append(sizes, d.Size)
	}
	if err := o.cfg.Limits.CheckTotal(sizes...); err != nil {
		o.count(outcomeInvalid)
		return nil, &ValidationError{Problems: []string{"attachments: " + err.Error()}}
	}
	descriptors, err := attachment.EncodeDescriptors(resolved.Descriptors)
	if err != nil {
		o.count(outcomeError)
		return nil, err
	}

	record := &outbox.Message{
		UserID:      actor.ID,
		From:        sender.From,
		ReplyTo:     sender.ReplyTo,
		To:          req.To,
		Cc:          req.Cc,
		Bcc:         req.Bcc,
		Subject:     req.Subject,
		BodyHTML:    bodyHTML,
		BodyText:    req.BodyText,
		Attachments: descriptors,
		InReplyTo:   req.InReplyTo,
		References:  req.References,
		IsReply:     req.IsReply,
		Status:      outbox.StatusPending,
	}
	if err := o.deps.Records.Create(ctx, record); err != nil {
		o.count(outcomeError)
		return nil, fmt.Errorf("failed to create email record: %w", err)
	}

	msg := &email.Email{
		From:        sender.From,
		ReplyTo:     sender.ReplyTo,
		To:          req.To,
		Cc:          req.Cc,
		Bcc:         req.Bcc,
		Subject:     req.Subject,
		TextBody:    req.BodyText,
		HtmlBody:    bodyHTML,
		Attachments: resolved.Attachments,
		MessageID:   o.messageID(sender.From),
		InReplyTo:   req.InReplyTo,
		References:  req.References,
		Headers:     email.SuppressionHeaders(),
	}

	providerID, sendErr := o.transmit(ctx, msg)

	// Finalisation must land even when the caller has gone away.
	finalCtx := context.WithoutCancel(ctx)

	if sendErr != nil {
		if err := o.deps.Records.MarkFailed(finalCtx, record.ID, sendErr.Error()); err != nil {
			o.logger.Error("failed to mark email as failed",
				"email_id", record.ID,
				"error", err,
			)
		}
		o.count(outcomeFailed)
		o.logger.Error("email transmit failed",
			"email_id", record.ID,
			"user_id", actor.ID,
			"provider", o.deps.Transport.Name(),
			"error", sendErr,
		)
		return nil, &TransmitError{EmailID: record.ID, Err: sendErr}
	}

	consumed = true
	if err := o.deps.Records.MarkSent(finalCtx, record.ID, o.now(), providerID); err != nil {
		o.logger.Error("email sent but record not finalised",
			"email_id", record.ID,
			"error", err,
		)
	}

	if st, err := o.deps.Quota.Check(finalCtx, actor.ID); err == nil {
		status = st
	} else {
		o.logger.Warn("failed to refresh rate limit after send", "user_id", actor.ID, "error", err)
	}

	o.count(outcomeSent)
	o.logger.Info("email dispatched",
		"email_id", record.ID,
		"user_id", actor.ID,
		"provider", o.deps.Transport.Name(),
		"recipients", len(msg.Recipients()),
		"attachments", len(msg.Attachments),
		"dropped_attachments", len(resolved.Dropped),
	)

	return &Result{
		EmailID:            record.ID,
		ProviderMessageID:  providerID,
		Remaining:          status.Remaining,
		ResetAt:            status.ResetAt,
		DroppedAttachments: resolved.Dropped,
	}, nil
}

// transmit calls the transport under the configured timeout.
func (o *Orchestrator) transmit(ctx context.Context, msg *email.Email) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, o.cfg.TransmitTimeout)
	defer cancel()

	start := time.Now()
	id, err := o.deps.Transport.Send(tctx, msg)

	if o.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		o.metrics.TransmitDuration.WithLabelValues(o.deps.Transport.Name(), status).Observe(time.Since(start).Seconds())
	}
	return id, err
}

func (o *Orchestrator) profile(ctx context.Context, userID string) (*profile.Profile, error) {
	if o.deps.Profiles == nil {
		return nil, nil
	}
	p, err := o.deps.Profiles.Get(ctx, userID)
	if errors.Is(err, profile.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user profile: %w", err)
	}
	return p, nil
}

func (o *Orchestrator) release(ctx context.Context, r ratelimit.Reservation) {
	if err := o.deps.Quota.Release(context.WithoutCancel(ctx), r); err != nil {
		o.logger.Warn("failed to release rate limit reservation",
			"user_id", r.Identity,
			"error", err,
		)
		return
	}
	if o.metrics != nil {
		o.metrics.ReleasedQuota.Inc()
	}
}

func (o *Orchestrator) messageID(from string) string {
	domain := o.cfg.MessageIDDomain
	if domain == "" {
		domain = email.DomainOf(from)
	}
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

func (o *Orchestrator) count(outcome string) {
	if o.metrics != nil {
		o.metrics.Dispatches.WithLabelValues(outcome).Inc()
	}
}
