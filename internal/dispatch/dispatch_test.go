package dispatch

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/mail-dispatch/internal/attachment"
	"github.com/shineum/mail-dispatch/internal/blob"
	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/outbox"
	"github.com/shineum/mail-dispatch/internal/profile"
	"github.com/shineum/mail-dispatch/internal/ratelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeTransport records every message it is asked to send.
type fakeTransport struct {
	mu    sync.Mutex
	sent  []*email.Email
	err   error
	block bool
	id    string
}

func (f *fakeTransport) Send(ctx context.Context, msg *email.Email) (string, error) {
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.err != nil {
		return "", f.err
	}
	return f.id, nil
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) last() *email.Email {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type harness struct {
	orch      *Orchestrator
	limiter   *ratelimit.Limiter
	records   *outbox.MemoryStore
	profiles  *profile.MemoryStore
	transport *fakeTransport
	blobs     map[string][]byte
	clock     *fakeClock
	metrics   *Metrics
}

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, cfg Config, limit int) *harness {
	t.Helper()

	h := &harness{
		records:   outbox.NewMemoryStore(),
		transport: &fakeTransport{id: "provider-1"},
		blobs:     map[string][]byte{},
		clock:     &fakeClock{now: epoch},
		metrics:   NewMetrics(prometheus.NewRegistry()),
	}
	h.profiles = profile.NewMemoryStore(
		profile.Profile{
			UserID:           "u1",
			Email:            "alice@example.com",
			Role:             profile.RoleUser,
			FromAddress:      "team@example.com",
			SignatureHTML:    "<p>Regards</p>",
			SignatureEnabled: true,
		},
		profile.Profile{UserID: "nofrom", Email: "bob@example.com", Role: profile.RoleUser},
	)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h.limiter = ratelimit.New(ratelimit.NewMemoryStore(),
		ratelimit.Config{Limit: limit, Window: time.Hour},
		ratelimit.WithClock(h.clock.Now),
		ratelimit.WithLogger(logger),
	)
	fetcher := blob.FetcherFunc(func(_ context.Context, url string) ([]byte, error) {
		data, ok := h.blobs[url]
		if !ok {
			return nil, blob.ErrNotFound
		}
		return data, nil
	})

	h.orch = New(Deps{
		Quota:       h.limiter,
		Records:     h.records,
		Profiles:    h.profiles,
		Attachments: attachment.NewResolver(fetcher, attachment.WithLogger(logger)),
		Transport:   h.transport,
	}, cfg,
		WithLogger(logger),
		WithMetrics(h.metrics),
		WithClock(h.clock.Now),
	)
	return h
}

func (h *harness) remaining(t *testing.T, id string) int {
	t.Helper()
	st, err := h.limiter.Check(context.Background(), id)
	require.NoError(t, err)
	return st.Remaining
}

func (h *harness) recordCount(t *testing.T) int {
	t.Helper()
	_, total, err := h.records.List(context.Background(), outbox.Filter{})
	require.NoError(t, err)
	return total
}

func (h *harness) outcome(name string) float64 {
	return testutil.ToFloat64(h.metrics.Dispatches.WithLabelValues(name))
}

func validRequest() *Request {
	return &Request{
		To:       []string{"carol@example.org"},
		Subject:  "Quarterly report",
		BodyHTML: "<p>Attached.</p>",
		BodyText: "Attached.",
	}
}

var standardActor = Actor{ID: "u1", Email: "alice@example.com", Role: profile.RoleUser}

var messageIDPattern = regexp.MustCompile(`^<[0-9a-f-]{36}@example\.com>$`)

func TestDispatch_Success(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, 5)

	res, err := h.orch.Dispatch(context.Background(), validRequest(), standardActor)
	require.NoError(t, err)

	assert.NotEmpty(t, res.EmailID)
	assert.Equal(t, "provider-1", res.ProviderMessageID)
	assert.Equal(t, 4, res.Remaining)
	assert.Equal(t, epoch.Add(time.Hour), res.ResetAt)
	assert.Empty(t, res.DroppedAttachments)

	msg := h.transport.last()
	require.NotNil(t, msg)
	assert.Equal(t, "team@example.com", msg.From)
	assert.Equal(t, []string{"carol@example.org"}, msg.To)
	assert.Equal(t, `<p>Attached.</p><br><br><div class="email-signature"><p>Regards</p></div>`, msg.HtmlBody)
	assert.Equal(t, "Attached.", msg.TextBody)
	assert.Regexp(t, messageIDPattern, msg.MessageID)
	assert.Equal(t, email.SuppressionHeaders(), msg.Headers)

	rec, err := h.records.Get(context.Background(), res.EmailID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSent, rec.Status)
	assert.Equal(t, "provider-1", rec.ProviderMessageID)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, "team@example.com", rec.From)
	assert.Equal(t, msg.HtmlBody, rec.BodyHTML)
	require.NotNil(t, rec.SentAt)
	assert.True(t, rec.SentAt.Equal(epoch))

	assert.Equal(t, 1.0, h.outcome(outcomeSent))
	assert.Equal(t, 1, testutil.CollectAndCount(h.metrics.TransmitDuration))
}

func TestDispatch_ValidationCreatesNoRecord(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(r *Request)
		want   string
	}{
		{"no recipients", func(r *Request) { r.To = nil }, "to: at least one recipient"},
		{"bad cc", func(r *Request) { r.Cc = []string{"not-an-address"} }, "cc[0]"},
		{"display name", func(r *Request) { r.To = []string{"Carol <carol@example.org>"} }, "display names"},
		{"blank subject", func(r *Request) { r.Subject = "  " }, "subject"},
		{"blank body", func(r *Request) { r.BodyHTML = "" }, "bodyHtml"},
		{"bad reply-to", func(r *Request) { r.ReplyTo = "nobody" }, "replyTo"},
		{"remote without url", func(r *Request) {
			r.AttachmentURLs = []attachment.Remote{{Filename: "a.pdf"}}
		}, "blobUrl is required"},
		{"declared total too large", func(r *Request) {
			r.AttachmentURLs = []attachment.Remote{{Filename: "a.bin", BlobURL: "mem:///a", Size: 30 << 20}}
		}, "total size limit"},
		{"undecodable inline", func(r *Request) {
			r.Attachments = []attachment.Inline{{Filename: "a.txt", Content: "!!!not base64"}}
		}, "invalid base64"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, Config{}, 5)

			req := validRequest()
			tt.mutate(req)
			_, err := h.orch.Dispatch(context.Background(), req, standardActor)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Error(), tt.want)
			assert.Zero(t, h.recordCount(t))
			assert.Zero(t, h.transport.calls())
			assert.Equal(t, 5, h.remaining(t, "u1"))
		})
	}
}

func TestDispatch_StandardActorWithoutSender(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, 5)

	actor := Actor{ID: "nofrom", Email: "bob@example.com", Role: profile.RoleUser}
	_, err := h.orch.Dispatch(context.Background(), validRequest(), actor)

	var nerr *NoFromAddressError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, "nofrom", nerr.UserID)
	assert.Zero(t, h.recordCount(t))
	assert.Zero(t, h.transport.calls())
	assert.Equal(t, 5, h.remaining(t, "nofrom"))
	assert.Equal(t, 1.0, h.outcome(outcomeNoSender))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ReleasedQuota))
}

func TestDispatch_SenderPolicy(t *testing.T) {
	t.Parallel()

	t.Run("standard actor cannot set reply-to", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, 5)

		req := validRequest()
		req.ReplyTo = "elsewhere@example.net"
		_, err := h.orch.Dispatch(context.Background(), req, standardActor)
		require.NoError(t, err)

		assert.Empty(t, h.transport.last().ReplyTo)
	})

	t.Run("claim address used when profile has none", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, 5)

		actor := Actor{ID: "nofrom", Role: profile.RoleUser, FromAddress: "desk@example.com"}
		_, err := h.orch.Dispatch(context.Background(), validRequest(), actor)
		require.NoError(t, err)

		assert.Equal(t, "desk@example.com", h.transport.last().From)
	})

	t.Run("privileged actor falls back to login address", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, 5)

		actor := Actor{ID: "admin", Email: "root@example.com", Role: profile.RoleSuperAdmin}
		req := validRequest()
		req.ReplyTo = "support@example.com"
		_, err := h.orch.Dispatch(context.Background(), req, actor)
		require.NoError(t, err)

		msg := h.transport.last()
		assert.Equal(t, "root@example.com", msg.From)
		assert.Equal(t, "support@example.com", msg.ReplyTo)
	})

	t.Run("sender outside allowed domain", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{AllowedDomain: "corp.example"}, 5)

		_, err := h.orch.Dispatch(context.Background(), validRequest(), standardActor)

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Error(), "allowed domain corp.example")
		assert.Zero(t, h.recordCount(t))
		assert.Equal(t, 5, h.remaining(t, "u1"))
	})
}

func TestDispatch_TransmitFailureKeepsQuota(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, 5)
	h.transport.err = errors.New("mailbox unavailable")

	_, err := h.orch.Dispatch(context.Background(), validRequest(), standardActor)

	var terr *TransmitError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, err.Error(), "failed to send email: mailbox unavailable")

	rec, err := h.records.Get(context.Background(), terr.EmailID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, rec.Status)
	assert.Equal(t, "mailbox unavailable", rec.Error)
	assert.Nil(t, rec.SentAt)

	assert.Equal(t, 5, h.remaining(t, "u1"))
	assert.Equal(t, 1.0, h.outcome(outcomeFailed))
}

func TestDispatch_TransmitTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{TransmitTimeout: 20 * time.Millisecond}, 5)
	h.transport.block = true

	_, err := h.orch.Dispatch(context.Background(), validRequest(), standardActor)

	var terr *TransmitError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	rec, err := h.records.Get(context.Background(), terr.EmailID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, rec.Status)
	assert.Equal(t, 5, h.remaining(t, "u1"))
}

func TestDispatch_RateLimitWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, 2)
	ctx := context.Background()

	first, err := h.orch.Dispatch(ctx, validRequest(), standardActor)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Remaining)

	second, err := h.orch.Dispatch(ctx, validRequest(), standardActor)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Remaining)

	_, err = h.orch.Dispatch(ctx, validRequest(), standardActor)
	var rerr *RateLimitError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 0, rerr.Remaining)
	assert.Equal(t, epoch.Add(time.Hour), rerr.ResetAt)
	assert.Equal(t, 2, h.transport.calls())
	assert.Equal(t, 2, h.recordCount(t))
	assert.Equal(t, 1.0, h.outcome(outcomeRateLimited))

	h.clock.Advance(time.Hour)

	fourth, err := h.orch.Dispatch(ctx, validRequest(), standardActor)
	require.NoError(t, err)
	assert.Equal(t, 1, fourth.Remaining)
	assert.Equal(t, epoch.Add(2*time.Hour), fourth.ResetAt)
}

func TestDispatch_ConcurrentRequestsRespectLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, 3)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.orch.Dispatch(context.Background(), validRequest(), standardActor)
		}()
	}
	wg.Wait()

	var ok, limited int
	for _, err := range errs {
		var rerr *RateLimitError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &rerr):
			limited++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 3, ok)
	assert.Equal(t, 7, limited)
	assert.Equal(t, 3, h.transport.calls())
}

func TestDispatch_Attachments(t *testing.T) {
	t.Parallel()

	inline := attachment.Inline{
		Filename: "notes.txt",
		Content:  base64.StdEncoding.EncodeToString([]byte("inline notes")),
	}

	t.Run("unreachable remote is dropped", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, 5)
		h.blobs["mem:///u1/report.pdf"] = []byte("%PDF-1.4")

		req := validRequest()
		req.Attachments = []attachment.Inline{inline}
		req.AttachmentURLs = []attachment.Remote{
			{Filename: "report.pdf", BlobURL: "mem:///u1/report.pdf"},
			{Filename: "gone.pdf", BlobURL: "mem:///u1/gone.pdf"},
		}

		res, err := h.orch.Dispatch(context.Background(), req, standardActor)
		require.NoError(t, err)

		require.Len(t, res.DroppedAttachments, 1)
		assert.Equal(t, "gone.pdf", res.DroppedAttachments[0].Filename)
		assert.ErrorIs(t, res.DroppedAttachments[0], blob.ErrNotFound)

		msg := h.transport.last()
		require.Len(t, msg.Attachments, 2)
		assert.Equal(t, "notes.txt", msg.Attachments[0].Filename)
		assert.Equal(t, []byte("inline notes"), msg.Attachments[0].Content)
		assert.Equal(t, "report.pdf", msg.Attachments[1].Filename)

		rec, err := h.records.Get(context.Background(), res.EmailID)
		require.NoError(t, err)
		assert.Contains(t, rec.Attachments, `"filename":"notes.txt"`)
		assert.Contains(t, rec.Attachments, `"blobUrl":"mem:///u1/report.pdf"`)
		assert.NotContains(t, rec.Attachments, "gone.pdf")
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DroppedAttachments))
	})

	t.Run("required attachments fail the request", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{RequireAllAttachments: true}, 5)

		req := validRequest()
		req.AttachmentURLs = []attachment.Remote{{Filename: "gone.pdf", BlobURL: "mem:///u1/gone.pdf"}}

		_, err := h.orch.Dispatch(context.Background(), req, standardActor)

		var aerr *AttachmentError
		require.ErrorAs(t, err, &aerr)
		assert.Contains(t, aerr.Error(), "gone.pdf")
		assert.Zero(t, h.recordCount(t))
		assert.Zero(t, h.transport.calls())
		assert.Equal(t, 5, h.remaining(t, "u1"))
	})

	t.Run("fetched total over limit", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{Limits: attachment.Limits{MaxTotalSize: 16}}, 5)
		h.blobs["mem:///u1/big.bin"] = []byte(strings.Repeat("x", 32))

		req := validRequest()
		req.AttachmentURLs = []attachment.Remote{{Filename: "big.bin", BlobURL: "mem:///u1/big.bin"}}

		_, err := h.orch.Dispatch(context.Background(), req, standardActor)

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Zero(t, h.recordCount(t))
		assert.Equal(t, 5, h.remaining(t, "u1"))
	})
}

func TestDispatch_SignatureOptOut(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, 5)

	include := false
	req := validRequest()
	req.IncludeSignature = &include
	_, err := h.orch.Dispatch(context.Background(), req, standardActor)
	require.NoError(t, err)

	assert.Equal(t, "<p>Attached.</p>", h.transport.last().HtmlBody)
}

func TestDispatch_ThreadingHeaders(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MessageIDDomain: "mail.example.com"}, 5)

	req := validRequest()
	req.InReplyTo = "<orig@example.org>"
	req.References = "<root@example.org> <orig@example.org>"
	req.IsReply = true

	res, err := h.orch.Dispatch(context.Background(), req, standardActor)
	require.NoError(t, err)

	msg := h.transport.last()
	assert.Equal(t, "<orig@example.org>", msg.InReplyTo)
	assert.Equal(t, "<root@example.org> <orig@example.org>", msg.References)
	assert.True(t, strings.HasSuffix(msg.MessageID, "@mail.example.com>"))

	rec, err := h.records.Get(context.Background(), res.EmailID)
	require.NoError(t, err)
	assert.Equal(t, "<orig@example.org>", rec.InReplyTo)
	assert.Equal(t, req.References, rec.References)
	assert.True(t, rec.IsReply)
}

func TestDispatch_CallerCancelAfterSendStillFinalises(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, 5)

	ctx, cancel := context.WithCancel(context.Background())
	h.orch.deps.Transport = transportFunc(func(_ context.Context, _ *email.Email) (string, error) {
		cancel()
		return "accepted", nil
	})

	res, err := h.orch.Dispatch(ctx, validRequest(), standardActor)
	require.NoError(t, err)
	assert.Equal(t, "accepted", res.ProviderMessageID)
	assert.Equal(t, 4, res.Remaining)

	rec, err := h.records.Get(context.Background(), res.EmailID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusSent, rec.Status)
}

type transportFunc func(ctx context.Context, msg *email.Email) (string, error)

func (f transportFunc) Send(ctx context.Context, msg *email.Email) (string, error) { return f(ctx, msg) }
func (f transportFunc) Name() string                                             { return "func" }
