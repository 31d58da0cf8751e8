package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/provider"
)

var _ provider.Provider = (*Provider)(nil)

// fakeGmail serves users.messages.send and records the decoded raw message.
func fakeGmail(t *testing.T, status int) (*httptest.Server, *string) {
	t.Helper()
	var lastRaw string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/gmail/v1/users/me/messages/send" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var m gmailapi.Message
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			t.Errorf("decode body: %v", err)
		}
		raw, err := base64.URLEncoding.DecodeString(m.Raw)
		if err != nil {
			t.Errorf("raw is not base64url: %v", err)
		}
		lastRaw = string(raw)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte(`{"id":"18c0ffee","threadId":"18c0ffee"}`))
			return
		}
		w.Write([]byte(`{"error":{"code":403,"message":"Delegation denied"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &lastRaw
}

func testFactory(srv *httptest.Server, users *[]string) serviceFactory {
	return func(ctx context.Context, user string) (*gmailapi.Service, error) {
		*users = append(*users, user)
		return gmailapi.NewService(ctx,
			option.WithEndpoint(srv.URL+"/"),
			option.WithHTTPClient(srv.Client()),
		)
	}
}

func TestSend_ImpersonatesFromAndReturnsGmailID(t *testing.T) {
	t.Parallel()

	srv, lastRaw := fakeGmail(t, http.StatusOK)
	var users []string
	p := newWithFactory("noreply@example.com", testFactory(srv, &users))

	msg := &email.Email{
		From:      "alice@example.com",
		To:        []string{"bob@example.com"},
		Bcc:       []string{"audit@example.com"},
		Subject:   "Hello",
		TextBody:  "hi",
		MessageID: "<g1@example.com>",
	}
	for i := 0; i < 2; i++ {
		id, err := p.Send(context.Background(), msg)
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if id != "18c0ffee" {
			t.Errorf("id: got %q", id)
		}
	}

	if len(users) != 1 || users[0] != "alice@example.com" {
		t.Errorf("services created for %v, want one for alice@example.com", users)
	}
	if !strings.Contains(*lastRaw, "From: alice@example.com") || !strings.Contains(*lastRaw, "Message-ID: <g1@example.com>") {
		t.Errorf("raw message headers:\n%s", *lastRaw)
	}
}

func TestSend_DefaultSender(t *testing.T) {
	t.Parallel()

	srv, _ := fakeGmail(t, http.StatusOK)
	var users []string
	p := newWithFactory("noreply@example.com", testFactory(srv, &users))

	if _, err := p.Send(context.Background(), &email.Email{To: []string{"bob@example.com"}, TextBody: "x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 1 || users[0] != "noreply@example.com" {
		t.Errorf("impersonated %v, want noreply@example.com", users)
	}
}

func TestSend_APIError(t *testing.T) {
	t.Parallel()

	srv, _ := fakeGmail(t, http.StatusForbidden)
	var users []string
	p := newWithFactory("noreply@example.com", testFactory(srv, &users))

	_, err := p.Send(context.Background(), &email.Email{To: []string{"bob@example.com"}, TextBody: "x"})
	if err == nil || !strings.Contains(err.Error(), "Delegation denied") {
		t.Fatalf("got %v, want API error", err)
	}
}

func TestSend_FactoryError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	p := newWithFactory("noreply@example.com", func(context.Context, string) (*gmailapi.Service, error) {
		calls.Add(1)
		return nil, errors.New("no key")
	})

	for i := 0; i < 2; i++ {
		if _, err := p.Send(context.Background(), &email.Email{TextBody: "x"}); err == nil {
			t.Fatal("expected error")
		}
	}
	if calls.Load() != 2 {
		t.Errorf("failed clients should not be cached: calls %d", calls.Load())
	}
}

func TestNew_Credentials(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), Config{}); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := New(context.Background(), Config{CredentialsJSON: []byte(`{"type":"authorized_user"}`)}); err == nil {
		t.Error("expected error for a non service-account key")
	}
	if _, err := New(context.Background(), Config{CredentialsFile: t.TempDir() + "/missing.json"}); err == nil {
		t.Error("expected error for missing key file")
	}
	if got := newWithFactory("", nil).Name(); got != "gmail" {
		t.Errorf("Name: got %q", got)
	}
}
