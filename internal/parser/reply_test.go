package parser

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func buildMessage(headers ...string) []byte {
	lines := append([]string{}, headers...)
	lines = append(lines, "Content-Type: text/plain", "", "line one", "line two")
	return []byte(strings.Join(lines, "\r\n"))
}

func TestReplyParse_Threading(t *testing.T) {
	t.Parallel()

	raw := buildMessage(
		"From: Alice <alice@example.com>",
		"To: Me <Me@Example.com>",
		"Subject: Plan",
		"Message-Id: <b>",
		"References: <a>",
	)

	p := NewReplyParser(0, discardLogger())
	r, err := p.Parse("user-1", "mail.eml", raw, "me@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if r.References != "<a> <b>" {
		t.Errorf("References: got %q, want %q", r.References, "<a> <b>")
	}
	if r.InReplyTo != "<b>" {
		t.Errorf("InReplyTo: got %q, want %q", r.InReplyTo, "<b>")
	}
	if r.From != "alice@example.com" {
		t.Errorf("From: got %q", r.From)
	}
	if len(r.To) != 1 || r.To[0] != "me@example.com" {
		t.Errorf("To: got %v, want lower-cased [me@example.com]", r.To)
	}
}

func TestReplyParse_ExplicitInReplyTo(t *testing.T) {
	t.Parallel()

	raw := buildMessage(
		"From: alice@example.com",
		"To: me@example.com",
		"Message-Id: <c>",
		"In-Reply-To: <b>",
		"References: <a> <b>",
	)

	r, err := NewReplyParser(0, discardLogger()).Parse("u", "x.eml", raw, "me@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.InReplyTo != "<b>" {
		t.Errorf("InReplyTo: got %q, want %q", r.InReplyTo, "<b>")
	}
	if r.References != "<a> <b> <c>" {
		t.Errorf("References: got %q", r.References)
	}
}

func TestReplyParse_BccOnlyRecipient(t *testing.T) {
	t.Parallel()

	raw := buildMessage(
		"From: alice@example.com",
		"To: bob@example.com",
		"Bcc: me@example.com",
		"Message-Id: <m1>",
	)

	if _, err := NewReplyParser(0, discardLogger()).Parse("u", "x.eml", raw, "ME@example.com"); err != nil {
		t.Fatalf("Bcc recipient rejected: %v", err)
	}
}

func TestReplyParse_GroupRecipient(t *testing.T) {
	t.Parallel()

	raw := buildMessage(
		"From: alice@example.com",
		"To: Team: bob@example.com, me@example.com;",
		"Message-Id: <m1>",
	)

	r, err := NewReplyParser(0, discardLogger()).Parse("u", "x.eml", raw, "me@example.com")
	if err != nil {
		t.Fatalf("group member rejected: %v", err)
	}
	if len(r.To) != 2 {
		t.Errorf("To: got %v, want both group members", r.To)
	}
}

func TestReplyParse_NotRecipient(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))

	raw := buildMessage(
		"From: alice@example.com",
		"To: bob@example.com",
		"Cc: carol@example.com",
		"Message-Id: <m1>",
	)

	_, err := NewReplyParser(0, logger).Parse("user-42", "x.eml", raw, "me@example.com")
	var nre *NotRecipientError
	if !errors.As(err, &nre) {
		t.Fatalf("got %v, want NotRecipientError", err)
	}
	if !strings.Contains(logs.String(), `"actor_id":"user-42"`) || !strings.Contains(logs.String(), `"level":"WARN"`) {
		t.Errorf("security event not logged with actor: %s", logs.String())
	}

	if _, err := NewReplyParser(0, logger).Parse("user-42", "x.eml", raw, ""); !errors.As(err, &nre) {
		t.Errorf("empty current user: got %v, want NotRecipientError", err)
	}
}

func TestReplyParse_Quoting(t *testing.T) {
	t.Parallel()

	raw := buildMessage(
		"From: alice@example.com",
		"To: me@example.com",
		"Message-Id: <m1>",
	)

	r, err := NewReplyParser(0, discardLogger()).Parse("u", "x.eml", raw, "me@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.QuotedText != "> line one\n> line two" {
		t.Errorf("QuotedText: got %q", r.QuotedText)
	}
	want := blockquoteOpen + "&gt; line one<br>&gt; line two</blockquote>"
	if r.QuotedHTML != want {
		t.Errorf("QuotedHTML: got %q, want %q", r.QuotedHTML, want)
	}
}

func TestReplyParse_QuotesHTMLBody(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: alice@example.com",
		"To: me@example.com",
		"Message-Id: <m1>",
		"Content-Type: text/html",
		"",
		"<p>hello</p>",
	}, "\r\n"))

	r, err := NewReplyParser(0, discardLogger()).Parse("u", "x.EML", raw, "me@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.QuotedHTML != blockquoteOpen+"<p>hello</p></blockquote>" {
		t.Errorf("QuotedHTML: got %q", r.QuotedHTML)
	}
}

func TestReplyParse_Rejections(t *testing.T) {
	t.Parallel()

	valid := buildMessage("From: a@example.com", "To: me@example.com")
	p := NewReplyParser(64, discardLogger())

	tests := []struct {
		name     string
		filename string
		raw      []byte
	}{
		{"wrong extension", "mail.txt", valid},
		{"too large", "mail.eml", bytes.Repeat([]byte("x"), 65)},
		{"empty", "mail.eml", []byte("  \r\n")},
		{"ole compound", "mail.msg", append(append([]byte{}, oleSignature...), make([]byte, 16)...)},
		{"garbage", "mail.eml", []byte("not an email\x00")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := p.Parse("u", tt.filename, tt.raw, "me@example.com")
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Errorf("got %v, want ParseError", err)
			}
		})
	}
}

func TestReplyParse_HeadersAndDate(t *testing.T) {
	t.Parallel()

	raw := buildMessage(
		"From: alice@example.com",
		"To: me@example.com",
		"Date: Mon, 02 Jan 2006 15:04:05 -0700",
		"X-Mailer: test",
	)

	r, err := NewReplyParser(0, discardLogger()).Parse("u", "x.eml", raw, "me@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Headers["x-mailer"] != "test" {
		t.Errorf("headers: got %v", r.Headers)
	}
	if r.Date == nil || r.Date.Year() != 2006 {
		t.Errorf("Date: got %v", r.Date)
	}
	if r.References != "" || r.InReplyTo != "" {
		t.Errorf("threading without Message-Id: refs=%q inReplyTo=%q", r.References, r.InReplyTo)
	}
}
