package parser

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/shineum/mail-dispatch/internal/email"
)

func crlf(lines ...string) []byte {
	return []byte(strings.Join(lines, "\r\n"))
}

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  []byte
		want *email.Email
	}{
		{
			name: "plain text",
			raw: crlf(
				"From: sender@example.com",
				"To: recipient@example.com",
				"Subject: Quarterly numbers",
				"Message-Id: <q3@example.com>",
				"Content-Type: text/plain",
				"",
				"Numbers are in.",
			),
			want: &email.Email{
				From:      "sender@example.com",
				To:        []string{"recipient@example.com"},
				Subject:   "Quarterly numbers",
				MessageID: "<q3@example.com>",
				TextBody:  "Numbers are in.",
			},
		},
		{
			name: "missing content type is plain text",
			raw: crlf(
				"From: sender@example.com",
				"",
				"untyped body",
			),
			want: &email.Email{From: "sender@example.com", TextBody: "untyped body"},
		},
		{
			name: "alternative with display names and cc",
			raw: crlf(
				"From: Sender <sender@example.com>",
				"To: Alice <alice@example.com>, bob@example.com",
				"Cc: carol@example.com",
				"Reply-To: desk@example.com",
				"Content-Type: multipart/alternative; boundary=alt",
				"",
				"--alt",
				"Content-Type: text/plain",
				"",
				"plain",
				"--alt",
				"Content-Type: text/html",
				"",
				"<p>rich</p>",
				"--alt--",
			),
			want: &email.Email{
				From:     "sender@example.com",
				ReplyTo:  "desk@example.com",
				To:       []string{"alice@example.com", "bob@example.com"},
				Cc:       []string{"carol@example.com"},
				TextBody: "plain",
				HtmlBody: "<p>rich</p>",
			},
		},
		{
			name: "group syntax and bcc",
			raw: crlf(
				"From: sender@example.com",
				"To: Team: a@example.com, b@example.com;, c@example.com",
				"Bcc: secret@example.com",
				"",
				"hi",
			),
			want: &email.Email{
				From:     "sender@example.com",
				To:       []string{"a@example.com", "b@example.com", "c@example.com"},
				Bcc:      []string{"secret@example.com"},
				TextBody: "hi",
			},
		},
		{
			name: "base64 attachment folded with CRLF",
			raw: crlf(
				"From: sender@example.com",
				"Content-Type: multipart/mixed; boundary=mix",
				"",
				"--mix",
				"Content-Type: text/plain",
				"",
				"see attached",
				"--mix",
				`Content-Type: application/pdf; name="report.pdf"`,
				`Content-Disposition: attachment; filename="report.pdf"`,
				"Content-Transfer-Encoding: base64",
				"",
				"SGVsbG8g",
				"V29ybGQ=",
				"--mix--",
			),
			want: &email.Email{
				From:     "sender@example.com",
				TextBody: "see attached",
				Attachments: []email.Attachment{
					{Filename: "report.pdf", ContentType: "application/pdf", Content: []byte("Hello World")},
				},
			},
		},
		{
			name: "unnamed attachment takes subtype name",
			raw: crlf(
				"From: sender@example.com",
				"Content-Type: multipart/mixed; boundary=mix",
				"",
				"--mix",
				"Content-Type: image/png",
				"Content-Disposition: attachment",
				"",
				"png",
				"--mix--",
			),
			want: &email.Email{
				From: "sender@example.com",
				Attachments: []email.Attachment{
					{Filename: "attachment.png", ContentType: "image/png", Content: []byte("png")},
				},
			},
		},
		{
			name: "named inline part is an attachment",
			raw: crlf(
				"From: sender@example.com",
				"Content-Type: multipart/related; boundary=rel",
				"",
				"--rel",
				"Content-Type: text/html",
				"",
				`<img src="cid:logo">`,
				"--rel",
				`Content-Type: image/gif; name="logo.gif"`,
				"Content-Disposition: inline",
				"",
				"GIF89a",
				"--rel--",
			),
			want: &email.Email{
				From:     "sender@example.com",
				HtmlBody: `<img src="cid:logo">`,
				Attachments: []email.Attachment{
					{Filename: "logo.gif", ContentType: "image/gif", Content: []byte("GIF89a")},
				},
			},
		},
		{
			name: "nested multipart keeps first bodies",
			raw: crlf(
				"From: sender@example.com",
				"Content-Type: multipart/mixed; boundary=outer",
				"",
				"--outer",
				"Content-Type: multipart/alternative; boundary=inner",
				"",
				"--inner",
				"Content-Type: text/plain",
				"",
				"first",
				"--inner",
				"Content-Type: text/html",
				"",
				"<p>first</p>",
				"--inner--",
				"--outer",
				"Content-Type: text/plain",
				"",
				"second",
				"--outer",
				`Content-Type: application/octet-stream`,
				`Content-Disposition: attachment; filename="data.bin"`,
				"",
				"bytes",
				"--outer--",
			),
			want: &email.Email{
				From:     "sender@example.com",
				TextBody: "first",
				HtmlBody: "<p>first</p>",
				Attachments: []email.Attachment{
					{Filename: "data.bin", ContentType: "application/octet-stream", Content: []byte("bytes")},
				},
			},
		},
		{
			name: "unusable parts are skipped",
			raw: crlf(
				"From: sender@example.com",
				"Content-Type: multipart/mixed; boundary=mix",
				"",
				"--mix",
				"Content-Type: ;;;",
				"",
				"garbage",
				"--mix",
				"Content-Type: multipart/alternative",
				"",
				"no boundary",
				"--mix",
				"Content-Type: application/x-unknown",
				"",
				"opaque",
				"--mix",
				"Content-Type: text/plain",
				"",
				"kept",
				"--mix--",
			),
			want: &email.Email{From: "sender@example.com", TextBody: "kept"},
		},
		{
			name: "charset and encoded words",
			raw: crlf(
				"From: =?ISO-8859-1?Q?Andr=E9?= <andre@example.com>",
				"Subject: =?UTF-8?B?w4ljaGFuZ2U=?=",
				"Content-Type: text/plain; charset=ISO-8859-1",
				"Content-Transfer-Encoding: quoted-printable",
				"",
				"Caf=E9 cr=E8me",
			),
			want: &email.Email{
				From:     "andre@example.com",
				Subject:  "Échange",
				TextBody: "Café crème",
			},
		},
		{
			name: "base64 html part in windows-1252",
			raw: crlf(
				"From: sender@example.com",
				"Content-Type: multipart/alternative; boundary=b1",
				"",
				"--b1",
				"Content-Type: text/html; charset=windows-1252",
				"Content-Transfer-Encoding: base64",
				"",
				"PHA+gHM8L3A+",
				"--b1--",
			),
			want: &email.Email{From: "sender@example.com", HtmlBody: "<p>€s</p>"},
		},
		{
			name: "threading headers are normalised",
			raw: crlf(
				"From: sender@example.com",
				"Message-Id: <c@example.com>",
				"In-Reply-To:  <b@example.com>",
				"References: <a@example.com>",
				"  <b@example.com>",
				"",
				"body",
			),
			want: &email.Email{
				From:       "sender@example.com",
				MessageID:  "<c@example.com>",
				InReplyTo:  "<b@example.com>",
				References: "<a@example.com> <b@example.com>",
				TextBody:   "body",
			},
		},
	}

	ignoreRaw := cmpopts.IgnoreFields(email.Email{}, "RawHeaders")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got, ignoreRaw, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("decoded message mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	tests := map[string][]byte{
		"not a message": []byte("not a valid email at all\x00\x01\x02"),
		"top-level multipart without boundary": crlf(
			"From: sender@example.com",
			"Content-Type: multipart/mixed",
			"",
			"body",
		),
		"corrupt base64 body": crlf(
			"From: sender@example.com",
			"Content-Transfer-Encoding: base64",
			"",
			"!!!not base64!!!",
		),
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := Parse(raw); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestDecode_RawHeaders(t *testing.T) {
	t.Parallel()

	msg, err := Parse(crlf(
		"From: sender@example.com",
		"X-Trace: one",
		"X-Trace: two",
		"",
		"body",
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"one", "two"}, msg.RawHeaders["X-Trace"]); diff != "" {
		t.Errorf("X-Trace mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_MalformedTopLevelTypeReadsBody(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	d := NewDecoder(slog.New(slog.NewTextHandler(&logs, nil)))

	msg, err := d.Decode(crlf(
		"From: sender@example.com",
		"Content-Type: ;;;",
		"",
		"still readable",
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.TextBody != "still readable" {
		t.Errorf("TextBody: got %q", msg.TextBody)
	}
	if !strings.Contains(logs.String(), "malformed content type") {
		t.Errorf("expected a warning, got logs:\n%s", logs.String())
	}
}

func TestDecode_NestingIsBounded(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("From: sender@example.com\r\n")
	for i := 0; i <= maxDepth+1; i++ {
		fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=b%d\r\n\r\n--b%d\r\n", i, i)
	}
	b.WriteString("Content-Type: text/plain\r\n\r\ntoo deep\r\n")
	for i := maxDepth + 1; i >= 0; i-- {
		fmt.Fprintf(&b, "--b%d--\r\n", i)
	}

	msg, err := Parse([]byte(b.String()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.TextBody != "" {
		t.Errorf("body beyond the nesting limit should be skipped, got %q", msg.TextBody)
	}
}

func TestDecode_RoundTripsBuiltMIME(t *testing.T) {
	t.Parallel()

	built, err := email.BuildMIME(&email.Email{
		From:     "sender@example.com",
		To:       []string{"a@example.com"},
		Subject:  "Über",
		TextBody: "plain",
		HtmlBody: "<p>rich</p>",
		Attachments: []email.Attachment{
			{Filename: "a.bin", ContentType: "application/octet-stream", Content: []byte{0, 1, 2, 3}},
		},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	msg, err := Parse(built)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Subject != "Über" || msg.TextBody != "plain" || msg.HtmlBody != "<p>rich</p>" {
		t.Errorf("round trip: subject=%q text=%q html=%q", msg.Subject, msg.TextBody, msg.HtmlBody)
	}
	if len(msg.Attachments) != 1 || string(msg.Attachments[0].Content) != "\x00\x01\x02\x03" {
		t.Errorf("attachments: got %+v", msg.Attachments)
	}
}

func TestAttachmentName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		disposition string
		params      map[string]string
		media       string
		want        string
	}{
		{"a.pdf", map[string]string{"name": "b.pdf"}, "application/pdf", "a.pdf"},
		{"", map[string]string{"name": "b.pdf"}, "application/pdf", "b.pdf"},
		{"=?UTF-8?Q?r=C3=A9sum=C3=A9.txt?=", nil, "text/plain", "résumé.txt"},
		{"", nil, "image/jpeg", "attachment.jpeg"},
		{"", nil, "weird", "attachment"},
	}
	for _, tt := range tests {
		if got := attachmentName(tt.disposition, tt.params, tt.media); got != tt.want {
			t.Errorf("attachmentName(%q, %v, %q): got %q, want %q", tt.disposition, tt.params, tt.media, got, tt.want)
		}
	}
}
