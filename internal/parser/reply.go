package parser

import (
	"bytes"
	"fmt"
	"html"
	"log/slog"
	"net/mail"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/shineum/mail-dispatch/internal/email"
)

// DefaultMaxSize is the largest inbound message ReplyParser accepts.
const DefaultMaxSize = 10 << 20

const (
	quoteMarker    = "> "
	blockquoteOpen = `<blockquote style="margin: 0 0 0 0.8ex; border-left: 1px solid #ccc; padding-left: 1ex;">`
)

// AllowedExtensions lists the accepted upload file extensions.
var AllowedExtensions = []string{".eml", ".msg"}

// oleSignature starts every OLE compound file, the container Outlook uses
// for binary .msg files.
var oleSignature = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// ParseError reports an inbound message that was rejected or could not be
// decoded.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NotRecipientError reports that the caller was not among the original
// message's To, Cc or Bcc recipients.
type NotRecipientError struct {
	Address string
}

func (e *NotRecipientError) Error() string {
	return "you cannot reply to this email: you were not a recipient (To/Cc/Bcc)"
}

// Reply is an inbound message decoded into the fields a reply form needs.
type Reply struct {
	From       string            `json:"from"`
	To         []string          `json:"to"`
	Cc         []string          `json:"cc"`
	Bcc        []string          `json:"bcc"`
	Subject    string            `json:"subject"`
	MessageID  string            `json:"messageId"`
	References string            `json:"references"`
	InReplyTo  string            `json:"inReplyTo"`
	Date       *time.Time        `json:"date,omitempty"`
	Text       string            `json:"text"`
	HTML       string            `json:"html"`
	QuotedText string            `json:"quotedText"`
	QuotedHTML string            `json:"quotedHtml"`
	Headers    map[string]string `json:"headers"`
}

// ReplyParser turns an uploaded message into Reply data, enforcing that
// the current user received the message.
type ReplyParser struct {
	maxSize int64
	logger  *slog.Logger
}

// NewReplyParser creates a ReplyParser. A non-positive maxSize uses
// DefaultMaxSize.
func NewReplyParser(maxSize int64, logger *slog.Logger) *ReplyParser {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyParser{maxSize: maxSize, logger: logger}
}

// MaxSize returns the inbound size limit in bytes.
func (p *ReplyParser) MaxSize() int64 {
	return p.maxSize
}

// Parse validates and decodes raw. actorID identifies the caller in audit
// logs; currentUser is the address that must appear among the recipients.
func (p *ReplyParser) Parse(actorID, filename string, raw []byte, currentUser string) (*Reply, error) {
	if err := p.precheck(filename, raw); err != nil {
		return nil, err
	}

	msg, err := NewDecoder(p.logger).Decode(raw)
	if err != nil {
		return nil, &ParseError{Reason: "failed to parse email file", Err: err}
	}

	to := lowerAll(msg.To)
	cc := lowerAll(msg.Cc)
	bcc := lowerAll(msg.Bcc)

	user := email.NormalizeAddress(currentUser)
	if user == "" || !(slices.Contains(to, user) || slices.Contains(cc, user) || slices.Contains(bcc, user)) {
		p.logger.Warn("reply attempted by non-recipient",
			"actor_id", actorID,
			"address", user,
			"message_id", msg.MessageID,
		)
		return nil, &NotRecipientError{Address: user}
	}

	text := strings.ReplaceAll(msg.TextBody, "\r\n", "\n")
	quotedText := quote(text)

	reply := &Reply{
		From:       msg.From,
		To:         to,
		Cc:         cc,
		Bcc:        bcc,
		Subject:    msg.Subject,
		MessageID:  msg.MessageID,
		References: threadReferences(msg.References, msg.MessageID),
		InReplyTo:  msg.InReplyTo,
		Text:       text,
		HTML:       msg.HtmlBody,
		QuotedText: quotedText,
		QuotedHTML: quoteHTML(msg.HtmlBody, quotedText),
		Headers:    flattenHeaders(msg.RawHeaders),
	}
	if reply.InReplyTo == "" {
		reply.InReplyTo = msg.MessageID
	}
	if d, err := mail.ParseDate(mail.Header(msg.RawHeaders).Get("Date")); err == nil {
		reply.Date = &d
	}

	return reply, nil
}

// precheck rejects inputs before any decoding work.
func (p *ReplyParser) precheck(filename string, raw []byte) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if !slices.Contains(AllowedExtensions, ext) {
		return &ParseError{Reason: "invalid file type: only .eml and .msg files are supported"}
	}
	if int64(len(raw)) > p.maxSize {
		return &ParseError{Reason: fmt.Sprintf("file too large: maximum size is %d MB", p.maxSize>>20)}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return &ParseError{Reason: "file is empty"}
	}
	if bytes.HasPrefix(raw, oleSignature) {
		return &ParseError{Reason: "Outlook binary .msg files are not supported: save the message as .eml"}
	}
	return nil
}

// threadReferences appends messageID to the existing chain unless it is
// already the last entry.
func threadReferences(chain, messageID string) string {
	refs := strings.Fields(chain)
	if messageID != "" && (len(refs) == 0 || refs[len(refs)-1] != messageID) {
		refs = append(refs, messageID)
	}
	return strings.Join(refs, " ")
}

func quote(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = quoteMarker + line
	}
	return strings.Join(lines, "\n")
}

func quoteHTML(htmlBody, quotedText string) string {
	if htmlBody != "" {
		return blockquoteOpen + htmlBody + "</blockquote>"
	}
	escaped := strings.ReplaceAll(html.EscapeString(quotedText), "\n", "<br>")
	return blockquoteOpen + escaped + "</blockquote>"
}

func lowerAll(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if n := email.NormalizeAddress(a); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func flattenHeaders(raw map[string][]string) map[string]string {
	out := make(map[string]string, len(raw))
	for k, vs := range raw {
		out[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return out
}
