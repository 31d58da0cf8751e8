// Package parser decodes inbound RFC 5322 messages and derives reply data
// from them.
package parser

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/shineum/mail-dispatch/internal/email"
)

// maxDepth bounds multipart nesting. Deeper entities are skipped.
const maxDepth = 16

var errNoBoundary = errors.New("multipart entity has no boundary")

// wordDecoder decodes RFC 2047 encoded words in any charset x/text knows.
var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// Decoder converts raw messages into email.Email values. Parts it cannot
// use are reported to its logger and skipped.
type Decoder struct {
	logger *slog.Logger
}

// NewDecoder returns a Decoder. A nil logger uses slog.Default.
func NewDecoder(logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{logger: logger}
}

// Parse decodes raw with a default Decoder.
func Parse(raw []byte) (*email.Email, error) {
	return NewDecoder(nil).Decode(raw)
}

// Decode parses raw into an Email. Address headers are reduced to bare
// addresses, text bodies are converted to UTF-8 and every non-body leaf
// with a name or an attachment disposition becomes an attachment. Only
// an unreadable header block or a top-level multipart entity without a
// boundary is an error.
func (d *Decoder) Decode(raw []byte) (*email.Email, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	out := envelope(msg.Header)
	top := entity{
		header:   textproto.MIMEHeader(msg.Header),
		body:     msg.Body,
		filename: dispositionFilename(msg.Header.Get("Content-Disposition")),
	}

	if err := d.walk(top, 0, out); err != nil {
		return nil, err
	}
	return out, nil
}

// envelope copies the header block and lifts the addressing and threading
// fields.
func envelope(h mail.Header) *email.Email {
	e := &email.Email{RawHeaders: make(map[string][]string, len(h))}
	for k, v := range h {
		e.RawHeaders[k] = v
	}

	e.From = firstAddress(h.Get("From"))
	e.ReplyTo = firstAddress(h.Get("Reply-To"))
	e.To = addressList(h.Get("To"))
	e.Cc = addressList(h.Get("Cc"))
	e.Bcc = addressList(h.Get("Bcc"))
	e.Subject = decodeWords(h.Get("Subject"))
	e.MessageID = strings.TrimSpace(h.Get("Message-Id"))
	e.InReplyTo = strings.TrimSpace(h.Get("In-Reply-To"))
	e.References = strings.Join(strings.Fields(h.Get("References")), " ")
	return e
}

// entity is one MIME node: the message itself or a multipart part.
type entity struct {
	header   textproto.MIMEHeader
	body     io.Reader
	filename string
}

func dispositionFilename(v string) string {
	if v == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	return params["filename"]
}

func (d *Decoder) walk(e entity, depth int, out *email.Email) error {
	ctype := e.header.Get("Content-Type")
	if ctype == "" {
		ctype = "text/plain"
	}
	media, params, err := mime.ParseMediaType(ctype)
	if err != nil {
		if depth > 0 {
			d.logger.Warn("skipping part with malformed content type",
				"content_type", ctype,
				"error", err,
			)
			return nil
		}
		// An unreadable top-level type still carries a readable body.
		d.logger.Warn("malformed content type, reading body as plain text",
			"content_type", ctype,
			"error", err,
		)
		body, readErr := io.ReadAll(e.body)
		if readErr != nil {
			return fmt.Errorf("failed to read message body: %w", readErr)
		}
		out.TextBody = string(body)
		return nil
	}

	if strings.HasPrefix(media, "multipart/") {
		return d.walkMultipart(e, params["boundary"], depth, out)
	}

	content, err := decodeTransfer(e.body, e.header.Get("Content-Transfer-Encoding"))
	if err != nil {
		if depth == 0 {
			return fmt.Errorf("failed to read message body: %w", err)
		}
		d.logger.Warn("skipping unreadable part", "content_type", media, "error", err)
		return nil
	}

	disposition := strings.ToLower(e.header.Get("Content-Disposition"))
	if strings.HasPrefix(disposition, "attachment") {
		out.Attachments = append(out.Attachments, email.Attachment{
			Filename:    attachmentName(e.filename, params, media),
			ContentType: media,
			Content:     content,
		})
		return nil
	}

	switch {
	case media == "text/plain" && out.TextBody == "":
		out.TextBody = string(toUTF8(d.logger, content, params["charset"]))
	case media == "text/html" && out.HtmlBody == "":
		out.HtmlBody = string(toUTF8(d.logger, content, params["charset"]))
	case media == "text/plain" || media == "text/html":
		// Later alternatives of an already filled body are dropped.
	case e.filename != "" || params["name"] != "":
		out.Attachments = append(out.Attachments, email.Attachment{
			Filename:    attachmentName(e.filename, params, media),
			ContentType: media,
			Content:     content,
		})
	case depth == 0:
		d.logger.Warn("unrecognized top-level content type", "content_type", media)
		out.TextBody = string(content)
	default:
		d.logger.Warn("skipping unrecognized part",
			"content_type", media,
			"disposition", disposition,
		)
	}
	return nil
}

func (d *Decoder) walkMultipart(e entity, boundary string, depth int, out *email.Email) error {
	if boundary == "" {
		if depth == 0 {
			return fmt.Errorf("failed to parse multipart message: %w", errNoBoundary)
		}
		d.logger.Warn("skipping nested multipart without boundary")
		return nil
	}
	if depth >= maxDepth {
		d.logger.Warn("skipping multipart nested too deeply", "depth", depth)
		return nil
	}

	r := multipart.NewReader(e.body, boundary)
	for {
		part, err := r.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if depth == 0 {
				return fmt.Errorf("failed to parse multipart message: %w", err)
			}
			d.logger.Warn("abandoning malformed nested multipart", "error", err)
			return nil
		}

		child := entity{header: part.Header, body: part, filename: part.FileName()}
		if err := d.walk(child, depth+1, out); err != nil {
			return err
		}
	}
}

// decodeTransfer reads r and reverses its Content-Transfer-Encoding.
// multipart.Reader already strips quoted-printable from parts, so the
// header is absent for those.
func decodeTransfer(r io.Reader, cte string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	case "base64":
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return decodeBase64(raw)
	default:
		return io.ReadAll(r)
	}
}

// decodeBase64 tolerates folded lines and missing padding.
func decodeBase64(raw []byte) ([]byte, error) {
	compact := bytes.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, raw)

	out, err := base64.StdEncoding.DecodeString(string(compact))
	if err == nil {
		return out, nil
	}
	out, rawErr := base64.RawStdEncoding.DecodeString(string(compact))
	if rawErr != nil {
		return nil, fmt.Errorf("failed to decode base64 content: %w", err)
	}
	return out, nil
}

// attachmentName picks the disposition filename, then the type's name
// parameter, then a name derived from the media subtype.
func attachmentName(dispositionName string, params map[string]string, media string) string {
	switch {
	case dispositionName != "":
		return decodeWords(dispositionName)
	case params["name"] != "":
		return decodeWords(params["name"])
	}
	if _, sub, ok := strings.Cut(media, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

// addressList flattens an address header, including RFC 5322 groups, into
// bare addresses. Headers net/mail rejects are split on commas.
func addressList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	p := mail.AddressParser{WordDecoder: wordDecoder}
	if parsed, err := p.ParseList(raw); err == nil {
		addrs := make([]string, 0, len(parsed))
		for _, a := range parsed {
			addrs = append(addrs, a.Address)
		}
		return addrs
	}

	var addrs []string
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if open := strings.LastIndex(field, "<"); open >= 0 && strings.HasSuffix(field, ">") {
			field = field[open+1 : len(field)-1]
		}
		if field != "" {
			addrs = append(addrs, field)
		}
	}
	return addrs
}

func firstAddress(raw string) string {
	if addrs := addressList(raw); len(addrs) > 0 {
		return addrs[0]
	}
	return strings.TrimSpace(raw)
}

// decodeWords decodes RFC 2047 encoded words, returning s unchanged when it
// cannot be decoded.
func decodeWords(s string) string {
	if decoded, err := wordDecoder.DecodeHeader(s); err == nil {
		return decoded
	}
	return s
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	return enc.NewDecoder().Reader(input), nil
}

// toUTF8 converts data from charset. Unknown charsets pass through.
func toUTF8(logger *slog.Logger, data []byte, charset string) []byte {
	switch strings.ToLower(strings.TrimSpace(charset)) {
	case "", "utf-8", "utf8", "us-ascii":
		return data
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		logger.Warn("unknown charset, leaving content undecoded", "charset", charset)
		return data
	}
	decoded, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		logger.Warn("failed to decode charset", "charset", charset, "error", err)
		return data
	}
	return decoded
}
