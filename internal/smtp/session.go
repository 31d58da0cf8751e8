package smtp

import (
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/mail-dispatch/internal/attachment"
	"github.com/shineum/mail-dispatch/internal/dispatch"
	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/parser"
)

// Session is one client connection. Envelope state is cleared after each
// message; authentication persists for the connection.
type Session struct {
	server *Server
	remote string
	actor  *dispatch.Actor

	mailFrom string
	rcptTo   []string
}

// AuthMechanisms implements gosmtp.AuthSession.
func (s *Session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

// Auth implements gosmtp.AuthSession.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, gosmtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		actor, err := s.server.auth.Verify(username, password)
		if err != nil {
			s.server.logger.Warn("SMTP authentication failed",
				"remote", s.remote,
				"username", username,
			)
			return &gosmtp.SMTPError{
				Code:         535,
				EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
				Message:      "Authentication credentials invalid",
			}
		}
		s.actor = &actor
		return nil
	}), nil
}

// Mail implements gosmtp.Session. The envelope sender is recorded for
// logging only; the sender policy decides the From address.
func (s *Session) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.actor == nil {
		return gosmtp.ErrAuthRequired
	}
	s.mailFrom = from
	return nil
}

// Rcpt implements gosmtp.Session.
func (s *Session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if err := email.ValidateAddress(to); err != nil {
		return &gosmtp.SMTPError{
			Code:         553,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
		}
	}
	s.rcptTo = append(s.rcptTo, to)
	return nil
}

// Data implements gosmtp.Session.
func (s *Session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	msg, err := parser.NewDecoder(s.server.logger).Decode(raw)
	if err != nil {
		s.server.logger.Error("failed to parse message", "remote", s.remote, "error", err)
		return &gosmtp.SMTPError{
			Code:         554,
			EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
			Message:      "Failed to process message",
		}
	}

	req := buildRequest(msg, s.rcptTo)
	res, err := s.server.config.Dispatcher.Dispatch(s.server.context(), req, *s.actor)
	if err != nil {
		return s.smtpError(err)
	}

	s.server.logger.Info("submission accepted",
		"user_id", s.actor.ID,
		"envelope_from", s.mailFrom,
		"email_id", res.EmailID,
		"recipients", len(s.rcptTo),
	)
	return nil
}

// Reset implements gosmtp.Session.
func (s *Session) Reset() {
	s.mailFrom = ""
	s.rcptTo = nil
}

// Logout implements gosmtp.Session.
func (s *Session) Logout() error {
	return nil
}

// smtpError maps dispatch failures to SMTP replies. Quota and transport
// failures are temporary so the client retries later.
func (s *Session) smtpError(err error) error {
	var (
		verr  *dispatch.ValidationError
		rlerr *dispatch.RateLimitError
		nferr *dispatch.NoFromAddressError
		terr  *dispatch.TransmitError
	)
	switch {
	case errors.As(err, &verr):
		return &gosmtp.SMTPError{Code: 550, EnhancedCode: gosmtp.EnhancedCode{5, 6, 0}, Message: verr.Error()}
	case errors.As(err, &nferr):
		return &gosmtp.SMTPError{Code: 550, EnhancedCode: gosmtp.EnhancedCode{5, 7, 1}, Message: nferr.Error()}
	case errors.As(err, &rlerr):
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 7, 1},
			Message:      fmt.Sprintf("Rate limit exceeded, try again after %s", rlerr.ResetAt.UTC().Format("15:04:05 MST")),
		}
	case errors.As(err, &terr):
		s.server.logger.Error("submission transmit failed", "email_id", terr.EmailID, "error", terr.Err)
		return &gosmtp.SMTPError{Code: 451, EnhancedCode: gosmtp.EnhancedCode{4, 3, 0}, Message: "Temporary failure, please try again later"}
	default:
		s.server.logger.Error("submission failed", "error", err)
		return &gosmtp.SMTPError{Code: 451, EnhancedCode: gosmtp.EnhancedCode{4, 3, 0}, Message: "Temporary failure, please try again later"}
	}
}

// buildRequest turns a submitted message into a dispatch request. Only
// envelope recipients receive the message: header To and Cc addresses are
// kept when the envelope names them and the other envelope recipients
// become Bcc. Without a surviving To, Cc or else the envelope takes its place.
func buildRequest(msg *email.Email, rcptTo []string) *dispatch.Request {
	envelope := make(map[string]bool, len(rcptTo))
	for _, a := range rcptTo {
		envelope[email.NormalizeAddress(a)] = true
	}
	shown := make(map[string]bool, len(msg.To)+len(msg.Cc))
	keep := func(header []string) []string {
		var out []string
		for _, a := range header {
			n := email.NormalizeAddress(a)
			if envelope[n] && !shown[n] {
				shown[n] = true
				out = append(out, a)
			}
		}
		return out
	}
	to, cc := keep(msg.To), keep(msg.Cc)

	var bcc []string
	for _, a := range rcptTo {
		n := email.NormalizeAddress(a)
		if !shown[n] {
			shown[n] = true
			bcc = append(bcc, a)
		}
	}
	if len(to) == 0 {
		if len(cc) > 0 {
			to, cc = cc, nil
		} else {
			to, bcc = bcc, nil
		}
	}

	body := msg.HtmlBody
	if strings.TrimSpace(body) == "" {
		body = textToHTML(msg.TextBody)
	}

	// Mail clients compose their own signatures.
	noSignature := false
	req := &dispatch.Request{
		To:               to,
		Cc:               cc,
		Bcc:              bcc,
		Subject:          msg.Subject,
		BodyHTML:         body,
		BodyText:         msg.TextBody,
		ReplyTo:          msg.ReplyTo,
		InReplyTo:        msg.InReplyTo,
		References:       msg.References,
		IsReply:          msg.InReplyTo != "",
		IncludeSignature: &noSignature,
	}
	for _, a := range msg.Attachments {
		req.Attachments = append(req.Attachments, attachment.Inline{
			Filename:    a.Filename,
			Content:     base64.StdEncoding.EncodeToString(a.Content),
			Encoding:    attachment.EncodingBase64,
			ContentType: a.ContentType,
		})
	}
	return req
}

func textToHTML(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	escaped := html.EscapeString(strings.ReplaceAll(text, "\r\n", "\n"))
	return "<p>" + strings.ReplaceAll(escaped, "\n", "<br>") + "</p>"
}
