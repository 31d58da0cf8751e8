// Package email defines the core email data model used throughout the dispatch pipeline.
package email

// Email represents a message on its way to, or coming from, a mail transport.
type Email struct {
	From        string
	ReplyTo     string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string

	// Threading headers. References is a space-separated list of message ids.
	InReplyTo  string
	References string

	// Headers holds additional outbound headers. Empty values are written as
	// empty headers, which is how provider-injected banners are suppressed.
	Headers map[string]string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Recipients returns To, Cc and Bcc as a single envelope recipient list.
func (e *Email) Recipients() []string {
	rcpts := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	rcpts = append(rcpts, e.To...)
	rcpts = append(rcpts, e.Cc...)
	rcpts = append(rcpts, e.Bcc...)
	return rcpts
}

// HasExtendedHeaders reports whether the message carries anything a
// provider's simple (structured) send API cannot express.
func (e *Email) HasExtendedHeaders() bool {
	return e.ReplyTo != "" || e.InReplyTo != "" || e.References != "" || len(e.Headers) > 0
}

// SuppressionHeaders are attached to every dispatched message so providers
// do not inject unsubscribe or abuse-report banners.
func SuppressionHeaders() map[string]string {
	return map[string]string{
		"List-Unsubscribe": "",
		"X-Report-Abuse":   "",
		"Precedence":       "bulk",
	}
}
