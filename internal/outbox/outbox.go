// Package outbox defines the durable record of every dispatched message.
//
// A record is created PENDING before the transport is called and moves
// exactly once to SENT or FAILED afterwards.
package outbox

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Status is the lifecycle state of a Message.
type Status string

// Message states.
const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// History paging bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("outbox: message not found")

	// ErrInvalidTransition is returned when a finalised record is updated again.
	ErrInvalidTransition = errors.New("outbox: message is not pending")
)

// UnknownFailure is recorded when a failure arrives without a message.
const UnknownFailure = "unknown transport error"

// FailureText returns errMsg, or UnknownFailure when it is blank. A FAILED
// record always carries an error.
func FailureText(errMsg string) string {
	if strings.TrimSpace(errMsg) == "" {
		return UnknownFailure
	}
	return errMsg
}

// Message is one outbound email and its delivery outcome.
type Message struct {
	ID          string
	UserID      string
	From        string
	ReplyTo     string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	BodyHTML    string
	BodyText    string
	Attachments string // JSON-encoded attachment descriptors
	InReplyTo   string
	References  string
	IsReply     bool

	Status            Status
	Error             string
	ProviderMessageID string
	CreatedAt         time.Time
	SentAt            *time.Time
}

// Filter selects records for List and Stats. An empty UserID matches
// every user.
type Filter struct {
	UserID string
	Limit  int
	Offset int
}

// Normalize clamps Limit and Offset to their allowed ranges.
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Stats counts records by status.
type Stats struct {
	Total   int
	Sent    int
	Failed  int
	Pending int
}

// Store persists outbound messages.
type Store interface {
	// Create stores msg as PENDING. ID and CreatedAt are assigned when empty.
	Create(ctx context.Context, msg *Message) error

	// MarkSent moves a PENDING record to SENT.
	MarkSent(ctx context.Context, id string, sentAt time.Time, providerMessageID string) error

	// MarkFailed moves a PENDING record to FAILED with errMsg, or
	// UnknownFailure when errMsg is blank.
	MarkFailed(ctx context.Context, id string, errMsg string) error

	// Get returns one record.
	Get(ctx context.Context, id string) (*Message, error)

	// List returns records newest first together with the total number
	// matching the filter.
	List(ctx context.Context, f Filter) ([]Message, int, error)

	// Stats returns status counts for userID, or for everyone when empty.
	Stats(ctx context.Context, userID string) (Stats, error)
}
