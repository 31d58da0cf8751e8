package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/shineum/mail-dispatch/internal/attachment"
)

// ValidationError reports a malformed request. No record is created.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Problems, "; ")
}

// RateLimitError reports an exhausted quota. No record is created.
type RateLimitError struct {
	Remaining int
	ResetAt   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: resets at %s", e.ResetAt.UTC().Format(time.RFC3339))
}

// NoFromAddressError reports a standard actor without an assigned sending
// address. No record is created.
type NoFromAddressError struct {
	UserID string
}

func (e *NoFromAddressError) Error() string {
	return "no from address assigned: contact an administrator"
}

// AttachmentError reports remote attachments that could not be fetched
// while every attachment is required. No record is created.
type AttachmentError struct {
	Dropped []*attachment.FetchError
}

func (e *AttachmentError) Error() string {
	names := make([]string, 0, len(e.Dropped))
	for _, d := range e.Dropped {
		names = append(names, d.Filename)
	}
	return "attachments could not be retrieved: " + strings.Join(names, ", ")
}

// TransmitError reports a transport failure. The record identified by
// EmailID has already been finalised as FAILED.
type TransmitError struct {
	EmailID string
	Err     error
}

func (e *TransmitError) Error() string {
	return "failed to send email: " + e.Err.Error()
}

func (e *TransmitError) Unwrap() error {
	return e.Err
}
