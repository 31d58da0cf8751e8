package dispatch

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/shineum/mail-dispatch/internal/attachment"
	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/profile"
)

// Request is one send request as submitted by a client.
type Request struct {
	To               []string            `json:"to"`
	Cc               []string            `json:"cc"`
	Bcc              []string            `json:"bcc"`
	Subject          string              `json:"subject"`
	BodyHTML         string              `json:"bodyHtml"`
	BodyText         string              `json:"bodyText"`
	ReplyTo          string              `json:"replyTo"`
	Attachments      []attachment.Inline `json:"attachments"`
	AttachmentURLs   []attachment.Remote `json:"attachmentUrls"`
	InReplyTo        string              `json:"inReplyTo"`
	References       string              `json:"references"`
	IsReply          bool                `json:"isReply"`
	IncludeSignature *bool               `json:"includeSignature"`
}

// WantsSignature reports whether the signature should be appended.
// It defaults to true.
func (r *Request) WantsSignature() bool {
	return r.IncludeSignature == nil || *r.IncludeSignature
}

// Actor is the authenticated identity a request is made on behalf of.
type Actor struct {
	ID          string
	Email       string
	Role        profile.Role
	FromAddress string
}

// Result is the outcome of a successful dispatch.
type Result struct {
	EmailID            string
	ProviderMessageID  string
	Remaining          int
	ResetAt            time.Time
	DroppedAttachments []*attachment.FetchError
}

// validate checks the request shape. limits bounds the combined size of
// the attachments as declared by the client.
func (r *Request) validate(limits attachment.Limits) error {
	var problems []string

	if len(r.To) == 0 {
		problems = append(problems, "to: at least one recipient is required")
	}
	problems = appendAddressProblems(problems, "to", r.To)
	problems = appendAddressProblems(problems, "cc", r.Cc)
	problems = appendAddressProblems(problems, "bcc", r.Bcc)
	if r.ReplyTo != "" {
		if err := email.ValidateAddress(r.ReplyTo); err != nil {
			problems = append(problems, "replyTo: "+err.Error())
		}
	}
	if strings.TrimSpace(r.Subject) == "" {
		problems = append(problems, "subject: must not be empty")
	}
	if strings.TrimSpace(r.BodyHTML) == "" {
		problems = append(problems, "bodyHtml: must not be empty")
	}

	sizes := make([]int64, 0, len(r.Attachments)+len(r.AttachmentURLs))
	for i, a := range r.Attachments {
		if strings.TrimSpace(a.Filename) == "" {
			problems = append(problems, fmt.Sprintf("attachments[%d]: filename is required", i))
		}
		sizes = append(sizes, declaredSize(a))
	}
	for i, a := range r.AttachmentURLs {
		if strings.TrimSpace(a.Filename) == "" {
			problems = append(problems, fmt.Sprintf("attachmentUrls[%d]: filename is required", i))
		}
		if strings.TrimSpace(a.BlobURL) == "" {
			problems = append(problems, fmt.Sprintf("attachmentUrls[%d]: blobUrl is required", i))
		}
		sizes = append(sizes, a.Size)
	}
	if err := limits.CheckTotal(sizes...); err != nil {
		problems = append(problems, "attachments: "+err.Error())
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func appendAddressProblems(problems []string, field string, addrs []string) []string {
	for i, a := range addrs {
		if err := email.ValidateAddress(a); err != nil {
			problems = append(problems, fmt.Sprintf("%s[%d]: %v", field, i, err))
		}
	}
	return problems
}

func declaredSize(a attachment.Inline) int64 {
	if strings.EqualFold(a.Encoding, attachment.EncodingText) {
		return int64(len(a.Content))
	}
	return int64(base64.StdEncoding.DecodedLen(len(a.Content)))
}
