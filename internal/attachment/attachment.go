// Package attachment resolves and stores message attachments.
//
// Attachments reach a dispatch either inline (content carried in the
// request) or as references to blobs uploaded earlier. The Resolver turns
// both into a single list of email.Attachment values.
package attachment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// Encodings accepted for inline content.
const (
	EncodingBase64 = "base64"
	EncodingText   = "text"
)

const defaultContentType = "application/octet-stream"

// Inline is an attachment whose content travels with the request.
type Inline struct {
	Filename    string `json:"filename"`
	Content     string `json:"content"`
	Encoding    string `json:"encoding,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Decode returns the raw bytes of the attachment. Content is base64 unless
// Encoding is "text".
func (a Inline) Decode() ([]byte, error) {
	switch strings.ToLower(a.Encoding) {
	case EncodingText:
		return []byte(a.Content), nil
	case "", EncodingBase64:
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(a.Content)
		data, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: invalid base64 content: %w", a.Filename, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("attachment %q: unsupported encoding %q", a.Filename, a.Encoding)
	}
}

// Remote references an uploaded blob.
type Remote struct {
	Filename string `json:"filename"`
	BlobURL  string `json:"blobUrl"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Descriptor is the serialisable summary of one attachment, as returned by
// uploads and stored with the outbound record.
type Descriptor struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	BlobURL  string `json:"blobUrl,omitempty"`
	Inline   bool   `json:"inline,omitempty"`
}

// EncodeDescriptors serialises ds for storage. An empty list encodes as "".
func EncodeDescriptors(ds []Descriptor) (string, error) {
	if len(ds) == 0 {
		return "", nil
	}
	b, err := json.Marshal(ds)
	if err != nil {
		return "", fmt.Errorf("failed to encode attachment descriptors: %w", err)
	}
	return string(b), nil
}

// FetchError reports a remote attachment that could not be retrieved.
type FetchError struct {
	Filename string
	URL      string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch attachment %q: %v", e.Filename, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ContentType returns declared when set, otherwise a type guessed from
// the filename extension.
func ContentType(filename, declared string) string {
	if declared != "" {
		return declared
	}
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); ct != "" {
		return ct
	}
	return defaultContentType
}
