package attachment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shineum/mail-dispatch/internal/blob"
)

// Upload ceilings.
const (
	DefaultMaxFileSize       = 10 << 20
	DefaultMaxTotalSize      = 25 << 20
	DefaultMaxFilenameLength = 255
)

var (
	ErrFileTooLarge    = errors.New("attachment: file exceeds the per-file size limit")
	ErrTotalTooLarge   = errors.New("attachment: attachments exceed the total size limit")
	ErrInvalidFilename = errors.New("attachment: invalid filename")
)

// Limits bounds attachment sizes.
type Limits struct {
	MaxFileSize       int64
	MaxTotalSize      int64
	MaxFilenameLength int
}

// DefaultLimits returns 10 MiB per file, 25 MiB per message and
// 255-byte filenames.
func DefaultLimits() Limits {
	return Limits{
		MaxFileSize:       DefaultMaxFileSize,
		MaxTotalSize:      DefaultMaxTotalSize,
		MaxFilenameLength: DefaultMaxFilenameLength,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxFileSize <= 0 {
		l.MaxFileSize = d.MaxFileSize
	}
	if l.MaxTotalSize <= 0 {
		l.MaxTotalSize = d.MaxTotalSize
	}
	if l.MaxFilenameLength <= 0 {
		l.MaxFilenameLength = d.MaxFilenameLength
	}
	return l
}

// CheckFile validates one file before it is stored.
func (l Limits) CheckFile(filename string, size int64) error {
	l = l.withDefaults()
	if strings.TrimSpace(filename) == "" || len(filename) > l.MaxFilenameLength {
		return fmt.Errorf("%w: must be 1-%d bytes", ErrInvalidFilename, l.MaxFilenameLength)
	}
	if size > l.MaxFileSize {
		return fmt.Errorf("%w: %q is %d bytes, limit is %d", ErrFileTooLarge, filename, size, l.MaxFileSize)
	}
	return nil
}

// CheckTotal validates the combined size of a message's attachments.
func (l Limits) CheckTotal(sizes ...int64) error {
	l = l.withDefaults()
	var total int64
	for _, s := range sizes {
		total += s
	}
	if total > l.MaxTotalSize {
		return fmt.Errorf("%w: %d bytes, limit is %d", ErrTotalTooLarge, total, l.MaxTotalSize)
	}
	return nil
}

// Uploader writes user uploads to blob storage.
type Uploader struct {
	store  blob.Store
	limits Limits
	now    func() time.Time
	logger *slog.Logger
}

// NewUploader creates an Uploader.
func NewUploader(store blob.Store, limits Limits, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		store:  store,
		limits: limits.withDefaults(),
		now:    time.Now,
		logger: logger,
	}
}

// Limits returns the effective limits.
func (u *Uploader) Limits() Limits {
	return u.limits
}

// Upload validates and stores one file under <userID>/<unixMillis>-<filename>.
func (u *Uploader) Upload(ctx context.Context, userID, filename, contentType string, data []byte) (*Descriptor, error) {
	if err := u.limits.CheckFile(filename, int64(len(data))); err != nil {
		return nil, err
	}

	ct := ContentType(filename, contentType)
	key := fmt.Sprintf("%s/%d-%s", userID, u.now().UnixMilli(), keySafe(filename))

	url, err := u.store.Put(ctx, key, data, ct)
	if err != nil {
		return nil, fmt.Errorf("failed to store attachment: %w", err)
	}

	u.logger.Info("attachment uploaded",
		"user_id", userID,
		"filename", filename,
		"size", len(data),
	)

	return &Descriptor{
		Filename: filename,
		Size:     int64(len(data)),
		MimeType: ct,
		BlobURL:  url,
	}, nil
}

// keySafe keeps a filename from adding path segments to the blob key.
func keySafe(filename string) string {
	return strings.NewReplacer("/", "_", `\`, "_").Replace(filename)
}
