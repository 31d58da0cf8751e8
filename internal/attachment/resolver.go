package attachment

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/mail-dispatch/internal/blob"
	"github.com/shineum/mail-dispatch/internal/email"
)

// DefaultConcurrency bounds parallel blob fetches per Resolve call.
const DefaultConcurrency = 4

// Result is the outcome of Resolve.
type Result struct {
	// Attachments holds inline items first, then fetched remote items,
	// each in request order.
	Attachments []email.Attachment

	// Descriptors summarises Attachments for storage.
	Descriptors []Descriptor

	// Dropped lists remote items that could not be fetched.
	Dropped []*FetchError
}

// Resolver merges inline attachments with remote ones fetched from blob
// storage.
type Resolver struct {
	fetcher     blob.Fetcher
	concurrency int
	logger      *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithConcurrency sets the number of parallel fetches.
func WithConcurrency(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// NewResolver creates a Resolver reading remote attachments from fetcher.
func NewResolver(fetcher blob.Fetcher, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		fetcher:     fetcher,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve builds the attachment list. A remote item that cannot be fetched
// is logged, dropped and reported in Result.Dropped; it does not fail the
// call. Only undecodable inline content is an error.
func (r *Resolver) Resolve(ctx context.Context, inline []Inline, remote []Remote) (*Result, error) {
	res := &Result{}

	for _, a := range inline {
		data, err := a.Decode()
		if err != nil {
			return nil, err
		}
		ct := ContentType(a.Filename, a.ContentType)
		res.Attachments = append(res.Attachments, email.Attachment{
			Filename:    a.Filename,
			ContentType: ct,
			Content:     data,
		})
		res.Descriptors = append(res.Descriptors, Descriptor{
			Filename: a.Filename,
			Size:     int64(len(data)),
			MimeType: ct,
			Inline:   true,
		})
	}

	if len(remote) == 0 {
		return res, nil
	}

	fetched := make([][]byte, len(remote))
	failures := make([]*FetchError, len(remote))

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, ref := range remote {
		g.Go(func() error {
			data, err := r.fetch(ctx, ref)
			if err != nil {
				failures[i] = &FetchError{Filename: ref.Filename, URL: ref.BlobURL, Err: err}
				return nil
			}
			fetched[i] = data
			return nil
		})
	}
	g.Wait()

	for i, ref := range remote {
		if fe := failures[i]; fe != nil {
			r.logger.Warn("dropping attachment that could not be fetched",
				"filename", fe.Filename,
				"error", fe.Err,
			)
			res.Dropped = append(res.Dropped, fe)
			continue
		}
		ct := ContentType(ref.Filename, ref.MimeType)
		res.Attachments = append(res.Attachments, email.Attachment{
			Filename:    ref.Filename,
			ContentType: ct,
			Content:     fetched[i],
		})
		res.Descriptors = append(res.Descriptors, Descriptor{
			Filename: ref.Filename,
			Size:     int64(len(fetched[i])),
			MimeType: ct,
			BlobURL:  ref.BlobURL,
		})
	}

	return res, nil
}

func (r *Resolver) fetch(ctx context.Context, ref Remote) ([]byte, error) {
	if r.fetcher == nil {
		return nil, fmt.Errorf("no blob fetcher configured")
	}
	if ref.BlobURL == "" {
		return nil, fmt.Errorf("missing blob url")
	}
	return r.fetcher.Fetch(ctx, ref.BlobURL)
}
