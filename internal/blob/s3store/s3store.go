// Package s3store implements blob.Store on Amazon S3 or an S3-compatible
// endpoint.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/shineum/mail-dispatch/internal/blob"
)

// DefaultMaxObjectSize caps fetched objects.
const DefaultMaxObjectSize = 25 << 20

// Config holds the settings for New.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool

	// PublicBaseURL, when set, is used to build object URLs
	// (PublicBaseURL/key) instead of s3://bucket/key.
	PublicBaseURL string
	MaxObjectSize int64
}

// ObjectAPI is the subset of the S3 client used by Store.
// Used for testing with mock implementations.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store reads and writes attachment blobs in one bucket.
type Store struct {
	client  ObjectAPI
	bucket  string
	baseURL string
	maxSize int64
}

var _ blob.Store = (*Store)(nil)

// New creates a Store using the AWS default credential chain, or static
// credentials when both keys are given.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	s := NewWithClient(cfg.Bucket, cfg.PublicBaseURL, client)
	if cfg.MaxObjectSize > 0 {
		s.maxSize = cfg.MaxObjectSize
	}
	return s, nil
}

// NewWithClient creates a Store with a custom client, used for testing.
func NewWithClient(bucket, publicBaseURL string, client ObjectAPI) *Store {
	return &Store{
		client:  client,
		bucket:  bucket,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		maxSize: DefaultMaxObjectSize,
	}
}

// Prefix returns the URL prefix of objects in this store, for
// registration with blob.Mux.
func (s *Store) Prefix() string {
	if s.baseURL != "" {
		return s.baseURL + "/"
	}
	return "s3://" + s.bucket + "/"
}

// URL returns the URL of key.
func (s *Store) URL(key string) string {
	if s.baseURL != "" {
		return s.baseURL + (&url.URL{Path: "/" + key}).EscapedPath()
	}
	return blob.KeyURL("s3", s.bucket, key)
}

// Put implements blob.Store.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to put s3 object %s: %w", key, err)
	}
	return s.URL(key), nil
}

// Fetch implements blob.Fetcher.
func (s *Store) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	key, err := s.keyFor(rawURL)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("s3 object %s: %w", key, blob.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get s3 object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read s3 object %s: %w", key, err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("s3 object %s: %w", key, blob.ErrTooLarge)
	}
	return data, nil
}

func (s *Store) keyFor(rawURL string) (string, error) {
	if s.baseURL != "" && strings.HasPrefix(rawURL, s.baseURL+"/") {
		key, err := url.PathUnescape(strings.TrimPrefix(rawURL, s.baseURL+"/"))
		if err != nil {
			return "", fmt.Errorf("invalid object url %q: %w", rawURL, err)
		}
		return key, nil
	}

	bucket, key, err := blob.KeyFromURL(rawURL)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(rawURL, "s3://") || bucket != s.bucket {
		return "", fmt.Errorf("url %q does not belong to bucket %s", rawURL, s.bucket)
	}
	return key, nil
}
