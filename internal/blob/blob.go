// Package blob defines the object storage used for attachment payloads.
//
// Blobs are addressed by URL. A Mux routes fetches to the backend that
// owns a URL, either by registered prefix or by scheme.
package blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when the referenced blob does not exist.
	ErrNotFound = errors.New("blob: not found")

	// ErrTooLarge is returned when a blob exceeds the fetch size cap.
	ErrTooLarge = errors.New("blob: object too large")
)

// Fetcher retrieves blob content by URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// Store is a Fetcher that can also write blobs.
type Store interface {
	Fetcher

	// Put writes data under key and returns the URL that fetches it.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, rawURL string) ([]byte, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	return f(ctx, rawURL)
}

type prefixRoute struct {
	prefix  string
	fetcher Fetcher
}

// Mux dispatches Fetch calls. Prefix routes are tried in registration
// order before scheme routes.
type Mux struct {
	mu       sync.RWMutex
	prefixes []prefixRoute
	schemes  map[string]Fetcher
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{schemes: make(map[string]Fetcher)}
}

// HandleScheme routes URLs with the given scheme to f.
func (m *Mux) HandleScheme(scheme string, f Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemes[strings.ToLower(scheme)] = f
}

// HandlePrefix routes URLs starting with prefix to f.
func (m *Mux) HandlePrefix(prefix string, f Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefixes = append(m.prefixes, prefixRoute{prefix: prefix, fetcher: f})
}

// Fetch implements Fetcher.
func (m *Mux) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	f, err := m.route(rawURL)
	if err != nil {
		return nil, err
	}
	return f.Fetch(ctx, rawURL)
}

func (m *Mux) route(rawURL string) (Fetcher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.prefixes {
		if strings.HasPrefix(rawURL, r.prefix) {
			return r.fetcher, nil
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("blob: invalid url %q: %w", rawURL, err)
	}
	if f, ok := m.schemes[strings.ToLower(u.Scheme)]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("blob: no fetcher for scheme %q", u.Scheme)
}

// KeyURL builds a scheme:///key URL with each path segment escaped.
func KeyURL(scheme, host, key string) string {
	return (&url.URL{Scheme: scheme, Host: host, Path: "/" + key}).String()
}

// KeyFromURL returns the unescaped object key of a URL built by KeyURL.
func KeyFromURL(rawURL string) (host, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("blob: invalid url %q: %w", rawURL, err)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("blob: url %q has no key", rawURL)
	}
	return u.Host, key, nil
}
