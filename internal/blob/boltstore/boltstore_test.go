package boltstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shineum/mail-dispatch/internal/blob"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "blobs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutFetch(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	url, err := s.Put(ctx, "u1/1700-notes.txt", []byte("some notes"), "text/plain")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "bolt:///u1/1700-notes.txt" {
		t.Errorf("url: got %q", url)
	}

	data, err := s.Fetch(ctx, url)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "some notes" {
		t.Errorf("data: got %q", data)
	}
	if ct := s.ContentType("u1/1700-notes.txt"); ct != "text/plain" {
		t.Errorf("content type: got %q", ct)
	}
}

func TestFetchMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.Fetch(context.Background(), "bolt:///nope")
	if !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "blobs.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	url, err := s.Put(context.Background(), "k", []byte("v"), "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	data, err := s.Fetch(context.Background(), url)
	if err != nil || string(data) != "v" {
		t.Errorf("after reopen: data=%q err=%v", data, err)
	}
}
