// Package cache stores captured GET responses in named, versioned namespaces.
// Each namespace holds one generation of application content.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Match when no entry exists for the key.
	ErrNotFound = errors.New("cache entry not found")

	// ErrNamespaceDeleted is returned when writing through a handle whose
	// namespace has been deleted since it was opened.
	ErrNamespaceDeleted = errors.New("cache namespace deleted")

	// ErrInvalidName rejects namespace names the backing store cannot encode.
	ErrInvalidName = errors.New("invalid cache namespace name")

	// ErrTooLarge is returned by Capture when a body exceeds the capture limit.
	ErrTooLarge = errors.New("response body too large to cache")
)

// Handle refers to one opened namespace. A handle outlives deletion of its
// namespace but can no longer write to it.
type Handle struct {
	Name string
	id   uint64
}

// Store is a collection of namespaces.
type Store interface {
	// Open creates the namespace if missing. Reopening keeps existing entries.
	Open(ctx context.Context, name string) (Handle, error)

	// Put replaces the entry for key. Readers see the old entry or the new one, never a mix.
	Put(ctx context.Context, h Handle, key string, snap Snapshot) error

	// Match returns the entry for key or ErrNotFound.
	Match(ctx context.Context, h Handle, key string) (Snapshot, error)

	// Keys lists the request keys stored in the namespace, sorted.
	Keys(ctx context.Context, h Handle) ([]string, error)

	// Seal marks the namespace as completely populated.
	Seal(ctx context.Context, h Handle) error

	// Sealed reports whether the named namespace exists and has been sealed.
	Sealed(ctx context.Context, name string) (bool, error)

	// Delete removes the namespace and all of its entries. It reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)

	// ListNamespaces returns names starting with prefix in creation order.
	ListNamespaces(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// Snapshot is a captured response: status, headers and the full body.
type Snapshot struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone returns a deep copy sharing no memory with s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Status: s.Status, Header: s.Header.Clone(), StoredAt: s.StoredAt}
	if s.Body != nil {
		out.Body = bytes.Clone(s.Body)
	}
	return out
}

// Response builds a fresh response for req from the snapshot. Each call gets
// its own body reader.
func (s Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, http.StatusText(s.Status)),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(bytes.Clone(s.Body))),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// Capture drains resp.Body into a snapshot and gives resp a replacement body
// over a separate copy, so the caller and the cache never share a reader.
// With maxBytes > 0 a larger body is not captured: ErrTooLarge is returned
// and resp keeps a body that still yields every byte.
func Capture(resp *http.Response, now time.Time, maxBytes int64) (Snapshot, error) {
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return Snapshot{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	src := io.Reader(resp.Body)
	if maxBytes > 0 {
		src = io.LimitReader(resp.Body, maxBytes+1)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		_ = resp.Body.Close()
		return Snapshot{}, fmt.Errorf("read response body: %w", err)
	}
	if maxBytes > 0 && int64(len(body)) > maxBytes {
		resp.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(body), resp.Body), resp.Body}
		return Snapshot{}, fmt.Errorf("%w: over %d bytes", ErrTooLarge, maxBytes)
	}
	_ = resp.Body.Close()

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	return Snapshot{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     bytes.Clone(body),
		StoredAt: now,
	}, nil
}

// RequestKey canonicalizes a request as "GET <url>". Only GET is cacheable.
func RequestKey(r *http.Request) (string, bool) {
	if r.Method != http.MethodGet || r.URL == nil {
		return "", false
	}
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" {
		u.Path = "/"
	}
	return http.MethodGet + " " + u.String(), true
}

func validName(name string) error {
	if name == "" || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
