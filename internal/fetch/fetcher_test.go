package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammadhprp/offgrid/internal/cache"
	"go.uber.org/zap"
)

var errNetworkDown = errors.New("dial tcp: network is unreachable")

// fakeNetwork serves fixed bodies, or fails every request while down is set.
type fakeNetwork struct {
	down   atomic.Bool
	calls  atomic.Int64
	status int
	body   string
}

func (n *fakeNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.calls.Add(1)
	if n.down.Load() {
		return nil, errNetworkDown
	}
	status := n.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       io.NopCloser(strings.NewReader(n.body)),
		Request:    req,
	}, nil
}

// failingCache rejects every write.
type failingCache struct {
	*cache.MemoryStore
}

func (failingCache) Put(context.Context, cache.Handle, string, cache.Snapshot) error {
	return errors.New("quota exceeded")
}

var origin = &url.URL{Scheme: "http", Host: "app.local"}

func newFetcher(t *testing.T, net http.RoundTripper, store cache.Store) *Fetcher {
	t.Helper()
	f := New(origin, net, store, zap.NewNop())
	h, err := store.Open(context.Background(), "offgrid-v1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	f.Use(h)
	return f
}

func get(t *testing.T, f *Fetcher, target, accept string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := f.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		target string
		accept string
		want   Class
	}{
		{"http://app.local/", "", Document},
		{"http://app.local/docs/intro", "", Document},
		{"http://app.local/app.js", "", Asset},
		{"http://app.local/styles/main.css", "*/*", Asset},
		{"http://app.local/page.html", "text/html,application/xhtml+xml", Document},
		{"http://app.local/logo.png", "image/*", Asset},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, tt.target, nil)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			if got := Classify(req); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNetworkFirst_StoresAndFallsBack(t *testing.T) {
	net := &fakeNetwork{body: "<h1>v1</h1>"}
	store := cache.NewMemoryStore()
	f := newFetcher(t, net, store)

	resp := get(t, f, "http://app.local/", "text/html")
	if body := readBody(t, resp); body != "<h1>v1</h1>" {
		t.Fatalf("body = %q", body)
	}
	f.Wait()

	h, _ := f.Namespace()
	snap, err := store.Match(context.Background(), h, "GET http://app.local/")
	if err != nil || string(snap.Body) != "<h1>v1</h1>" {
		t.Fatalf("cached entry = %q, %v", snap.Body, err)
	}

	net.down.Store(true)
	resp = get(t, f, "http://app.local/", "text/html")
	if resp.StatusCode != http.StatusOK || IsOffline(resp) {
		t.Fatalf("status = %d, want cached 200", resp.StatusCode)
	}
	if body := readBody(t, resp); body != "<h1>v1</h1>" {
		t.Errorf("fallback body = %q", body)
	}
}

func TestNetworkFirst_OfflineWithoutCache(t *testing.T) {
	net := &fakeNetwork{}
	net.down.Store(true)
	f := newFetcher(t, net, cache.NewMemoryStore())

	resp := get(t, f, "http://app.local/never-seen", "")
	if !IsOffline(resp) {
		t.Fatalf("expected the offline sentinel, got %d %v", resp.StatusCode, resp.Header)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := readBody(t, resp); body != "Offline" {
		t.Errorf("body = %q", body)
	}
}

func TestNetworkFirst_NonOKIsReturnedNotCached(t *testing.T) {
	net := &fakeNetwork{status: http.StatusNotFound, body: "missing"}
	store := cache.NewMemoryStore()
	f := newFetcher(t, net, store)

	resp := get(t, f, "http://app.local/gone", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	f.Wait()

	h, _ := f.Namespace()
	if keys, _ := store.Keys(context.Background(), h); len(keys) != 0 {
		t.Errorf("non-200 response was cached: %v", keys)
	}
}

func TestNetworkFirst_CacheWriteFailureIsSwallowed(t *testing.T) {
	net := &fakeNetwork{body: "ok"}
	f := newFetcher(t, net, failingCache{cache.NewMemoryStore()})

	resp := get(t, f, "http://app.local/", "")
	if resp.StatusCode != http.StatusOK || readBody(t, resp) != "ok" {
		t.Fatal("a failed cache write must not affect the response")
	}
	f.Wait()
}

func TestCacheFirst_HitSkipsNetwork(t *testing.T) {
	net := &fakeNetwork{body: "body{}"}
	f := newFetcher(t, net, cache.NewMemoryStore())

	if body := readBody(t, get(t, f, "http://app.local/app.css", "")); body != "body{}" {
		t.Fatalf("first body = %q", body)
	}
	f.Wait()
	calls := net.calls.Load()

	if body := readBody(t, get(t, f, "http://app.local/app.css", "")); body != "body{}" {
		t.Errorf("cached body = %q", body)
	}
	if net.calls.Load() != calls {
		t.Error("cache hit must not touch the network")
	}
}

func TestCacheFirst_MissOffline(t *testing.T) {
	net := &fakeNetwork{}
	net.down.Store(true)
	f := newFetcher(t, net, cache.NewMemoryStore())

	if resp := get(t, f, "http://app.local/app.js", ""); !IsOffline(resp) {
		t.Errorf("status = %d, want offline sentinel", resp.StatusCode)
	}
}

func TestBypass(t *testing.T) {
	net := &fakeNetwork{}
	net.down.Store(true)
	f := newFetcher(t, net, cache.NewMemoryStore())

	post, _ := http.NewRequest(http.MethodPost, "http://app.local/api/documents", strings.NewReader("x"))
	if _, err := f.RoundTrip(post); !errors.Is(err, errNetworkDown) {
		t.Errorf("POST error = %v, want the network error passed through", err)
	}

	cross, _ := http.NewRequest(http.MethodGet, "http://cdn.example.com/lib.js", nil)
	if _, err := f.RoundTrip(cross); !errors.Is(err, errNetworkDown) {
		t.Errorf("cross-origin error = %v, want the network error passed through", err)
	}
}

func TestNoNamespace_ServesNetworkOnly(t *testing.T) {
	net := &fakeNetwork{body: "hi"}
	f := New(origin, net, cache.NewMemoryStore(), zap.NewNop())

	if body := readBody(t, get(t, f, "http://app.local/", "")); body != "hi" {
		t.Errorf("body = %q", body)
	}

	net.down.Store(true)
	if resp := get(t, f, "http://app.local/", ""); !IsOffline(resp) {
		t.Error("without a generation nothing is cached, expected offline sentinel")
	}
}

// slowNetwork blocks until the request context ends.
type slowNetwork struct{}

func (slowNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	<-req.Context().Done()
	return nil, req.Context().Err()
}

func TestNetworkTimeout(t *testing.T) {
	f := New(origin, slowNetwork{}, cache.NewMemoryStore(), zap.NewNop(), WithNetworkTimeout(20*time.Millisecond))

	req, _ := http.NewRequest(http.MethodGet, "http://app.local/", nil)
	done := make(chan *http.Response, 1)
	go func() {
		resp, _ := f.RoundTrip(req)
		done <- resp
	}()

	select {
	case resp := <-done:
		if !IsOffline(resp) {
			t.Errorf("status = %d, want offline sentinel", resp.StatusCode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("network timeout was not applied")
	}
}

func TestOversizedResponse_ServedButNotCached(t *testing.T) {
	body := strings.Repeat("a", 64)
	net := &fakeNetwork{body: body}
	store := cache.NewMemoryStore()
	f := New(origin, net, store, zap.NewNop(), WithMaxBodyBytes(16))
	h, err := store.Open(context.Background(), "offgrid-v1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	f.Use(h)

	resp := get(t, f, "http://app.local/bundle.js", "")
	if resp.StatusCode != http.StatusOK || readBody(t, resp) != body {
		t.Fatalf("oversized asset was not passed through, status = %d", resp.StatusCode)
	}
	f.Wait()

	if _, err := store.Match(context.Background(), h, "GET http://app.local/bundle.js"); !errors.Is(err, cache.ErrNotFound) {
		t.Errorf("Match() error = %v, want ErrNotFound", err)
	}
}

// encodingNetwork records the Accept-Encoding each request arrives with.
type encodingNetwork struct {
	seen chan string
}

func (n encodingNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.seen <- req.Header.Get("Accept-Encoding")
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html"}},
		Body:       io.NopCloser(strings.NewReader("ok")),
		Request:    req,
	}, nil
}

func TestAcceptEncodingNotForwarded(t *testing.T) {
	net := encodingNetwork{seen: make(chan string, 1)}
	f := newFetcher(t, net, cache.NewMemoryStore())

	req, _ := http.NewRequest(http.MethodGet, "http://app.local/", nil)
	req.Header.Set("Accept", "text/html")
	req.Header.Set("Accept-Encoding", "gzip, br")
	if _, err := f.RoundTrip(req); err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}

	if got := <-net.seen; got != "" {
		t.Errorf("origin saw Accept-Encoding %q, want none", got)
	}
	if req.Header.Get("Accept-Encoding") != "gzip, br" {
		t.Error("caller's request headers were modified")
	}
}
