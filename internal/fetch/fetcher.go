// Package fetch serves GET requests through the cache: network-first for
// documents and cache-first for assets, degrading to an offline sentinel.
package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohammadhprp/offgrid/internal/cache"
	"github.com/mohammadhprp/offgrid/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout = 5 * time.Second

	// DefaultMaxBodyBytes bounds the bodies kept in the cache.
	DefaultMaxBodyBytes = 10 << 20
)

// Fetcher is an http.RoundTripper applying the fetch strategies in front of
// a network transport. Non-GET and cross-origin requests pass straight through.
type Fetcher struct {
	origin    *url.URL
	transport http.RoundTripper
	cache     cache.Store
	metrics   *metrics.Recorder
	logger    *zap.Logger

	networkTimeout time.Duration
	writeTimeout   time.Duration
	maxBodyBytes   int64
	now            func() time.Time

	current atomic.Pointer[cache.Handle]
	writes  sync.WaitGroup
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithNetworkTimeout bounds each network attempt. Zero means no bound.
func WithNetworkTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.networkTimeout = d }
}

// WithMaxBodyBytes sets the largest body stored in the cache. Larger
// responses are served from the network uncached. Zero or less disables the bound.
func WithMaxBodyBytes(n int64) Option {
	return func(f *Fetcher) { f.maxBodyBytes = n }
}

// WithMetrics records lookups and outcomes.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(f *Fetcher) { f.metrics = rec }
}

// WithClock replaces time.Now for StoredAt stamps.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// New creates a Fetcher for origin. A nil transport uses http.DefaultTransport.
func New(origin *url.URL, transport http.RoundTripper, store cache.Store, logger *zap.Logger, opts ...Option) *Fetcher {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		origin:       origin,
		transport:    transport,
		cache:        store,
		metrics:      metrics.Nop(),
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
		maxBodyBytes: DefaultMaxBodyBytes,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Use makes h the generation that responses are stored in and served from.
func (f *Fetcher) Use(h cache.Handle) {
	f.current.Store(&h)
}

// Namespace returns the current generation, if one is in use.
func (f *Fetcher) Namespace() (cache.Handle, bool) {
	h := f.current.Load()
	if h == nil {
		return cache.Handle{}, false
	}
	return *h, true
}

// MaxBodyBytes reports the cache body limit, zero or less when unbounded.
func (f *Fetcher) MaxBodyBytes() int64 {
	return f.maxBodyBytes
}

// Wait blocks until background cache writes have finished.
func (f *Fetcher) Wait() {
	f.writes.Wait()
}

// RoundTrip implements http.RoundTripper. GET requests to the origin never
// return an error: network failures become a cached response or the offline sentinel.
func (f *Fetcher) RoundTrip(req *http.Request) (*http.Response, error) {
	key, ok := cache.RequestKey(req)
	if !ok || !f.sameOrigin(req.URL) {
		return f.transport.RoundTrip(req)
	}

	class := Classify(req)
	if class == Document {
		return f.networkFirst(req, key), nil
	}
	return f.cacheFirst(req, key), nil
}

func (f *Fetcher) sameOrigin(u *url.URL) bool {
	return u.Scheme == f.origin.Scheme && u.Host == f.origin.Host
}

func (f *Fetcher) networkFirst(req *http.Request, key string) *http.Response {
	ctx := req.Context()
	strategy := Document.Strategy()

	resp, err := f.network(req)
	if err == nil {
		if err = f.keep(resp, key); err == nil {
			f.metrics.FetchResponse(ctx, strategy, metrics.SourceNetwork)
			return resp
		}
	}
	f.logger.Debug("network fetch failed, falling back to cache", zap.String("key", key), zap.Error(err))

	if snap, ok := f.match(ctx, key); ok {
		f.metrics.FetchResponse(ctx, strategy, metrics.SourceCache)
		return snap.Response(req)
	}

	f.metrics.FetchResponse(ctx, strategy, metrics.SourceOffline)
	return OfflineResponse(req)
}

func (f *Fetcher) cacheFirst(req *http.Request, key string) *http.Response {
	ctx := req.Context()
	strategy := Asset.Strategy()

	if snap, ok := f.match(ctx, key); ok {
		f.metrics.FetchResponse(ctx, strategy, metrics.SourceCache)
		return snap.Response(req)
	}

	resp, err := f.network(req)
	if err == nil {
		err = f.keep(resp, key)
	}
	if err != nil {
		f.logger.Debug("asset unavailable", zap.String("key", key), zap.Error(err))
		f.metrics.FetchResponse(ctx, strategy, metrics.SourceOffline)
		return OfflineResponse(req)
	}

	f.metrics.FetchResponse(ctx, strategy, metrics.SourceNetwork)
	return resp
}

// keep captures a cacheable response and stores it in the background. The
// caller's response gets its own copy of the body. Only a failed body read
// is reported; cache write failures never reach the caller.
func (f *Fetcher) keep(resp *http.Response, key string) error {
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	h, ok := f.Namespace()
	if !ok {
		return nil
	}

	snap, err := cache.Capture(resp, f.now(), f.maxBodyBytes)
	if errors.Is(err, cache.ErrTooLarge) {
		f.logger.Debug("response not cached", zap.String("key", key), zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	f.writes.Add(1)
	go func() {
		defer f.writes.Done()

		ctx, cancel := context.WithTimeout(context.Background(), f.writeTimeout)
		defer cancel()

		if err := f.cache.Put(ctx, h, key, snap); err != nil {
			f.metrics.CacheWriteError(ctx, h.Name)
			f.logger.Warn("cache write failed", zap.String("namespace", h.Name), zap.String("key", key), zap.Error(err))
		}
	}()
	return nil
}

func (f *Fetcher) match(ctx context.Context, key string) (cache.Snapshot, bool) {
	h, ok := f.Namespace()
	if !ok {
		return cache.Snapshot{}, false
	}

	snap, err := f.cache.Match(ctx, h, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			f.logger.Warn("cache lookup failed", zap.String("namespace", h.Name), zap.String("key", key), zap.Error(err))
		}
		f.metrics.CacheLookup(ctx, h.Name, false)
		return cache.Snapshot{}, false
	}
	f.metrics.CacheLookup(ctx, h.Name, true)
	return snap, true
}

// network sends req without the browser's Accept-Encoding. The transport then
// negotiates and decodes compression itself, so cached bodies are stored
// decoded and can be replayed to any client. A transport that still returns
// an encoded body has it cached together with its Content-Encoding header.
func (f *Fetcher) network(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") != "" {
		req = req.Clone(req.Context())
		req.Header.Del("Accept-Encoding")
	}
	if f.networkTimeout <= 0 {
		return f.transport.RoundTrip(req)
	}

	ctx, cancel := context.WithTimeout(req.Context(), f.networkTimeout)
	resp, err := f.transport.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the attempt's timeout once the body is done with.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
