package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mohammadhprp/offgrid/internal/cache"
	"github.com/mohammadhprp/offgrid/internal/fetch"
	"github.com/mohammadhprp/offgrid/internal/handler"
	"github.com/mohammadhprp/offgrid/internal/manifest"
	"github.com/mohammadhprp/offgrid/internal/update"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// OriginHost runs generations on behalf of the update lifecycle: it reads
// the deployed version from the origin's /version endpoint, precaches
// generations and switches the fetcher between them.
type OriginHost struct {
	origin      *url.URL
	prefix      string
	client      *http.Client
	store       cache.Store
	fetcher     *fetch.Fetcher
	concurrency int
	logger      *zap.Logger

	mu        sync.Mutex
	manifests map[string]handler.VersionResponse
	onChange  func(ctx context.Context, version string)

	reloads atomic.Int64
}

// NewOriginHost creates a host for origin. client talks to the origin directly.
func NewOriginHost(origin *url.URL, prefix string, client *http.Client, store cache.Store, fetcher *fetch.Fetcher, concurrency int, logger *zap.Logger) *OriginHost {
	if client == nil {
		client = http.DefaultClient
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OriginHost{
		origin:      origin,
		prefix:      prefix,
		client:      client,
		store:       store,
		fetcher:     fetcher,
		concurrency: concurrency,
		logger:      logger,
		manifests:   make(map[string]handler.VersionResponse),
	}
}

// OnControllerChange registers the callback fired once a generation is in control.
func (h *OriginHost) OnControllerChange(fn func(ctx context.Context, version string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = fn
}

// ReloadEpoch counts reloads; pages poll it to know when to refresh.
func (h *OriginHost) ReloadEpoch() int64 {
	return h.reloads.Load()
}

func (h *OriginHost) resolve(path string) string {
	return h.origin.ResolveReference(&url.URL{Path: path}).String()
}

func (h *OriginHost) LatestVersion(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.resolve("/version"), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("version endpoint returned %d", resp.StatusCode)
	}

	var v handler.VersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", fmt.Errorf("decode version: %w", err)
	}
	if v.Version == "" {
		return "", errors.New("version endpoint returned an empty version")
	}

	h.mu.Lock()
	h.manifests[v.Version] = v
	h.mu.Unlock()
	return v.Version, nil
}

// Install fetches every precache path of version in parallel and stores the
// responses in the generation's namespace. Any failed path fails the install.
func (h *OriginHost) Install(ctx context.Context, handle cache.Handle, version string) error {
	h.mu.Lock()
	m, ok := h.manifests[version]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no manifest seen for version %s", version)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)

	for _, path := range m.Precache {
		g.Go(func() error {
			return h.precache(ctx, handle, path)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	h.logger.Info("generation precached", zap.String("version", version), zap.Int("paths", len(m.Precache)))
	return nil
}

func (h *OriginHost) precache(ctx context.Context, handle cache.Handle, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.resolve(path), nil)
	if err != nil {
		return err
	}
	key, _ := cache.RequestKey(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("precache %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("precache %s: status %d", path, resp.StatusCode)
	}

	snap, err := cache.Capture(resp, time.Now(), h.fetcher.MaxBodyBytes())
	if err != nil {
		return fmt.Errorf("precache %s: %w", path, err)
	}
	return h.store.Put(ctx, handle, key, snap)
}

// PostControlMessage switches the fetcher to version's generation. Both
// SKIP_WAITING and CLIENTS_CLAIM take control immediately here.
func (h *OriginHost) PostControlMessage(ctx context.Context, version string, msg update.ControlMessage) error {
	if msg.Type != update.SkipWaiting && msg.Type != update.ClientsClaim {
		return fmt.Errorf("unknown control message %q", msg.Type)
	}

	h.mu.Lock()
	onChange := h.onChange
	h.mu.Unlock()

	handle, err := h.store.Open(ctx, manifest.CacheName(h.prefix, version))
	if err != nil {
		return err
	}
	h.fetcher.Use(handle)
	h.logger.Info("generation took control", zap.String("version", version), zap.String("message", msg.Type))

	if onChange != nil {
		onChange(ctx, version)
	}
	return nil
}

// Reload bumps the reload epoch.
func (h *OriginHost) Reload() {
	epoch := h.reloads.Add(1)
	h.logger.Info("reload requested", zap.Int64("epoch", epoch))
}
