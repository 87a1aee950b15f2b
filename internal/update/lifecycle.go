// Package update tracks new cache generations from detection to activation,
// prunes superseded generations and raises one update notification per version.
package update

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohammadhprp/offgrid/internal/cache"
	"github.com/mohammadhprp/offgrid/internal/manifest"
	"github.com/mohammadhprp/offgrid/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Host is what the lifecycle needs from its environment. The host reports the
// moment a generation takes control by calling Lifecycle.ControllerChanged.
type Host interface {
	// LatestVersion asks the origin for the deployed generation.
	LatestVersion(ctx context.Context) (string, error)

	// Install populates h with the generation's precached content.
	Install(ctx context.Context, h cache.Handle, version string) error

	// PostControlMessage delivers msg to the generation identified by version.
	PostControlMessage(ctx context.Context, version string, msg ControlMessage) error

	// Reload discards state derived from the previous generation.
	Reload()
}

// Config tunes the lifecycle.
type Config struct {
	Prefix         string
	CheckInterval  time.Duration
	ReloadFallback time.Duration
}

const (
	DefaultCheckInterval  = 5 * time.Minute
	DefaultReloadFallback = 500 * time.Millisecond

	backgroundTimeout = 30 * time.Second
	checkTimeout      = 2 * time.Minute
)

// Lifecycle is the per-session update state machine:
// NoUpdate -> Installing -> Waiting -> Activating -> Activated.
// First installs have no controller and go from Installing straight to
// Activating without a notification.
type Lifecycle struct {
	host    Host
	store   cache.Store
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Recorder

	checks singleflight.Group

	mu            sync.Mutex
	state         State
	current       string
	installing    string
	waiting       string
	activating    string
	hadController bool
	activated     bool
	notified      map[string]bool
	listeners     []func(version string)
	fallback      *time.Timer

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// base outlives callers of Check and ends with Stop.
	base     context.Context
	shutdown context.CancelFunc
}

// New creates a Lifecycle. Zero durations take the defaults.
func New(host Host, store cache.Store, cfg Config, rec *metrics.Recorder, logger *zap.Logger) *Lifecycle {
	if cfg.Prefix == "" {
		cfg.Prefix = manifest.DefaultPrefix
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.ReloadFallback <= 0 {
		cfg.ReloadFallback = DefaultReloadFallback
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if rec == nil {
		rec = metrics.Nop()
	}
	base, shutdown := context.WithCancel(context.Background())
	return &Lifecycle{
		host:     host,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		metrics:  rec,
		notified: make(map[string]bool),
		base:     base,
		shutdown: shutdown,
	}
}

// Restore records version as the generation already in control, e.g. one
// persisted by a previous run.
func (l *Lifecycle) Restore(version string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = version
}

// OnUpdateAvailable registers fn to be called once per newly waiting version.
func (l *Lifecycle) OnUpdateAvailable(fn func(version string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Status returns the current view.
func (l *Lifecycle) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		State:      l.state,
		Current:    l.current,
		Waiting:    l.waiting,
		Installing: l.installing,
		Activating: l.activating,
	}
}

// Start checks immediately and then every CheckInterval until Stop.
// Calling Start again is a no-op.
func (l *Lifecycle) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		l.trigger(ctx, "register")

		ticker := time.NewTicker(l.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.trigger(ctx, "interval")
			}
		}
	}()
}

// Stop cancels the periodic checks, any check in flight and any pending
// fallback reload.
func (l *Lifecycle) Stop() {
	l.shutdown()

	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	if l.fallback != nil {
		l.fallback.Stop()
		l.fallback = nil
	}
	l.mu.Unlock()

	l.wg.Wait()
}

// OnVisible re-checks when a page becomes visible.
func (l *Lifecycle) OnVisible(ctx context.Context) {
	l.trigger(ctx, "visible")
}

// OnOnline re-checks when connectivity returns.
func (l *Lifecycle) OnOnline(ctx context.Context) {
	l.trigger(ctx, "online")
}

func (l *Lifecycle) trigger(ctx context.Context, reason string) {
	if err := l.Check(ctx); err != nil {
		l.logger.Warn("update check failed, staying on current generation",
			zap.String("reason", reason), zap.Error(err))
	}
}

// Check looks for a new generation and installs it. Concurrent calls share
// one check, which runs detached from any single caller's cancellation until
// Stop.
// Finding a version that is already current, waiting or being activated
// changes nothing. A new version found while another is activating is left
// for the next check.
func (l *Lifecycle) Check(ctx context.Context) error {
	ch := l.checks.DoChan("check", func() (any, error) {
		ctx, cancel := context.WithTimeout(l.base, checkTimeout)
		defer cancel()
		return nil, l.check(ctx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lifecycle) check(ctx context.Context) error {
	latest, err := l.host.LatestVersion(ctx)
	if err != nil {
		return fmt.Errorf("detect latest version: %w", err)
	}

	l.mu.Lock()
	if latest == "" || latest == l.current || latest == l.waiting || latest == l.activating {
		l.mu.Unlock()
		return nil
	}
	if l.activating != "" {
		activating := l.activating
		l.mu.Unlock()
		l.logger.Info("activation in progress, deferring install",
			zap.String("version", latest), zap.String("activating", activating))
		return nil
	}
	l.installing = latest
	l.settle()
	l.mu.Unlock()

	installID := uuid.NewString()
	l.transition(ctx, Installing)
	l.logger.Info("installing generation", zap.String("version", latest), zap.String("install_id", installID))

	name := manifest.CacheName(l.cfg.Prefix, latest)
	h, err := l.store.Open(ctx, name)
	if err == nil {
		err = l.host.Install(ctx, h, latest)
	}
	if err == nil {
		err = l.store.Seal(ctx, h)
	}
	if err != nil {
		if _, delErr := l.store.Delete(context.WithoutCancel(ctx), name); delErr != nil {
			l.logger.Warn("failed to discard partial generation", zap.String("namespace", name), zap.Error(delErr))
		}
		l.mu.Lock()
		l.installing = ""
		l.settle()
		l.mu.Unlock()
		return fmt.Errorf("install %s (%s): %w", latest, installID, err)
	}

	l.mu.Lock()
	l.installing = ""

	if l.current == "" && l.activating == "" {
		// First install: nothing to replace, take control directly.
		l.activating = latest
		l.hadController = false
		l.settle()
		l.mu.Unlock()

		l.transition(ctx, Activating)
		if err := l.takeControl(ctx, latest, ClientsClaim); err != nil {
			l.mu.Lock()
			if l.activating == latest {
				l.activating = ""
				l.settle()
			}
			l.mu.Unlock()
			return err
		}
		return nil
	}

	superseded := l.waiting
	l.waiting = latest
	l.settle()
	notify := !l.notified[latest]
	l.notified[latest] = true
	listeners := append([]func(string){}, l.listeners...)
	l.mu.Unlock()

	l.transition(ctx, Waiting)

	if superseded != "" {
		l.discard(ctx, superseded)
	}

	if notify {
		l.logger.Info("update available", zap.String("version", latest), zap.String("install_id", installID))
		for _, fn := range listeners {
			fn(latest)
		}
	}
	return nil
}

// Activate moves the waiting generation to Activating and tells it to take control.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.mu.Lock()
	if l.waiting == "" || l.activating != "" {
		l.mu.Unlock()
		return ErrNotWaiting
	}
	version := l.waiting
	l.activating = version
	l.waiting = ""
	l.hadController = l.current != ""
	l.settle()
	l.mu.Unlock()

	l.transition(ctx, Activating)

	if err := l.takeControl(ctx, version, SkipWaiting); err != nil {
		l.mu.Lock()
		if l.activating == version {
			l.activating = ""
			if l.waiting == "" {
				l.waiting = version
			}
			l.settle()
		}
		l.mu.Unlock()
		return err
	}
	return nil
}

// Claim asks the generation in control, or the one being activated, to take
// control of clients immediately.
func (l *Lifecycle) Claim(ctx context.Context) error {
	l.mu.Lock()
	version := l.current
	if l.activating != "" {
		version = l.activating
	}
	l.mu.Unlock()

	if version == "" {
		return ErrNoController
	}
	if err := l.host.PostControlMessage(ctx, version, ControlMessage{Type: ClientsClaim}); err != nil {
		return fmt.Errorf("post %s to %s: %w", ClientsClaim, version, err)
	}
	return nil
}

func (l *Lifecycle) takeControl(ctx context.Context, version, msgType string) error {
	if err := l.host.PostControlMessage(ctx, version, ControlMessage{Type: msgType}); err != nil {
		return fmt.Errorf("post %s to %s: %w", msgType, version, err)
	}

	// The controller change may never be reported; finish activation anyway.
	l.mu.Lock()
	if l.fallback != nil {
		l.fallback.Stop()
		l.fallback = nil
	}
	if l.activating != version {
		// Already completed by a synchronous controller change.
		l.mu.Unlock()
		return nil
	}
	l.fallback = time.AfterFunc(l.cfg.ReloadFallback, func() {
		ctx, cancel := context.WithTimeout(l.base, backgroundTimeout)
		defer cancel()
		l.complete(ctx, version, "fallback")
	})
	l.mu.Unlock()
	return nil
}

// ControllerChanged reports that version now controls the page.
func (l *Lifecycle) ControllerChanged(ctx context.Context, version string) {
	l.complete(ctx, version, "controllerchange")
}

func (l *Lifecycle) complete(ctx context.Context, version, via string) {
	l.mu.Lock()
	if l.activating != version {
		l.mu.Unlock()
		return
	}
	if l.fallback != nil {
		l.fallback.Stop()
		l.fallback = nil
	}
	reload := l.hadController
	l.current = version
	l.activating = ""
	l.activated = true
	l.settle()
	l.mu.Unlock()

	l.transition(ctx, Activated)
	l.logger.Info("generation activated", zap.String("version", version), zap.String("via", via))

	l.prune(ctx)

	if reload {
		l.host.Reload()
	}
}

// prune deletes every generation sharing the prefix except the current one
// and any generation still being installed or waiting.
func (l *Lifecycle) prune(ctx context.Context) {
	l.mu.Lock()
	keep := map[string]bool{manifest.CacheName(l.cfg.Prefix, l.current): true}
	for _, v := range []string{l.installing, l.waiting, l.activating} {
		if v != "" {
			keep[manifest.CacheName(l.cfg.Prefix, v)] = true
		}
	}
	l.mu.Unlock()

	names, err := l.store.ListNamespaces(ctx, l.cfg.Prefix+"-")
	if err != nil {
		l.logger.Warn("failed to list generations for pruning", zap.Error(err))
		return
	}
	for _, name := range names {
		if keep[name] {
			continue
		}
		if _, err := l.store.Delete(ctx, name); err != nil {
			l.logger.Warn("failed to prune generation", zap.String("namespace", name), zap.Error(err))
			continue
		}
		l.logger.Info("pruned generation", zap.String("namespace", name))
	}
}

func (l *Lifecycle) discard(ctx context.Context, version string) {
	name := manifest.CacheName(l.cfg.Prefix, version)
	if _, err := l.store.Delete(ctx, name); err != nil {
		l.logger.Warn("failed to discard superseded update", zap.String("namespace", name), zap.Error(err))
	}
}

// settle derives the reported state from the versions in flight. Callers hold l.mu.
func (l *Lifecycle) settle() {
	switch {
	case l.activating != "":
		l.state = Activating
	case l.installing != "":
		l.state = Installing
	case l.waiting != "":
		l.state = Waiting
	case l.activated:
		l.state = Activated
	default:
		l.state = NoUpdate
	}
}

func (l *Lifecycle) transition(ctx context.Context, s State) {
	l.metrics.UpdateTransition(ctx, s.String())
	l.logger.Debug("update state", zap.String("state", s.String()))
}
