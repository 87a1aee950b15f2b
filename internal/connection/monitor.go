// Package connection classifies reachability as online, offline or server-down.
package connection

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the connectivity classification.
type State string

const (
	Online     State = "online"
	Offline    State = "offline"
	ServerDown State = "server-down"
)

const (
	DefaultCheckTimeout  = 3 * time.Second
	DefaultCheckInterval = 30 * time.Second
)

// Config configures a Monitor. An empty Endpoint disables health checks: the
// system is self-contained and a live link is enough to be online.
type Config struct {
	Endpoint      string
	CheckTimeout  time.Duration
	CheckInterval time.Duration
	Client        *http.Client
}

// Monitor combines the link signal with a health check of the endpoint.
type Monitor struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu          sync.Mutex
	linkUp      bool
	linkEpoch   uint64
	state       State
	subscribers []func(State)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a Monitor that starts online with the link up.
func NewMonitor(cfg Config, logger *zap.Logger) *Monitor {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:    cfg,
		client: client,
		logger: logger,
		linkUp: true,
		state:  Online,
	}
}

// State returns the last classification.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn to be called with every state change.
func (m *Monitor) Subscribe(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// SetLinkUp records a connectivity change event and re-evaluates.
func (m *Monitor) SetLinkUp(ctx context.Context, up bool) State {
	m.mu.Lock()
	m.linkUp = up
	m.linkEpoch++
	m.mu.Unlock()
	return m.Evaluate(ctx)
}

// Evaluate classifies connectivity now. A down link is offline without a health check.
// A health result is dropped if the link signal changed while it was in flight.
func (m *Monitor) Evaluate(ctx context.Context) State {
	m.mu.Lock()
	up := m.linkUp
	epoch := m.linkEpoch
	m.mu.Unlock()

	next := Offline
	if up {
		next = Online
		if err := m.checkHealth(ctx); err != nil {
			m.logger.Debug("health check failed", zap.String("endpoint", m.cfg.Endpoint), zap.Error(err))
			next = ServerDown
		}
	}

	return m.set(next, epoch)
}

func (m *Monitor) set(next State, epoch uint64) State {
	m.mu.Lock()
	if epoch != m.linkEpoch || (!m.linkUp && next != Offline) {
		current := m.state
		m.mu.Unlock()
		m.logger.Debug("dropping stale connectivity result", zap.String("result", string(next)))
		return current
	}
	prev := m.state
	m.state = next
	subs := append([]func(State){}, m.subscribers...)
	m.mu.Unlock()

	if prev == next {
		return next
	}
	m.logger.Info("connection state changed", zap.String("from", string(prev)), zap.String("to", string(next)))
	for _, fn := range subs {
		fn(next)
	}
	return next
}

func (m *Monitor) checkHealth(ctx context.Context) error {
	if m.cfg.Endpoint == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Run evaluates immediately and then every CheckInterval while the link is up,
// until Stop or ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.Evaluate(ctx)

		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.mu.Lock()
				up := m.linkUp
				m.mu.Unlock()
				if up {
					m.Evaluate(ctx)
				}
			}
		}
	}()
}

// Stop ends the periodic evaluation.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
