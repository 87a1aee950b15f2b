package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestEvaluate(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	tests := []struct {
		name     string
		endpoint string
		linkUp   bool
		want     State
	}{
		{"link down skips health check", healthy.URL, false, Offline},
		{"healthy endpoint", healthy.URL, true, Online},
		{"endpoint non-2xx", failing.URL, true, ServerDown},
		{"no endpoint is vacuously online", "", true, Online},
		{"no endpoint, link down", "", false, Offline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(Config{Endpoint: tt.endpoint}, zap.NewNop())
			if got := m.SetLinkUp(context.Background(), tt.linkUp); got != tt.want {
				t.Errorf("SetLinkUp() = %v, want %v", got, tt.want)
			}
			if m.State() != tt.want {
				t.Errorf("State() = %v, want %v", m.State(), tt.want)
			}
		})
	}
}

func TestCheckTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	m := NewMonitor(Config{Endpoint: slow.URL, CheckTimeout: 30 * time.Millisecond}, zap.NewNop())

	started := time.Now()
	if got := m.Evaluate(context.Background()); got != ServerDown {
		t.Errorf("Evaluate() = %v, want server-down", got)
	}
	if time.Since(started) > time.Second {
		t.Error("health check timeout not applied")
	}
}

func TestEvaluate_DownServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m := NewMonitor(Config{Endpoint: url}, zap.NewNop())
	if got := m.Evaluate(context.Background()); got != ServerDown {
		t.Errorf("Evaluate() = %v, want server-down", got)
	}
}

func TestSubscribersSeeChanges(t *testing.T) {
	m := NewMonitor(Config{}, zap.NewNop())

	var mu sync.Mutex
	var seen []State
	m.Subscribe(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	ctx := context.Background()
	m.SetLinkUp(ctx, true)
	m.SetLinkUp(ctx, false)
	m.SetLinkUp(ctx, false)
	m.SetLinkUp(ctx, true)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != Offline || seen[1] != Online {
		t.Errorf("seen = %v, want [offline online]", seen)
	}
}

func TestRun_ChecksPeriodically(t *testing.T) {
	var checks atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checks.Add(1)
	}))
	defer srv.Close()

	m := NewMonitor(Config{Endpoint: srv.URL, CheckInterval: 10 * time.Millisecond}, zap.NewNop())
	m.Run(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for checks.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("monitor did not check periodically")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// While the link is down the interval does not check.
	m.SetLinkUp(context.Background(), false)
	time.Sleep(20 * time.Millisecond)
	count := checks.Load()
	time.Sleep(50 * time.Millisecond)
	if checks.Load() != count {
		t.Error("checked while the link was down")
	}

	m.Stop()
}

func TestEvaluate_LinkDropDuringHealthCheck(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	m := NewMonitor(Config{Endpoint: slow.URL, CheckTimeout: 5 * time.Second}, zap.NewNop())

	result := make(chan State, 1)
	go func() {
		result <- m.Evaluate(context.Background())
	}()

	<-started
	if got := m.SetLinkUp(context.Background(), false); got != Offline {
		t.Fatalf("SetLinkUp(false) = %v, want offline", got)
	}
	close(release)

	if got := <-result; got != Offline {
		t.Errorf("in-flight Evaluate() = %v, want offline", got)
	}
	if got := m.State(); got != Offline {
		t.Errorf("State() = %v, want offline after the link went down", got)
	}
}
