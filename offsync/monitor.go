package offsync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ProbeFunc reports whether the remote endpoint is currently reachable.
type ProbeFunc func(ctx context.Context) bool

// HTTPProbe returns a probe that issues a HEAD request against url
// (typically the server's health endpoint).
func HTTPProbe(url string, client *http.Client) ProbeFunc {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode < 500
	}
}

// Monitor observes online/offline transitions and notifies listeners. It is
// a pure signal source: it never touches the mutation queue itself — the
// engine subscribes and decides to drain. Reads of the local store never
// consult the monitor; they succeed regardless of connectivity.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration
	limiter  *rate.Limiter

	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(online bool)
}

// NewMonitor creates a connectivity monitor. The initial online value
// reflects a probe taken at construction.
func NewMonitor(probe ProbeFunc, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	m := &Monitor{
		probe:     probe,
		interval:  interval,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		listeners: make(map[int]func(bool)),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.online = probe(ctx)
	return m
}

// Online returns the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a listener fired on every transition, immediately and
// without debounce. The returned cancel func deregisters it; no
// subscriptions outlive their caller.
func (m *Monitor) Subscribe(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Run probes periodically until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.set(m.probe(ctx))
		}
	}
}

// CheckNow forces a probe, rate-limited so UI-driven rechecks cannot flood
// the network. When throttled it returns the last observed state.
func (m *Monitor) CheckNow(ctx context.Context) bool {
	if !m.limiter.Allow() {
		return m.Online()
	}
	online := m.probe(ctx)
	m.set(online)
	return online
}

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}
