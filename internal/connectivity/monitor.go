// Package connectivity tracks whether the remote service is reachable and
// notifies subscribers on changes.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Monitor exposes a boolean online/offline signal. The signal comes from a
// periodic HTTP probe, and the host can force a state (airplane mode, app
// backgrounded) which overrides probing until cleared.
type Monitor struct {
	mu       sync.Mutex
	probed   bool
	forced   *bool
	subs     map[int]chan bool
	nextSub  int
	probeURL string
	interval time.Duration
	client   *http.Client
}

// New creates a Monitor probing probeURL every interval. With an empty
// probeURL the monitor is driven purely by Force/Unforce. The monitor starts
// offline until the first probe or override says otherwise.
func New(probeURL string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		subs:     make(map[int]chan bool),
		probeURL: probeURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Run probes until the context is cancelled. An immediate probe runs before
// the first tick so startup does not wait a full interval.
func (m *Monitor) Run(ctx context.Context) {
	if m.probeURL == "" {
		<-ctx.Done()
		return
	}
	m.probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err == nil {
		resp, err := m.client.Do(req)
		if err == nil {
			resp.Body.Close()
			online = resp.StatusCode < 500
		}
	}
	m.update(func() { m.probed = online })
}

// update applies fn under the lock and notifies subscribers if the effective
// state changed.
func (m *Monitor) update(fn func()) {
	m.mu.Lock()
	before := m.effectiveLocked()
	fn()
	after := m.effectiveLocked()
	var subs []chan bool
	if before != after {
		for _, ch := range m.subs {
			subs = append(subs, ch)
		}
	}
	m.mu.Unlock()

	if before == after {
		return
	}
	slog.Info("connectivity changed", "online", after)
	for _, ch := range subs {
		// Coalesce: a pending notification already carries the news.
		select {
		case ch <- after:
		default:
		}
	}
}

func (m *Monitor) effectiveLocked() bool {
	if m.forced != nil {
		return *m.forced
	}
	return m.probed
}

// Online reports the current effective state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effectiveLocked()
}

// Force pins the state regardless of probe results.
func (m *Monitor) Force(online bool) {
	m.update(func() { m.forced = &online })
}

// Unforce returns control to the probe.
func (m *Monitor) Unforce() {
	m.update(func() { m.forced = nil })
}

// Subscribe returns a channel receiving the new state on every change, and a
// cancel func. Notifications coalesce; receivers always re-check Online.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
