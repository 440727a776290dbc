package sync

import (
	"net/http"
	"sync"
	"time"
)

// Monitor reports network connectivity. The engine consults it at the start of
// every sync cycle.
type Monitor interface {
	// Online reports whether the network is currently reachable.
	Online() bool
}

// StaticMonitor is a manually driven Monitor. Used by tests and by callers
// that receive connectivity events from the platform.
type StaticMonitor struct {
	mu     sync.RWMutex
	online bool
}

// NewStaticMonitor creates a StaticMonitor with the given initial state.
func NewStaticMonitor(online bool) *StaticMonitor {
	return &StaticMonitor{online: online}
}

// SetOnline changes the reported connectivity.
func (m *StaticMonitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
}

// Online implements Monitor.
func (m *StaticMonitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// ProbeMonitor determines connectivity by probing an HTTP endpoint. Verdicts
// are cached for a short TTL so frequent callers do not hammer the probe URL.
type ProbeMonitor struct {
	url string
	hc  *http.Client
	ttl time.Duration

	mu      sync.Mutex
	online  bool
	checked time.Time
}

// NewProbeMonitor creates a ProbeMonitor against probeURL.
func NewProbeMonitor(probeURL string) *ProbeMonitor {
	return &ProbeMonitor{
		url: probeURL,
		hc:  &http.Client{Timeout: 3 * time.Second},
		ttl: 10 * time.Second,
	}
}

// Online implements Monitor.
func (m *ProbeMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Since(m.checked) < m.ttl {
		return m.online
	}

	resp, err := m.hc.Head(m.url)
	if err == nil {
		resp.Body.Close()
	}

	m.online = err == nil
	m.checked = time.Now()
	return m.online
}
