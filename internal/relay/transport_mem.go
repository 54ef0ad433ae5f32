package relay

import (
	"context"
	"sync"

	"github.com/echolock/core/internal/corerr"
)

// MemTransport is an in-process Transport backed by per-relay event logs,
// used by package tests and by any caller exercising the relay client
// without real network I/O. Each relay URL gets an independent store so
// partition/failure scenarios (one relay down, others healthy) are
// reproducible.
type MemTransport struct {
	mu     sync.Mutex
	stores map[string][]*Event
	down   map[string]bool // relays returning errors on every call
	closed bool
}

func NewMemTransport() *MemTransport {
	return &MemTransport{
		stores: make(map[string][]*Event),
		down:   make(map[string]bool),
	}
}

// SetDown forces every Publish/Fetch to relayURL to fail, simulating an
// unreachable relay.
func (m *MemTransport) SetDown(relayURL string, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down[relayURL] = down
}

func (m *MemTransport) Publish(ctx context.Context, relayURL string, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return corerr.New(corerr.KindNetworkTransient, "transport closed")
	}
	if m.down[relayURL] {
		return corerr.New(corerr.KindNetworkTransient, "relay unreachable")
	}
	if err := e.Verify(); err != nil {
		return err
	}

	events := m.stores[relayURL]
	rk := e.ReplaceKey()
	replaced := false
	for i, existing := range events {
		if existing.ReplaceKey() == rk {
			if e.CreatedAt >= existing.CreatedAt {
				events[i] = e
			}
			replaced = true
			break
		}
	}
	if !replaced {
		events = append(events, e)
	}
	m.stores[relayURL] = events
	return nil
}

func (m *MemTransport) Fetch(ctx context.Context, relayURL string, filter Filter) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, corerr.New(corerr.KindNetworkTransient, "transport closed")
	}
	if m.down[relayURL] {
		return nil, corerr.New(corerr.KindNetworkTransient, "relay unreachable")
	}

	var out []*Event
	for _, e := range m.stores[relayURL] {
		if matchesFilter(e, filter) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
