package relay

import "context"

// Filter selects events on Fetch by kind, author, and d-tag.
type Filter struct {
	Kind   Kind
	Author [32]byte
	DTag   string
}

// Transport abstracts the wire connection to a single relay so the client
// (fan-out, health tracking, dedup) is testable without real network I/O.
// Implementations: MemTransport (tests) and wsTransport (production, over
// github.com/btcsuite/websocket).
type Transport interface {
	// Publish sends e to relayURL and returns nil only if the relay
	// acknowledged it as syntactically and signature valid — anything
	// less does not count as an ack.
	Publish(ctx context.Context, relayURL string, e *Event) error

	// Fetch queries relayURL for events matching filter.
	Fetch(ctx context.Context, relayURL string, filter Filter) ([]*Event, error)

	// Close releases any held connections.
	Close() error
}

func matchesFilter(e *Event, f Filter) bool {
	if f.Kind != 0 && e.Kind != f.Kind {
		return false
	}
	var zero [32]byte
	if f.Author != zero && e.PubKey != f.Author {
		return false
	}
	if f.DTag != "" {
		d, ok := e.Tag("d")
		if !ok || d != f.DTag {
			return false
		}
	}
	return true
}
