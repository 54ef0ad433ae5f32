package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/decred/dcrd/lru"
	"github.com/echolock/core/internal/corerr"
)

var log = btclog.Disabled

func UseLogger(logger btclog.Logger) {
	log = logger
}

const dedupCacheSize = 4096

// Client is the relay distribution layer: parallel fan-out publish with
// a minimum-ack requirement, parallel fetch with signature-verified
// dedup, and relay health tracking with backoff.
type Client struct {
	relayURLs []string
	transport Transport
	health    *HealthTracker

	mu             sync.Mutex
	verified       map[string]*lru.Cache // per-relay cache of signature-verified event ids
	defaultMinAcks int
}

// ClientConfig bounds the relay set and ack requirements.
type ClientConfig struct {
	RelayURLs      []string
	MinPublishAcks int // default 5
}

const minRelaySetSize = 7

func NewClient(cfg ClientConfig, transport Transport) (*Client, error) {
	if len(cfg.RelayURLs) < minRelaySetSize {
		return nil, corerr.New(corerr.KindInvalidInput, fmt.Sprintf("relay set must have at least %d URLs", minRelaySetSize))
	}
	minAcks := cfg.MinPublishAcks
	if minAcks <= 0 {
		minAcks = 5
	}
	initMetrics()

	verified := make(map[string]*lru.Cache, len(cfg.RelayURLs))
	for _, u := range cfg.RelayURLs {
		c := lru.NewCache(dedupCacheSize)
		verified[u] = &c
	}

	return &Client{
		relayURLs:      cfg.RelayURLs,
		transport:      transport,
		health:         NewHealthTracker(cfg.RelayURLs),
		verified:       verified,
		defaultMinAcks: minAcks,
	}, nil
}

// Publish fans out e to every healthy relay in parallel and requires
// minAcks successful acknowledgements. If the healthy set
// is too small to possibly reach minAcks, it fails fast with
// INSUFFICIENT_RELAYS without publishing to anyone.
func (c *Client) Publish(ctx context.Context, e *Event, minAcks int) error {
	if minAcks <= 0 {
		minAcks = c.defaultMinAcks
	}
	healthy := c.health.HealthySet(c.relayURLs)
	if len(healthy) < minAcks {
		return corerr.New(corerr.KindInsufficientRelays, fmt.Sprintf("only %d healthy relays, need at least %d", len(healthy), minAcks))
	}

	type result struct {
		url string
		err error
	}
	results := make(chan result, len(healthy))
	for _, u := range healthy {
		u := u
		go func() {
			err := c.transport.Publish(ctx, u, e)
			if err != nil {
				c.health.RecordFailure(u)
				metricPublishFailures.Inc()
			} else {
				c.health.RecordSuccess(u)
				metricPublishAcks.Inc()
			}
			results <- result{url: u, err: err}
		}()
	}

	acks := 0
	for i := 0; i < len(healthy); i++ {
		r := <-results
		if r.err == nil {
			acks++
		} else {
			log.Debugf("relay: publish to %s failed: %v", r.url, r.err)
		}
	}

	if acks < minAcks {
		return corerr.New(corerr.KindRelayInsufficientAcks, fmt.Sprintf("got %d/%d required acks for event %s", acks, minAcks, e.IDHex()[:8]))
	}
	return nil
}

// Fetch queries every healthy relay in parallel for filter, verifies every
// returned event's signature, and deduplicates by event id within the
// call. Events whose signature already verified on a prior fetch from the
// same relay skip the Schnorr check via a per-relay LRU cache.
func (c *Client) Fetch(ctx context.Context, filter Filter) ([]*Event, error) {
	healthy := c.health.HealthySet(c.relayURLs)

	type result struct {
		url    string
		events []*Event
		err    error
	}
	results := make(chan result, len(healthy))
	for _, u := range healthy {
		u := u
		go func() {
			events, err := c.transport.Fetch(ctx, u, filter)
			if err != nil {
				c.health.RecordFailure(u)
			} else {
				c.health.RecordSuccess(u)
			}
			results <- result{url: u, events: events, err: err}
		}()
	}

	dedup := make(map[[32]byte]*Event)
	for i := 0; i < len(healthy); i++ {
		r := <-results
		if r.err != nil {
			log.Debugf("relay: fetch from %s failed: %v", r.url, r.err)
			continue
		}
		for _, e := range r.events {
			if c.wasVerified(r.url, e) {
				metricFetchDuplicates.Inc()
			} else if err := e.Verify(); err != nil {
				log.Warnf("relay: discarding event %s from %s with invalid signature: %v", e.IDHex()[:8], r.url, err)
				continue
			} else {
				c.markVerified(r.url, e)
			}
			if _, ok := dedup[e.ID]; !ok {
				dedup[e.ID] = e
			}
		}
	}

	out := make([]*Event, 0, len(dedup))
	for _, e := range dedup {
		out = append(out, e)
		metricFetchEvents.Inc()
	}
	return out, nil
}

func (c *Client) wasVerified(relayURL string, e *Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache, ok := c.verified[relayURL]
	return ok && cache.Contains(e.ID)
}

func (c *Client) markVerified(relayURL string, e *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cache, ok := c.verified[relayURL]; ok {
		cache.Add(e.ID)
	}
}

// Close releases the underlying transport's connections.
func (c *Client) Close() error {
	return c.transport.Close()
}
