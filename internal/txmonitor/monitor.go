// Package txmonitor tracks a broadcast Bitcoin transaction from mempool
// entry through confirmation, on a looplab/fsm state machine per txid,
// with jellydator/ttlcache/v3 backing the two-consecutive-miss drop
// detection.
package txmonitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"
	"github.com/jellydator/ttlcache/v3"
	"github.com/looplab/fsm"

	"github.com/echolock/core/internal/corerr"
	"github.com/echolock/core/internal/esplora"
)

var log = btclog.Disabled

func UseLogger(logger btclog.Logger) { log = logger }

// States of the monitored transaction lifecycle.
const (
	StateBroadcast  = "BROADCAST"
	StateInMempool  = "IN_MEMPOOL"
	StateConfirming = "CONFIRMING"
	StateConfirmed  = "CONFIRMED"
	StateDropped    = "DROPPED"
)

const (
	evSeenInMempool = "seen_in_mempool"
	evSeenConfirmed = "seen_confirmed"
	evReachedDepth  = "reached_depth"
	evMissed        = "missed"
	evDropped       = "dropped"
)

// retryDelays is the broadcast retry schedule for network-class errors.
var retryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// DefaultPollInterval and DefaultMaxWait bound confirmation polling.
const (
	DefaultPollInterval = 30 * time.Second
	DefaultMaxWait      = 3600 * time.Second
)

// Event is emitted to a Monitor's subscriber on confirmed/dropped/timeout.
// Confirmations is the depth actually observed at emission time, which can
// exceed the monitor's configured requirement.
type Event struct {
	TxID          chainhash.Hash
	State         string
	BlockHeight   uint32
	Confirmations uint32
	Err           error
}

// Monitor tracks exactly one txid's lifecycle. Construction through
// registry (below) enforces "exactly one monitor per txid" process-wide.
type Monitor struct {
	txid             chainhash.Hash
	client           esplora.Client
	pollInterval     time.Duration
	maxWait          time.Duration
	minConfirmations uint32
	events           chan Event

	mu       sync.Mutex
	machine  *fsm.FSM
	misses   *ttlcache.Cache[string, int]
	lastSeen time.Time
}

// registry enforces at most one active monitor per txid, process-wide.
var registry sync.Map // chainhash.Hash -> *Monitor

// New returns the Monitor for txid, creating it if none is active.
// minConfirmations is the depth the transaction must reach before the
// monitor reports CONFIRMED (0 is treated as 1). Returns false if a
// monitor for this txid is already running.
func New(txid chainhash.Hash, client esplora.Client, pollInterval, maxWait time.Duration, minConfirmations uint32) (*Monitor, bool) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	if minConfirmations == 0 {
		minConfirmations = 1
	}

	m := &Monitor{
		txid:             txid,
		client:           client,
		pollInterval:     pollInterval,
		maxWait:          maxWait,
		minConfirmations: minConfirmations,
		events:           make(chan Event, 8),
		misses:           ttlcache.New[string, int](ttlcache.WithTTL[string, int](maxWait)),
	}
	m.machine = newMachine(m)

	if _, loaded := registry.LoadOrStore(txid, m); loaded {
		return nil, false
	}
	return m, true
}

func newMachine(m *Monitor) *fsm.FSM {
	return fsm.NewFSM(
		StateBroadcast,
		fsm.Events{
			{Name: evSeenInMempool, Src: []string{StateBroadcast}, Dst: StateInMempool},
			{Name: evSeenConfirmed, Src: []string{StateBroadcast, StateInMempool}, Dst: StateConfirming},
			{Name: evReachedDepth, Src: []string{StateConfirming}, Dst: StateConfirmed},
			{Name: evMissed, Src: []string{StateInMempool}, Dst: StateInMempool},
			{Name: evDropped, Src: []string{StateInMempool, StateBroadcast}, Dst: StateDropped},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				log.Debugf("txmonitor: %s %s -> %s", m.txid, e.Src, e.Dst)
			},
		},
	)
}

// Events returns the channel on which lifecycle transitions are reported.
func (m *Monitor) Events() <-chan Event { return m.events }

// Current returns the monitor's current lifecycle state.
func (m *Monitor) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine.Current()
}

// Run polls the esplora client until the transaction confirms, drops, or
// maxWait elapses, emitting an Event on each terminal outcome. Callers run
// this in its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	defer registry.Delete(m.txid)

	deadline := time.Now().Add(m.maxWait)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Now().After(deadline) {
				m.emitTimeout()
				return
			}
			if done := m.poll(ctx); done {
				return
			}
		}
	}
}

func (m *Monitor) poll(ctx context.Context) (done bool) {
	status, err := m.client.TxStatus(ctx, m.txid)
	if err != nil {
		m.recordMiss(ctx)
		return false
	}

	m.mu.Lock()
	m.lastSeen = time.Now()
	m.misses.Delete(m.txid.String())
	cur := m.machine.Current()
	m.mu.Unlock()

	if !status.Confirmed {
		if cur == StateBroadcast {
			m.transition(ctx, evSeenInMempool)
		}
		return false
	}

	if cur != StateConfirming && cur != StateConfirmed {
		m.transition(ctx, evSeenConfirmed)
	}

	tip, err := m.client.TipHeight(ctx)
	if err != nil {
		return false
	}
	if tip < status.BlockHeight {
		return false
	}
	depth := tip - status.BlockHeight + 1
	if depth < m.minConfirmations {
		return false
	}

	m.transition(ctx, evReachedDepth)
	m.events <- Event{TxID: m.txid, State: StateConfirmed, BlockHeight: status.BlockHeight, Confirmations: depth}
	return true
}

// recordMiss implements the two-consecutive-miss drop rule: a "miss" is a
// failed lookup while the tx is IN_MEMPOOL (seen in mempool, not yet
// confirmed); lookups failing in any other state are not counted.
func (m *Monitor) recordMiss(ctx context.Context) {
	m.mu.Lock()
	cur := m.machine.Current()
	m.mu.Unlock()
	if cur != StateInMempool {
		return
	}

	key := m.txid.String()
	item := m.misses.Get(key)
	count := 1
	if item != nil {
		count = item.Value() + 1
	}
	m.misses.Set(key, count, ttlcache.DefaultTTL)

	if count >= 2 {
		m.transition(ctx, evDropped)
		m.events <- Event{TxID: m.txid, State: StateDropped, Err: corerr.New(corerr.KindBitcoinTxDropped, fmt.Sprintf("tx %s missing from mempool on %d consecutive polls", m.txid, count))}
	}
}

func (m *Monitor) transition(ctx context.Context, event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.machine.Event(ctx, event); err != nil {
		log.Debugf("txmonitor: %s event %s rejected: %v", m.txid, event, err)
	}
}

func (m *Monitor) emitTimeout() {
	m.events <- Event{TxID: m.txid, State: m.Current(), Err: corerr.New(corerr.KindTimeout, fmt.Sprintf("tx %s did not confirm within %s", m.txid, m.maxWait))}
}

// BroadcastWithRetry broadcasts rawTxHex, retrying network-class errors
// with {1s, 2s, 4s} backoff and giving up immediately on content-class
// rejections (double-spend, already-in-mempool).
func BroadcastWithRetry(ctx context.Context, client esplora.Client, rawTxHex string) (chainhash.Hash, error) {
	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		txid, err := client.Broadcast(ctx, rawTxHex)
		if err == nil {
			return txid, nil
		}
		lastErr = err

		if corerr.KindOf(err) == corerr.KindBitcoinBroadcastRejected {
			return chainhash.Hash{}, err
		}
		if attempt == len(retryDelays) {
			break
		}
		select {
		case <-ctx.Done():
			return chainhash.Hash{}, ctx.Err()
		case <-time.After(retryDelays[attempt]):
		}
	}
	return chainhash.Hash{}, corerr.Wrap(corerr.KindNetworkTransient, "broadcast failed after retries", lastErr)
}
