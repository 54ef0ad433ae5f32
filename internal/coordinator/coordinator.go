// Package coordinator atomically binds a switch's Bitcoin timelock
// commitment to its relay publication via a two-phase commit. The commit
// machine is a looplab/fsm.FSM so undeclared transitions are rejected
// rather than silently performed.
package coordinator

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"
	"github.com/looplab/fsm"

	"github.com/echolock/core/internal/corerr"
	"github.com/echolock/core/internal/esplora"
	"github.com/echolock/core/internal/relay"
	"github.com/echolock/core/internal/txmonitor"
)

var log = btclog.Disabled

func UseLogger(logger btclog.Logger) { log = logger }

// States of the commit machine.
const (
	StatePending            = "PENDING"
	StatePhase1Broadcasting = "PHASE1_BROADCASTING"
	StatePhase1Confirmed    = "PHASE1_CONFIRMED"
	StatePhase2Publishing   = "PHASE2_PUBLISHING"
	StateCommitted          = "COMMITTED"
	StateFailed             = "FAILED"
	StateRolledBack         = "ROLLED_BACK"
)

const (
	evBroadcast = "broadcast"
	evConfirm   = "confirm"
	evPublish   = "publish"
	evCommit    = "commit"
	evFail      = "fail"
	evRollback  = "rollback"
)

// ConfirmationProof records what on-chain commitment, if any, backs a
// COMMITTED or FAILED result, so a dangling transaction is never silent.
type ConfirmationProof struct {
	TransactionHash  chainhash.Hash
	BlockHeight      uint32
	Confirmations    uint32
	ProofHash        [32]byte
	FinalizationTime time.Time
}

func computeProofHash(txid chainhash.Hash, height, confirmations uint32) [32]byte {
	data := fmt.Sprintf("%s:%d:%d", txid.String(), height, confirmations)
	return sha256.Sum256([]byte(data))
}

// ShareEvent is one relay publication unit of Phase 2: an AtomicPayload's
// share, already framed as a signed relay.Event by the caller.
type ShareEvent struct {
	Event   *relay.Event
	MinAcks int
}

// Policy carries the coordinator's commit policy flags.
type Policy struct {
	BitcoinEnabled             bool
	AllowPublishWithoutBitcoin bool
	MinConfirmations           uint32
	PollInterval               time.Duration
	MaxWait                    time.Duration
}

// DefaultPolicy returns the stock commit policy.
func DefaultPolicy() Policy {
	return Policy{
		BitcoinEnabled:             true,
		AllowPublishWithoutBitcoin: false,
		MinConfirmations:           1,
		PollInterval:               txmonitor.DefaultPollInterval,
		MaxWait:                    txmonitor.DefaultMaxWait,
	}
}

// Result is returned by Run on every terminal outcome.
type Result struct {
	State       string
	BitcoinTxID chainhash.Hash
	Proof       *ConfirmationProof
	Err         error
}

// Coordinator drives one switch's commit through Phase 1 (Bitcoin) and
// Phase 2 (relay publication).
type Coordinator struct {
	policy    Policy
	esp       esplora.Client
	relayC    *relay.Client
	machine   *fsm.FSM
	bitcoinTx chainhash.Hash
	proof     *ConfirmationProof
}

func New(policy Policy, esp esplora.Client, relayClient *relay.Client) *Coordinator {
	c := &Coordinator{policy: policy, esp: esp, relayC: relayClient}
	c.machine = fsm.NewFSM(
		StatePending,
		fsm.Events{
			{Name: evBroadcast, Src: []string{StatePending}, Dst: StatePhase1Broadcasting},
			{Name: evConfirm, Src: []string{StatePhase1Broadcasting}, Dst: StatePhase1Confirmed},
			{Name: evPublish, Src: []string{StatePhase1Confirmed, StatePending}, Dst: StatePhase2Publishing},
			{Name: evCommit, Src: []string{StatePhase2Publishing}, Dst: StateCommitted},
			{Name: evFail, Src: []string{StatePending, StatePhase1Broadcasting, StatePhase1Confirmed, StatePhase2Publishing}, Dst: StateFailed},
			{Name: evRollback, Src: []string{StateFailed}, Dst: StateRolledBack},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				log.Debugf("coordinator: %s -> %s", e.Src, e.Dst)
			},
		},
	)
	return c
}

// Current reports the machine's current state.
func (c *Coordinator) Current() string { return c.machine.Current() }

// terminal reports whether the machine is in COMMITTED or ROLLED_BACK,
// from which no further transition is declared (rollback is declared
// only from FAILED).
func (c *Coordinator) terminal() bool {
	s := c.machine.Current()
	return s == StateCommitted || s == StateRolledBack
}

func (c *Coordinator) fail(ctx context.Context, err error) Result {
	if ferr := c.machine.Event(ctx, evFail); ferr != nil {
		log.Debugf("coordinator: fail transition rejected: %v", ferr)
	}
	return Result{State: c.machine.Current(), BitcoinTxID: c.bitcoinTx, Proof: c.proof, Err: err}
}

// Run drives the full two-phase commit: Phase 1 broadcasts rawTxHex (if
// policy.BitcoinEnabled) and waits for confirmation, then Phase 2
// publishes every ShareEvent requiring its own min-ack count.
func (c *Coordinator) Run(ctx context.Context, rawTxHex string, events []ShareEvent) Result {
	return c.RunWith(ctx, rawTxHex, func(string) ([]ShareEvent, error) { return events, nil })
}

// RunWith is Run with late event framing: build is invoked after Phase 1
// with the confirmed bitcoin txid (empty when the Bitcoin phase was
// skipped), so Phase 2 events can carry the btc_txid tag.
func (c *Coordinator) RunWith(ctx context.Context, rawTxHex string, build func(btcTxID string) ([]ShareEvent, error)) Result {
	if c.terminal() {
		return Result{State: c.machine.Current(), Err: corerr.New(corerr.KindInvalidInput, "coordinator already reached a terminal state")}
	}

	btcTxID := ""
	if c.policy.BitcoinEnabled {
		if res, ok := c.runPhase1(ctx, rawTxHex); !ok {
			return res
		}
		btcTxID = c.bitcoinTx.String()
	} else if !c.policy.AllowPublishWithoutBitcoin {
		return c.fail(ctx, corerr.New(corerr.KindInvalidInput, "bitcoin phase skipped and allow_publish_without_bitcoin is false"))
	}

	events, err := build(btcTxID)
	if err != nil {
		return c.fail(ctx, err)
	}
	return c.runPhase2(ctx, events)
}

func (c *Coordinator) runPhase1(ctx context.Context, rawTxHex string) (Result, bool) {
	if err := c.machine.Event(ctx, evBroadcast); err != nil {
		return c.fail(ctx, corerr.Wrap(corerr.KindInvalidInput, "cannot enter phase 1 broadcasting", err)), false
	}

	txid, err := txmonitor.BroadcastWithRetry(ctx, c.esp, rawTxHex)
	if err != nil {
		return c.fail(ctx, err), false
	}
	c.bitcoinTx = txid

	mon, ok := txmonitor.New(txid, c.esp, c.policy.PollInterval, c.policy.MaxWait, c.policy.MinConfirmations)
	if !ok {
		return c.fail(ctx, corerr.New(corerr.KindInvalidInput, "a monitor for this txid is already active")), false
	}

	monCtx, cancel := context.WithTimeout(ctx, c.policy.MaxWait)
	defer cancel()
	go mon.Run(monCtx)

	select {
	case ev := <-mon.Events():
		if ev.Err != nil {
			return c.fail(ctx, ev.Err), false
		}
		c.proof = &ConfirmationProof{
			TransactionHash:  txid,
			BlockHeight:      ev.BlockHeight,
			Confirmations:    ev.Confirmations,
			ProofHash:        computeProofHash(txid, ev.BlockHeight, ev.Confirmations),
			FinalizationTime: time.Now(),
		}
	case <-monCtx.Done():
		return c.fail(ctx, corerr.New(corerr.KindBitcoinConfirmationTimeout, "phase 1 confirmation timed out")), false
	}

	if err := c.machine.Event(ctx, evConfirm); err != nil {
		return c.fail(ctx, corerr.Wrap(corerr.KindInvalidInput, "cannot enter phase 1 confirmed", err)), false
	}
	return Result{}, true
}

func (c *Coordinator) runPhase2(ctx context.Context, events []ShareEvent) Result {
	if err := c.machine.Event(ctx, evPublish); err != nil {
		return c.fail(ctx, corerr.Wrap(corerr.KindInvalidInput, "cannot enter phase 2 publishing", err))
	}

	for _, se := range events {
		if err := c.relayC.Publish(ctx, se.Event, se.MinAcks); err != nil {
			return c.fail(ctx, corerr.Wrap(corerr.KindRelayInsufficientAcks, "phase 2 publish under-acked", err))
		}
	}

	if err := c.machine.Event(ctx, evCommit); err != nil {
		return c.fail(ctx, corerr.Wrap(corerr.KindInvalidInput, "cannot enter committed", err))
	}
	return Result{State: StateCommitted, BitcoinTxID: c.bitcoinTx, Proof: c.proof}
}

// Rollback transitions FAILED -> ROLLED_BACK. Only valid from FAILED; no
// guaranteed relay delete is performed (replaceable events supersede by
// publishing a superseding event, which callers must do explicitly).
func (c *Coordinator) Rollback(ctx context.Context) error {
	if err := c.machine.Event(ctx, evRollback); err != nil {
		return corerr.Wrap(corerr.KindInvalidInput, "rollback is only valid from FAILED", err)
	}
	return nil
}
