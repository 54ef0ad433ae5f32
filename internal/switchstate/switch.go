// Package switchstate models the Switch root entity and its lifecycle
// machine on looplab/fsm, so only declared transitions can ever fire.
package switchstate

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btclog"
	"github.com/looplab/fsm"

	"github.com/echolock/core/internal/corerr"
)

var log = btclog.Disabled

func UseLogger(logger btclog.Logger) { log = logger }

const (
	StateArmed     = "ARMED"
	StateTriggered = "TRIGGERED"
	StateReleased  = "RELEASED"
	StateCancelled = "CANCELLED"
)

const (
	evHeartbeat = "heartbeat"
	evTrigger   = "trigger"
	evRelease   = "release"
	evCancel    = "cancel"
)

// ShareMeta is the non-secret per-share bookkeeping kept on the switch,
// one entry per custodian share. Share bytes live only on relays.
type ShareMeta struct {
	Index    uint
	RelaySet []string
	EventID  string
}

// BitcoinCommitment is the optional on-chain commitment attached to a
// switch when its owner enabled the Bitcoin timelock.
type BitcoinCommitment struct {
	Address         string
	Script          []byte
	LocktimeHeight  uint32
	Pubkey          [33]byte
	TxID            string
	ConfirmedHeight uint32
}

// CheckIn is one append-only entry of a switch's check-in history.
type CheckIn struct {
	Timestamp time.Time
	Origin    string
}

// Threshold is the (n, t) share-count pair.
type Threshold struct {
	N int
	T int
}

// Switch is the root entity: one armed dead-man's switch.
type Switch struct {
	ID               [16]byte
	Title            string
	CreatedAt        time.Time
	CheckInHours     float64
	LastCheckIn      time.Time
	ExpiresAt        time.Time
	Threshold        Threshold
	SharesMeta       []ShareMeta
	OwnerPubKey      *btcec.PublicKey
	Bitcoin          *BitcoinCommitment
	Recipients       []string
	CheckInHistory   []CheckIn
	ReleasePredicate Predicate

	lastNonce uint64
	machine   *fsm.FSM
}

// New constructs an ARMED switch. Callers are expected to have already
// reached COMMITTED via internal/coordinator before calling this.
func New(id [16]byte, now time.Time, checkInHours float64, threshold Threshold, owner *btcec.PublicKey) *Switch {
	expires := now.Add(time.Duration(checkInHours * float64(time.Hour)))
	s := &Switch{
		ID:               id,
		CreatedAt:        now,
		CheckInHours:     checkInHours,
		LastCheckIn:      now,
		ExpiresAt:        expires,
		Threshold:        threshold,
		OwnerPubKey:      owner,
		ReleasePredicate: DefaultReleasePredicate(expires),
	}
	s.machine = newMachine()
	return s
}

func newMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateArmed,
		fsm.Events{
			{Name: evHeartbeat, Src: []string{StateArmed}, Dst: StateArmed},
			{Name: evTrigger, Src: []string{StateArmed}, Dst: StateTriggered},
			{Name: evRelease, Src: []string{StateTriggered}, Dst: StateReleased},
			{Name: evCancel, Src: []string{StateArmed}, Dst: StateCancelled},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				log.Debugf("switchstate: %s -> %s", e.Src, e.Dst)
			},
		},
	)
}

// State returns the switch's current lifecycle state.
func (s *Switch) State() string { return s.machine.Current() }

// LastNonce returns the highest heartbeat nonce accepted so far. Persisted
// alongside the switch so replay protection survives restarts.
func (s *Switch) LastNonce() uint64 { return s.lastNonce }

// RestoreParams carries a persisted switch's fields back into a live
// Switch, for internal/store's Get.
type RestoreParams struct {
	ID                    [16]byte
	Title                 string
	CreatedAtUnix         int64
	CheckInHours          float64
	LastCheckInUnix       int64
	ExpiresAtUnix         int64
	Threshold             Threshold
	SharesMeta            []ShareMeta
	OwnerPubKeyCompressed []byte
	Recipients            []string
	State                 string
	LastNonce             uint64
}

// Restore rebuilds a Switch from its persisted fields, including setting
// the underlying state machine directly to the persisted state (bypassing
// transition validation, since this is a load from trusted storage, not
// an externally-triggered event).
func Restore(p RestoreParams) (*Switch, error) {
	var owner *btcec.PublicKey
	if len(p.OwnerPubKeyCompressed) > 0 {
		pub, err := btcec.ParsePubKey(p.OwnerPubKeyCompressed)
		if err != nil {
			return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to parse owner pubkey", err)
		}
		owner = pub
	}

	expires := time.Unix(p.ExpiresAtUnix, 0)
	s := &Switch{
		ID:               p.ID,
		Title:            p.Title,
		CreatedAt:        time.Unix(p.CreatedAtUnix, 0),
		CheckInHours:     p.CheckInHours,
		LastCheckIn:      time.Unix(p.LastCheckInUnix, 0),
		ExpiresAt:        expires,
		Threshold:        p.Threshold,
		SharesMeta:       p.SharesMeta,
		OwnerPubKey:      owner,
		Recipients:       p.Recipients,
		ReleasePredicate: DefaultReleasePredicate(expires),
	}
	s.lastNonce = p.LastNonce
	s.machine = newMachine()
	if p.State != "" && p.State != StateArmed {
		s.machine.SetState(p.State)
	}
	return s, nil
}

// Heartbeat authenticates hb against the switch's registered owner key
// and strictly-increasing nonce, and on success resets last_check_in and
// expires_at. Heartbeats after TRIGGERED/RELEASED/CANCELLED are rejected
// by the underlying state machine.
func (s *Switch) Heartbeat(ctx context.Context, hb *Heartbeat, now time.Time) error {
	if err := VerifyHeartbeat(hb, s.OwnerPubKey, s.lastNonce); err != nil {
		return err
	}
	if err := s.machine.Event(ctx, evHeartbeat); err != nil {
		// ARMED -> ARMED is a self-transition, which looplab/fsm reports
		// as NoTransitionError; only other errors are rejections.
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			return corerr.Wrap(corerr.KindInvalidInput, "heartbeat rejected by current switch state", err)
		}
	}
	s.lastNonce = hb.Nonce
	s.LastCheckIn = now
	s.ExpiresAt = now.Add(time.Duration(s.CheckInHours * float64(time.Hour)))
	s.ReleasePredicate = DefaultReleasePredicate(s.ExpiresAt)
	s.CheckInHistory = append(s.CheckInHistory, CheckIn{Timestamp: now, Origin: "owner"})
	return nil
}

// ObserveTrigger evaluates the switch's release predicate against fact
// and, if satisfied, transitions ARMED -> TRIGGERED. It is idempotent:
// calling it again once already TRIGGERED is a no-op.
func (s *Switch) ObserveTrigger(ctx context.Context, fact Fact) (bool, error) {
	if s.machine.Current() != StateArmed {
		return false, nil
	}
	if !Evaluate(s.ReleasePredicate, fact) {
		return false, nil
	}
	if err := s.machine.Event(ctx, evTrigger); err != nil {
		return false, corerr.Wrap(corerr.KindInvalidInput, "trigger rejected by current switch state", err)
	}
	return true, nil
}

// Release transitions TRIGGERED -> RELEASED, valid only once the release
// pipeline has delivered to at least one recipient.
func (s *Switch) Release(ctx context.Context) error {
	if err := s.machine.Event(ctx, evRelease); err != nil {
		return corerr.Wrap(corerr.KindInvalidInput, "release rejected by current switch state", err)
	}
	return nil
}

// Cancel transitions ARMED -> CANCELLED on owner request.
func (s *Switch) Cancel(ctx context.Context) error {
	if err := s.machine.Event(ctx, evCancel); err != nil {
		return corerr.Wrap(corerr.KindInvalidInput, "cancel rejected by current switch state", err)
	}
	return nil
}
