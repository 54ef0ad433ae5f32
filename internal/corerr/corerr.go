// Package corerr defines the error taxonomy shared by every EchoLock core
// component. Errors are surfaced as a single typed Error wrapping a Kind so
// callers can dispatch with errors.Is/errors.As instead of string matching.
package corerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error classes surfaced across the core.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindDecryptAuthFail
	KindShareInvalid
	KindInsufficientShares
	KindDuplicateIndex
	KindIntegrityMismatch
	KindUnsupportedVersion
	KindNetworkTransient
	KindRelayInsufficientAcks
	KindInsufficientRelays
	KindBitcoinBroadcastRejected
	KindBitcoinConfirmationTimeout
	KindBitcoinTxDropped
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "INVALID_INPUT"
	case KindDecryptAuthFail:
		return "DECRYPT_AUTH_FAIL"
	case KindShareInvalid:
		return "SHARE_INVALID"
	case KindInsufficientShares:
		return "INSUFFICIENT_SHARES"
	case KindDuplicateIndex:
		return "DUPLICATE_INDEX"
	case KindIntegrityMismatch:
		return "INTEGRITY_MISMATCH"
	case KindUnsupportedVersion:
		return "UNSUPPORTED_VERSION"
	case KindNetworkTransient:
		return "NETWORK_TRANSIENT"
	case KindRelayInsufficientAcks:
		return "RELAY_INSUFFICIENT_ACKS"
	case KindInsufficientRelays:
		return "INSUFFICIENT_RELAYS"
	case KindBitcoinBroadcastRejected:
		return "BITCOIN_BROADCAST_REJECTED"
	case KindBitcoinConfirmationTimeout:
		return "BITCOIN_CONFIRMATION_TIMEOUT"
	case KindBitcoinTxDropped:
		return "BITCOIN_TX_DROPPED"
	case KindTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type returned by every core component.
// SwitchID, when non-empty, is logged alongside the error. Secret
// material never goes into an error or a log line, only the switch id.
type Error struct {
	Kind     Kind
	SwitchID string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	if e.SwitchID != "" {
		return fmt.Sprintf("%s: %s [switch=%s]", e.Kind, e.Msg, e.SwitchID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, corerr.Kind) style matching via a sentinel
// wrapper; see KindOf for the common case of checking a Kind directly.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithSwitch attaches a switch id to an error for logging purposes.
func (e *Error) WithSwitch(id string) *Error {
	cp := *e
	cp.SwitchID = id
	return &cp
}

// KindOf extracts the Kind of err, or KindUnknown if err is not (or does
// not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// sentinels for the subset of kinds callers commonly errors.Is against.
var (
	ErrInvalidInput               = New(KindInvalidInput, "invalid input")
	ErrDecryptAuthFail            = New(KindDecryptAuthFail, "decryption authentication failed")
	ErrInsufficientShares         = New(KindInsufficientShares, "insufficient shares")
	ErrIntegrityMismatch          = New(KindIntegrityMismatch, "integrity mismatch")
	ErrUnsupportedVersion         = New(KindUnsupportedVersion, "unsupported version")
	ErrInsufficientRelays         = New(KindInsufficientRelays, "insufficient relays")
	ErrRelayInsufficientAcks      = New(KindRelayInsufficientAcks, "insufficient relay acks")
	ErrBitcoinBroadcastRejected   = New(KindBitcoinBroadcastRejected, "broadcast rejected")
	ErrBitcoinConfirmationTimeout = New(KindBitcoinConfirmationTimeout, "confirmation timeout")
	ErrBitcoinTxDropped           = New(KindBitcoinTxDropped, "transaction dropped")
	ErrTimeout                    = New(KindTimeout, "timeout")
)
