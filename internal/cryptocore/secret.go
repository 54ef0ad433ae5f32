// Package cryptocore implements EchoLock's crypto primitives: AES-256-GCM
// encryption, PBKDF2-HMAC-SHA256 key derivation, a CSPRNG-backed IV/salt
// source, constant-time comparison, and guaranteed zeroization of sensitive
// buffers.
package cryptocore

import "github.com/btcsuite/btclog"

var log = btclog.Disabled

// UseLogger sets the package-level logger used by cryptocore. Disabled by
// default; embedding applications wire a real backend.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// Secret wraps a byte slice that must be wiped before it is released.
// Callers acquire one, use it within a scoped function, and the wrapper
// guarantees Zero() runs on every exit path including panics:
//
//	cryptocore.WithSecret(derived, func(key []byte) error {
//	    return decrypt(ciphertext, key)
//	})
type Secret struct {
	b []byte
}

// NewSecret takes ownership of b. Callers must not retain b after this call.
func NewSecret(b []byte) *Secret {
	return &Secret{b: b}
}

// Bytes returns the underlying buffer. The returned slice is invalidated by
// Zero and must not be retained past the scope that owns the Secret.
func (s *Secret) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

// Zero overwrites the buffer with zeros. Safe to call multiple times.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
}

// WithSecret runs fn with b, guaranteeing b is zeroed on every exit path
// (including a panic unwinding through fn).
func WithSecret(b []byte, fn func([]byte) error) error {
	s := NewSecret(b)
	defer s.Zero()
	return fn(s.Bytes())
}

// Zero overwrites any byte slice in place. Used for one-off buffers (salts,
// plaintext, share bytes) that don't warrant a Secret wrapper.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
