// Package shamir implements an authenticated (t,n) threshold split/combine
// over a 32-byte secret key, using classic GF(2^8) polynomial interpolation
// (Shamir 1979) with a per-share HMAC-SHA256 binding index to share bytes.
package shamir

import (
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btclog"
	"github.com/echolock/core/internal/corerr"
	"github.com/echolock/core/internal/cryptocore"
)

var log = btclog.Disabled

// UseLogger sets the package-level logger.
func UseLogger(logger btclog.Logger) {
	log = logger
}

const SecretSize = 32

// AuthKeySize is the size of the per-switch HMAC authentication key.
const AuthKeySize = 32

// Share is a single unauthenticated threshold share: the polynomial
// evaluated at x=Index for every byte of the secret.
type Share struct {
	Index uint8
	Bytes []byte // len == SecretSize
}

// AuthenticatedShare binds a Share's index and bytes together with an
// HMAC-SHA256 so that combine can fail fast on tampering.
type AuthenticatedShare struct {
	Index uint
	Bytes []byte
	HMAC  []byte
}

// NewAuthKey returns a fresh random 32-byte HMAC authentication key.
func NewAuthKey() ([]byte, error) {
	b := make([]byte, AuthKeySize)
	if _, err := rand.Read(b); err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to generate auth key", err)
	}
	return b, nil
}

// indexBE encodes a share index as a big-endian uint32, the same
// big-endian convention used for iteration counts in the atomic payload.
func indexBE(index uint) []byte {
	return []byte{
		byte(index >> 24),
		byte(index >> 16),
		byte(index >> 8),
		byte(index),
	}
}

// authTag computes HMAC-SHA256(authKey, index_be ‖ shareBytes).
func authTag(authKey []byte, index uint, shareBytes []byte) []byte {
	data := make([]byte, 0, 4+len(shareBytes))
	data = append(data, indexBE(index)...)
	data = append(data, shareBytes...)
	return cryptocore.HMACSHA256(authKey, data)
}

// Split divides secret into n shares such that any t reconstruct it and any
// t-1 reveal nothing (information-theoretic), then authenticates each with
// HMAC-SHA256 under a freshly generated auth key.
func Split(secret []byte, n, t int) ([]*AuthenticatedShare, []byte, error) {
	if len(secret) != SecretSize {
		return nil, nil, corerr.New(corerr.KindInvalidInput, fmt.Sprintf("secret must be %d bytes", SecretSize))
	}
	if t < 2 || n < t || n > 15 {
		return nil, nil, corerr.New(corerr.KindInvalidInput, "threshold must satisfy 2 <= t <= n <= 15")
	}

	// Per-byte random polynomial coefficients of degree t-1, constant term
	// equal to the corresponding secret byte.
	coeffs := make([][]byte, SecretSize)
	for i := 0; i < SecretSize; i++ {
		c := make([]byte, t)
		c[0] = secret[i]
		if _, err := rand.Read(c[1:]); err != nil {
			return nil, nil, corerr.Wrap(corerr.KindInvalidInput, "failed to generate polynomial coefficients", err)
		}
		coeffs[i] = c
	}

	authKey, err := NewAuthKey()
	if err != nil {
		return nil, nil, err
	}

	shares := make([]*AuthenticatedShare, 0, n)
	for idx := 1; idx <= n; idx++ {
		x := byte(idx)
		shareBytes := make([]byte, SecretSize)
		for i := 0; i < SecretSize; i++ {
			shareBytes[i] = evalPoly(coeffs[i], x)
		}
		share := &AuthenticatedShare{
			Index: uint(idx),
			Bytes: shareBytes,
			HMAC:  authTag(authKey, uint(idx), shareBytes),
		}
		shares = append(shares, share)
	}

	log.Debugf("shamir: split secret into %d shares, threshold %d", n, t)
	return shares, authKey, nil
}

// evalPoly evaluates a polynomial (coefficients low-degree first) at x
// using Horner's method in GF(2^8).
func evalPoly(coeffs []byte, x byte) byte {
	var result byte
	for i := len(coeffs) - 1; i >= 0; i-- {
		result = gfAdd(gfMul(result, x), coeffs[i])
	}
	return result
}

// Combine verifies each share's HMAC in constant time (fail-fast on any
// mismatch), rejects a repeated share index with DUPLICATE_INDEX, requires
// at least t shares, and reconstructs the original 32-byte secret via
// Lagrange interpolation at x=0. Share order does not affect the result.
func Combine(shares []*AuthenticatedShare, authKey []byte, t int) ([]byte, error) {
	if len(authKey) != AuthKeySize {
		return nil, corerr.New(corerr.KindInvalidInput, "auth key must be 32 bytes")
	}

	seen := make(map[uint]bool, len(shares))
	for _, s := range shares {
		if seen[s.Index] {
			return nil, corerr.New(corerr.KindDuplicateIndex, fmt.Sprintf("duplicate share index %d", s.Index))
		}
		seen[s.Index] = true

		want := authTag(authKey, s.Index, s.Bytes)
		if !cryptocore.ConstantTimeEqual(want, s.HMAC) {
			log.Warnf("shamir: share %d failed HMAC verification", s.Index)
			return nil, corerr.New(corerr.KindShareInvalid, fmt.Sprintf("share %d failed authentication", s.Index))
		}
	}

	if len(shares) < t {
		return nil, corerr.New(corerr.KindInsufficientShares, fmt.Sprintf("need %d shares, have %d", t, len(shares)))
	}

	// Use exactly t shares; any valid t-subset yields the identical secret.
	use := shares[:t]

	secret := make([]byte, SecretSize)
	for i := 0; i < SecretSize; i++ {
		byteShares := make([]Share, len(use))
		for j, s := range use {
			byteShares[j] = Share{Index: uint8(s.Index), Bytes: []byte{s.Bytes[i]}}
		}
		secret[i] = lagrangeAtZero(byteShares)
	}

	log.Debugf("shamir: combined %d shares into secret", len(use))
	return secret, nil
}

// lagrangeAtZero reconstructs f(0) from t (x, f(x)) points in GF(2^8).
func lagrangeAtZero(shares []Share) byte {
	var result byte
	for i, si := range shares {
		xi := si.Index
		yi := si.Bytes[0]

		var num byte = 1
		var den byte = 1
		for j, sj := range shares {
			if i == j {
				continue
			}
			xj := sj.Index
			num = gfMul(num, xj)
			den = gfMul(den, gfAdd(xj, xi))
		}
		term := gfMul(yi, gfDiv(num, den))
		result = gfAdd(result, term)
	}
	return result
}
