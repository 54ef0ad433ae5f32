// Package custodian implements multi-custodian quorum co-signing of
// share-release events: a t-of-n aggregated Schnorr signature so several
// custodians who independently observe a switch's expiry can publish one
// unambiguous 30080 release event instead of racing individual ones.
package custodian

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btclog"
	"github.com/echolock/core/internal/corerr"
	"github.com/echolock/core/internal/cryptocore"
)

var log = btclog.Disabled

func UseLogger(logger btclog.Logger) {
	log = logger
}

// Custodian identifies one participant in a quorum by opaque id and
// public key.
type Custodian struct {
	ID     string
	PubKey *btcec.PublicKey
}

// SessionState tracks the phased commit/reveal/sign protocol.
type SessionState uint8

const (
	StateInitialized SessionState = iota
	StateNonceCommitted
	StateNonceRevealed
	StateSigningComplete
	StateExpired
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateInitialized:
		return "INITIALIZED"
	case StateNonceCommitted:
		return "NONCE_COMMITTED"
	case StateNonceRevealed:
		return "NONCE_REVEALED"
	case StateSigningComplete:
		return "SIGNING_COMPLETE"
	case StateExpired:
		return "EXPIRED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

type nonceCommitment struct {
	commitment [32]byte
}

type nonceReveal struct {
	r *btcec.PublicKey // k_i * G
}

type partialSig struct {
	s btcec.ModNScalar
}

// QuorumSession runs the commit/reveal/sign protocol for one release
// event across a custodian set, aggregating t-of-n partial signatures
// into a single Schnorr-style signature over an aggregated public key.
type QuorumSession struct {
	SessionID  [32]byte
	Custodians []Custodian
	Threshold  int
	Message    []byte
	ExpiresAt  time.Time

	aggPubKey *btcec.PublicKey

	mu          sync.Mutex
	state       SessionState
	commitments map[string]nonceCommitment
	reveals     map[string]nonceReveal
	partials    map[string]partialSig

	// nonceSecrets holds each participant's ephemeral scalar between
	// Commit and Reveal for this process's own co-signers (a remote
	// custodian instead calls Commit/Reveal/Sign against its own copy
	// of the session state over whatever transport the embedder wires).
	nonceSecrets map[string]*btcec.ModNScalar
}

// NewQuorumSession starts a session for the given custodian set, message
// (the canonical id of the release event being co-signed), and ttl.
func NewQuorumSession(custodians []Custodian, threshold int, message []byte, ttl time.Duration) (*QuorumSession, error) {
	if threshold < 1 || threshold > len(custodians) {
		return nil, corerr.New(corerr.KindInvalidInput, fmt.Sprintf("threshold %d invalid for %d custodians", threshold, len(custodians)))
	}

	aggPubKey, err := aggregatePubKeys(custodians)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to aggregate custodian keys", err)
	}

	seed := make([]byte, 0, len(custodians)*33+len(message))
	for _, c := range custodians {
		seed = append(seed, c.PubKey.SerializeCompressed()...)
	}
	seed = append(seed, message...)
	var sessionID [32]byte
	copy(sessionID[:], cryptocore.SHA256(seed))

	return &QuorumSession{
		SessionID:    sessionID,
		Custodians:   custodians,
		Threshold:    threshold,
		Message:      message,
		ExpiresAt:    time.Now().Add(ttl),
		aggPubKey:    aggPubKey,
		state:        StateInitialized,
		commitments:  make(map[string]nonceCommitment),
		reveals:      make(map[string]nonceReveal),
		partials:     make(map[string]partialSig),
		nonceSecrets: make(map[string]*btcec.ModNScalar),
	}, nil
}

func (s *QuorumSession) custodian(id string) (*Custodian, error) {
	for i := range s.Custodians {
		if s.Custodians[i].ID == id {
			return &s.Custodians[i], nil
		}
	}
	return nil, corerr.New(corerr.KindInvalidInput, fmt.Sprintf("unknown custodian %q", id))
}

func (s *QuorumSession) expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// CommitNonce generates and records custodian id's nonce commitment
// (phase 1). The returned secret scalar is needed again at Reveal time —
// callers hold it only as long as the session is live.
func (s *QuorumSession) CommitNonce(id string) (*btcec.ModNScalar, [32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.custodian(id); err != nil {
		return nil, [32]byte{}, err
	}
	if s.expired() {
		s.state = StateExpired
		return nil, [32]byte{}, corerr.New(corerr.KindTimeout, "quorum session expired")
	}

	k, r, err := randomNonce()
	if err != nil {
		return nil, [32]byte{}, corerr.Wrap(corerr.KindInvalidInput, "failed to generate nonce", err)
	}

	var commitment [32]byte
	copy(commitment[:], cryptocore.SHA256(r.SerializeCompressed()))

	s.commitments[id] = nonceCommitment{commitment: commitment}
	s.nonceSecrets[id] = k
	if s.state == StateInitialized {
		s.state = StateNonceCommitted
	}
	return k, commitment, nil
}

// RevealNonce records custodian id's revealed nonce point and checks it
// against their earlier commitment (phase 2).
func (s *QuorumSession) RevealNonce(id string, r *btcec.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	commitment, ok := s.commitments[id]
	if !ok {
		return corerr.New(corerr.KindInvalidInput, fmt.Sprintf("no nonce commitment from %q", id))
	}
	if s.expired() {
		s.state = StateExpired
		return corerr.New(corerr.KindTimeout, "quorum session expired")
	}

	want := cryptocore.SHA256(r.SerializeCompressed())
	if !cryptocore.ConstantTimeEqual(want, commitment.commitment[:]) {
		s.state = StateFailed
		return corerr.New(corerr.KindInvalidInput, fmt.Sprintf("nonce reveal from %q does not match commitment", id))
	}

	s.reveals[id] = nonceReveal{r: r}
	if len(s.reveals) >= s.Threshold {
		s.state = StateNonceRevealed
	}
	return nil
}

// aggregatedNonce sums every revealed R_i into one point R.
func (s *QuorumSession) aggregatedNonce() (*btcec.PublicKey, error) {
	var pts []*btcec.PublicKey
	for _, rv := range s.reveals {
		pts = append(pts, rv.r)
	}
	return sumPoints(pts)
}

// challenge computes e = SHA256(R ‖ P_agg ‖ message) reduced mod the
// curve order, binding the aggregated nonce, aggregated key, and message
// together the way a Schnorr challenge must.
func (s *QuorumSession) challenge(r *btcec.PublicKey) btcec.ModNScalar {
	data := make([]byte, 0, 33+33+len(s.Message))
	data = append(data, r.SerializeCompressed()...)
	data = append(data, s.aggPubKey.SerializeCompressed()...)
	data = append(data, s.Message...)
	h := cryptocore.SHA256(data)

	var e btcec.ModNScalar
	e.SetByteSlice(h)
	return e
}

// SignPartial computes custodian id's partial signature s_i = k_i + e*x_i
// (phase 3), given their own private key (never stored by the session).
func (s *QuorumSession) SignPartial(id string, priv *btcec.PrivateKey) (*btcec.ModNScalar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.custodian(id)
	if err != nil {
		return nil, err
	}
	if !priv.PubKey().IsEqual(c.PubKey) {
		return nil, corerr.New(corerr.KindInvalidInput, fmt.Sprintf("private key does not match registered pubkey for %q", id))
	}
	k, ok := s.nonceSecrets[id]
	if !ok {
		return nil, corerr.New(corerr.KindInvalidInput, fmt.Sprintf("no committed nonce for %q", id))
	}
	if s.state != StateNonceRevealed {
		return nil, corerr.New(corerr.KindInvalidInput, fmt.Sprintf("session not ready for signing, state=%s", s.state))
	}

	r, err := s.aggregatedNonce()
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to aggregate nonces", err)
	}
	e := s.challenge(r)

	var term btcec.ModNScalar
	term.Set(&e)
	term.Mul(&priv.Key)

	var si btcec.ModNScalar
	si.Set(k)
	si.Add(&term)

	s.partials[id] = partialSig{s: si}
	delete(s.nonceSecrets, id) // the nonce secret must never be reused

	if len(s.partials) >= s.Threshold {
		s.state = StateSigningComplete
	}
	return &si, nil
}

// AggregateSignature type is the final t-of-n quorum signature: the
// aggregated nonce point and the summed partial signatures, verifiable
// by Verify against the summed public keys of the signing custodians.
type AggregateSignature struct {
	R *btcec.PublicKey
	S btcec.ModNScalar
}

// Finalize sums every recorded partial signature into one aggregate
// signature and verifies it before returning.
func (s *QuorumSession) Finalize() (*AggregateSignature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.partials) < s.Threshold {
		return nil, corerr.New(corerr.KindInsufficientShares, fmt.Sprintf("have %d partial signatures, need %d", len(s.partials), s.Threshold))
	}

	r, err := s.aggregatedNonce()
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to aggregate nonces", err)
	}

	var total btcec.ModNScalar
	for _, p := range s.partials {
		total.Add(&p.s)
	}

	sig := &AggregateSignature{R: r, S: total}
	if !s.Verify(sig) {
		s.state = StateFailed
		return nil, corerr.New(corerr.KindInvalidInput, "aggregated quorum signature failed verification")
	}
	s.state = StateSigningComplete
	return sig, nil
}

// Verify checks s*G == R + e*P, where P is the sum of the public keys of
// the custodians whose partial signatures the session recorded; the
// challenge e still commits to the whole set's aggregated key. R sums
// every revealed nonce, so every custodian that revealed must also sign.
func (s *QuorumSession) Verify(sig *AggregateSignature) bool {
	e := s.challenge(sig.R)

	lhs := scalarMultG(&sig.S)

	signers := make([]*btcec.PublicKey, 0, len(s.partials))
	for id := range s.partials {
		c, err := s.custodian(id)
		if err != nil {
			return false
		}
		signers = append(signers, c.PubKey)
	}
	signerKey, err := sumPoints(signers)
	if err != nil {
		return false
	}

	eP := scalarMultPoint(&e, signerKey)
	rhs, err := sumPoints([]*btcec.PublicKey{sig.R, eP})
	if err != nil {
		return false
	}

	return lhs.IsEqual(rhs)
}

// AggregatedPubKey returns the quorum's combined public key.
func (s *QuorumSession) AggregatedPubKey() *btcec.PublicKey {
	return s.aggPubKey
}

func (s *QuorumSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// -- EC helpers --------------------------------------------------------

func randomNonce() (*btcec.ModNScalar, *btcec.PublicKey, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, nil, err
	}
	var k btcec.ModNScalar
	k.SetByteSlice(b)
	r := scalarMultG(&k)
	return &k, r, nil
}

func scalarMultG(k *btcec.ModNScalar) *btcec.PublicKey {
	var result btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(k, &result)
	result.ToAffine()
	return btcec.NewPublicKey(&result.X, &result.Y)
}

func scalarMultPoint(k *btcec.ModNScalar, p *btcec.PublicKey) *btcec.PublicKey {
	var pj, result btcec.JacobianPoint
	p.AsJacobian(&pj)
	btcec.ScalarMultNonConst(k, &pj, &result)
	result.ToAffine()
	return btcec.NewPublicKey(&result.X, &result.Y)
}

func sumPoints(pts []*btcec.PublicKey) (*btcec.PublicKey, error) {
	if len(pts) == 0 {
		return nil, corerr.New(corerr.KindInvalidInput, "no points to sum")
	}
	var acc btcec.JacobianPoint
	pts[0].AsJacobian(&acc)
	for _, p := range pts[1:] {
		var pj, sum btcec.JacobianPoint
		p.AsJacobian(&pj)
		btcec.AddNonConst(&acc, &pj, &sum)
		acc = sum
	}
	acc.ToAffine()
	return btcec.NewPublicKey(&acc.X, &acc.Y), nil
}

func aggregatePubKeys(custodians []Custodian) (*btcec.PublicKey, error) {
	pts := make([]*btcec.PublicKey, len(custodians))
	for i, c := range custodians {
		pts[i] = c.PubKey
	}
	return sumPoints(pts)
}
