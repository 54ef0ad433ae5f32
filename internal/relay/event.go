// Package relay implements the gossip distribution layer: signed,
// replaceable wire events published to and fetched from a fixed set of
// relay URLs.
package relay

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/echolock/core/internal/corerr"
	"github.com/echolock/core/internal/cryptocore"
)

// Kind identifies the semantic type of an Event.
type Kind uint

const (
	KindHeartbeat      Kind = 30078
	KindShareStorage   Kind = 30079
	KindShareRelease   Kind = 30080
	KindMessagePayload Kind = 30081
)

// Tag is a single (key, value) pair carried by an event, e.g. d=switch_id:index.
type Tag struct {
	Key   string
	Value string
}

// Event is the wire form of a gossip relay event: a compact record whose
// id is the SHA-256 of a canonical serialization of every other field,
// signed with a Schnorr signature over secp256k1.
type Event struct {
	ID        [32]byte
	PubKey    [32]byte // x-only, per BIP-340
	CreatedAt int64    // unix seconds
	Kind      Kind
	Tags      []Tag
	Content   string
	Sig       [64]byte
}

// Tag returns the value of the first tag with the given key, and whether it
// was found.
func (e *Event) Tag(key string) (string, bool) {
	for _, t := range e.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

// ReplaceKey returns the (author, kind, d-tag) key under which kinds
// 30078-30081 are parameterized replaceable — the newest created_at for a
// given ReplaceKey wins.
type ReplaceKey struct {
	PubKey [32]byte
	Kind   Kind
	DTag   string
}

func (e *Event) ReplaceKey() ReplaceKey {
	d, _ := e.Tag("d")
	return ReplaceKey{PubKey: e.PubKey, Kind: e.Kind, DTag: d}
}

// canonicalPreimage builds the deterministic byte string hashed to produce
// an event's id. Tags are serialized in their given order (New sorts them
// by key before computing the id); everything else is fixed
// width or length-prefixed so no two distinct field tuples collide.
func canonicalPreimage(pubKey [32]byte, createdAt int64, kind Kind, tags []Tag, content string) []byte {
	var sb strings.Builder
	sb.Write(pubKey[:])

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt))
	sb.Write(ts[:])

	var kb [8]byte
	binary.BigEndian.PutUint64(kb[:], uint64(kind))
	sb.Write(kb[:])

	for _, t := range tags {
		sb.WriteString(t.Key)
		sb.WriteByte(0)
		sb.WriteString(t.Value)
		sb.WriteByte(0)
	}
	sb.WriteByte(0xff)
	sb.WriteString(content)

	return []byte(sb.String())
}

// computeID returns SHA-256 of the canonical preimage of the given fields.
func computeID(pubKey [32]byte, createdAt int64, kind Kind, tags []Tag, content string) [32]byte {
	sum := cryptocore.SHA256(canonicalPreimage(pubKey, createdAt, kind, tags, content))
	var id [32]byte
	copy(id[:], sum)
	return id
}

// New builds and signs an event. tags is sorted by key for a deterministic
// canonical form before id computation.
func New(priv *btcec.PrivateKey, kind Kind, createdAt int64, tags []Tag, content string) (*Event, error) {
	sorted := append([]Tag{}, tags...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	pub := priv.PubKey()
	var pubKey [32]byte
	copy(pubKey[:], schnorrXOnly(pub))

	id := computeID(pubKey, createdAt, kind, sorted, content)

	sig, err := schnorr.Sign(priv, id[:])
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to sign relay event", err)
	}

	var sigBytes [64]byte
	copy(sigBytes[:], sig.Serialize())

	return &Event{
		ID:        id,
		PubKey:    pubKey,
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      sorted,
		Content:   content,
		Sig:       sigBytes,
	}, nil
}

// schnorrXOnly returns the 32-byte x-only encoding of a public key, per
// BIP-340 (the compressed encoding's first byte, which only carries parity,
// is dropped).
func schnorrXOnly(pub *btcec.PublicKey) []byte {
	return pub.SerializeCompressed()[1:]
}

// Verify checks that e.ID matches the recomputed canonical hash and that
// e.Sig is a valid Schnorr signature over e.ID by e.PubKey.
func (e *Event) Verify() error {
	want := computeID(e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content)
	if want != e.ID {
		return corerr.New(corerr.KindIntegrityMismatch, "relay event id does not match canonical hash")
	}

	pub, err := schnorr.ParsePubKey(e.PubKey[:])
	if err != nil {
		return corerr.Wrap(corerr.KindInvalidInput, "relay event has malformed pubkey", err)
	}
	sig, err := schnorr.ParseSignature(e.Sig[:])
	if err != nil {
		return corerr.Wrap(corerr.KindInvalidInput, "relay event has malformed signature", err)
	}
	if !sig.Verify(e.ID[:], pub) {
		return corerr.New(corerr.KindInvalidInput, "relay event signature verification failed")
	}
	return nil
}

// IDHex returns the 32-byte event id as lowercase hex.
func (e *Event) IDHex() string { return hex.EncodeToString(e.ID[:]) }

// PubKeyHex returns the 32-byte x-only pubkey as lowercase hex.
func (e *Event) PubKeyHex() string { return hex.EncodeToString(e.PubKey[:]) }

func (e *Event) String() string {
	return fmt.Sprintf("Event{id=%s kind=%d author=%s created_at=%d}", e.IDHex()[:8], e.Kind, e.PubKeyHex()[:8], e.CreatedAt)
}
