package switchstate

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/echolock/core/internal/corerr"
)

// Heartbeat is an owner-authenticated check-in: a monotonic nonce plus a
// signature over it, so a recorded heartbeat cannot be replayed and only
// the registered owner key can reset expiry.
type Heartbeat struct {
	SwitchID  [16]byte
	Nonce     uint64
	Signature *ecdsa.Signature
}

func heartbeatPreimage(switchID [16]byte, nonce uint64) [32]byte {
	buf := make([]byte, 16+8)
	copy(buf, switchID[:])
	binary.BigEndian.PutUint64(buf[16:], nonce)
	return sha256.Sum256(buf)
}

// SignHeartbeat produces a Heartbeat for switchID at nonce, signed by
// priv.
func SignHeartbeat(priv *btcec.PrivateKey, switchID [16]byte, nonce uint64) *Heartbeat {
	digest := heartbeatPreimage(switchID, nonce)
	sig := ecdsa.Sign(priv, digest[:])
	return &Heartbeat{SwitchID: switchID, Nonce: nonce, Signature: sig}
}

// VerifyHeartbeat checks hb's signature against ownerPub and that nonce
// strictly increases over the switch's previously recorded nonce —
// rejecting replay of a stale heartbeat.
func VerifyHeartbeat(hb *Heartbeat, ownerPub *btcec.PublicKey, lastNonce uint64) error {
	if hb.Nonce <= lastNonce {
		return corerr.New(corerr.KindInvalidInput, "heartbeat nonce must strictly increase")
	}
	digest := heartbeatPreimage(hb.SwitchID, hb.Nonce)
	if !hb.Signature.Verify(digest[:], ownerPub) {
		return corerr.New(corerr.KindDecryptAuthFail, "heartbeat signature verification failed")
	}
	return nil
}
