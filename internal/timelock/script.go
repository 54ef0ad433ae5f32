// Package timelock implements the Bitcoin OP_CHECKLOCKTIMEVERIFY module:
// script construction, P2SH address derivation, fee estimation, UTXO
// coin-selection, and the CLTV spend path.
package timelock

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btclog"
	"github.com/echolock/core/internal/corerr"
)

var log = btclog.Disabled

func UseLogger(logger btclog.Logger) {
	log = logger
}

// ScriptVersion is the serialization version of a Script.
const ScriptVersion byte = 1

// Script models the `<locktime_height> OP_CLTV OP_DROP <pubkey>
// OP_CHECKSIG` redeem script, kept as a small struct so the raw script
// bytes can always be regenerated deterministically. There is exactly
// one spending key, not a policy tree.
type Script struct {
	LocktimeHeight uint32
	Pubkey         [33]byte // compressed secp256k1 pubkey
}

// NewScript validates the pubkey and wraps it with a locktime height.
func NewScript(locktimeHeight uint32, pubkey *btcec.PublicKey) (*Script, error) {
	if pubkey == nil {
		return nil, corerr.New(corerr.KindInvalidInput, "pubkey must not be nil")
	}
	var pk [33]byte
	copy(pk[:], pubkey.SerializeCompressed())
	return &Script{LocktimeHeight: locktimeHeight, Pubkey: pk}, nil
}

// Build constructs the raw redeem script bytes:
// <locktime_height> OP_CLTV OP_DROP <pubkey> OP_CHECKSIG.
func (s *Script) Build() ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(s.LocktimeHeight))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(s.Pubkey[:])
	builder.AddOp(txscript.OP_CHECKSIG)

	script, err := builder.Script()
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to build CLTV script", err)
	}
	return script, nil
}

// Hash160 returns RIPEMD160(SHA256(script)), the input to a P2SH address.
func (s *Script) Hash160() ([]byte, error) {
	script, err := s.Build()
	if err != nil {
		return nil, err
	}
	return btcutil.Hash160(script), nil
}

// Serialize encodes the script as version(1) ‖ locktime(4 BE) ‖ pubkey(33),
// for persistence alongside the owning switch.
func (s *Script) Serialize() []byte {
	buf := make([]byte, 0, 1+4+33)
	buf = append(buf, ScriptVersion)
	buf = append(buf, byte(s.LocktimeHeight>>24), byte(s.LocktimeHeight>>16), byte(s.LocktimeHeight>>8), byte(s.LocktimeHeight))
	buf = append(buf, s.Pubkey[:]...)
	return buf
}

// Deserialize parses the Serialize output.
func Deserialize(data []byte) (*Script, error) {
	if len(data) != 1+4+33 {
		return nil, corerr.New(corerr.KindInvalidInput, fmt.Sprintf("timelock script must be %d bytes", 1+4+33))
	}
	if data[0] != ScriptVersion {
		return nil, corerr.Wrap(corerr.KindUnsupportedVersion, fmt.Sprintf("unsupported timelock script version %d", data[0]), corerr.ErrUnsupportedVersion)
	}
	locktime := uint32(data[1])<<24 | uint32(data[2])<<16 | uint32(data[3])<<8 | uint32(data[4])
	var pk [33]byte
	copy(pk[:], data[5:38])
	return &Script{LocktimeHeight: locktime, Pubkey: pk}, nil
}
