package timelock

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/echolock/core/internal/cryptocore"

	"github.com/echolock/core/internal/corerr"
)

// MaxTestnetAmountSats caps a single spend at 0.01 BTC while the module
// is testnet-only.
const MaxTestnetAmountSats = 1_000_000

// MinBlocksPastTimelock is the age margin the chain tip must clear past
// the locktime before a spend is attempted.
const MinBlocksPastTimelock = 10

// nonFinalSequence is any sequence number below wire.MaxTxInSequenceNum,
// required for OP_CLTV to be enforceable.
const nonFinalSequence = wire.MaxTxInSequenceNum - 1

// Utxo is a spendable output of the Script's P2SH address.
type Utxo struct {
	TxID  chainhash.Hash
	Vout  uint32
	Value int64 // satoshis
}

// SelectCoins greedily picks UTXOs covering amount+fee, ordered as
// given. Greedy-first-fit keeps selection deterministic.
func SelectCoins(utxos []Utxo, amount, fee int64) ([]Utxo, int64, error) {
	need := amount + fee
	var chosen []Utxo
	var total int64
	for _, u := range utxos {
		chosen = append(chosen, u)
		total += u.Value
		if total >= need {
			return chosen, total - need, nil
		}
	}
	return nil, 0, corerr.New(corerr.KindInvalidInput, fmt.Sprintf("insufficient UTXOs: have %d, need %d", total, need))
}

// SpendParams bundles the inputs to BuildAndSign. UTXO fetch, coin
// selection and fee estimation have already run by the time this is
// called.
type SpendParams struct {
	Script       *Script
	Utxos        []Utxo
	Destination  btcutil.Address
	AmountSats   int64
	FeeSats      int64
	ChangeSats   int64
	ChangeAddr   btcutil.Address // required only if ChangeSats > 0
	TipHeight    uint32
	NetParams    *chaincfg.Params
}

// validateSafety runs every mandatory safety check before signing.
func validateSafety(p *SpendParams) error {
	if !p.Destination.IsForNet(p.NetParams) {
		return corerr.New(corerr.KindInvalidInput, "destination address does not belong to the configured network")
	}
	if p.AmountSats > MaxTestnetAmountSats {
		return corerr.New(corerr.KindInvalidInput, fmt.Sprintf("amount %d exceeds testnet cap of %d sats", p.AmountSats, MaxTestnetAmountSats))
	}
	if p.TipHeight < p.Script.LocktimeHeight+MinBlocksPastTimelock {
		return corerr.New(corerr.KindInvalidInput, fmt.Sprintf("tip height %d has not cleared the locktime age margin (need >= %d)", p.TipHeight, p.Script.LocktimeHeight+MinBlocksPastTimelock))
	}
	return nil
}

// BuildAndSign constructs the CLTV spend transaction: nLockTime =
// locktime_height, every input's nSequence < 0xFFFFFFFF, signed with
// priv, which is zeroized before this function returns regardless of
// outcome.
func BuildAndSign(p *SpendParams, priv *btcec.PrivateKey) (*wire.MsgTx, error) {
	defer zeroPrivateKey(priv)

	if err := validateSafety(p); err != nil {
		return nil, err
	}
	if len(p.Utxos) == 0 {
		return nil, corerr.New(corerr.KindInvalidInput, "no UTXOs supplied")
	}

	redeemScript, err := p.Script.Build()
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = p.Script.LocktimeHeight

	for _, u := range p.Utxos {
		prevOut := wire.NewOutPoint(&u.TxID, u.Vout)
		txIn := wire.NewTxIn(prevOut, nil, nil)
		txIn.Sequence = nonFinalSequence
		tx.AddTxIn(txIn)
	}

	destScript, err := txscript.PayToAddrScript(p.Destination)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to build destination script", err)
	}
	tx.AddTxOut(wire.NewTxOut(p.AmountSats, destScript))

	if p.ChangeSats > 0 {
		if p.ChangeAddr == nil {
			return nil, corerr.New(corerr.KindInvalidInput, "change amount set without a change address")
		}
		changeScript, err := txscript.PayToAddrScript(p.ChangeAddr)
		if err != nil {
			return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to build change script", err)
		}
		tx.AddTxOut(wire.NewTxOut(p.ChangeSats, changeScript))
	}

	for i := range tx.TxIn {
		if err := signInput(tx, i, redeemScript, priv); err != nil {
			return nil, err
		}
	}

	if _, err := serializeForValidation(tx); err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "built transaction does not parse as valid", err)
	}

	return tx, nil
}

func signInput(tx *wire.MsgTx, idx int, redeemScript []byte, priv *btcec.PrivateKey) error {
	sigHash, err := txscript.CalcSignatureHash(redeemScript, txscript.SigHashAll, tx, idx)
	if err != nil {
		return corerr.Wrap(corerr.KindInvalidInput, "failed to compute signature hash", err)
	}

	sig := ecdsa.Sign(priv, sigHash)
	sigBytes := append(sig.Serialize(), byte(txscript.SigHashAll))

	sigScript, err := txscript.NewScriptBuilder().
		AddData(sigBytes).
		AddData(redeemScript).
		Script()
	if err != nil {
		return corerr.Wrap(corerr.KindInvalidInput, "failed to build signature script", err)
	}
	tx.TxIn[idx].SignatureScript = sigScript
	return nil
}

// serializeForValidation re-serializes tx, the spend-path's final safety
// check ("transaction hex parses as a valid Bitcoin transaction").
func serializeForValidation(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}

	var roundTrip wire.MsgTx
	if err := roundTrip.Deserialize(bytes.NewReader(buf.Bytes())); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func zeroPrivateKey(priv *btcec.PrivateKey) {
	if priv == nil {
		return
	}
	b := priv.Serialize()
	cryptocore.Zero(b)
	priv.Zero()
}
