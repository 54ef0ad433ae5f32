// Package lifecycle ties the core subsystems together into the switch
// lifecycle: create (encrypt, split, commit, publish, persist), heartbeat,
// expiry observation, cancellation, deletion, and the release pipeline
// that recovers the plaintext from relay fragments and delivers it to the
// switch's recipients.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
	"github.com/google/uuid"

	"github.com/echolock/core/internal/config"
	"github.com/echolock/core/internal/coordinator"
	"github.com/echolock/core/internal/corerr"
	"github.com/echolock/core/internal/cryptocore"
	"github.com/echolock/core/internal/esplora"
	"github.com/echolock/core/internal/payload"
	"github.com/echolock/core/internal/relay"
	"github.com/echolock/core/internal/shamir"
	"github.com/echolock/core/internal/store"
	"github.com/echolock/core/internal/switchstate"
	"github.com/echolock/core/internal/timelock"
	"github.com/echolock/core/internal/txmonitor"
)

var log = btclog.Disabled

// UseLogger sets the package-level logger.
func UseLogger(logger btclog.Logger) { log = logger }

// Notifier is the delivery capability of the outer notification layer:
// called exactly once per recipient on release. Failures are per-recipient
// and logged; they never roll a release back.
type Notifier interface {
	Send(recipient, switchTitle string, plaintext []byte) error
}

// Funder produces a signed raw transaction paying amountSats to the given
// timelock address. Wallet custody belongs to the embedding application,
// so the commitment transaction's inputs are its concern; the engine
// broadcasts and monitors whatever it returns.
type Funder interface {
	Fund(ctx context.Context, address string, amountSats int64) (string, error)
}

// relayRetention is how long past a switch's expiry its fragment events
// ask relays to retain them. Release can lag expiry by days when
// custodians are slow to observe it, so the GC hint is generous.
const relayRetention = 30 * 24 * time.Hour

// Engine drives switches through their lifecycle. All state lives in the
// SwitchStore; the engine itself is stateless beyond its collaborators.
type Engine struct {
	cfg      *config.Config
	store    store.SwitchStore
	relays   *relay.Client
	esp      esplora.Client
	notifier Notifier
	funder   Funder
	eventKey *btcec.PrivateKey

	now func() time.Time
}

// NewEngine wires the collaborators together. esp and funder may be nil
// when no switch will use a Bitcoin timelock; eventKey signs every relay
// event this engine publishes.
func NewEngine(cfg *config.Config, st store.SwitchStore, relays *relay.Client, esp esplora.Client, notifier Notifier, funder Funder, eventKey *btcec.PrivateKey) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil || relays == nil || eventKey == nil {
		return nil, corerr.New(corerr.KindInvalidInput, "store, relay client and event key are required")
	}
	return &Engine{
		cfg:      cfg,
		store:    st,
		relays:   relays,
		esp:      esp,
		notifier: notifier,
		funder:   funder,
		eventKey: eventKey,
		now:      time.Now,
	}, nil
}

// authorKey returns the x-only form of the engine's event signing key,
// the author field of every event it publishes.
func (e *Engine) authorKey() [32]byte {
	var out [32]byte
	copy(out[:], e.eventKey.PubKey().SerializeCompressed()[1:])
	return out
}

func (e *Engine) netParams() *chaincfg.Params {
	if e.cfg.AllowMainnet && e.cfg.AcknowledgeMainnetRisk {
		return &chaincfg.MainNetParams
	}
	return &chaincfg.TestNet3Params
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	Message      []byte
	Password     string
	Title        string
	CheckInHours float64
	Threshold    switchstate.Threshold
	Recipients   []string
	OwnerPub     *btcec.PublicKey
	UseBitcoin   bool

	// CommitAmountSats is the value locked into the timelock address when
	// UseBitcoin is set. Capped by the testnet amount limit.
	CommitAmountSats int64
}

// CreateResult reports the outcome of Create. BitcoinTxID is populated
// whenever a broadcast happened, including on failure, so a dangling
// on-chain commitment is never silent.
type CreateResult struct {
	ID          [16]byte
	BitcoinTxID string
}

func (p *CreateParams) validate() error {
	if len(p.Message) == 0 {
		return corerr.New(corerr.KindInvalidInput, "message must not be empty")
	}
	if p.Password == "" {
		return corerr.New(corerr.KindInvalidInput, "password must not be empty")
	}
	if p.CheckInHours <= 0 {
		return corerr.New(corerr.KindInvalidInput, "check-in interval must be positive")
	}
	t, n := p.Threshold.T, p.Threshold.N
	if t < 2 || t > n || n > 15 {
		return corerr.New(corerr.KindInvalidInput, "threshold must satisfy 2 <= t <= n <= 15")
	}
	if len(p.Recipients) == 0 {
		return corerr.New(corerr.KindInvalidInput, "at least one recipient is required")
	}
	return nil
}

// Create runs the full creation pipeline: encrypt the message, split the
// key into authenticated shares, optionally broadcast and confirm a
// Bitcoin commitment, publish one fragment event per share, and persist
// the switch as ARMED. On any failure the switch is not persisted; if a
// Bitcoin broadcast already happened its txid is reported in the result
// alongside the error.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*CreateResult, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	id := [16]byte(uuid.New())
	now := e.now()
	res := &CreateResult{ID: id}

	salt, err := cryptocore.NewSalt()
	if err != nil {
		return nil, err
	}
	iterations := int(e.cfg.PBKDF2Iterations)
	key, err := cryptocore.DeriveKey(p.Password, salt, iterations)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	enc, err := cryptocore.Encrypt(key.Bytes(), p.Message, id[:])
	if err != nil {
		return nil, err
	}
	pl, err := payload.New(enc.Ciphertext, enc.IV, enc.Tag, salt, uint32(iterations))
	if err != nil {
		return nil, err
	}

	shares, authKey, err := shamir.Split(key.Bytes(), p.Threshold.N, p.Threshold.T)
	if err != nil {
		return nil, err
	}
	defer cryptocore.Zero(authKey)
	defer func() {
		for _, s := range shares {
			cryptocore.Zero(s.Bytes)
		}
	}()

	authKeyWrapped, err := cryptocore.WrapKey(p.Password, authKey, iterations, id[:])
	if err != nil {
		return nil, err
	}

	var btc *switchstate.BitcoinCommitment
	var privkeyWrapped []byte
	var rawCommitTx string
	if p.UseBitcoin {
		btc, privkeyWrapped, rawCommitTx, err = e.prepareBitcoin(ctx, p, id)
		if err != nil {
			return res, err
		}
	}

	expiresAt := now.Add(time.Duration(p.CheckInHours * float64(time.Hour)))

	policy := coordinator.Policy{
		BitcoinEnabled:             p.UseBitcoin,
		AllowPublishWithoutBitcoin: e.cfg.AllowPublishWithoutBTC,
		MinConfirmations:           e.cfg.MinConfirmations,
		PollInterval:               time.Duration(e.cfg.PollIntervalSeconds) * time.Second,
		MaxWait:                    time.Duration(e.cfg.MaxWaitSeconds) * time.Second,
	}
	coord := coordinator.New(policy, e.esp, e.relays)
	var events []coordinator.ShareEvent
	commit := coord.RunWith(ctx, rawCommitTx, func(btcTxID string) ([]coordinator.ShareEvent, error) {
		var err error
		events, err = e.buildFragmentEvents(id, shares, pl, expiresAt, btcTxID)
		return events, err
	})

	if commit.BitcoinTxID != (chainhash.Hash{}) {
		res.BitcoinTxID = commit.BitcoinTxID.String()
	}
	if commit.Err != nil || commit.State != coordinator.StateCommitted {
		if commit.Err == nil {
			commit.Err = corerr.New(corerr.KindUnknown, "commit did not reach COMMITTED")
		}
		log.Warnf("lifecycle: create commit failed for switch %x: %v", id, commit.Err)
		return res, commit.Err
	}

	sw := switchstate.New(id, now, p.CheckInHours, p.Threshold, p.OwnerPub)
	sw.Title = p.Title
	sw.Recipients = p.Recipients
	for i, ev := range events {
		sw.SharesMeta = append(sw.SharesMeta, switchstate.ShareMeta{
			Index:    shares[i].Index,
			RelaySet: e.cfg.RelayURLs,
			EventID:  ev.Event.IDHex(),
		})
	}
	if btc != nil {
		btc.TxID = res.BitcoinTxID
		if commit.Proof != nil {
			btc.ConfirmedHeight = commit.Proof.BlockHeight
		}
		sw.Bitcoin = btc
	}

	stored := &store.Stored{Switch: sw, AuthKeyWrapped: authKeyWrapped, PrivkeyWrapped: privkeyWrapped}
	if err := e.store.Create(stored); err != nil {
		return res, err
	}
	log.Infof("lifecycle: switch %x created, expires %s", id, expiresAt.Format(time.RFC3339))
	return res, nil
}

// prepareBitcoin generates the timelock keypair and script, derives the
// commitment address, and obtains a funded commitment transaction. The
// fresh private key is wrapped under the owner password and zeroized.
func (e *Engine) prepareBitcoin(ctx context.Context, p CreateParams, id [16]byte) (*switchstate.BitcoinCommitment, []byte, string, error) {
	if e.esp == nil || e.funder == nil {
		return nil, nil, "", corerr.New(corerr.KindInvalidInput, "bitcoin timelock requires an esplora client and a funder")
	}

	tip, err := e.esp.TipHeight(ctx)
	if err != nil {
		return nil, nil, "", corerr.Wrap(corerr.KindNetworkTransient, "failed to fetch chain tip", err)
	}

	margin := uint32(math.Ceil(p.CheckInHours * 6))
	if margin < timelock.MinBlocksPastTimelock {
		margin = timelock.MinBlocksPastTimelock
	}
	locktime := tip + margin

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, "", corerr.Wrap(corerr.KindInvalidInput, "failed to generate timelock key", err)
	}
	privBytes := priv.Serialize()
	defer cryptocore.Zero(privBytes)
	defer priv.Zero()

	script, err := timelock.NewScript(locktime, priv.PubKey())
	if err != nil {
		return nil, nil, "", err
	}
	addr, err := timelock.Address(script, e.netParams())
	if err != nil {
		return nil, nil, "", err
	}

	amount := p.CommitAmountSats
	if amount <= 0 || amount > timelock.MaxTestnetAmountSats {
		return nil, nil, "", corerr.New(corerr.KindInvalidInput, fmt.Sprintf("commitment amount must be in (0, %d] sats", timelock.MaxTestnetAmountSats))
	}
	rawTx, err := e.funder.Fund(ctx, addr.EncodeAddress(), amount)
	if err != nil {
		return nil, nil, "", corerr.Wrap(corerr.KindNetworkTransient, "funder failed to produce commitment transaction", err)
	}

	privkeyWrapped, err := cryptocore.WrapKey(p.Password, privBytes, int(e.cfg.PBKDF2Iterations), id[:])
	if err != nil {
		return nil, nil, "", err
	}

	btc := &switchstate.BitcoinCommitment{
		Address:        addr.EncodeAddress(),
		Script:         script.Serialize(),
		LocktimeHeight: locktime,
		Pubkey:         script.Pubkey,
	}
	return btc, privkeyWrapped, rawTx, nil
}

// buildFragmentEvents frames one signed fragment event per share. btcTxID
// is empty for switches without a Bitcoin commitment.
func (e *Engine) buildFragmentEvents(id [16]byte, shares []*shamir.AuthenticatedShare, pl *payload.AtomicPayload, expiresAt time.Time, btcTxID string) ([]coordinator.ShareEvent, error) {
	expiry := expiresAt.Add(relayRetention)

	events := make([]coordinator.ShareEvent, 0, len(shares))
	createdAt := e.now().Unix()
	for _, s := range shares {
		frag := &Fragment{Share: s, Payload: pl}
		content, err := encodeFragmentContent(frag)
		if err != nil {
			return nil, err
		}
		tags := fragmentTags(id, s.Index, expiry, btcTxID)
		ev, err := relay.New(e.eventKey, relay.KindMessagePayload, createdAt, tags, content)
		if err != nil {
			return nil, err
		}
		events = append(events, coordinator.ShareEvent{Event: ev, MinAcks: e.cfg.MinPublishAcks})
	}
	return events, nil
}

// loadSwitch reads a switch and its wrapped secrets from the store.
func (e *Engine) loadSwitch(id [16]byte) (*store.Stored, error) {
	st, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Heartbeat authenticates and applies an owner check-in, persists the
// refreshed expiry, and best-effort publishes a replaceable heartbeat
// event so custodians watching the relays see liveness. A relay publish
// failure does not fail the heartbeat; the persisted expiry is
// authoritative.
func (e *Engine) Heartbeat(ctx context.Context, hb *switchstate.Heartbeat) error {
	st, err := e.loadSwitch(hb.SwitchID)
	if err != nil {
		return err
	}
	now := e.now()
	if now.After(st.Switch.ExpiresAt) {
		return corerr.New(corerr.KindInvalidInput, "heartbeat received after expiry").WithSwitch(fmt.Sprintf("%x", hb.SwitchID))
	}
	if err := st.Switch.Heartbeat(ctx, hb, now); err != nil {
		return err
	}
	if err := e.store.Update(st); err != nil {
		return err
	}

	e.publishHeartbeatEvent(ctx, st.Switch)
	return nil
}

func (e *Engine) publishHeartbeatEvent(ctx context.Context, sw *switchstate.Switch) {
	tags := []relay.Tag{
		{Key: "d", Value: fmt.Sprintf("%x", sw.ID)},
		{Key: "expiration", Value: fmt.Sprintf("%d", sw.ExpiresAt.Add(relayRetention).Unix())},
	}
	ev, err := relay.New(e.eventKey, relay.KindHeartbeat, e.now().Unix(), tags, "")
	if err != nil {
		log.Warnf("lifecycle: failed to frame heartbeat event for switch %x: %v", sw.ID, err)
		return
	}
	if err := e.relays.Publish(ctx, ev, e.cfg.MinPublishAcks); err != nil {
		log.Warnf("lifecycle: heartbeat event publish for switch %x: %v", sw.ID, err)
	}
}

// Sweep scans every persisted switch and transitions any whose release
// predicate is now satisfied from ARMED to TRIGGERED. It returns the ids
// that transitioned.
func (e *Engine) Sweep(ctx context.Context) ([][16]byte, error) {
	ids, err := e.store.List()
	if err != nil {
		return nil, err
	}
	var triggered [][16]byte
	now := e.now()
	for _, id := range ids {
		st, err := e.loadSwitch(id)
		if err != nil {
			log.Warnf("lifecycle: sweep failed to load switch %x: %v", id, err)
			continue
		}
		fact := switchstate.Fact{Now: now}
		if st.Switch.Bitcoin != nil {
			fact.BitcoinEnabled = true
			fact.BitcoinConfirmed = st.Switch.Bitcoin.ConfirmedHeight > 0
		}
		fired, err := st.Switch.ObserveTrigger(ctx, fact)
		if err != nil {
			log.Warnf("lifecycle: sweep trigger on switch %x: %v", id, err)
			continue
		}
		if !fired {
			continue
		}
		if err := e.store.Update(st); err != nil {
			log.Warnf("lifecycle: sweep failed to persist trigger for switch %x: %v", id, err)
			continue
		}
		triggered = append(triggered, id)
	}
	return triggered, nil
}

// ReleaseResult reports a successful release.
type ReleaseResult struct {
	Delivered int
	Failed    int
}

// Release runs the recovery pipeline for a TRIGGERED switch: fetch the
// switch's fragment events, verify and combine at least t shares into the
// key, decrypt the atomic payload, deliver the plaintext to every
// recipient, and mark the switch RELEASED once at least one delivery
// succeeded. The pipeline is idempotent; on failure the switch stays
// TRIGGERED and Release may be re-invoked.
func (e *Engine) Release(ctx context.Context, id [16]byte, password string) (*ReleaseResult, error) {
	st, err := e.loadSwitch(id)
	if err != nil {
		return nil, err
	}
	sw := st.Switch
	switch sw.State() {
	case switchstate.StateReleased:
		return &ReleaseResult{}, nil
	case switchstate.StateTriggered:
	default:
		return nil, corerr.New(corerr.KindInvalidInput, "release is only valid for a triggered switch").WithSwitch(fmt.Sprintf("%x", id))
	}

	authKey, err := cryptocore.UnwrapKey(password, st.AuthKeyWrapped, id[:])
	if err != nil {
		return nil, err
	}
	defer cryptocore.Zero(authKey)

	frags, err := e.fetchFragments(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(frags) == 0 {
		return nil, corerr.New(corerr.KindInsufficientShares, "no fragment events found on relays").WithSwitch(fmt.Sprintf("%x", id))
	}

	shares := make([]*shamir.AuthenticatedShare, 0, len(frags))
	var pl *payload.AtomicPayload
	for _, f := range frags {
		shares = append(shares, f.Share)
		if pl == nil && f.Payload.Verify() == nil {
			pl = f.Payload
		}
	}
	if pl == nil {
		return nil, corerr.New(corerr.KindIntegrityMismatch, "no fragment carried a payload passing its integrity check").WithSwitch(fmt.Sprintf("%x", id))
	}

	key, err := shamir.Combine(shares, authKey, sw.Threshold.T)
	if err != nil {
		return nil, err
	}
	defer cryptocore.Zero(key)

	plaintext, err := cryptocore.Decrypt(key, pl.Ciphertext, pl.IV, pl.AuthTag, id[:])
	if err != nil {
		return nil, err
	}
	defer cryptocore.Zero(plaintext)

	res := &ReleaseResult{}
	for _, recipient := range sw.Recipients {
		if e.notifier == nil {
			break
		}
		if err := e.notifier.Send(recipient, sw.Title, plaintext); err != nil {
			log.Warnf("lifecycle: delivery to recipient failed for switch %x: %v", id, err)
			res.Failed++
			continue
		}
		res.Delivered++
	}
	if e.notifier != nil && res.Delivered == 0 {
		return nil, corerr.New(corerr.KindNetworkTransient, "no recipient delivery succeeded").WithSwitch(fmt.Sprintf("%x", id))
	}

	if err := sw.Release(ctx); err != nil {
		return nil, err
	}
	if err := e.store.Update(st); err != nil {
		return nil, err
	}
	log.Infof("lifecycle: switch %x released, %d/%d recipients delivered", id, res.Delivered, len(sw.Recipients))
	return res, nil
}

// fetchFragments retrieves and decodes the switch's fragment events,
// keeping the newest event per share index (replaceable-event semantics).
func (e *Engine) fetchFragments(ctx context.Context, id [16]byte) ([]*Fragment, error) {
	events, err := e.relays.Fetch(ctx, relay.Filter{Kind: relay.KindMessagePayload, Author: e.authorKey()})
	if err != nil {
		return nil, err
	}

	prefix := switchDTagPrefix(id)
	type candidate struct {
		frag      *Fragment
		createdAt int64
	}
	newest := make(map[uint]candidate)
	for _, ev := range events {
		d, ok := ev.Tag("d")
		if !ok {
			continue
		}
		idx, ok := parseFragmentDTag(d, prefix)
		if !ok {
			continue
		}
		frag, err := decodeFragmentContent(ev.Content)
		if err != nil {
			log.Warnf("lifecycle: discarding malformed fragment event %s: %v", ev.IDHex()[:8], err)
			continue
		}
		if frag.Share.Index != idx {
			log.Warnf("lifecycle: fragment event %s index does not match its d-tag", ev.IDHex()[:8])
			continue
		}
		if cur, ok := newest[idx]; !ok || ev.CreatedAt > cur.createdAt {
			newest[idx] = candidate{frag: frag, createdAt: ev.CreatedAt}
		}
	}

	out := make([]*Fragment, 0, len(newest))
	for _, c := range newest {
		out = append(out, c.frag)
	}
	return out, nil
}

// Cancel transitions an ARMED switch to CANCELLED on owner request.
func (e *Engine) Cancel(ctx context.Context, id [16]byte) error {
	st, err := e.loadSwitch(id)
	if err != nil {
		return err
	}
	if err := st.Switch.Cancel(ctx); err != nil {
		return err
	}
	return e.store.Update(st)
}

// Delete removes a switch. The store zeroizes the wrapped key material it
// holds before the record is dropped.
func (e *Engine) Delete(id [16]byte) error {
	return e.store.Delete(id)
}

// SpendParams are the inputs to SpendTimelock.
type SpendParams struct {
	SwitchID     [16]byte
	Password     string
	Destination  string
	AmountSats   int64
	TargetBlocks int
}

// SpendTimelock builds, signs and broadcasts the CLTV spend of a
// switch's commitment once the locktime and its age margin have passed:
// fetch UTXOs, estimate the fee, coin-select, sign with the transiently
// unwrapped private key, and broadcast with retry.
func (e *Engine) SpendTimelock(ctx context.Context, p SpendParams) (string, error) {
	st, err := e.loadSwitch(p.SwitchID)
	if err != nil {
		return "", err
	}
	sw := st.Switch
	if sw.Bitcoin == nil {
		return "", corerr.New(corerr.KindInvalidInput, "switch has no bitcoin commitment")
	}
	if e.esp == nil {
		return "", corerr.New(corerr.KindInvalidInput, "no esplora client configured")
	}

	script, err := timelock.Deserialize(sw.Bitcoin.Script)
	if err != nil {
		return "", err
	}
	params := e.netParams()
	dest, err := timelock.ParseDestination(p.Destination, params)
	if err != nil {
		return "", err
	}

	tip, err := e.esp.TipHeight(ctx)
	if err != nil {
		return "", corerr.Wrap(corerr.KindNetworkTransient, "failed to fetch chain tip", err)
	}

	utxos, err := e.esp.AddressUtxos(ctx, sw.Bitcoin.Address)
	if err != nil {
		return "", corerr.Wrap(corerr.KindNetworkTransient, "failed to fetch UTXOs", err)
	}
	spendable := make([]timelock.Utxo, len(utxos))
	for i, u := range utxos {
		spendable[i] = timelock.Utxo{TxID: u.TxID, Vout: u.Vout, Value: u.Value}
	}

	estimates, err := e.esp.FeeEstimates(ctx)
	if err != nil {
		log.Warnf("lifecycle: fee oracle unavailable, using fallback: %v", err)
		estimates = nil
	}
	calc := timelock.NewCalculator(timelock.FeeEstimates(estimates))
	// One P2SH-CLTV input and up to two outputs; generous round figure.
	const estimatedVSize = 350
	fee := calc.EstimateFee(estimatedVSize, p.TargetBlocks)

	coins, change, err := timelock.SelectCoins(spendable, p.AmountSats, fee)
	if err != nil {
		return "", err
	}

	privBytes, err := cryptocore.UnwrapKey(p.Password, st.PrivkeyWrapped, p.SwitchID[:])
	if err != nil {
		return "", err
	}
	priv, _ := btcec.PrivKeyFromBytes(privBytes)
	cryptocore.Zero(privBytes)
	defer priv.Zero()

	spend := &timelock.SpendParams{
		Script:      script,
		Utxos:       coins,
		Destination: dest,
		AmountSats:  p.AmountSats,
		FeeSats:     fee,
		ChangeSats:  change,
		TipHeight:   tip,
		NetParams:   params,
	}
	if change > 0 {
		// Change returns to the commitment address itself.
		changeAddr, err := timelock.Address(script, params)
		if err != nil {
			return "", err
		}
		spend.ChangeAddr = changeAddr
	}

	tx, err := timelock.BuildAndSign(spend, priv)
	if err != nil {
		return "", err
	}
	rawHex, err := serializeTxHex(tx)
	if err != nil {
		return "", err
	}
	txid, err := txmonitor.BroadcastWithRetry(ctx, e.esp, rawHex)
	if err != nil {
		return "", err
	}
	log.Infof("lifecycle: timelock spend broadcast for switch %x: %s", p.SwitchID, txid)
	return txid.String(), nil
}

// serializeTxHex renders a transaction as the raw hex an esplora POST /tx
// endpoint expects.
func serializeTxHex(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", corerr.Wrap(corerr.KindInvalidInput, "failed to serialize transaction", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
