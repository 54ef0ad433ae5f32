package lifecycle

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/echolock/core/internal/config"
	"github.com/echolock/core/internal/corerr"
	"github.com/echolock/core/internal/esplora"
	"github.com/echolock/core/internal/relay"
	"github.com/echolock/core/internal/store"
	"github.com/echolock/core/internal/switchstate"
)

type sentMessage struct {
	Recipient string
	Title     string
	Plaintext string
}

type captureNotifier struct {
	mu      sync.Mutex
	sent    []sentMessage
	failFor map[string]bool
}

func (n *captureNotifier) Send(recipient, title string, plaintext []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failFor[recipient] {
		return corerr.New(corerr.KindNetworkTransient, "mailbox unreachable")
	}
	n.sent = append(n.sent, sentMessage{Recipient: recipient, Title: title, Plaintext: string(plaintext)})
	return nil
}

type funderFunc func(ctx context.Context, address string, amountSats int64) (string, error)

func (f funderFunc) Fund(ctx context.Context, address string, amountSats int64) (string, error) {
	return f(ctx, address, amountSats)
}

func sevenRelayURLs() []string {
	return []string{"r1", "r2", "r3", "r4", "r5", "r6", "r7"}
}

type testHarness struct {
	engine    *Engine
	transport *relay.MemTransport
	relays    *relay.Client
	store     *store.LevelDBStore
	esp       *esplora.MockClient
	notifier  *captureNotifier
	eventKey  *btcec.PrivateKey
	ownerKey  *btcec.PrivateKey
	clock     *time.Time
}

func newHarness(t *testing.T, funder Funder) *testHarness {
	t.Helper()

	cfg := config.Default()
	cfg.RelayURLs = sevenRelayURLs()
	cfg.AllowPublishWithoutBTC = true
	cfg.PollIntervalSeconds = 1
	cfg.MaxWaitSeconds = 10

	transport := relay.NewMemTransport()
	relays, err := relay.NewClient(relay.ClientConfig{RelayURLs: cfg.RelayURLs, MinPublishAcks: cfg.MinPublishAcks}, transport)
	require.NoError(t, err)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	esp := esplora.NewMockClient()
	notifier := &captureNotifier{failFor: make(map[string]bool)}

	eventKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	ownerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	engine, err := NewEngine(cfg, st, relays, esp, notifier, funder, eventKey)
	require.NoError(t, err)

	now := time.Now()
	engine.now = func() time.Time { return now }

	return &testHarness{
		engine:    engine,
		transport: transport,
		relays:    relays,
		store:     st,
		esp:       esp,
		notifier:  notifier,
		eventKey:  eventKey,
		ownerKey:  ownerKey,
		clock:     &now,
	}
}

func (h *testHarness) advance(d time.Duration) {
	*h.clock = h.clock.Add(d)
}

func localCreateParams(h *testHarness) CreateParams {
	return CreateParams{
		Message:      []byte("hello world"),
		Password:     "correct horse battery staple",
		Title:        "last words",
		CheckInHours: 0.01, // 36 seconds
		Threshold:    switchstate.Threshold{N: 5, T: 3},
		Recipients:   []string{"alice@example.org"},
		OwnerPub:     h.ownerKey.PubKey(),
	}
}

func createLocal(t *testing.T, h *testHarness) [16]byte {
	t.Helper()
	res, err := h.engine.Create(context.Background(), localCreateParams(h))
	require.NoError(t, err)
	return res.ID
}

func triggerSwitch(t *testing.T, h *testHarness, id [16]byte) {
	t.Helper()
	h.advance(40 * time.Second)
	triggered, err := h.engine.Sweep(context.Background())
	require.NoError(t, err)
	require.Contains(t, triggered, id)
}

func switchState(t *testing.T, h *testHarness, id [16]byte) string {
	t.Helper()
	st, err := h.store.Get(id)
	require.NoError(t, err)
	return st.Switch.State()
}

func TestCreateAndReleaseHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	id := createLocal(t, h)

	st, err := h.store.Get(id)
	require.NoError(t, err)
	require.Equal(t, switchstate.StateArmed, st.Switch.State())
	require.Len(t, st.Switch.SharesMeta, 5)
	require.Equal(t, "last words", st.Switch.Title)
	require.NotEmpty(t, st.AuthKeyWrapped)

	triggerSwitch(t, h, id)
	require.Equal(t, switchstate.StateTriggered, switchState(t, h, id))

	res, err := h.engine.Release(context.Background(), id, "correct horse battery staple")
	require.NoError(t, err)
	require.Equal(t, 1, res.Delivered)
	require.Equal(t, switchstate.StateReleased, switchState(t, h, id))

	require.Len(t, h.notifier.sent, 1)
	require.Equal(t, "hello world", h.notifier.sent[0].Plaintext)
	require.Equal(t, "last words", h.notifier.sent[0].Title)
	require.Equal(t, "alice@example.org", h.notifier.sent[0].Recipient)
}

func TestReleaseIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	id := createLocal(t, h)
	triggerSwitch(t, h, id)

	_, err := h.engine.Release(context.Background(), id, "correct horse battery staple")
	require.NoError(t, err)

	res, err := h.engine.Release(context.Background(), id, "correct horse battery staple")
	require.NoError(t, err)
	require.Zero(t, res.Delivered)
	require.Len(t, h.notifier.sent, 1, "recipients must not be notified twice")
}

func TestHeartbeatPreventsTrigger(t *testing.T) {
	h := newHarness(t, nil)
	id := createLocal(t, h)

	before, err := h.store.Get(id)
	require.NoError(t, err)

	h.advance(30 * time.Second)
	hb := switchstate.SignHeartbeat(h.ownerKey, id, 1)
	require.NoError(t, h.engine.Heartbeat(context.Background(), hb))

	after, err := h.store.Get(id)
	require.NoError(t, err)
	require.True(t, after.Switch.ExpiresAt.After(before.Switch.ExpiresAt),
		"heartbeat must advance expiry by one check-in interval")

	h.advance(10 * time.Second) // 40s after creation, 10s after heartbeat
	triggered, err := h.engine.Sweep(context.Background())
	require.NoError(t, err)
	require.Empty(t, triggered)
	require.Equal(t, switchstate.StateArmed, switchState(t, h, id))
}

func TestHeartbeatAfterExpiryRejected(t *testing.T) {
	h := newHarness(t, nil)
	id := createLocal(t, h)

	h.advance(40 * time.Second)
	hb := switchstate.SignHeartbeat(h.ownerKey, id, 1)
	err := h.engine.Heartbeat(context.Background(), hb)
	require.Error(t, err)
	require.Equal(t, corerr.KindInvalidInput, corerr.KindOf(err))
}

func TestHeartbeatReplayRejected(t *testing.T) {
	h := newHarness(t, nil)
	id := createLocal(t, h)

	hb := switchstate.SignHeartbeat(h.ownerKey, id, 1)
	require.NoError(t, h.engine.Heartbeat(context.Background(), hb))

	// Same nonce again: replay, rejected even across a store round-trip.
	err := h.engine.Heartbeat(context.Background(), hb)
	require.Error(t, err)
}

func TestHeartbeatWrongKeyRejected(t *testing.T) {
	h := newHarness(t, nil)
	id := createLocal(t, h)

	intruder, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	hb := switchstate.SignHeartbeat(intruder, id, 1)
	require.Error(t, h.engine.Heartbeat(context.Background(), hb))
}

func TestReleaseWrongPassword(t *testing.T) {
	h := newHarness(t, nil)
	id := createLocal(t, h)
	triggerSwitch(t, h, id)

	_, err := h.engine.Release(context.Background(), id, "wrong")
	require.Error(t, err)
	require.Equal(t, corerr.KindDecryptAuthFail, corerr.KindOf(err))
	require.Equal(t, switchstate.StateTriggered, switchState(t, h, id))
	require.Empty(t, h.notifier.sent)
}

func TestReleaseBeforeTriggerRejected(t *testing.T) {
	h := newHarness(t, nil)
	id := createLocal(t, h)

	_, err := h.engine.Release(context.Background(), id, "correct horse battery staple")
	require.Error(t, err)
	require.Equal(t, corerr.KindInvalidInput, corerr.KindOf(err))
}

// supersedeFragment publishes a replacement event for one share index,
// exploiting the replaceable-event rule (same author, kind, d-tag; newer
// created_at wins).
func supersedeFragment(t *testing.T, h *testHarness, id [16]byte, index uint, content string) {
	t.Helper()
	tags := fragmentTags(id, index, h.clock.Add(relayRetention), "")
	ev, err := relay.New(h.eventKey, relay.KindMessagePayload, h.clock.Unix()+100, tags, content)
	require.NoError(t, err)
	require.NoError(t, h.relays.Publish(context.Background(), ev, 5))
}

func TestReleaseInsufficientShares(t *testing.T) {
	h := newHarness(t, nil)
	id := createLocal(t, h)
	triggerSwitch(t, h, id)

	// Supersede three of the five fragments with garbage, leaving only two
	// intact shares where the threshold requires three.
	for _, idx := range []uint{3, 4, 5} {
		supersedeFragment(t, h, id, idx, "not base64 at all!!!")
	}

	_, err := h.engine.Release(context.Background(), id, "correct horse battery staple")
	require.Error(t, err)
	require.Equal(t, corerr.KindInsufficientShares, corerr.KindOf(err))
	require.Equal(t, switchstate.StateTriggered, switchState(t, h, id))
}

func TestReleaseTamperedShareAborts(t *testing.T) {
	h := newHarness(t, nil)
	id := createLocal(t, h)
	triggerSwitch(t, h, id)

	// Recover the index-2 fragment from the relays, flip one byte of its
	// share, and republish it as the newest version of that event.
	events, err := h.relays.Fetch(context.Background(), relay.Filter{
		Kind:   relay.KindMessagePayload,
		Author: h.engine.authorKey(),
		DTag:   fragmentDTag(id, 2),
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	frag, err := decodeFragmentContent(events[0].Content)
	require.NoError(t, err)
	frag.Share.Bytes[7] ^= 0x01
	raw, err := frag.MarshalBinary()
	require.NoError(t, err)
	supersedeFragment(t, h, id, 2, base64.StdEncoding.EncodeToString(raw))

	_, err = h.engine.Release(context.Background(), id, "correct horse battery staple")
	require.Error(t, err)
	require.Equal(t, corerr.KindShareInvalid, corerr.KindOf(err))
	require.Contains(t, err.Error(), "2", "failing share index must be reported")
	require.Equal(t, switchstate.StateTriggered, switchState(t, h, id))
}

func TestReleaseFailsWhenNoRecipientReachable(t *testing.T) {
	h := newHarness(t, nil)
	h.notifier.failFor["alice@example.org"] = true
	id := createLocal(t, h)
	triggerSwitch(t, h, id)

	_, err := h.engine.Release(context.Background(), id, "correct horse battery staple")
	require.Error(t, err)
	require.Equal(t, switchstate.StateTriggered, switchState(t, h, id),
		"release pipeline must stay re-invocable after delivery failure")

	h.notifier.failFor["alice@example.org"] = false
	res, err := h.engine.Release(context.Background(), id, "correct horse battery staple")
	require.NoError(t, err)
	require.Equal(t, 1, res.Delivered)
}

func TestCancelMakesSwitchTerminal(t *testing.T) {
	h := newHarness(t, nil)
	id := createLocal(t, h)

	require.NoError(t, h.engine.Cancel(context.Background(), id))
	require.Equal(t, switchstate.StateCancelled, switchState(t, h, id))

	hb := switchstate.SignHeartbeat(h.ownerKey, id, 1)
	require.Error(t, h.engine.Heartbeat(context.Background(), hb))

	_, err := h.engine.Release(context.Background(), id, "correct horse battery staple")
	require.Error(t, err)

	require.NoError(t, h.engine.Delete(id))
	_, err = h.store.Get(id)
	require.Error(t, err)
}

func TestCreateRejectsBadInputs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	p := localCreateParams(h)
	p.Password = ""
	_, err := h.engine.Create(ctx, p)
	require.Equal(t, corerr.KindInvalidInput, corerr.KindOf(err))

	p = localCreateParams(h)
	p.Message = nil
	_, err = h.engine.Create(ctx, p)
	require.Equal(t, corerr.KindInvalidInput, corerr.KindOf(err))

	p = localCreateParams(h)
	p.Threshold = switchstate.Threshold{N: 20, T: 3}
	_, err = h.engine.Create(ctx, p)
	require.Equal(t, corerr.KindInvalidInput, corerr.KindOf(err))

	p = localCreateParams(h)
	p.Recipients = nil
	_, err = h.engine.Create(ctx, p)
	require.Equal(t, corerr.KindInvalidInput, corerr.KindOf(err))
}

func bitcoinCreateParams(h *testHarness) CreateParams {
	p := localCreateParams(h)
	p.CheckInHours = 2 // ceil(2*6) = 12 blocks past tip
	p.UseBitcoin = true
	p.CommitAmountSats = 100_000
	return p
}

func TestCreateWithBitcoinCommitment(t *testing.T) {
	txid := chainhash.Hash{0xab, 0xcd}

	var h *testHarness
	funder := funderFunc(func(ctx context.Context, address string, amountSats int64) (string, error) {
		require.NotEmpty(t, address)
		require.Equal(t, int64(100_000), amountSats)
		// The commitment confirms at the next block.
		h.esp.SetTipHeight(2_500_001)
		return "0200000000deadbeef", nil
	})
	h = newHarness(t, funder)
	h.esp.TipHeightValue = 2_500_000
	h.esp.BroadcastTxID = txid
	h.esp.TxStatuses[txid] = &esplora.TxStatus{Confirmed: true, BlockHeight: 2_500_001}

	res, err := h.engine.Create(context.Background(), bitcoinCreateParams(h))
	require.NoError(t, err)
	require.Equal(t, txid.String(), res.BitcoinTxID)

	st, err := h.store.Get(res.ID)
	require.NoError(t, err)
	require.NotNil(t, st.Switch.Bitcoin)
	require.Equal(t, txid.String(), st.Switch.Bitcoin.TxID)
	require.Equal(t, uint32(2_500_012), st.Switch.Bitcoin.LocktimeHeight)
	require.Equal(t, uint32(2_500_001), st.Switch.Bitcoin.ConfirmedHeight)
	require.NotEmpty(t, st.PrivkeyWrapped)

	events, err := h.relays.Fetch(context.Background(), relay.Filter{
		Kind:   relay.KindMessagePayload,
		Author: h.engine.authorKey(),
	})
	require.NoError(t, err)
	require.Len(t, events, 5)
	for _, ev := range events {
		tag, ok := ev.Tag("btc_txid")
		require.True(t, ok, "every fragment event must carry the commitment txid")
		require.Equal(t, txid.String(), tag)
	}
}

func TestCreateWithBitcoinWaitsForProductionConfirmationDepth(t *testing.T) {
	txid := chainhash.Hash{0x66, 0x01}
	const bumpDelay = 1500 * time.Millisecond

	var h *testHarness
	funder := funderFunc(func(ctx context.Context, address string, amountSats int64) (string, error) {
		// The commitment confirms immediately, but the chain only reaches
		// the required depth of 6 after bumpDelay.
		h.esp.SetTipHeight(2_500_003)
		go func() {
			time.Sleep(bumpDelay)
			h.esp.SetTipHeight(2_500_006)
		}()
		return "0200000000deadbeef", nil
	})
	h = newHarness(t, funder)
	h.engine.cfg.MinConfirmations = 6
	h.esp.TipHeightValue = 2_500_000
	h.esp.BroadcastTxID = txid
	h.esp.TxStatuses[txid] = &esplora.TxStatus{Confirmed: true, BlockHeight: 2_500_001}

	start := time.Now()
	res, err := h.engine.Create(context.Background(), bitcoinCreateParams(h))
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), bumpDelay,
		"phase 1 must not complete until the chain reaches the configured depth")

	st, err := h.store.Get(res.ID)
	require.NoError(t, err)
	require.Equal(t, txid.String(), st.Switch.Bitcoin.TxID)
	require.Equal(t, uint32(2_500_001), st.Switch.Bitcoin.ConfirmedHeight)
}

func TestCreateFailsOnRelayUnderAckPreservingTxID(t *testing.T) {
	txid := chainhash.Hash{0x07, 0x08}

	var h *testHarness
	funder := funderFunc(func(ctx context.Context, address string, amountSats int64) (string, error) {
		h.esp.SetTipHeight(2_500_001)
		return "0200000000deadbeef", nil
	})
	h = newHarness(t, funder)
	h.esp.TipHeightValue = 2_500_000
	h.esp.BroadcastTxID = txid
	h.esp.TxStatuses[txid] = &esplora.TxStatus{Confirmed: true, BlockHeight: 2_500_001}

	// Only 4 of 7 relays reachable; 5 acks are required.
	for _, u := range []string{"r5", "r6", "r7"} {
		h.transport.SetDown(u, true)
	}

	res, err := h.engine.Create(context.Background(), bitcoinCreateParams(h))
	require.Error(t, err)
	require.Equal(t, corerr.KindRelayInsufficientAcks, corerr.KindOf(err))
	require.Equal(t, txid.String(), res.BitcoinTxID,
		"the dangling on-chain commitment must be reported to the caller")

	ids, err := h.store.List()
	require.NoError(t, err)
	require.Empty(t, ids, "no switch may be persisted after a failed commit")
}

func TestSpendTimelock(t *testing.T) {
	commitTxid := chainhash.Hash{0x11, 0x22}

	var h *testHarness
	funder := funderFunc(func(ctx context.Context, address string, amountSats int64) (string, error) {
		h.esp.SetTipHeight(2_500_001)
		return "0200000000deadbeef", nil
	})
	h = newHarness(t, funder)
	h.esp.TipHeightValue = 2_500_000
	h.esp.BroadcastTxID = commitTxid
	h.esp.TxStatuses[commitTxid] = &esplora.TxStatus{Confirmed: true, BlockHeight: 2_500_001}

	res, err := h.engine.Create(context.Background(), bitcoinCreateParams(h))
	require.NoError(t, err)

	st, err := h.store.Get(res.ID)
	require.NoError(t, err)
	commitAddr := st.Switch.Bitcoin.Address

	// The locktime plus its age margin has passed and the commitment UTXO
	// is spendable.
	spendTxid := chainhash.Hash{0x33, 0x44}
	h.esp.TipHeightValue = st.Switch.Bitcoin.LocktimeHeight + 30
	h.esp.BroadcastTxID = spendTxid
	h.esp.Utxos[commitAddr] = []esplora.Utxo{{TxID: chainhash.Hash{0x55}, Vout: 0, Value: 200_000}}

	destKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	dest, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(destKey.PubKey().SerializeCompressed()), &chaincfg.TestNet3Params)
	require.NoError(t, err)

	got, err := h.engine.SpendTimelock(context.Background(), SpendParams{
		SwitchID:     res.ID,
		Password:     "correct horse battery staple",
		Destination:  dest.EncodeAddress(),
		AmountSats:   50_000,
		TargetBlocks: 6,
	})
	require.NoError(t, err)
	require.Equal(t, spendTxid.String(), got)

	// The commitment broadcast and the spend broadcast both went out.
	require.Len(t, h.esp.Broadcasts, 2)
	require.False(t, strings.EqualFold(h.esp.Broadcasts[0], h.esp.Broadcasts[1]))
}

func TestSpendTimelockWrongPassword(t *testing.T) {
	commitTxid := chainhash.Hash{0x99, 0x88}

	var h *testHarness
	funder := funderFunc(func(ctx context.Context, address string, amountSats int64) (string, error) {
		h.esp.SetTipHeight(2_500_001)
		return "0200000000deadbeef", nil
	})
	h = newHarness(t, funder)
	h.esp.TipHeightValue = 2_500_000
	h.esp.BroadcastTxID = commitTxid
	h.esp.TxStatuses[commitTxid] = &esplora.TxStatus{Confirmed: true, BlockHeight: 2_500_001}

	res, err := h.engine.Create(context.Background(), bitcoinCreateParams(h))
	require.NoError(t, err)

	st, err := h.store.Get(res.ID)
	require.NoError(t, err)
	h.esp.TipHeightValue = st.Switch.Bitcoin.LocktimeHeight + 30
	h.esp.Utxos[st.Switch.Bitcoin.Address] = []esplora.Utxo{{TxID: chainhash.Hash{0x55}, Vout: 0, Value: 200_000}}

	destKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	dest, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(destKey.PubKey().SerializeCompressed()), &chaincfg.TestNet3Params)
	require.NoError(t, err)

	_, err = h.engine.SpendTimelock(context.Background(), SpendParams{
		SwitchID:     res.ID,
		Password:     "wrong",
		Destination:  dest.EncodeAddress(),
		AmountSats:   50_000,
		TargetBlocks: 6,
	})
	require.Error(t, err)
	require.Equal(t, corerr.KindDecryptAuthFail, corerr.KindOf(err))
}
