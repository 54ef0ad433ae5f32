package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/echolock/core/internal/corerr"
	"github.com/echolock/core/internal/esplora"
	"github.com/echolock/core/internal/relay"
	"github.com/stretchr/testify/require"
)

func sevenRelayURLs() []string {
	return []string{"r1", "r2", "r3", "r4", "r5", "r6", "r7"}
}

func newRelayClient(t require.TestingT) (*relay.Client, *relay.MemTransport) {
	transport := relay.NewMemTransport()
	c, err := relay.NewClient(relay.ClientConfig{RelayURLs: sevenRelayURLs(), MinPublishAcks: 5}, transport)
	require.NoError(t, err)
	return c, transport
}

func signedEvent(t require.TestingT) *relay.Event {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	e, err := relay.New(priv, relay.KindShareStorage, time.Now().Unix(), nil, "payload")
	require.NoError(t, err)
	return e
}

func fastPolicy() Policy {
	p := DefaultPolicy()
	p.PollInterval = 5 * time.Millisecond
	p.MaxWait = 500 * time.Millisecond
	return p
}

func TestCoordinatorCommitsOnHappyPath(t *testing.T) {
	relayClient, _ := newRelayClient(t)
	defer relayClient.Close()

	esp := esplora.NewMockClient()
	txid := chainhash.Hash{1, 2, 3}
	esp.BroadcastTxID = txid
	esp.TxStatuses[txid] = &esplora.TxStatus{Confirmed: true, BlockHeight: 500}
	esp.TipHeightValue = 501

	c := New(fastPolicy(), esp, relayClient)
	events := []ShareEvent{{Event: signedEvent(t), MinAcks: 5}}

	res := c.Run(context.Background(), "deadbeef", events)
	require.NoError(t, res.Err)
	require.Equal(t, StateCommitted, res.State)
	require.Equal(t, txid, res.BitcoinTxID)
	require.NotNil(t, res.Proof)
}

func TestCoordinatorWaitsForConfiguredConfirmationDepth(t *testing.T) {
	relayClient, _ := newRelayClient(t)
	defer relayClient.Close()

	esp := esplora.NewMockClient()
	txid := chainhash.Hash{6, 6, 6}
	esp.BroadcastTxID = txid
	esp.TxStatuses[txid] = &esplora.TxStatus{Confirmed: true, BlockHeight: 500}
	esp.TipHeightValue = 501 // depth 2; production target of 6 not yet met

	policy := fastPolicy()
	policy.MinConfirmations = 6
	c := New(policy, esp, relayClient)
	events := []ShareEvent{{Event: signedEvent(t), MinAcks: 5}}

	results := make(chan Result, 1)
	go func() { results <- c.Run(context.Background(), "deadbeef", events) }()

	select {
	case res := <-results:
		t.Fatalf("coordinator terminated at depth 2 with 6 confirmations required: %+v", res)
	case <-time.After(50 * time.Millisecond):
		require.Equal(t, StatePhase1Broadcasting, c.Current())
	}

	esp.SetTipHeight(505) // depth 6 reached

	select {
	case res := <-results:
		require.NoError(t, res.Err)
		require.Equal(t, StateCommitted, res.State)
		require.NotNil(t, res.Proof)
		require.Equal(t, uint32(6), res.Proof.Confirmations,
			"proof must record the observed depth")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for depth-6 commit")
	}
}

func TestCoordinatorFailsOnBroadcastRejection(t *testing.T) {
	relayClient, _ := newRelayClient(t)
	defer relayClient.Close()

	esp := esplora.NewMockClient()
	esp.BroadcastErr = corerr.New(corerr.KindBitcoinBroadcastRejected, "double spend")

	c := New(fastPolicy(), esp, relayClient)
	res := c.Run(context.Background(), "deadbeef", nil)
	require.Error(t, res.Err)
	require.Equal(t, StateFailed, res.State)
	require.Equal(t, corerr.KindBitcoinBroadcastRejected, corerr.KindOf(res.Err))
}

func TestCoordinatorFailsOnConfirmationTimeout(t *testing.T) {
	relayClient, _ := newRelayClient(t)
	defer relayClient.Close()

	esp := esplora.NewMockClient()
	txid := chainhash.Hash{4, 5, 6}
	esp.BroadcastTxID = txid
	// never populate TxStatuses[txid] -> confirmation never arrives.

	policy := fastPolicy()
	policy.MaxWait = 30 * time.Millisecond
	policy.PollInterval = 5 * time.Millisecond
	c := New(policy, esp, relayClient)

	res := c.Run(context.Background(), "deadbeef", nil)
	require.Error(t, res.Err)
	require.Equal(t, StateFailed, res.State)
	require.Equal(t, txid, res.BitcoinTxID)
}

func TestCoordinatorPreservesBitcoinTxIDOnPhase2UnderAck(t *testing.T) {
	transport := relay.NewMemTransport()
	for _, u := range []string{"r3", "r4", "r5"} {
		transport.SetDown(u, true)
	}
	relayClient, err := relay.NewClient(relay.ClientConfig{RelayURLs: sevenRelayURLs(), MinPublishAcks: 5}, transport)
	require.NoError(t, err)
	defer relayClient.Close()

	esp := esplora.NewMockClient()
	txid := chainhash.Hash{7, 8, 9}
	esp.BroadcastTxID = txid
	esp.TxStatuses[txid] = &esplora.TxStatus{Confirmed: true, BlockHeight: 500}
	esp.TipHeightValue = 501

	c := New(fastPolicy(), esp, relayClient)
	events := []ShareEvent{{Event: signedEvent(t), MinAcks: 5}}

	res := c.Run(context.Background(), "deadbeef", events)
	require.Error(t, res.Err)
	require.Equal(t, StateFailed, res.State)
	require.Equal(t, txid, res.BitcoinTxID, "bitcoin commitment must be visible even when phase 2 fails")
}

func TestCoordinatorRejectsPhase2WithoutBitcoinWhenPolicyForbids(t *testing.T) {
	relayClient, _ := newRelayClient(t)
	defer relayClient.Close()

	policy := fastPolicy()
	policy.BitcoinEnabled = false
	policy.AllowPublishWithoutBitcoin = false
	c := New(policy, esplora.NewMockClient(), relayClient)

	res := c.Run(context.Background(), "", nil)
	require.Error(t, res.Err)
	require.Equal(t, StateFailed, res.State)
}

func TestCoordinatorRejectsReentryFromTerminalState(t *testing.T) {
	relayClient, _ := newRelayClient(t)
	defer relayClient.Close()

	esp := esplora.NewMockClient()
	txid := chainhash.Hash{1}
	esp.BroadcastTxID = txid
	esp.TxStatuses[txid] = &esplora.TxStatus{Confirmed: true, BlockHeight: 10}
	esp.TipHeightValue = 11

	c := New(fastPolicy(), esp, relayClient)
	events := []ShareEvent{{Event: signedEvent(t), MinAcks: 5}}

	res := c.Run(context.Background(), "deadbeef", events)
	require.Equal(t, StateCommitted, res.State)

	res2 := c.Run(context.Background(), "deadbeef", events)
	require.Error(t, res2.Err)
	require.Equal(t, corerr.KindInvalidInput, corerr.KindOf(res2.Err))
}

func TestRollbackOnlyValidFromFailed(t *testing.T) {
	relayClient, _ := newRelayClient(t)
	defer relayClient.Close()

	esp := esplora.NewMockClient()
	esp.BroadcastErr = corerr.New(corerr.KindBitcoinBroadcastRejected, "double spend")
	c := New(fastPolicy(), esp, relayClient)

	res := c.Run(context.Background(), "deadbeef", nil)
	require.Equal(t, StateFailed, res.State)

	require.NoError(t, c.Rollback(context.Background()))
	require.Equal(t, StateRolledBack, c.Current())

	require.Error(t, c.Rollback(context.Background()))
}
