package relay

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/echolock/core/internal/corerr"
	"github.com/stretchr/testify/require"
)

func sevenRelays() []string {
	return []string{"r1", "r2", "r3", "r4", "r5", "r6", "r7"}
}

func newSignedEvent(t require.TestingT, kind Kind, dtag string) (*Event, *btcec.PrivateKey) {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	e, err := New(priv, kind, time.Now().Unix(), []Tag{{Key: "d", Value: dtag}}, "content")
	require.NoError(t, err)
	return e, priv
}

func TestEventSignAndVerify(t *testing.T) {
	e, _ := newSignedEvent(t, KindHeartbeat, "switch-1")
	require.NoError(t, e.Verify())
}

func TestEventVerifyRejectsTamperedContent(t *testing.T) {
	e, _ := newSignedEvent(t, KindHeartbeat, "switch-1")
	e.Content = "tampered"
	require.Error(t, e.Verify())
}

func TestClientPublishRequiresMinAcks(t *testing.T) {
	transport := NewMemTransport()
	client, err := NewClient(ClientConfig{RelayURLs: sevenRelays(), MinPublishAcks: 5}, transport)
	require.NoError(t, err)

	e, _ := newSignedEvent(t, KindShareStorage, "switch-1:0")

	err = client.Publish(context.Background(), e, 0)
	require.NoError(t, err)

	fetched, err := client.Fetch(context.Background(), Filter{Kind: KindShareStorage, DTag: "switch-1:0"})
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	require.Equal(t, e.ID, fetched[0].ID)
}

func TestClientPublishFailsWithTooFewHealthyRelays(t *testing.T) {
	transport := NewMemTransport()
	urls := sevenRelays()
	client, err := NewClient(ClientConfig{RelayURLs: urls, MinPublishAcks: 5}, transport)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		transport.SetDown(urls[i], true)
		for j := 0; j < 3; j++ {
			client.health.RecordFailure(urls[i])
		}
	}

	e, _ := newSignedEvent(t, KindShareStorage, "switch-1:0")
	err = client.Publish(context.Background(), e, 5)
	require.Equal(t, corerr.KindInsufficientRelays, corerr.KindOf(err))
}

func TestClientPublishInsufficientAcksWhenRelaysReject(t *testing.T) {
	transport := NewMemTransport()
	urls := sevenRelays()
	client, err := NewClient(ClientConfig{RelayURLs: urls, MinPublishAcks: 5}, transport)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		transport.SetDown(urls[i], true)
	}

	e, _ := newSignedEvent(t, KindShareStorage, "switch-1:0")
	err = client.Publish(context.Background(), e, 5)
	require.Equal(t, corerr.KindRelayInsufficientAcks, corerr.KindOf(err))
}

func TestClientFetchDeduplicatesAcrossRelays(t *testing.T) {
	transport := NewMemTransport()
	urls := sevenRelays()
	client, err := NewClient(ClientConfig{RelayURLs: urls, MinPublishAcks: 5}, transport)
	require.NoError(t, err)

	e, _ := newSignedEvent(t, KindMessagePayload, "switch-2:1")
	require.NoError(t, client.Publish(context.Background(), e, 5))

	fetched, err := client.Fetch(context.Background(), Filter{Kind: KindMessagePayload, DTag: "switch-2:1"})
	require.NoError(t, err)
	require.Len(t, fetched, 1)
}

func TestClientFetchIsRepeatable(t *testing.T) {
	transport := NewMemTransport()
	client, err := NewClient(ClientConfig{RelayURLs: sevenRelays(), MinPublishAcks: 5}, transport)
	require.NoError(t, err)

	e, _ := newSignedEvent(t, KindMessagePayload, "switch-4:1")
	require.NoError(t, client.Publish(context.Background(), e, 5))

	for i := 0; i < 3; i++ {
		fetched, err := client.Fetch(context.Background(), Filter{Kind: KindMessagePayload, DTag: "switch-4:1"})
		require.NoError(t, err)
		require.Len(t, fetched, 1, "a stored event must keep appearing on later fetches")
	}
}

func TestReplaceableEventNewestWins(t *testing.T) {
	transport := NewMemTransport()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	older, err := New(priv, KindHeartbeat, 1000, []Tag{{Key: "d", Value: "switch-3"}}, "")
	require.NoError(t, err)
	newer, err := New(priv, KindHeartbeat, 2000, []Tag{{Key: "d", Value: "switch-3"}}, "")
	require.NoError(t, err)

	require.NoError(t, transport.Publish(context.Background(), "r1", older))
	require.NoError(t, transport.Publish(context.Background(), "r1", newer))

	got, err := transport.Fetch(context.Background(), "r1", Filter{Kind: KindHeartbeat, DTag: "switch-3"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, newer.ID, got[0].ID)
}

func TestHealthTrackerBackoffExcludesRelay(t *testing.T) {
	tracker := NewHealthTracker([]string{"r1"})
	require.True(t, tracker.Healthy("r1"))

	tracker.RecordFailure("r1")
	require.False(t, tracker.Healthy("r1"))

	tracker.RecordSuccess("r1")
	require.True(t, tracker.Healthy("r1"))
}

func TestNewClientRejectsSmallRelaySet(t *testing.T) {
	_, err := NewClient(ClientConfig{RelayURLs: []string{"r1", "r2"}}, NewMemTransport())
	require.Equal(t, corerr.KindInvalidInput, corerr.KindOf(err))
}
