package custodian

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/echolock/core/internal/corerr"
	"github.com/stretchr/testify/require"
)

type signer struct {
	id   string
	priv *btcec.PrivateKey
}

func threeCustodians(t require.TestingT) ([]signer, []Custodian) {
	signers := make([]signer, 3)
	custodians := make([]Custodian, 3)
	for i := 0; i < 3; i++ {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		signers[i] = signer{id: string(rune('a' + i)), priv: priv}
		custodians[i] = Custodian{ID: signers[i].id, PubKey: priv.PubKey()}
	}
	return signers, custodians
}

func runQuorum(t require.TestingT, signers []signer, custodians []Custodian, threshold int, message []byte) (*QuorumSession, *AggregateSignature) {
	session, err := NewQuorumSession(custodians, threshold, message, time.Minute)
	require.NoError(t, err)

	reveals := make(map[string]*btcec.PublicKey)
	for _, s := range signers[:threshold] {
		k, _, err := session.CommitNonce(s.id)
		require.NoError(t, err)
		reveals[s.id] = scalarMultG(k)
	}
	for id, r := range reveals {
		require.NoError(t, session.RevealNonce(id, r))
	}

	for _, s := range signers[:threshold] {
		_, err := session.SignPartial(s.id, s.priv)
		require.NoError(t, err)
	}

	sig, err := session.Finalize()
	require.NoError(t, err)
	return session, sig
}

func TestQuorumSessionSignAndVerify(t *testing.T) {
	signers, custodians := threeCustodians(t)
	message := []byte("release-event-id")

	session, sig := runQuorum(t, signers, custodians, 2, message)
	require.True(t, session.Verify(sig))
}

func TestQuorumSessionRejectsBadThreshold(t *testing.T) {
	_, custodians := threeCustodians(t)
	_, err := NewQuorumSession(custodians, 5, []byte("m"), time.Minute)
	require.Equal(t, corerr.KindInvalidInput, corerr.KindOf(err))
}

func TestQuorumSessionRejectsMismatchedSigningKey(t *testing.T) {
	signers, custodians := threeCustodians(t)
	session, err := NewQuorumSession(custodians, 2, []byte("m"), time.Minute)
	require.NoError(t, err)

	_, _, err = session.CommitNonce(signers[0].id)
	require.NoError(t, err)
	k, _, err := session.CommitNonce(signers[0].id)
	require.NoError(t, err)
	require.NoError(t, session.RevealNonce(signers[0].id, scalarMultG(k)))

	otherPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	_, err = session.SignPartial(signers[0].id, otherPriv)
	require.Equal(t, corerr.KindInvalidInput, corerr.KindOf(err))
}

func TestAggregatePubKeyIsSumOfParticipants(t *testing.T) {
	_, custodians := threeCustodians(t)
	agg, err := aggregatePubKeys(custodians)
	require.NoError(t, err)
	require.NotNil(t, agg)

	// Summing in a different order must yield the same point (EC point
	// addition commutes).
	reordered := []Custodian{custodians[2], custodians[0], custodians[1]}
	agg2, err := aggregatePubKeys(reordered)
	require.NoError(t, err)
	require.True(t, agg.IsEqual(agg2))
}
