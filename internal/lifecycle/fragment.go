package lifecycle

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/echolock/core/internal/corerr"
	"github.com/echolock/core/internal/payload"
	"github.com/echolock/core/internal/relay"
	"github.com/echolock/core/internal/shamir"
)

// fragmentVersion is the serialization version of a Fragment.
const fragmentVersion byte = 1

// Fragment is the unit published to relays for one custodian: an
// authenticated share bundled with the encrypted message payload, so any
// t custodians can reconstruct the key and decrypt without fetching
// anything beyond their own events.
type Fragment struct {
	Share   *shamir.AuthenticatedShare
	Payload *payload.AtomicPayload
}

// MarshalBinary encodes the fragment canonically:
// version(1) ‖ index(4 BE) ‖ share(32) ‖ hmac(32) ‖ payload.
func (f *Fragment) MarshalBinary() ([]byte, error) {
	if len(f.Share.Bytes) != shamir.SecretSize {
		return nil, corerr.New(corerr.KindInvalidInput, "share bytes must be 32 bytes")
	}
	if len(f.Share.HMAC) != 32 {
		return nil, corerr.New(corerr.KindInvalidInput, "share hmac must be 32 bytes")
	}
	pb, err := f.Payload.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+4+32+32+len(pb))
	buf = append(buf, fragmentVersion)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(f.Share.Index))
	buf = append(buf, idx[:]...)
	buf = append(buf, f.Share.Bytes...)
	buf = append(buf, f.Share.HMAC...)
	buf = append(buf, pb...)
	return buf, nil
}

// UnmarshalFragment parses a MarshalBinary blob. The embedded payload's
// structural checks run here; its integrity hash and the share's HMAC are
// verified by the caller.
func UnmarshalFragment(data []byte) (*Fragment, error) {
	const headerLen = 1 + 4 + 32 + 32
	if len(data) < headerLen {
		return nil, corerr.New(corerr.KindInvalidInput, "fragment truncated")
	}
	if data[0] != fragmentVersion {
		return nil, corerr.Wrap(corerr.KindUnsupportedVersion, fmt.Sprintf("unsupported fragment version %d", data[0]), corerr.ErrUnsupportedVersion)
	}
	index := binary.BigEndian.Uint32(data[1:5])
	shareBytes := append([]byte{}, data[5:37]...)
	hmac := append([]byte{}, data[37:69]...)

	p, err := payload.UnmarshalBinary(data[headerLen:])
	if err != nil {
		return nil, err
	}
	return &Fragment{
		Share:   &shamir.AuthenticatedShare{Index: uint(index), Bytes: shareBytes, HMAC: hmac},
		Payload: p,
	}, nil
}

// fragmentDTag returns the per-share replaceable-event key, switch_id:index.
func fragmentDTag(switchID [16]byte, index uint) string {
	return fmt.Sprintf("%s:%d", hex.EncodeToString(switchID[:]), index)
}

// switchDTagPrefix is the d-tag prefix shared by every fragment event of a
// switch, used to recognize the switch's events on fetch.
func switchDTagPrefix(switchID [16]byte) string {
	return hex.EncodeToString(switchID[:]) + ":"
}

// parseFragmentDTag extracts the share index from a fragment event's
// d-tag, given the expected switch prefix.
func parseFragmentDTag(d string, prefix string) (uint, bool) {
	if !strings.HasPrefix(d, prefix) {
		return 0, false
	}
	idx, err := strconv.ParseUint(d[len(prefix):], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint(idx), true
}

// fragmentTags builds the tag set of a fragment event: d=switch_id:index,
// expiration for relay GC, and btc_txid when a Bitcoin commitment exists.
func fragmentTags(switchID [16]byte, index uint, expiry time.Time, btcTxID string) []relay.Tag {
	tags := []relay.Tag{
		{Key: "d", Value: fragmentDTag(switchID, index)},
		{Key: "expiration", Value: strconv.FormatInt(expiry.Unix(), 10)},
	}
	if btcTxID != "" {
		tags = append(tags, relay.Tag{Key: "btc_txid", Value: btcTxID})
	}
	return tags
}

// encodeFragmentContent returns the base64 event content for a fragment.
func encodeFragmentContent(f *Fragment) (string, error) {
	b, err := f.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// decodeFragmentContent reverses encodeFragmentContent.
func decodeFragmentContent(content string) (*Fragment, error) {
	b, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "fragment content is not valid base64", err)
	}
	return UnmarshalFragment(b)
}
