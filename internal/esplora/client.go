// Package esplora implements a client for the esplora-compatible Bitcoin
// HTTP API: GET /blocks/tip/height, GET /address/{a}/utxo, POST /tx,
// GET /tx/{txid}, GET /fee-estimates.
package esplora

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/echolock/core/internal/corerr"
)

// Utxo mirrors the subset of an esplora /address/{a}/utxo entry this
// module needs.
type Utxo struct {
	TxID  chainhash.Hash
	Vout  uint32
	Value int64
}

type utxoJSON struct {
	TxID  string `json:"txid"`
	Vout  uint32 `json:"vout"`
	Value int64  `json:"value"`
}

// TxStatus mirrors the subset of an esplora /tx/{txid} response this
// module needs for transaction monitoring.
type TxStatus struct {
	Confirmed   bool
	BlockHeight uint32
	BlockHash   string
}

type txJSON struct {
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight uint32 `json:"block_height"`
		BlockHash   string `json:"block_hash"`
	} `json:"status"`
}

// Client is the pluggable Bitcoin data interface. HTTPClient below is
// the production implementation; MockClient (in mock.go) satisfies the
// same interface for unit tests.
type Client interface {
	TipHeight(ctx context.Context) (uint32, error)
	AddressUtxos(ctx context.Context, address string) ([]Utxo, error)
	Broadcast(ctx context.Context, rawTxHex string) (chainhash.Hash, error)
	TxStatus(ctx context.Context, txid chainhash.Hash) (*TxStatus, error)
	FeeEstimates(ctx context.Context) (map[int]float64, error)
}

// HTTPClient talks to a real esplora instance over net/http.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

const defaultTimeout = 30 * time.Second

// NewHTTPClient builds a Client against baseURL (e.g.
// "https://blockstream.info/testnet/api"). Every request carries an
// explicit timeout.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

func (c *HTTPClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to build esplora request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindNetworkTransient, "esplora request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindNetworkTransient, "failed to read esplora response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, corerr.New(corerr.KindNetworkTransient, fmt.Sprintf("esplora %s returned %d: %s", path, resp.StatusCode, string(body)))
	}
	return body, nil
}

func (c *HTTPClient) TipHeight(ctx context.Context) (uint32, error) {
	body, err := c.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseUint(strings.TrimSpace(string(body)), 10, 32)
	if err != nil {
		return 0, corerr.Wrap(corerr.KindNetworkTransient, "malformed tip height response", err)
	}
	return uint32(height), nil
}

func (c *HTTPClient) AddressUtxos(ctx context.Context, address string) ([]Utxo, error) {
	body, err := c.get(ctx, "/address/"+address+"/utxo")
	if err != nil {
		return nil, err
	}
	var raw []utxoJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, corerr.Wrap(corerr.KindNetworkTransient, "malformed utxo response", err)
	}
	out := make([]Utxo, len(raw))
	for i, u := range raw {
		h, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, corerr.Wrap(corerr.KindNetworkTransient, "malformed utxo txid", err)
		}
		out[i] = Utxo{TxID: *h, Vout: u.Vout, Value: u.Value}
	}
	return out, nil
}

func (c *HTTPClient) Broadcast(ctx context.Context, rawTxHex string) (chainhash.Hash, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tx", strings.NewReader(rawTxHex))
	if err != nil {
		return chainhash.Hash{}, corerr.Wrap(corerr.KindInvalidInput, "failed to build broadcast request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return chainhash.Hash{}, corerr.Wrap(corerr.KindNetworkTransient, "broadcast request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return chainhash.Hash{}, corerr.Wrap(corerr.KindNetworkTransient, "failed to read broadcast response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return chainhash.Hash{}, classifyBroadcastError(resp.StatusCode, string(body))
	}

	h, err := chainhash.NewHashFromStr(strings.TrimSpace(string(body)))
	if err != nil {
		return chainhash.Hash{}, corerr.Wrap(corerr.KindNetworkTransient, "malformed broadcast response", err)
	}
	return *h, nil
}

// classifyBroadcastError distinguishes content-class errors (reject, no
// retry) from network-class ones (retry).
func classifyBroadcastError(status int, body string) error {
	lower := strings.ToLower(body)
	if strings.Contains(lower, "already in mempool") || strings.Contains(lower, "double spend") ||
		strings.Contains(lower, "conflict") || strings.Contains(lower, "bad-txns") {
		return corerr.New(corerr.KindBitcoinBroadcastRejected, fmt.Sprintf("broadcast rejected (%d): %s", status, body))
	}
	return corerr.New(corerr.KindNetworkTransient, fmt.Sprintf("broadcast failed (%d): %s", status, body))
}

func (c *HTTPClient) TxStatus(ctx context.Context, txid chainhash.Hash) (*TxStatus, error) {
	body, err := c.get(ctx, "/tx/"+txid.String())
	if err != nil {
		return nil, err
	}
	var raw txJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, corerr.Wrap(corerr.KindNetworkTransient, "malformed tx status response", err)
	}
	return &TxStatus{
		Confirmed:   raw.Status.Confirmed,
		BlockHeight: raw.Status.BlockHeight,
		BlockHash:   raw.Status.BlockHash,
	}, nil
}

func (c *HTTPClient) FeeEstimates(ctx context.Context) (map[int]float64, error) {
	body, err := c.get(ctx, "/fee-estimates")
	if err != nil {
		return nil, err
	}
	var raw map[string]float64
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, corerr.Wrap(corerr.KindNetworkTransient, "malformed fee estimates response", err)
	}
	out := make(map[int]float64, len(raw))
	for k, v := range raw {
		target, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[target] = v
	}
	return out, nil
}
