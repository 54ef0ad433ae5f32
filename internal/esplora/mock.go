package esplora

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/echolock/core/internal/corerr"
)

// MockClient is an in-memory Client for tests, so the Bitcoin layer can
// be exercised without a live esplora instance or network access.
type MockClient struct {
	mu sync.Mutex

	TipHeightValue uint32
	Utxos          map[string][]Utxo
	Broadcasts     []string
	BroadcastTxID  chainhash.Hash
	BroadcastErr   error
	TxStatuses     map[chainhash.Hash]*TxStatus
	Fees           map[int]float64
}

func NewMockClient() *MockClient {
	return &MockClient{
		Utxos:      make(map[string][]Utxo),
		TxStatuses: make(map[chainhash.Hash]*TxStatus),
		Fees:       make(map[int]float64),
	}
}

func (m *MockClient) TipHeight(ctx context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TipHeightValue, nil
}

// SetTipHeight advances the mock chain tip while a monitor is polling.
func (m *MockClient) SetTipHeight(height uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TipHeightValue = height
}

func (m *MockClient) AddressUtxos(ctx context.Context, address string) ([]Utxo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Utxos[address], nil
}

func (m *MockClient) Broadcast(ctx context.Context, rawTxHex string) (chainhash.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BroadcastErr != nil {
		return chainhash.Hash{}, m.BroadcastErr
	}
	m.Broadcasts = append(m.Broadcasts, rawTxHex)
	return m.BroadcastTxID, nil
}

func (m *MockClient) TxStatus(ctx context.Context, txid chainhash.Hash) (*TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.TxStatuses[txid]
	if !ok {
		return nil, corerr.New(corerr.KindNetworkTransient, "unknown txid")
	}
	return status, nil
}

func (m *MockClient) FeeEstimates(ctx context.Context) (map[int]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]float64, len(m.Fees))
	for k, v := range m.Fees {
		out[k] = v
	}
	return out, nil
}

var _ Client = (*MockClient)(nil)
var _ Client = (*HTTPClient)(nil)
