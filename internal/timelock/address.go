package timelock

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/echolock/core/internal/corerr"
)

// NetParams selects which network a Script's P2SH address is derived
// under. Mainnet is hard-gated by the caller (internal/config) — this
// package itself has no opinion beyond accepting whatever *chaincfg.Params
// it is given.
var (
	Testnet = &chaincfg.TestNet3Params
	Mainnet = &chaincfg.MainNetParams
)

// Address derives the standard P2SH address for a Script under params.
func Address(s *Script, params *chaincfg.Params) (*btcutil.AddressScriptHash, error) {
	script, err := s.Build()
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.NewAddressScriptHash(script, params)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to derive P2SH address", err)
	}
	return addr, nil
}

// ParseDestination parses a destination address string under params,
// rejecting addresses that do not belong to that network. A mainnet
// destination never passes under the testnet params.
func ParseDestination(address string, params *chaincfg.Params) (btcutil.Address, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "destination address does not parse under the expected network", err)
	}
	if !addr.IsForNet(params) {
		return nil, corerr.New(corerr.KindInvalidInput, "destination address belongs to a different network")
	}
	return addr, nil
}
