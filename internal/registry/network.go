package registry

import "fmt"

// Network describes a chain in the shape wallets expect for an add-chain request.
type Network struct {
	ChainID        int64          `json:"chain_id"`
	ChainIDHex     string         `json:"chain_id_hex"`
	Name           string         `json:"chain_name"`
	NativeCurrency NativeCurrency `json:"native_currency"`
	RPCURLs        []string       `json:"rpc_urls"`
	ExplorerURLs   []string       `json:"block_explorer_urls"`
}

type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

const ArbitrumOneChainID int64 = 42161

var networksByChainID = map[int64]Network{
	42161: {
		ChainID:        42161,
		ChainIDHex:     "0xa4b1",
		Name:           "Arbitrum One",
		NativeCurrency: NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
		RPCURLs:        []string{"https://arb1.arbitrum.io/rpc"},
		ExplorerURLs:   []string{"https://arbiscan.io"},
	},
}

func LookupNetwork(chainID int64) (Network, bool) {
	n, ok := networksByChainID[chainID]
	return n, ok
}

// TargetNetwork is the chain every deposit and withdrawal runs on.
func TargetNetwork() Network {
	return networksByChainID[ArbitrumOneChainID]
}

func ExplorerTxURL(chainID int64, txHash string) string {
	n, ok := networksByChainID[chainID]
	if !ok || len(n.ExplorerURLs) == 0 || txHash == "" {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", n.ExplorerURLs[0], txHash)
}
