package registry

import "strings"

// UniswapV3Deployment groups the exchange contracts used for one chain.
type UniswapV3Deployment struct {
	Factory         string
	PositionManager string
	Router          string
	QuoterV2        string
}

// Canonical Uniswap V3 contracts by chain ID.
var uniswapV3ContractsByChainID = map[int64]UniswapV3Deployment{
	42161: {
		Factory:         "0x1F98431c8aD98523631AE4a59f267346ea31F984",
		PositionManager: "0xC36442b4a4522E871399CD717aBDD847Ab11FE88",
		Router:          "0xE592427A0AEce92De3Edee1F18E0157C05861564",
		QuoterV2:        "0x61fFE014bA17989E743c5F6cB21bF9697530B21e",
	},
}

func UniswapV3Contracts(chainID int64) (UniswapV3Deployment, bool) {
	contracts, ok := uniswapV3ContractsByChainID[chainID]
	return contracts, ok
}

// IsUniswapV3Router reports whether target is the canonical swap router on chainID.
func IsUniswapV3Router(chainID int64, target string) bool {
	contracts, ok := uniswapV3ContractsByChainID[chainID]
	if !ok {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(target), contracts.Router)
}

// IsUniswapV3PositionManager reports whether target is the canonical position manager on chainID.
func IsUniswapV3PositionManager(chainID int64, target string) bool {
	contracts, ok := uniswapV3ContractsByChainID[chainID]
	if !ok {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(target), contracts.PositionManager)
}
