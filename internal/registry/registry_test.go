package registry

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func TestUniswapV3Contracts(t *testing.T) {
	contracts, ok := UniswapV3Contracts(42161)
	if !ok {
		t.Fatal("expected arbitrum one contracts to exist")
	}
	if contracts.Factory == "" || contracts.PositionManager == "" || contracts.Router == "" || contracts.QuoterV2 == "" {
		t.Fatalf("unexpected empty uniswap-v3 contract values: %+v", contracts)
	}
	if _, ok := UniswapV3Contracts(1); ok {
		t.Fatal("did not expect uniswap-v3 contracts for unsupported chain")
	}
	if !IsUniswapV3Router(42161, strings.ToLower(contracts.Router)) {
		t.Fatal("expected router match to be case-insensitive")
	}
	if IsUniswapV3PositionManager(42161, contracts.Router) {
		t.Fatal("router must not match position manager")
	}
}

func TestExecutionABIConstantsParse(t *testing.T) {
	abis := []string{
		ERC20MinimalABI,
		UniswapV3QuoterV2ABI,
		UniswapV3RouterABI,
		UniswapV3FactoryABI,
		UniswapV3PoolABI,
		UniswapV3PositionManagerABI,
	}
	for _, raw := range abis {
		if _, err := abi.JSON(strings.NewReader(raw)); err != nil {
			t.Fatalf("failed to parse abi json: %v", err)
		}
	}
}

func TestABIMethodsMatchCallers(t *testing.T) {
	want := map[string][]string{
		ERC20MinimalABI:             {"allowance", "approve", "balanceOf", "decimals"},
		UniswapV3QuoterV2ABI:        {"quoteExactInputSingle"},
		UniswapV3RouterABI:          {"exactInputSingle"},
		UniswapV3FactoryABI:         {"getPool"},
		UniswapV3PoolABI:            {"fee", "liquidity", "slot0", "token0", "token1"},
		UniswapV3PositionManagerABI: {"balanceOf", "collect", "decreaseLiquidity", "mint", "multicall", "ownerOf", "positions", "tokenOfOwnerByIndex"},
	}
	for raw, methods := range want {
		parsed, err := abi.JSON(strings.NewReader(raw))
		if err != nil {
			t.Fatalf("parse abi: %v", err)
		}
		if len(parsed.Methods) != len(methods) {
			t.Fatalf("expected methods %v, got %d methods", methods, len(parsed.Methods))
		}
		for _, name := range methods {
			if _, ok := parsed.Methods[name]; !ok {
				t.Fatalf("expected method %s in abi with %v", name, methods)
			}
		}
	}
}

func TestPositionManagerEventsPresent(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(UniswapV3PositionManagerABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	if _, ok := parsed.Events["IncreaseLiquidity"]; !ok {
		t.Fatal("expected IncreaseLiquidity event in position manager abi")
	}
	if _, ok := parsed.Methods["multicall"]; !ok {
		t.Fatal("expected multicall method in position manager abi")
	}
}

func TestDefaultRPCURL(t *testing.T) {
	if rpc, ok := DefaultRPCURL(42161); !ok || rpc == "" {
		t.Fatalf("expected arbitrum one rpc default, got ok=%v rpc=%q", ok, rpc)
	}
	if _, ok := DefaultRPCURL(999999); ok {
		t.Fatal("did not expect rpc default for unsupported chain")
	}
}

func TestResolveRPCURL(t *testing.T) {
	override, err := ResolveRPCURL(" https://rpc.example.test ", 42161)
	if err != nil {
		t.Fatalf("resolve with override: %v", err)
	}
	if override != "https://rpc.example.test" {
		t.Fatalf("unexpected override value: %q", override)
	}

	defaultRPC, err := ResolveRPCURL("", 42161)
	if err != nil {
		t.Fatalf("resolve with default: %v", err)
	}
	if defaultRPC != "https://arb1.arbitrum.io/rpc" {
		t.Fatalf("unexpected default rpc: %q", defaultRPC)
	}

	if _, err := ResolveRPCURL("", 999999); err == nil {
		t.Fatal("expected missing chain default rpc error")
	}
}

func TestTargetNetwork(t *testing.T) {
	n := TargetNetwork()
	if n.ChainID != 42161 || n.ChainIDHex != "0xa4b1" || n.Name != "Arbitrum One" {
		t.Fatalf("unexpected target network: %+v", n)
	}
	if got := ExplorerTxURL(42161, "0xabc"); got != "https://arbiscan.io/tx/0xabc" {
		t.Fatalf("unexpected explorer url: %q", got)
	}
	if got := ExplorerTxURL(1, "0xabc"); got != "" {
		t.Fatalf("expected empty explorer url for unknown chain, got %q", got)
	}
}

func TestIsAllowedZeroExBaseURL(t *testing.T) {
	cases := map[string]bool{
		"":                            true,
		ZeroExBaseURL:                 true,
		"https://api.0x.org:443":      true,
		"https://arbitrum.api.0x.org": true,
		"http://api.0x.org":           false,
		"https://api.0x.org.evil.io":  false,
		"https://api.0x.org:8443":     false,
		"http://127.0.0.1:8080":       true,
		"not-a-url":                   false,
	}
	for endpoint, want := range cases {
		if got := IsAllowedZeroExBaseURL(endpoint); got != want {
			t.Fatalf("IsAllowedZeroExBaseURL(%q)=%v want %v", endpoint, got, want)
		}
	}
}
