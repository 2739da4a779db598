package id

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	clierr "github.com/payyield/pyusd-lp/internal/errors"
)

var (
	eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)
	evmAddressPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	eip155AssetPattern = regexp.MustCompile(`^eip155:[0-9]+/erc20:0x[0-9a-fA-F]{40}$`)
)

type Chain struct {
	Name       string
	Slug       string
	CAIP2      string
	EVMChainID int64
}

type Asset struct {
	ChainID  string
	AssetID  string
	Address  string
	Symbol   string
	Decimals int
}

type Token struct {
	Symbol   string
	Address  string
	Decimals int
}

const ArbitrumCAIP2 = "eip155:42161"

var chainBySlug = map[string]Chain{
	"arbitrum":         {Name: "Arbitrum One", Slug: "arbitrum", CAIP2: ArbitrumCAIP2, EVMChainID: 42161},
	"arbitrum-one":     {Name: "Arbitrum One", Slug: "arbitrum", CAIP2: ArbitrumCAIP2, EVMChainID: 42161},
	"arbitrum-sepolia": {Name: "Arbitrum Sepolia", Slug: "arbitrum-sepolia", CAIP2: "eip155:421614", EVMChainID: 421614},
}

var chainByID = map[int64]Chain{
	42161:  chainBySlug["arbitrum"],
	421614: chainBySlug["arbitrum-sepolia"],
}

// Token registry for the assets the liquidity flow touches.
var tokenRegistry = map[string][]Token{
	ArbitrumCAIP2: {
		{Symbol: "PYUSD", Address: "0x46850aD61C2B7d64d08c9C754F45254596696984", Decimals: 6},
		{Symbol: "USDC", Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6},
	},
}

func ParseChain(input string) (Chain, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	norm := strings.ToLower(raw)

	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}

	if eip155ChainPattern.MatchString(norm) {
		parts := strings.Split(norm, ":")
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		return chainFromID(id), nil
	}

	if id, err := strconv.ParseInt(norm, 10, 64); err == nil {
		return chainFromID(id), nil
	}

	return Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain input: %s", input))
}

// ChainByID returns the known chain or a generic EVM chain descriptor.
func ChainByID(chainID int64) Chain {
	return chainFromID(chainID)
}

func chainFromID(id int64) Chain {
	if known, ok := chainByID[id]; ok {
		return known
	}
	return Chain{Name: fmt.Sprintf("EVM-%d", id), Slug: fmt.Sprintf("evm-%d", id), CAIP2: fmt.Sprintf("eip155:%d", id), EVMChainID: id}
}

func ParseAsset(input string, chain Chain) (Asset, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Asset{}, clierr.New(clierr.CodeUsage, "asset is required")
	}

	if strings.Contains(raw, "/") {
		if !eip155AssetPattern.MatchString(raw) {
			return Asset{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid CAIP-19 asset format: %s", input))
		}
		parts := strings.SplitN(raw, "/", 2)
		if parts[0] != chain.CAIP2 {
			return Asset{}, clierr.New(clierr.CodeUsage, "asset chain does not match chain")
		}
		address := strings.TrimPrefix(parts[1], "erc20:")
		return assetFromAddress(chain, address), nil
	}

	if evmAddressPattern.MatchString(raw) {
		return assetFromAddress(chain, raw), nil
	}

	matches := findTokensBySymbol(chain.CAIP2, raw)
	if len(matches) == 0 {
		return Asset{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("symbol %s not found in registry for chain %s", input, chain.CAIP2))
	}
	if len(matches) > 1 {
		addresses := make([]string, 0, len(matches))
		for _, m := range matches {
			addresses = append(addresses, m.Address)
		}
		sort.Strings(addresses)
		return Asset{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("symbol %s is ambiguous on chain %s, use address or CAIP-19 (%s)", input, chain.CAIP2, strings.Join(addresses, ", ")))
	}
	t := matches[0]
	return Asset{
		ChainID:  chain.CAIP2,
		AssetID:  canonicalAssetID(chain.CAIP2, t.Address),
		Address:  t.Address,
		Symbol:   t.Symbol,
		Decimals: t.Decimals,
	}, nil
}

// MustKnownAsset resolves a registry symbol and panics when it is missing.
// Only used for the fixed pair assets.
func MustKnownAsset(chain Chain, symbol string) Asset {
	asset, err := ParseAsset(symbol, chain)
	if err != nil {
		panic(err)
	}
	return asset
}

func assetFromAddress(chain Chain, address string) Asset {
	addr := strings.ToLower(strings.TrimSpace(address))
	token, _ := findTokenByAddress(chain.CAIP2, addr)
	return Asset{ChainID: chain.CAIP2, AssetID: canonicalAssetID(chain.CAIP2, addr), Address: addr, Symbol: token.Symbol, Decimals: token.Decimals}
}

func canonicalAssetID(chainID, address string) string {
	return fmt.Sprintf("%s/erc20:%s", chainID, strings.ToLower(strings.TrimSpace(address)))
}

func findTokenByAddress(chainID, address string) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(t.Address, strings.TrimSpace(address)) {
			return Token{
				Symbol:   strings.ToUpper(t.Symbol),
				Address:  strings.ToLower(t.Address),
				Decimals: t.Decimals,
			}, true
		}
	}
	return Token{}, false
}

func findTokensBySymbol(chainID, symbol string) []Token {
	matches := []Token{}
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(t.Symbol, symbol) {
			matches = append(matches, Token{
				Symbol:   strings.ToUpper(t.Symbol),
				Address:  strings.ToLower(t.Address),
				Decimals: t.Decimals,
			})
		}
	}
	return matches
}

func KnownToken(chainID, symbol string) (Token, bool) {
	matches := findTokensBySymbol(chainID, symbol)
	if len(matches) != 1 {
		return Token{}, false
	}
	return matches[0], true
}

func LookupByAddress(chainID, address string) (Token, bool) {
	return findTokenByAddress(chainID, address)
}
