// Package strategy holds the catalog of yield strategies shown before a
// deposit. Only the liquidity pool strategy is executable.
package strategy

import (
	"fmt"
	"strings"

	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/model"
)

const (
	LiquidityPoolID = "pyusd-usdc-lp"
	YieldFarmingID  = "pyusd-yield-farming"
	BridgeID        = "pyusd-cross-chain-bridge"
)

var catalog = []model.Strategy{
	{
		ID:          LiquidityPoolID,
		Name:        "PYUSD/USDC Liquidity Pool",
		APYPct:      5.7,
		Description: "Provide liquidity to PYUSD/USDC pairs on Uniswap V3 with concentrated ranges.",
		Risk:        "Low",
		TVL:         "$437.8K",
		Executable:  true,
	},
	{
		ID:          YieldFarmingID,
		Name:        "PYUSD Yield Farming",
		APYPct:      8.4,
		Description: "Automated yield farming across multiple PYUSD pools with dynamic rebalancing and compound rewards.",
		Risk:        "Medium",
		TVL:         "$1.2M",
	},
	{
		ID:          BridgeID,
		Name:        "Cross-Chain PYUSD Bridge",
		APYPct:      12.1,
		Description: "Bridge PYUSD across multiple chains while earning yield from transaction fees and arbitrage opportunities.",
		Risk:        "High",
		TVL:         "$890K",
	},
}

// List returns a copy of the catalog in display order.
func List() []model.Strategy {
	out := make([]model.Strategy, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup finds a strategy by id or case-insensitive name.
func Lookup(key string) (model.Strategy, error) {
	clean := strings.TrimSpace(key)
	for _, s := range catalog {
		if s.ID == strings.ToLower(clean) || strings.EqualFold(s.Name, clean) {
			return s, nil
		}
	}
	return model.Strategy{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown strategy %q", key))
}

// Executable returns the strategy for key and fails unless deposits can be
// executed against it.
func Executable(key string) (model.Strategy, error) {
	s, err := Lookup(key)
	if err != nil {
		return model.Strategy{}, err
	}
	if !s.Executable {
		return model.Strategy{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("strategy %q is informational only", s.Name))
	}
	return s, nil
}

// Default is the liquidity pool strategy.
func Default() model.Strategy {
	return catalog[0]
}
