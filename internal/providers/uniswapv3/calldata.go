package uniswapv3

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	clierr "github.com/payyield/pyusd-lp/internal/errors"
)

// MaxUint128 is the collect() cap meaning "everything owed".
var MaxUint128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

type MintParams struct {
	Token0         common.Address `abi:"token0"`
	Token1         common.Address `abi:"token1"`
	Fee            *big.Int       `abi:"fee"`
	TickLower      *big.Int       `abi:"tickLower"`
	TickUpper      *big.Int       `abi:"tickUpper"`
	Amount0Desired *big.Int       `abi:"amount0Desired"`
	Amount1Desired *big.Int       `abi:"amount1Desired"`
	Amount0Min     *big.Int       `abi:"amount0Min"`
	Amount1Min     *big.Int       `abi:"amount1Min"`
	Recipient      common.Address `abi:"recipient"`
	Deadline       *big.Int       `abi:"deadline"`
}

type decreaseLiquidityParams struct {
	TokenID    *big.Int `abi:"tokenId"`
	Liquidity  *big.Int `abi:"liquidity"`
	Amount0Min *big.Int `abi:"amount0Min"`
	Amount1Min *big.Int `abi:"amount1Min"`
	Deadline   *big.Int `abi:"deadline"`
}

type collectParams struct {
	TokenID    *big.Int       `abi:"tokenId"`
	Recipient  common.Address `abi:"recipient"`
	Amount0Max *big.Int       `abi:"amount0Max"`
	Amount1Max *big.Int       `abi:"amount1Max"`
}

func PackMint(p MintParams) (string, error) {
	data, err := positionManagerABI.Pack("mint", p)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "pack mint calldata", err)
	}
	return "0x" + common.Bytes2Hex(data), nil
}

// PackWithdrawAll encodes multicall([decreaseLiquidity, collect]) removing
// all of liquidity and sweeping every owed token to recipient.
func PackWithdrawAll(tokenID, liquidity *big.Int, recipient common.Address, deadline *big.Int) (string, error) {
	decrease, err := positionManagerABI.Pack("decreaseLiquidity", decreaseLiquidityParams{
		TokenID:    tokenID,
		Liquidity:  liquidity,
		Amount0Min: big.NewInt(0),
		Amount1Min: big.NewInt(0),
		Deadline:   deadline,
	})
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "pack decreaseLiquidity calldata", err)
	}
	collect, err := positionManagerABI.Pack("collect", collectParams{
		TokenID:    tokenID,
		Recipient:  recipient,
		Amount0Max: MaxUint128,
		Amount1Max: MaxUint128,
	})
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "pack collect calldata", err)
	}
	data, err := positionManagerABI.Pack("multicall", [][]byte{decrease, collect})
	if err != nil {
		return "", clierr.Wrap(clierr.CodeInternal, "pack multicall calldata", err)
	}
	return "0x" + common.Bytes2Hex(data), nil
}

// LiquidityEvent is the decoded IncreaseLiquidity or Collect log.
type LiquidityEvent struct {
	TokenID   *big.Int
	Liquidity *big.Int
	Amount0   *big.Int
	Amount1   *big.Int
}

// DecodeIncreaseLiquidity finds the IncreaseLiquidity log emitted by
// positionManager in receipt.
func DecodeIncreaseLiquidity(receipt *types.Receipt, positionManager common.Address) (LiquidityEvent, bool) {
	return decodeEvent(receipt, positionManager, "IncreaseLiquidity")
}

// DecodeCollect finds the Collect log emitted by positionManager in receipt.
func DecodeCollect(receipt *types.Receipt, positionManager common.Address) (LiquidityEvent, bool) {
	return decodeEvent(receipt, positionManager, "Collect")
}

func decodeEvent(receipt *types.Receipt, positionManager common.Address, name string) (LiquidityEvent, bool) {
	if receipt == nil {
		return LiquidityEvent{}, false
	}
	event, ok := positionManagerABI.Events[name]
	if !ok {
		return LiquidityEvent{}, false
	}
	for _, log := range receipt.Logs {
		if log == nil || len(log.Topics) < 2 || log.Topics[0] != event.ID {
			continue
		}
		if !strings.EqualFold(log.Address.Hex(), positionManager.Hex()) {
			continue
		}
		fields := map[string]any{}
		if err := positionManagerABI.UnpackIntoMap(fields, name, log.Data); err != nil {
			continue
		}
		out := LiquidityEvent{TokenID: new(big.Int).SetBytes(log.Topics[1].Bytes())}
		if v, ok := fields["liquidity"].(*big.Int); ok {
			out.Liquidity = v
		}
		if v, ok := fields["amount0"].(*big.Int); ok {
			out.Amount0 = v
		}
		if v, ok := fields["amount1"].(*big.Int); ok {
			out.Amount1 = v
		}
		return out, true
	}
	return LiquidityEvent{}, false
}
