package uniswapv3

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/panjf2000/ants/v2"

	"github.com/payyield/pyusd-lp/internal/chain"
	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/id"
	"github.com/payyield/pyusd-lp/internal/model"
)

// maxPositionsScanned bounds the NFT enumeration for wallets holding many
// unrelated positions.
const maxPositionsScanned = 200

// RawPosition is the decoded positions(tokenId) tuple.
type RawPosition struct {
	TokenID     *big.Int
	Token0      common.Address
	Token1      common.Address
	Fee         uint32
	TickLower   int32
	TickUpper   int32
	Liquidity   *big.Int
	TokensOwed0 *big.Int
	TokensOwed1 *big.Int
}

// HoldsPair reports whether the position is on the given token pair in
// either order.
func (p RawPosition) HoldsPair(a, b common.Address) bool {
	return (p.Token0 == a && p.Token1 == b) || (p.Token0 == b && p.Token1 == a)
}

func (c *Client) ReadPosition(ctx context.Context, tokenID *big.Int) (RawPosition, error) {
	values, err := c.reader.Call(ctx, positionManagerABI, c.PositionManager(), "positions", tokenID)
	if err != nil {
		return RawPosition{}, err
	}
	if len(values) < 12 {
		return RawPosition{}, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("positions returned %d values", len(values)))
	}
	pos := RawPosition{TokenID: new(big.Int).Set(tokenID)}
	if pos.Token0, err = chain.AddressAt(values, 2, "positions"); err != nil {
		return RawPosition{}, err
	}
	if pos.Token1, err = chain.AddressAt(values, 3, "positions"); err != nil {
		return RawPosition{}, err
	}
	ints := make([]*big.Int, 12)
	for _, i := range []int{4, 5, 6, 7, 10, 11} {
		if ints[i], err = chain.BigAt(values, i, "positions"); err != nil {
			return RawPosition{}, err
		}
	}
	pos.Fee = uint32(ints[4].Uint64())
	pos.TickLower = int32(ints[5].Int64())
	pos.TickUpper = int32(ints[6].Int64())
	pos.Liquidity = ints[7]
	pos.TokensOwed0 = ints[10]
	pos.TokensOwed1 = ints[11]
	return pos, nil
}

func (c *Client) OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	values, err := c.reader.Call(ctx, positionManagerABI, c.PositionManager(), "ownerOf", tokenID)
	if err != nil {
		return common.Address{}, err
	}
	return chain.AddressAt(values, 0, "ownerOf")
}

// PositionsResult carries the matching positions plus one warning per
// position that could not be read.
type PositionsResult struct {
	Positions []model.Position
	Warnings  []string
}

func (r PositionsResult) Partial() bool { return len(r.Warnings) > 0 }

// ListPositions enumerates owner's position NFTs through a bounded worker
// pool and keeps the pair's positions that still hold liquidity. Amounts are
// estimated against state, the pair's current pool snapshot.
func (c *Client) ListPositions(ctx context.Context, owner common.Address, pair Pair, state PoolState, strategy model.Strategy) (PositionsResult, error) {
	count, err := c.reader.CallBigInt(ctx, positionManagerABI, c.PositionManager(), "balanceOf", owner)
	if err != nil {
		return PositionsResult{}, err
	}
	n := int(count.Int64())
	result := PositionsResult{Positions: []model.Position{}}
	if n == 0 {
		return result, nil
	}
	if n > maxPositionsScanned {
		result.Warnings = append(result.Warnings, fmt.Sprintf("owner holds %d positions; only the first %d were scanned", n, maxPositionsScanned))
		n = maxPositionsScanned
	}

	pool, err := ants.NewPool(c.workers)
	if err != nil {
		return PositionsResult{}, clierr.Wrap(clierr.CodeInternal, "create worker pool", err)
	}
	defer pool.Release()

	base, quote := pair.addresses()
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		index := i
		wg.Add(1)
		task := func() {
			defer wg.Done()
			pos, err := c.positionAt(ctx, owner, index)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Warnings = append(result.Warnings, fmt.Sprintf("position index %d: %v", index, err))
				return
			}
			if !pos.HoldsPair(base, quote) || pos.Liquidity.Sign() <= 0 {
				return
			}
			result.Positions = append(result.Positions, c.describePosition(owner, pair, pos, state, strategy))
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			mu.Lock()
			result.Warnings = append(result.Warnings, fmt.Sprintf("position index %d: %v", index, err))
			mu.Unlock()
		}
	}
	wg.Wait()

	sort.Slice(result.Positions, func(i, j int) bool {
		a, _ := new(big.Int).SetString(result.Positions[i].TokenID, 10)
		b, _ := new(big.Int).SetString(result.Positions[j].TokenID, 10)
		return a.Cmp(b) < 0
	})
	sort.Strings(result.Warnings)
	return result, nil
}

func (c *Client) positionAt(ctx context.Context, owner common.Address, index int) (RawPosition, error) {
	tokenID, err := c.reader.CallBigInt(ctx, positionManagerABI, c.PositionManager(), "tokenOfOwnerByIndex", owner, big.NewInt(int64(index)))
	if err != nil {
		return RawPosition{}, err
	}
	return c.ReadPosition(ctx, tokenID)
}

func (c *Client) describePosition(owner common.Address, pair Pair, pos RawPosition, state PoolState, strategy model.Strategy) model.Position {
	var amount0, amount1 *big.Int
	inRange := false
	if state.SqrtPriceX96 != nil && pos.Fee == state.Fee {
		amount0, amount1 = EstimateAmounts(pos.Liquidity, state.SqrtPriceX96, pos.TickLower, pos.TickUpper)
		inRange = state.Tick >= pos.TickLower && state.Tick < pos.TickUpper
	} else {
		// Different tier than the snapshot: value at the range midpoint.
		mid := pos.TickLower + (pos.TickUpper-pos.TickLower)/2
		amount0, amount1 = EstimateAmounts(pos.Liquidity, sqrtPriceAtTickInt(mid), pos.TickLower, pos.TickUpper)
	}
	baseAmount, quoteAmount := amount0, amount1
	if pos.Token0 != common.HexToAddress(pair.Base.Address) {
		baseAmount, quoteAmount = amount1, amount0
	}
	return model.Position{
		TokenID:     pos.TokenID.String(),
		ChainID:     c.chain.CAIP2,
		Owner:       owner.Hex(),
		Token0:      pos.Token0.Hex(),
		Token1:      pos.Token1.Hex(),
		Fee:         pos.Fee,
		TickLower:   pos.TickLower,
		TickUpper:   pos.TickUpper,
		Liquidity:   pos.Liquidity.String(),
		TokensOwed0: pos.TokensOwed0.String(),
		TokensOwed1: pos.TokensOwed1.String(),
		InRange:     inRange,
		EstPYUSD:    amountInfo(baseAmount, pair.Base.Decimals),
		EstUSDC:     amountInfo(quoteAmount, pair.Quote.Decimals),
		Strategy:    strategy.Name,
		APYPct:      strategy.APYPct,
	}
}

func sqrtPriceAtTickInt(tick int32) *big.Int {
	out, _ := sqrtRatioAtTick(tick).Int(nil)
	return out
}

// PairAssets returns the PYUSD/USDC pair on c.
func PairAssets(c id.Chain) Pair {
	return Pair{Base: id.MustKnownAsset(c, "PYUSD"), Quote: id.MustKnownAsset(c, "USDC")}
}
