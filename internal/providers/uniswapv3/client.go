package uniswapv3

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/payyield/pyusd-lp/internal/chain"
	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/id"
	"github.com/payyield/pyusd-lp/internal/model"
	"github.com/payyield/pyusd-lp/internal/registry"
)

const ProviderName = "uniswap-v3"

var (
	erc20ABI           = chain.MustABI(registry.ERC20MinimalABI)
	factoryABI         = chain.MustABI(registry.UniswapV3FactoryABI)
	poolABI            = chain.MustABI(registry.UniswapV3PoolABI)
	quoterABI          = chain.MustABI(registry.UniswapV3QuoterV2ABI)
	routerABI          = chain.MustABI(registry.UniswapV3RouterABI)
	positionManagerABI = chain.MustABI(registry.UniswapV3PositionManagerABI)
)

// Client reads Uniswap V3 state on one chain and builds router swaps.
type Client struct {
	reader      *chain.Reader
	chain       id.Chain
	contracts   registry.UniswapV3Deployment
	now         func() time.Time
	workers     int
	deadlineTTL time.Duration
}

func New(reader *chain.Reader, c id.Chain) (*Client, error) {
	contracts, ok := registry.UniswapV3Contracts(c.EVMChainID)
	if !ok {
		return nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("uniswap v3 is not configured for %s", c.Name))
	}
	return &Client{
		reader:      reader,
		chain:       c,
		contracts:   contracts,
		now:         time.Now,
		workers:     8,
		deadlineTTL: 30 * time.Minute,
	}, nil
}

func (c *Client) Info() model.ProviderInfo { return ProviderInfo() }

// ProviderInfo describes the exchange without needing an RPC connection.
func ProviderInfo() model.ProviderInfo {
	return model.ProviderInfo{
		Name:        ProviderName,
		Type:        "exchange",
		RequiresKey: false,
		Capabilities: []string{
			"pool.info",
			"positions.list",
			"swap.quote",
			"swap.plan",
			"lp.mint",
			"lp.withdraw",
		},
	}
}

func (c *Client) Contracts() registry.UniswapV3Deployment { return c.contracts }

func (c *Client) PositionManager() common.Address {
	return common.HexToAddress(c.contracts.PositionManager)
}

func (c *Client) Router() common.Address { return common.HexToAddress(c.contracts.Router) }

// Deadline is the unix timestamp used for router and position manager calls.
func (c *Client) Deadline() *big.Int {
	return big.NewInt(c.now().Add(c.deadlineTTL).Unix())
}

// PoolState is a snapshot of the pool fields the deposit flow needs.
type PoolState struct {
	Address      common.Address
	Fee          uint32
	Token0       common.Address
	Token1       common.Address
	SqrtPriceX96 *big.Int
	Tick         int32
	Liquidity    *big.Int
}

// DiscoverPool returns the first deployed pool for the pair, trying
// FeeTiers in order. A non-zero feeTier pins the lookup to that tier.
func (c *Client) DiscoverPool(ctx context.Context, tokenA, tokenB common.Address, feeTier uint32) (common.Address, uint32, error) {
	tiers := FeeTiers
	if feeTier != 0 {
		if _, ok := TickSpacing(feeTier); !ok {
			return common.Address{}, 0, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported fee tier %d (use 100, 500, 3000 or 10000)", feeTier))
		}
		tiers = []uint32{feeTier}
	}
	factory := common.HexToAddress(c.contracts.Factory)
	for _, fee := range tiers {
		values, err := c.reader.Call(ctx, factoryABI, factory, "getPool", tokenA, tokenB, big.NewInt(int64(fee)))
		if err != nil {
			return common.Address{}, 0, err
		}
		pool, err := chain.AddressAt(values, 0, "getPool")
		if err != nil {
			return common.Address{}, 0, err
		}
		if pool != (common.Address{}) {
			return pool, fee, nil
		}
	}
	return common.Address{}, 0, clierr.New(clierr.CodeUnsupported, "no uniswap v3 pool found for token pair")
}

// ReadPool loads slot0, fee, token order and liquidity concurrently.
func (c *Client) ReadPool(ctx context.Context, pool common.Address) (PoolState, error) {
	state := PoolState{Address: pool}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		values, err := c.reader.Call(gctx, poolABI, pool, "slot0")
		if err != nil {
			return err
		}
		sqrtPrice, err := chain.BigAt(values, 0, "slot0")
		if err != nil {
			return err
		}
		tick, err := chain.BigAt(values, 1, "slot0")
		if err != nil {
			return err
		}
		state.SqrtPriceX96 = sqrtPrice
		state.Tick = int32(tick.Int64())
		return nil
	})
	g.Go(func() error {
		fee, err := c.reader.CallBigInt(gctx, poolABI, pool, "fee")
		if err != nil {
			return err
		}
		state.Fee = uint32(fee.Uint64())
		return nil
	})
	g.Go(func() error {
		values, err := c.reader.Call(gctx, poolABI, pool, "token0")
		if err != nil {
			return err
		}
		state.Token0, err = chain.AddressAt(values, 0, "token0")
		return err
	})
	g.Go(func() error {
		values, err := c.reader.Call(gctx, poolABI, pool, "token1")
		if err != nil {
			return err
		}
		state.Token1, err = chain.AddressAt(values, 0, "token1")
		return err
	})
	g.Go(func() error {
		liquidity, err := c.reader.CallBigInt(gctx, poolABI, pool, "liquidity")
		if err != nil {
			return err
		}
		state.Liquidity = liquidity
		return nil
	})
	if err := g.Wait(); err != nil {
		return PoolState{}, err
	}
	return state, nil
}

// ValidatePair fails unless the pool holds exactly the two given tokens.
func ValidatePair(state PoolState, a, b common.Address) error {
	matches := (state.Token0 == a && state.Token1 == b) || (state.Token0 == b && state.Token1 == a)
	if !matches {
		return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("pool %s holds %s/%s, expected %s/%s", state.Address.Hex(), state.Token0.Hex(), state.Token1.Hex(), a.Hex(), b.Hex()))
	}
	return nil
}

// Pair is the two assets of the managed pool, in user order.
type Pair struct {
	Base  id.Asset
	Quote id.Asset
}

func (p Pair) addresses() (common.Address, common.Address) {
	return common.HexToAddress(p.Base.Address), common.HexToAddress(p.Quote.Address)
}

// LoadPool discovers the pair's pool, validates its tokens and reads its state.
func (c *Client) LoadPool(ctx context.Context, pair Pair, feeTier uint32) (PoolState, error) {
	base, quote := pair.addresses()
	addr, _, err := c.DiscoverPool(ctx, base, quote, feeTier)
	if err != nil {
		return PoolState{}, err
	}
	state, err := c.ReadPool(ctx, addr)
	if err != nil {
		return PoolState{}, err
	}
	if err := ValidatePair(state, base, quote); err != nil {
		return PoolState{}, err
	}
	return state, nil
}

// PoolInfo describes the pair's pool and a suggested range around the
// current price.
func (c *Client) PoolInfo(ctx context.Context, pair Pair, feeTier uint32, rangePct float64) (model.PoolInfo, error) {
	state, err := c.LoadPool(ctx, pair, feeTier)
	if err != nil {
		return model.PoolInfo{}, err
	}
	tickRange, err := SuggestRange(state.Tick, state.Fee, rangePct)
	if err != nil {
		return model.PoolInfo{}, err
	}
	return model.PoolInfo{
		ChainID:      c.chain.CAIP2,
		Address:      state.Address.Hex(),
		Fee:          state.Fee,
		Token0:       state.Token0.Hex(),
		Token1:       state.Token1.Hex(),
		Token0Symbol: c.symbolFor(state.Token0),
		Token1Symbol: c.symbolFor(state.Token1),
		SqrtPriceX96: state.SqrtPriceX96.String(),
		Liquidity:    state.Liquidity.String(),
		Range:        tickRange,
		FetchedAt:    c.now().UTC().Format(time.RFC3339),
	}, nil
}

func (c *Client) symbolFor(addr common.Address) string {
	if token, ok := id.LookupByAddress(c.chain.CAIP2, addr.Hex()); ok {
		return token.Symbol
	}
	return strings.ToLower(addr.Hex())
}

// OrderAmounts maps amounts keyed by token address onto token0/token1.
func OrderAmounts(state PoolState, token common.Address, amount, otherAmount *big.Int) (*big.Int, *big.Int) {
	if state.Token0 == token {
		return amount, otherAmount
	}
	return otherAmount, amount
}
