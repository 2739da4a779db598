package uniswapv3

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/payyield/pyusd-lp/internal/chain"
	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/id"
	"github.com/payyield/pyusd-lp/internal/model"
	"github.com/payyield/pyusd-lp/internal/providers"
)

type quoteExactInputSingleParams struct {
	TokenIn           common.Address `abi:"tokenIn"`
	TokenOut          common.Address `abi:"tokenOut"`
	AmountIn          *big.Int       `abi:"amountIn"`
	Fee               *big.Int       `abi:"fee"`
	SqrtPriceLimitX96 *big.Int       `abi:"sqrtPriceLimitX96"`
}

type exactInputSingleParams struct {
	TokenIn           common.Address `abi:"tokenIn"`
	TokenOut          common.Address `abi:"tokenOut"`
	Fee               *big.Int       `abi:"fee"`
	Recipient         common.Address `abi:"recipient"`
	Deadline          *big.Int       `abi:"deadline"`
	AmountIn          *big.Int       `abi:"amountIn"`
	AmountOutMinimum  *big.Int       `abi:"amountOutMinimum"`
	SqrtPriceLimitX96 *big.Int       `abi:"sqrtPriceLimitX96"`
}

// QuoteSwap asks QuoterV2 for the exact-input output on the requested fee
// tier, or on the discovered pool's tier when none is given.
func (c *Client) QuoteSwap(ctx context.Context, req providers.SwapQuoteRequest) (model.SwapQuote, error) {
	quote, _, err := c.quote(ctx, req)
	return quote, err
}

func (c *Client) quote(ctx context.Context, req providers.SwapQuoteRequest) (model.SwapQuote, uint32, error) {
	amountIn, err := parseAmount(req.AmountBaseUnits)
	if err != nil {
		return model.SwapQuote{}, 0, err
	}
	from := common.HexToAddress(req.FromAsset.Address)
	to := common.HexToAddress(req.ToAsset.Address)
	fee := req.FeeTier
	if fee == 0 {
		if _, fee, err = c.DiscoverPool(ctx, from, to, 0); err != nil {
			return model.SwapQuote{}, 0, err
		}
	}
	out, gas, err := c.quoteExactInputSingle(ctx, from, to, fee, amountIn)
	if err != nil {
		return model.SwapQuote{}, 0, err
	}
	minOut := ApplySlippage(out, req.SlippageBps)
	return model.SwapQuote{
		Provider:        ProviderName,
		ChainID:         req.Chain.CAIP2,
		FromAssetID:     req.FromAsset.AssetID,
		ToAssetID:       req.ToAsset.AssetID,
		InputAmount:     amountInfo(amountIn, req.FromAsset.Decimals),
		EstimatedOut:    amountInfo(out, req.ToAsset.Decimals),
		MinimumOut:      amountInfo(minOut, req.ToAsset.Decimals),
		EstimatedGas:    gas.String(),
		SlippageBps:     req.SlippageBps,
		AllowanceTarget: c.Router().Hex(),
		Route:           fmt.Sprintf("%s-fee-%d", ProviderName, fee),
		SourceURL:       "https://app.uniswap.org",
		FetchedAt:       c.now().UTC().Format(time.RFC3339),
	}, fee, nil
}

// BuildSwap quotes through QuoterV2 and packs a SwapRouter exactInputSingle
// paying out to the taker with amountOutMinimum reduced by slippage.
func (c *Client) BuildSwap(ctx context.Context, req providers.SwapQuoteRequest) (providers.ExecutableSwap, error) {
	if !common.IsHexAddress(strings.TrimSpace(req.Taker)) {
		return providers.ExecutableSwap{}, clierr.New(clierr.CodeUsage, "router swap requires a valid taker address")
	}
	if req.SlippageBps < 0 || req.SlippageBps >= 10_000 {
		return providers.ExecutableSwap{}, clierr.New(clierr.CodeUsage, "slippage bps must be between 0 and 9999")
	}
	quote, fee, err := c.quote(ctx, req)
	if err != nil {
		return providers.ExecutableSwap{}, err
	}
	amountIn, _ := new(big.Int).SetString(quote.InputAmount.AmountBaseUnits, 10)
	minOut, _ := new(big.Int).SetString(quote.MinimumOut.AmountBaseUnits, 10)

	data, err := routerABI.Pack("exactInputSingle", exactInputSingleParams{
		TokenIn:           common.HexToAddress(req.FromAsset.Address),
		TokenOut:          common.HexToAddress(req.ToAsset.Address),
		Fee:               big.NewInt(int64(fee)),
		Recipient:         common.HexToAddress(req.Taker),
		Deadline:          c.Deadline(),
		AmountIn:          amountIn,
		AmountOutMinimum:  minOut,
		SqrtPriceLimitX96: big.NewInt(0),
	})
	if err != nil {
		return providers.ExecutableSwap{}, clierr.Wrap(clierr.CodeInternal, "pack swap calldata", err)
	}
	return providers.ExecutableSwap{
		Quote: quote,
		Tx: providers.SwapTransaction{
			To:    c.Router().Hex(),
			Data:  "0x" + common.Bytes2Hex(data),
			Value: "0",
			Gas:   quote.EstimatedGas,
		},
		AllowanceTarget: c.Router().Hex(),
		MinimumOut:      minOut.String(),
	}, nil
}

func (c *Client) quoteExactInputSingle(ctx context.Context, from, to common.Address, fee uint32, amountIn *big.Int) (*big.Int, *big.Int, error) {
	quoter := common.HexToAddress(c.contracts.QuoterV2)
	values, err := c.reader.Call(ctx, quoterABI, quoter, "quoteExactInputSingle", quoteExactInputSingleParams{
		TokenIn:           from,
		TokenOut:          to,
		AmountIn:          amountIn,
		Fee:               big.NewInt(int64(fee)),
		SqrtPriceLimitX96: big.NewInt(0),
	})
	if err != nil {
		return nil, nil, err
	}
	out, err := chain.BigAt(values, 0, "quoteExactInputSingle")
	if err != nil {
		return nil, nil, err
	}
	if out.Sign() <= 0 {
		return nil, nil, clierr.New(clierr.CodeUnavailable, "uniswap quote returned zero output")
	}
	gas, err := chain.BigAt(values, 3, "quoteExactInputSingle")
	if err != nil {
		gas = big.NewInt(0)
	}
	return out, gas, nil
}

// ApplySlippage returns amount * (10000 - bps) / 10000.
func ApplySlippage(amount *big.Int, bps int64) *big.Int {
	if bps <= 0 {
		return new(big.Int).Set(amount)
	}
	out := new(big.Int).Mul(amount, big.NewInt(10_000-bps))
	return out.Div(out, big.NewInt(10_000))
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeUsage, "swap amount must be a positive integer in base units")
	}
	return amount, nil
}

func amountInfo(v *big.Int, decimals int) model.AmountInfo {
	return model.AmountInfo{
		AmountBaseUnits: v.String(),
		AmountDecimal:   id.FormatDecimalCompat(v.String(), decimals),
		Decimals:        decimals,
	}
}
