package planner

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/payyield/pyusd-lp/internal/id"
	"github.com/payyield/pyusd-lp/internal/model"
	"github.com/payyield/pyusd-lp/internal/providers"
	"github.com/payyield/pyusd-lp/internal/providers/uniswapv3"
	"github.com/payyield/pyusd-lp/internal/strategy"
)

// Review estimates shown before a deposit.
const (
	RoutingFeeBps     int64 = 10
	ReviewSlippageBps int64 = 30
)

type QuoteRequest struct {
	AmountBaseUnits string
	// Sender is optional; the aggregator only quotes for a known taker.
	Sender      string
	NoSwap      bool
	FeeTier     uint32
	SlippageBps int64
}

// Review computes the routing fee and minimum-after-slippage estimates for
// a deposit of total, both rounded half up to two decimals.
func Review(total *big.Int, swapAmount *big.Int, base id.Asset) model.DepositReview {
	// Both values stay exact: fee is in 1e-4 base units, minAfter in 1e-8.
	fee := new(big.Int).Mul(total, big.NewInt(RoutingFeeBps))
	minAfter := new(big.Int).Mul(total, big.NewInt(10_000))
	minAfter.Sub(minAfter, fee)
	minAfter.Mul(minAfter, big.NewInt(10_000-ReviewSlippageBps))
	return model.DepositReview{
		Strategy:         strategy.Default(),
		DepositAmount:    amountInfo(total, base.Decimals),
		SwapAmount:       amountInfo(swapAmount, base.Decimals),
		RoutingFeePct:    float64(RoutingFeeBps) / 100,
		SlippagePct:      float64(ReviewSlippageBps) / 100,
		RoutingFee:       id.FormatFixed(fee.String(), base.Decimals+4, 2),
		MinAfterSlippage: id.FormatFixed(minAfter.String(), base.Decimals+8, 2),
	}
}

// QuoteDeposit builds the deposit review. The swap leg is quoted through the
// aggregator when a sender is known, otherwise through QuoterV2.
func (p *Planner) QuoteDeposit(ctx context.Context, req QuoteRequest) (model.DepositReview, []string, error) {
	total, err := parsePositiveAmount(req.AmountBaseUnits, "deposit amount")
	if err != nil {
		return model.DepositReview{}, nil, err
	}
	slippage := req.SlippageBps
	if slippage == 0 {
		slippage = DefaultSlippageBps
	}
	if err := validateSlippage(slippage); err != nil {
		return model.DepositReview{}, nil, err
	}
	swapAmount := new(big.Int).Div(total, big.NewInt(2))
	if req.NoSwap {
		swapAmount.SetInt64(0)
	}
	review := Review(total, swapAmount, p.pair.Base)
	review.TestMode = req.NoSwap
	if swapAmount.Sign() == 0 {
		return review, nil, nil
	}

	quoteReq := providers.SwapQuoteRequest{
		Chain:           p.chain,
		FromAsset:       p.pair.Base,
		ToAsset:         p.pair.Quote,
		AmountBaseUnits: swapAmount.String(),
		Taker:           strings.TrimSpace(req.Sender),
		SlippageBps:     slippage,
	}
	quote, warnings, err := p.routeQuote(ctx, quoteReq, req.FeeTier)
	if err != nil {
		return model.DepositReview{}, warnings, err
	}
	review.Quote = &quote
	return review, warnings, nil
}

func (p *Planner) routeQuote(ctx context.Context, req providers.SwapQuoteRequest, fallbackFee uint32) (model.SwapQuote, []string, error) {
	var warnings []string
	if p.aggregator != nil {
		name := p.aggregator.Info().Name
		keyed, isKeyed := p.aggregator.(keyedProvider)
		switch {
		case isKeyed && !keyed.HasAPIKey():
			warnings = append(warnings, fmt.Sprintf("%s api key not configured; quoting through %s", name, uniswapv3.ProviderName))
		case !common.IsHexAddress(req.Taker):
			warnings = append(warnings, fmt.Sprintf("pass --from-address for a %s quote; quoting through %s", name, uniswapv3.ProviderName))
		default:
			quote, err := p.aggregator.QuoteSwap(ctx, req)
			p.metrics.RecordProvider(name, err)
			if err == nil {
				return quote, warnings, nil
			}
			p.logger.Warn("aggregator quote failed, falling back to quoter", zap.String("provider", name), zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("%s quote unavailable (%v); quoting through %s", name, err, uniswapv3.ProviderName))
		}
	}
	p.metrics.RecordFallback("quote")
	req.FeeTier = fallbackFee
	quote, err := p.uniswap.QuoteSwap(ctx, req)
	p.metrics.RecordProvider(uniswapv3.ProviderName, err)
	return quote, warnings, err
}

func amountInfo(v *big.Int, decimals int) model.AmountInfo {
	return model.AmountInfo{
		AmountBaseUnits: v.String(),
		AmountDecimal:   id.FormatDecimalCompat(v.String(), decimals),
		Decimals:        decimals,
	}
}
