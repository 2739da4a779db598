package planner

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/execution"
	"github.com/payyield/pyusd-lp/internal/providers"
	"github.com/payyield/pyusd-lp/internal/providers/uniswapv3"
)

const (
	DefaultSwapBackSlippageBps int64 = 100
	// swapBackFeeTier is the router tier tried first for USDC->PYUSD.
	swapBackFeeTier uint32 = 3000
)

// ErrNothingToSwap reports an empty USDC balance when planning a swap-back.
var ErrNothingToSwap = clierr.New(clierr.CodeActionPlan, "wallet holds no USDC to swap back")

type WithdrawRequest struct {
	Sender   string
	TokenID  string
	Simulate bool
}

// PlanWithdraw removes all liquidity from one position and collects every
// owed token back to the sender in a single multicall.
func (p *Planner) PlanWithdraw(ctx context.Context, req WithdrawRequest) (execution.Action, error) {
	sender, err := p.parseSender(req.Sender)
	if err != nil {
		return execution.Action{}, err
	}
	tokenID, ok := new(big.Int).SetString(strings.TrimSpace(req.TokenID), 10)
	if !ok || tokenID.Sign() < 0 {
		return execution.Action{}, clierr.New(clierr.CodeUsage, "--token-id must be a non-negative integer")
	}

	owner, err := p.uniswap.OwnerOf(ctx, tokenID)
	if err != nil {
		return execution.Action{}, err
	}
	if owner != sender {
		return execution.Action{}, clierr.New(clierr.CodeActionPlan, fmt.Sprintf("position %s is owned by %s, not %s", tokenID, owner.Hex(), sender.Hex()))
	}
	pos, err := p.uniswap.ReadPosition(ctx, tokenID)
	if err != nil {
		return execution.Action{}, err
	}
	base, quote := common.HexToAddress(p.pair.Base.Address), common.HexToAddress(p.pair.Quote.Address)
	if !pos.HoldsPair(base, quote) {
		return execution.Action{}, clierr.New(clierr.CodeActionPlan, fmt.Sprintf("position %s is not a PYUSD/USDC position", tokenID))
	}
	if pos.Liquidity.Sign() <= 0 {
		return execution.Action{}, clierr.New(clierr.CodeActionPlan, fmt.Sprintf("position %s has no liquidity", tokenID))
	}

	deadline := p.uniswap.Deadline()
	data, err := uniswapv3.PackWithdrawAll(tokenID, pos.Liquidity, sender, deadline)
	if err != nil {
		return execution.Action{}, err
	}
	action := execution.NewAction(execution.NewActionID(), execution.IntentWithdraw, p.chain.CAIP2, execution.Constraints{
		Deadline: time.Unix(deadline.Int64(), 0).UTC().Format(time.RFC3339),
		Simulate: req.Simulate,
	})
	action.Provider = uniswapv3.ProviderName
	action.FromAddress = sender.Hex()
	action.ToAddress = sender.Hex()
	action.InputAmount = pos.Liquidity.String()
	action.Metadata = map[string]any{
		"token_id":   tokenID.String(),
		"fee":        pos.Fee,
		"tick_lower": pos.TickLower,
		"tick_upper": pos.TickUpper,
	}
	action.Steps = append(action.Steps, execution.ActionStep{
		StepID:      "withdraw-position",
		Type:        execution.StepTypeWithdraw,
		Status:      execution.StepStatusPending,
		ChainID:     p.chain.CAIP2,
		RPCURL:      p.rpcURL,
		Description: fmt.Sprintf("Remove liquidity and collect position %s", tokenID),
		Target:      p.uniswap.PositionManager().Hex(),
		Data:        data,
		Value:       "0",
		ExpectedOutputs: map[string]string{
			"token_id":     tokenID.String(),
			"liquidity":    pos.Liquidity.String(),
			"tokens_owed0": pos.TokensOwed0.String(),
			"tokens_owed1": pos.TokensOwed1.String(),
		},
	})
	p.logger.Info("withdraw planned", zap.String("action_id", action.ActionID), zap.String("token_id", tokenID.String()))
	return action, nil
}

type SwapBackRequest struct {
	Sender string
	// AmountBaseUnits defaults to the wallet's full USDC balance.
	AmountBaseUnits string
	SlippageBps     int64
	FeeTier         uint32
	ParentActionID  string
	Simulate        bool
}

// PlanSwapBack swaps USDC back to PYUSD. It returns ErrNothingToSwap when
// the wallet has no USDC and no explicit amount was given.
func (p *Planner) PlanSwapBack(ctx context.Context, req SwapBackRequest) (execution.Action, error) {
	sender, err := p.parseSender(req.Sender)
	if err != nil {
		return execution.Action{}, err
	}
	if err := validateSlippage(req.SlippageBps); err != nil {
		return execution.Action{}, err
	}
	base, quote := p.pair.Base, p.pair.Quote

	var amount *big.Int
	if strings.TrimSpace(req.AmountBaseUnits) != "" {
		if amount, err = parsePositiveAmount(req.AmountBaseUnits, "swap-back amount"); err != nil {
			return execution.Action{}, err
		}
	} else {
		if amount, err = p.reader.BalanceOf(ctx, common.HexToAddress(quote.Address), sender); err != nil {
			return execution.Action{}, err
		}
		if amount.Sign() <= 0 {
			return execution.Action{}, ErrNothingToSwap
		}
	}

	feeTier, err := p.swapBackFeeTier(ctx, req.FeeTier)
	if err != nil {
		return execution.Action{}, err
	}
	swap, warnings, err := p.routeSwap(ctx, providers.SwapQuoteRequest{
		Chain:           p.chain,
		FromAsset:       quote,
		ToAsset:         base,
		AmountBaseUnits: amount.String(),
		Taker:           sender.Hex(),
		SlippageBps:     req.SlippageBps,
	}, feeTier, "swap_back")
	if err != nil {
		return execution.Action{}, err
	}

	action := execution.NewAction(execution.NewActionID(), execution.IntentSwapBack, p.chain.CAIP2, execution.Constraints{
		SlippageBps: req.SlippageBps,
		Simulate:    req.Simulate,
	})
	action.Provider = swap.Quote.Provider
	action.FromAddress = sender.Hex()
	action.ToAddress = sender.Hex()
	action.InputAmount = amount.String()
	action.ParentActionID = strings.TrimSpace(req.ParentActionID)
	action.Warnings = append(action.Warnings, warnings...)
	action.Metadata["from_asset_id"] = quote.AssetID
	action.Metadata["to_asset_id"] = base.AssetID
	action.Metadata["route"] = swap.Quote.Route
	action.Metadata["estimated_out"] = swap.Quote.EstimatedOut.AmountBaseUnits
	action.Metadata["amount_out_min"] = swap.MinimumOut
	if err := p.appendSwapSteps(ctx, &action, "swapback", swap, quote, sender, amount); err != nil {
		return execution.Action{}, err
	}
	p.logger.Info("swap-back planned",
		zap.String("action_id", action.ActionID),
		zap.String("provider", swap.Quote.Provider),
		zap.String("amount", amount.String()),
	)
	return action, nil
}

// swapBackFeeTier picks the router tier used when the aggregator misses:
// the requested tier, else 3000 when that pool exists, else discovery.
func (p *Planner) swapBackFeeTier(ctx context.Context, requested uint32) (uint32, error) {
	if requested != 0 {
		return requested, nil
	}
	base, quote := common.HexToAddress(p.pair.Base.Address), common.HexToAddress(p.pair.Quote.Address)
	_, fee, err := p.uniswap.DiscoverPool(ctx, quote, base, swapBackFeeTier)
	if err == nil {
		return fee, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	return 0, nil
}
