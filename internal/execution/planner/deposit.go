package planner

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/execution"
	"github.com/payyield/pyusd-lp/internal/providers"
	"github.com/payyield/pyusd-lp/internal/providers/uniswapv3"
	"github.com/payyield/pyusd-lp/internal/strategy"
)

const DefaultSlippageBps int64 = 50

type DepositRequest struct {
	Sender          string
	AmountBaseUnits string
	RangePct        float64
	FeeTier         uint32
	SlippageBps     int64
	// TestMode skips the swap and mints with whatever USDC the wallet holds.
	TestMode bool
	Simulate bool
}

// PlanDeposit splits the PYUSD deposit in half, swaps one half to USDC
// unless the wallet already holds enough, and mints a position around the
// pool's current tick.
func (p *Planner) PlanDeposit(ctx context.Context, req DepositRequest) (execution.Action, error) {
	sender, err := p.parseSender(req.Sender)
	if err != nil {
		return execution.Action{}, err
	}
	total, err := parsePositiveAmount(req.AmountBaseUnits, "deposit amount")
	if err != nil {
		return execution.Action{}, err
	}
	if err := validateSlippage(req.SlippageBps); err != nil {
		return execution.Action{}, err
	}
	rangePct := req.RangePct
	if rangePct == 0 {
		rangePct = uniswapv3.DefaultRangePct
	}

	half := new(big.Int).Div(total, big.NewInt(2))
	swapAmount := new(big.Int).Set(half)
	if req.TestMode {
		swapAmount.SetInt64(0)
	}
	if swapAmount.Cmp(total) > 0 {
		return execution.Action{}, clierr.New(clierr.CodeActionPlan, "swap amount exceeds deposit amount")
	}

	state, err := p.uniswap.LoadPool(ctx, p.pair, req.FeeTier)
	if err != nil {
		return execution.Action{}, err
	}
	tickRange, err := uniswapv3.SuggestRange(state.Tick, state.Fee, rangePct)
	if err != nil {
		return execution.Action{}, err
	}

	base, quote := p.pair.Base, p.pair.Quote
	usdcBalance, err := p.reader.BalanceOf(ctx, common.HexToAddress(quote.Address), sender)
	if err != nil {
		return execution.Action{}, err
	}

	action := execution.NewAction(execution.NewActionID(), execution.IntentDeposit, p.chain.CAIP2, execution.Constraints{
		SlippageBps: req.SlippageBps,
		Deadline:    time.Unix(p.uniswap.Deadline().Int64(), 0).UTC().Format(time.RFC3339),
		Simulate:    req.Simulate,
	})
	action.Provider = uniswapv3.ProviderName
	action.FromAddress = sender.Hex()
	action.ToAddress = p.uniswap.PositionManager().Hex()
	action.InputAmount = total.String()

	var (
		pyusdAmount  *big.Int
		usdcAmount   *big.Int
		swapProvider = "none"
	)
	switch {
	case req.TestMode:
		pyusdAmount = half
		usdcAmount = minBig(usdcBalance, half)
		action.Warnings = append(action.Warnings, "test mode: no swap, minting with wallet USDC")
	case swapAmount.Sign() > 0 && usdcBalance.Cmp(swapAmount) >= 0:
		pyusdAmount = new(big.Int).Sub(total, swapAmount)
		usdcAmount = new(big.Int).Set(swapAmount)
		action.Warnings = append(action.Warnings, "wallet USDC covers the swap leg; swap skipped")
	default:
		swap, warnings, err := p.routeSwap(ctx, providers.SwapQuoteRequest{
			Chain:           p.chain,
			FromAsset:       base,
			ToAsset:         quote,
			AmountBaseUnits: swapAmount.String(),
			Taker:           sender.Hex(),
			SlippageBps:     req.SlippageBps,
		}, state.Fee, "deposit")
		action.Warnings = append(action.Warnings, warnings...)
		if err != nil {
			return execution.Action{}, err
		}
		if err := p.appendSwapSteps(ctx, &action, "deposit", swap, base, sender, swapAmount); err != nil {
			return execution.Action{}, err
		}
		minOut, ok := new(big.Int).SetString(swap.MinimumOut, 10)
		if !ok {
			return execution.Action{}, clierr.New(clierr.CodeActionPlan, "swap quote has no minimum output")
		}
		pyusdAmount = new(big.Int).Sub(total, swapAmount)
		usdcAmount = minOut
		swapProvider = swap.Quote.Provider
		action.Metadata["swap_route"] = swap.Quote.Route
		action.Metadata["swap_estimated_out"] = swap.Quote.EstimatedOut.AmountBaseUnits
	}
	if pyusdAmount.Sign() <= 0 || usdcAmount.Sign() <= 0 {
		return execution.Action{}, clierr.New(clierr.CodeActionPlan,
			fmt.Sprintf("both deposit amounts must be positive (PYUSD %s, USDC %s)", pyusdAmount.String(), usdcAmount.String()))
	}

	pm := p.uniswap.PositionManager()
	if err := p.appendApprovalIfNeeded(ctx, &action, "approve-pm-pyusd", base, sender, pm, pyusdAmount, "Approve PYUSD for position manager"); err != nil {
		return execution.Action{}, err
	}
	if err := p.appendApprovalIfNeeded(ctx, &action, "approve-pm-usdc", quote, sender, pm, usdcAmount, "Approve USDC for position manager"); err != nil {
		return execution.Action{}, err
	}

	amount0, amount1 := uniswapv3.OrderAmounts(state, common.HexToAddress(base.Address), pyusdAmount, usdcAmount)
	mintData, err := uniswapv3.PackMint(uniswapv3.MintParams{
		Token0:         state.Token0,
		Token1:         state.Token1,
		Fee:            big.NewInt(int64(state.Fee)),
		TickLower:      big.NewInt(int64(tickRange.TickLower)),
		TickUpper:      big.NewInt(int64(tickRange.TickUpper)),
		Amount0Desired: amount0,
		Amount1Desired: amount1,
		Amount0Min:     big.NewInt(0),
		Amount1Min:     big.NewInt(0),
		Recipient:      sender,
		Deadline:       p.uniswap.Deadline(),
	})
	if err != nil {
		return execution.Action{}, err
	}
	action.Steps = append(action.Steps, execution.ActionStep{
		StepID:      "mint-position",
		Type:        execution.StepTypeMint,
		Status:      execution.StepStatusPending,
		ChainID:     p.chain.CAIP2,
		RPCURL:      p.rpcURL,
		Description: fmt.Sprintf("Mint PYUSD/USDC position [%d, %d]", tickRange.TickLower, tickRange.TickUpper),
		Target:      pm.Hex(),
		Data:        mintData,
		Value:       "0",
		ExpectedOutputs: map[string]string{
			"pool":            state.Address.Hex(),
			"fee":             fmt.Sprintf("%d", state.Fee),
			"tick_lower":      fmt.Sprintf("%d", tickRange.TickLower),
			"tick_upper":      fmt.Sprintf("%d", tickRange.TickUpper),
			"amount0_desired": amount0.String(),
			"amount1_desired": amount1.String(),
		},
	})

	action.Metadata["strategy"] = strategy.LiquidityPoolID
	action.Metadata["pool"] = state.Address.Hex()
	action.Metadata["fee"] = state.Fee
	action.Metadata["current_tick"] = state.Tick
	action.Metadata["tick_lower"] = tickRange.TickLower
	action.Metadata["tick_upper"] = tickRange.TickUpper
	action.Metadata["range_pct"] = rangePct
	action.Metadata["swap_amount"] = swapAmount.String()
	action.Metadata["swap_provider"] = swapProvider
	action.Metadata["pyusd_amount"] = pyusdAmount.String()
	action.Metadata["usdc_amount"] = usdcAmount.String()
	action.Metadata["test_mode"] = req.TestMode

	p.logger.Info("deposit planned",
		zap.String("action_id", action.ActionID),
		zap.String("pool", state.Address.Hex()),
		zap.Uint32("fee", state.Fee),
		zap.String("swap_provider", swapProvider),
		zap.Int("steps", len(action.Steps)),
	)
	return action, nil
}

// LiquidityHook records the token id, liquidity and token amounts from the
// position manager's IncreaseLiquidity or Collect log onto mint and
// withdraw steps. A mint also copies them into the action metadata.
func LiquidityHook(positionManager common.Address) execution.StepHook {
	return func(_ context.Context, action *execution.Action, step *execution.ActionStep, receipt *types.Receipt) error {
		var (
			event uniswapv3.LiquidityEvent
			ok    bool
		)
		switch step.Type {
		case execution.StepTypeMint:
			event, ok = uniswapv3.DecodeIncreaseLiquidity(receipt, positionManager)
		case execution.StepTypeWithdraw:
			event, ok = uniswapv3.DecodeCollect(receipt, positionManager)
		default:
			return nil
		}
		if !ok {
			step.SetOutput("decode_warning", "liquidity event not found in receipt")
			return nil
		}
		values := map[string]string{"token_id": event.TokenID.String()}
		if event.Liquidity != nil {
			values["liquidity"] = event.Liquidity.String()
		}
		if event.Amount0 != nil {
			values["amount0"] = event.Amount0.String()
		}
		if event.Amount1 != nil {
			values["amount1"] = event.Amount1.String()
		}
		for key, value := range values {
			step.SetOutput(key, value)
		}
		if step.Type != execution.StepTypeMint || action == nil {
			return nil
		}
		if action.Metadata == nil {
			action.Metadata = map[string]any{}
		}
		for key, value := range values {
			action.Metadata[key] = value
		}
		return nil
	}
}
