package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/payyield/pyusd-lp/internal/execution"
	"github.com/payyield/pyusd-lp/internal/execution/planner"
	execsigner "github.com/payyield/pyusd-lp/internal/execution/signer"
	"github.com/payyield/pyusd-lp/internal/id"
	"github.com/payyield/pyusd-lp/internal/model"
	"github.com/payyield/pyusd-lp/internal/providers/uniswapv3"
)

// withdrawResult pairs a withdrawal with the swap-back action that followed it.
type withdrawResult struct {
	Withdraw execution.Action  `json:"withdraw"`
	SwapBack *execution.Action `json:"swap_back,omitempty"`
}

func (s *runtimeState) newWithdrawCommand() *cobra.Command {
	root := &cobra.Command{Use: "withdraw", Short: "Withdraw a PYUSD/USDC liquidity position"}

	buildAction := func(tokenID, fromAddress string, simulate bool) (execution.Action, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
		defer cancel()
		p, err := s.connect(ctx)
		if err != nil {
			return execution.Action{}, err
		}
		return p.PlanWithdraw(ctx, planner.WithdrawRequest{
			Sender:   fromAddress,
			TokenID:  tokenID,
			Simulate: simulate,
		})
	}

	var planTokenID, planFromAddress string
	var planSimulate bool
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Create and persist a withdraw action plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			start := time.Now()
			action, err := buildAction(planTokenID, planFromAddress, planSimulate)
			status := []model.ProviderStatus{providerStatus(uniswapv3.ProviderName, start, err)}
			s.captureCommandDiagnostics(nil, status, false)
			if err != nil {
				return err
			}
			if err := s.saveAction(action); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, nil, cacheMetaBypass(), status, false)
		},
	}
	planCmd.Flags().StringVar(&planTokenID, "token-id", "", "Position NFT token id")
	planCmd.Flags().StringVar(&planFromAddress, "from-address", "", "Position owner EOA address")
	planCmd.Flags().BoolVar(&planSimulate, "simulate", true, "Include simulation checks during execution")
	_ = planCmd.MarkFlagRequired("token-id")
	_ = planCmd.MarkFlagRequired("from-address")
	root.AddCommand(planCmd)

	var runTokenID, runFromAddress string
	var runSwapBack bool
	var runSwapBackSlippage int64
	var runFlags executeFlags
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Withdraw a position and swap the USDC leg back to PYUSD",
		RunE: func(cmd *cobra.Command, _ []string) error {
			txSigner, sender, err := resolveRunSignerAndFromAddress(runFlags, runFromAddress)
			if err != nil {
				return err
			}
			execOpts, err := s.executeOptions(runFlags)
			if err != nil {
				return err
			}
			start := time.Now()
			action, err := buildAction(runTokenID, sender, runFlags.simulate)
			status := []model.ProviderStatus{providerStatus(uniswapv3.ProviderName, start, err)}
			s.captureCommandDiagnostics(nil, status, false)
			if err != nil {
				return err
			}
			if err := s.saveAction(action); err != nil {
				return err
			}
			if err := s.executeActionWithTimeout(&action, txSigner, execOpts); err != nil {
				return err
			}

			result := withdrawResult{Withdraw: action}
			var warnings []string
			if runSwapBack {
				swapBack, warning := s.runSwapBackAfterWithdraw(action, txSigner, sender, runSwapBackSlippage, runFlags.simulate, execOpts)
				result.SwapBack = swapBack
				if warning != "" {
					warnings = append(warnings, warning)
				}
			}
			s.captureCommandDiagnostics(warnings, status, false)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), result, warnings, cacheMetaBypass(), status, false)
		},
	}
	runCmd.Flags().StringVar(&runTokenID, "token-id", "", "Position NFT token id")
	runCmd.Flags().StringVar(&runFromAddress, "from-address", "", "Position owner EOA address (defaults to signer)")
	runCmd.Flags().BoolVar(&runSwapBack, "swap-back", true, "Swap received USDC back to PYUSD after withdrawing")
	runCmd.Flags().Int64Var(&runSwapBackSlippage, "swap-back-slippage-bps", planner.DefaultSwapBackSlippageBps, "Max swap-back slippage in basis points")
	runFlags.register(runCmd)
	_ = runCmd.MarkFlagRequired("token-id")
	root.AddCommand(runCmd)

	root.AddCommand(s.newSubmitCommand(execution.IntentWithdraw, "withdraw"))
	root.AddCommand(s.newStatusCommand(execution.IntentWithdraw, "withdraw"))
	return root
}

// runSwapBackAfterWithdraw plans and executes the USDC->PYUSD swap for a
// completed withdrawal. Failures never fail the withdrawal; they come back
// as a warning and the USDC stays in the wallet.
func (s *runtimeState) runSwapBackAfterWithdraw(parent execution.Action, txSigner execsigner.Signer, sender string, slippageBps int64, simulate bool, opts execution.ExecuteOptions) (*execution.Action, string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
	defer cancel()
	log := s.logger.With(zap.String("parent_action_id", parent.ActionID))

	p, err := s.connect(ctx)
	if err != nil {
		return nil, fmt.Sprintf("swap-back skipped: %v; USDC remains in wallet", err)
	}
	action, err := p.PlanSwapBack(ctx, planner.SwapBackRequest{
		Sender:         sender,
		SlippageBps:    slippageBps,
		ParentActionID: parent.ActionID,
		Simulate:       simulate,
	})
	if errors.Is(err, planner.ErrNothingToSwap) {
		log.Info("no USDC to swap back")
		return nil, ""
	}
	if err != nil {
		log.Warn("swap-back planning failed", zap.Error(err))
		return nil, fmt.Sprintf("swap-back planning failed: %v; USDC remains in wallet", err)
	}
	if err := s.saveAction(action); err != nil {
		return nil, fmt.Sprintf("swap-back not persisted: %v; USDC remains in wallet", err)
	}
	if err := s.executeActionWithTimeout(&action, txSigner, opts); err != nil {
		log.Warn("swap-back execution failed", zap.String("action_id", action.ActionID), zap.Error(err))
		return &action, fmt.Sprintf("swap-back %s failed: %v; USDC remains in wallet", action.ActionID, err)
	}
	return &action, ""
}

func (s *runtimeState) newSwapBackCommand() *cobra.Command {
	root := &cobra.Command{Use: "swapback", Short: "Swap wallet USDC back to PYUSD"}
	pair := uniswapv3.PairAssets(s.target)

	type swapBackArgs struct {
		amountBase    string
		amountDecimal string
		fromAddress   string
		slippageBps   int64
		feeTier       uint32
	}
	register := func(cmd *cobra.Command, a *swapBackArgs) {
		cmd.Flags().StringVar(&a.amountBase, "amount", "", "USDC amount in base units (defaults to full balance)")
		cmd.Flags().StringVar(&a.amountDecimal, "amount-decimal", "", "USDC amount in decimal units (defaults to full balance)")
		cmd.Flags().StringVar(&a.fromAddress, "from-address", "", "Sender EOA address")
		cmd.Flags().Int64Var(&a.slippageBps, "slippage-bps", planner.DefaultSwapBackSlippageBps, "Max swap slippage in basis points")
		cmd.Flags().Uint32Var(&a.feeTier, "fee-tier", 0, "Router fee tier used when the aggregator misses; 0 prefers 3000")
	}
	buildAction := func(args swapBackArgs, simulate bool) (execution.Action, error) {
		if err := validateFeeTier(args.feeTier); err != nil {
			return execution.Action{}, err
		}
		amount := ""
		if args.amountBase != "" || args.amountDecimal != "" {
			base, _, err := id.NormalizeAmount(args.amountBase, args.amountDecimal, pair.Quote.Decimals)
			if err != nil {
				return execution.Action{}, err
			}
			amount = base
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
		defer cancel()
		p, err := s.connect(ctx)
		if err != nil {
			return execution.Action{}, err
		}
		return p.PlanSwapBack(ctx, planner.SwapBackRequest{
			Sender:          args.fromAddress,
			AmountBaseUnits: amount,
			SlippageBps:     args.slippageBps,
			FeeTier:         args.feeTier,
			Simulate:        simulate,
		})
	}

	var plan swapBackArgs
	var planSimulate bool
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Create and persist a swap-back action plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			start := time.Now()
			action, err := buildAction(plan, planSimulate)
			status := []model.ProviderStatus{providerStatus(swapProvider(action), start, err)}
			s.captureCommandDiagnostics(nil, status, false)
			if err != nil {
				return err
			}
			if err := s.saveAction(action); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, action.Warnings, cacheMetaBypass(), status, false)
		},
	}
	register(planCmd, &plan)
	planCmd.Flags().BoolVar(&planSimulate, "simulate", true, "Include simulation checks during execution")
	_ = planCmd.MarkFlagRequired("from-address")
	root.AddCommand(planCmd)

	var run swapBackArgs
	var runFlags executeFlags
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Plan and execute a swap-back",
		RunE: func(cmd *cobra.Command, _ []string) error {
			txSigner, sender, err := resolveRunSignerAndFromAddress(runFlags, run.fromAddress)
			if err != nil {
				return err
			}
			execOpts, err := s.executeOptions(runFlags)
			if err != nil {
				return err
			}
			args := run
			args.fromAddress = sender
			start := time.Now()
			action, err := buildAction(args, runFlags.simulate)
			status := []model.ProviderStatus{providerStatus(swapProvider(action), start, err)}
			s.captureCommandDiagnostics(nil, status, false)
			if err != nil {
				return err
			}
			if err := s.saveAction(action); err != nil {
				return err
			}
			if err := s.executeActionWithTimeout(&action, txSigner, execOpts); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, action.Warnings, cacheMetaBypass(), status, false)
		},
	}
	register(runCmd, &run)
	runFlags.register(runCmd)
	root.AddCommand(runCmd)

	root.AddCommand(s.newSubmitCommand(execution.IntentSwapBack, "swap-back"))
	root.AddCommand(s.newStatusCommand(execution.IntentSwapBack, "swap-back"))
	return root
}

func swapProvider(action execution.Action) string {
	if action.Provider != "" {
		return action.Provider
	}
	return uniswapv3.ProviderName
}
