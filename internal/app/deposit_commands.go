package app

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/payyield/pyusd-lp/internal/cache"
	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/execution"
	"github.com/payyield/pyusd-lp/internal/execution/planner"
	"github.com/payyield/pyusd-lp/internal/id"
	"github.com/payyield/pyusd-lp/internal/model"
	"github.com/payyield/pyusd-lp/internal/providers/uniswapv3"
	"github.com/payyield/pyusd-lp/internal/strategy"
)

const depositQuoteTTL = 15 * time.Second

type depositArgs struct {
	strategy      string
	amountBase    string
	amountDecimal string
	fromAddress   string
	rangePct      float64
	feeTier       uint32
	slippageBps   int64
	noSwap        bool
}

func (a *depositArgs) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&a.strategy, "strategy", strategy.LiquidityPoolID, "Strategy id or name")
	cmd.Flags().StringVar(&a.amountBase, "amount", "", "PYUSD amount in base units")
	cmd.Flags().StringVar(&a.amountDecimal, "amount-decimal", "", "PYUSD amount in decimal units")
	cmd.Flags().StringVar(&a.fromAddress, "from-address", "", "Sender EOA address")
	cmd.Flags().Float64Var(&a.rangePct, "range-pct", uniswapv3.DefaultRangePct, "Half-width of the position range in percent")
	cmd.Flags().Uint32Var(&a.feeTier, "fee-tier", 0, "Pin the pool fee tier (100|500|3000|10000); 0 discovers")
	cmd.Flags().Int64Var(&a.slippageBps, "slippage-bps", planner.DefaultSlippageBps, "Max swap slippage in basis points")
	cmd.Flags().BoolVar(&a.noSwap, "no-swap", false, "Test mode: skip the swap and mint with wallet USDC")
}

func (s *runtimeState) newDepositCommand() *cobra.Command {
	root := &cobra.Command{Use: "deposit", Short: "Deposit PYUSD into the PYUSD/USDC liquidity strategy"}
	pair := uniswapv3.PairAssets(s.target)

	buildAction := func(args depositArgs, simulate bool) (execution.Action, error) {
		if _, err := strategy.Executable(args.strategy); err != nil {
			return execution.Action{}, err
		}
		if err := validateFeeTier(args.feeTier); err != nil {
			return execution.Action{}, err
		}
		if args.rangePct <= 0 {
			return execution.Action{}, clierr.New(clierr.CodeUsage, "--range-pct must be positive")
		}
		base, _, err := id.NormalizeAmount(args.amountBase, args.amountDecimal, pair.Base.Decimals)
		if err != nil {
			return execution.Action{}, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
		defer cancel()
		p, err := s.connect(ctx)
		if err != nil {
			return execution.Action{}, err
		}
		return p.PlanDeposit(ctx, planner.DepositRequest{
			Sender:          args.fromAddress,
			AmountBaseUnits: base,
			RangePct:        args.rangePct,
			FeeTier:         args.feeTier,
			SlippageBps:     args.slippageBps,
			TestMode:        args.noSwap,
			Simulate:        simulate,
		})
	}

	var quote depositArgs
	quoteCmd := &cobra.Command{
		Use:   "quote",
		Short: "Review a deposit: swap split, routing fee and minimum after slippage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := strategy.Executable(quote.strategy); err != nil {
				return err
			}
			if err := validateFeeTier(quote.feeTier); err != nil {
				return err
			}
			base, _, err := id.NormalizeAmount(quote.amountBase, quote.amountDecimal, pair.Base.Decimals)
			if err != nil {
				return err
			}
			req := planner.QuoteRequest{
				AmountBaseUnits: base,
				Sender:          quote.fromAddress,
				NoSwap:          quote.noSwap,
				FeeTier:         quote.feeTier,
				SlippageBps:     quote.slippageBps,
			}
			key := cache.Key(trimRootPath(cmd.CommandPath()), req)
			return s.runCachedCommand(trimRootPath(cmd.CommandPath()), key, depositQuoteTTL, func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
				start := time.Now()
				p, err := s.connect(ctx)
				if err != nil {
					return nil, []model.ProviderStatus{providerStatus(uniswapv3.ProviderName, start, err)}, nil, false, err
				}
				review, warnings, err := p.QuoteDeposit(ctx, req)
				name := uniswapv3.ProviderName
				if review.Quote != nil {
					name = review.Quote.Provider
				}
				return review, []model.ProviderStatus{providerStatus(name, start, err)}, warnings, false, err
			})
		},
	}
	quote.register(quoteCmd)
	quoteCmd.Flags().Lookup("from-address").Usage = "Taker address; enables the aggregator quote"
	root.AddCommand(quoteCmd)

	var plan depositArgs
	var planSimulate bool
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Create and persist a deposit action plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			start := time.Now()
			action, err := buildAction(plan, planSimulate)
			status := []model.ProviderStatus{providerStatus(actionProvider(action), start, err)}
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
	plan.register(planCmd)
	planCmd.Flags().BoolVar(&planSimulate, "simulate", true, "Include simulation checks during execution")
	_ = planCmd.MarkFlagRequired("from-address")
	root.AddCommand(planCmd)

	var run depositArgs
	var runFlags executeFlags
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Plan and execute a deposit",
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
			status := []model.ProviderStatus{providerStatus(actionProvider(action), start, err)}
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
	run.register(runCmd)
	runFlags.register(runCmd)
	root.AddCommand(runCmd)

	root.AddCommand(s.newSubmitCommand(execution.IntentDeposit, "deposit"))
	root.AddCommand(s.newStatusCommand(execution.IntentDeposit, "deposit"))
	return root
}

func actionProvider(action execution.Action) string {
	if v, ok := action.Metadata["swap_provider"].(string); ok && v != "" && v != "none" {
		return v
	}
	return uniswapv3.ProviderName
}
