package app

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/execution"
)

func (s *runtimeState) newActionsCommand() *cobra.Command {
	root := &cobra.Command{Use: "actions", Short: "Inspect persisted actions"}

	var status, intent, parent string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List persisted actions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 0 {
				return clierr.New(clierr.CodeUsage, "--limit must be >= 0")
			}
			if err := s.ensureActionStore(); err != nil {
				return err
			}
			items, err := s.actionStore.List(execution.ListFilter{
				Status:         strings.ToLower(strings.TrimSpace(status)),
				IntentType:     strings.ToLower(strings.TrimSpace(intent)),
				ParentActionID: strings.TrimSpace(parent),
				Limit:          limit,
			})
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list actions", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, cacheMetaBypass(), nil, false)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status (planned|running|completed|failed)")
	list.Flags().StringVar(&intent, "intent", "", "Filter by intent (deposit|withdraw|swap_back)")
	list.Flags().StringVar(&parent, "parent-action-id", "", "List actions spawned by this action")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum actions to return")
	root.AddCommand(list)

	var showID string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show one persisted action",
		RunE: func(cmd *cobra.Command, _ []string) error {
			actionID, err := resolveActionID(showID)
			if err != nil {
				return err
			}
			action, err := s.loadAction(actionID, "")
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, nil, cacheMetaBypass(), nil, false)
		},
	}
	show.Flags().StringVar(&showID, "action-id", "", "Action identifier")
	root.AddCommand(show)

	var estimateID, stepIDs, blockTag, maxFeeGwei, maxPriorityFeeGwei string
	var gasMultiplier float64
	var includeConfirmed bool
	estimate := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate gas and fees for an action's pending steps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			actionID, err := resolveActionID(estimateID)
			if err != nil {
				return err
			}
			action, err := s.loadAction(actionID, "")
			if err != nil {
				return err
			}
			opts := execution.DefaultEstimateOptions()
			opts.StepIDs = splitCSV(stepIDs)
			opts.GasMultiplier = gasMultiplier
			opts.MaxFeeGwei = strings.TrimSpace(maxFeeGwei)
			opts.MaxPriorityFeeGwei = strings.TrimSpace(maxPriorityFeeGwei)
			opts.IncludeConfirmed = includeConfirmed
			if strings.TrimSpace(blockTag) != "" {
				opts.BlockTag = execution.EstimateBlockTag(strings.ToLower(strings.TrimSpace(blockTag)))
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()
			result, err := execution.EstimateActionGas(ctx, action, opts)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), result, nil, cacheMetaBypass(), nil, false)
		},
	}
	estimate.Flags().StringVar(&estimateID, "action-id", "", "Action identifier")
	estimate.Flags().StringVar(&stepIDs, "step-ids", "", "Only estimate these steps (comma-separated)")
	estimate.Flags().StringVar(&blockTag, "block-tag", string(execution.EstimateBlockTagPending), "Block tag for estimation (latest|pending)")
	estimate.Flags().Float64Var(&gasMultiplier, "gas-multiplier", 1.2, "Gas estimate safety multiplier")
	estimate.Flags().StringVar(&maxFeeGwei, "max-fee-gwei", "", "Optional EIP-1559 max fee (gwei)")
	estimate.Flags().StringVar(&maxPriorityFeeGwei, "max-priority-fee-gwei", "", "Optional EIP-1559 max priority fee (gwei)")
	estimate.Flags().BoolVar(&includeConfirmed, "include-confirmed", false, "Include steps already confirmed on chain")
	root.AddCommand(estimate)
	return root
}
