package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/execution"
	"github.com/payyield/pyusd-lp/internal/execution/planner"
	execsigner "github.com/payyield/pyusd-lp/internal/execution/signer"
	"github.com/payyield/pyusd-lp/internal/registry"
)

// executeFlags are shared by every run and submit command.
type executeFlags struct {
	signer             string
	keySource          string
	privateKey         string
	confirmAddress     string
	simulate           bool
	pollInterval       string
	stepTimeout        string
	gasMultiplier      float64
	maxFeeGwei         string
	maxPriorityFeeGwei string
	allowMaxApproval   bool
}

func (f *executeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.signer, "signer", "local", "Signer backend (local)")
	cmd.Flags().StringVar(&f.keySource, "key-source", execsigner.KeySourceAuto, "Key source (auto|env|file|keystore)")
	cmd.Flags().StringVar(&f.privateKey, "private-key", "", "Private key hex override for local signer (less safe)")
	cmd.Flags().StringVar(&f.confirmAddress, "confirm-address", "", "Fail unless the signer resolves to this address")
	cmd.Flags().BoolVar(&f.simulate, "simulate", true, "Run preflight simulation before submission")
	cmd.Flags().StringVar(&f.pollInterval, "poll-interval", "2s", "Receipt polling interval")
	cmd.Flags().StringVar(&f.stepTimeout, "step-timeout", "2m", "Per-step receipt timeout")
	cmd.Flags().Float64Var(&f.gasMultiplier, "gas-multiplier", 1.2, "Gas estimate safety multiplier")
	cmd.Flags().StringVar(&f.maxFeeGwei, "max-fee-gwei", "", "Optional EIP-1559 max fee (gwei)")
	cmd.Flags().StringVar(&f.maxPriorityFeeGwei, "max-priority-fee-gwei", "", "Optional EIP-1559 max priority fee (gwei)")
	cmd.Flags().BoolVar(&f.allowMaxApproval, "allow-max-approval", false, "Allow approval amounts greater than planned input amount")
}

func newExecutionSigner(backend, keySource, privateKey, confirmAddress string) (*execsigner.LocalSigner, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "local":
	default:
		return nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("signer backend %q is not supported (expected local)", backend))
	}
	localSigner, err := execsigner.Load(keySource, privateKey)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "initialize local signer", err)
	}
	if err := execsigner.ConfirmAddress(localSigner, confirmAddress); err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "confirm signer address", err)
	}
	return localSigner, nil
}

// resolveRunSignerAndFromAddress loads the signer for a run command. An
// empty --from-address defaults to the signer's address.
func resolveRunSignerAndFromAddress(f executeFlags, fromAddress string) (execsigner.Signer, string, error) {
	txSigner, err := newExecutionSigner(f.signer, f.keySource, f.privateKey, f.confirmAddress)
	if err != nil {
		return nil, "", err
	}
	fromAddress = strings.TrimSpace(fromAddress)
	if fromAddress == "" {
		return txSigner, txSigner.Address().Hex(), nil
	}
	if !strings.EqualFold(fromAddress, txSigner.Address().Hex()) {
		return nil, "", clierr.New(clierr.CodeSigner, "signer address does not match --from-address")
	}
	return txSigner, txSigner.Address().Hex(), nil
}

func parseExecuteOptions(f executeFlags) (execution.ExecuteOptions, error) {
	opts := execution.DefaultExecuteOptions()
	opts.Simulate = f.simulate
	if strings.TrimSpace(f.pollInterval) != "" {
		d, err := time.ParseDuration(f.pollInterval)
		if err != nil || d <= 0 {
			return execution.ExecuteOptions{}, clierr.New(clierr.CodeUsage, "--poll-interval must be a positive duration")
		}
		opts.PollInterval = d
	}
	if strings.TrimSpace(f.stepTimeout) != "" {
		d, err := time.ParseDuration(f.stepTimeout)
		if err != nil || d <= 0 {
			return execution.ExecuteOptions{}, clierr.New(clierr.CodeUsage, "--step-timeout must be a positive duration")
		}
		opts.StepTimeout = d
	}
	if f.gasMultiplier != 0 {
		if f.gasMultiplier <= 1 {
			return execution.ExecuteOptions{}, clierr.New(clierr.CodeUsage, "--gas-multiplier must be > 1")
		}
		opts.GasMultiplier = f.gasMultiplier
	}
	opts.MaxFeeGwei = strings.TrimSpace(f.maxFeeGwei)
	opts.MaxPriorityFeeGwei = strings.TrimSpace(f.maxPriorityFeeGwei)
	opts.AllowMaxApproval = f.allowMaxApproval
	return opts, nil
}

// executeOptions parses f and attaches this invocation's logger, metrics
// and the liquidity receipt decoder.
func (s *runtimeState) executeOptions(f executeFlags) (execution.ExecuteOptions, error) {
	opts, err := parseExecuteOptions(f)
	if err != nil {
		return execution.ExecuteOptions{}, err
	}
	opts.Logger = s.logger
	opts.Recorder = s.metrics
	if contracts, ok := registry.UniswapV3Contracts(s.target.EVMChainID); ok {
		opts.AfterStep = planner.LiquidityHook(common.HexToAddress(contracts.PositionManager))
	}
	return opts, nil
}

func resolveActionID(actionID string) (string, error) {
	actionID = strings.TrimSpace(actionID)
	if actionID == "" {
		return "", clierr.New(clierr.CodeUsage, "--action-id is required")
	}
	return actionID, nil
}

// shouldOpenActionStore reports whether the command reads or writes
// persisted actions.
func shouldOpenActionStore(commandPath string) bool {
	parts := strings.Fields(normalizeCommandPath(commandPath))
	if len(parts) == 0 {
		return false
	}
	if parts[0] == "actions" {
		return true
	}
	if len(parts) < 2 {
		return false
	}
	switch parts[0] {
	case "deposit", "withdraw", "swapback":
	default:
		return false
	}
	switch parts[len(parts)-1] {
	case "plan", "run", "submit", "status":
		return true
	default:
		return false
	}
}

func (s *runtimeState) ensureActionStore() error {
	if s.actionStore != nil {
		return nil
	}
	store, err := execution.OpenStore(s.settings.ActionStorePath, s.settings.ActionLockPath)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "open action store", err)
	}
	s.actionStore = store
	return nil
}

func (s *runtimeState) saveAction(action execution.Action) error {
	if err := s.ensureActionStore(); err != nil {
		return err
	}
	if err := s.actionStore.Save(action); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "persist planned action", err)
	}
	return nil
}

// loadAction reads a persisted action and checks it belongs to intent.
func (s *runtimeState) loadAction(actionID, intent string) (execution.Action, error) {
	if err := s.ensureActionStore(); err != nil {
		return execution.Action{}, err
	}
	action, err := s.actionStore.Get(actionID)
	if err != nil {
		if errors.Is(err, execution.ErrActionNotFound) {
			return execution.Action{}, clierr.Wrap(clierr.CodeUsage, "load action", err)
		}
		return execution.Action{}, clierr.Wrap(clierr.CodeInternal, "load action", err)
	}
	if intent != "" && action.IntentType != intent {
		return execution.Action{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("action %s is a %s action, not %s", actionID, action.IntentType, intent))
	}
	return action, nil
}

// executeActionWithTimeout bounds execution by the request timeout plus one
// receipt window per pending step.
func (s *runtimeState) executeActionWithTimeout(action *execution.Action, txSigner execsigner.Signer, opts execution.ExecuteOptions) error {
	timeout := s.settings.Timeout + time.Duration(action.PendingSteps())*(opts.StepTimeout+s.settings.Timeout)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("executing action",
		zap.String("action_id", action.ActionID),
		zap.String("intent", action.IntentType),
		zap.Int("pending_steps", action.PendingSteps()),
	)
	return execution.ExecuteAction(ctx, s.actionStore, action, txSigner, opts)
}

// newSubmitCommand executes an already planned action of intent.
func (s *runtimeState) newSubmitCommand(intent, noun string) *cobra.Command {
	var actionID, fromAddress string
	var flags executeFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: fmt.Sprintf("Execute an existing %s action", noun),
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := resolveActionID(actionID)
			if err != nil {
				return err
			}
			action, err := s.loadAction(id, intent)
			if err != nil {
				return err
			}
			if action.Status == execution.ActionStatusCompleted {
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, []string{"action already completed"}, cacheMetaBypass(), nil, false)
			}
			txSigner, err := newExecutionSigner(flags.signer, flags.keySource, flags.privateKey, flags.confirmAddress)
			if err != nil {
				return err
			}
			if strings.TrimSpace(fromAddress) != "" && !strings.EqualFold(strings.TrimSpace(fromAddress), txSigner.Address().Hex()) {
				return clierr.New(clierr.CodeSigner, "signer address does not match --from-address")
			}
			if strings.TrimSpace(action.FromAddress) != "" && !strings.EqualFold(strings.TrimSpace(action.FromAddress), txSigner.Address().Hex()) {
				return clierr.New(clierr.CodeSigner, "signer address does not match planned action sender")
			}
			execOpts, err := s.executeOptions(flags)
			if err != nil {
				return err
			}
			if err := s.executeActionWithTimeout(&action, txSigner, execOpts); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, action.Warnings, cacheMetaBypass(), nil, false)
		},
	}
	cmd.Flags().StringVar(&actionID, "action-id", "", "Action identifier")
	cmd.Flags().StringVar(&fromAddress, "from-address", "", "Expected sender EOA address")
	flags.register(cmd)
	return cmd
}

func (s *runtimeState) newStatusCommand(intent, noun string) *cobra.Command {
	var actionID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: fmt.Sprintf("Get %s action status", noun),
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := resolveActionID(actionID)
			if err != nil {
				return err
			}
			action, err := s.loadAction(id, intent)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), action, nil, cacheMetaBypass(), nil, false)
		},
	}
	cmd.Flags().StringVar(&actionID, "action-id", "", "Action identifier")
	return cmd
}
