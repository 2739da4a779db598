package execution

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/execution/signer"
	"github.com/payyield/pyusd-lp/internal/registry"
)

// StepRecorder receives step outcomes. *metrics.Metrics satisfies it.
type StepRecorder interface {
	RecordStep(stepType, status string)
	RecordConfirmLatency(stepType string, seconds float64)
}

// StepHook runs after a step's receipt is confirmed. It may record receipt
// data on the step or the action. Returning an error fails the step.
type StepHook func(ctx context.Context, action *Action, step *ActionStep, receipt *types.Receipt) error

type ExecuteOptions struct {
	Simulate           bool
	PollInterval       time.Duration
	StepTimeout        time.Duration
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
	AllowMaxApproval   bool
	Logger             *zap.Logger
	Recorder           StepRecorder
	AfterStep          StepHook
}

func DefaultExecuteOptions() ExecuteOptions {
	return ExecuteOptions{
		Simulate:      true,
		PollInterval:  2 * time.Second,
		StepTimeout:   2 * time.Minute,
		GasMultiplier: 1.2,
	}
}

func ExecuteAction(ctx context.Context, store *Store, action *Action, txSigner signer.Signer, opts ExecuteOptions) error {
	if action == nil {
		return clierr.New(clierr.CodeInternal, "missing action")
	}
	if txSigner == nil {
		return clierr.New(clierr.CodeSigner, "missing signer")
	}
	if len(action.Steps) == 0 {
		return clierr.New(clierr.CodeUsage, "action has no executable steps")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 2 * time.Minute
	}
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = 1.2
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if from := strings.TrimSpace(action.FromAddress); from != "" && !strings.EqualFold(from, txSigner.Address().Hex()) {
		return clierr.New(clierr.CodeSigner, fmt.Sprintf("signer %s does not match planned sender %s", txSigner.Address().Hex(), from))
	}
	log := opts.Logger.With(zap.String("action_id", action.ActionID), zap.String("intent", action.IntentType))

	action.Status = ActionStatusRunning
	action.FromAddress = txSigner.Address().Hex()
	action.Touch()
	persist(store, action, log)

	for i := range action.Steps {
		step := &action.Steps[i]
		if step.Status == StepStatusConfirmed {
			continue
		}
		stepLog := log.With(zap.String("step_id", step.StepID), zap.String("step_type", string(step.Type)))
		if strings.TrimSpace(step.RPCURL) == "" {
			return failStep(store, action, step, opts, stepLog, clierr.New(clierr.CodeUsage, "missing rpc url for action step"))
		}
		if !common.IsHexAddress(strings.TrimSpace(step.Target)) {
			return failStep(store, action, step, opts, stepLog, clierr.New(clierr.CodeUsage, "invalid target for action step"))
		}
		client, err := ethclient.DialContext(ctx, step.RPCURL)
		if err != nil {
			return failStep(store, action, step, opts, stepLog, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err))
		}

		err = executeStep(ctx, client, action, txSigner, step, opts, stepLog, func() { persist(store, action, stepLog) })
		client.Close()
		if err != nil {
			return failStep(store, action, step, opts, stepLog, err)
		}
		if opts.Recorder != nil {
			opts.Recorder.RecordStep(string(step.Type), string(StepStatusConfirmed))
		}
		action.Touch()
		persist(store, action, stepLog)
	}
	action.Status = ActionStatusCompleted
	action.Touch()
	persist(store, action, log)
	log.Info("action completed")
	return nil
}

func executeStep(ctx context.Context, client *ethclient.Client, action *Action, txSigner signer.Signer, step *ActionStep, opts ExecuteOptions, log *zap.Logger, checkpoint func()) error {
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	if err := checkStepChain(step.ChainID, chainID.Int64()); err != nil {
		return err
	}
	target := common.HexToAddress(step.Target)
	data, err := decodeHex(step.Data)
	if err != nil {
		return clierr.Wrap(clierr.CodeUsage, "decode step calldata", err)
	}
	value, err := parseNonNegativeBaseUnits(step.Value)
	if err != nil {
		return clierr.Wrap(clierr.CodeUsage, "invalid step value", err)
	}
	if err := validateStepPolicy(action, step, chainID.Int64(), data, opts); err != nil {
		return err
	}

	// A step left in submitted state by an interrupted run is resumed by
	// waiting on its recorded hash instead of broadcasting again.
	if step.Status == StepStatusSubmitted {
		if hash, ok := normalizeStepTxHash(step.TxHash); ok {
			log.Info("resuming submitted step", zap.String("tx_hash", hash.Hex()))
			return waitForReceipt(ctx, client, action, step, hash, chainID.Int64(), opts, log, time.Now())
		}
	}

	msg := ethereum.CallMsg{From: txSigner.Address(), To: &target, Value: value, Data: data}
	if opts.Simulate {
		if _, err := client.CallContract(ctx, msg, nil); err != nil {
			return wrapEVMExecutionError(clierr.CodeActionSim, "simulate step (eth_call)", err)
		}
		step.Status = StepStatusSimulated
		log.Debug("step simulated")
	}

	gasLimit, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return wrapEVMExecutionError(clierr.CodeActionSim, "estimate gas", err)
	}
	gasLimit = uint64(float64(gasLimit) * opts.GasMultiplier)

	tipCap, err := resolveTipCap(ctx, client, opts.MaxPriorityFeeGwei)
	if err != nil {
		return err
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap, err := resolveFeeCap(baseFee, tipCap, opts.MaxFeeGwei)
	if err != nil {
		return err
	}

	unlock := acquireSignerNonceLock(chainID, txSigner.Address())
	nonce, err := client.PendingNonceAt(ctx, txSigner.Address())
	if err != nil {
		unlock()
		return clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &target,
		Value:     value,
		Data:      data,
	})
	signed, err := txSigner.SignTx(chainID, tx)
	if err != nil {
		unlock()
		return clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		unlock()
		return wrapEVMExecutionError(clierr.CodeUnavailable, "broadcast transaction", err)
	}
	unlock()
	sentAt := time.Now()
	step.Status = StepStatusSubmitted
	step.TxHash = signed.Hash().Hex()
	step.ExplorerURL = registry.ExplorerTxURL(chainID.Int64(), step.TxHash)
	log.Info("step broadcast", zap.String("tx_hash", step.TxHash), zap.Uint64("nonce", nonce), zap.Uint64("gas_limit", gasLimit))
	checkpoint()

	return waitForReceipt(ctx, client, action, step, signed.Hash(), chainID.Int64(), opts, log, sentAt)
}

func waitForReceipt(ctx context.Context, client *ethclient.Client, action *Action, step *ActionStep, hash common.Hash, chainID int64, opts ExecuteOptions, log *zap.Logger, sentAt time.Time) error {
	waitCtx, cancel := context.WithTimeout(ctx, opts.StepTimeout)
	defer cancel()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return clierr.New(clierr.CodeUnavailable, fmt.Sprintf("transaction %s reverted on-chain", hash.Hex()))
			}
			step.Status = StepStatusConfirmed
			if step.ExplorerURL == "" {
				step.ExplorerURL = registry.ExplorerTxURL(chainID, hash.Hex())
			}
			step.SetOutput("block_number", receipt.BlockNumber.String())
			step.SetOutput("gas_used", new(big.Int).SetUint64(receipt.GasUsed).String())
			if opts.Recorder != nil {
				opts.Recorder.RecordConfirmLatency(string(step.Type), time.Since(sentAt).Seconds())
			}
			log.Info("step confirmed", zap.String("tx_hash", hash.Hex()), zap.Uint64("gas_used", receipt.GasUsed))
			if opts.AfterStep != nil {
				if err := opts.AfterStep(ctx, action, step, receipt); err != nil {
					return err
				}
			}
			return nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil {
			log.Debug("receipt poll failed", zap.Error(err))
		}
		select {
		case <-waitCtx.Done():
			return clierr.Wrap(clierr.CodeActionTimeout, "timed out waiting for receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// checkStepChain fails when the RPC is connected to a different network
// than the one the step was planned for.
func checkStepChain(stepChainID string, connected int64) error {
	stepChainID = strings.TrimSpace(stepChainID)
	if stepChainID == "" {
		return nil
	}
	got := fmt.Sprintf("eip155:%d", connected)
	if strings.EqualFold(stepChainID, got) {
		return nil
	}
	msg := fmt.Sprintf("rpc is connected to %s but step expects %s", got, stepChainID)
	if target := registry.TargetNetwork(); strings.EqualFold(stepChainID, fmt.Sprintf("eip155:%d", target.ChainID)) {
		msg += fmt.Sprintf("; switch to %s (%s)", target.Name, target.ChainIDHex)
	}
	return clierr.New(clierr.CodeNetwork, msg)
}

func failStep(store *Store, action *Action, step *ActionStep, opts ExecuteOptions, log *zap.Logger, err error) error {
	markStepFailed(action, step, err.Error())
	if opts.Recorder != nil {
		opts.Recorder.RecordStep(string(step.Type), string(StepStatusFailed))
	}
	log.Error("step failed", zap.Error(err))
	persist(store, action, log)
	return err
}

func persist(store *Store, action *Action, log *zap.Logger) {
	if store == nil {
		return
	}
	if err := store.Save(*action); err != nil {
		log.Warn("persist action", zap.Error(err))
	}
}

var (
	signerNonceLocksMu sync.Mutex
	signerNonceLocks   = map[string]*sync.Mutex{}
)

// acquireSignerNonceLock serializes nonce selection and broadcast per signer and chain.
func acquireSignerNonceLock(chainID *big.Int, addr common.Address) func() {
	key := fmt.Sprintf("%s:%s", chainID.String(), strings.ToLower(addr.Hex()))
	signerNonceLocksMu.Lock()
	mu, ok := signerNonceLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		signerNonceLocks[key] = mu
	}
	signerNonceLocksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func normalizeStepTxHash(v string) (common.Hash, bool) {
	clean := strings.TrimSpace(v)
	if !strings.HasPrefix(clean, "0x") || len(clean) != 66 {
		return common.Hash{}, false
	}
	if _, err := hex.DecodeString(clean[2:]); err != nil {
		return common.Hash{}, false
	}
	return common.HexToHash(clean), true
}

func wrapEVMExecutionError(code clierr.Code, message string, err error) error {
	if reason := decodeRevertFromError(err); reason != "" {
		return clierr.Wrap(code, fmt.Sprintf("%s: reverted: %s", message, reason), err)
	}
	return clierr.Wrap(code, message, err)
}

func decodeRevertFromError(err error) string {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return ""
	}
	switch data := dataErr.ErrorData().(type) {
	case string:
		buf, decodeErr := hexutil.Decode(data)
		if decodeErr != nil {
			return ""
		}
		return decodeRevertData(buf)
	case []byte:
		return decodeRevertData(data)
	default:
		return ""
	}
}

func decodeRevertData(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	return fmt.Sprintf("custom error selector 0x%s", hex.EncodeToString(data[:4]))
}

func resolveTipCap(ctx context.Context, client *ethclient.Client, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --max-priority-fee-gwei", err)
		}
		return v, nil
	}
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return big.NewInt(2_000_000_000), nil // 2 gwei fallback
	}
	return tipCap, nil
}

func resolveFeeCap(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --max-fee-gwei", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, clierr.New(clierr.CodeUsage, "--max-fee-gwei must be >= --max-priority-fee-gwei")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return feeCap, nil
}

func parseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	if !rat.IsInt() {
		return nil, fmt.Errorf("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}

func markStepFailed(action *Action, step *ActionStep, msg string) {
	step.Status = StepStatusFailed
	step.Error = msg
	action.Status = ActionStatusFailed
	action.Touch()
}

func decodeHex(v string) ([]byte, error) {
	clean := strings.TrimSpace(v)
	clean = strings.TrimPrefix(clean, "0x")
	if clean == "" {
		return []byte{}, nil
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return buf, nil
}
