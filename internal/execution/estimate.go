package execution

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"

	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/id"
)

type EstimateBlockTag string

const (
	EstimateBlockTagLatest  EstimateBlockTag = "latest"
	EstimateBlockTagPending EstimateBlockTag = "pending"
)

// Used when the node reports no base fee.
var fallbackBaseFee = big.NewInt(1_000_000_000)

type EstimateOptions struct {
	StepIDs            []string
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
	BlockTag           EstimateBlockTag
	IncludeConfirmed   bool
}

func DefaultEstimateOptions() EstimateOptions {
	return EstimateOptions{GasMultiplier: 1.2, BlockTag: EstimateBlockTagPending}
}

// GasEstimate prices an action's steps at the chain's current EIP-1559 fees.
type GasEstimate struct {
	ActionID    string            `json:"action_id"`
	ChainID     string            `json:"chain_id"`
	EstimatedAt string            `json:"estimated_at"`
	BlockTag    string            `json:"block_tag"`
	Fees        FeeQuote          `json:"fees"`
	Steps       []StepGasEstimate `json:"steps"`
	Total       FeeTotal          `json:"total"`
	Warnings    []string          `json:"warnings,omitempty"`
}

// FeeQuote is the per-gas pricing shared by every step of the action.
type FeeQuote struct {
	BaseFeePerGasWei        string `json:"base_fee_per_gas_wei"`
	MaxPriorityFeePerGasWei string `json:"max_priority_fee_per_gas_wei"`
	MaxFeePerGasWei         string `json:"max_fee_per_gas_wei"`
	EffectiveGasPriceWei    string `json:"effective_gas_price_wei"`
}

// StepGasEstimate is one step's gas. A deferred step could not be estimated
// because it depends on state an earlier pending step has not written yet.
type StepGasEstimate struct {
	StepID          string     `json:"step_id"`
	Type            StepType   `json:"type"`
	Status          StepStatus `json:"status"`
	GasEstimateRaw  string     `json:"gas_estimate_raw,omitempty"`
	GasLimit        string     `json:"gas_limit,omitempty"`
	LikelyFeeWei    string     `json:"likely_fee_wei,omitempty"`
	WorstCaseFeeWei string     `json:"worst_case_fee_wei,omitempty"`
	LikelyFeeETH    string     `json:"likely_fee_eth,omitempty"`
	Deferred        bool       `json:"deferred,omitempty"`
	DependsOn       string     `json:"depends_on,omitempty"`
}

// FeeTotal sums the estimated steps. Deferred steps are not included.
type FeeTotal struct {
	LikelyFeeWei    string `json:"likely_fee_wei"`
	WorstCaseFeeWei string `json:"worst_case_fee_wei"`
	LikelyFeeETH    string `json:"likely_fee_eth"`
	WorstCaseFeeETH string `json:"worst_case_fee_eth"`
}

type gasPrice struct {
	baseFee, tipCap, feeCap, effective *big.Int
}

// EstimateActionGas estimates gas for the action's unconfirmed steps, or the
// steps named in opts.StepIDs. Fees are quoted once from the first step's
// RPC since every step of an action runs on the same chain.
func EstimateActionGas(ctx context.Context, action Action, opts EstimateOptions) (GasEstimate, error) {
	if strings.TrimSpace(action.ActionID) == "" {
		return GasEstimate{}, clierr.New(clierr.CodeUsage, "missing action id")
	}
	if len(action.Steps) == 0 {
		return GasEstimate{}, clierr.New(clierr.CodeUsage, "action has no executable steps")
	}
	if opts.GasMultiplier <= 1 {
		return GasEstimate{}, clierr.New(clierr.CodeUsage, "--gas-multiplier must be > 1")
	}
	blockTag, err := normalizeEstimateBlockTag(opts.BlockTag)
	if err != nil {
		return GasEstimate{}, err
	}
	var from common.Address
	if raw := strings.TrimSpace(action.FromAddress); raw != "" {
		if !common.IsHexAddress(raw) {
			return GasEstimate{}, clierr.New(clierr.CodeUsage, "action has invalid from_address")
		}
		from = common.HexToAddress(raw)
	}
	selected, err := selectEstimateSteps(action.Steps, opts)
	if err != nil {
		return GasEstimate{}, err
	}

	clients := map[string]*ethclient.Client{}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	out := GasEstimate{
		ActionID: action.ActionID,
		BlockTag: string(blockTag),
		Steps:    make([]StepGasEstimate, 0, len(selected)),
	}
	var price *gasPrice
	likelyTotal, worstTotal := new(big.Int), new(big.Int)
	// The earliest selected step that has not confirmed yet. Later steps may
	// revert in simulation until it lands.
	blocking := ""

	for _, step := range selected {
		client, chainKey, err := dialEstimateStep(ctx, clients, step)
		if err != nil {
			return GasEstimate{}, err
		}
		if out.ChainID == "" {
			out.ChainID = chainKey
		} else if out.ChainID != chainKey {
			return GasEstimate{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("step %s runs on %s but earlier steps run on %s", step.StepID, chainKey, out.ChainID))
		}
		if price == nil {
			if price, err = quoteGasPrice(ctx, client, blockTag, opts); err != nil {
				return GasEstimate{}, err
			}
		}

		msg, err := actionStepCallMsg(step, from)
		if err != nil {
			return GasEstimate{}, err
		}
		entry := StepGasEstimate{StepID: step.StepID, Type: step.Type, Status: step.Status}
		rawGas, err := estimateGasAt(ctx, client, msg, blockTag)
		switch {
		case err != nil && blocking != "" && isRevert(err):
			entry.Deferred = true
			entry.DependsOn = blocking
			out.Warnings = append(out.Warnings, fmt.Sprintf("step %s reverts until %s confirms; estimate it again after that", step.StepID, blocking))
		case err != nil:
			return GasEstimate{}, wrapEVMExecutionError(clierr.CodeActionSim, "estimate gas for step "+step.StepID, err)
		default:
			gasLimit := uint64(float64(rawGas) * opts.GasMultiplier)
			if gasLimit == 0 {
				return GasEstimate{}, clierr.New(clierr.CodeActionSim, "estimate gas returned zero for step "+step.StepID)
			}
			limit := new(big.Int).SetUint64(gasLimit)
			likely := new(big.Int).Mul(limit, price.effective)
			worst := new(big.Int).Mul(limit, price.feeCap)
			entry.GasEstimateRaw = new(big.Int).SetUint64(rawGas).String()
			entry.GasLimit = limit.String()
			entry.LikelyFeeWei = likely.String()
			entry.WorstCaseFeeWei = worst.String()
			entry.LikelyFeeETH = id.FormatDecimalCompat(likely.String(), 18)
			likelyTotal.Add(likelyTotal, likely)
			worstTotal.Add(worstTotal, worst)
		}
		out.Steps = append(out.Steps, entry)
		if blocking == "" && step.Status != StepStatusConfirmed {
			blocking = step.StepID
		}
	}

	out.Fees = FeeQuote{
		BaseFeePerGasWei:        price.baseFee.String(),
		MaxPriorityFeePerGasWei: price.tipCap.String(),
		MaxFeePerGasWei:         price.feeCap.String(),
		EffectiveGasPriceWei:    price.effective.String(),
	}
	out.Total = FeeTotal{
		LikelyFeeWei:    likelyTotal.String(),
		WorstCaseFeeWei: worstTotal.String(),
		LikelyFeeETH:    id.FormatDecimalCompat(likelyTotal.String(), 18),
		WorstCaseFeeETH: id.FormatDecimalCompat(worstTotal.String(), 18),
	}
	out.EstimatedAt = time.Now().UTC().Format(time.RFC3339)
	return out, nil
}

// selectEstimateSteps applies the step id filter. Without a filter,
// confirmed steps are skipped unless opts.IncludeConfirmed is set.
func selectEstimateSteps(steps []ActionStep, opts EstimateOptions) ([]ActionStep, error) {
	wanted := map[string]bool{}
	for _, stepID := range opts.StepIDs {
		if key := strings.ToLower(strings.TrimSpace(stepID)); key != "" {
			wanted[key] = true
		}
	}
	selected := make([]ActionStep, 0, len(steps))
	for _, step := range steps {
		if len(wanted) > 0 {
			if wanted[strings.ToLower(strings.TrimSpace(step.StepID))] {
				selected = append(selected, step)
			}
			continue
		}
		if step.Status == StepStatusConfirmed && !opts.IncludeConfirmed {
			continue
		}
		selected = append(selected, step)
	}
	if len(selected) == 0 {
		return nil, clierr.New(clierr.CodeUsage, "no pending action steps matched the requested --step-ids filter")
	}
	return selected, nil
}

// dialEstimateStep reuses one client per RPC URL and checks the step's
// chain against the connected one.
func dialEstimateStep(ctx context.Context, clients map[string]*ethclient.Client, step ActionStep) (*ethclient.Client, string, error) {
	rpcURL := strings.TrimSpace(step.RPCURL)
	if rpcURL == "" {
		return nil, "", clierr.New(clierr.CodeUsage, fmt.Sprintf("step %s is missing rpc_url", step.StepID))
	}
	if target := strings.TrimSpace(step.Target); target == "" || !common.IsHexAddress(target) {
		return nil, "", clierr.New(clierr.CodeUsage, fmt.Sprintf("step %s has invalid target address", step.StepID))
	}
	client, ok := clients[rpcURL]
	if !ok {
		var err error
		client, err = ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			return nil, "", clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
		}
		clients[rpcURL] = client
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, "", clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	if err := checkStepChain(step.ChainID, chainID.Int64()); err != nil {
		return nil, "", err
	}
	return client, fmt.Sprintf("eip155:%d", chainID.Int64()), nil
}

func quoteGasPrice(ctx context.Context, client *ethclient.Client, blockTag EstimateBlockTag, opts EstimateOptions) (*gasPrice, error) {
	tipCap, err := resolveTipCap(ctx, client, opts.MaxPriorityFeeGwei)
	if err != nil {
		return nil, err
	}
	baseFee, err := baseFeeAt(ctx, client, blockTag)
	if err != nil {
		return nil, err
	}
	feeCap, err := resolveFeeCap(baseFee, tipCap, opts.MaxFeeGwei)
	if err != nil {
		return nil, err
	}
	effective := new(big.Int).Add(baseFee, tipCap)
	if effective.Cmp(feeCap) > 0 {
		effective = new(big.Int).Set(feeCap)
	}
	return &gasPrice{baseFee: baseFee, tipCap: tipCap, feeCap: feeCap, effective: effective}, nil
}

func actionStepCallMsg(step ActionStep, from common.Address) (ethereum.CallMsg, error) {
	target := common.HexToAddress(strings.TrimSpace(step.Target))
	data, err := decodeHex(step.Data)
	if err != nil {
		return ethereum.CallMsg{}, clierr.Wrap(clierr.CodeUsage, "decode step calldata", err)
	}
	value, err := parseNonNegativeBaseUnits(step.Value)
	if err != nil {
		return ethereum.CallMsg{}, clierr.Wrap(clierr.CodeUsage, "parse step value", err)
	}
	return ethereum.CallMsg{From: from, To: &target, Value: value, Data: data}, nil
}

func parseNonNegativeBaseUnits(raw string) (*big.Int, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(clean, 10)
	if !ok {
		return nil, fmt.Errorf("invalid base-units integer")
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	return value, nil
}

func normalizeEstimateBlockTag(input EstimateBlockTag) (EstimateBlockTag, error) {
	switch strings.ToLower(strings.TrimSpace(string(input))) {
	case "", string(EstimateBlockTagPending):
		return EstimateBlockTagPending, nil
	case string(EstimateBlockTagLatest):
		return EstimateBlockTagLatest, nil
	default:
		return "", clierr.New(clierr.CodeUsage, "--block-tag must be one of: pending,latest")
	}
}

func isRevert(err error) bool {
	return decodeRevertFromError(err) != "" || strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

// estimateGasAt calls eth_estimateGas at blockTag. Nodes that reject the
// pending tag are retried at latest, then through the plain client call.
func estimateGasAt(ctx context.Context, client *ethclient.Client, msg ethereum.CallMsg, blockTag EstimateBlockTag) (uint64, error) {
	arg := map[string]any{"from": msg.From.Hex()}
	if msg.To != nil {
		arg["to"] = msg.To.Hex()
	}
	if len(msg.Data) > 0 {
		arg["data"] = hexutil.Bytes(msg.Data)
	}
	if msg.Value != nil {
		arg["value"] = (*hexutil.Big)(msg.Value)
	}

	var gas hexutil.Uint64
	err := client.Client().CallContext(ctx, &gas, "eth_estimateGas", arg, string(blockTag))
	if err == nil {
		return uint64(gas), nil
	}
	if isRevert(err) {
		return 0, err
	}
	if blockTag == EstimateBlockTagPending {
		if retryErr := client.Client().CallContext(ctx, &gas, "eth_estimateGas", arg, string(EstimateBlockTagLatest)); retryErr == nil {
			return uint64(gas), nil
		}
	}
	if fallback, fallbackErr := client.EstimateGas(ctx, msg); fallbackErr == nil {
		return fallback, nil
	}
	return 0, err
}

// baseFeeAt reads baseFeePerGas from the tagged block, retrying pending
// lookups against latest.
func baseFeeAt(ctx context.Context, client *ethclient.Client, blockTag EstimateBlockTag) (*big.Int, error) {
	tags := []EstimateBlockTag{blockTag}
	if blockTag == EstimateBlockTagPending {
		tags = append(tags, EstimateBlockTagLatest)
	}
	var firstErr error
	for _, tag := range tags {
		var block struct {
			BaseFeePerGas *hexutil.Big `json:"baseFeePerGas"`
		}
		err := client.Client().CallContext(ctx, &block, "eth_getBlockByNumber", string(tag), false)
		if err == nil {
			if block.BaseFeePerGas == nil {
				return new(big.Int).Set(fallbackBaseFee), nil
			}
			return new(big.Int).Set((*big.Int)(block.BaseFeePerGas)), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch block base fee", firstErr)
}
