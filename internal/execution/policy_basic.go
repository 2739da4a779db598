package execution

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/registry"
)

const (
	RouteUniswapV3 = "uniswap-v3"
	RouteZeroEx    = "0x"
)

var (
	policyERC20ABI           = mustPolicyABI(registry.ERC20MinimalABI)
	policyRouterABI          = mustPolicyABI(registry.UniswapV3RouterABI)
	policyPositionManagerABI = mustPolicyABI(registry.UniswapV3PositionManagerABI)

	policyApproveSelector     = policyERC20ABI.Methods["approve"].ID
	policyUniswapV3SwapMethod = policyRouterABI.Methods["exactInputSingle"].ID
	policyMintMethod          = policyPositionManagerABI.Methods["mint"].ID
	policyMulticallMethod     = policyPositionManagerABI.Methods["multicall"].ID
)

func validateStepPolicy(action *Action, step *ActionStep, chainID int64, data []byte, opts ExecuteOptions) error {
	if step == nil {
		return clierr.New(clierr.CodeInternal, "missing action step")
	}
	if !common.IsHexAddress(step.Target) {
		return clierr.New(clierr.CodeUsage, "invalid step target address")
	}

	switch step.Type {
	case StepTypeApproval:
		return validateApprovalPolicy(action, step, data, opts)
	case StepTypeSwap:
		return validateSwapPolicy(step, chainID, data)
	case StepTypeMint:
		return validatePositionManagerPolicy(step, chainID, data, policyMintMethod, "mint")
	case StepTypeWithdraw:
		return validatePositionManagerPolicy(step, chainID, data, policyMulticallMethod, "multicall")
	default:
		return nil
	}
}

// Approvals are bounded by the step's own limit when the planner set one,
// otherwise by the action's input amount.
func validateApprovalPolicy(action *Action, step *ActionStep, data []byte, opts ExecuteOptions) error {
	if len(data) < 4 || !bytes.Equal(data[:4], policyApproveSelector) {
		return clierr.New(clierr.CodeActionPlan, "approval step must use ERC20 approve(spender,amount)")
	}
	args, err := policyERC20ABI.Methods["approve"].Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return clierr.New(clierr.CodeActionPlan, "approval step calldata is invalid")
	}
	spender, ok := toAddress(args[0])
	if !ok || spender == (common.Address{}) {
		return clierr.New(clierr.CodeActionPlan, "approval step has invalid spender")
	}
	amount, ok := toBigInt(args[1])
	if !ok || amount.Sign() <= 0 {
		return clierr.New(clierr.CodeActionPlan, "approval step has invalid approval amount")
	}
	if opts.AllowMaxApproval {
		return nil
	}
	limitRaw := strings.TrimSpace(step.ApprovalLimit)
	if limitRaw == "" {
		if action == nil {
			return clierr.New(clierr.CodeActionPlan, "cannot validate approval bounds without action context")
		}
		limitRaw = action.InputAmount
	}
	limit, ok := parsePositiveBaseUnits(limitRaw)
	if !ok {
		return clierr.New(clierr.CodeActionPlan, "cannot validate approval bounds for non-numeric amount; use --allow-max-approval to override")
	}
	if amount.Cmp(limit) > 0 {
		return clierr.New(
			clierr.CodeActionPlan,
			fmt.Sprintf("approval amount %s exceeds required amount %s; use --allow-max-approval to override", amount.String(), limit.String()),
		)
	}
	return nil
}

func validateSwapPolicy(step *ActionStep, chainID int64, data []byte) error {
	route := ""
	if step.ExpectedOutputs != nil {
		route = strings.ToLower(strings.TrimSpace(step.ExpectedOutputs["route"]))
	}
	switch route {
	case RouteUniswapV3:
		if len(data) < 4 || !bytes.Equal(data[:4], policyUniswapV3SwapMethod) {
			return clierr.New(clierr.CodeActionPlan, "uniswap-v3 swap step must call exactInputSingle")
		}
		if !registry.IsUniswapV3Router(chainID, step.Target) {
			return clierr.New(clierr.CodeActionPlan, "uniswap-v3 swap step target does not match canonical router")
		}
	case RouteZeroEx:
		spender := strings.TrimSpace(step.ExpectedOutputs["allowance_target"])
		if spender != "" && !strings.EqualFold(common.HexToAddress(spender).Hex(), common.HexToAddress(step.Target).Hex()) {
			return clierr.New(clierr.CodeActionPlan, "0x swap step target does not match quoted allowance target")
		}
		if len(data) < 4 {
			return clierr.New(clierr.CodeActionPlan, "0x swap step has empty calldata")
		}
	default:
		return clierr.New(clierr.CodeActionPlan, "swap step has unknown route")
	}
	return nil
}

func validatePositionManagerPolicy(step *ActionStep, chainID int64, data []byte, selector []byte, method string) error {
	if len(data) < 4 || !bytes.Equal(data[:4], selector) {
		return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("%s step must call position manager %s", step.Type, method))
	}
	if !registry.IsUniswapV3PositionManager(chainID, step.Target) {
		return clierr.New(clierr.CodeActionPlan, fmt.Sprintf("%s step target does not match canonical position manager", step.Type))
	}
	return nil
}

func parsePositiveBaseUnits(value string) (*big.Int, bool) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, false
	}
	parsed, ok := new(big.Int).SetString(v, 10)
	if !ok || parsed.Sign() <= 0 {
		return nil, false
	}
	return parsed, true
}

func toAddress(v any) (common.Address, bool) {
	switch value := v.(type) {
	case common.Address:
		return value, true
	case *common.Address:
		if value == nil {
			return common.Address{}, false
		}
		return *value, true
	default:
		return common.Address{}, false
	}
}

func toBigInt(v any) (*big.Int, bool) {
	switch value := v.(type) {
	case *big.Int:
		if value == nil {
			return nil, false
		}
		return value, true
	case big.Int:
		cpy := value
		return &cpy, true
	default:
		return nil, false
	}
}

func mustPolicyABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
