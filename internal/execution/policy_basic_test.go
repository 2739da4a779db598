package execution

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const (
	arbitrumRouter          = "0xE592427A0AEce92De3Edee1F18E0157C05861564"
	arbitrumPositionManager = "0xC36442b4a4522E871399CD717aBDD847Ab11FE88"
)

func packApprove(t *testing.T, amount int64) []byte {
	t.Helper()
	data, err := policyERC20ABI.Pack("approve", common.HexToAddress("0x00000000000000000000000000000000000000ab"), big.NewInt(amount))
	if err != nil {
		t.Fatalf("pack approval calldata: %v", err)
	}
	return data
}

func TestValidateApprovalPolicyBounded(t *testing.T) {
	action := &Action{InputAmount: "100"}
	step := &ActionStep{Type: StepTypeApproval, Target: "0x00000000000000000000000000000000000000cd"}

	if err := validateStepPolicy(action, step, 42161, packApprove(t, 100), ExecuteOptions{}); err != nil {
		t.Fatalf("expected bounded approval to pass, got err=%v", err)
	}
}

func TestValidateApprovalPolicyRejectsUnlimitedByDefault(t *testing.T) {
	action := &Action{InputAmount: "100"}
	step := &ActionStep{Type: StepTypeApproval, Target: "0x00000000000000000000000000000000000000cd"}

	err := validateStepPolicy(action, step, 42161, packApprove(t, 101), ExecuteOptions{})
	if err == nil {
		t.Fatal("expected bounded-approval validation to fail")
	}
	if !strings.Contains(err.Error(), "allow-max-approval") {
		t.Fatalf("expected override hint, got err=%v", err)
	}
}

func TestValidateApprovalPolicyUsesStepLimit(t *testing.T) {
	action := &Action{InputAmount: "1000"}
	step := &ActionStep{Type: StepTypeApproval, Target: "0x00000000000000000000000000000000000000cd", ApprovalLimit: "50"}

	if err := validateStepPolicy(action, step, 42161, packApprove(t, 60), ExecuteOptions{}); err == nil {
		t.Fatal("expected step approval limit to take precedence over input amount")
	}
	if err := validateStepPolicy(action, step, 42161, packApprove(t, 60), ExecuteOptions{AllowMaxApproval: true}); err != nil {
		t.Fatalf("expected approval override to pass, got err=%v", err)
	}
}

func TestValidateSwapPolicyUniswapRouter(t *testing.T) {
	step := &ActionStep{
		Type:            StepTypeSwap,
		Target:          "0x00000000000000000000000000000000000000cd",
		ExpectedOutputs: map[string]string{"route": RouteUniswapV3},
	}
	if err := validateStepPolicy(nil, step, 42161, policyUniswapV3SwapMethod, ExecuteOptions{}); err == nil {
		t.Fatal("expected router mismatch to fail")
	}
	step.Target = arbitrumRouter
	if err := validateStepPolicy(nil, step, 42161, policyUniswapV3SwapMethod, ExecuteOptions{}); err != nil {
		t.Fatalf("expected canonical router to pass, got %v", err)
	}
}

func TestValidateSwapPolicyZeroExTarget(t *testing.T) {
	step := &ActionStep{
		Type:   StepTypeSwap,
		Target: "0x00000000000000000000000000000000000000cd",
		ExpectedOutputs: map[string]string{
			"route":            RouteZeroEx,
			"allowance_target": "0x00000000000000000000000000000000000000ef",
		},
	}
	if err := validateStepPolicy(nil, step, 42161, []byte{1, 2, 3, 4}, ExecuteOptions{}); err == nil {
		t.Fatal("expected allowance target mismatch to fail")
	}
	step.ExpectedOutputs["allowance_target"] = step.Target
	if err := validateStepPolicy(nil, step, 42161, []byte{1, 2, 3, 4}, ExecuteOptions{}); err != nil {
		t.Fatalf("expected matching allowance target to pass, got %v", err)
	}
	step.ExpectedOutputs = nil
	if err := validateStepPolicy(nil, step, 42161, []byte{1, 2, 3, 4}, ExecuteOptions{}); err == nil {
		t.Fatal("expected swap without route to fail")
	}
}

func TestValidatePositionManagerPolicy(t *testing.T) {
	step := &ActionStep{Type: StepTypeMint, Target: arbitrumPositionManager}
	if err := validateStepPolicy(nil, step, 42161, policyMintMethod, ExecuteOptions{}); err != nil {
		t.Fatalf("expected mint to pass, got %v", err)
	}
	if err := validateStepPolicy(nil, step, 42161, policyMulticallMethod, ExecuteOptions{}); err == nil {
		t.Fatal("expected wrong selector to fail for mint step")
	}
	withdraw := &ActionStep{Type: StepTypeWithdraw, Target: arbitrumRouter}
	if err := validateStepPolicy(nil, withdraw, 42161, policyMulticallMethod, ExecuteOptions{}); err == nil {
		t.Fatal("expected non position manager target to fail")
	}
}
