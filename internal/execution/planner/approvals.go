package planner

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/payyield/pyusd-lp/internal/chain"
	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/execution"
	"github.com/payyield/pyusd-lp/internal/id"
	"github.com/payyield/pyusd-lp/internal/registry"
)

var plannerERC20ABI = chain.MustABI(registry.ERC20MinimalABI)

// ApprovalStep builds an exact-amount ERC20 approve step. The step's
// approval limit equals amount so the executor rejects anything larger.
func ApprovalStep(stepID string, c id.Chain, rpcURL string, asset id.Asset, spender common.Address, amount *big.Int, description string) (execution.ActionStep, error) {
	if !common.IsHexAddress(asset.Address) {
		return execution.ActionStep{}, clierr.New(clierr.CodeUsage, "approval requires ERC20 token address")
	}
	if spender == (common.Address{}) {
		return execution.ActionStep{}, clierr.New(clierr.CodeUsage, "approval requires spender address")
	}
	if amount == nil || amount.Sign() <= 0 {
		return execution.ActionStep{}, clierr.New(clierr.CodeUsage, "approval amount must be a positive integer in base units")
	}
	approveData, err := plannerERC20ABI.Pack("approve", spender, amount)
	if err != nil {
		return execution.ActionStep{}, clierr.Wrap(clierr.CodeInternal, "pack approval calldata", err)
	}
	if description == "" {
		description = fmt.Sprintf("Approve %s for spender", strings.ToUpper(asset.Symbol))
	}
	return execution.ActionStep{
		StepID:        stepID,
		Type:          execution.StepTypeApproval,
		Status:        execution.StepStatusPending,
		ChainID:       c.CAIP2,
		RPCURL:        rpcURL,
		Description:   description,
		Target:        common.HexToAddress(asset.Address).Hex(),
		Data:          "0x" + common.Bytes2Hex(approveData),
		Value:         "0",
		ApprovalLimit: amount.String(),
		ExpectedOutputs: map[string]string{
			"spender": spender.Hex(),
			"amount":  amount.String(),
		},
	}, nil
}

// appendApprovalIfNeeded reads owner's allowance for spender and appends an
// approval step only when it is below amount.
func (p *Planner) appendApprovalIfNeeded(ctx context.Context, action *execution.Action, stepID string, asset id.Asset, owner, spender common.Address, amount *big.Int, description string) error {
	current, err := p.reader.Allowance(ctx, common.HexToAddress(asset.Address), owner, spender)
	if err != nil {
		return err
	}
	if current.Cmp(amount) >= 0 {
		return nil
	}
	step, err := ApprovalStep(stepID, p.chain, p.rpcURL, asset, spender, amount, description)
	if err != nil {
		return err
	}
	action.Steps = append(action.Steps, step)
	return nil
}
