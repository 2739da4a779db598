package signer

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// ConfirmAddress fails when expected is set and differs from the signer's address.
func ConfirmAddress(s Signer, expected string) error {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return nil
	}
	if !common.IsHexAddress(expected) {
		return fmt.Errorf("confirm address %q is not a valid EVM address", expected)
	}
	if !strings.EqualFold(common.HexToAddress(expected).Hex(), s.Address().Hex()) {
		return fmt.Errorf("signer address %s does not match confirmed address %s", s.Address().Hex(), common.HexToAddress(expected).Hex())
	}
	return nil
}
