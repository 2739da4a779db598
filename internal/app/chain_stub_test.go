package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/payyield/pyusd-lp/internal/chain"
	"github.com/payyield/pyusd-lp/internal/config"
	"github.com/payyield/pyusd-lp/internal/execution/planner"
	"github.com/payyield/pyusd-lp/internal/id"
	"github.com/payyield/pyusd-lp/internal/logging"
	"github.com/payyield/pyusd-lp/internal/metrics"
	"github.com/payyield/pyusd-lp/internal/providers/uniswapv3"
	"github.com/payyield/pyusd-lp/internal/registry"
)

var stubABIs = []abi.ABI{
	chain.MustABI(registry.ERC20MinimalABI),
	chain.MustABI(registry.UniswapV3FactoryABI),
	chain.MustABI(registry.UniswapV3QuoterV2ABI),
	chain.MustABI(registry.UniswapV3PoolABI),
	chain.MustABI(registry.UniswapV3PositionManagerABI),
}

type stubHandler func(to common.Address, args []any) ([]any, error)

// stubChain answers eth_call by ABI method name.
type stubChain struct {
	mu       sync.Mutex
	chainID  int64
	chainErr error
	handlers map[string]stubHandler
}

func newStubChain(chainID int64) *stubChain {
	return &stubChain{chainID: chainID, handlers: map[string]stubHandler{}}
}

func (c *stubChain) on(method string, h stubHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = h
}

func (c *stubChain) ChainID(context.Context) (*big.Int, error) {
	if c.chainErr != nil {
		return nil, c.chainErr
	}
	return big.NewInt(c.chainID), nil
}

func (c *stubChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	for _, contract := range stubABIs {
		method, err := contract.MethodById(msg.Data[:4])
		if err != nil {
			continue
		}
		c.mu.Lock()
		h, ok := c.handlers[method.Name]
		c.mu.Unlock()
		if !ok {
			return nil, errors.New("execution reverted: unexpected call to " + method.Name)
		}
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		out, err := h(*msg.To, args)
		if err != nil {
			return nil, err
		}
		return method.Outputs.Pack(out...)
	}
	return nil, errors.New("execution reverted: unknown selector")
}

// newStubState wires a runtime state to backend the way connect does for a
// dialed RPC.
func newStubState(t *testing.T, backend chain.Backend) *runtimeState {
	t.Helper()
	arb, err := id.ParseChain("arbitrum")
	if err != nil {
		t.Fatalf("parse chain: %v", err)
	}
	reader := chain.NewReader(backend, chain.WithRetries(0))
	uni, err := uniswapv3.New(reader, arb)
	if err != nil {
		t.Fatalf("uniswap client: %v", err)
	}
	dir := t.TempDir()
	return &runtimeState{
		settings: config.Settings{
			Timeout:         5 * time.Second,
			ActionStorePath: filepath.Join(dir, "actions.db"),
			ActionLockPath:  filepath.Join(dir, "actions.lock"),
		},
		logger:  logging.Nop(),
		metrics: metrics.New(),
		target:  arb,
		reader:  reader,
		uniswap: uni,
		planner: planner.New(reader, uni, arb, planner.WithLogger(logging.Nop())),
	}
}

type fixedSigner struct {
	addr common.Address
}

func (s fixedSigner) Address() common.Address { return s.addr }

func (s fixedSigner) SignTx(_ *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	return tx, nil
}

// newChainIDServer serves a JSON-RPC endpoint that only answers eth_chainId.
func newChainIDServer(t *testing.T, chainID int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if req.Method != "eth_chainId" {
			_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"method not found"}}`, req.ID)
			return
		}
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":"0x%x"}`, req.ID, chainID)
	}))
	t.Cleanup(srv.Close)
	return srv
}
