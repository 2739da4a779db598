package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/metrics"
	"github.com/payyield/pyusd-lp/internal/registry"
)

// Backend is the subset of ethclient.Client the reader needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Reader performs read-only contract calls with retries on transient RPC
// failures. Reverts are returned immediately.
type Reader struct {
	backend  Backend
	rpcURL   string
	attempts uint
	delay    time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
	closer   func()
}

type Option func(*Reader)

func WithRetries(retries int) Option {
	return func(r *Reader) {
		if retries < 0 {
			retries = 0
		}
		r.attempts = uint(retries) + 1
	}
}

func WithRetryDelay(delay time.Duration) Option {
	return func(r *Reader) { r.delay = delay }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Reader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reader) { r.metrics = m }
}

var erc20ABI = MustABI(registry.ERC20MinimalABI)

// Dial connects to rpcURL and wraps the client in a Reader.
func Dial(ctx context.Context, rpcURL string, opts ...Option) (*Reader, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	r := NewReader(client, opts...)
	r.rpcURL = rpcURL
	r.closer = client.Close
	return r, nil
}

func NewReader(backend Backend, opts ...Option) *Reader {
	r := &Reader{
		backend:  backend,
		attempts: 3,
		delay:    200 * time.Millisecond,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reader) Close() {
	if r != nil && r.closer != nil {
		r.closer()
	}
}

func (r *Reader) RPCURL() string { return r.rpcURL }

// IsRetryableErr reports whether an RPC error is worth another attempt.
// Reverts and decoding failures are deterministic.
func IsRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") ||
		strings.Contains(msg, "out of gas") ||
		strings.Contains(msg, "invalid opcode") ||
		strings.Contains(msg, "abi: ") {
		return false
	}
	return true
}

func (r *Reader) retryOpts(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsRetryableErr),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Debug("retrying rpc call", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	}
}

// ChainID returns the chain id reported by the RPC endpoint.
func (r *Reader) ChainID(ctx context.Context) (int64, error) {
	id, err := retry.DoWithData(func() (*big.Int, error) {
		return r.backend.ChainID(ctx)
	}, r.retryOpts(ctx)...)
	r.metrics.RecordProvider("rpc", err)
	if err != nil {
		return 0, clierr.Wrap(clierr.CodeUnavailable, "read rpc chain id", err)
	}
	if !id.IsInt64() {
		return 0, clierr.New(clierr.CodeUnavailable, "rpc chain id out of range")
	}
	return id.Int64(), nil
}

// VerifyChain fails with a network-mismatch error when the endpoint is not
// serving the expected chain.
func (r *Reader) VerifyChain(ctx context.Context, expected int64) error {
	got, err := r.ChainID(ctx)
	if err != nil {
		return err
	}
	if got != expected {
		return clierr.New(clierr.CodeNetwork, fmt.Sprintf("rpc is on chain %d, expected %d (%s)", got, expected, networkLabel(expected)))
	}
	return nil
}

// Call packs method with args, executes eth_call against to and unpacks the
// outputs.
func (r *Reader) Call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	return r.CallFrom(ctx, common.Address{}, contract, to, method, args...)
}

// CallFrom is Call with an explicit msg.sender.
func (r *Reader) CallFrom(ctx context.Context, from common.Address, contract abi.ABI, to common.Address, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack "+method, err)
	}
	msg := ethereum.CallMsg{From: from, To: &to, Data: data}
	out, err := retry.DoWithData(func() ([]byte, error) {
		return r.backend.CallContract(ctx, msg, nil)
	}, r.retryOpts(ctx)...)
	r.metrics.RecordProvider("rpc", err)
	if err != nil {
		if !IsRetryableErr(err) {
			return nil, clierr.Wrap(clierr.CodeUnsupported, method+" reverted", err)
		}
		return nil, clierr.Wrap(clierr.CodeUnavailable, "call "+method, err)
	}
	if len(out) == 0 {
		return nil, clierr.New(clierr.CodeUnavailable, method+" returned empty output")
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode "+method, err)
	}
	return values, nil
}

// CallBigInt is Call for methods whose first output is a uint.
func (r *Reader) CallBigInt(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) (*big.Int, error) {
	values, err := r.Call(ctx, contract, to, method, args...)
	if err != nil {
		return nil, err
	}
	return BigAt(values, 0, method)
}

func (r *Reader) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return r.CallBigInt(ctx, erc20ABI, token, "balanceOf", owner)
}

func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	return r.CallBigInt(ctx, erc20ABI, token, "allowance", owner, spender)
}

func (r *Reader) Decimals(ctx context.Context, token common.Address) (int, error) {
	values, err := r.Call(ctx, erc20ABI, token, "decimals")
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, clierr.New(clierr.CodeUnavailable, "decimals returned no value")
	}
	d, ok := values[0].(uint8)
	if !ok {
		return 0, clierr.New(clierr.CodeUnavailable, "decimals returned unexpected type")
	}
	return int(d), nil
}

// BigAt extracts a *big.Int output at index i.
func BigAt(values []any, i int, method string) (*big.Int, error) {
	if len(values) <= i {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("%s returned %d values", method, len(values)))
	}
	v, ok := values[i].(*big.Int)
	if !ok || v == nil {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("%s output %d is not an integer", method, i))
	}
	return v, nil
}

// AddressAt extracts an address output at index i.
func AddressAt(values []any, i int, method string) (common.Address, error) {
	if len(values) <= i {
		return common.Address{}, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("%s returned %d values", method, len(values)))
	}
	v, ok := values[i].(common.Address)
	if !ok {
		return common.Address{}, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("%s output %d is not an address", method, i))
	}
	return v, nil
}

func networkLabel(chainID int64) string {
	if n, ok := registry.LookupNetwork(chainID); ok {
		return fmt.Sprintf("%s, %s", n.Name, n.ChainIDHex)
	}
	return fmt.Sprintf("0x%x", chainID)
}

// MustABI parses an ABI fragment and panics on malformed input.
func MustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
