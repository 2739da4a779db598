package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeBackend struct {
	chainID   int64
	calls     int
	failures  int
	failWith  error
	responses map[string][]byte
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.failWith
	}
	return f.responses[common.Bytes2Hex(msg.Data[:4])], nil
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(f.chainID), nil
}

func balanceResponse(t *testing.T, v int64) map[string][]byte {
	t.Helper()
	method := erc20ABI.Methods["balanceOf"]
	out, err := method.Outputs.Pack(big.NewInt(v))
	require.NoError(t, err)
	return map[string][]byte{common.Bytes2Hex(method.ID): out}
}

func TestReaderRetriesTransientFailures(t *testing.T) {
	backend := &fakeBackend{failures: 2, failWith: errors.New("connection reset by peer"), responses: balanceResponse(t, 42)}
	m := metrics.New()
	r := NewReader(backend, WithRetries(2), WithRetryDelay(time.Millisecond), WithMetrics(m))

	bal, err := r.BalanceOf(context.Background(), common.HexToAddress("0x01"), common.HexToAddress("0x02"))
	require.NoError(t, err)
	require.Equal(t, int64(42), bal.Int64())
	require.Equal(t, 3, backend.calls)
	require.Equal(t, float64(1), testutil.ToFloat64(m.ProviderRequests.WithLabelValues("rpc", "ok")))
}

func TestReaderDoesNotRetryReverts(t *testing.T) {
	backend := &fakeBackend{failures: 5, failWith: errors.New("execution reverted: STF"), responses: balanceResponse(t, 1)}
	r := NewReader(backend, WithRetries(4), WithRetryDelay(time.Millisecond))

	_, err := r.BalanceOf(context.Background(), common.HexToAddress("0x01"), common.HexToAddress("0x02"))
	require.Error(t, err)
	require.Equal(t, 1, backend.calls)
	cErr, ok := clierr.As(err)
	require.True(t, ok)
	require.Equal(t, clierr.CodeUnsupported, cErr.Code)
}

func TestReaderGivesUpAfterAttempts(t *testing.T) {
	backend := &fakeBackend{failures: 10, failWith: errors.New("503 service unavailable")}
	r := NewReader(backend, WithRetries(1), WithRetryDelay(time.Millisecond))

	_, err := r.BalanceOf(context.Background(), common.HexToAddress("0x01"), common.HexToAddress("0x02"))
	require.Error(t, err)
	require.Equal(t, 2, backend.calls)
	require.Equal(t, int(clierr.CodeUnavailable), clierr.ExitCode(err))
}

func TestVerifyChainMismatch(t *testing.T) {
	r := NewReader(&fakeBackend{chainID: 1})
	err := r.VerifyChain(context.Background(), 42161)
	require.Error(t, err)
	require.Equal(t, int(clierr.CodeNetwork), clierr.ExitCode(err))
	require.Contains(t, err.Error(), "0xa4b1")

	require.NoError(t, NewReader(&fakeBackend{chainID: 42161}).VerifyChain(context.Background(), 42161))
}

func TestIsRetryableErr(t *testing.T) {
	require.False(t, IsRetryableErr(nil))
	require.False(t, IsRetryableErr(errors.New("execution reverted")))
	require.False(t, IsRetryableErr(errors.New("abi: cannot marshal in to go slice")))
	require.True(t, IsRetryableErr(errors.New("i/o timeout")))
}
