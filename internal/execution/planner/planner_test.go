package planner

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/payyield/pyusd-lp/internal/chain"
	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/execution"
	"github.com/payyield/pyusd-lp/internal/id"
	"github.com/payyield/pyusd-lp/internal/metrics"
	"github.com/payyield/pyusd-lp/internal/model"
	"github.com/payyield/pyusd-lp/internal/providers"
	"github.com/payyield/pyusd-lp/internal/providers/uniswapv3"
	"github.com/payyield/pyusd-lp/internal/registry"
)

var (
	testSender      = common.HexToAddress("0x00000000000000000000000000000000000000AA")
	testPoolAddr    = common.HexToAddress("0x00000000000000000000000000000000000000F1")
	allowanceHolder = common.HexToAddress("0x0000000000001fF3684f28c67538d4D072C22734")
	pyusdAddr       = common.HexToAddress("0x46850aD61C2B7d64d08c9C754F45254596696984")
	usdcAddr        = common.HexToAddress("0xaf88d065e77c8cC2239327C5EDb3A432268e5831")

	testFactoryABI  = chain.MustABI(registry.UniswapV3FactoryABI)
	testPoolABI     = chain.MustABI(registry.UniswapV3PoolABI)
	testQuoterABI   = chain.MustABI(registry.UniswapV3QuoterV2ABI)
	testRouterABI   = chain.MustABI(registry.UniswapV3RouterABI)
	testPositionABI = chain.MustABI(registry.UniswapV3PositionManagerABI)
)

type handler func(to common.Address, args []any) ([]any, error)

type memChain struct {
	mu       sync.Mutex
	handlers map[string]handler
	calls    map[string]int
}

func newMemChain() *memChain {
	return &memChain{handlers: map[string]handler{}, calls: map[string]int{}}
}

func (m *memChain) on(method string, h handler) { m.handlers[method] = h }

func (m *memChain) count(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *memChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(42161), nil }

func (m *memChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	for _, contract := range []abi.ABI{testFactoryABI, testPoolABI, testQuoterABI, testPositionABI, plannerERC20ABI} {
		method, err := contract.MethodById(msg.Data[:4])
		if err != nil {
			continue
		}
		m.mu.Lock()
		h, ok := m.handlers[method.Name]
		m.calls[method.Name]++
		m.mu.Unlock()
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

// withPool serves a PYUSD/USDC pool at tick 0 on the given fee tier.
func (m *memChain) withPool(fee int64) {
	m.on("getPool", func(_ common.Address, args []any) ([]any, error) {
		if args[2].(*big.Int).Int64() == fee {
			return []any{testPoolAddr}, nil
		}
		return []any{common.Address{}}, nil
	})
	m.on("slot0", func(common.Address, []any) ([]any, error) {
		return []any{new(big.Int).Lsh(big.NewInt(1), 96), big.NewInt(0), uint16(0), uint16(1), uint16(1), uint8(0), true}, nil
	})
	m.on("fee", func(common.Address, []any) ([]any, error) { return []any{big.NewInt(fee)}, nil })
	m.on("token0", func(common.Address, []any) ([]any, error) { return []any{pyusdAddr}, nil })
	m.on("token1", func(common.Address, []any) ([]any, error) { return []any{usdcAddr}, nil })
	m.on("liquidity", func(common.Address, []any) ([]any, error) { return []any{big.NewInt(1_000_000_000)}, nil })
}

func (m *memChain) withUSDCBalance(v int64) {
	m.on("balanceOf", func(to common.Address, _ []any) ([]any, error) {
		if to == usdcAddr {
			return []any{big.NewInt(v)}, nil
		}
		return []any{big.NewInt(0)}, nil
	})
}

func (m *memChain) withAllowance(v *big.Int) {
	m.on("allowance", func(common.Address, []any) ([]any, error) { return []any{v}, nil })
}

func (m *memChain) withQuote(out int64) {
	m.on("quoteExactInputSingle", func(common.Address, []any) ([]any, error) {
		return []any{big.NewInt(out), big.NewInt(0), uint32(1), big.NewInt(120_000)}, nil
	})
}

type fakeAggregator struct {
	swap  providers.ExecutableSwap
	err   error
	keyed bool
	calls int
}

func (f *fakeAggregator) Info() model.ProviderInfo { return model.ProviderInfo{Name: "0x"} }
func (f *fakeAggregator) HasAPIKey() bool          { return f.keyed }

func (f *fakeAggregator) QuoteSwap(ctx context.Context, req providers.SwapQuoteRequest) (model.SwapQuote, error) {
	swap, err := f.BuildSwap(ctx, req)
	return swap.Quote, err
}

func (f *fakeAggregator) BuildSwap(_ context.Context, req providers.SwapQuoteRequest) (providers.ExecutableSwap, error) {
	f.calls++
	if f.err != nil {
		return providers.ExecutableSwap{}, f.err
	}
	return f.swap, nil
}

func zeroExSwap() providers.ExecutableSwap {
	return providers.ExecutableSwap{
		Quote: model.SwapQuote{
			Provider:     "0x",
			Route:        "0x",
			InputAmount:  model.AmountInfo{AmountBaseUnits: "50000000", AmountDecimal: "50", Decimals: 6},
			EstimatedOut: model.AmountInfo{AmountBaseUnits: "49990000", AmountDecimal: "49.99", Decimals: 6},
		},
		Tx:              providers.SwapTransaction{To: allowanceHolder.Hex(), Data: "0x2213bc0b00", Value: "0"},
		AllowanceTarget: allowanceHolder.Hex(),
		MinimumOut:      "49750000",
	}
}

func newTestPlanner(t *testing.T, backend chain.Backend, opts ...Option) *Planner {
	t.Helper()
	arb, err := id.ParseChain("arbitrum")
	require.NoError(t, err)
	reader := chain.NewReader(backend, chain.WithRetries(0))
	uni, err := uniswapv3.New(reader, arb)
	require.NoError(t, err)
	opts = append([]Option{WithRPCURL("http://127.0.0.1:8545")}, opts...)
	return New(reader, uni, arb, opts...)
}

func stepIDs(action execution.Action) []string {
	out := make([]string, 0, len(action.Steps))
	for _, step := range action.Steps {
		out = append(out, step.StepID)
	}
	return out
}

type mintArgs struct {
	Token0         common.Address
	Token1         common.Address
	Fee            *big.Int
	TickLower      *big.Int
	TickUpper      *big.Int
	Amount0Desired *big.Int
	Amount1Desired *big.Int
	Amount0Min     *big.Int
	Amount1Min     *big.Int
	Recipient      common.Address
	Deadline       *big.Int
}

func decodeMint(t *testing.T, step execution.ActionStep) mintArgs {
	t.Helper()
	data := common.FromHex(step.Data)
	method, err := testPositionABI.MethodById(data[:4])
	require.NoError(t, err)
	require.Equal(t, "mint", method.Name)
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	return *abi.ConvertType(args[0], new(mintArgs)).(*mintArgs)
}

func decodeApproval(t *testing.T, step execution.ActionStep) (common.Address, *big.Int) {
	t.Helper()
	data := common.FromHex(step.Data)
	args, err := plannerERC20ABI.Methods["approve"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	return args[0].(common.Address), args[1].(*big.Int)
}

func TestPlanDepositSwapsThroughAggregator(t *testing.T) {
	m := newMemChain()
	m.withPool(100)
	m.withUSDCBalance(0)
	m.withAllowance(big.NewInt(0))
	agg := &fakeAggregator{swap: zeroExSwap(), keyed: true}
	p := newTestPlanner(t, m, WithAggregator(agg))

	action, err := p.PlanDeposit(context.Background(), DepositRequest{
		Sender:          testSender.Hex(),
		AmountBaseUnits: "100000000",
		SlippageBps:     DefaultSlippageBps,
		Simulate:        true,
	})
	require.NoError(t, err)
	require.Equal(t, execution.IntentDeposit, action.IntentType)
	require.Equal(t, "100000000", action.InputAmount)
	require.Equal(t, []string{"deposit-approve-pyusd", "deposit-swap", "approve-pm-pyusd", "approve-pm-usdc", "mint-position"}, stepIDs(action))

	spender, amount := decodeApproval(t, action.Steps[0])
	require.Equal(t, allowanceHolder, spender)
	require.Equal(t, "50000000", amount.String())
	require.Equal(t, "50000000", action.Steps[0].ApprovalLimit)

	swap := action.Steps[1]
	require.Equal(t, execution.StepTypeSwap, swap.Type)
	require.Equal(t, execution.RouteZeroEx, swap.ExpectedOutputs["route"])
	require.Equal(t, allowanceHolder.Hex(), swap.Target)
	require.Equal(t, "49750000", swap.ExpectedOutputs["amount_out_min"])

	_, usdcApproval := decodeApproval(t, action.Steps[3])
	require.Equal(t, "49750000", usdcApproval.String())

	mint := decodeMint(t, action.Steps[4])
	require.Equal(t, pyusdAddr, mint.Token0)
	require.Equal(t, usdcAddr, mint.Token1)
	require.Equal(t, int64(100), mint.Fee.Int64())
	require.Equal(t, int64(-487), mint.TickLower.Int64())
	require.Equal(t, int64(487), mint.TickUpper.Int64())
	require.Equal(t, "50000000", mint.Amount0Desired.String())
	require.Equal(t, "49750000", mint.Amount1Desired.String())
	require.Zero(t, mint.Amount0Min.Sign())
	require.Zero(t, mint.Amount1Min.Sign())
	require.Equal(t, testSender, mint.Recipient)
	require.Equal(t, "0x", action.Metadata["swap_provider"])
	require.Zero(t, m.count("quoteExactInputSingle"))
}

func TestPlanDepositFallsBackToRouter(t *testing.T) {
	m := newMemChain()
	m.withPool(100)
	m.withUSDCBalance(0)
	m.withAllowance(big.NewInt(0))
	m.withQuote(49_990_000)
	agg := &fakeAggregator{err: clierr.New(clierr.CodeUnsupported, "0x: no route"), keyed: true}
	reg := metrics.New()
	p := newTestPlanner(t, m, WithAggregator(agg), WithMetrics(reg))

	action, err := p.PlanDeposit(context.Background(), DepositRequest{
		Sender:          testSender.Hex(),
		AmountBaseUnits: "100000000",
		SlippageBps:     DefaultSlippageBps,
	})
	require.NoError(t, err)
	require.Equal(t, 1, agg.calls)
	require.NotEmpty(t, action.Warnings)
	require.Contains(t, action.Warnings[0], "routing swap through uniswap-v3")

	swap := action.Steps[1]
	require.Equal(t, execution.RouteUniswapV3, swap.ExpectedOutputs["route"])
	require.True(t, registry.IsUniswapV3Router(42161, swap.Target))
	require.Equal(t, "49740050", swap.ExpectedOutputs["amount_out_min"])

	mint := decodeMint(t, action.Steps[len(action.Steps)-1])
	require.Equal(t, "49740050", mint.Amount1Desired.String())
	require.Equal(t, 1.0, testutil.ToFloat64(reg.FallbacksTotal.WithLabelValues("deposit")))
	require.Equal(t, 1.0, testutil.ToFloat64(reg.ProviderRequests.WithLabelValues("0x", "error")))
}

func TestPlanDepositAuthFailureDoesNotFallBack(t *testing.T) {
	m := newMemChain()
	m.withPool(100)
	m.withUSDCBalance(0)
	m.withAllowance(big.NewInt(0))
	m.withQuote(49_990_000)
	agg := &fakeAggregator{err: clierr.New(clierr.CodeAuth, "0x rejected the api key"), keyed: true}
	p := newTestPlanner(t, m, WithAggregator(agg))

	_, err := p.PlanDeposit(context.Background(), DepositRequest{Sender: testSender.Hex(), AmountBaseUnits: "100000000", SlippageBps: 50})
	require.Equal(t, int(clierr.CodeAuth), clierr.ExitCode(err))
	require.Zero(t, m.count("quoteExactInputSingle"))
}

func TestPlanDepositWithoutKeySkipsAggregator(t *testing.T) {
	m := newMemChain()
	m.withPool(100)
	m.withUSDCBalance(0)
	m.withAllowance(big.NewInt(0))
	m.withQuote(49_990_000)
	agg := &fakeAggregator{swap: zeroExSwap()}
	p := newTestPlanner(t, m, WithAggregator(agg))

	action, err := p.PlanDeposit(context.Background(), DepositRequest{Sender: testSender.Hex(), AmountBaseUnits: "100000000", SlippageBps: 50})
	require.NoError(t, err)
	require.Zero(t, agg.calls)
	require.Contains(t, strings.Join(action.Warnings, "\n"), "api key not configured")
	require.Equal(t, execution.RouteUniswapV3, action.Steps[1].ExpectedOutputs["route"])
}

func TestPlanDepositSkipsSwapWhenWalletHoldsUSDC(t *testing.T) {
	m := newMemChain()
	m.withPool(500)
	m.withUSDCBalance(60_000_000)
	m.withAllowance(new(big.Int).Lsh(big.NewInt(1), 200))
	agg := &fakeAggregator{swap: zeroExSwap(), keyed: true}
	p := newTestPlanner(t, m, WithAggregator(agg))

	action, err := p.PlanDeposit(context.Background(), DepositRequest{Sender: testSender.Hex(), AmountBaseUnits: "100000000", SlippageBps: 50})
	require.NoError(t, err)
	require.Zero(t, agg.calls)
	require.Equal(t, []string{"mint-position"}, stepIDs(action))
	mint := decodeMint(t, action.Steps[0])
	require.Equal(t, "50000000", mint.Amount0Desired.String())
	require.Equal(t, "50000000", mint.Amount1Desired.String())
	require.Equal(t, int64(-490), mint.TickLower.Int64())
	require.Equal(t, int64(490), mint.TickUpper.Int64())
}

func TestPlanDepositTestModeNeedsUSDC(t *testing.T) {
	m := newMemChain()
	m.withPool(100)
	m.withUSDCBalance(0)
	m.withAllowance(big.NewInt(0))
	p := newTestPlanner(t, m)

	_, err := p.PlanDeposit(context.Background(), DepositRequest{Sender: testSender.Hex(), AmountBaseUnits: "100000000", TestMode: true})
	require.Equal(t, int(clierr.CodeActionPlan), clierr.ExitCode(err))

	m.withUSDCBalance(20_000_000)
	action, err := p.PlanDeposit(context.Background(), DepositRequest{Sender: testSender.Hex(), AmountBaseUnits: "100000000", TestMode: true})
	require.NoError(t, err)
	mint := decodeMint(t, action.Steps[len(action.Steps)-1])
	require.Equal(t, "50000000", mint.Amount0Desired.String())
	require.Equal(t, "20000000", mint.Amount1Desired.String())
	require.Equal(t, true, action.Metadata["test_mode"])
}

func TestPlanDepositValidatesInputs(t *testing.T) {
	p := newTestPlanner(t, newMemChain())
	cases := []DepositRequest{
		{Sender: "", AmountBaseUnits: "1"},
		{Sender: "not-an-address", AmountBaseUnits: "1"},
		{Sender: testSender.Hex(), AmountBaseUnits: "0"},
		{Sender: testSender.Hex(), AmountBaseUnits: "1", SlippageBps: 10_000},
	}
	for _, req := range cases {
		_, err := p.PlanDeposit(context.Background(), req)
		require.Equal(t, int(clierr.CodeUsage), clierr.ExitCode(err), "request %+v", req)
	}
}

func withPosition(m *memChain, owner common.Address, token1 common.Address, liquidity int64) {
	m.on("ownerOf", func(common.Address, []any) ([]any, error) { return []any{owner}, nil })
	m.on("positions", func(common.Address, []any) ([]any, error) {
		return []any{
			big.NewInt(0), common.Address{}, pyusdAddr, token1,
			big.NewInt(100), big.NewInt(-487), big.NewInt(487), big.NewInt(liquidity),
			big.NewInt(0), big.NewInt(0), big.NewInt(3), big.NewInt(4),
		}, nil
	})
}

func TestPlanWithdrawBuildsMulticall(t *testing.T) {
	m := newMemChain()
	withPosition(m, testSender, usdcAddr, 123_456)
	p := newTestPlanner(t, m)

	action, err := p.PlanWithdraw(context.Background(), WithdrawRequest{Sender: testSender.Hex(), TokenID: "42"})
	require.NoError(t, err)
	require.Equal(t, execution.IntentWithdraw, action.IntentType)
	require.Len(t, action.Steps, 1)
	step := action.Steps[0]
	require.Equal(t, execution.StepTypeWithdraw, step.Type)
	require.True(t, registry.IsUniswapV3PositionManager(42161, step.Target))
	require.Equal(t, "123456", step.ExpectedOutputs["liquidity"])

	data := common.FromHex(step.Data)
	args, err := testPositionABI.Methods["multicall"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	calls := args[0].([][]byte)
	require.Len(t, calls, 2)
	require.Equal(t, testPositionABI.Methods["decreaseLiquidity"].ID, calls[0][:4])
	require.Equal(t, testPositionABI.Methods["collect"].ID, calls[1][:4])
}

func TestPlanWithdrawRejectsForeignOrEmptyPositions(t *testing.T) {
	m := newMemChain()
	withPosition(m, common.HexToAddress("0x00000000000000000000000000000000000000BB"), usdcAddr, 10)
	p := newTestPlanner(t, m)
	_, err := p.PlanWithdraw(context.Background(), WithdrawRequest{Sender: testSender.Hex(), TokenID: "1"})
	require.Equal(t, int(clierr.CodeActionPlan), clierr.ExitCode(err))
	require.Contains(t, err.Error(), "owned by")

	withPosition(m, testSender, usdcAddr, 0)
	_, err = p.PlanWithdraw(context.Background(), WithdrawRequest{Sender: testSender.Hex(), TokenID: "1"})
	require.Contains(t, err.Error(), "no liquidity")

	withPosition(m, testSender, common.HexToAddress("0x00000000000000000000000000000000000000C0"), 10)
	_, err = p.PlanWithdraw(context.Background(), WithdrawRequest{Sender: testSender.Hex(), TokenID: "1"})
	require.Contains(t, err.Error(), "not a PYUSD/USDC position")

	_, err = p.PlanWithdraw(context.Background(), WithdrawRequest{Sender: testSender.Hex(), TokenID: "abc"})
	require.Equal(t, int(clierr.CodeUsage), clierr.ExitCode(err))
}

type routerArgs struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

func TestPlanSwapBackUsesRouterTier3000(t *testing.T) {
	m := newMemChain()
	m.withPool(3000)
	m.withUSDCBalance(5_000_000)
	m.withAllowance(big.NewInt(0))
	m.withQuote(4_990_000)
	p := newTestPlanner(t, m)

	action, err := p.PlanSwapBack(context.Background(), SwapBackRequest{
		Sender:         testSender.Hex(),
		SlippageBps:    DefaultSwapBackSlippageBps,
		ParentActionID: "act_parent",
	})
	require.NoError(t, err)
	require.Equal(t, execution.IntentSwapBack, action.IntentType)
	require.Equal(t, "act_parent", action.ParentActionID)
	require.Equal(t, "5000000", action.InputAmount)
	require.Equal(t, []string{"swapback-approve-usdc", "swapback-swap"}, stepIDs(action))

	data := common.FromHex(action.Steps[1].Data)
	args, err := testRouterABI.Methods["exactInputSingle"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	params := *abi.ConvertType(args[0], new(routerArgs)).(*routerArgs)
	require.Equal(t, usdcAddr, params.TokenIn)
	require.Equal(t, pyusdAddr, params.TokenOut)
	require.Equal(t, int64(3000), params.Fee.Int64())
	require.Equal(t, "4940100", params.AmountOutMinimum.String())
	require.Equal(t, testSender, params.Recipient)
}

func TestPlanSwapBackNothingToSwap(t *testing.T) {
	m := newMemChain()
	m.withUSDCBalance(0)
	p := newTestPlanner(t, m)

	_, err := p.PlanSwapBack(context.Background(), SwapBackRequest{Sender: testSender.Hex(), SlippageBps: 100})
	require.True(t, errors.Is(err, ErrNothingToSwap))
}

func TestQuoteDepositReview(t *testing.T) {
	m := newMemChain()
	m.withPool(100)
	m.withQuote(49_990_000)
	agg := &fakeAggregator{swap: zeroExSwap(), keyed: true}
	p := newTestPlanner(t, m, WithAggregator(agg))

	review, warnings, err := p.QuoteDeposit(context.Background(), QuoteRequest{AmountBaseUnits: "100000000"})
	require.NoError(t, err)
	require.Equal(t, "0.10", review.RoutingFee)
	require.Equal(t, "99.60", review.MinAfterSlippage)
	require.Equal(t, 0.1, review.RoutingFeePct)
	require.Equal(t, 0.3, review.SlippagePct)
	require.Equal(t, "50000000", review.SwapAmount.AmountBaseUnits)
	require.NotNil(t, review.Quote)
	require.Equal(t, "uniswap-v3", review.Quote.Provider)
	require.Len(t, warnings, 1)
	require.Zero(t, agg.calls)

	review, _, err = p.QuoteDeposit(context.Background(), QuoteRequest{AmountBaseUnits: "100000000", Sender: testSender.Hex()})
	require.NoError(t, err)
	require.Equal(t, "0x", review.Quote.Provider)

	review, warnings, err = p.QuoteDeposit(context.Background(), QuoteRequest{AmountBaseUnits: "100000000", NoSwap: true})
	require.NoError(t, err)
	require.Nil(t, review.Quote)
	require.Empty(t, warnings)
	require.True(t, review.TestMode)
	require.Equal(t, "0", review.SwapAmount.AmountBaseUnits)
}

func TestReviewRoundsHalfUp(t *testing.T) {
	arb, err := id.ParseChain("arbitrum")
	require.NoError(t, err)
	base := uniswapv3.PairAssets(arb).Base
	cases := []struct {
		total   int64
		fee     string
		minimum string
	}{
		{total: 10_050_000, fee: "0.01", minimum: "10.01"},
		{total: 5_000_000, fee: "0.01", minimum: "4.98"},
		{total: 4_000_000, fee: "0.00", minimum: "3.98"},
		{total: 100_000_000, fee: "0.10", minimum: "99.60"},
	}
	for _, tc := range cases {
		review := Review(big.NewInt(tc.total), big.NewInt(tc.total/2), base)
		require.Equal(t, tc.fee, review.RoutingFee, "fee for %d", tc.total)
		require.Equal(t, tc.minimum, review.MinAfterSlippage, "minimum for %d", tc.total)
	}
}

func TestLiquidityHookRecordsMintOutputs(t *testing.T) {
	pm := common.HexToAddress("0xC36442b4a4522E871399CD717aBDD847Ab11FE88")
	event := testPositionABI.Events["IncreaseLiquidity"]
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(777), big.NewInt(50_000_000), big.NewInt(49_000_000))
	require.NoError(t, err)
	receipt := &types.Receipt{Logs: []*types.Log{
		{Address: usdcAddr, Topics: []common.Hash{event.ID, common.BigToHash(big.NewInt(1))}, Data: data},
		{Address: pm, Topics: []common.Hash{event.ID, common.BigToHash(big.NewInt(9001))}, Data: data},
	}}

	action := execution.NewAction("act_mint", execution.IntentDeposit, "eip155:42161", execution.Constraints{})
	step := &execution.ActionStep{Type: execution.StepTypeMint}
	require.NoError(t, LiquidityHook(pm)(context.Background(), &action, step, receipt))
	require.Equal(t, "9001", step.Outputs["token_id"])
	require.Equal(t, "777", step.Outputs["liquidity"])
	require.Equal(t, "50000000", step.Outputs["amount0"])
	require.Equal(t, "9001", action.Metadata["token_id"])
	require.Equal(t, "777", action.Metadata["liquidity"])
	require.Equal(t, "50000000", action.Metadata["amount0"])
	require.Equal(t, "49000000", action.Metadata["amount1"])

	approval := &execution.ActionStep{Type: execution.StepTypeApproval}
	require.NoError(t, LiquidityHook(pm)(context.Background(), &action, approval, receipt))
	require.Empty(t, approval.Outputs)

	withdrawAction := execution.NewAction("act_withdraw", execution.IntentWithdraw, "eip155:42161", execution.Constraints{})
	withdraw := &execution.ActionStep{Type: execution.StepTypeWithdraw}
	require.NoError(t, LiquidityHook(pm)(context.Background(), &withdrawAction, withdraw, receipt))
	require.NotEmpty(t, withdraw.Outputs["decode_warning"])
	require.NotContains(t, withdrawAction.Metadata, "token_id")
}

func TestLiquidityHookFillsMissingMetadata(t *testing.T) {
	pm := common.HexToAddress("0xC36442b4a4522E871399CD717aBDD847Ab11FE88")
	event := testPositionABI.Events["IncreaseLiquidity"]
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(1), big.NewInt(2), big.NewInt(3))
	require.NoError(t, err)
	receipt := &types.Receipt{Logs: []*types.Log{
		{Address: pm, Topics: []common.Hash{event.ID, common.BigToHash(big.NewInt(42))}, Data: data},
	}}

	action := &execution.Action{ActionID: "act_loaded"}
	step := &execution.ActionStep{Type: execution.StepTypeMint}
	require.NoError(t, LiquidityHook(pm)(context.Background(), action, step, receipt))
	require.Equal(t, "42", action.Metadata["token_id"])
}
