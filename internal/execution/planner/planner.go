package planner

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/payyield/pyusd-lp/internal/chain"
	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/execution"
	"github.com/payyield/pyusd-lp/internal/id"
	"github.com/payyield/pyusd-lp/internal/metrics"
	"github.com/payyield/pyusd-lp/internal/providers"
	"github.com/payyield/pyusd-lp/internal/providers/uniswapv3"
)

// Planner turns deposit, withdraw and swap-back intents into persisted
// actions for the PYUSD/USDC pool. Swaps go through the aggregator when one
// is configured and fall back to the exchange router otherwise.
type Planner struct {
	reader     *chain.Reader
	uniswap    *uniswapv3.Client
	aggregator providers.SwapExecutionProvider
	chain      id.Chain
	pair       uniswapv3.Pair
	rpcURL     string
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

type Option func(*Planner)

// WithAggregator routes swaps through provider before the router fallback.
func WithAggregator(provider providers.SwapExecutionProvider) Option {
	return func(p *Planner) { p.aggregator = provider }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Planner) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Planner) { p.metrics = m }
}

// WithRPCURL sets the endpoint recorded on every planned step.
func WithRPCURL(rpcURL string) Option {
	return func(p *Planner) { p.rpcURL = strings.TrimSpace(rpcURL) }
}

func New(reader *chain.Reader, uniswap *uniswapv3.Client, c id.Chain, opts ...Option) *Planner {
	p := &Planner{
		reader:  reader,
		uniswap: uniswap,
		chain:   c,
		pair:    uniswapv3.PairAssets(c),
		rpcURL:  reader.RPCURL(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Planner) Pair() uniswapv3.Pair { return p.pair }

type keyedProvider interface {
	HasAPIKey() bool
}

// routeSwap builds an executable swap, preferring the aggregator. Aggregator
// failures fall back to the router on fallbackFee (0 discovers the tier),
// except authentication failures when an API key was configured.
func (p *Planner) routeSwap(ctx context.Context, req providers.SwapQuoteRequest, fallbackFee uint32, operation string) (providers.ExecutableSwap, []string, error) {
	var warnings []string
	if p.aggregator != nil {
		keyed, isKeyed := p.aggregator.(keyedProvider)
		if isKeyed && !keyed.HasAPIKey() {
			warnings = append(warnings, fmt.Sprintf("%s api key not configured; routing swap through %s", p.aggregator.Info().Name, uniswapv3.ProviderName))
		} else {
			start := time.Now()
			swap, err := p.aggregator.BuildSwap(ctx, req)
			p.metrics.RecordProvider(p.aggregator.Info().Name, err)
			if err == nil {
				p.logger.Debug("aggregator swap built",
					zap.String("provider", p.aggregator.Info().Name),
					zap.String("min_out", swap.MinimumOut),
					zap.Duration("latency", time.Since(start)),
				)
				return swap, warnings, nil
			}
			if clierr.ExitCode(err) == int(clierr.CodeAuth) {
				return providers.ExecutableSwap{}, warnings, err
			}
			p.logger.Warn("aggregator swap failed, falling back to router",
				zap.String("provider", p.aggregator.Info().Name),
				zap.String("operation", operation),
				zap.Error(err),
			)
			warnings = append(warnings, fmt.Sprintf("%s quote unavailable (%v); routing swap through %s", p.aggregator.Info().Name, err, uniswapv3.ProviderName))
		}
	}
	p.metrics.RecordFallback(operation)
	req.FeeTier = fallbackFee
	swap, err := p.uniswap.BuildSwap(ctx, req)
	p.metrics.RecordProvider(uniswapv3.ProviderName, err)
	if err != nil {
		return providers.ExecutableSwap{}, warnings, err
	}
	return swap, warnings, nil
}

// appendSwapSteps appends the allowance approval (when short) and the swap
// call for swap, selling amountIn of from.
func (p *Planner) appendSwapSteps(ctx context.Context, action *execution.Action, prefix string, swap providers.ExecutableSwap, from id.Asset, owner common.Address, amountIn *big.Int) error {
	if !common.IsHexAddress(swap.AllowanceTarget) || !common.IsHexAddress(swap.Tx.To) {
		return clierr.New(clierr.CodeActionPlan, "swap quote is missing an allowance target or transaction target")
	}
	spender := common.HexToAddress(swap.AllowanceTarget)
	if err := p.appendApprovalIfNeeded(ctx, action, prefix+"-approve-"+strings.ToLower(from.Symbol), from, owner, spender, amountIn,
		fmt.Sprintf("Approve %s for %s swap", from.Symbol, swap.Quote.Provider)); err != nil {
		return err
	}
	value := strings.TrimSpace(swap.Tx.Value)
	if value == "" {
		value = "0"
	}
	action.Steps = append(action.Steps, execution.ActionStep{
		StepID:      prefix + "-swap",
		Type:        execution.StepTypeSwap,
		Status:      execution.StepStatusPending,
		ChainID:     p.chain.CAIP2,
		RPCURL:      p.rpcURL,
		Description: fmt.Sprintf("Swap %s %s via %s", swap.Quote.InputAmount.AmountDecimal, from.Symbol, swap.Quote.Provider),
		Target:      common.HexToAddress(swap.Tx.To).Hex(),
		Data:        swap.Tx.Data,
		Value:       value,
		ExpectedOutputs: map[string]string{
			"route":            swap.Quote.Provider,
			"allowance_target": spender.Hex(),
			"amount_in":        amountIn.String(),
			"estimated_out":    swap.Quote.EstimatedOut.AmountBaseUnits,
			"amount_out_min":   swap.MinimumOut,
		},
	})
	return nil
}

func (p *Planner) parseSender(raw string) (common.Address, error) {
	sender := strings.TrimSpace(raw)
	if sender == "" {
		return common.Address{}, clierr.New(clierr.CodeUsage, "--from-address is required")
	}
	if !common.IsHexAddress(sender) {
		return common.Address{}, clierr.New(clierr.CodeUsage, "--from-address must be a valid EVM address")
	}
	return common.HexToAddress(sender), nil
}

func parsePositiveAmount(raw, label string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s must be a positive integer in base units", label))
	}
	return amount, nil
}

func validateSlippage(bps int64) error {
	if bps < 0 || bps >= 10_000 {
		return clierr.New(clierr.CodeUsage, "--slippage-bps must be between 0 and 9999")
	}
	return nil
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
