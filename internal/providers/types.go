package providers

import (
	"context"

	"github.com/payyield/pyusd-lp/internal/id"
	"github.com/payyield/pyusd-lp/internal/model"
)

type Provider interface {
	Info() model.ProviderInfo
}

type SwapQuoteRequest struct {
	Chain           id.Chain
	FromAsset       id.Asset
	ToAsset         id.Asset
	AmountBaseUnits string
	AmountDecimal   string
	// Taker is the address that will send the swap transaction. Required
	// when building an executable swap.
	Taker       string
	SlippageBps int64
	// FeeTier pins the exchange pool tier. Zero lets the provider choose.
	FeeTier uint32
}

// SwapTransaction is the unsigned call that fills a quote.
type SwapTransaction struct {
	To    string
	Data  string
	Value string
	Gas   string
}

// ExecutableSwap is a quote together with the transaction that fills it and
// the address that must hold an allowance for the input token.
type ExecutableSwap struct {
	Quote           model.SwapQuote
	Tx              SwapTransaction
	AllowanceTarget string
	MinimumOut      string
}

type SwapProvider interface {
	Provider
	QuoteSwap(ctx context.Context, req SwapQuoteRequest) (model.SwapQuote, error)
}

type SwapExecutionProvider interface {
	SwapProvider
	BuildSwap(ctx context.Context, req SwapQuoteRequest) (ExecutableSwap, error)
}
