package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Cache     CacheStatus      `json:"cache"`
	Partial   bool             `json:"partial"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

type ProviderInfo struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	RequiresKey   bool     `json:"requires_key"`
	Capabilities  []string `json:"capabilities"`
	KeyEnvVarName string   `json:"key_env_var,omitempty"`
}

type AmountInfo struct {
	AmountBaseUnits string `json:"amount_base_units"`
	AmountDecimal   string `json:"amount_decimal"`
	Decimals        int    `json:"decimals"`
}

type SwapQuote struct {
	Provider        string     `json:"provider"`
	ChainID         string     `json:"chain_id"`
	FromAssetID     string     `json:"from_asset_id"`
	ToAssetID       string     `json:"to_asset_id"`
	InputAmount     AmountInfo `json:"input_amount"`
	EstimatedOut    AmountInfo `json:"estimated_out"`
	MinimumOut      AmountInfo `json:"minimum_out"`
	EstimatedGas    string     `json:"estimated_gas,omitempty"`
	SlippageBps     int64      `json:"slippage_bps"`
	AllowanceTarget string     `json:"allowance_target,omitempty"`
	Route           string     `json:"route"`
	Sources         []string   `json:"sources,omitempty"`
	SourceURL       string     `json:"source_url,omitempty"`
	FetchedAt       string     `json:"fetched_at"`
}

// Strategy is a catalog entry shown to the user before depositing.
type Strategy struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	APYPct      float64 `json:"apy_pct"`
	Description string  `json:"description"`
	Risk        string  `json:"risk"`
	TVL         string  `json:"tvl"`
	Executable  bool    `json:"executable"`
}

type DepositReview struct {
	Strategy         Strategy   `json:"strategy"`
	DepositAmount    AmountInfo `json:"deposit_amount"`
	SwapAmount       AmountInfo `json:"swap_amount"`
	RoutingFeePct    float64    `json:"routing_fee_pct"`
	SlippagePct      float64    `json:"slippage_pct"`
	RoutingFee       string     `json:"routing_fee"`
	MinAfterSlippage string     `json:"min_after_slippage"`
	Quote            *SwapQuote `json:"quote,omitempty"`
	TestMode         bool       `json:"test_mode"`
}

type TickRange struct {
	CurrentTick int32   `json:"current_tick"`
	TickSpacing int32   `json:"tick_spacing"`
	TickLower   int32   `json:"tick_lower"`
	TickUpper   int32   `json:"tick_upper"`
	RangePct    float64 `json:"range_pct"`
}

type PoolInfo struct {
	ChainID      string    `json:"chain_id"`
	Address      string    `json:"address"`
	Fee          uint32    `json:"fee"`
	Token0       string    `json:"token0"`
	Token1       string    `json:"token1"`
	Token0Symbol string    `json:"token0_symbol"`
	Token1Symbol string    `json:"token1_symbol"`
	SqrtPriceX96 string    `json:"sqrt_price_x96"`
	Liquidity    string    `json:"liquidity"`
	Range        TickRange `json:"range"`
	FetchedAt    string    `json:"fetched_at"`
}

type Position struct {
	TokenID     string     `json:"token_id"`
	ChainID     string     `json:"chain_id"`
	Owner       string     `json:"owner"`
	Token0      string     `json:"token0"`
	Token1      string     `json:"token1"`
	Fee         uint32     `json:"fee"`
	TickLower   int32      `json:"tick_lower"`
	TickUpper   int32      `json:"tick_upper"`
	Liquidity   string     `json:"liquidity"`
	TokensOwed0 string     `json:"tokens_owed0"`
	TokensOwed1 string     `json:"tokens_owed1"`
	InRange     bool       `json:"in_range"`
	EstPYUSD    AmountInfo `json:"estimated_pyusd"`
	EstUSDC     AmountInfo `json:"estimated_usdc"`
	Strategy    string     `json:"strategy"`
	APYPct      float64    `json:"apy_pct"`
}

type TokenBalance struct {
	Symbol  string     `json:"symbol"`
	AssetID string     `json:"asset_id"`
	Balance AmountInfo `json:"balance"`
}

type WalletBalances struct {
	Address   string         `json:"address"`
	ChainID   string         `json:"chain_id"`
	Balances  []TokenBalance `json:"balances"`
	FetchedAt string         `json:"fetched_at"`
}

type NetworkStatus struct {
	RPCURL           string `json:"rpc_url"`
	TargetChainID    int64  `json:"target_chain_id"`
	ConnectedChainID int64  `json:"connected_chain_id"`
	Matches          bool   `json:"matches"`
	AddNetwork       any    `json:"add_network"`
}

// WalletAccount is the address a configured signer resolves to.
type WalletAccount struct {
	Address   string `json:"address"`
	ChainID   string `json:"chain_id"`
	KeySource string `json:"key_source"`
}
