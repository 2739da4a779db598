package zeroex

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/httpx"
	"github.com/payyield/pyusd-lp/internal/id"
	"github.com/payyield/pyusd-lp/internal/model"
	"github.com/payyield/pyusd-lp/internal/providers"
	"github.com/payyield/pyusd-lp/internal/registry"
)

const (
	ProviderName  = "0x"
	KeyEnvVarName = "PAYYIELD_0X_API_KEY"
)

// ErrNoRoute marks a quote the aggregator could not fill. Callers fall back
// to the exchange router when they see it.
var ErrNoRoute = errors.New("0x has no route for this swap")

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
	now     func() time.Time
}

func New(httpClient *httpx.Client, apiKey string) *Client {
	return &Client{http: httpClient, baseURL: registry.ZeroExBaseURL, apiKey: strings.TrimSpace(apiKey), now: time.Now}
}

// NewWithBaseURL points the client at an alternate 0x host. Only 0x-owned
// https hosts and loopback test servers are accepted.
func NewWithBaseURL(httpClient *httpx.Client, apiKey, baseURL string) (*Client, error) {
	c := New(httpClient, apiKey)
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return c, nil
	}
	if !registry.IsAllowedZeroExBaseURL(baseURL) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("0x base url %q is not an allowed 0x endpoint", baseURL))
	}
	c.baseURL = baseURL
	return c, nil
}

func (c *Client) HasAPIKey() bool { return c.apiKey != "" }

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:          ProviderName,
		Type:          "swap",
		RequiresKey:   true,
		KeyEnvVarName: KeyEnvVarName,
		Capabilities: []string{
			"swap.quote",
			"swap.plan",
		},
	}
}

type quoteResponse struct {
	LiquidityAvailable *bool  `json:"liquidityAvailable"`
	BuyAmount          string `json:"buyAmount"`
	MinBuyAmount       string `json:"minBuyAmount"`
	SellAmount         string `json:"sellAmount"`
	Issues             struct {
		Allowance *struct {
			Actual  string `json:"actual"`
			Spender string `json:"spender"`
		} `json:"allowance"`
	} `json:"issues"`
	Route struct {
		Fills []struct {
			Source string `json:"source"`
		} `json:"fills"`
	} `json:"route"`
	Transaction struct {
		To    string `json:"to"`
		Data  string `json:"data"`
		Value string `json:"value"`
		Gas   string `json:"gas"`
	} `json:"transaction"`
}

func (c *Client) QuoteSwap(ctx context.Context, req providers.SwapQuoteRequest) (model.SwapQuote, error) {
	swap, err := c.BuildSwap(ctx, req)
	if err != nil {
		return model.SwapQuote{}, err
	}
	return swap.Quote, nil
}

// BuildSwap requests a firm allowance-holder quote. The returned transaction
// is ready to sign by req.Taker.
func (c *Client) BuildSwap(ctx context.Context, req providers.SwapQuoteRequest) (providers.ExecutableSwap, error) {
	if c.apiKey == "" {
		return providers.ExecutableSwap{}, clierr.New(clierr.CodeAuth, "missing required API key for 0x ("+KeyEnvVarName+")")
	}
	if !common.IsHexAddress(req.Taker) {
		return providers.ExecutableSwap{}, clierr.New(clierr.CodeUsage, "0x quote requires a valid taker address")
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(req.AmountBaseUnits), 10)
	if !ok || amount.Sign() <= 0 {
		return providers.ExecutableSwap{}, clierr.New(clierr.CodeUsage, "0x quote amount must be a positive integer in base units")
	}
	if req.SlippageBps < 0 || req.SlippageBps >= 10_000 {
		return providers.ExecutableSwap{}, clierr.New(clierr.CodeUsage, "slippage bps must be between 0 and 9999")
	}

	vals := url.Values{}
	vals.Set("chainId", strconv.FormatInt(req.Chain.EVMChainID, 10))
	vals.Set("sellToken", common.HexToAddress(req.FromAsset.Address).Hex())
	vals.Set("buyToken", common.HexToAddress(req.ToAsset.Address).Hex())
	vals.Set("sellAmount", amount.String())
	vals.Set("taker", common.HexToAddress(req.Taker).Hex())
	vals.Set("slippageBps", strconv.FormatInt(req.SlippageBps, 10))

	endpoint := c.baseURL + registry.ZeroExQuotePath + "?" + vals.Encode()
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return providers.ExecutableSwap{}, clierr.Wrap(clierr.CodeInternal, "build 0x quote request", err)
	}
	hReq.Header.Set("0x-api-key", c.apiKey)
	hReq.Header.Set("0x-version", "v2")

	var resp quoteResponse
	if _, err := c.http.DoJSON(ctx, hReq, &resp); err != nil {
		if httpx.StatusCode(err) == http.StatusNotFound {
			return providers.ExecutableSwap{}, clierr.Wrap(clierr.CodeUnsupported, "0x quote unavailable", ErrNoRoute)
		}
		return providers.ExecutableSwap{}, err
	}
	if resp.LiquidityAvailable != nil && !*resp.LiquidityAvailable {
		return providers.ExecutableSwap{}, clierr.Wrap(clierr.CodeUnsupported, "0x reports no liquidity", ErrNoRoute)
	}
	if _, ok := new(big.Int).SetString(resp.BuyAmount, 10); !ok {
		return providers.ExecutableSwap{}, clierr.New(clierr.CodeUnavailable, "0x quote missing buy amount")
	}
	minOut := resp.MinBuyAmount
	if _, ok := new(big.Int).SetString(minOut, 10); !ok {
		return providers.ExecutableSwap{}, clierr.New(clierr.CodeUnavailable, "0x quote missing minimum buy amount")
	}
	if !common.IsHexAddress(resp.Transaction.To) || !strings.HasPrefix(resp.Transaction.Data, "0x") {
		return providers.ExecutableSwap{}, clierr.New(clierr.CodeUnavailable, "0x quote missing transaction")
	}
	spender := resp.Transaction.To
	if resp.Issues.Allowance != nil && common.IsHexAddress(resp.Issues.Allowance.Spender) {
		spender = resp.Issues.Allowance.Spender
	}
	value := strings.TrimSpace(resp.Transaction.Value)
	if value == "" {
		value = "0"
	}

	quote := model.SwapQuote{
		Provider:    ProviderName,
		ChainID:     req.Chain.CAIP2,
		FromAssetID: req.FromAsset.AssetID,
		ToAssetID:   req.ToAsset.AssetID,
		InputAmount: model.AmountInfo{
			AmountBaseUnits: amount.String(),
			AmountDecimal:   id.FormatDecimalCompat(amount.String(), req.FromAsset.Decimals),
			Decimals:        req.FromAsset.Decimals,
		},
		EstimatedOut: model.AmountInfo{
			AmountBaseUnits: resp.BuyAmount,
			AmountDecimal:   id.FormatDecimalCompat(resp.BuyAmount, req.ToAsset.Decimals),
			Decimals:        req.ToAsset.Decimals,
		},
		MinimumOut: model.AmountInfo{
			AmountBaseUnits: minOut,
			AmountDecimal:   id.FormatDecimalCompat(minOut, req.ToAsset.Decimals),
			Decimals:        req.ToAsset.Decimals,
		},
		EstimatedGas:    resp.Transaction.Gas,
		SlippageBps:     req.SlippageBps,
		AllowanceTarget: common.HexToAddress(spender).Hex(),
		Route:           ProviderName,
		Sources:         fillSources(resp),
		SourceURL:       "https://0x.org",
		FetchedAt:       c.now().UTC().Format(time.RFC3339),
	}
	return providers.ExecutableSwap{
		Quote: quote,
		Tx: providers.SwapTransaction{
			To:    common.HexToAddress(resp.Transaction.To).Hex(),
			Data:  resp.Transaction.Data,
			Value: value,
			Gas:   resp.Transaction.Gas,
		},
		AllowanceTarget: quote.AllowanceTarget,
		MinimumOut:      minOut,
	}, nil
}

func fillSources(resp quoteResponse) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, fill := range resp.Route.Fills {
		name := strings.TrimSpace(fill.Source)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
