package app

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/payyield/pyusd-lp/internal/cache"
	clierr "github.com/payyield/pyusd-lp/internal/errors"
	execsigner "github.com/payyield/pyusd-lp/internal/execution/signer"
	"github.com/payyield/pyusd-lp/internal/id"
	"github.com/payyield/pyusd-lp/internal/model"
	"github.com/payyield/pyusd-lp/internal/providers/uniswapv3"
	"github.com/payyield/pyusd-lp/internal/registry"
	"github.com/payyield/pyusd-lp/internal/strategy"
)

const (
	walletBalanceTTL = 15 * time.Second
	poolInfoTTL      = 15 * time.Second
	positionsTTL     = 30 * time.Second
)

func (s *runtimeState) newNetworkCommand() *cobra.Command {
	root := &cobra.Command{Use: "network", Short: "Target network commands"}

	var allowMismatch bool
	check := &cobra.Command{
		Use:   "check",
		Short: "Verify the RPC endpoint serves Arbitrum One",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()
			start := time.Now()
			if _, err := s.dial(ctx); err != nil {
				return err
			}
			connected, err := s.reader.ChainID(ctx)
			status := []model.ProviderStatus{providerStatus("rpc", start, err)}
			s.captureCommandDiagnostics(nil, status, false)
			if err != nil {
				return err
			}
			target := registry.TargetNetwork()
			result := model.NetworkStatus{
				RPCURL:           s.reader.RPCURL(),
				TargetChainID:    target.ChainID,
				ConnectedChainID: connected,
				Matches:          connected == target.ChainID,
				AddNetwork:       target,
			}
			var warnings []string
			if !result.Matches {
				msg := fmt.Sprintf("rpc is on chain %d; switch to %s (%s) using the add_network descriptor", connected, target.Name, target.ChainIDHex)
				if !allowMismatch {
					return clierr.New(clierr.CodeNetwork, msg)
				}
				warnings = append(warnings, msg)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), result, warnings, cacheMetaBypass(), status, false)
		},
	}
	check.Flags().BoolVar(&allowMismatch, "allow-mismatch", false, "Report a chain mismatch instead of failing")
	root.AddCommand(check)

	add := &cobra.Command{
		Use:   "descriptor",
		Short: "Print the add-network descriptor for Arbitrum One",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), registry.TargetNetwork(), nil, cacheMetaBypass(), nil, false)
		},
	}
	root.AddCommand(add)
	return root
}

func (s *runtimeState) newWalletCommand() *cobra.Command {
	root := &cobra.Command{Use: "wallet", Short: "Wallet commands"}

	var keySource, privateKey, confirmAddress string
	show := &cobra.Command{
		Use:   "show",
		Short: "Resolve the configured signer and print its address",
		RunE: func(cmd *cobra.Command, _ []string) error {
			txSigner, err := newExecutionSigner("local", keySource, privateKey, confirmAddress)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), model.WalletAccount{
				Address:   txSigner.Address().Hex(),
				ChainID:   s.target.CAIP2,
				KeySource: txSigner.Source(),
			}, nil, cacheMetaBypass(), nil, false)
		},
	}
	show.Flags().StringVar(&keySource, "key-source", execsigner.KeySourceAuto, "Key source (auto|env|file|keystore)")
	show.Flags().StringVar(&privateKey, "private-key", "", "Private key hex override for local signer (less safe)")
	show.Flags().StringVar(&confirmAddress, "confirm-address", "", "Fail unless the signer resolves to this address")
	root.AddCommand(show)

	var address string
	balance := &cobra.Command{
		Use:   "balance",
		Short: "Show PYUSD and USDC balances for an address",
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, err := parseAddressFlag(address, "--address")
			if err != nil {
				return err
			}
			path := trimRootPath(cmd.CommandPath())
			key := cache.Key(path, map[string]any{"address": owner.Hex(), "chain": s.target.CAIP2})
			return s.runCachedCommand(path, key, walletBalanceTTL, s.fetchWalletBalances(owner))
		},
	}
	balance.Flags().StringVar(&address, "address", "", "Wallet address")
	_ = balance.MarkFlagRequired("address")
	root.AddCommand(balance)
	return root
}

func (s *runtimeState) fetchWalletBalances(owner common.Address) fetchFn {
	return func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
		start := time.Now()
		balances, err := s.walletBalances(ctx, owner)
		return balances, []model.ProviderStatus{providerStatus("rpc", start, err)}, nil, false, err
	}
}

// walletBalances reads each tracked token's balance and on-chain decimals
// concurrently.
func (s *runtimeState) walletBalances(ctx context.Context, owner common.Address) (model.WalletBalances, error) {
	if _, err := s.connect(ctx); err != nil {
		return model.WalletBalances{}, err
	}
	pair := uniswapv3.PairAssets(s.target)
	assets := []id.Asset{pair.Base, pair.Quote}
	out := make([]model.TokenBalance, len(assets))

	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range assets {
		g.Go(func() error {
			token := common.HexToAddress(asset.Address)
			var (
				amount   *big.Int
				decimals int
			)
			inner, ictx := errgroup.WithContext(gctx)
			inner.Go(func() error {
				v, err := s.reader.BalanceOf(ictx, token, owner)
				amount = v
				return err
			})
			inner.Go(func() error {
				v, err := s.reader.Decimals(ictx, token)
				decimals = v
				return err
			})
			if err := inner.Wait(); err != nil {
				return err
			}
			out[i] = model.TokenBalance{
				Symbol:  asset.Symbol,
				AssetID: asset.AssetID,
				Balance: model.AmountInfo{
					AmountBaseUnits: amount.String(),
					AmountDecimal:   id.FormatDecimalCompat(amount.String(), decimals),
					Decimals:        decimals,
				},
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.WalletBalances{}, err
	}
	return model.WalletBalances{
		Address:   owner.Hex(),
		ChainID:   s.target.CAIP2,
		Balances:  out,
		FetchedAt: s.runner.now().UTC().Format(time.RFC3339),
	}, nil
}

func (s *runtimeState) newStrategiesCommand() *cobra.Command {
	root := &cobra.Command{Use: "strategies", Short: "Yield strategy catalog"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List available PYUSD strategies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), strategy.List(), nil, cacheMetaBypass(), nil, false)
		},
	}
	root.AddCommand(list)

	var key string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show one strategy by id or name",
		RunE: func(cmd *cobra.Command, _ []string) error {
			item, err := strategy.Lookup(key)
			if err != nil {
				return err
			}
			var warnings []string
			if !item.Executable {
				warnings = append(warnings, "strategy is informational and cannot be deposited into")
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), item, warnings, cacheMetaBypass(), nil, false)
		},
	}
	show.Flags().StringVar(&key, "strategy", "", "Strategy id or name")
	_ = show.MarkFlagRequired("strategy")
	root.AddCommand(show)
	return root
}

func (s *runtimeState) newPoolCommand() *cobra.Command {
	root := &cobra.Command{Use: "pool", Short: "PYUSD/USDC pool commands"}
	var rangePct float64
	var feeTier uint32
	info := &cobra.Command{
		Use:   "info",
		Short: "Show the pool, its current tick and a suggested range",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateFeeTier(feeTier); err != nil {
				return err
			}
			if rangePct <= 0 {
				return clierr.New(clierr.CodeUsage, "--range-pct must be positive")
			}
			key := cache.Key(trimRootPath(cmd.CommandPath()), map[string]any{"fee_tier": feeTier, "range_pct": rangePct})
			return s.runCachedCommand(trimRootPath(cmd.CommandPath()), key, poolInfoTTL, func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
				start := time.Now()
				p, err := s.connect(ctx)
				if err != nil {
					return nil, []model.ProviderStatus{providerStatus(uniswapv3.ProviderName, start, err)}, nil, false, err
				}
				info, err := s.uniswap.PoolInfo(ctx, p.Pair(), feeTier, rangePct)
				return info, []model.ProviderStatus{providerStatus(uniswapv3.ProviderName, start, err)}, nil, false, err
			})
		},
	}
	info.Flags().Float64Var(&rangePct, "range-pct", uniswapv3.DefaultRangePct, "Half-width of the suggested range in percent")
	info.Flags().Uint32Var(&feeTier, "fee-tier", 0, "Pin the pool fee tier (100|500|3000|10000); 0 discovers")
	root.AddCommand(info)
	return root
}

func (s *runtimeState) newPositionsCommand() *cobra.Command {
	root := &cobra.Command{Use: "positions", Short: "Liquidity position commands"}
	var owner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List PYUSD/USDC positions that still hold liquidity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ownerAddr, err := parseAddressFlag(owner, "--owner")
			if err != nil {
				return err
			}
			path := trimRootPath(cmd.CommandPath())
			key := cache.Key(path, map[string]any{"owner": ownerAddr.Hex(), "chain": s.target.CAIP2})
			return s.runCachedCommand(path, key, positionsTTL, s.fetchPositions(ownerAddr))
		},
	}
	list.Flags().StringVar(&owner, "owner", "", "Position owner address")
	_ = list.MarkFlagRequired("owner")
	root.AddCommand(list)
	return root
}

// fetchPositions lists owner's positions in the configured pair that still
// hold liquidity. Per-position read failures become warnings and mark the
// result partial.
func (s *runtimeState) fetchPositions(owner common.Address) fetchFn {
	return func(ctx context.Context) (any, []model.ProviderStatus, []string, bool, error) {
		start := time.Now()
		p, err := s.connect(ctx)
		if err != nil {
			return nil, []model.ProviderStatus{providerStatus(uniswapv3.ProviderName, start, err)}, nil, false, err
		}
		state, err := s.uniswap.LoadPool(ctx, p.Pair(), 0)
		if err != nil {
			return nil, []model.ProviderStatus{providerStatus(uniswapv3.ProviderName, start, err)}, nil, false, err
		}
		result, err := s.uniswap.ListPositions(ctx, owner, p.Pair(), state, strategy.Default())
		status := []model.ProviderStatus{providerStatus(uniswapv3.ProviderName, start, err)}
		if err != nil {
			return nil, status, nil, false, err
		}
		return result.Positions, status, result.Warnings, result.Partial(), nil
	}
}

func parseAddressFlag(raw, flag string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s must be a valid EVM address", flag))
	}
	return common.HexToAddress(raw), nil
}

func validateFeeTier(fee uint32) error {
	if fee == 0 {
		return nil
	}
	if _, ok := uniswapv3.TickSpacing(fee); !ok {
		return clierr.New(clierr.CodeUsage, "--fee-tier must be one of 100, 500, 3000, 10000")
	}
	return nil
}
