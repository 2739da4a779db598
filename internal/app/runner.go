package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/payyield/pyusd-lp/internal/cache"
	"github.com/payyield/pyusd-lp/internal/chain"
	"github.com/payyield/pyusd-lp/internal/config"
	clierr "github.com/payyield/pyusd-lp/internal/errors"
	"github.com/payyield/pyusd-lp/internal/execution"
	"github.com/payyield/pyusd-lp/internal/execution/planner"
	"github.com/payyield/pyusd-lp/internal/httpx"
	"github.com/payyield/pyusd-lp/internal/id"
	"github.com/payyield/pyusd-lp/internal/logging"
	"github.com/payyield/pyusd-lp/internal/metrics"
	"github.com/payyield/pyusd-lp/internal/model"
	"github.com/payyield/pyusd-lp/internal/out"
	"github.com/payyield/pyusd-lp/internal/policy"
	"github.com/payyield/pyusd-lp/internal/providers/uniswapv3"
	"github.com/payyield/pyusd-lp/internal/providers/zeroex"
	"github.com/payyield/pyusd-lp/internal/registry"
	"github.com/payyield/pyusd-lp/internal/schema"
	"github.com/payyield/pyusd-lp/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner        *Runner
	flags         config.GlobalFlags
	settings      config.Settings
	cache         *cache.Store
	actionStore   *execution.Store
	root          *cobra.Command
	logger        *zap.Logger
	metrics       *metrics.Metrics
	lastCommand   string
	lastWarnings  []string
	lastProviders []model.ProviderStatus
	lastPartial   bool

	target        id.Chain
	zeroEx        *zeroex.Client
	reader        *chain.Reader
	uniswap       *uniswapv3.Client
	planner       *planner.Planner
	chainVerified bool
	providerInfos []model.ProviderInfo
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{
		runner:  r,
		logger:  logging.Nop(),
		metrics: metrics.New(),
		target:  id.ChainByID(registry.ArbitrumOneChainID),
	}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	defer state.close()
	if err == nil {
		return 0
	}

	state.logger.Debug("command failed", zap.String("command", state.lastCommand), zap.Error(err))
	state.renderError("", err, state.lastWarnings, state.lastProviders, state.lastPartial)
	return clierr.ExitCode(err)
}

func (s *runtimeState) close() {
	if path := strings.TrimSpace(s.settings.MetricsTextfile); path != "" {
		if err := s.metrics.WriteTextfile(path); err != nil {
			s.logger.Warn("write metrics textfile", zap.String("path", path), zap.Error(err))
		}
	}
	if s.reader != nil {
		s.reader.Close()
	}
	if s.actionStore != nil {
		_ = s.actionStore.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
	_ = s.logger.Sync()
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Deposit PYUSD into a PYUSD/USDC liquidity position on Arbitrum One",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			logger, err := logging.New(s.runner.stderr, settings.LogLevel, settings.LogFormat)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "configure logging", err)
			}
			s.logger = logger

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}
			s.logger.Debug("command start", zap.String("command", path), zap.Bool("broadcasts", policy.Broadcasts(path)))

			if s.zeroEx == nil {
				httpClient := httpx.New(settings.Timeout, settings.Retries)
				zeroExClient, err := zeroex.NewWithBaseURL(httpClient, settings.ZeroExAPIKey, settings.ZeroExBaseURL)
				if err != nil {
					return err
				}
				s.zeroEx = zeroExClient
				s.providerInfos = []model.ProviderInfo{
					s.zeroEx.Info(),
					uniswapv3.ProviderInfo(),
				}
			}

			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				cacheStore, err := cache.Open(settings.CachePath, settings.CacheLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				s.cache = cacheStore
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.Strict, "strict", false, "Fail on partial results")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Provider and RPC request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per provider request")
	cmd.PersistentFlags().StringVar(&s.flags.MaxStale, "max-stale", "", "Maximum stale fallback window after TTL expiry")
	cmd.PersistentFlags().BoolVar(&s.flags.NoStale, "no-stale", false, "Reject stale cache entries")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable cache reads and writes")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Diagnostic log level on stderr (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&s.flags.LogFormat, "log-format", "", "Diagnostic log format (console|json)")
	cmd.PersistentFlags().StringVar(&s.flags.RPCURL, "rpc-url", "", "Arbitrum One RPC URL override")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newProvidersCommand())
	cmd.AddCommand(s.newNetworkCommand())
	cmd.AddCommand(s.newWalletCommand())
	cmd.AddCommand(s.newStrategiesCommand())
	cmd.AddCommand(s.newPoolCommand())
	cmd.AddCommand(s.newPositionsCommand())
	cmd.AddCommand(s.newDepositCommand())
	cmd.AddCommand(s.newWithdrawCommand())
	cmd.AddCommand(s.newSwapBackCommand())
	cmd.AddCommand(s.newActionsCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// connect returns the planner for the target chain. The RPC must report
// the target chain id before any read or plan runs against it.
func (s *runtimeState) connect(ctx context.Context) (*planner.Planner, error) {
	p, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	if s.chainVerified {
		return p, nil
	}
	if err := s.reader.VerifyChain(ctx, s.target.EVMChainID); err != nil {
		return nil, err
	}
	s.chainVerified = true
	return p, nil
}

// dial connects to the configured RPC once per invocation and wires the
// exchange client and planner on top of it without checking the chain.
func (s *runtimeState) dial(ctx context.Context) (*planner.Planner, error) {
	if s.planner != nil {
		return s.planner, nil
	}
	rpcURL, err := registry.ResolveRPCURL(s.settings.RPCURL, s.target.EVMChainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	reader, err := chain.Dial(ctx, rpcURL,
		chain.WithRetries(s.settings.Retries),
		chain.WithLogger(s.logger),
		chain.WithMetrics(s.metrics),
	)
	if err != nil {
		return nil, err
	}
	uniswapClient, err := uniswapv3.New(reader, s.target)
	if err != nil {
		reader.Close()
		return nil, err
	}
	s.reader = reader
	s.uniswap = uniswapClient
	s.planner = planner.New(reader, uniswapClient, s.target,
		planner.WithAggregator(s.zeroEx),
		planner.WithLogger(s.logger),
		planner.WithMetrics(s.metrics),
	)
	return s.planner, nil
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = strings.Join(args, " ")
			}
			data, err := schema.Build(s.root, path)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil, false)
		},
	}
	return cmd
}

func (s *runtimeState) newProvidersCommand() *cobra.Command {
	root := &cobra.Command{Use: "providers", Short: "Provider commands"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List swap providers and API key metadata (no keys required)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.providerInfos, nil, cacheMetaBypass(), nil, false)
		},
	}
	root.AddCommand(list)
	return root
}

type fetchFn func(ctx context.Context) (data any, providerStatus []model.ProviderStatus, warnings []string, partial bool, err error)

func (s *runtimeState) runCachedCommand(commandPath, key string, ttl time.Duration, fetch fetchFn) error {
	s.resetCommandDiagnostics()
	cacheStatus := cacheMetaMiss()
	warnings := []string{}
	var staleData any
	staleAvailable := false
	staleObservedAge := time.Duration(0)
	staleObservedAt := time.Time{}
	staleCacheStatus := cacheMetaMiss()

	if s.settings.CacheEnabled && s.cache != nil {
		cached, err := s.cache.Get(key, s.settings.MaxStale)
		if err == nil && cached.Hit {
			entryStatus := model.CacheStatus{Status: "hit", AgeMS: cached.Age.Milliseconds(), Stale: cached.Stale}
			var data any
			if err := json.Unmarshal(cached.Value, &data); err == nil {
				if !cached.Stale {
					s.captureCommandDiagnostics(warnings, nil, false)
					return s.emitSuccess(commandPath, data, warnings, entryStatus, nil, false)
				}
				staleData = data
				staleAvailable = true
				staleObservedAge = cached.Age
				staleObservedAt = time.Now()
				staleCacheStatus = entryStatus
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
	defer cancel()
	data, providerStatus, providerWarnings, partial, err := fetch(ctx)
	warnings = append(warnings, providerWarnings...)
	s.captureCommandDiagnostics(warnings, providerStatus, partial)
	if err != nil {
		if staleAvailable {
			if !staleFallbackAllowed(err) {
				return err
			}
			currentStaleAge := staleObservedAge
			if !staleObservedAt.IsZero() {
				currentStaleAge += time.Since(staleObservedAt)
			}
			staleCacheStatus.AgeMS = currentStaleAge.Milliseconds()
			if s.settings.NoStale {
				return clierr.Wrap(clierr.CodeStale, "fresh fetch failed and stale fallback is disabled (--no-stale)", err)
			}
			if staleExceedsBudget(currentStaleAge, ttl, s.settings.MaxStale) {
				return clierr.Wrap(clierr.CodeStale, "fresh fetch failed and cached data exceeded stale budget", err)
			}
			s.logger.Warn("serving stale cache entry", zap.String("command", commandPath), zap.Error(err))
			warnings = append(warnings, "fetch failed; serving stale data within max-stale budget")
			s.captureCommandDiagnostics(warnings, providerStatus, false)
			return s.emitSuccess(commandPath, staleData, warnings, staleCacheStatus, providerStatus, false)
		}
		return err
	}

	if partial && s.settings.Strict {
		s.captureCommandDiagnostics(warnings, providerStatus, true)
		return clierr.New(clierr.CodePartialStrict, "partial results returned in strict mode")
	}

	if s.settings.CacheEnabled && s.cache != nil {
		if payload, err := json.Marshal(data); err == nil {
			_ = s.cache.Set(key, payload, ttl)
			cacheStatus = model.CacheStatus{Status: "write", AgeMS: 0, Stale: false}
		}
	}

	s.captureCommandDiagnostics(warnings, providerStatus, partial)
	return s.emitSuccess(commandPath, data, warnings, cacheStatus, providerStatus, partial)
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, providers []model.ProviderStatus, partial bool) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheStatus,
			Partial:   partial,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string, providers []model.ProviderStatus, partial bool) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := "internal_error"
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
		typ = errorType(cErr.Code)
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheMetaBypass(),
			Partial:   partial,
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func errorType(code clierr.Code) string {
	switch code {
	case clierr.CodeUsage:
		return "usage_error"
	case clierr.CodeAuth:
		return "auth_error"
	case clierr.CodeRateLimited:
		return "rate_limited"
	case clierr.CodeUnavailable:
		return "provider_unavailable"
	case clierr.CodeUnsupported:
		return "unsupported"
	case clierr.CodeStale:
		return "stale_data"
	case clierr.CodePartialStrict:
		return "partial_results"
	case clierr.CodeBlocked:
		return "command_blocked"
	case clierr.CodeActionPlan:
		return "action_plan_invalid"
	case clierr.CodeActionSim:
		return "simulation_failed"
	case clierr.CodeSigner:
		return "signer_error"
	case clierr.CodeActionTimeout:
		return "receipt_timeout"
	case clierr.CodeNetwork:
		return "network_mismatch"
	default:
		return "internal_error"
	}
}

func newRequestID() string {
	return uuid.NewString()
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		norm := strings.ToLower(strings.TrimSpace(part))
		if norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeAuth:
			return "auth_error"
		case clierr.CodeRateLimited:
			return "rate_limited"
		case clierr.CodeUnavailable:
			return "unavailable"
		case clierr.CodeUnsupported:
			return "no_route"
		default:
			return "error"
		}
	}
	return "error"
}

func providerStatus(name string, start time.Time, err error) model.ProviderStatus {
	return model.ProviderStatus{Name: name, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass", AgeMS: 0, Stale: false}
}

func cacheMetaMiss() model.CacheStatus {
	return model.CacheStatus{Status: "miss", AgeMS: 0, Stale: false}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func staleExceedsBudget(age, ttl, maxStale time.Duration) bool {
	if age <= ttl {
		return false
	}
	if maxStale < 0 {
		return false
	}
	return age > ttl+maxStale
}

func staleFallbackAllowed(err error) bool {
	cErr, ok := clierr.As(err)
	if !ok {
		return false
	}
	return cErr.Code == clierr.CodeUnavailable || cErr.Code == clierr.CodeRateLimited
}

// shouldOpenCache limits the response cache to read-only chain and quote
// commands. Execution, action and static commands never touch it.
func shouldOpenCache(commandPath string) bool {
	path := normalizeCommandPath(commandPath)
	switch path {
	case "", "version", "wallet", "wallet show":
		return false
	}
	for _, prefix := range []string{"schema", "providers", "strategies", "network"} {
		if path == prefix || strings.HasPrefix(path, prefix+" ") {
			return false
		}
	}
	return !shouldOpenActionStore(path)
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastProviders = nil
	s.lastPartial = false
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, providers []model.ProviderStatus, partial bool) {
	if len(warnings) == 0 {
		s.lastWarnings = nil
	} else {
		s.lastWarnings = append([]string(nil), warnings...)
	}
	if len(providers) == 0 {
		s.lastProviders = nil
	} else {
		s.lastProviders = append([]model.ProviderStatus(nil), providers...)
	}
	s.lastPartial = partial
}
