package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/payyield/pyusd-lp/internal/execution"
)

func TestResolveActionID(t *testing.T) {
	id, err := resolveActionID(" act_123 ")
	if err != nil {
		t.Fatalf("resolveActionID failed: %v", err)
	}
	if id != "act_123" {
		t.Fatalf("unexpected action id: %s", id)
	}
	if _, err := resolveActionID(""); err == nil {
		t.Fatal("expected error for empty action id")
	}
}

func TestShouldOpenActionStore(t *testing.T) {
	for _, path := range []string{"deposit plan", "deposit run", "withdraw submit", "swapback status", "actions list", "actions estimate"} {
		if !shouldOpenActionStore(path) {
			t.Fatalf("expected %s to require action store", path)
		}
	}
	for _, path := range []string{"deposit quote", "pool info", "positions list", "wallet balance", "deposit"} {
		if shouldOpenActionStore(path) {
			t.Fatalf("did not expect %s to require action store", path)
		}
	}
}

func TestShouldOpenCacheBypassesExecutionCommands(t *testing.T) {
	for _, path := range []string{"deposit run", "withdraw submit", "swapback status", "actions show", "network check", "strategies list", "schema deposit plan", "wallet show"} {
		if shouldOpenCache(path) {
			t.Fatalf("did not expect %s to open cache", path)
		}
	}
	for _, path := range []string{"deposit quote", "pool info", "positions list", "wallet balance"} {
		if !shouldOpenCache(path) {
			t.Fatalf("expected %s to open cache", path)
		}
	}
}

func TestParseExecuteOptions(t *testing.T) {
	opts, err := parseExecuteOptions(executeFlags{
		simulate:      false,
		pollInterval:  "500ms",
		stepTimeout:   "90s",
		gasMultiplier: 1.5,
		maxFeeGwei:    " 0.2 ",
	})
	if err != nil {
		t.Fatalf("parseExecuteOptions failed: %v", err)
	}
	if opts.Simulate || opts.PollInterval.Milliseconds() != 500 || opts.StepTimeout.Seconds() != 90 || opts.GasMultiplier != 1.5 || opts.MaxFeeGwei != "0.2" {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if _, err := parseExecuteOptions(executeFlags{pollInterval: "soon"}); err == nil {
		t.Fatal("expected error for invalid poll interval")
	}
	if _, err := parseExecuteOptions(executeFlags{gasMultiplier: 0.9}); err == nil {
		t.Fatal("expected error for gas multiplier <= 1")
	}
}

func TestRunnerExecutionCommandsInSchema(t *testing.T) {
	isolateRunnerEnv(t)
	paths := []string{
		"deposit quote",
		"deposit plan",
		"deposit run",
		"deposit submit",
		"withdraw run",
		"withdraw status",
		"swapback plan",
		"actions estimate",
	}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			var stdout bytes.Buffer
			var stderr bytes.Buffer
			r := NewRunnerWithWriters(&stdout, &stderr)
			code := r.Run([]string{"schema", path, "--results-only"})
			if code != 0 {
				t.Fatalf("expected exit 0 for %q, got %d stderr=%s", path, code, stderr.String())
			}
			var doc map[string]any
			if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
				t.Fatalf("failed to parse schema output for %q: %v output=%s", path, err, stdout.String())
			}
			if got, _ := doc["path"].(string); got != fmt.Sprintf("payyield %s", path) {
				t.Fatalf("unexpected schema path for %q: got %q", path, got)
			}
		})
	}
}

func TestRunnerDepositPlanRequiresFromAddress(t *testing.T) {
	isolateRunnerEnv(t)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run([]string{"deposit", "plan", "--amount-decimal", "100"})
	if code != 2 {
		t.Fatalf("expected usage exit code 2, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerDepositPlanRejectsInformationalStrategy(t *testing.T) {
	isolateRunnerEnv(t)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run([]string{
		"deposit", "plan",
		"--strategy", "pyusd-cross-chain-bridge",
		"--amount-decimal", "100",
		"--from-address", "0x00000000000000000000000000000000000000aa",
	})
	if code != 13 {
		t.Fatalf("expected unsupported exit code 13, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerDepositQuoteRejectsBothAmounts(t *testing.T) {
	isolateRunnerEnv(t)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run([]string{"deposit", "quote", "--amount", "100000000", "--amount-decimal", "100"})
	if code != 2 {
		t.Fatalf("expected usage exit code 2, got %d stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "not both") {
		t.Fatalf("expected amount conflict message, got %s", stderr.String())
	}
}

func TestRunnerDepositQuoteRejectsExcessPrecision(t *testing.T) {
	isolateRunnerEnv(t)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run([]string{"deposit", "quote", "--amount-decimal", "1.0000001"})
	if code != 2 {
		t.Fatalf("expected usage exit code 2, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerWithdrawPlanRejectsBadTokenID(t *testing.T) {
	isolateRunnerEnv(t)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run([]string{
		"withdraw", "plan",
		"--rpc-url", "http://127.0.0.1:1",
		"--token-id", "abc",
		"--from-address", "0x00000000000000000000000000000000000000aa",
	})
	if code != 2 {
		t.Fatalf("expected usage exit code 2, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerActionsListBypassesCacheOpen(t *testing.T) {
	setUnopenableCacheEnv(t)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run([]string{"actions", "list", "--results-only"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}

	var out []map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse actions output json: %v output=%s", err, stdout.String())
	}
}

func TestRunnerActionsShowAndIntentCheck(t *testing.T) {
	setUnopenableCacheEnv(t)

	store, err := execution.OpenStore(os.Getenv("PAYYIELD_ACTIONS_PATH"), os.Getenv("PAYYIELD_ACTIONS_LOCK_PATH"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	action := execution.NewAction("act_show", execution.IntentDeposit, "eip155:42161", execution.Constraints{Simulate: true})
	action.FromAddress = "0x00000000000000000000000000000000000000aa"
	if err := store.Save(action); err != nil {
		t.Fatalf("save action: %v", err)
	}
	_ = store.Close()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	if code := r.Run([]string{"actions", "show", "--action-id", "act_show", "--results-only"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var out map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse action json: %v output=%s", err, stdout.String())
	}
	if out["intent_type"] != "deposit" {
		t.Fatalf("unexpected action: %#v", out)
	}

	stdout.Reset()
	stderr.Reset()
	r = NewRunnerWithWriters(&stdout, &stderr)
	if code := r.Run([]string{"withdraw", "status", "--action-id", "act_show"}); code != 2 {
		t.Fatalf("expected usage exit code 2 for intent mismatch, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerExecutionStatusBypassesCacheOpen(t *testing.T) {
	setUnopenableCacheEnv(t)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run([]string{"deposit", "status", "--action-id", "act_missing"})
	if code != 2 {
		t.Fatalf("expected usage exit code 2, got %d stderr=%s", code, stderr.String())
	}
}

// isolateRunnerEnv points config, cache and action paths at a temp dir and
// clears overrides inherited from the environment.
func isolateRunnerEnv(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(tmp, "cache"))
	for _, key := range []string{
		"PAYYIELD_OUTPUT", "PAYYIELD_STRICT", "PAYYIELD_TIMEOUT", "PAYYIELD_RETRIES",
		"PAYYIELD_MAX_STALE", "PAYYIELD_NO_STALE", "PAYYIELD_NO_CACHE",
		"PAYYIELD_CACHE_PATH", "PAYYIELD_CACHE_LOCK_PATH",
		"PAYYIELD_METRICS_TEXTFILE", "PAYYIELD_LOG_LEVEL", "PAYYIELD_LOG_FORMAT",
		"PAYYIELD_RPC_URL", "PAYYIELD_0X_API_KEY", "PAYYIELD_0X_BASE_URL",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("PAYYIELD_ACTIONS_PATH", filepath.Join(tmp, "actions", "actions.db"))
	t.Setenv("PAYYIELD_ACTIONS_LOCK_PATH", filepath.Join(tmp, "actions", "actions.lock"))
	return tmp
}

// setUnopenableCacheEnv makes any attempt to open the response cache fail,
// so commands that must bypass it prove they do.
func setUnopenableCacheEnv(t *testing.T) {
	t.Helper()
	tmp := isolateRunnerEnv(t)
	blocker := filepath.Join(tmp, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker file: %v", err)
	}
	t.Setenv("PAYYIELD_CACHE_PATH", filepath.Join(blocker, "cache.db"))
	t.Setenv("PAYYIELD_CACHE_LOCK_PATH", filepath.Join(blocker, "cache.lock"))
}
