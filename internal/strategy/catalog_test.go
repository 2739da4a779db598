package strategy

import (
	"testing"

	clierr "github.com/payyield/pyusd-lp/internal/errors"
)

func TestListOnlyPoolIsExecutable(t *testing.T) {
	items := List()
	if len(items) != 3 {
		t.Fatalf("expected 3 strategies, got %d", len(items))
	}
	executable := 0
	for _, s := range items {
		if s.Executable {
			executable++
			if s.ID != LiquidityPoolID {
				t.Fatalf("unexpected executable strategy %s", s.ID)
			}
		}
	}
	if executable != 1 {
		t.Fatalf("expected exactly one executable strategy, got %d", executable)
	}
	items[0].Name = "mutated"
	if Default().Name != "PYUSD/USDC Liquidity Pool" {
		t.Fatal("List must return a copy")
	}
}

func TestLookupByIDOrName(t *testing.T) {
	if s, err := Lookup("pyusd yield farming"); err != nil || s.ID != YieldFarmingID {
		t.Fatalf("lookup by name failed: %+v %v", s, err)
	}
	if _, err := Lookup("nope"); clierr.ExitCode(err) != int(clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
	if _, err := Executable(BridgeID); clierr.ExitCode(err) != int(clierr.CodeUnsupported) {
		t.Fatalf("expected unsupported for informational strategy, got %v", err)
	}
	if s, err := Executable(LiquidityPoolID); err != nil || s.APYPct != 5.7 {
		t.Fatalf("unexpected executable lookup: %+v %v", s, err)
	}
}
