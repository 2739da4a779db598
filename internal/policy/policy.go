package policy

import (
	"strings"

	clierr "github.com/payyield/pyusd-lp/internal/errors"
)

// broadcastVerbs are the leaf commands that sign and send transactions.
var broadcastVerbs = map[string]struct{}{
	"run":    {},
	"submit": {},
}

// CheckCommandAllowed enforces the --enable-commands allowlist. An entry
// matches the exact command path or any command nested beneath it, so
// "deposit" admits "deposit plan" and "deposit run".
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		entry := normalize(allowed)
		if entry == "" {
			continue
		}
		if entry == normPath || strings.HasPrefix(normPath, entry+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

// Broadcasts reports whether the command path ends in a verb that sends
// transactions on chain.
func Broadcasts(commandPath string) bool {
	parts := strings.Fields(normalize(commandPath))
	if len(parts) < 2 {
		return false
	}
	_, ok := broadcastVerbs[parts[len(parts)-1]]
	return ok
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
