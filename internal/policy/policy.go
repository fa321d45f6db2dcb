package policy

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
)

// alwaysAllowed stay available under any allowlist so agents can introspect the CLI.
var alwaysAllowed = []string{"version", "schema", "providers list"}

// CheckCommandAllowed reports whether commandPath may run. An allowlist entry
// admits its exact path and every subcommand below it; an empty list admits all.
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	candidates := append(append([]string(nil), allowlist...), alwaysAllowed...)
	for _, allowed := range candidates {
		entry := normalize(allowed)
		if entry == "" {
			continue
		}
		if entry == normPath || strings.HasPrefix(normPath, entry+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, fmt.Sprintf("command %q blocked by --enable-commands policy", normPath))
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
