package app

import (
	"strings"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
)

// cobraUsageMessages are fragments of the errors cobra and pflag return for bad input.
var cobraUsageMessages = []string{
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

// splitCSV lowercases and trims a comma-separated flag value, dropping empties.
func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if norm := strings.ToLower(strings.TrimSpace(part)); norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

// trimRootPath drops the binary name from a cobra command path.
func trimRootPath(path string) string {
	if _, rest, ok := strings.Cut(strings.TrimSpace(path), " "); ok {
		return strings.Join(strings.Fields(rest), " ")
	}
	return path
}

// normalizeRunError gives untyped errors from cobra a usage or internal code.
func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range cobraUsageMessages {
		if strings.Contains(msg, fragment) {
			return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
		}
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}
