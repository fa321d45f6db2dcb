package id

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
)

// NormalizeAmount accepts exactly one of a base-unit integer or a decimal string
// and returns both representations.
func NormalizeAmount(baseUnits, decimalAmount string, decimals int) (string, string, error) {
	baseUnits = strings.TrimSpace(baseUnits)
	decimalAmount = strings.TrimSpace(decimalAmount)
	if baseUnits != "" && decimalAmount != "" {
		return "", "", clierr.New(clierr.CodeUsage, "use either --amount or --amount-decimal, not both")
	}
	if baseUnits == "" && decimalAmount == "" {
		return "", "", clierr.New(clierr.CodeUsage, "amount is required")
	}
	if decimals < 0 {
		return "", "", clierr.New(clierr.CodeUsage, "decimals must be >= 0")
	}

	if baseUnits != "" {
		n, ok := new(big.Int).SetString(baseUnits, 10)
		if !ok {
			return "", "", clierr.New(clierr.CodeUsage, "--amount must be a positive integer string")
		}
		if n.Sign() < 0 {
			return "", "", clierr.New(clierr.CodeUsage, "--amount must be non-negative")
		}
		return n.String(), FormatDecimal(n.String(), decimals), nil
	}

	d, err := decimal.NewFromString(decimalAmount)
	if err != nil || strings.ContainsAny(decimalAmount, "eE") {
		return "", "", clierr.New(clierr.CodeUsage, "--amount-decimal must be in decimal form like 1.23")
	}
	if d.IsNegative() {
		return "", "", clierr.New(clierr.CodeUsage, "--amount-decimal must be non-negative")
	}
	if -d.Exponent() > int32(decimals) && !d.Equal(d.Truncate(int32(decimals))) {
		return "", "", clierr.New(clierr.CodeUsage, fmt.Sprintf("decimal precision exceeds token decimals (%d)", decimals))
	}
	return ToBaseUnits(d, decimals).String(), d.String(), nil
}

// FormatDecimal converts a base-unit integer string into a decimal string.
func FormatDecimal(baseUnits string, decimals int) string {
	return ToDecimal(baseUnits, decimals).String()
}

// ToDecimal scales a base-unit integer string by 10^-decimals. Invalid input yields zero.
func ToDecimal(baseUnits string, decimals int) decimal.Decimal {
	n, ok := new(big.Int).SetString(strings.TrimSpace(baseUnits), 10)
	if !ok {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(n, int32(-decimals))
}

// ToBaseUnits truncates d to the token precision and returns the integer amount.
func ToBaseUnits(d decimal.Decimal, decimals int) *big.Int {
	return d.Shift(int32(decimals)).Truncate(0).BigInt()
}
