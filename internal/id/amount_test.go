package id

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeAmountBaseUnits(t *testing.T) {
	base, dec, err := NormalizeAmount("1000000", "", 6)
	if err != nil {
		t.Fatalf("NormalizeAmount failed: %v", err)
	}
	if base != "1000000" || dec != "1" {
		t.Fatalf("unexpected result: base=%s dec=%s", base, dec)
	}
}

func TestNormalizeAmountDecimal(t *testing.T) {
	base, dec, err := NormalizeAmount("", "1.25", 6)
	if err != nil {
		t.Fatalf("NormalizeAmount failed: %v", err)
	}
	if base != "1250000" || dec != "1.25" {
		t.Fatalf("unexpected result: base=%s dec=%s", base, dec)
	}
}

func TestNormalizeAmountValidation(t *testing.T) {
	if _, _, err := NormalizeAmount("10", "1", 6); err == nil {
		t.Fatal("expected mutual exclusivity error")
	}
	if _, _, err := NormalizeAmount("", "1.1234567", 6); err == nil {
		t.Fatal("expected precision error")
	}
	if _, _, err := NormalizeAmount("", "-1", 6); err == nil {
		t.Fatal("expected negative amount error")
	}
	if got := FormatDecimal("0", 6); got != "0" {
		t.Fatalf("unexpected zero format: %s", got)
	}
}

func TestToBaseUnitsTruncates(t *testing.T) {
	got := ToBaseUnits(decimal.RequireFromString("9.9000009"), 6)
	if got.String() != "9900000" {
		t.Fatalf("unexpected base units: %s", got)
	}
	if ToDecimal("9900000", 6).String() != "9.9" {
		t.Fatalf("unexpected decimal: %s", ToDecimal("9900000", 6))
	}
}
