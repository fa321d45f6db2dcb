package recommend

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ggonzalez94/xbridge/internal/id"
	"github.com/ggonzalez94/xbridge/internal/model"
	"github.com/ggonzalez94/xbridge/internal/providers"
)

type fakePrices map[string]float64

func (f fakePrices) Info() model.ProviderInfo { return model.ProviderInfo{Name: "fake"} }

func (f fakePrices) TokenPrices(_ context.Context, assets []id.Asset) (map[string]float64, error) {
	out := map[string]float64{}
	for _, a := range assets {
		if p, ok := f[a.Symbol]; ok {
			out[a.AssetID] = p
		}
	}
	return out, nil
}

type fakeBalances map[string]*big.Int

func (f fakeBalances) BalanceOf(_ context.Context, _ int64, token, _ string) (*big.Int, error) {
	if b, ok := f[strings.ToLower(token)]; ok {
		return b, nil
	}
	return nil, errors.New("unknown token")
}

func mainnet(t *testing.T, symbol string) (id.Chain, id.Asset) {
	t.Helper()
	chain, _ := id.ParseChain("ethereum")
	asset, err := id.ParseAsset(symbol, chain)
	if err != nil {
		t.Fatalf("parse %s: %v", symbol, err)
	}
	return chain, asset
}

func TestRecommendConvertsByPriceAndChecksBalance(t *testing.T) {
	chain, dai := mainnet(t, "DAI")
	_, usdc := mainnet(t, "USDC")
	_, usdt := mainnet(t, "USDT")
	prices := fakePrices{"DAI": 1, "USDC": 0.5, "USDT": 1, "WETH": 2000, "ETH": 2000}
	balances := fakeBalances{
		strings.ToLower(usdc.Address): big.NewInt(1),
		strings.ToLower(usdt.Address): big.NewInt(10_000_000),
	}

	r := New(prices, balances, zerolog.Nop())
	got, err := r.RecommendAlternateToken(context.Background(), providers.AlternateTokenRequest{
		Chain:           chain,
		Current:         dai,
		AmountBaseUnits: "10000000000000000000",
		Owner:           "0x00000000000000000000000000000000000000aa",
	})
	if err != nil {
		t.Fatalf("RecommendAlternateToken failed: %v", err)
	}
	if got == nil || got.Asset.Symbol != "USDT" {
		t.Fatalf("expected USDT suggestion, got %+v", got)
	}
	if got.AmountBaseUnits != "10000000" || got.AmountDecimal != "10" {
		t.Fatalf("unexpected converted amount: %+v", got)
	}
}

func TestRecommendTreatsMissingBalanceAsZero(t *testing.T) {
	chain, dai := mainnet(t, "DAI")
	_, usdc := mainnet(t, "USDC")
	_, usdt := mainnet(t, "USDT")
	balances := fakeBalances{
		strings.ToLower(usdc.Address): nil,
		strings.ToLower(usdt.Address): big.NewInt(5_000_000),
	}

	r := New(fakePrices{"DAI": 1, "USDC": 1, "USDT": 1}, balances, zerolog.Nop())
	got, err := r.RecommendAlternateToken(context.Background(), providers.AlternateTokenRequest{
		Chain:           chain,
		Current:         dai,
		AmountBaseUnits: "5000000000000000000",
		Owner:           "0x00000000000000000000000000000000000000aa",
	})
	if err != nil {
		t.Fatalf("RecommendAlternateToken failed: %v", err)
	}
	if got == nil || got.Asset.Symbol != "USDT" {
		t.Fatalf("expected USDT suggestion, got %+v", got)
	}
}

func TestRecommendPrefersUSDCWithoutOwner(t *testing.T) {
	chain, dai := mainnet(t, "DAI")
	r := New(fakePrices{"DAI": 1, "USDC": 1}, nil, zerolog.Nop())
	got, err := r.RecommendAlternateToken(context.Background(), providers.AlternateTokenRequest{
		Chain: chain, Current: dai, AmountBaseUnits: "2000000000000000000",
	})
	if err != nil {
		t.Fatalf("RecommendAlternateToken failed: %v", err)
	}
	if got == nil || got.Asset.Symbol != "USDC" || got.AmountBaseUnits != "2000000" {
		t.Fatalf("unexpected suggestion: %+v", got)
	}
}

func TestRecommendNoneWithoutCurrentPrice(t *testing.T) {
	chain, dai := mainnet(t, "DAI")
	r := New(fakePrices{"USDC": 1}, nil, zerolog.Nop())
	got, err := r.RecommendAlternateToken(context.Background(), providers.AlternateTokenRequest{
		Chain: chain, Current: dai, AmountBaseUnits: "1",
	})
	if err != nil || got != nil {
		t.Fatalf("expected no suggestion, got %+v err=%v", got, err)
	}
}

func TestCandidatesSkipCurrentAndEndWithNative(t *testing.T) {
	chain, usdc := mainnet(t, "USDC")
	got := candidatesFor(chain, usdc)
	if len(got) == 0 || got[0].Symbol != "USDT" {
		t.Fatalf("expected USDT first, got %+v", got)
	}
	if !got[len(got)-1].IsNative() {
		t.Fatalf("expected native token last, got %+v", got[len(got)-1])
	}
	for _, a := range got {
		if strings.EqualFold(a.Address, usdc.Address) {
			t.Fatalf("current token should be skipped: %+v", got)
		}
	}
}
