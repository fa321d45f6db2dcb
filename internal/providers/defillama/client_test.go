package defillama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ggonzalez94/xbridge/internal/cache"
	"github.com/ggonzalez94/xbridge/internal/httpx"
	"github.com/ggonzalez94/xbridge/internal/id"
)

func newPriceServer(t *testing.T, calls *atomic.Int32, seen *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.HasPrefix(r.URL.Path, "/prices/current/") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		*seen = strings.TrimPrefix(r.URL.Path, "/prices/current/")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"coins":{
			"ethereum:0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48":{"price":0.9998,"symbol":"USDC","confidence":0.99},
			"coingecko:ethereum":{"price":3000.5,"symbol":"ETH","confidence":0.99}
		}}`))
	}))
}

func testAssets(t *testing.T) []id.Asset {
	t.Helper()
	chain, _ := id.ParseChain("ethereum")
	usdc, err := id.ParseAsset("USDC", chain)
	if err != nil {
		t.Fatalf("parse usdc: %v", err)
	}
	return []id.Asset{usdc, id.NativeAsset(chain)}
}

func TestTokenPrices(t *testing.T) {
	var calls atomic.Int32
	var seen string
	srv := newPriceServer(t, &calls, &seen)
	defer srv.Close()

	c := New(httpx.New(2*time.Second, 0), nil, time.Minute, zerolog.Nop()).WithBaseURL(srv.URL)
	assets := testAssets(t)
	prices, err := c.TokenPrices(context.Background(), assets)
	if err != nil {
		t.Fatalf("TokenPrices failed: %v", err)
	}
	if prices[assets[0].AssetID] != 0.9998 || prices[assets[1].AssetID] != 3000.5 {
		t.Fatalf("unexpected prices: %+v", prices)
	}
	if seen != "coingecko:ethereum,ethereum:0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48" {
		t.Fatalf("unexpected coins path: %s", seen)
	}
}

func TestTokenPricesUsesCache(t *testing.T) {
	var calls atomic.Int32
	var seen string
	srv := newPriceServer(t, &calls, &seen)
	defer srv.Close()

	dir := t.TempDir()
	store, err := cache.Open(filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer store.Close()

	c := New(httpx.New(2*time.Second, 0), store, time.Minute, zerolog.Nop()).WithBaseURL(srv.URL)
	assets := testAssets(t)
	for i := 0; i < 3; i++ {
		prices, err := c.TokenPrices(context.Background(), assets)
		if err != nil {
			t.Fatalf("TokenPrices failed: %v", err)
		}
		if len(prices) != 2 {
			t.Fatalf("expected two prices, got %+v", prices)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single upstream call, got %d", calls.Load())
	}
}

func TestTokenPricesSkipsUnknownChains(t *testing.T) {
	c := New(httpx.New(time.Second, 0), nil, 0, zerolog.Nop()).WithBaseURL("http://127.0.0.1:1")
	prices, err := c.TokenPrices(context.Background(), []id.Asset{{ChainID: "eip155:999999", AssetID: "x", Address: "0x1"}})
	if err != nil {
		t.Fatalf("expected no request for unknown chain, got %v", err)
	}
	if len(prices) != 0 {
		t.Fatalf("expected empty prices, got %+v", prices)
	}
}

// staleCache holds entries that are past their TTL.
type staleCache map[string]float64

func (c staleCache) GetJSON(key string, out any, maxStale time.Duration) (bool, error) {
	price, ok := c[key]
	if !ok || maxStale <= 0 {
		return false, nil
	}
	out.(*cachedPrice).Price = price
	return true, nil
}

func (c staleCache) SetJSON(string, any, time.Duration) error { return nil }

func TestTokenPricesFallsBackToStaleCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	assets := testAssets(t)
	stale := staleCache{cacheKey("ethereum:0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"): 1.0001}

	strict := New(httpx.New(time.Second, 0), stale, time.Minute, zerolog.Nop()).WithBaseURL(srv.URL)
	if _, err := strict.TokenPrices(context.Background(), assets); err == nil {
		t.Fatal("expected API error without a stale budget")
	}

	lenient := New(httpx.New(time.Second, 0), stale, time.Minute, zerolog.Nop()).
		WithBaseURL(srv.URL).
		WithStaleFallback(5 * time.Minute)
	prices, err := lenient.TokenPrices(context.Background(), assets)
	if err != nil {
		t.Fatalf("expected stale fallback, got %v", err)
	}
	if prices[assets[0].AssetID] != 1.0001 {
		t.Fatalf("unexpected stale price: %+v", prices)
	}
	if _, ok := prices[assets[1].AssetID]; ok {
		t.Fatalf("uncached coins must stay missing: %+v", prices)
	}
}
