package defillama

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ggonzalez94/xbridge/internal/httpx"
	"github.com/ggonzalez94/xbridge/internal/id"
	"github.com/ggonzalez94/xbridge/internal/model"
	"github.com/ggonzalez94/xbridge/internal/registry"
)

const defaultPriceTTL = time.Minute

// Cache is the subset of *cache.Store used for price entries.
type Cache interface {
	GetJSON(key string, out any, maxStale time.Duration) (bool, error)
	SetJSON(key string, value any, ttl time.Duration) error
}

type Client struct {
	http     *httpx.Client
	coinsURL string
	cache    Cache
	ttl      time.Duration
	maxStale time.Duration
	log      zerolog.Logger
}

func New(httpClient *httpx.Client, cache Cache, ttl time.Duration, log zerolog.Logger) *Client {
	if ttl <= 0 {
		ttl = defaultPriceTTL
	}
	return &Client{http: httpClient, coinsURL: registry.DefiLlamaCoinsURL, cache: cache, ttl: ttl, log: log}
}

// WithStaleFallback serves cached prices up to maxStale past their TTL when the
// price API cannot be reached.
func (c *Client) WithStaleFallback(maxStale time.Duration) *Client {
	c.maxStale = maxStale
	return c
}

func (c *Client) WithBaseURL(baseURL string) *Client {
	if strings.TrimSpace(baseURL) != "" {
		c.coinsURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:        "defillama",
		Type:        "prices",
		RequiresKey: false,
		Capabilities: []string{
			"prices.current",
		},
	}
}

var llamaChainByID = map[int64]string{
	1:     "ethereum",
	10:    "optimism",
	56:    "bsc",
	137:   "polygon",
	8453:  "base",
	42161: "arbitrum",
	43114: "avax",
	59144: "linea",
}

var nativeCoinByID = map[int64]string{
	1:     "coingecko:ethereum",
	10:    "coingecko:ethereum",
	56:    "coingecko:binancecoin",
	137:   "coingecko:polygon-ecosystem-token",
	8453:  "coingecko:ethereum",
	42161: "coingecko:ethereum",
	43114: "coingecko:avalanche-2",
	59144: "coingecko:ethereum",
}

type pricesResponse struct {
	Coins map[string]struct {
		Price      float64 `json:"price"`
		Symbol     string  `json:"symbol"`
		Confidence float64 `json:"confidence"`
	} `json:"coins"`
}

type cachedPrice struct {
	Price float64 `json:"price"`
}

// TokenPrices returns USD prices keyed by asset ID. Cached prices are reused
// until they expire; unknown coins are omitted from the result.
func (c *Client) TokenPrices(ctx context.Context, assets []id.Asset) (map[string]float64, error) {
	out := make(map[string]float64, len(assets))
	missing := map[string][]string{}
	for _, asset := range assets {
		coin, ok := coinKey(asset)
		if !ok {
			continue
		}
		if price, ok := c.cached(coin, 0); ok {
			out[asset.AssetID] = price
			continue
		}
		missing[coin] = append(missing[coin], asset.AssetID)
	}
	if len(missing) == 0 {
		return out, nil
	}

	coins := make([]string, 0, len(missing))
	for coin := range missing {
		coins = append(coins, coin)
	}
	sort.Strings(coins)

	var resp pricesResponse
	endpoint := c.coinsURL + "/prices/current/" + strings.Join(coins, ",")
	if _, err := httpx.GetJSON(ctx, c.http, endpoint, nil, &resp); err != nil {
		if c.staleFallback(missing, out) {
			c.log.Warn().Err(err).Int("coins", len(missing)).Msg("price API unavailable; using stale cached prices")
			return out, nil
		}
		return nil, err
	}
	for coin, entry := range resp.Coins {
		assetIDs, ok := missing[strings.ToLower(coin)]
		if !ok || entry.Price <= 0 {
			continue
		}
		for _, assetID := range assetIDs {
			out[assetID] = entry.Price
		}
		c.store(strings.ToLower(coin), entry.Price)
	}
	return out, nil
}

// staleFallback fills out from entries within maxStale and reports whether
// any missing coin was recovered.
func (c *Client) staleFallback(missing map[string][]string, out map[string]float64) bool {
	if c.maxStale <= 0 {
		return false
	}
	recovered := false
	for coin, assetIDs := range missing {
		price, ok := c.cached(coin, c.maxStale)
		if !ok {
			continue
		}
		for _, assetID := range assetIDs {
			out[assetID] = price
		}
		recovered = true
	}
	return recovered
}

func (c *Client) cached(coin string, maxStale time.Duration) (float64, bool) {
	if c.cache == nil {
		return 0, false
	}
	var entry cachedPrice
	hit, err := c.cache.GetJSON(cacheKey(coin), &entry, maxStale)
	if err != nil {
		c.log.Debug().Err(err).Str("coin", coin).Msg("price cache read failed")
		return 0, false
	}
	return entry.Price, hit
}

func (c *Client) store(coin string, price float64) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetJSON(cacheKey(coin), cachedPrice{Price: price}, c.ttl); err != nil {
		c.log.Debug().Err(err).Str("coin", coin).Msg("price cache write failed")
	}
}

func coinKey(asset id.Asset) (string, bool) {
	var chainID int64
	if _, err := fmt.Sscanf(asset.ChainID, "eip155:%d", &chainID); err != nil {
		return "", false
	}
	if asset.IsNative() {
		coin, ok := nativeCoinByID[chainID]
		return coin, ok
	}
	chain, ok := llamaChainByID[chainID]
	if !ok {
		return "", false
	}
	return chain + ":" + strings.ToLower(asset.Address), true
}

func cacheKey(coin string) string {
	return "price:" + coin
}
