package providers

import (
	"context"

	"github.com/ggonzalez94/xbridge/internal/id"
	"github.com/ggonzalez94/xbridge/internal/model"
)

const DefaultSlippageBps int64 = 50

type Provider interface {
	Info() model.ProviderInfo
}

type QuoteRequest struct {
	FromChain       id.Chain
	ToChain         id.Chain
	FromAsset       id.Asset
	ToAsset         id.Asset
	AmountBaseUnits string
	AmountDecimal   string
	SlippageBps     int64
	Sender          string
	Recipient       string
}

// QuoteProvider returns one normalized quote per call. Errors are isolated per
// provider by the caller.
type QuoteProvider interface {
	Provider
	Quote(ctx context.Context, req QuoteRequest) (model.Quote, error)
}

// BridgeTxBuilder is implemented by providers whose quotes do not carry the
// executable bridge call and need a second request to obtain it.
type BridgeTxBuilder interface {
	BuildBridgeTx(ctx context.Context, req QuoteRequest, quote model.Quote) (model.TxRequest, error)
}

// PriceProvider returns USD prices keyed by asset ID. Unknown assets are omitted.
type PriceProvider interface {
	Provider
	TokenPrices(ctx context.Context, assets []id.Asset) (map[string]float64, error)
}

type AlternateTokenRequest struct {
	Chain           id.Chain
	Current         id.Asset
	ToAsset         id.Asset
	AmountBaseUnits string
	Owner           string
}

type AlternateToken struct {
	Asset           id.Asset
	AmountBaseUnits string
	AmountDecimal   string
}

// AlternateTokenRecommender suggests another pay token on the same chain when
// the requested one cannot be quoted. A nil result means no suggestion.
type AlternateTokenRecommender interface {
	RecommendAlternateToken(ctx context.Context, req AlternateTokenRequest) (*AlternateToken, error)
}

// HistoryProvider pages through the authoritative transfer history of an address.
// An empty cursor requests the first page.
type HistoryProvider interface {
	Provider
	History(ctx context.Context, address, cursor string) (model.HistoryPage, error)
}

// SettlementLookup resolves one transfer by its origin tx hash, for aggregators
// that expose a status endpoint instead of an address history. A nil result
// means the aggregator has no entry for the hash yet.
type SettlementLookup interface {
	Provider
	Settlement(ctx context.Context, address, hash string) (*model.RemoteSettlement, error)
}
