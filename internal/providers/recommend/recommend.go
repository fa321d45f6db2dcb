// Package recommend suggests an alternate pay token when the requested one yields no quotes.
package recommend

import (
	"context"
	"math/big"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/xbridge/internal/id"
	"github.com/ggonzalez94/xbridge/internal/providers"
)

// preference lists symbols in the order they are tried; the native token comes last.
var preference = []string{"USDC", "USDT", "WETH", "DAI"}

// BalanceReader reads token balances. *evm.Client satisfies it.
type BalanceReader interface {
	BalanceOf(ctx context.Context, chainID int64, token, owner string) (*big.Int, error)
}

type Recommender struct {
	prices   providers.PriceProvider
	balances BalanceReader
	log      zerolog.Logger
}

func New(prices providers.PriceProvider, balances BalanceReader, log zerolog.Logger) *Recommender {
	return &Recommender{prices: prices, balances: balances, log: log}
}

// RecommendAlternateToken converts the requested amount into each candidate by
// USD price and returns the first candidate the owner can afford.
func (r *Recommender) RecommendAlternateToken(ctx context.Context, req providers.AlternateTokenRequest) (*providers.AlternateToken, error) {
	if r.prices == nil {
		return nil, nil
	}
	candidates := candidatesFor(req.Chain, req.Current)
	if len(candidates) == 0 {
		return nil, nil
	}
	assets := append([]id.Asset{req.Current}, candidates...)
	prices, err := r.prices.TokenPrices(ctx, assets)
	if err != nil {
		return nil, err
	}
	currentPrice, ok := prices[req.Current.AssetID]
	if !ok || currentPrice <= 0 {
		r.log.Debug().Str("asset", req.Current.AssetID).Msg("no price for current pay token")
		return nil, nil
	}
	valueUSD := id.ToDecimal(req.AmountBaseUnits, req.Current.Decimals).Mul(decimal.NewFromFloat(currentPrice))
	if !valueUSD.IsPositive() {
		return nil, nil
	}

	for _, candidate := range candidates {
		price, ok := prices[candidate.AssetID]
		if !ok || price <= 0 {
			continue
		}
		amount := valueUSD.Div(decimal.NewFromFloat(price))
		base := id.ToBaseUnits(amount, candidate.Decimals)
		if base.Sign() <= 0 {
			continue
		}
		if !r.affordable(ctx, req, candidate, base) {
			continue
		}
		return &providers.AlternateToken{
			Asset:           candidate,
			AmountBaseUnits: base.String(),
			AmountDecimal:   id.FormatDecimal(base.String(), candidate.Decimals),
		}, nil
	}
	return nil, nil
}

func (r *Recommender) affordable(ctx context.Context, req providers.AlternateTokenRequest, candidate id.Asset, need *big.Int) bool {
	if r.balances == nil || strings.TrimSpace(req.Owner) == "" {
		return true
	}
	balance, err := r.balances.BalanceOf(ctx, req.Chain.EVMChainID, candidate.Address, req.Owner)
	if err != nil {
		r.log.Debug().Err(err).Str("asset", candidate.AssetID).Msg("balance lookup failed")
		return false
	}
	if balance == nil {
		balance = new(big.Int)
	}
	return balance.Cmp(need) >= 0
}

func candidatesFor(chain id.Chain, current id.Asset) []id.Asset {
	tokens := id.TokensForChain(chain.CAIP2)
	out := make([]id.Asset, 0, len(preference)+1)
	for _, symbol := range preference {
		for _, token := range tokens {
			if token.Symbol != symbol || strings.EqualFold(token.Address, current.Address) {
				continue
			}
			asset, err := id.ParseAsset(token.Address, chain)
			if err != nil {
				continue
			}
			out = append(out, asset)
		}
	}
	if !current.IsNative() {
		out = append(out, id.NativeAsset(chain))
	}
	return out
}
