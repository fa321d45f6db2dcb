// Package quote fans a bridge request out to every quote provider, ranks the
// answers and keeps the session's candidate set consistent under concurrent cycles.
package quote

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ggonzalez94/xbridge/internal/allowance"
	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/id"
	"github.com/ggonzalez94/xbridge/internal/metrics"
	"github.com/ggonzalez94/xbridge/internal/model"
	"github.com/ggonzalez94/xbridge/internal/providers"
)

// ApprovalResolver decides the approval steps of one quote. *allowance.Resolver satisfies it.
type ApprovalResolver interface {
	Resolve(ctx context.Context, req allowance.Request) (allowance.Requirement, error)
}

type Aggregator struct {
	providers   []providers.QuoteProvider
	approvals   ApprovalResolver
	prices      providers.PriceProvider
	recommender providers.AlternateTokenRecommender
	session     *Session
	metrics     *metrics.Metrics
	log         zerolog.Logger
	now         func() time.Time
}

type Option func(*Aggregator)

func WithApprovals(r ApprovalResolver) Option {
	return func(a *Aggregator) { a.approvals = r }
}

func WithPrices(p providers.PriceProvider) Option {
	return func(a *Aggregator) { a.prices = p }
}

func WithRecommender(r providers.AlternateTokenRecommender) Option {
	return func(a *Aggregator) { a.recommender = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

func WithSession(s *Session) Option {
	return func(a *Aggregator) { a.session = s }
}

func NewAggregator(quoteProviders []providers.QuoteProvider, log zerolog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		providers: quoteProviders,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.session == nil {
		a.session = NewSession()
	}
	return a
}

func (a *Aggregator) Session() *Session {
	return a.session
}

// ValidateRequest reports whether req carries everything a cycle needs.
func ValidateRequest(req providers.QuoteRequest) error {
	if !req.FromAsset.Resolved() || !req.ToAsset.Resolved() {
		return clierr.New(clierr.CodeUsage, "both tokens must be resolved before quoting")
	}
	amount, ok := new(big.Int).SetString(req.AmountBaseUnits, 10)
	if !ok || amount.Sign() <= 0 {
		return clierr.New(clierr.CodeUsage, "amount must be greater than zero")
	}
	return nil
}

// Run executes one aggregation cycle and returns the session snapshot after it
// settled. A cycle overtaken by a newer one leaves the session untouched.
// Provider failures never fail the cycle.
func (a *Aggregator) Run(ctx context.Context, req providers.QuoteRequest) (model.QuoteSnapshot, error) {
	if err := ValidateRequest(req); err != nil {
		return model.QuoteSnapshot{}, err
	}
	if len(a.providers) == 0 {
		return model.QuoteSnapshot{}, clierr.New(clierr.CodeUnsupported, "no quote providers configured")
	}

	gen, patch := a.session.Begin()
	log := a.log.With().Uint64("generation", gen).Logger()
	log.Debug().Bool("patch", patch).Str("from", req.FromAsset.AssetID).Str("to", req.ToAsset.AssetID).Msg("quote cycle started")

	quotes, statuses := a.fanOut(ctx, gen, req, patch)
	if !a.session.IsCurrent(gen) {
		a.discard(gen)
		return a.session.Snapshot(), nil
	}

	if len(quotes) == 0 {
		suggestion, applyGen := a.alternate(ctx, gen, req)
		if !a.session.Apply(applyGen, Result{Providers: statuses, Suggestion: suggestion}) {
			a.discard(applyGen)
		}
		return a.session.Snapshot(), nil
	}

	resolved := a.resolveApprovals(ctx, req, quotes)
	price := a.toPrice(ctx, req.ToAsset)
	if !a.session.Apply(gen, Result{Quotes: resolved, ToPriceUSD: price, Providers: statuses}) {
		a.discard(gen)
	}
	return a.session.Snapshot(), nil
}

func (a *Aggregator) fanOut(ctx context.Context, gen uint64, req providers.QuoteRequest, patch bool) ([]model.Quote, []model.ProviderStatus) {
	results := make([][]model.Quote, len(a.providers))
	statuses := make([]model.ProviderStatus, len(a.providers))

	var wg sync.WaitGroup
	for i, provider := range a.providers {
		wg.Add(1)
		go func(i int, provider providers.QuoteProvider) {
			defer wg.Done()
			name := provider.Info().Name
			start := a.now()
			q, err := safeQuote(ctx, provider, req)
			latency := a.now().Sub(start)

			status := clierr.ProviderStatus(err)
			switch {
			case err != nil:
				a.log.Warn().Err(err).Str("provider", name).Uint64("generation", gen).Msg("quote provider failed")
			case !q.Valid():
				status = "invalid"
				a.log.Debug().Str("provider", name).Str("bridge", q.BridgeID).Msg("dropping quote without bridge metadata")
			}
			a.metrics.ObserveProviderQuote(name, status, latency)
			statuses[i] = model.ProviderStatus{Name: name, Status: status, LatencyMS: latency.Milliseconds()}

			if status == "ok" {
				if q.FetchedAt == "" {
					q.FetchedAt = a.now().UTC().Format(time.RFC3339)
				}
				results[i] = []model.Quote{q}
			}
			if patch {
				a.session.Patch(gen, name, results[i])
			}
		}(i, provider)
	}
	wg.Wait()

	seen := map[string]bool{}
	quotes := make([]model.Quote, 0, len(a.providers))
	for _, batch := range results {
		for _, q := range batch {
			if seen[q.ID()] {
				continue
			}
			seen[q.ID()] = true
			quotes = append(quotes, q)
		}
	}
	return quotes, statuses
}

func safeQuote(ctx context.Context, provider providers.QuoteProvider, req providers.QuoteRequest) (q model.Quote, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = clierr.New(clierr.CodeInternal, fmt.Sprintf("quote provider panicked: %v", r))
		}
	}()
	return provider.Quote(ctx, req)
}

// resolveApprovals attaches approval flags to each quote. Without a sender the
// flags stay unset; execution resolves them again before sending.
func (a *Aggregator) resolveApprovals(ctx context.Context, req providers.QuoteRequest, quotes []model.Quote) []model.ResolvedQuote {
	out := make([]model.ResolvedQuote, len(quotes))
	for i, q := range quotes {
		out[i] = model.ResolvedQuote{Quote: q}
	}
	if a.approvals == nil || req.Sender == "" || req.FromAsset.IsNative() {
		return out
	}
	amount, ok := new(big.Int).SetString(req.AmountBaseUnits, 10)
	if !ok {
		return out
	}

	var wg sync.WaitGroup
	for i := range out {
		if out[i].ApproveContract == "" {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			need, err := a.approvals.Resolve(ctx, allowance.Request{
				ChainID: req.FromChain.EVMChainID,
				Token:   req.FromAsset.Address,
				Owner:   req.Sender,
				Spender: out[i].ApproveContract,
				Amount:  amount,
			})
			if err != nil {
				a.log.Warn().Err(err).Str("quote", out[i].ID()).Msg("allowance lookup failed; assuming approval is needed")
				out[i].ShouldApprove = true
				return
			}
			out[i].ShouldApprove = need.ShouldApprove
			out[i].ShouldTwoStepApprove = need.ShouldTwoStepApprove
		}(i)
	}
	wg.Wait()
	return out
}

// alternate asks the recommender for another pay token and quotes it under a
// fresh generation. It returns the generation the outcome must be applied under.
func (a *Aggregator) alternate(ctx context.Context, gen uint64, req providers.QuoteRequest) (*model.TokenSuggestion, uint64) {
	if a.recommender == nil {
		return nil, gen
	}
	alt, err := a.recommender.RecommendAlternateToken(ctx, providers.AlternateTokenRequest{
		Chain:           req.FromChain,
		Current:         req.FromAsset,
		ToAsset:         req.ToAsset,
		AmountBaseUnits: req.AmountBaseUnits,
		Owner:           req.Sender,
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("alternate token lookup failed")
		a.metrics.AlternateLookup("error")
		return nil, gen
	}
	if alt == nil {
		a.metrics.AlternateLookup("none")
		return nil, gen
	}

	altGen, ok := a.session.advanceFrom(gen)
	if !ok {
		return nil, gen
	}
	altReq := req
	altReq.FromAsset = alt.Asset
	altReq.AmountBaseUnits = alt.AmountBaseUnits
	altReq.AmountDecimal = alt.AmountDecimal

	quotes, _ := a.fanOut(ctx, altGen, altReq, false)
	if len(quotes) == 0 {
		a.log.Info().Str("token", alt.Asset.Symbol).Msg("alternate token returned no quotes")
		a.metrics.AlternateLookup("empty")
		return nil, altGen
	}

	ranked := Rank(a.resolveApprovals(ctx, altReq, quotes), a.toPrice(ctx, req.ToAsset), "", false)
	a.metrics.AlternateLookup("found")
	a.log.Info().Str("token", alt.Asset.Symbol).Int("quotes", len(ranked.Quotes)).Msg("alternate token suggested")
	return &model.TokenSuggestion{
		ChainID:  alt.Asset.ChainID,
		AssetID:  alt.Asset.AssetID,
		Address:  alt.Asset.Address,
		Symbol:   alt.Asset.Symbol,
		Decimals: alt.Asset.Decimals,
		FromAmount: model.AmountInfo{
			AmountBaseUnits: alt.AmountBaseUnits,
			AmountDecimal:   alt.AmountDecimal,
			Decimals:        alt.Asset.Decimals,
		},
		Quotes: ranked.Quotes,
		BestID: ranked.BestID,
	}, altGen
}

func (a *Aggregator) toPrice(ctx context.Context, asset id.Asset) float64 {
	if a.prices == nil {
		return 0
	}
	prices, err := a.prices.TokenPrices(ctx, []id.Asset{asset})
	if err != nil {
		a.log.Debug().Err(err).Str("asset", asset.AssetID).Msg("destination price unavailable; ranking by amount")
		return 0
	}
	return prices[asset.AssetID]
}

func (a *Aggregator) discard(gen uint64) {
	a.metrics.StaleDiscarded()
	a.log.Debug().Uint64("generation", gen).Uint64("current", a.session.Generation()).Msg("discarding stale quote result")
}

