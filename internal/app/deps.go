package app

import (
	"fmt"
	"strings"

	"github.com/ggonzalez94/xbridge/internal/allowance"
	"github.com/ggonzalez94/xbridge/internal/cache"
	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/evm"
	"github.com/ggonzalez94/xbridge/internal/execution"
	"github.com/ggonzalez94/xbridge/internal/httpx"
	"github.com/ggonzalez94/xbridge/internal/logging"
	"github.com/ggonzalez94/xbridge/internal/metrics"
	"github.com/ggonzalez94/xbridge/internal/model"
	"github.com/ggonzalez94/xbridge/internal/providers"
	"github.com/ggonzalez94/xbridge/internal/providers/across"
	"github.com/ggonzalez94/xbridge/internal/providers/bungee"
	"github.com/ggonzalez94/xbridge/internal/providers/defillama"
	"github.com/ggonzalez94/xbridge/internal/providers/lifi"
	"github.com/ggonzalez94/xbridge/internal/providers/recommend"
	"github.com/ggonzalez94/xbridge/internal/quote"
	"github.com/ggonzalez94/xbridge/internal/settlement"
)

// providerSet holds the enabled aggregator adapters and the capabilities they expose.
type providerSet struct {
	quotes     []providers.QuoteProvider
	history    map[string]providers.Provider
	txBuilders map[string]providers.BridgeTxBuilder
	prices     providers.PriceProvider
	infos      []model.ProviderInfo
}

func (s *runtimeState) providerSet() (*providerSet, error) {
	if s.providers != nil {
		return s.providers, nil
	}
	httpClient := httpx.New(s.settings.Timeout, s.settings.Retries, httpx.WithLogger(logging.Component(s.log, "http")))
	urls := s.settings.ProviderURLs

	available := map[string]providers.QuoteProvider{
		"lifi":   lifi.New(httpClient).WithBaseURL(urls["lifi"]),
		"across": across.New(httpClient).WithBaseURL(urls["across"]),
		"bungee": bungee.New(httpClient, s.settings.BungeeAPIKey, s.settings.BungeeAffiliate).WithBaseURL(urls["bungee"]),
	}

	var priceCache defillama.Cache
	if store, err := s.openCache(); err != nil {
		s.log.Warn().Err(err).Msg("price cache unavailable; prices will not be cached")
	} else if store != nil {
		priceCache = store
	}
	prices := defillama.New(httpClient, priceCache, s.settings.PriceCacheTTL, logging.Component(s.log, "prices")).
		WithBaseURL(urls["defillama"]).
		WithStaleFallback(s.settings.MaxStale)

	set := &providerSet{
		history:    map[string]providers.Provider{},
		txBuilders: map[string]providers.BridgeTxBuilder{},
		prices:     prices,
	}
	for _, name := range s.settings.Providers {
		p, ok := available[strings.ToLower(name)]
		if !ok {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported quote provider: %s (expected lifi|across|bungee)", name))
		}
		set.quotes = append(set.quotes, p)
		set.infos = append(set.infos, p.Info())
		switch p.(type) {
		case providers.SettlementLookup, providers.HistoryProvider:
			set.history[p.Info().Name] = p
		}
		if b, ok := p.(providers.BridgeTxBuilder); ok {
			set.txBuilders[p.Info().Name] = b
		}
	}
	if len(set.quotes) == 0 {
		return nil, clierr.New(clierr.CodeUsage, "no quote providers enabled")
	}
	set.infos = append(set.infos, prices.Info())
	s.providers = set
	return set, nil
}

func (s *runtimeState) openCache() (*cache.Store, error) {
	if !s.settings.CacheEnabled {
		return nil, nil
	}
	if s.cache != nil {
		return s.cache, nil
	}
	store, err := cache.Open(s.settings.CachePath, s.settings.CacheLockPath)
	if err != nil {
		return nil, err
	}
	s.cache = store
	return store, nil
}

// chainClient dials lazily; creating it performs no RPC calls.
func (s *runtimeState) chainClient(opts evm.TxOptions) (*evm.Client, error) {
	if s.chain != nil {
		return s.chain, nil
	}
	client, err := evm.NewClient(s.settings.RPCURLs, opts, logging.Component(s.log, "evm"))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "init evm client", err)
	}
	s.chain = client
	return client, nil
}

func (s *runtimeState) metricsRegistry() *metrics.Metrics {
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s.metrics
}

func (s *runtimeState) aggregator(opts evm.TxOptions) (*quote.Aggregator, error) {
	set, err := s.providerSet()
	if err != nil {
		return nil, err
	}
	chain, err := s.chainClient(opts)
	if err != nil {
		return nil, err
	}
	log := logging.Component(s.log, "quote")
	return quote.NewAggregator(set.quotes, log,
		quote.WithApprovals(allowance.NewResolver(chain, logging.Component(s.log, "allowance"))),
		quote.WithPrices(set.prices),
		quote.WithRecommender(recommend.New(set.prices, chain, logging.Component(s.log, "recommend"))),
		quote.WithMetrics(s.metricsRegistry()),
	), nil
}

func (s *runtimeState) recordStore() (*settlement.Store, error) {
	if s.records != nil {
		return s.records, nil
	}
	store, err := settlement.OpenStore(s.settings.RecordsPath, s.settings.RecordsLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open record store", err)
	}
	s.records = store
	return store, nil
}

func (s *runtimeState) actionStore() (*execution.Store, error) {
	if s.actions != nil {
		return s.actions, nil
	}
	store, err := execution.OpenStore(s.settings.ActionsPath, s.settings.ActionsLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open action store", err)
	}
	s.actions = store
	return store, nil
}

func (s *runtimeState) orchestrator(opts evm.TxOptions, policy execution.Options) (*execution.Orchestrator, error) {
	set, err := s.providerSet()
	if err != nil {
		return nil, err
	}
	chain, err := s.chainClient(opts)
	if err != nil {
		return nil, err
	}
	records, err := s.recordStore()
	if err != nil {
		return nil, err
	}
	actions, err := s.actionStore()
	if err != nil {
		return nil, err
	}
	return execution.New(execution.Config{
		Approvals:  allowance.NewResolver(chain, logging.Component(s.log, "allowance")),
		Sender:     chain,
		Builder:    chain,
		TxBuilders: set.txBuilders,
		Records:    records,
		Actions:    actions,
		Metrics:    s.metricsRegistry(),
		Options:    policy,
	}, logging.Component(s.log, "execution")), nil
}

func (s *runtimeState) tracker(withSource bool) (*settlement.Tracker, error) {
	set, err := s.providerSet()
	if err != nil {
		return nil, err
	}
	records, err := s.recordStore()
	if err != nil {
		return nil, err
	}
	cfg := settlement.Config{
		RemotePoll:   s.settings.Settlement.RemotePoll,
		LocalPoll:    s.settings.Settlement.LocalPoll,
		HistoryPages: s.settings.Settlement.HistoryPages,
		Policy: settlement.Policy{
			NoMatchAfter: s.settings.Settlement.NoMatchAfter,
			MaxAge:       s.settings.Settlement.MaxAge,
		},
	}
	opts := []settlement.TrackerOption{settlement.WithMetrics(s.metricsRegistry())}
	if withSource {
		chain, err := s.chainClient(evm.DefaultTxOptions())
		if err != nil {
			return nil, err
		}
		watcher := settlement.NewSourceWatcher(chain, records, s.settings.Settlement.RemotePoll, s.metricsRegistry(), logging.Component(s.log, "source-watcher"))
		opts = append(opts, settlement.WithSourceWatcher(watcher))
	}
	return settlement.NewTracker(records, set.history, cfg, logging.Component(s.log, "settlement"), opts...), nil
}
