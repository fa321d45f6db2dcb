package settlement

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/ggonzalez94/xbridge/internal/metrics"
	"github.com/ggonzalez94/xbridge/internal/model"
	"github.com/ggonzalez94/xbridge/internal/providers"
)

const (
	DefaultRemotePoll   = 3 * time.Second
	DefaultLocalPoll    = time.Second
	DefaultHistoryPages = 5
)

// RecordStore is the durable record backend. *Store satisfies it.
type RecordStore interface {
	Get(ctx context.Context, hash string) (model.BridgeTxRecord, error)
	Update(ctx context.Context, hash string, fn UpdateFunc) (model.BridgeTxRecord, bool, error)
	Unsettled(ctx context.Context) ([]model.BridgeTxRecord, error)
}

type Config struct {
	RemotePoll   time.Duration
	LocalPoll    time.Duration
	HistoryPages int
	Policy       Policy
}

func (c Config) withDefaults() Config {
	if c.RemotePoll <= 0 {
		c.RemotePoll = DefaultRemotePoll
	}
	if c.LocalPoll <= 0 {
		c.LocalPoll = DefaultLocalPoll
	}
	if c.HistoryPages <= 0 {
		c.HistoryPages = DefaultHistoryPages
	}
	c.Policy = c.Policy.withDefaults()
	return c
}

// Tracker owns the lifecycle of bridge records after submission.
type Tracker struct {
	store   RecordStore
	sources map[string]providers.Provider
	watcher *SourceWatcher
	metrics *metrics.Metrics
	cfg     Config
	log     zerolog.Logger
	now     func() time.Time
}

type TrackerOption func(*Tracker)

func WithSourceWatcher(w *SourceWatcher) TrackerOption {
	return func(t *Tracker) { t.watcher = w }
}

func WithMetrics(m *metrics.Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker builds a tracker. sources is keyed by aggregator id (the record's
// DexID); each must be a providers.SettlementLookup or a providers.HistoryProvider.
func NewTracker(store RecordStore, sources map[string]providers.Provider, cfg Config, log zerolog.Logger, opts ...TrackerOption) *Tracker {
	normalized := make(map[string]providers.Provider, len(sources))
	for name, p := range sources {
		normalized[strings.ToLower(name)] = p
	}
	t := &Tracker{
		store:   store,
		sources: normalized,
		cfg:     cfg.withDefaults(),
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Reconcile performs one remote lookup for hash and applies the resulting transition.
func (t *Tracker) Reconcile(ctx context.Context, hash string) (model.BridgeTxRecord, error) {
	rec, err := t.store.Get(ctx, hash)
	if err != nil {
		return model.BridgeTxRecord{}, err
	}
	if rec.Status == model.SettlementAllSuccess || rec.Status == model.SettlementFailed {
		return rec, nil
	}

	var obs Observation
	if rec.Status != model.SettlementFromFailed {
		obs = t.lookup(ctx, rec)
	}
	now := t.now()
	updated, applied, err := t.store.Update(ctx, rec.Hash, func(cur model.BridgeTxRecord) (model.BridgeTxRecord, bool) {
		return Advance(cur, obs, now, t.cfg.Policy)
	})
	if err != nil {
		return rec, err
	}
	if applied && updated.Status != rec.Status {
		t.transitioned(rec, updated)
	}
	return updated, nil
}

// Watch follows hash until it reaches a terminal status or ctx ends. The remote
// history is polled every RemotePoll; the stored record is re-read every
// LocalPoll so writes made elsewhere, such as by the source watcher, surface
// promptly. onChange receives every observed status change and may be nil.
func (t *Tracker) Watch(ctx context.Context, hash string, onChange func(model.BridgeTxRecord)) (model.BridgeTxRecord, error) {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if t.watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.watcher.Run(ctx, hash); err != nil && ctx.Err() == nil {
				t.log.Warn().Err(err).Str("hash", hash).Msg("source watcher stopped")
			}
		}()
	}

	rec, err := t.Reconcile(ctx, hash)
	if err != nil {
		return rec, err
	}
	last := rec.Status
	if onChange != nil {
		onChange(rec)
	}
	if rec.Status.Terminal() {
		return rec, nil
	}

	remote := time.NewTicker(t.cfg.RemotePoll)
	defer remote.Stop()
	local := time.NewTicker(t.cfg.LocalPoll)
	defer local.Stop()

	for {
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-remote.C:
			next, err := t.Reconcile(ctx, hash)
			if err != nil {
				if ctx.Err() != nil {
					return rec, ctx.Err()
				}
				t.log.Warn().Err(err).Str("hash", hash).Msg("reconcile failed; retrying")
				continue
			}
			rec = next
		case <-local.C:
			next, err := t.store.Get(ctx, hash)
			if err != nil {
				if ctx.Err() != nil {
					return rec, ctx.Err()
				}
				t.log.Debug().Err(err).Str("hash", hash).Msg("local re-read failed")
				continue
			}
			rec = next
		}
		if rec.Status != last {
			last = rec.Status
			if onChange != nil {
				onChange(rec)
			}
		}
		if rec.Status.Terminal() {
			return rec, nil
		}
	}
}

// Sweep reconciles every unsettled record once. Failures are collected and do
// not stop the sweep.
func (t *Tracker) Sweep(ctx context.Context) ([]model.BridgeTxRecord, error) {
	records, err := t.store.Unsettled(ctx)
	if err != nil {
		return nil, err
	}
	t.metrics.SetActiveRecords(len(records))

	var errs error
	out := make([]model.BridgeTxRecord, 0, len(records))
	for _, rec := range records {
		if ctx.Err() != nil {
			return out, multierr.Append(errs, ctx.Err())
		}
		updated, err := t.Reconcile(ctx, rec.Hash)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "reconcile %s", rec.Hash))
			out = append(out, rec)
			continue
		}
		out = append(out, updated)
	}
	return out, errs
}

// lookup finds the record's hash through its aggregator, either by direct status
// lookup or by scanning the address history. A missing source counts as a failed
// lookup so the no-match bound never fires on records no provider can see.
func (t *Tracker) lookup(ctx context.Context, rec model.BridgeTxRecord) Observation {
	switch p := t.sources[strings.ToLower(rec.DexID)].(type) {
	case providers.SettlementLookup:
		item, err := p.Settlement(ctx, rec.Address, rec.Hash)
		if err != nil {
			t.log.Debug().Err(err).Str("hash", rec.Hash).Str("provider", rec.DexID).Msg("status lookup failed")
			return Observation{LookupErr: true}
		}
		return Observation{Remote: item}
	case providers.HistoryProvider:
		return t.scanHistory(ctx, p, rec)
	default:
		return Observation{LookupErr: true}
	}
}

func (t *Tracker) scanHistory(ctx context.Context, provider providers.HistoryProvider, rec model.BridgeTxRecord) Observation {
	cursor := ""
	for page := 0; page < t.cfg.HistoryPages; page++ {
		res, err := provider.History(ctx, rec.Address, cursor)
		if err != nil {
			t.log.Debug().Err(err).Str("hash", rec.Hash).Str("provider", rec.DexID).Msg("history lookup failed")
			return Observation{LookupErr: true}
		}
		for i := range res.Items {
			if strings.EqualFold(res.Items[i].Hash, rec.Hash) {
				item := res.Items[i]
				return Observation{Remote: &item}
			}
		}
		if res.Next == "" {
			break
		}
		cursor = res.Next
	}
	return Observation{}
}

func (t *Tracker) transitioned(from, to model.BridgeTxRecord) {
	t.metrics.SettlementTransition(string(from.Status), string(to.Status))
	t.log.Info().
		Str("hash", to.Hash).
		Str("from", string(from.Status)).
		Str("to", string(to.Status)).
		Msg("bridge record transitioned")
}
