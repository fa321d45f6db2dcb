package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ggonzalez94/xbridge/internal/evm"
	"github.com/ggonzalez94/xbridge/internal/metrics"
	"github.com/ggonzalez94/xbridge/internal/model"
)

// ReceiptReader performs single receipt lookups. *evm.Client satisfies it.
type ReceiptReader interface {
	ReceiptStatus(ctx context.Context, chainID int64, hash string) (evm.ReceiptState, error)
}

// SourceWatcher confirms or fails the origin-chain leg of pending records.
type SourceWatcher struct {
	receipts ReceiptReader
	store    RecordStore
	interval time.Duration
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

func NewSourceWatcher(receipts ReceiptReader, store RecordStore, interval time.Duration, m *metrics.Metrics, log zerolog.Logger) *SourceWatcher {
	if interval <= 0 {
		interval = DefaultRemotePoll
	}
	return &SourceWatcher{receipts: receipts, store: store, interval: interval, metrics: m, log: log, now: time.Now}
}

// Check looks up the origin receipt once. done reports that the source leg no
// longer needs watching.
func (w *SourceWatcher) Check(ctx context.Context, hash string) (rec model.BridgeTxRecord, done bool, err error) {
	rec, err = w.store.Get(ctx, hash)
	if err != nil {
		return rec, false, err
	}
	if rec.Status != model.SettlementPending {
		return rec, true, nil
	}
	state, err := w.receipts.ReceiptStatus(ctx, rec.FromChainID, rec.Hash)
	if err != nil {
		return rec, false, err
	}
	if state == evm.ReceiptPending {
		return rec, false, nil
	}
	now := w.now()
	updated, applied, err := w.store.Update(ctx, rec.Hash, func(cur model.BridgeTxRecord) (model.BridgeTxRecord, bool) {
		return ApplySource(cur, state, now)
	})
	if err != nil {
		return rec, false, err
	}
	if applied && updated.Status != rec.Status {
		w.metrics.SettlementTransition(string(rec.Status), string(updated.Status))
		w.log.Info().Str("hash", rec.Hash).Str("receipt", string(state)).Str("to", string(updated.Status)).Msg("source transaction settled")
	}
	return updated, true, nil
}

// Run polls until the source outcome is recorded or ctx ends.
func (w *SourceWatcher) Run(ctx context.Context, hash string) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		_, done, err := w.Check(ctx, hash)
		if err != nil {
			w.log.Debug().Err(err).Str("hash", hash).Msg("source receipt lookup failed")
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
