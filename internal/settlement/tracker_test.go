package settlement

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/ggonzalez94/xbridge/internal/evm"
	"github.com/ggonzalez94/xbridge/internal/model"
	"github.com/ggonzalez94/xbridge/internal/providers"
)

type fakeHistory struct {
	mu    sync.Mutex
	pages map[string]model.HistoryPage
	err   error
	calls int
	page  func(calls int, cursor string) (model.HistoryPage, error)
}

func (f *fakeHistory) Info() model.ProviderInfo { return model.ProviderInfo{Name: "lifi", Type: "bridge"} }

func (f *fakeHistory) History(_ context.Context, _ string, cursor string) (model.HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.page != nil {
		return f.page(f.calls, cursor)
	}
	if f.err != nil {
		return model.HistoryPage{}, f.err
	}
	return f.pages[cursor], nil
}

type fakeStatus struct {
	mu      sync.Mutex
	results []*model.RemoteSettlement
	hashes  []string
}

func (f *fakeStatus) Info() model.ProviderInfo { return model.ProviderInfo{Name: "bungee", Type: "bridge-aggregator"} }

func (f *fakeStatus) Settlement(_ context.Context, _ string, hash string) (*model.RemoteSettlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes = append(f.hashes, hash)
	if len(f.results) == 0 {
		return nil, nil
	}
	next := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return next, nil
}

type fakeReceipts struct {
	state evm.ReceiptState
	calls atomic.Int32
}

func (f *fakeReceipts) ReceiptStatus(context.Context, int64, string) (evm.ReceiptState, error) {
	f.calls.Add(1)
	return f.state, nil
}

func newTestTracker(store RecordStore, history map[string]providers.Provider, now time.Time, opts ...TrackerOption) *Tracker {
	tr := NewTracker(store, history, Config{RemotePoll: 20 * time.Millisecond, LocalPoll: 5 * time.Millisecond}, zerolog.Nop(), opts...)
	tr.now = func() time.Time { return now }
	return tr
}

func TestReconcileFindsMatchOnLaterPage(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, t.TempDir())
	now := time.Now()
	if err := store.Create(ctx, pendingRecord("0xAAA1", now.Add(-5*time.Minute))); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	history := &fakeHistory{pages: map[string]model.HistoryPage{
		"":  {Items: []model.RemoteSettlement{{Hash: "0xother", Status: model.RemoteCompleted}}, Next: "p2"},
		"p2": {Items: []model.RemoteSettlement{{Hash: "0xaaa1", Status: model.RemoteCompleted, ActualToToken: "0xTo", ActualToAmount: "42"}}},
	}}
	tr := newTestTracker(store, map[string]providers.Provider{"LIFI": history}, now)

	rec, err := tr.Reconcile(ctx, "0xaaa1")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if rec.Status != model.SettlementAllSuccess || rec.ActualToAmount != "42" || rec.ActualToToken != "0xTo" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if history.calls != 2 {
		t.Fatalf("expected two history pages, got %d", history.calls)
	}
}

func TestReconcileNoMatchAfterAnHour(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, t.TempDir())
	now := time.Now()
	if err := store.Create(ctx, pendingRecord("0xb1", now.Add(-61*time.Minute))); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	history := &fakeHistory{pages: map[string]model.HistoryPage{}}
	tr := newTestTracker(store, map[string]providers.Provider{"lifi": history}, now)

	rec, err := tr.Reconcile(ctx, "0xb1")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if rec.Status != model.SettlementFromFailed {
		t.Fatalf("expected fromFailed, got %s", rec.Status)
	}

	calls := history.calls
	tr.now = func() time.Time { return now.Add(24 * time.Hour) }
	rec, err = tr.Reconcile(ctx, "0xb1")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if rec.Status != model.SettlementFailed {
		t.Fatalf("expected failed after a day, got %s", rec.Status)
	}
	if history.calls != calls {
		t.Fatal("fromFailed records must not query the remote history")
	}
}

func TestReconcileLookupErrorKeepsRecordPending(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, t.TempDir())
	now := time.Now()
	if err := store.Create(ctx, pendingRecord("0xc1", now.Add(-2*time.Hour))); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	tr := newTestTracker(store, map[string]providers.Provider{"lifi": &fakeHistory{err: errors.New("http 503")}}, now)

	rec, err := tr.Reconcile(ctx, "0xc1")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if rec.Status != model.SettlementPending {
		t.Fatalf("expected pending on lookup error, got %s", rec.Status)
	}

	unknown := newTestTracker(store, nil, now)
	rec, err = unknown.Reconcile(ctx, "0xc1")
	if err != nil || rec.Status != model.SettlementPending {
		t.Fatalf("expected pending without a history provider, got %s err=%v", rec.Status, err)
	}
}

type failingStore struct {
	RecordStore
	failHash string
}

func (s failingStore) Update(ctx context.Context, hash string, fn UpdateFunc) (model.BridgeTxRecord, bool, error) {
	if strings.EqualFold(hash, s.failHash) {
		return model.BridgeTxRecord{}, false, errors.New("disk full")
	}
	return s.RecordStore.Update(ctx, hash, fn)
}

func TestSweepCollectsFailures(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, t.TempDir())
	now := time.Now()
	for _, h := range []string{"0xd1", "0xd2", "0xd3"} {
		if err := store.Create(ctx, pendingRecord(h, now.Add(-90*time.Minute))); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	history := &fakeHistory{pages: map[string]model.HistoryPage{}}
	tr := newTestTracker(failingStore{RecordStore: store, failHash: "0xd2"}, map[string]providers.Provider{"lifi": history}, now)

	out, err := tr.Sweep(ctx)
	if err == nil {
		t.Fatal("expected sweep error")
	}
	if n := len(multierr.Errors(err)); n != 1 {
		t.Fatalf("expected one collected error, got %d: %v", n, err)
	}
	if !strings.Contains(err.Error(), "0xd2") {
		t.Fatalf("expected failing hash in error, got %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected every record in output, got %d", len(out))
	}
	for _, h := range []string{"0xd1", "0xd3"} {
		rec, _ := store.Get(ctx, h)
		if rec.Status != model.SettlementFromFailed {
			t.Fatalf("expected %s to be fromFailed, got %s", h, rec.Status)
		}
	}
}

func TestWatchFollowsSourceWatcherThenRemote(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := openTestStore(t, t.TempDir())
	if err := store.Create(ctx, pendingRecord("0xe1", time.Now())); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	history := &fakeHistory{page: func(calls int, _ string) (model.HistoryPage, error) {
		if calls < 5 {
			return model.HistoryPage{Items: []model.RemoteSettlement{{Hash: "0xe1", Status: model.RemotePending}}}, nil
		}
		return model.HistoryPage{Items: []model.RemoteSettlement{{Hash: "0xe1", Status: model.RemoteCompleted, ActualToAmount: "7"}}}, nil
	}}
	receipts := &fakeReceipts{state: evm.ReceiptSuccess}
	watcher := NewSourceWatcher(receipts, store, 5*time.Millisecond, nil, zerolog.Nop())
	tr := NewTracker(store, map[string]providers.Provider{"lifi": history}, Config{RemotePoll: 20 * time.Millisecond, LocalPoll: 5 * time.Millisecond}, zerolog.Nop(), WithSourceWatcher(watcher))

	var mu sync.Mutex
	var seen []model.SettlementStatus
	rec, err := tr.Watch(ctx, "0xe1", func(r model.BridgeTxRecord) {
		mu.Lock()
		seen = append(seen, r.Status)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if rec.Status != model.SettlementAllSuccess || rec.ActualToAmount != "7" {
		t.Fatalf("unexpected final record: %+v", rec)
	}
	mu.Lock()
	defer mu.Unlock()
	if !containsStatus(seen, model.SettlementFromSuccess) {
		t.Fatalf("expected fromSuccess to be observed, got %v", seen)
	}
	if seen[len(seen)-1] != model.SettlementAllSuccess {
		t.Fatalf("expected allSuccess last, got %v", seen)
	}
	if receipts.calls.Load() == 0 {
		t.Fatal("expected source receipt lookups")
	}
}

func TestWatchStopsAtSourceRevert(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := openTestStore(t, t.TempDir())
	if err := store.Create(ctx, pendingRecord("0xf1", time.Now())); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	watcher := NewSourceWatcher(&fakeReceipts{state: evm.ReceiptReverted}, store, 5*time.Millisecond, nil, zerolog.Nop())
	history := &fakeHistory{pages: map[string]model.HistoryPage{}}
	tr := NewTracker(store, map[string]providers.Provider{"lifi": history}, Config{RemotePoll: time.Second, LocalPoll: 5 * time.Millisecond}, zerolog.Nop(), WithSourceWatcher(watcher))

	rec, err := tr.Watch(ctx, "0xf1", nil)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if rec.Status != model.SettlementFromFailed {
		t.Fatalf("expected fromFailed, got %s", rec.Status)
	}
}

func TestWatchHonorsCancellation(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	if err := store.Create(ctx, pendingRecord("0xf2", time.Now())); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	tr := NewTracker(store, nil, Config{RemotePoll: 10 * time.Millisecond, LocalPoll: 10 * time.Millisecond}, zerolog.Nop())
	time.AfterFunc(50*time.Millisecond, cancel)

	rec, err := tr.Watch(ctx, "0xf2", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if rec.Status != model.SettlementPending {
		t.Fatalf("expected last known pending status, got %s", rec.Status)
	}
}

func containsStatus(list []model.SettlementStatus, want model.SettlementStatus) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func TestReconcileUsesStatusLookup(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, t.TempDir())
	now := time.Now()
	rec := pendingRecord("0xC1", now.Add(-2*time.Hour))
	rec.DexID = "bungee"
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	status := &fakeStatus{results: []*model.RemoteSettlement{
		{Hash: "0xc1", Status: model.RemotePending, FromConfirmed: true},
		{Hash: "0xc1", Status: model.RemoteCompleted, ActualToToken: "0xTo", ActualToAmount: "997"},
	}}
	tr := newTestTracker(store, map[string]providers.Provider{"bungee": status, "lifi": &fakeHistory{}}, now)

	got, err := tr.Reconcile(ctx, "0xc1")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got.Status != model.SettlementFromSuccess {
		t.Fatalf("expected fromSuccess, got %s", got.Status)
	}
	got, err = tr.Reconcile(ctx, "0xc1")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got.Status != model.SettlementAllSuccess || got.ActualToAmount != "997" || got.ActualToToken != "0xTo" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if len(status.hashes) != 2 || !strings.EqualFold(status.hashes[0], "0xc1") {
		t.Fatalf("unexpected lookups: %v", status.hashes)
	}
}

func TestReconcileStatusLookupNoEntryAfterAnHour(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, t.TempDir())
	now := time.Now()
	rec := pendingRecord("0xc2", now.Add(-61*time.Minute))
	rec.DexID = "bungee"
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	tr := newTestTracker(store, map[string]providers.Provider{"bungee": &fakeStatus{}}, now)

	got, err := tr.Reconcile(ctx, "0xc2")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got.Status != model.SettlementFromFailed {
		t.Fatalf("expected fromFailed, got %s", got.Status)
	}
}
