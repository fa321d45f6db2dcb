package quote

import (
	"fmt"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/model"
)

// Listener receives session snapshots. Deliveries are serialized and in
// mutation order; snapshots superseded while a listener is still running are
// collapsed into the newest one.
type Listener func(model.QuoteSnapshot)

// Result is the outcome of one aggregation cycle.
type Result struct {
	Quotes     []model.ResolvedQuote
	ToPriceUSD float64
	Providers  []model.ProviderStatus
	Suggestion *model.TokenSuggestion
}

// Session owns the candidate list and selection of one quoting screen. Every
// mutation made on behalf of a cycle carries the cycle's generation and is
// dropped unless that generation is still the newest.
type Session struct {
	mu         sync.Mutex
	generation uint64
	quotes     []model.ResolvedQuote
	selectedID string
	bestID     string
	manual     bool
	loading    bool
	patch      bool
	noQuote    bool
	toPrice    float64
	suggestion *model.TokenSuggestion
	providers  []model.ProviderStatus
	updatedAt  time.Time
	now        func() time.Time
	listeners  []Listener
	pending    *model.QuoteSnapshot
	delivering bool
}

func NewSession() *Session {
	return &Session{now: time.Now}
}

func (s *Session) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Begin allocates the next generation. When candidates already exist they are
// marked loading in place and the cycle runs in patch mode.
func (s *Session) Begin() (uint64, bool) {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.patch = len(s.quotes) > 0
	s.loading = true
	for i := range s.quotes {
		s.quotes[i].Loading = true
	}
	s.publishLocked()
	patch := s.patch
	s.mu.Unlock()

	s.flush()
	return gen, patch
}

func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

func (s *Session) IsCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation
}

// advanceFrom allocates a follow-up generation for a cycle that is still current.
func (s *Session) advanceFrom(gen uint64) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return 0, false
	}
	s.generation++
	return s.generation, true
}

// Patch replaces the entries of one aggregator while a patch-mode cycle is in
// flight. Approval flags are carried over from the previous entry with the same ID.
func (s *Session) Patch(gen uint64, aggregatorID string, quotes []model.Quote) bool {
	s.mu.Lock()
	if gen != s.generation || !s.patch {
		s.mu.Unlock()
		return false
	}
	prev := make(map[string]model.ResolvedQuote, len(s.quotes))
	kept := make([]model.ResolvedQuote, 0, len(s.quotes)+len(quotes))
	for _, q := range s.quotes {
		if q.AggregatorID == aggregatorID {
			prev[q.ID()] = q
			continue
		}
		kept = append(kept, q)
	}
	for _, q := range quotes {
		rq := model.ResolvedQuote{Quote: q}
		if old, ok := prev[q.ID()]; ok {
			rq.ShouldApprove = old.ShouldApprove
			rq.ShouldTwoStepApprove = old.ShouldTwoStepApprove
		}
		kept = append(kept, rq)
	}
	s.rankLocked(kept, s.toPrice)
	s.updatedAt = s.now()
	s.publishLocked()
	s.mu.Unlock()

	s.flush()
	return true
}

// Apply installs the final result of cycle gen. An empty result clears the
// candidate list and the selection.
func (s *Session) Apply(gen uint64, res Result) bool {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return false
	}
	s.loading = false
	s.patch = false
	s.providers = res.Providers
	s.suggestion = res.Suggestion
	s.noQuote = len(res.Quotes) == 0
	if s.noQuote {
		s.quotes = nil
		s.selectedID = ""
		s.bestID = ""
		s.manual = false
	} else {
		quotes := make([]model.ResolvedQuote, len(res.Quotes))
		copy(quotes, res.Quotes)
		for i := range quotes {
			quotes[i].Loading = false
		}
		s.toPrice = res.ToPriceUSD
		s.rankLocked(quotes, res.ToPriceUSD)
	}
	s.updatedAt = s.now()
	s.publishLocked()
	s.mu.Unlock()

	s.flush()
	return true
}

// Select pins quoteID as the user's manual choice.
func (s *Session) Select(quoteID string) error {
	s.mu.Lock()
	found := false
	for _, q := range s.quotes {
		if q.ID() == quoteID {
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("quote %q is not in the current candidate set", quoteID))
	}
	s.selectedID = quoteID
	s.manual = true
	s.rankLocked(s.quotes, s.toPrice)
	s.publishLocked()
	s.mu.Unlock()

	s.flush()
	return nil
}

func (s *Session) Snapshot() model.QuoteSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) rankLocked(quotes []model.ResolvedQuote, price float64) {
	ranked := Rank(quotes, price, s.selectedID, s.manual)
	s.quotes = ranked.Quotes
	s.selectedID = ranked.SelectedID
	s.bestID = ranked.BestID
	s.manual = ranked.Manual
}

func (s *Session) snapshotLocked() model.QuoteSnapshot {
	quotes := make([]model.ResolvedQuote, len(s.quotes))
	copy(quotes, s.quotes)
	providers := make([]model.ProviderStatus, len(s.providers))
	copy(providers, s.providers)
	snap := model.QuoteSnapshot{
		Generation: s.generation,
		Quotes:     quotes,
		SelectedID: s.selectedID,
		BestID:     s.bestID,
		Manual:     s.manual,
		Loading:    s.loading,
		NoQuote:    s.noQuote,
		Suggestion: s.suggestion,
		Providers:  providers,
	}
	if !s.updatedAt.IsZero() {
		snap.UpdatedAt = s.updatedAt.UTC().Format(time.RFC3339)
	}
	return snap
}

// publishLocked queues the current state for delivery, replacing any snapshot
// not yet handed to listeners.
func (s *Session) publishLocked() {
	snap := s.snapshotLocked()
	s.pending = &snap
}

// flush delivers queued snapshots unless another goroutine is already doing so,
// in which case that goroutine picks up the newest one when its listeners return.
func (s *Session) flush() {
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for s.pending != nil {
		snap := *s.pending
		s.pending = nil
		listeners := s.listeners
		s.mu.Unlock()
		for _, l := range listeners {
			l(snap)
		}
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}
