package quote

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ggonzalez94/xbridge/internal/model"
)

type ControllerConfig struct {
	Debounce time.Duration
	Refresh  time.Duration
}

// Controller drives an aggregator from form input: changes are debounced, an
// automatic selection is refreshed when it goes stale, and a manual selection
// pauses refreshing until the inputs change again.
type Controller struct {
	agg       *Aggregator
	debounce  *Debouncer
	freshness *FreshnessTimer
	log       zerolog.Logger
	onUpdate  func(model.QuoteSnapshot)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inputs   Inputs
	key      string
	firedKey string
	closed   bool
}

// NewController subscribes to the aggregator's session. onUpdate may be nil;
// calls to it are serialized and never deliver an older generation after a newer one.
func NewController(ctx context.Context, agg *Aggregator, cfg ControllerConfig, onUpdate func(model.QuoteSnapshot), log zerolog.Logger) *Controller {
	ctx, cancel := context.WithCancel(ctx)
	c := &Controller{
		agg:      agg,
		debounce: NewDebouncer(cfg.Debounce),
		log:      log,
		onUpdate: onUpdate,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.freshness = NewFreshnessTimer(cfg.Refresh, c.refreshStale)
	agg.Session().Subscribe(c.observe)
	return c
}

// Update records the form state and schedules a cycle when a trigger field changed
// or an amount drag ended on values that were never quoted.
func (c *Controller) Update(in Inputs) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	prevDragging := c.inputs.Dragging
	c.inputs = in
	key := triggerKey(in.Request)
	changed := key != c.key
	c.key = key
	dragEnded := prevDragging && !in.Dragging && key != c.firedKey
	c.mu.Unlock()

	if changed {
		c.freshness.Stop()
	}
	if changed || dragEnded {
		c.debounce.Trigger(c.fire)
	}
}

// Refresh starts a cycle immediately, e.g. when the view regains focus.
func (c *Controller) Refresh() {
	c.debounce.Stop()
	c.freshness.Stop()
	c.fire()
}

// Select pins a quote manually.
func (c *Controller) Select(quoteID string) error {
	return c.agg.Session().Select(quoteID)
}

func (c *Controller) Snapshot() model.QuoteSnapshot {
	return c.agg.Session().Snapshot()
}

// Close cancels in-flight cycles and waits for them to return.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.debounce.Stop()
	c.freshness.Stop()
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) fire() {
	c.mu.Lock()
	if c.closed || !c.inputs.Ready() {
		c.mu.Unlock()
		return
	}
	req := c.inputs.Request
	c.firedKey = c.key
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if _, err := c.agg.Run(c.ctx, req); err != nil {
			c.log.Warn().Err(err).Msg("quote cycle rejected")
		}
	}()
}

func (c *Controller) refreshStale() {
	c.log.Debug().Msg("selected quote went stale; refreshing")
	c.fire()
}

func (c *Controller) observe(snap model.QuoteSnapshot) {
	switch {
	case snap.Manual:
		c.freshness.Stop()
	case !snap.Loading && snap.SelectedID != "":
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.freshness.Restart()
		}
	}
	if c.onUpdate != nil {
		c.onUpdate(snap)
	}
}
