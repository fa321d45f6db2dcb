package quote

import (
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ggonzalez94/xbridge/internal/providers"
)

const DefaultDebounce = 300 * time.Millisecond

// Inputs is the state of the quoting form.
type Inputs struct {
	Request  providers.QuoteRequest
	Dragging bool
}

// Ready reports whether a cycle may start: a positive amount, both tokens
// resolved and no amount drag in progress.
func (in Inputs) Ready() bool {
	if in.Dragging {
		return false
	}
	if !in.Request.FromAsset.Resolved() || !in.Request.ToAsset.Resolved() {
		return false
	}
	amount, ok := new(big.Int).SetString(in.Request.AmountBaseUnits, 10)
	return ok && amount.Sign() > 0
}

// triggerKey joins the fields whose change schedules a new cycle.
func triggerKey(req providers.QuoteRequest) string {
	return strings.Join([]string{
		req.FromChain.CAIP2,
		strings.ToLower(req.FromAsset.AssetID),
		req.ToChain.CAIP2,
		strings.ToLower(req.ToAsset.AssetID),
		req.AmountBaseUnits,
		strconv.FormatInt(req.SlippageBps, 10),
	}, "|")
}

// Debouncer runs the last scheduled function once no new call arrived for delay.
type Debouncer struct {
	mu    sync.Mutex
	delay time.Duration
	timer *time.Timer
	seq   uint64
}

func NewDebouncer(delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Debouncer{delay: delay}
}

func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.seq != seq {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		fn()
	})
}

func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
