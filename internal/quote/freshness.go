package quote

import (
	"sync"
	"time"
)

const DefaultRefreshInterval = 30 * time.Second

// FreshnessTimer fires once, interval after the last Restart, unless it is
// stopped or restarted first.
type FreshnessTimer struct {
	mu       sync.Mutex
	interval time.Duration
	timer    *time.Timer
	seq      uint64
	fire     func()
}

func NewFreshnessTimer(interval time.Duration, fire func()) *FreshnessTimer {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &FreshnessTimer{interval: interval, fire: fire}
}

func (f *FreshnessTimer) Restart() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLocked()
	f.seq++
	seq := f.seq
	f.timer = time.AfterFunc(f.interval, func() {
		f.mu.Lock()
		if f.seq != seq {
			f.mu.Unlock()
			return
		}
		f.timer = nil
		f.mu.Unlock()
		f.fire()
	})
}

func (f *FreshnessTimer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopLocked()
}

// Active reports whether a refresh is pending.
func (f *FreshnessTimer) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timer != nil
}

func (f *FreshnessTimer) stopLocked() {
	// bumping seq also neutralizes a callback that already started waiting on mu
	f.seq++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}
