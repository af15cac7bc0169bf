package traffic

import (
	"sync"
	"time"
)

// maxAge bounds how long outcomes are kept; windows longer than this see only maxAge.
const maxAge = 15 * time.Minute

var defaultTracker = NewTracker(time.Now)

// Default returns the process-wide tracker.
func Default() *Tracker {
	return defaultTracker
}

// RecordScraped records a scrape where every price came from the page.
func RecordScraped() {
	defaultTracker.RecordScraped()
}

// RecordFallback records a scrape that used at least one default price
// (including failed fetches).
func RecordFallback() {
	defaultTracker.RecordFallback()
}

// FallbackRate returns (fallbacks, total) within the window on the default tracker.
func FallbackRate(window time.Duration) (fallbacks, total int) {
	return defaultTracker.FallbackRate(window)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker maintains sliding windows of scrape outcome timestamps. Health uses
// it to report the upstream as degraded when the page stops yielding prices.
type Tracker struct {
	mu            sync.Mutex
	now           func() time.Time
	scrapedTimes  []time.Time
	fallbackTimes []time.Time
}

// NewTracker returns a Tracker reading time from now (time.Now if nil).
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// RecordScraped records a fully scraped outcome.
func (t *Tracker) RecordScraped() {
	t.recordOutcome(&t.scrapedTimes)
}

// RecordFallback records an outcome that needed defaults.
func (t *Tracker) RecordFallback() {
	t.recordOutcome(&t.fallbackTimes)
}

func (t *Tracker) recordOutcome(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// FallbackRate returns (fallbackCount, totalCount) within the window.
func (t *Tracker) FallbackRate(window time.Duration) (fallbacks, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	fb := countInWindow(t.fallbackTimes, cutoff)
	return fb, fb + countInWindow(t.scrapedTimes, cutoff)
}

// Degraded reports whether fallbacks exceed pct percent of at least minSamples
// outcomes in the window. pct <= 0 disables the check.
func (t *Tracker) Degraded(window time.Duration, pct float64, minSamples int) bool {
	if pct <= 0 {
		return false
	}
	fb, total := t.FallbackRate(window)
	if total == 0 || total < minSamples {
		return false
	}
	return float64(fb)*100/float64(total) > pct
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scrapedTimes = nil
	t.fallbackTimes = nil
}

// countInWindow counts timestamps that are not before the cutoff time.
func countInWindow(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than maxAge. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-maxAge)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.scrapedTimes)
	prune(&t.fallbackTimes)
}
