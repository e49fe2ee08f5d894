package engine

import "time"

// dedupLedger collapses bursts of semantically identical events fired within
// a short window. Suppressed hits refresh the timestamp, so a steady stream
// of duplicates keeps being suppressed until it goes quiet for a full window.
type dedupLedger struct {
	window time.Duration
	now    func() time.Time
	seen   map[string]time.Time
}

func newDedupLedger(window time.Duration, now func() time.Time) *dedupLedger {
	return &dedupLedger{
		window: window,
		now:    now,
		seen:   make(map[string]time.Time),
	}
}

// shouldProcess reports whether key has not been seen within the window and
// records it either way.
func (d *dedupLedger) shouldProcess(key string) bool {
	ts := d.now()
	last, ok := d.seen[key]
	d.seen[key] = ts
	if ok && ts.Sub(last) < d.window {
		return false
	}
	d.sweep(ts)
	return true
}

// sweep lazily evicts expired entries. Only runs once the map has grown
// enough to matter.
func (d *dedupLedger) sweep(ts time.Time) {
	if len(d.seen) < 64 {
		return
	}
	for key, last := range d.seen {
		if ts.Sub(last) >= d.window {
			delete(d.seen, key)
		}
	}
}
