package server

import "time"

// slidingWindow is the per-session message rate limiter: at most limit
// events inside any trailing span. It is owned by the session's reader
// task and needs no locking.
type slidingWindow struct {
	limit int
	span  time.Duration
	times []time.Time
}

func newSlidingWindow(limit int, span time.Duration) *slidingWindow {
	return &slidingWindow{limit: limit, span: span, times: make([]time.Time, 0, limit)}
}

// Allow records an event at now if the window has room. Expired entries
// are evicted first, so acceptance depends only on events newer than
// now-span.
func (w *slidingWindow) Allow(now time.Time) bool {
	cutoff := now.Add(-w.span)
	keep := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	w.times = keep
	if len(w.times) >= w.limit {
		return false
	}
	w.times = append(w.times, now)
	return true
}
