// Package ratelimit caps location updates per courier. The verdict is only
// a boolean: a dropped sample is acceptable for a live feed, so nothing
// here ever surfaces an error to the sender.
//
// The window is a fixed 60 second bucket rather than a true sliding
// window. That allows a burst at the bucket edge of up to twice the
// budget across two adjacent minutes, which is the accepted trade for
// O(1) space and a single counter per courier.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits or rejects one update for a courier.
type Limiter interface {
	Allow(ctx context.Context, courierID string) bool
}

const window = time.Minute

// Window is the in-process fixed-window limiter.
type Window struct {
	budget int

	mtx     sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	start time.Time
	count int
}

func NewWindow(budget int) *Window {
	return &Window{
		budget:  budget,
		buckets: make(map[string]*bucket),
	}
}

func (w *Window) Allow(ctx context.Context, courierID string) bool {
	return w.allow(courierID, time.Now())
}

func (w *Window) allow(courierID string, now time.Time) bool {
	if w.budget <= 0 {
		return true
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()

	b, ok := w.buckets[courierID]
	if !ok || now.Sub(b.start) >= window {
		w.buckets[courierID] = &bucket{start: now, count: 1}
		return true
	}
	if b.count >= w.budget {
		return false
	}
	b.count++
	return true
}

// Prune drops buckets idle past the window. The sweeper calls this so the
// map does not accumulate couriers that went away.
func (w *Window) Prune() {
	now := time.Now()
	w.mtx.Lock()
	defer w.mtx.Unlock()
	for id, b := range w.buckets {
		if now.Sub(b.start) >= window {
			delete(w.buckets, id)
		}
	}
}
