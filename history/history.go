// Package history keeps a short rolling window of recent samples per
// courier. It only serves late dashboard catch-up; the live feed never
// reads it.
package history

import (
	"sync"
	"time"
)

// Sample is one recorded position. Immutable once appended.
type Sample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
	Received  time.Time `json:"receivedAt"`
}

// Buffer holds the per-courier windows, bounded by count and by age.
// Append and prune happen under one lock per call so a concurrent batch
// and single update cannot interleave inside a courier's window.
type Buffer struct {
	maxSamples int
	maxAge     time.Duration

	mtx     sync.RWMutex
	windows map[string][]Sample
}

func NewBuffer(maxSamples int, maxAge time.Duration) *Buffer {
	return &Buffer{
		maxSamples: maxSamples,
		maxAge:     maxAge,
		windows:    make(map[string][]Sample),
	}
}

// Append records samples for the courier, pruning from the head to honour
// the count cap and the age horizon.
func (b *Buffer) Append(courierID string, samples ...Sample) {
	if len(samples) == 0 {
		return
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	w := append(b.windows[courierID], samples...)
	w = pruneAge(w, time.Now().Add(-b.maxAge))
	if len(w) > b.maxSamples {
		w = w[len(w)-b.maxSamples:]
	}
	b.windows[courierID] = w
}

// Recent returns a copy of the courier's window, oldest first.
func (b *Buffer) Recent(courierID string) []Sample {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	w := pruneAge(b.windows[courierID], time.Now().Add(-b.maxAge))
	out := make([]Sample, len(w))
	copy(out, w)
	return out
}

// Drop discards a courier's window. Called when the courier is evicted.
func (b *Buffer) Drop(courierID string) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	delete(b.windows, courierID)
}

// Couriers returns the number of tracked windows.
func (b *Buffer) Couriers() int {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	return len(b.windows)
}

func pruneAge(w []Sample, cutoff time.Time) []Sample {
	for len(w) > 0 && w[0].Received.Before(cutoff) {
		w = w[1:]
	}
	return w
}
