package waf

import (
	"sync"
	"time"
)

// addressRecord is the per-address sliding window plus the lifetime
// counters feeding the bad-request-ratio heuristic.
type addressRecord struct {
	timestamps []time.Time
	total      int
	detections int
}

// tracker maintains per-address request windows. It is shared by the DDoS
// heuristic and the ratio tracker.
type tracker struct {
	mu      sync.Mutex
	records map[string]*addressRecord
}

func newTracker() *tracker {
	return &tracker{records: make(map[string]*addressRecord)}
}

// track records a request timestamp for an address.
func (t *tracker) track(addr string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.records[addr]
	if !ok {
		record = &addressRecord{}
		t.records[addr] = record
	}
	record.timestamps = append(record.timestamps, now)
	record.total++
}

// countSince returns how many requests an address made within the window
// ending now.
func (t *tracker) countSince(addr string, now time.Time, window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.records[addr]
	if !ok {
		return 0
	}
	cutoff := now.Add(-window)
	count := 0
	for i := len(record.timestamps) - 1; i >= 0; i-- {
		if record.timestamps[i].Before(cutoff) {
			break
		}
		count++
	}
	return count
}

// recordDetection increments the address's detection counter.
func (t *tracker) recordDetection(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.records[addr]
	if !ok {
		record = &addressRecord{}
		t.records[addr] = record
	}
	record.detections++
}

// stats returns the lifetime totals for an address.
func (t *tracker) stats(addr string) (total, detections int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	record, ok := t.records[addr]
	if !ok {
		return 0, 0
	}
	return record.total, record.detections
}

// prune drops timestamps older than the retention window and forgets
// addresses with no recent activity. Lifetime counters survive as long as
// the address record does.
func (t *tracker) prune(now time.Time, retention time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-retention)
	for addr, record := range t.records {
		kept := record.timestamps[:0]
		for _, ts := range record.timestamps {
			if !ts.Before(cutoff) {
				kept = append(kept, ts)
			}
		}
		record.timestamps = kept
		if len(kept) == 0 {
			delete(t.records, addr)
		}
	}
}
