// Package ledger implements the append-only analytical pipeline: a bounded
// in-memory queue fed from the request path and a background flusher that
// drains batches into the analytical store.
package ledger

import (
	"sync"

	"github.com/auth-platform/traffic-guard/internal/guard"
)

// Kind tags the record variants that flow through the queue.
type Kind int

const (
	KindActivity Kind = iota
	KindViolation
	KindSuspicious
)

// Record is one queued ledger entry.
type Record struct {
	Kind       Kind
	Activity   guard.ActivityRecord
	Violation  guard.Violation
	Suspicious guard.SuspiciousEvent
}

// Queue is a bounded FIFO with drop-oldest overflow. Push never blocks:
// when full the oldest record is discarded and counted, so the request path
// is never held up by analytics backpressure.
type Queue struct {
	mu      sync.Mutex
	buf     []Record
	head    int
	size    int
	dropped uint64
	onDrop  func()
}

// NewQueue creates a queue with the given capacity.
func NewQueue(capacity int, onDrop func()) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{buf: make([]Record, capacity), onDrop: onDrop}
}

// Push appends a record, dropping the oldest when full.
func (q *Queue) Push(rec Record) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == len(q.buf) {
		// Overwrite the oldest slot.
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		if q.onDrop != nil {
			q.onDrop()
		}
	}
	q.buf[(q.head+q.size)%len(q.buf)] = rec
	q.size++
}

// Drain removes and returns up to max records, oldest first.
func (q *Queue) Drain(max int) []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil
	}
	n := q.size
	if max > 0 && max < n {
		n = max
	}
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.head = (q.head + n) % len(q.buf)
	q.size -= n
	return out
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns the total number of records discarded by backpressure.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
