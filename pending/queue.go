// Package pending implements Queue, the in-memory buffer of rows which could
// not be written through to the database and are awaiting replay.
package pending

import (
	"sync"

	"github.com/wmib/rowshim/metrics"
	"github.com/wmib/rowshim/row"
)

// Entry is a Row awaiting insertion into Table.
type Entry struct {
	Table string
	Row   row.Row
}

// Set is an ordered sequence of Entries, oldest first. A Set may hold
// logically identical Entries: a Row which is retried and fails again is
// re-appended rather than de-duplicated.
type Set []Entry

// Queue is a thread-safe, ordered, and unbounded buffer of pending Entries.
// A database outage of unbounded duration grows a Queue without limit: rows
// are never dropped to bound memory.
type Queue struct {
	entries Set
	mu      sync.Mutex
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue { return new(Queue) }

// Enqueue appends a Row to the Queue.
func (q *Queue) Enqueue(table string, r row.Row) {
	q.mu.Lock()
	q.entries = append(q.entries, Entry{Table: table, Row: r})
	metrics.PendingRows.Set(float64(len(q.entries)))
	q.mu.Unlock()
}

// EnqueueSet appends each Entry of |set|, preserving its order.
func (q *Queue) EnqueueSet(set Set) {
	if len(set) == 0 {
		return
	}
	q.mu.Lock()
	q.entries = append(q.entries, set...)
	metrics.PendingRows.Set(float64(len(q.entries)))
	q.mu.Unlock()
}

// DrainAll atomically removes and returns all queued Entries. Entries
// enqueued after DrainAll returns are retained by the Queue.
func (q *Queue) DrainAll() Set {
	q.mu.Lock()
	var out = q.entries
	q.entries = nil
	metrics.PendingRows.Set(0)
	q.mu.Unlock()

	return out
}

// Snapshot returns a copy of the currently queued Entries, without removing them.
func (q *Queue) Snapshot() Set {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append(Set(nil), q.entries...)
}

// Len returns the number of queued Entries. Absent external synchronization
// it may be stale as soon as it returns, and is intended for diagnostics and
// "is there anything to do" checks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}
