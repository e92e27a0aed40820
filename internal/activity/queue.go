// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package activity

import (
	"sync"
	"sync/atomic"
)

// QueueMetrics is a point-in-time view of queue counters.
type QueueMetrics struct {
	Size      int   `json:"size"`
	Capacity  int   `json:"capacity"`
	HighWater int   `json:"highWater"`
	Enqueued  int64 `json:"enqueued"`
	Dropped   int64 `json:"dropped"`
}

// Queue is a fixed-capacity FIFO ring buffer. Push never blocks: when the
// buffer is full the oldest event is evicted and counted as dropped.
type Queue struct {
	mu    sync.Mutex
	buf   []Event
	head  int
	count int

	size      atomic.Int64
	highWater atomic.Int64
	enqueued  atomic.Int64
	dropped   atomic.Int64
}

// NewQueue creates a queue holding at most capacity events.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{buf: make([]Event, capacity)}
}

// Push appends e, evicting the oldest event if the queue is full. It
// reports whether an eviction happened and returns the new length.
func (q *Queue) Push(e Event) (evicted bool, length int) {
	q.mu.Lock()
	capacity := len(q.buf)
	if q.count == capacity {
		q.buf[q.head] = Event{}
		q.head = (q.head + 1) % capacity
		q.count--
		evicted = true
	}
	q.buf[(q.head+q.count)%capacity] = e
	q.count++
	length = q.count
	q.size.Store(int64(length))
	if int64(length) > q.highWater.Load() {
		q.highWater.Store(int64(length))
	}
	q.mu.Unlock()

	q.enqueued.Add(1)
	if evicted {
		q.dropped.Add(1)
	}
	return evicted, length
}

// DrainUpTo removes and returns up to n of the oldest events in FIFO order.
func (q *Queue) DrainUpTo(n int) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > q.count {
		n = q.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]Event, n)
	capacity := len(q.buf)
	for i := range n {
		idx := (q.head + i) % capacity
		out[i] = q.buf[idx]
		q.buf[idx] = Event{}
	}
	q.head = (q.head + n) % capacity
	q.count -= n
	q.size.Store(int64(q.count))
	return out
}

// Len returns the current number of queued events without locking.
func (q *Queue) Len() int {
	return int(q.size.Load())
}

// Cap returns the fixed capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Metrics returns the queue counters without locking.
func (q *Queue) Metrics() QueueMetrics {
	return QueueMetrics{
		Size:      q.Len(),
		Capacity:  len(q.buf),
		HighWater: int(q.highWater.Load()),
		Enqueued:  q.enqueued.Load(),
		Dropped:   q.dropped.Load(),
	}
}
