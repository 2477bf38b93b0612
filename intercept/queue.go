package intercept

import (
	"sync"
	"sync/atomic"
)

// DefaultQueueSize bounds the events buffered per tab.
const DefaultQueueSize = 16

// Queue is a bounded event buffer. When full, the oldest event is dropped
// to make room; consumers that fall behind lose stale events, never new ones.
type Queue struct {
	mu      sync.Mutex
	ch      chan Event
	dropped atomic.Int64
}

// NewQueue creates a queue holding at most size events.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{ch: make(chan Event, size)}
}

// Push enqueues e without blocking.
func (q *Queue) Push(e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case q.ch <- e:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// C returns the receive side.
func (q *Queue) C() <-chan Event { return q.ch }

// Drain discards buffered events. Called before each phrase so leftovers
// from the previous navigation are not attributed to the next one.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// Dropped returns how many events were discarded for lack of room.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }
