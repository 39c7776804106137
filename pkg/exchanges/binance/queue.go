package binance

import (
	"log"
	"sync"
)

// PendingQueue parks work denied by the governor until quota frees up. One
// FIFO per priority tier with a shared capacity bound; when full, the lowest
// priority item in the queue is dropped to make room for a higher one.
type PendingQueue struct {
	mu      sync.Mutex
	cap     int
	tiers   [3][]any
	size    int
	dropped int
}

func NewPendingQueue(capacity int) *PendingQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &PendingQueue{cap: capacity}
}

// Push enqueues an item. If the queue is full it evicts the newest item of
// the lowest occupied tier below p; if nothing lower exists the push is
// refused. Either way the drop is counted and logged.
func (q *PendingQueue) Push(p Priority, item any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size >= q.cap {
		evicted := false
		for tier := PriorityLow; tier > p; tier-- {
			if n := len(q.tiers[tier]); n > 0 {
				q.tiers[tier] = q.tiers[tier][:n-1]
				q.size--
				q.dropped++
				evicted = true
				log.Printf("governor queue: full, dropped %s item for incoming %s", tier, p)
				break
			}
		}
		if !evicted {
			q.dropped++
			log.Printf("governor queue: full, refusing %s item", p)
			return false
		}
	}

	q.tiers[p] = append(q.tiers[p], item)
	q.size++
	return true
}

// Pop returns the oldest item of the highest occupied tier.
func (q *PendingQueue) Pop() (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for tier := PriorityCritical; tier <= PriorityLow; tier++ {
		if len(q.tiers[tier]) > 0 {
			item := q.tiers[tier][0]
			q.tiers[tier] = q.tiers[tier][1:]
			q.size--
			return item, true
		}
	}
	return nil, false
}

// Stats reports depth and cumulative drops.
func (q *PendingQueue) Stats() (depth, dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size, q.dropped
}
