package job

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process priority queue for tests and single-node
// runs without Redis. Jobs are lost on restart.
type MemoryQueue struct {
	mu     sync.Mutex
	queue  priorityQueue
	seq    uint64
	notify chan struct{}
	closed bool
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{notify: make(chan struct{}, 1)}
}

// Enqueue adds a job
func (q *MemoryQueue) Enqueue(_ context.Context, j *Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.seq++
	cp := *j
	heap.Push(&q.queue, &queueItem{job: &cp, priority: j.Priority, seq: q.seq})
	q.signalLocked()
	q.mu.Unlock()
	return nil
}

// signalLocked wakes one waiting consumer. Callers hold mu.
func (q *MemoryQueue) signalLocked() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue waits up to wait for the highest priority job
func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if q.queue.Len() > 0 {
			item := heap.Pop(&q.queue).(*queueItem)
			if q.queue.Len() > 0 {
				q.signalLocked()
			}
			q.mu.Unlock()
			return item.job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-q.notify:
		}
	}
}

// Ack is a no-op; delivered jobs are already removed
func (q *MemoryQueue) Ack(context.Context, *Job) error { return nil }

// Len returns the number of pending jobs
func (q *MemoryQueue) Len(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.queue.Len()), nil
}

// Close releases blocked consumers
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.notify)
	}
}

type queueItem struct {
	job      *Job
	priority int
	seq      uint64
	index    int
}

// priorityQueue implements heap.Interface. Higher priority first, then FIFO.
type priorityQueue []*queueItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority > pq[j].priority
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[0 : n-1]
	return item
}
