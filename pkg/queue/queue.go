package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// DelayQueue holds opaque payloads until their due time.
type DelayQueue interface {
	Push(ctx context.Context, payload []byte, due time.Time) error
	// PopDue removes and returns up to limit payloads due at or before now,
	// earliest first.
	PopDue(ctx context.Context, now time.Time, limit int) ([][]byte, error)
	Len(ctx context.Context) (int, error)
}

type item struct {
	payload []byte
	due     time.Time
	seq     uint64
}

type itemHeap []item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(item)) }
func (h *itemHeap) Pop() any {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

// MemoryDelayQueue is a process-local DelayQueue.
type MemoryDelayQueue struct {
	mu  sync.Mutex
	h   itemHeap
	seq uint64
}

func NewMemoryDelayQueue() *MemoryDelayQueue { return &MemoryDelayQueue{} }

func (q *MemoryDelayQueue) Push(_ context.Context, payload []byte, due time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	heap.Push(&q.h, item{payload: append([]byte(nil), payload...), due: due, seq: q.seq})
	return nil
}

func (q *MemoryDelayQueue) PopDue(_ context.Context, now time.Time, limit int) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out [][]byte
	for q.h.Len() > 0 && (limit <= 0 || len(out) < limit) {
		if q.h[0].due.After(now) {
			break
		}
		out = append(out, heap.Pop(&q.h).(item).payload)
	}
	return out, nil
}

func (q *MemoryDelayQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len(), nil
}
