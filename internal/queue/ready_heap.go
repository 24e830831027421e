package queue

import "github.com/synap/synap/internal/core/domain"

// readyItem is one entry of the ready set's priority heap: ordered by
// (priority desc, enqueue_seq asc) per spec.md §3.4.
type readyItem struct {
	msg *domain.Message
	seq uint64
}

// readyHeap implements container/heap.Interface.
type readyHeap []*readyItem

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) {
	*h = append(*h, x.(*readyItem))
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
