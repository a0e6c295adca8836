package scheduler

import (
	"container/heap"

	"github.com/snehjoshi/messagehub/internal/types"
)

// entry is one delayed message. due is a copy of msg.NotBefore taken at
// Schedule time so later mutation of the message cannot corrupt the heap.
type entry struct {
	msg *types.Message
	due int64 // UTC milliseconds
	seq uint64
	idx int
}

// dueHeap orders entries by due time, then by insertion so messages due in
// the same millisecond keep their scheduling order.
type dueHeap []*entry

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].seq < h[j].seq
}

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *dueHeap) Push(x any) {
	e := x.(*entry)
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

func (h *dueHeap) remove(e *entry) { heap.Remove(h, e.idx) }
