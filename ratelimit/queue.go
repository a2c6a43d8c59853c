package ratelimit

import "container/heap"

// queueEntry is one parked request (§3's Queue Entry). index is
// maintained by container/heap and lets Remove operate in O(log n).
type queueEntry struct {
	key        string
	priority   int
	deadlineMs int64
	seq        int64 // monotonically increasing enqueue sequence, for FIFO within a priority
	index      int
	resultCh   chan struct{} // closed-by-send signal: dispatcher has granted a concurrency slot
}

// priorityQueue orders entries by (priority asc, deadline asc, seq asc)
// per §3/§4.5: lower priority number runs first, ties broken by
// earlier deadline, then FIFO.
type priorityQueue []*queueEntry

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	if pq[i].deadlineMs != pq[j].deadlineMs {
		return pq[i].deadlineMs < pq[j].deadlineMs
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	e := x.(*queueEntry)
	e.index = len(*pq)
	*pq = append(*pq, e)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*pq = old[:n-1]
	return e
}

// remove deletes the entry at its tracked index in O(log n), used for
// client-cancellation and timeout sweeps.
func (pq *priorityQueue) remove(e *queueEntry) {
	if e.index < 0 || e.index >= len(*pq) {
		return
	}
	heap.Remove(pq, e.index)
}
