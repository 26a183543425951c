package run

import "container/heap"

// readyQueue orders eligible tasks by (depth asc, id asc).
type readyQueue []*nodeState

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].depth != q[j].depth {
		return q[i].depth < q[j].depth
	}
	return q[i].node.ID < q[j].node.ID
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(*nodeState)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func (q *readyQueue) push(st *nodeState) { heap.Push(q, st) }

// pop returns the next task that is still eligible. Entries skipped while
// queued are dropped.
func (q *readyQueue) pop() (*nodeState, bool) {
	for q.Len() > 0 {
		st := heap.Pop(q).(*nodeState)
		if st.status == StatusEligible {
			return st, true
		}
	}
	return nil, false
}
