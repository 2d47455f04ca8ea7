// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatcher

import "container/heap"

// queueItem is one waiting execution. Higher priority pops first; within a
// priority, insertion order is preserved.
type queueItem struct {
	executionID string
	priority    int
	seq         uint64
}

type itemHeap []queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// readyQueue is the priority plus FIFO ready queue. Not safe for concurrent
// use; the dispatcher serializes access under its own lock.
type readyQueue struct {
	heap    itemHeap
	nextSeq uint64
	members map[string]struct{}
}

func newReadyQueue() *readyQueue {
	return &readyQueue{members: make(map[string]struct{})}
}

// push enqueues an execution. Duplicates are ignored.
func (q *readyQueue) push(executionID string, priority int) {
	if _, ok := q.members[executionID]; ok {
		return
	}
	q.members[executionID] = struct{}{}
	heap.Push(&q.heap, queueItem{executionID: executionID, priority: priority, seq: q.nextSeq})
	q.nextSeq++
}

// pop removes and returns the head of the queue.
func (q *readyQueue) pop() (queueItem, bool) {
	if q.heap.Len() == 0 {
		return queueItem{}, false
	}
	item := heap.Pop(&q.heap).(queueItem)
	delete(q.members, item.executionID)
	return item, true
}

// restore reinserts an item popped earlier, keeping its original position
// within its priority band.
func (q *readyQueue) restore(item queueItem) {
	if _, ok := q.members[item.executionID]; ok {
		return
	}
	q.members[item.executionID] = struct{}{}
	heap.Push(&q.heap, item)
}

// remove drops an execution from the queue if present.
func (q *readyQueue) remove(executionID string) {
	if _, ok := q.members[executionID]; !ok {
		return
	}
	delete(q.members, executionID)
	for i := range q.heap {
		if q.heap[i].executionID == executionID {
			heap.Remove(&q.heap, i)
			return
		}
	}
}

func (q *readyQueue) len() int { return q.heap.Len() }
