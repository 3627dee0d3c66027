// priority_queue.go - Min-Heap based priority queue.
// Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
//
// This was inspired by the priority queue example in the godocs:
// https://golang.org/pkg/container/heap/
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package queue implements a priority queue.
package queue

import (
	"container/heap"
)

// Entry is a PriorityQueue entry.
type Entry struct {
	Value    interface{}
	Priority uint64
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool { return h[i].Priority < h[j].Priority }

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x interface{}) { *h = append(*h, x.(*Entry)) }

func (h *entryHeap) Pop() interface{} {
	n := len(*h)
	e := (*h)[n-1]
	(*h)[n-1] = nil
	*h = (*h)[:n-1]
	return e
}

// PriorityQueue is a priority queue instance, ordered by ascending Priority.
type PriorityQueue struct {
	heap entryHeap
}

// Enqueue inserts the provided value into the queue with the specified
// priority.
func (q *PriorityQueue) Enqueue(priority uint64, value interface{}) {
	heap.Push(&q.heap, &Entry{Value: value, Priority: priority})
}

// Peek returns the lowest priority entry if any, leaving the PriorityQueue
// unaltered.  Callers MUST NOT alter the Priority of the returned entry.
func (q *PriorityQueue) Peek() *Entry {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Pop removes and returns the lowest priority entry if any.
func (q *PriorityQueue) Pop() *Entry {
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Entry)
}

// FilterOnce removes the first entry for which filter returns true, scanning
// in heap order.  It returns the removed entry, or nil.
func (q *PriorityQueue) FilterOnce(filter func(value interface{}) bool) *Entry {
	for i, e := range q.heap {
		if filter(e.Value) {
			return heap.Remove(&q.heap, i).(*Entry)
		}
	}
	return nil
}

// Len returns the current length of the priority queue.
func (q *PriorityQueue) Len() int {
	return len(q.heap)
}

// New creates a new PriorityQueue.
func New() *PriorityQueue {
	q := &PriorityQueue{heap: make(entryHeap, 0)}
	heap.Init(&q.heap)
	return q
}
