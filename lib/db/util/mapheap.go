// Package util
//
// This file provides a min-heap with key-based access.
//
// The implementation combines a binary heap with a hash map to provide both
// efficient priority-based operations and key-based access:
//   - O(log n) for Set (insert or re-prioritize) and Remove
//   - O(1) for Peek, Get and Contains
//
// The birch engine uses it to track pinned snapshots: every active transaction
// and every open transaction-less cursor is an item keyed by its pin ID with the
// pinned commit sequence number as priority. Peek then yields the oldest snapshot
// still in use, which is the garbage collection watermark.
//
// Concurrency: the heap is not thread-safe, callers synchronize externally.
//
// Example usage:
//
//	pins := NewMapHeap[uint64]()
//	pins.Set(txnID, snapshot)
//	oldest, ok := pins.Peek()
//	pins.Remove(txnID)
package util

import (
	"container/heap"
	"fmt"
)

// HeapItem is an element of a MapHeap.
type HeapItem[K comparable] struct {
	Key      K      // Unique identifier for the item
	Priority uint64 // Priority of the item (lowest first)
	index    int    // Index in the heap, maintained by heap package
}

func (i *HeapItem[K]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d}", i.Key, i.Priority)
}

// MapHeap is a min-heap ordered by priority with O(1) access by key.
type MapHeap[K comparable] struct {
	items    heapItems[K]        // The actual heap slice
	itemsMap map[K]*HeapItem[K] // Map for O(1) access by key
}

// NewMapHeap creates an empty MapHeap.
func NewMapHeap[K comparable]() *MapHeap[K] {
	return &MapHeap[K]{
		items:    make(heapItems[K], 0),
		itemsMap: make(map[K]*HeapItem[K]),
	}
}

// Len returns the number of items.
func (h *MapHeap[K]) Len() int { return len(h.items) }

// Set adds an item or updates the priority of an existing one.
func (h *MapHeap[K]) Set(key K, priority uint64) {
	if item, exists := h.itemsMap[key]; exists {
		item.Priority = priority
		heap.Fix(&h.items, item.index)
		return
	}

	item := &HeapItem[K]{Key: key, Priority: priority}
	h.itemsMap[key] = item
	heap.Push(&h.items, item)
}

// Remove removes the item with the given key and returns its priority.
func (h *MapHeap[K]) Remove(key K) (uint64, bool) {
	item, exists := h.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(&h.items, item.index)
	delete(h.itemsMap, key)
	return item.Priority, true
}

// Peek returns the item with the lowest priority without removing it.
func (h *MapHeap[K]) Peek() (HeapItem[K], bool) {
	if len(h.items) == 0 {
		return HeapItem[K]{}, false
	}
	return *h.items[0], true
}

// --------------------------------------------------------------------------
// heap.Interface implementation
// --------------------------------------------------------------------------

type heapItems[K comparable] []*HeapItem[K]

func (s heapItems[K]) Len() int { return len(s) }

func (s heapItems[K]) Less(i, j int) bool { return s[i].Priority < s[j].Priority }

func (s heapItems[K]) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
	s[i].index = i
	s[j].index = j
}

func (s *heapItems[K]) Push(x interface{}) {
	item := x.(*HeapItem[K])
	item.index = len(*s)
	*s = append(*s, item)
}

func (s *heapItems[K]) Pop() interface{} {
	old := *s
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // Avoid memory leak
	item.index = -1 // For safety
	*s = old[:n-1]
	return item
}
