// Package util
//
// This file provides a keyed min-heap. The maple engine uses it as the registry of
// open snapshots: the key is the snapshot id, the priority its version. The minimum
// is the oldest version any reader can still observe, which bounds garbage collection.
//
// Time Complexity:
//   - O(log n) for AddItem, RemoveByKey and priority updates
//   - O(1) for Peek, Contains and GetByKey
//
// The heap is not thread-safe; callers synchronize externally.
//
// Example usage:
//
//	pins := NewMapHeap()
//	pins.AddItem(snapshotID, uint64(version))
//
//	// oldest pinned version
//	if oldest, ok := pins.Peek(); ok {
//		horizon = oldest.Priority
//	}
//
//	pins.RemoveByKey(snapshotID)
package util

import (
	"container/heap"
	"strconv"
)

// item is one heap entry
type item struct {
	Key      uint64 // Unique identifier of the entry
	Priority uint64 // Heap order (smallest first)
	index    int    // Position in the heap, maintained by heap.Interface
}

func (i *item) String() string {
	return "{Key: " + strconv.FormatUint(i.Key, 10) + ", Priority: " + strconv.FormatUint(i.Priority, 10) + "}"
}

// MapHeap is a min-heap by priority with O(1) access by key
type MapHeap struct {
	items []*item
	byKey map[uint64]*item
}

// NewMapHeap creates an empty heap
func NewMapHeap() *MapHeap {
	return &MapHeap{byKey: make(map[uint64]*item)}
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

func (h *MapHeap) Len() int { return len(h.items) }

func (h *MapHeap) Less(i, j int) bool {
	if h.items[i].Priority == h.items[j].Priority {
		return h.items[i].Key < h.items[j].Key
	}
	return h.items[i].Priority < h.items[j].Priority
}

func (h *MapHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *MapHeap) Push(x any) {
	it := x.(*item)
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.byKey[it.Key] = it
}

func (h *MapHeap) Pop() any {
	n := len(h.items)
	it := h.items[n-1]
	h.items[n-1] = nil
	it.index = -1
	h.items = h.items[:n-1]
	delete(h.byKey, it.Key)
	return it
}

// --------------------------------------------------------------------------
// Keyed Operations
// --------------------------------------------------------------------------

// AddItem adds a new entry or changes the priority of an existing one
func (h *MapHeap) AddItem(key, priority uint64) {
	if it, ok := h.byKey[key]; ok {
		it.Priority = priority
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &item{Key: key, Priority: priority})
}

// RemoveByKey removes an entry and returns its priority
func (h *MapHeap) RemoveByKey(key uint64) (uint64, bool) {
	it, ok := h.byKey[key]
	if !ok {
		return 0, false
	}
	heap.Remove(h, it.index)
	return it.Priority, true
}

// Peek returns the entry with the smallest priority without removing it
func (h *MapHeap) Peek() (*item, bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return h.items[0], true
}

// Contains checks if a key is present
func (h *MapHeap) Contains(key uint64) bool {
	_, ok := h.byKey[key]
	return ok
}

// GetByKey returns the entry of a key without removing it
func (h *MapHeap) GetByKey(key uint64) (*item, bool) {
	it, ok := h.byKey[key]
	return it, ok
}
