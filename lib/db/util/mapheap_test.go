package util

import (
	"math/rand"
	"sort"
	"testing"
)

// popMin removes the item with the lowest priority
func popMin[K comparable](mh *MapHeap[K]) (HeapItem[K], bool) {
	item, ok := mh.Peek()
	if !ok {
		return item, false
	}
	if _, removed := mh.Remove(item.Key); !removed {
		return item, false
	}
	return item, true
}

// TestNewMapHeap tests the creation of a new MapHeap
func TestNewMapHeap(t *testing.T) {
	mh := NewMapHeap[uint64]()

	if mh == nil {
		t.Fatal("NewMapHeap() returned nil")
	}

	if mh.Len() != 0 {
		t.Errorf("New heap should be empty, but has length %d", mh.Len())
	}

	if _, ok := mh.Peek(); ok {
		t.Error("Peek on empty heap should return ok=false")
	}

	if _, ok := mh.Remove(1); ok {
		t.Error("Remove on empty heap should return ok=false")
	}
}

// TestSetAndPeek tests that the lowest priority is always on top
func TestSetAndPeek(t *testing.T) {
	mh := NewMapHeap[uint64]()

	mh.Set(1, 100)
	mh.Set(2, 200)
	mh.Set(3, 50)

	if mh.Len() != 3 {
		t.Errorf("Heap should have 3 items, but has %d", mh.Len())
	}

	item, ok := mh.Peek()
	if !ok {
		t.Fatal("Peek() should return an item")
	}
	if item.Key != 3 || item.Priority != 50 {
		t.Errorf("Expected min item to be (3,50), got (%d,%d)", item.Key, item.Priority)
	}
}

// TestSetUpdatesPriority tests re-prioritizing existing items
func TestSetUpdatesPriority(t *testing.T) {
	mh := NewMapHeap[uint64]()

	mh.Set(1, 100)
	mh.Set(2, 200)
	mh.Set(1, 300)

	if mh.Len() != 2 {
		t.Errorf("Updating must not add an item, heap has %d items", mh.Len())
	}

	min, _ := mh.Peek()
	if min.Key != 2 {
		t.Errorf("Min item should now be key 2, got %d", min.Key)
	}

	mh.Set(2, 50)
	min, _ = mh.Peek()
	if min.Key != 2 || min.Priority != 50 {
		t.Errorf("Min item should now be (2,50), got (%d,%d)", min.Key, min.Priority)
	}

	priority, ok := mh.Remove(1)
	if !ok || priority != 300 {
		t.Errorf("Item with key 1 should have priority 300, got %d (ok=%v)", priority, ok)
	}
}

// TestRemove tests removing items by key
func TestRemove(t *testing.T) {
	mh := NewMapHeap[string]()

	mh.Set("a", 100)
	mh.Set("b", 200)
	mh.Set("c", 300)

	priority, ok := mh.Remove("b")
	if !ok {
		t.Fatal("Remove should return true for existing key")
	}
	if priority != 200 {
		t.Errorf("Remove should return priority 200, got %d", priority)
	}
	if mh.Len() != 2 {
		t.Errorf("Heap should have 2 items after removal, has %d", mh.Len())
	}
	if _, ok = mh.Remove("b"); ok {
		t.Error("Heap should not contain key b after removal")
	}

	if _, ok = mh.Remove("zzz"); ok {
		t.Error("Remove should return false for non-existent key")
	}

	// removing the minimum must surface the next one
	mh.Remove("a")
	min, _ := mh.Peek()
	if min.Key != "c" {
		t.Errorf("Min item should be c after removing a, got %s", min.Key)
	}
}

// TestPopOrder tests if items are popped in ascending priority order
func TestPopOrder(t *testing.T) {
	mh := NewMapHeap[uint64]()

	items := []struct {
		key      uint64
		priority uint64
	}{
		{5, 50},
		{3, 30},
		{1, 10},
		{4, 40},
		{2, 20},
	}

	for _, item := range items {
		mh.Set(item.key, item.priority)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].priority < items[j].priority
	})

	for i, expected := range items {
		item, ok := popMin(mh)
		if !ok {
			t.Fatalf("Heap empty after %d items, expected %d items", i, len(items))
		}
		if item.Key != expected.key || item.Priority != expected.priority {
			t.Errorf("Pop %d: expected (%d,%d), got (%d,%d)",
				i, expected.key, expected.priority, item.Key, item.Priority)
		}
	}

	if mh.Len() != 0 {
		t.Errorf("Heap should be empty after popping all items, has %d items", mh.Len())
	}
}

// TestDuplicatePriorities tests several pins on the same snapshot
func TestDuplicatePriorities(t *testing.T) {
	mh := NewMapHeap[uint64]()

	mh.Set(1, 7)
	mh.Set(2, 7)
	mh.Set(3, 9)

	mh.Remove(1)
	min, ok := mh.Peek()
	if !ok || min.Priority != 7 || min.Key != 2 {
		t.Errorf("Expected (2,7) on top, got (%d,%d)", min.Key, min.Priority)
	}

	mh.Remove(2)
	min, _ = mh.Peek()
	if min.Priority != 9 {
		t.Errorf("Expected priority 9 on top, got %d", min.Priority)
	}
}

// TestLargeNumberOfItems tests the heap invariant with random operations
func TestLargeNumberOfItems(t *testing.T) {
	mh := NewMapHeap[int]()
	r := rand.New(rand.NewSource(42))
	reference := make(map[int]uint64)

	const n = 5000
	for i := 0; i < n; i++ {
		p := uint64(r.Intn(1000))
		mh.Set(i, p)
		reference[i] = p
	}

	// remove a third of the items
	for i := 0; i < n; i += 3 {
		mh.Remove(i)
		delete(reference, i)
	}

	if mh.Len() != len(reference) {
		t.Fatalf("Expected %d items, got %d", len(reference), mh.Len())
	}

	var last uint64
	for mh.Len() > 0 {
		item, _ := popMin(mh)
		if item.Priority < last {
			t.Fatalf("Heap order violated: %d after %d", item.Priority, last)
		}
		if reference[item.Key] != item.Priority {
			t.Fatalf("Key %d has priority %d, expected %d", item.Key, item.Priority, reference[item.Key])
		}
		last = item.Priority
	}
}

// BenchmarkSetRemove benchmarks pinning and releasing snapshots
func BenchmarkSetRemove(b *testing.B) {
	mh := NewMapHeap[int]()
	for i := 0; i < 1024; i++ {
		mh.Set(i, uint64(i))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := 1024 + i
		mh.Set(k, uint64(k))
		mh.Remove(k)
	}
}
