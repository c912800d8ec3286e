package memory

import (
	"errors"
	"testing"
)

func TestAllocateSizes(t *testing.T) {
	h := NewHeap()
	sizes := []uintptr{1, 7, 8, 9, 16, 100, 1024, 64 << 10, MaxBlockSize}
	for _, size := range sizes {
		a, err := h.Allocate(size)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", size, err)
		}
		if uintptr(a)%BlockAlignment != 0 {
			t.Errorf("Allocate(%d) = %#x, not aligned", size, a)
		}
		c := h.chunkByBase[chunkBase(a)]
		if c == nil {
			t.Fatalf("Allocate(%d) = %#x, not in any chunk", size, a)
		}
		if want := align(size, BlockAlignment); c.BlockSize() != want {
			t.Errorf("Allocate(%d) landed in chunk with block size %d, want %d", size, c.BlockSize(), want)
		}
	}
}

func TestAllocateZero(t *testing.T) {
	h := NewHeap()
	a, err := h.Allocate(0)
	if err != nil {
		t.Fatal(err)
	}
	if a != ZeroAllocAddress {
		t.Errorf("Allocate(0) = %#x, want ZeroAllocAddress %#x", a, ZeroAllocAddress)
	}
	if h.IsOnHeap(a) {
		t.Error("ZeroAllocAddress reported on heap")
	}
}

func TestAllocateTooLarge(t *testing.T) {
	h := NewHeap()
	_, err := h.Allocate(MaxBlockSize + 1)
	var aerr *AllocationError
	if !errors.As(err, &aerr) {
		t.Fatalf("Allocate(MaxBlockSize+1) = %v, want AllocationError", err)
	}
	if aerr.ShouldRetryAfterGC {
		t.Error("oversized allocation should not be retryable")
	}
}

func TestAllocateDistinct(t *testing.T) {
	h := NewHeap()
	h.SetAllocationLimit(64 << 20)
	seen := map[Address]bool{}
	for i := 0; i < 1000; i++ {
		a, err := h.Allocate(64)
		if err != nil {
			t.Fatal(err)
		}
		if seen[a] {
			t.Fatalf("allocation %d returned live address %#x twice", i, a)
		}
		seen[a] = true
	}
}

func TestAllocateZeroed(t *testing.T) {
	h := NewHeap()
	a, err := h.Allocate(64)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range BytesAt(a, 64) {
		if b != 0 {
			t.Fatal("fresh block not zeroed")
		}
	}
}

func TestRecordWrite(t *testing.T) {
	h := NewHeap()
	from, err := h.Allocate(32)
	if err != nil {
		t.Fatal(err)
	}
	target, err := h.Allocate(32)
	if err != nil {
		t.Fatal(err)
	}

	h.PtrAt(from + 8).Set(target)
	c := h.chunkByBase[chunkBase(from)]
	if !c.isPointer(from + 8) {
		t.Error("pointer bit not set at stored field")
	}
	if c.isPointer(from) {
		t.Error("pointer bit set at untouched field")
	}
	if got := h.PtrAt(from + 8).Get(); got != target {
		t.Errorf("Ptr.Get() = %#x, want %#x", got, target)
	}

	// Writes outside any chunk are recorded as no-ops.
	var local uintptr
	h.StorePointer(Address(wordSliceAddr([]uintptr{local})), target)
}

func TestCollectGarbage(t *testing.T) {
	h := NewHeap()
	handles := NewHandleTable(h)

	// A chain root -> middle -> leaf, plus one unreachable block.
	root, err := h.Allocate(32)
	if err != nil {
		t.Fatal(err)
	}
	middle, _ := h.Allocate(32)
	leaf, _ := h.Allocate(32)
	garbage, _ := h.Allocate(32)
	BytesAt(garbage, 32)[0] = 1

	h.PtrAt(root).Set(middle)
	h.PtrAt(middle + 16).Set(leaf)
	BytesAt(leaf, 32)[0] = 42

	hd := handles.NewHandle(root)
	defer hd.Release()

	h.CollectGarbage()

	if BytesAt(leaf, 32)[0] != 42 {
		t.Error("reachable block was swept")
	}
	if BytesAt(garbage, 32)[0] != 0 {
		t.Error("unreachable block survived collection")
	}
	if err := h.Validate(); err != nil {
		t.Errorf("Validate after collection: %v", err)
	}

	// Dropping the root makes the whole chain collectable; the chunk has
	// no marks left and is released.
	hd.Release()
	h.CollectGarbage()
	if h.BytesAllocated() != 0 {
		t.Errorf("BytesAllocated() = %d after dropping all roots, want 0", h.BytesAllocated())
	}
}

func TestCollectGarbageReleasesChunks(t *testing.T) {
	h := NewHeap()
	NewHandleTable(h) // roots: none kept

	a, err := h.Allocate(128)
	if err != nil {
		t.Fatal(err)
	}
	base := chunkBase(a)
	if _, err := h.Allocate(128); err != nil {
		t.Fatal(err)
	}
	h.CollectGarbage()
	if h.chunkByBase[base] != nil {
		t.Fatal("chunk with no marks should have been released")
	}
}

func TestGCLockSuppressesCollection(t *testing.T) {
	h := NewHeap()
	h.SetGCLock(true)
	if _, err := h.Allocate(64); err != nil {
		t.Fatal(err)
	}
	h.CollectGarbage()
	if got := h.Collections(); got != 0 {
		t.Errorf("Collections() = %d with GC lock held, want 0", got)
	}
	h.SetGCLock(false)
	h.CollectGarbage()
	if got := h.Collections(); got != 1 {
		t.Errorf("Collections() = %d after unlock, want 1", got)
	}
}

func TestAllocationTriggersCollection(t *testing.T) {
	h := NewHeap()
	NewHandleTable(h)
	h.SetAllocationLimit(minAllocationLimit)
	// Unreferenced allocations eventually push past the limit and trigger
	// a collection that reclaims them all.
	for i := 0; i < 100; i++ {
		if _, err := h.Allocate(32 << 10); err != nil {
			t.Fatal(err)
		}
	}
	if h.Collections() == 0 {
		t.Error("no collection despite passing the allocation limit")
	}
}
