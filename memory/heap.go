package memory

import (
	"sync"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Heap: segregated-size chunk registry and mark-sweep driver
// ---------------------------------------------------------------------------

var gcLog = commonlog.GetLogger("codeswitch.gc")

// DefaultAllocationLimit is the heap occupancy that triggers the first
// collection when no configuration overrides it.
const DefaultAllocationLimit = 4 << 20

// minAllocationLimit keeps the post-collection limit from collapsing so far
// that a nearly empty heap collects on every allocation.
const minAllocationLimit = 1 << 20

// RootAcceptor is a callback registered with the heap. During the scan phase
// of a collection the heap invokes each acceptor with a visitor; the
// acceptor calls the visitor once per root address it holds.
type RootAcceptor func(visit func(Address))

// Heap is the process-wide allocator and collector. Blocks are allocated
// from chunks segregated by block size. Collection is stop-the-world,
// non-moving mark-sweep over the registered root acceptors.
type Heap struct {
	mu              sync.Mutex
	chunksBySize    map[uintptr][]*Chunk
	chunkByBase     map[Address]*Chunk
	bytesAllocated  uintptr
	allocationLimit uintptr
	roots           []RootAcceptor
	markStack       []Address
	gcLocked        bool
	collections     uint64
}

// NewHeap returns an empty heap. Most code uses the process-wide ProcessHeap.
func NewHeap() *Heap {
	return &Heap{
		chunksBySize:    map[uintptr][]*Chunk{},
		chunkByBase:     map[Address]*Chunk{},
		allocationLimit: DefaultAllocationLimit,
	}
}

// Allocate returns a zeroed block of at least size bytes, aligned to
// BlockAlignment. Zero-byte allocations return ZeroAllocAddress. Sizes over
// MaxBlockSize fail with a non-retryable AllocationError.
func (h *Heap) Allocate(size uintptr) (Address, error) {
	if size == 0 {
		return ZeroAllocAddress, nil
	}
	rounded := align(size, BlockAlignment)
	if rounded > MaxBlockSize {
		return 0, &AllocationError{ShouldRetryAfterGC: false}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.gcLocked && h.bytesAllocated+rounded >= h.allocationLimit {
		h.collectGarbageLocked()
	}

	for _, c := range h.chunksBySize[rounded] {
		if b := c.allocateBlock(); b != 0 {
			h.bytesAllocated += rounded
			return b, nil
		}
	}

	c, err := newChunk(rounded)
	if err != nil {
		if !h.gcLocked {
			h.collectGarbageLocked()
			if c, err = newChunk(rounded); err != nil {
				return 0, &AllocationError{ShouldRetryAfterGC: true}
			}
		} else {
			return 0, &AllocationError{ShouldRetryAfterGC: true}
		}
	}
	h.chunksBySize[rounded] = append(h.chunksBySize[rounded], c)
	h.chunkByBase[c.base] = c
	b := c.allocateBlock()
	h.bytesAllocated += rounded
	return b, nil
}

// RecordWrite notes that a pointer was stored into the word at from. This is
// the write barrier: the pointer bit covering from is set so the collector
// can trace the stored target. Writes to addresses outside any chunk are
// ignored, so callers may record unconditionally.
func (h *Heap) RecordWrite(from, target Address) {
	h.mu.Lock()
	c := h.chunkByBase[chunkBase(from)]
	h.mu.Unlock()
	if c == nil {
		return
	}
	c.setPointer(from, true)
}

// RegisterRoots appends acceptor to the root list. Not safe to call
// concurrently with a collection.
func (h *Heap) RegisterRoots(acceptor RootAcceptor) {
	h.mu.Lock()
	h.roots = append(h.roots, acceptor)
	h.mu.Unlock()
}

// SetGCLock toggles the coarse collection lock used during bootstrap, while
// globally reachable state is still being constructed.
func (h *Heap) SetGCLock(locked bool) {
	h.mu.Lock()
	h.gcLocked = locked
	h.mu.Unlock()
}

// SetAllocationLimit overrides the occupancy that triggers collection.
func (h *Heap) SetAllocationLimit(limit uintptr) {
	h.mu.Lock()
	if limit < minAllocationLimit {
		limit = minAllocationLimit
	}
	h.allocationLimit = limit
	h.mu.Unlock()
}

// BytesAllocated returns the bytes currently accounted to live and
// not-yet-swept blocks.
func (h *Heap) BytesAllocated() uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bytesAllocated
}

// Collections returns how many collections have run.
func (h *Heap) Collections() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.collections
}

// IsOnHeap reports whether p is inside the allocated data area of some
// chunk.
func (h *Heap) IsOnHeap(p Address) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.chunkForLocked(p) != nil
}

// BlockContaining returns the start of the block containing p. p must be on
// the heap.
func (h *Heap) BlockContaining(p Address) Address {
	h.mu.Lock()
	c := h.chunkByBase[chunkBase(p)]
	h.mu.Unlock()
	if c == nil {
		panic("address not on heap")
	}
	return c.BlockContaining(p)
}

// CollectGarbage runs a full stop-the-world mark-sweep collection.
func (h *Heap) CollectGarbage() {
	h.mu.Lock()
	h.collectGarbageLocked()
	h.mu.Unlock()
}

func (h *Heap) chunkForLocked(p Address) *Chunk {
	c := h.chunkByBase[chunkBase(p)]
	if c == nil {
		return nil
	}
	if p < c.base+chunkDataOffset || p >= c.freeFrontier {
		return nil
	}
	return c
}

func (h *Heap) collectGarbageLocked() {
	if h.gcLocked {
		return
	}
	start := time.Now()
	before := h.bytesAllocated

	// Scan roots.
	h.markStack = h.markStack[:0]
	visit := func(a Address) {
		c := h.chunkForLocked(a)
		if c == nil {
			return
		}
		b := c.BlockContaining(a)
		if !c.isMarked(b) {
			h.markStack = append(h.markStack, b)
		}
	}
	for _, acceptor := range h.roots {
		acceptor(visit)
	}

	// Mark.
	for len(h.markStack) > 0 {
		b := h.markStack[len(h.markStack)-1]
		h.markStack = h.markStack[:len(h.markStack)-1]
		c := h.chunkByBase[chunkBase(b)]
		if c.isMarked(b) {
			continue
		}
		c.mark(b)
		for i := uintptr(0); i < c.blockSize/WordSize; i++ {
			p := b + Address(i*WordSize)
			if !c.isPointer(p) {
				continue
			}
			visit(Address(loadWord(p)))
		}
	}

	// Sweep. Chunks with no marked block are released whole.
	h.bytesAllocated = 0
	for size, list := range h.chunksBySize {
		kept := list[:0]
		for _, c := range list {
			if !c.hasMark() {
				delete(h.chunkByBase, c.base)
				c.release()
				continue
			}
			c.sweep()
			h.bytesAllocated += c.bytesAllocated
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(h.chunksBySize, size)
		} else {
			h.chunksBySize[size] = kept
		}
	}

	h.allocationLimit = 2 * h.bytesAllocated
	if h.allocationLimit < minAllocationLimit {
		h.allocationLimit = minAllocationLimit
	}
	h.collections++
	gcLog.Infof("collection %d: %v -> %v in %v, next limit %v",
		h.collections, bytesize.New(float64(before)), bytesize.New(float64(h.bytesAllocated)),
		time.Since(start), bytesize.New(float64(h.allocationLimit)))
}

// Validate checks every chunk's invariants. It is meant for tests and
// debugging; it stops the world for its duration.
func (h *Heap) Validate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	allocated := map[Address]bool{}
	frontiers := map[Address]Address{}
	for _, c := range h.chunkByBase {
		for b := range c.allocatedBlocks() {
			allocated[b] = true
		}
		frontiers[c.base] = c.freeFrontier
	}
	isLive := func(p Address) bool {
		c := h.chunkByBase[chunkBase(p)]
		if c == nil {
			return false
		}
		if p < c.base+chunkDataOffset || p >= frontiers[c.base] {
			return false
		}
		return allocated[c.BlockContaining(p)]
	}
	for _, c := range h.chunkByBase {
		if err := c.validate(isLive); err != nil {
			return err
		}
	}
	return nil
}
