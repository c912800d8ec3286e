package memory

// ---------------------------------------------------------------------------
// Ptr: barrier-recording view of a pointer slot
// ---------------------------------------------------------------------------

// Ptr is a view of one word-sized slot that holds a block address. Every
// store through the view first writes the raw address and then records the
// write with the heap, so the collector can trace the slot. When the slot is
// outside any chunk (an interpreter stack word, for instance) the record is
// a no-op.
type Ptr struct {
	slot Address
	heap *Heap
}

// PtrAt returns a Ptr view of the word at slot.
func (h *Heap) PtrAt(slot Address) Ptr {
	return Ptr{slot: slot, heap: h}
}

// Get reads the slot.
func (p Ptr) Get() Address {
	return Address(loadWord(p.slot))
}

// Set writes target into the slot and records the write.
func (p Ptr) Set(target Address) {
	storeWord(p.slot, uintptr(target))
	p.heap.RecordWrite(p.slot, target)
}

// IsNil reports whether the slot holds no address.
func (p Ptr) IsNil() bool { return p.Get() == 0 }

// StorePointer writes target into the word at slot and records the write.
// It is the function form of Ptr.Set for call sites that don't keep a view.
func (h *Heap) StorePointer(slot, target Address) {
	storeWord(slot, uintptr(target))
	h.RecordWrite(slot, target)
}

// LoadPointer reads the word at slot as an address.
func LoadPointer(slot Address) Address {
	return Address(loadWord(slot))
}
