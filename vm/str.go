package vm

import "github.com/chazu/codeswitch/memory"

// ---------------------------------------------------------------------------
// String: immutable heap-backed byte sequence
// ---------------------------------------------------------------------------

// A String is an immutable byte sequence backed by a bound array on the
// managed heap: a two-word header block holding a pointer to a byte-array
// block and the length. The header is held through the handle table so the
// collector traces both blocks.
type String struct {
	h memory.Handle
}

const stringHeaderBytes = 2 * memory.WordSize

// NewString copies b onto the heap and returns a String for it.
func NewString(b []byte) (String, error) {
	heap := memory.ProcessHeap
	data, err := heap.Allocate(uintptr(len(b)))
	if err != nil {
		return String{}, err
	}
	copy(memory.BytesAt(data, uintptr(len(b))), b)
	header, err := heap.Allocate(stringHeaderBytes)
	if err != nil {
		return String{}, err
	}
	heap.StorePointer(header, data)
	memory.StoreWord(header+memory.WordSize, uintptr(len(b)))
	return String{h: memory.ProcessHandles.NewHandle(header)}, nil
}

// IsNull reports whether the string has no backing block.
func (s String) IsNull() bool { return s.h.IsEmpty() }

// Len returns the length in bytes.
func (s String) Len() uintptr {
	if s.IsNull() {
		return 0
	}
	return memory.LoadWord(s.h.Get() + memory.WordSize)
}

// Bytes returns a view of the string's bytes. The view is valid while the
// string is live.
func (s String) Bytes() []byte {
	if s.IsNull() {
		return nil
	}
	return memory.BytesAt(memory.LoadPointer(s.h.Get()), s.Len())
}

// Str returns the contents as a Go string.
func (s String) Str() string { return string(s.Bytes()) }

// Release drops the string's handle. The blocks are reclaimed by the next
// collection unless reachable elsewhere.
func (s *String) Release() { s.h.Release() }
