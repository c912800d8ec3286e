// Package memory implements the managed heap: chunked block allocation with
// pointer and mark bitmaps, a stop-the-world mark-sweep collector driven by
// registered root acceptors, the handle table for off-heap references, and
// the interpreter stacks.
package memory

import "unsafe"

// Address is a machine address of a word or block on (or off) the managed
// heap.
type Address uintptr

const (
	// WordSize is the size in bytes of a machine word. The VM only
	// supports 64-bit platforms (the package format requires it).
	WordSize = 8

	bitsInWord = WordSize * 8

	// BlockAlignment is the alignment of every block on the heap.
	BlockAlignment = 8

	// MinAddress is the lowest address a block may occupy. Lesser values
	// can encode failures or sentinels.
	MinAddress Address = 1 << 20

	// ZeroAllocAddress is returned for zero-byte allocations. It is never
	// inside a chunk.
	ZeroAllocAddress = MinAddress
)

func align(n, alignment uintptr) uintptr {
	return (n + alignment - 1) &^ (alignment - 1)
}

// LoadWord reads the word at a.
func LoadWord(a Address) uintptr { return loadWord(a) }

// StoreWord writes v to the word at a without recording a write. Use the
// heap's StorePointer (or a Ptr view) when v is a block address.
func StoreWord(a Address, v uintptr) { storeWord(a, v) }

// BytesAt returns a byte-slice view of the n bytes at a. The view aliases
// the underlying memory; it is valid only while the block is live.
func BytesAt(a Address, n uintptr) []byte { return bytesAt(a, n) }

func loadWord(a Address) uintptr {
	return *(*uintptr)(unsafe.Pointer(a))
}

func storeWord(a Address, v uintptr) {
	*(*uintptr)(unsafe.Pointer(a)) = v
}

// bytesAt returns a byte-slice view of the n bytes at a. The view aliases
// the underlying memory; it is valid only while the block is live.
func bytesAt(a Address, n uintptr) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(a)), n)
}
