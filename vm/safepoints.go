package vm

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/chazu/codeswitch/memory"
)

// ---------------------------------------------------------------------------
// Safepoints: per-PC pointer-liveness bitmaps
// ---------------------------------------------------------------------------

// Safepoints maps instruction offsets at which a collection can occur (the
// PC after a CALL or an allocating sys) to pointer bitmaps over the stack
// slots of the frame. Entries are sorted by offset and have a fixed size
// derived from the function's frame size. The entry bytes live in a heap
// block held through the handle table.
//
// No type in the current universe is a pointer, so every bitmap is zero
// today; the geometry is still produced and checked so the format stays
// forward compatible.
type Safepoints struct {
	frameSize uint16
	count     int
	data      memory.Handle
	set       bool
}

// SafepointBytesPerEntry returns the size of one safepoint entry for a
// frame of frameSize words: a 32-bit instruction offset followed by
// ceil(frameSize/8) bitmap bytes padded so the whole entry is 4-byte
// aligned and a multiple of 4 bytes long.
func SafepointBytesPerEntry(frameSize uint16) int {
	bits := (int(frameSize) + 7) / 8
	bits = (bits + 3) &^ 3
	return 4 + bits
}

func newSafepoints(frameSize uint16, count int, data []byte) (Safepoints, error) {
	if want := count * SafepointBytesPerEntry(frameSize); want != len(data) {
		panic("safepoint data size mismatch")
	}
	block, err := memory.ProcessHeap.Allocate(uintptr(len(data)))
	if err != nil {
		return Safepoints{}, err
	}
	copy(memory.BytesAt(block, uintptr(len(data))), data)
	return Safepoints{
		frameSize: frameSize,
		count:     count,
		data:      memory.ProcessHandles.NewHandle(block),
		set:       true,
	}, nil
}

// IsSet reports whether the table has been populated (possibly with zero
// entries).
func (s Safepoints) IsSet() bool { return s.set }

// FrameSize returns the maximum size in words of the function's frame.
func (s Safepoints) FrameSize() uint16 { return s.frameSize }

// Count returns the number of entries.
func (s Safepoints) Count() int { return s.count }

// Data returns a view of the raw entry bytes.
func (s Safepoints) Data() []byte {
	if !s.set || s.count == 0 {
		return nil
	}
	n := uintptr(s.count * SafepointBytesPerEntry(s.frameSize))
	return memory.BytesAt(s.data.Get(), n)
}

// Lookup returns the pointer bitmap for the safepoint at instOffset.
func (s Safepoints) Lookup(instOffset uint32) ([]byte, bool) {
	data := s.Data()
	entry := SafepointBytesPerEntry(s.frameSize)
	i := sort.Search(s.count, func(i int) bool {
		return binary.LittleEndian.Uint32(data[i*entry:]) >= instOffset
	})
	if i >= s.count || binary.LittleEndian.Uint32(data[i*entry:]) != instOffset {
		return nil, false
	}
	return data[i*entry+4 : (i+1)*entry], true
}

// Equal reports whether two tables have the same frame size and bytes.
func (s Safepoints) Equal(other Safepoints) bool {
	return s.frameSize == other.frameSize &&
		s.count == other.count &&
		bytes.Equal(s.Data(), other.Data())
}

// release drops the table's handle.
func (s *Safepoints) release() { s.data.Release() }
