package memory

import (
	"fmt"
	"sync"

	"github.com/chazu/codeswitch/platform"
)

// ---------------------------------------------------------------------------
// Chunk: 1 MiB aligned region of equal-size blocks
// ---------------------------------------------------------------------------

const (
	// ChunkSize is the size and alignment of every chunk.
	ChunkSize = 1 << 20

	// MaxBlockSize is the largest block the heap will hand out.
	MaxBlockSize = 128 << 10

	chunkWords = ChunkSize / WordSize

	// The first 32 KiB of each chunk hold the pointer bitmap and the mark
	// bitmap, one bit per word in the entire chunk. Bits covering the
	// bitmaps themselves are unused.
	chunkBitmapBytes = chunkWords / 8
	chunkDataOffset  = 2 * chunkBitmapBytes
)

// Chunk is an aligned region of memory holding blocks of a single size,
// together with the pointer and mark bitmaps covering it. The chunk header
// lives outside the mapped region; the heap finds a chunk from an interior
// address by masking and looking the base up in its registry.
type Chunk struct {
	mu      sync.Mutex
	mapping *platform.Mapping
	base    Address

	blockSize      uintptr
	bytesAllocated uintptr
	freeList       Address // first word of a free block holds the next free address
	freeFrontier   Address
}

func newChunk(blockSize uintptr) (*Chunk, error) {
	if blockSize%BlockAlignment != 0 || blockSize == 0 || blockSize > MaxBlockSize {
		panic(fmt.Sprintf("bad chunk block size %d", blockSize))
	}
	m, err := platform.NewMapping(ChunkSize, ChunkSize)
	if err != nil {
		return nil, err
	}
	base := Address(m.Base)
	if base < MinAddress {
		m.Release()
		return nil, &AllocationError{ShouldRetryAfterGC: false}
	}
	c := &Chunk{
		mapping:      m,
		base:         base,
		blockSize:    blockSize,
		freeFrontier: base + chunkDataOffset,
	}
	return c, nil
}

func (c *Chunk) release() {
	c.mapping.Release()
}

// chunkBase returns the base address of the chunk containing p.
func chunkBase(p Address) Address {
	return p &^ (ChunkSize - 1)
}

// BlockSize returns the size of every block in the chunk.
func (c *Chunk) BlockSize() uintptr { return c.blockSize }

// Base returns the chunk's base address.
func (c *Chunk) Base() Address { return c.base }

// BlockContaining returns the start of the block containing p, which must
// be an interior address of the chunk's data area.
func (c *Chunk) BlockContaining(p Address) Address {
	dataStart := c.base + chunkDataOffset
	return dataStart + Address((uintptr(p-dataStart))/c.blockSize*c.blockSize)
}

func (c *Chunk) pointerBitmap() Bitmap {
	return NewBitmap(c.base, chunkWords)
}

func (c *Chunk) markBitmap() Bitmap {
	return NewBitmap(c.base+chunkBitmapBytes, chunkWords)
}

func (c *Chunk) bitIndex(p Address) uintptr {
	return uintptr(p-c.base) / WordSize
}

// allocateBlock takes the head of the free list if there is one, otherwise
// bumps the free frontier. Returns 0 when the chunk is full.
func (c *Chunk) allocateBlock() Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.freeList != 0 {
		b := c.freeList
		c.freeList = Address(loadWord(b))
		storeWord(b, 0) // clear the stored next pointer
		c.bytesAllocated += c.blockSize
		return b
	}
	if uintptr(c.freeFrontier-c.base)+c.blockSize <= ChunkSize {
		b := c.freeFrontier
		c.freeFrontier += Address(c.blockSize)
		c.bytesAllocated += c.blockSize
		return b
	}
	return 0
}

// setPointer sets or clears the pointer bit covering the word at p.
func (c *Chunk) setPointer(p Address, v bool) {
	c.mu.Lock()
	c.pointerBitmap().Set(c.bitIndex(p), v)
	c.mu.Unlock()
}

func (c *Chunk) isPointer(p Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pointerBitmap().At(c.bitIndex(p))
}

// mark sets the mark bit on the block at p (its first word's bit).
func (c *Chunk) mark(p Address) {
	c.mu.Lock()
	c.markBitmap().Set(c.bitIndex(p), true)
	c.mu.Unlock()
}

func (c *Chunk) isMarked(p Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markBitmap().At(c.bitIndex(p))
}

// hasMark reports whether any block in the chunk is marked.
func (c *Chunk) hasMark() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.markBitmap()
	for i, n := uintptr(0), m.WordCount(); i < n; i++ {
		if m.WordAt(i) != 0 {
			return true
		}
	}
	return false
}

// sweep reclaims unmarked blocks. The free frontier is first pulled back
// over the contiguous run of unmarked blocks at the tail; remaining unmarked
// blocks are zeroed and pushed onto the free list; marked blocks are left
// intact and re-accounted. All mark bits are cleared at the end.
func (c *Chunk) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	mark := c.markBitmap()
	ptr := c.pointerBitmap()
	dataStart := c.base + chunkDataOffset
	wordsPerBlock := c.blockSize / WordSize

	// Expand the free frontier down through unmarked blocks at the tail.
	origFrontier := c.freeFrontier
	frontier := origFrontier
	for frontier > dataStart {
		prev := frontier - Address(c.blockSize)
		if mark.At(c.bitIndex(prev)) {
			break
		}
		frontier = prev
	}
	for p := frontier; p < origFrontier; p += WordSize {
		storeWord(p, 0)
		ptr.Set(c.bitIndex(p), false)
	}
	c.freeFrontier = frontier

	// Rebuild the free list from the remaining unmarked blocks.
	c.bytesAllocated = 0
	c.freeList = 0
	if frontier > dataStart {
		for b := frontier - Address(c.blockSize); ; b -= Address(c.blockSize) {
			if mark.At(c.bitIndex(b)) {
				c.bytesAllocated += c.blockSize
			} else {
				for i := uintptr(0); i < wordsPerBlock; i++ {
					p := b + Address(i*WordSize)
					ptr.Set(c.bitIndex(p), false)
					storeWord(p, 0)
				}
				storeWord(b, uintptr(c.freeList))
				c.freeList = b
			}
			if b == dataStart {
				break
			}
		}
	}

	// Pointer bits in freed blocks have been cleared; bits in live blocks
	// stay set.
	mark.Clear()
}

// validate checks the chunk's internal invariants: every pointer bit inside
// a live block refers to a live block on the heap (checked through isLive),
// free blocks match the free list, and the free frontier holds only zeroes
// with no bits set.
func (c *Chunk) validate(isLive func(Address) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ptr := c.pointerBitmap()
	mark := c.markBitmap()
	dataStart := c.base + chunkDataOffset
	wordsPerBlock := c.blockSize / WordSize

	free := map[Address]bool{}
	for f := c.freeList; f != 0; f = Address(loadWord(f)) {
		free[f] = true
	}

	bytesAllocated := uintptr(0)
	for b := dataStart; b < c.freeFrontier; b += Address(c.blockSize) {
		if free[b] {
			if ptr.At(c.bitIndex(b)) || mark.At(c.bitIndex(b)) {
				return fmt.Errorf("chunk %#x: free block %#x has bits set", c.base, b)
			}
			for i := uintptr(1); i < wordsPerBlock; i++ {
				p := b + Address(i*WordSize)
				if loadWord(p) != 0 {
					return fmt.Errorf("chunk %#x: free block %#x has nonzero word at %#x", c.base, b, p)
				}
				if ptr.At(c.bitIndex(p)) || mark.At(c.bitIndex(p)) {
					return fmt.Errorf("chunk %#x: free block %#x has bits set at %#x", c.base, b, p)
				}
			}
			continue
		}
		bytesAllocated += c.blockSize
		for i := uintptr(0); i < wordsPerBlock; i++ {
			p := b + Address(i*WordSize)
			if !ptr.At(c.bitIndex(p)) {
				continue
			}
			target := Address(loadWord(p))
			if target == 0 || target == ZeroAllocAddress {
				continue
			}
			if !isLive(target) {
				return fmt.Errorf("chunk %#x: pointer at %#x refers to dead address %#x", c.base, p, target)
			}
		}
	}
	if bytesAllocated != c.bytesAllocated {
		return fmt.Errorf("chunk %#x: accounted %d bytes, found %d", c.base, c.bytesAllocated, bytesAllocated)
	}

	for p := c.freeFrontier; p < c.base+ChunkSize; p += WordSize {
		if loadWord(p) != 0 {
			return fmt.Errorf("chunk %#x: nonzero word %#x in free frontier", c.base, p)
		}
		if ptr.At(c.bitIndex(p)) || mark.At(c.bitIndex(p)) {
			return fmt.Errorf("chunk %#x: bit set at %#x in free frontier", c.base, p)
		}
	}
	return nil
}

// allocatedBlocks returns the set of blocks currently allocated: below the
// frontier and not on the free list. Used by heap validation.
func (c *Chunk) allocatedBlocks() map[Address]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	free := map[Address]bool{}
	for f := c.freeList; f != 0; f = Address(loadWord(f)) {
		free[f] = true
	}
	blocks := map[Address]bool{}
	for b := c.base + chunkDataOffset; b < c.freeFrontier; b += Address(c.blockSize) {
		if !free[b] {
			blocks[b] = true
		}
	}
	return blocks
}
