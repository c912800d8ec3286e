package vm

import (
	"github.com/chazu/codeswitch/memory"
)

// ---------------------------------------------------------------------------
// Roots: globally reachable blocks and frame root resolution
// ---------------------------------------------------------------------------

// Roots holds the canonical heap blocks that are always reachable: one
// block per primitive type kind. They are allocated at load time with the
// GC lock engaged, after the heap, handle table, and stack pool exist.
type Roots struct {
	UnitType  memory.Address
	BoolType  memory.Address
	Int64Type memory.Address
}

var roots *Roots

func init() {
	heap := memory.ProcessHeap
	heap.SetGCLock(true)
	roots = &Roots{
		UnitType:  mustAllocType(UnitType),
		BoolType:  mustAllocType(BoolType),
		Int64Type: mustAllocType(Int64Type),
	}
	heap.RegisterRoots(func(visit func(memory.Address)) {
		visit(roots.UnitType)
		visit(roots.BoolType)
		visit(roots.Int64Type)
	})
	heap.SetGCLock(false)

	memory.SetFrameRoots(resolveFrameRoots)
}

func mustAllocType(kind TypeKind) memory.Address {
	b, err := memory.ProcessHeap.Allocate(1)
	if err != nil {
		panic(err)
	}
	memory.BytesAt(b, 1)[0] = byte(kind)
	return b
}

// GlobalRoots returns the process-wide root blocks.
func GlobalRoots() *Roots { return roots }

// resolveFrameRoots visits the live pointer slots of one stack frame. The
// frame's saved words identify the caller's package and function; the saved
// instruction offset is the PC after the call, which is exactly a safepoint.
// Collection runs stop-the-world in the allocating thread, so the package's
// lists are read without its mutex (the mutator may hold it).
func resolveFrameRoots(fnWord, ppWord, ipWord uintptr, fp memory.Address, visit func(memory.Address)) {
	if ipWord == noSavedIP {
		return
	}
	p := packageByID(ppWord)
	if p == nil || fnWord >= uintptr(len(p.functions)) {
		return
	}
	f := p.functions[fnWord]
	if f == nil || !f.safepoints.IsSet() {
		return
	}
	bm, ok := f.safepoints.Lookup(uint32(ipWord))
	if !ok {
		return
	}
	callerFP := memory.Address(memory.LoadWord(fp + memory.FrameSavedFP))
	for j := 0; j < int(f.FrameSize()); j++ {
		if bm[j/8]>>(j%8)&1 == 0 {
			continue
		}
		slot := callerFP - memory.Address((j+1)*memory.WordSize)
		visit(memory.LoadPointer(slot))
	}
}
