package vm

import "github.com/chazu/codeswitch/memory"

// ---------------------------------------------------------------------------
// Function
// ---------------------------------------------------------------------------

// Function is a verified or verifiable unit of bytecode. Instruction and
// safepoint bytes live in heap blocks held through the handle table, so a
// materialized function does not depend on its package's file mapping.
type Function struct {
	pkg   *Package
	index uint32

	name        String
	ParamTypes  []Type
	ReturnTypes []Type

	insts      memory.Handle
	instSize   uint32
	safepoints Safepoints
}

// Name returns the function's name.
func (f *Function) Name() string { return f.name.Str() }

// Index returns the function's index within its package.
func (f *Function) Index() uint32 { return f.index }

// Package returns the owning package.
func (f *Function) Package() *Package { return f.pkg }

// Insts returns a view of the instruction bytes.
func (f *Function) Insts() []byte {
	if f.instSize == 0 {
		return nil
	}
	return memory.BytesAt(f.insts.Get(), uintptr(f.instSize))
}

// InstSize returns the length of the instruction stream in bytes.
func (f *Function) InstSize() uint32 { return f.instSize }

// FrameSize returns the maximum frame size in words, available once the
// function has been verified or loaded from a package file.
func (f *Function) FrameSize() uint16 { return f.safepoints.FrameSize() }

// Safepoints returns the function's safepoint table.
func (f *Function) Safepoints() Safepoints { return f.safepoints }

// setInsts copies insts into a fresh heap block.
func (f *Function) setInsts(insts []byte) error {
	if len(insts) > MaxFunctionSize {
		return validateErrorf(f.Name(), "function is too large: %d bytes", len(insts))
	}
	block, err := memory.ProcessHeap.Allocate(uintptr(len(insts)))
	if err != nil {
		return err
	}
	copy(memory.BytesAt(block, uintptr(len(insts))), insts)
	f.insts = memory.ProcessHandles.NewHandle(block)
	f.instSize = uint32(len(insts))
	return nil
}

// Validate runs the verifier over the function. The safepoint table is
// rebuilt from scratch; if the function already has one, the two must be
// equal, otherwise the rebuilt table is installed.
func (f *Function) Validate() error {
	built, err := verify(f)
	if err != nil {
		return err
	}
	if !f.safepoints.IsSet() {
		f.safepoints = built
		return nil
	}
	defer built.release()
	if !f.safepoints.Equal(built) {
		return validateErrorf(f.Name(), "stored safepoints do not match bytecode")
	}
	return nil
}

// release drops the function's heap references.
func (f *Function) release() {
	f.name.Release()
	f.insts.Release()
	f.safepoints.release()
}
