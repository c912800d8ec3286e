package vm

import (
	"bytes"
	"testing"
)

func TestAssemblerBytes(t *testing.T) {
	var a Assembler
	a.Int64(2)
	a.Int64(3)
	a.Add()
	a.Sys(SysPRINTLN)
	a.Int64(0)
	a.Sys(SysEXIT)
	got, err := a.Finish()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		byte(OpINT64), 2, 0, 0, 0, 0, 0, 0, 0,
		byte(OpINT64), 3, 0, 0, 0, 0, 0, 0, 0,
		byte(OpADD),
		byte(OpSYS), byte(SysPRINTLN),
		byte(OpINT64), 0, 0, 0, 0, 0, 0, 0, 0,
		byte(OpSYS), byte(SysEXIT),
	}
	if !bytes.Equal(got, want) {
		t.Errorf("assembled % x, want % x", got, want)
	}
}

func TestAssemblerBackwardBranch(t *testing.T) {
	var a Assembler
	var top Label
	a.Bind(&top)
	a.Nop()
	a.B(&top)
	insts, err := a.Finish()
	if err != nil {
		t.Fatal(err)
	}
	// The branch at offset 1 targets offset 0.
	if rel := decodeI32(insts, 1); rel != -1 {
		t.Errorf("backward branch offset = %d, want -1", rel)
	}
}

func TestAssemblerForwardBranch(t *testing.T) {
	var a Assembler
	var skip Label
	a.True()
	a.Bif(&skip) // offset 1
	a.Int64(10)  // offset 6
	a.Bind(&skip)
	a.Ret() // offset 15
	insts, err := a.Finish()
	if err != nil {
		t.Fatal(err)
	}
	// The bif at offset 1 must branch to the bound offset 15; offsets are
	// measured from the opcode byte.
	if rel := decodeI32(insts, 1); int(rel) != 15-1 {
		t.Errorf("forward branch offset = %d, want %d", rel, 15-1)
	}
}

func TestAssemblerMultipleForwardUses(t *testing.T) {
	var a Assembler
	var l Label
	a.B(&l) // offset 0
	a.B(&l) // offset 5
	a.Nop() // offset 10
	a.Bind(&l)
	a.Ret() // offset 11
	insts, err := a.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if rel := decodeI32(insts, 0); int(rel) != 11 {
		t.Errorf("first use patched to %d, want 11", rel)
	}
	if rel := decodeI32(insts, 5); int(rel) != 11-5 {
		t.Errorf("second use patched to %d, want %d", rel, 11-5)
	}
	if !l.Bound() {
		t.Error("label should be bound")
	}
}
