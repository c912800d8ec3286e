package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Assembler
// ---------------------------------------------------------------------------

// Label tracks an offset within a function being assembled, used by
// instructions that reference other instructions, particularly branches.
//
// A bound label (Bind has been called on it) refers to an earlier
// instruction and later references use negative offsets. An unbound label
// refers to an instruction that hasn't been assembled yet; its uses are
// recorded and patched when the label is bound.
type Label struct {
	offset int32
	bound  bool
	refs   []int32 // offsets of immediates awaiting the bind
}

// Bound reports whether the label has been bound to an offset.
func (l *Label) Bound() bool { return l.bound }

// Assembler builds a function's instruction bytes. Branch offsets are
// measured from the opcode byte of the branch instruction.
type Assembler struct {
	buf []byte
	err error
}

// Finish patches nothing further and returns the assembled bytes. All
// labels used must have been bound.
func (a *Assembler) Finish() ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.buf, nil
}

// Bind fixes label to the current offset and patches every recorded use.
func (a *Assembler) Bind(l *Label) {
	if l.bound {
		panic("label bound multiple times")
	}
	labelOffset := int32(len(a.buf))
	for _, ref := range l.refs {
		instOffset := ref - 1
		binary.LittleEndian.PutUint32(a.buf[ref:], uint32(labelOffset-instOffset))
	}
	l.refs = nil
	l.bound = true
	l.offset = labelOffset
}

func (a *Assembler) Nop()   { a.op(OpNOP) }
func (a *Assembler) Ret()   { a.op(OpRET) }
func (a *Assembler) Unit()  { a.op(OpUNIT) }
func (a *Assembler) True()  { a.op(OpTRUE) }
func (a *Assembler) False() { a.op(OpFALSE) }
func (a *Assembler) Neg()   { a.op(OpNEG) }
func (a *Assembler) Not()   { a.op(OpNOT) }
func (a *Assembler) Add()   { a.op(OpADD) }
func (a *Assembler) Sub()   { a.op(OpSUB) }
func (a *Assembler) Mul()   { a.op(OpMUL) }
func (a *Assembler) Div()   { a.op(OpDIV) }
func (a *Assembler) Mod()   { a.op(OpMOD) }
func (a *Assembler) Shl()   { a.op(OpSHL) }
func (a *Assembler) Shr()   { a.op(OpSHR) }
func (a *Assembler) Asr()   { a.op(OpASR) }
func (a *Assembler) And()   { a.op(OpAND) }
func (a *Assembler) Or()    { a.op(OpOR) }
func (a *Assembler) Xor()   { a.op(OpXOR) }
func (a *Assembler) Lt()    { a.op(OpLT) }
func (a *Assembler) Le()    { a.op(OpLE) }
func (a *Assembler) Gt()    { a.op(OpGT) }
func (a *Assembler) Ge()    { a.op(OpGE) }
func (a *Assembler) Eq()    { a.op(OpEQ) }
func (a *Assembler) Ne()    { a.op(OpNE) }

func (a *Assembler) Sys(sys Sys) { a.op8(OpSYS, byte(sys)) }

func (a *Assembler) LoadArg(slot uint16)    { a.op16(OpLOADARG, slot) }
func (a *Assembler) LoadLocal(slot uint16)  { a.op16(OpLOADLOCAL, slot) }
func (a *Assembler) StoreArg(slot uint16)   { a.op16(OpSTOREARG, slot) }
func (a *Assembler) StoreLocal(slot uint16) { a.op16(OpSTORELOCAL, slot) }

func (a *Assembler) Call(index uint32) { a.op32(OpCALL, index) }

func (a *Assembler) Int64(n int64) { a.op64(OpINT64, uint64(n)) }

func (a *Assembler) B(l *Label)   { a.opLabel(OpB, l) }
func (a *Assembler) Bif(l *Label) { a.opLabel(OpBIF, l) }

func (a *Assembler) ensureSpace(n int) bool {
	if a.err != nil {
		return false
	}
	if len(a.buf)+n > MaxFunctionSize {
		a.err = fmt.Errorf("maximum function size exceeded")
		return false
	}
	return true
}

func (a *Assembler) op(op Op) {
	if a.ensureSpace(1) {
		a.buf = append(a.buf, byte(op))
	}
}

func (a *Assembler) op8(op Op, v byte) {
	if a.ensureSpace(2) {
		a.buf = append(a.buf, byte(op), v)
	}
}

func (a *Assembler) op16(op Op, v uint16) {
	if a.ensureSpace(3) {
		a.buf = append(a.buf, byte(op), 0, 0)
		binary.LittleEndian.PutUint16(a.buf[len(a.buf)-2:], v)
	}
}

func (a *Assembler) op32(op Op, v uint32) {
	if a.ensureSpace(5) {
		a.buf = append(a.buf, byte(op), 0, 0, 0, 0)
		binary.LittleEndian.PutUint32(a.buf[len(a.buf)-4:], v)
	}
}

func (a *Assembler) op64(op Op, v uint64) {
	if a.ensureSpace(9) {
		a.buf = append(a.buf, byte(op), 0, 0, 0, 0, 0, 0, 0, 0)
		binary.LittleEndian.PutUint64(a.buf[len(a.buf)-8:], v)
	}
}

func (a *Assembler) opLabel(op Op, l *Label) {
	instOffset := int32(len(a.buf))
	if !a.ensureSpace(5) {
		return
	}
	a.buf = append(a.buf, byte(op), 0, 0, 0, 0)
	if l.bound {
		binary.LittleEndian.PutUint32(a.buf[instOffset+1:], uint32(l.offset-instOffset))
	} else {
		l.refs = append(l.refs, instOffset+1)
	}
}
