package vm

import (
	"encoding/binary"
	"sort"
)

// ---------------------------------------------------------------------------
// Verifier and safepoint builder
// ---------------------------------------------------------------------------

// The verifier is a forward abstract interpretation over the function's
// control flow graph. It carries an abstract operand stack of types; since
// every value occupies one stack word, the frame size at a program point is
// the depth of that stack. Branches discover successor blocks as they are
// encountered; a branch to a known block requires the abstract stack to
// match that block's exactly. After the worklist drains, the visited blocks
// must tile the instruction stream with no gaps.
//
// Safepoints are recorded at the PC after each CALL and each allocating sys.
// No type in the current universe is a pointer, so the recorded bitmaps are
// zero; their geometry still depends on the final frame size, so entry bytes
// are assembled after the walk.

type verifyBlock struct {
	types []Type
	begin int
	end   int // one past the terminator; 0 while unvisited
}

type verifier struct {
	fn         *Function
	insts      []byte
	blocks     map[int]*verifyBlock
	worklist   []int
	maxFrame   int
	safepoints []int
}

// verify validates f and returns its rebuilt safepoint table.
func verify(f *Function) (Safepoints, error) {
	v := &verifier{
		fn:     f,
		insts:  f.Insts(),
		blocks: map[int]*verifyBlock{},
	}
	v.blocks[0] = &verifyBlock{begin: 0}
	v.worklist = append(v.worklist, 0)

	for len(v.worklist) > 0 {
		begin := v.worklist[len(v.worklist)-1]
		v.worklist = v.worklist[:len(v.worklist)-1]
		b := v.blocks[begin]
		if b.end > 0 {
			continue
		}
		if err := v.visit(b); err != nil {
			return Safepoints{}, err
		}
	}

	if err := v.checkDeadSpace(); err != nil {
		return Safepoints{}, err
	}
	if v.maxFrame > 0xFFFF {
		return Safepoints{}, validateErrorf(v.fn.Name(), "frame size %d overflows", v.maxFrame)
	}
	return v.buildSafepoints()
}

func (v *verifier) visit(b *verifyBlock) error {
	name := v.fn.Name()
	types := append([]Type(nil), b.types...)

	push := func(t Type) {
		types = append(types, t)
		if len(types) > v.maxFrame {
			v.maxFrame = len(types)
		}
	}
	pop := func() {
		types = types[:len(types)-1]
	}
	checkType := func(off int, op Op, want Type, i, nops int) error {
		if len(types) < nops {
			return validateErrorf(name, "at offset %d, %s instruction needs %d operand(s) on the stack",
				off, op.Mnemonic(), nops)
		}
		got := types[len(types)-i-1]
		if got != want {
			return validateErrorf(name, "at offset %d, %s instruction expects operand %d to have type %s but found %s",
				off, op.Mnemonic(), i, want, got)
		}
		return nil
	}

	for off := b.begin; ; {
		if off != b.begin {
			if _, ok := v.blocks[off]; ok {
				// Control falls through into a known block.
				b.end = off
				return v.checkBranch(off, OpNOP, 0, types)
			}
		}
		if off >= len(v.insts) {
			return validateErrorf(name, "control falls off the end of the function")
		}
		op := Op(v.insts[off])
		if !op.Valid() {
			return validateErrorf(name, "unknown opcode %d at offset %d", v.insts[off], off)
		}
		size := op.Size()
		if off+size > len(v.insts) {
			return validateErrorf(name, "at offset %d, truncated instruction", off)
		}

		switch op {
		case OpNOP:

		case OpNEG:
			if err := checkType(off, op, Int64, 0, 1); err != nil {
				return err
			}

		case OpNOT:
			want := Bool
			if len(types) > 0 && types[len(types)-1] == Int64 {
				want = Int64
			}
			if err := checkType(off, op, want, 0, 1); err != nil {
				return err
			}

		case OpADD, OpSUB, OpMUL, OpDIV, OpMOD, OpSHL, OpSHR, OpASR:
			if err := checkType(off, op, Int64, 0, 2); err != nil {
				return err
			}
			if err := checkType(off, op, Int64, 1, 2); err != nil {
				return err
			}
			pop()

		case OpAND, OpOR, OpXOR:
			want := Int64
			if len(types) > 0 && types[len(types)-1] == Bool {
				want = Bool
			}
			if err := checkType(off, op, want, 0, 2); err != nil {
				return err
			}
			if err := checkType(off, op, want, 1, 2); err != nil {
				return err
			}
			pop()

		case OpLT, OpLE, OpGT, OpGE:
			if err := checkType(off, op, Int64, 0, 2); err != nil {
				return err
			}
			if err := checkType(off, op, Int64, 1, 2); err != nil {
				return err
			}
			pop()
			pop()
			push(Bool)

		case OpEQ, OpNE:
			if len(types) < 2 {
				return validateErrorf(name, "at offset %d, %s instruction needs 2 operand(s) on the stack",
					off, op.Mnemonic())
			}
			r := types[len(types)-1]
			l := types[len(types)-2]
			if l != r {
				return validateErrorf(name, "at offset %d, %s instruction requires two operands of the same type; got %s and %s",
					off, op.Mnemonic(), l, r)
			}
			pop()
			pop()
			push(Bool)

		case OpUNIT:
			push(Unit)

		case OpTRUE, OpFALSE:
			push(Bool)

		case OpINT64:
			push(Int64)

		case OpLOADARG:
			index := int(decodeU16(v.insts, off))
			if index >= len(v.fn.ParamTypes) {
				return validateErrorf(name, "at offset %d, %s instruction loads argument %d but there are %d parameter(s)",
					off, op.Mnemonic(), index, len(v.fn.ParamTypes))
			}
			push(v.fn.ParamTypes[index])

		case OpSTOREARG:
			if len(types) == 0 {
				return validateErrorf(name, "at offset %d, %s instruction with empty stack", off, op.Mnemonic())
			}
			t := types[len(types)-1]
			pop()
			index := int(decodeU16(v.insts, off))
			if index >= len(v.fn.ParamTypes) {
				return validateErrorf(name, "at offset %d, %s instruction stores argument %d but there are %d parameter(s)",
					off, op.Mnemonic(), index, len(v.fn.ParamTypes))
			}
			if v.fn.ParamTypes[index] != t {
				return validateErrorf(name, "at offset %d, %s instruction stores argument %d with type %s but operand has type %s",
					off, op.Mnemonic(), index, v.fn.ParamTypes[index], t)
			}

		case OpLOADLOCAL:
			index := int(decodeU16(v.insts, off))
			if index >= len(types) {
				return validateErrorf(name, "at offset %d, %s instruction loads local %d but there are %d locals",
					off, op.Mnemonic(), index, len(types))
			}
			push(types[index])

		case OpSTORELOCAL:
			if len(types) == 0 {
				return validateErrorf(name, "at offset %d, %s instruction with empty stack", off, op.Mnemonic())
			}
			index := int(decodeU16(v.insts, off))
			if index >= len(types)-1 {
				return validateErrorf(name, "at offset %d, %s instruction stores local %d but there are %d locals",
					off, op.Mnemonic(), index, len(types)-1)
			}
			t := types[len(types)-1]
			pop()
			types[index] = t

		case OpCALL:
			index := decodeU32(v.insts, off)
			if index >= v.fn.pkg.FunctionCount() {
				return validateErrorf(name, "at offset %d, %s instruction has invalid function index %d",
					off, op.Mnemonic(), index)
			}
			callee, err := v.fn.pkg.FunctionByIndex(index)
			if err != nil {
				return err
			}
			n := len(callee.ParamTypes)
			for i := 0; i < n; i++ {
				if err := checkType(off, op, callee.ParamTypes[i], n-i-1, n); err != nil {
					return err
				}
			}
			types = types[:len(types)-n]
			for _, t := range callee.ReturnTypes {
				push(t)
			}
			v.safepoints = append(v.safepoints, off+size)

		case OpB:
			b.end = off + size
			rel := decodeI32(v.insts, off)
			return v.checkBranch(off, op, rel, types)

		case OpBIF:
			if err := checkType(off, op, Bool, 0, 1); err != nil {
				return err
			}
			pop()
			b.end = off + size
			rel := decodeI32(v.insts, off)
			if err := v.checkBranch(off, op, rel, types); err != nil {
				return err
			}
			return v.checkBranch(off, op, int32(size), types)

		case OpRET:
			n := len(v.fn.ReturnTypes)
			for i := 0; i < n; i++ {
				if err := checkType(off, op, v.fn.ReturnTypes[i], n-i-1, n); err != nil {
					return err
				}
			}
			b.end = off + size
			return nil

		case OpSYS:
			switch decodeSys(v.insts, off) {
			case SysEXIT:
				if err := checkType(off, op, Int64, 0, 1); err != nil {
					return err
				}
				pop()
				b.end = off + size
				return nil
			case SysPRINTLN:
				if err := checkType(off, op, Int64, 0, 1); err != nil {
					return err
				}
				pop()
				v.safepoints = append(v.safepoints, off+size)
			default:
				return validateErrorf(name, "at offset %d, %s instruction with unknown system function",
					off, op.Mnemonic())
			}
		}

		off += size
	}
}

// checkBranch resolves a branch target, discovering a new block or checking
// the abstract stack against a known one.
func (v *verifier) checkBranch(off int, op Op, rel int32, types []Type) error {
	name := v.fn.Name()
	target := int64(off) + int64(rel)
	if target < 0 || target >= int64(len(v.insts)) {
		return validateErrorf(name, "at offset %d, instruction %s has target offset %d out of range",
			off, op.Mnemonic(), rel)
	}
	t := int(target)
	known, ok := v.blocks[t]
	if !ok {
		v.blocks[t] = &verifyBlock{types: append([]Type(nil), types...), begin: t}
		v.worklist = append(v.worklist, t)
		// A target inside an already visited block splits it: that block is
		// visited again and then ends where the new block begins.
		for _, other := range v.blocks {
			if other.begin < t && t < other.end {
				other.end = 0
				v.worklist = append(v.worklist, other.begin)
			}
		}
		return nil
	}
	if len(known.types) != len(types) {
		return validateErrorf(name, "at offset %d, branch to block at %d with stack depth %d but another branch to the same block has stack depth %d",
			off, t, len(types), len(known.types))
	}
	for i := range types {
		if known.types[i] != types[i] {
			return validateErrorf(name, "at offset %d, branch to block at %d with type %s in stack slot %d but another branch to the same block has type %s",
				off, t, types[i], len(types)-i-1, known.types[i])
		}
	}
	if known.end == 0 {
		v.worklist = append(v.worklist, t)
	}
	return nil
}

// checkDeadSpace verifies the visited blocks tile the whole instruction
// stream.
func (v *verifier) checkDeadSpace() error {
	begins := make([]int, 0, len(v.blocks))
	for begin := range v.blocks {
		begins = append(begins, begin)
	}
	sort.Ints(begins)
	prevEnd := 0
	for _, begin := range begins {
		if begin != prevEnd {
			return validateErrorf(v.fn.Name(), "block starting at %d does not start immediately after previous block", begin)
		}
		prevEnd = v.blocks[begin].end
	}
	if prevEnd != len(v.insts) {
		return validateErrorf(v.fn.Name(), "blocks end at %d but function is %d bytes", prevEnd, len(v.insts))
	}
	return nil
}

// buildSafepoints assembles the sorted entry bytes with the final frame
// geometry.
func (v *verifier) buildSafepoints() (Safepoints, error) {
	sort.Ints(v.safepoints)
	offsets := make([]int, 0, len(v.safepoints))
	for i, off := range v.safepoints {
		if i == 0 || off != v.safepoints[i-1] {
			offsets = append(offsets, off)
		}
	}
	frameSize := uint16(v.maxFrame)
	entrySize := SafepointBytesPerEntry(frameSize)
	data := make([]byte, len(offsets)*entrySize)
	for i, off := range offsets {
		binary.LittleEndian.PutUint32(data[i*entrySize:], uint32(off))
	}
	return newSafepoints(frameSize, len(offsets), data)
}
