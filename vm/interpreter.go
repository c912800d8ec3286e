package vm

import (
	"fmt"
	"io"
	"math"

	"github.com/chazu/codeswitch/memory"
)

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------

// noSavedIP marks the entry frame, whose RET leaves the interpreter instead
// of resuming a caller.
const noSavedIP = ^uintptr(0)

// Interpret runs entry, which must take no parameters and return no values,
// until it returns, a sys exit is executed, or a fault occurs. A sys exit
// surfaces as an *ExitError carrying the status. Every value occupies one
// stack word; booleans are tested by their low bit, so NOT can complement
// bools and int64s alike.
//
// The entry function and everything it calls must have been verified (see
// Package.Validate) before interpretation.
func Interpret(p *Package, entry *Function, out io.Writer) error {
	if len(entry.ParamTypes) != 0 || len(entry.ReturnTypes) != 0 {
		return fmt.Errorf("entry function %s must take no parameters and return no values", entry.Name())
	}
	if !entry.safepoints.IsSet() {
		return fmt.Errorf("entry function %s has not been verified", entry.Name())
	}

	stack, err := memory.ProcessStacks.Get()
	if err != nil {
		return err
	}
	defer memory.ProcessStacks.Put(stack)

	if err := stack.Check(memory.FrameSaveBytes + uintptr(entry.FrameSize())*memory.WordSize); err != nil {
		return err
	}

	// Registers.
	fn := entry
	pp := p
	insts := fn.Insts()
	ip := 0
	sp := stack.Start()
	var fp memory.Address

	push := func(v uintptr) {
		sp -= memory.WordSize
		memory.StoreWord(sp, v)
	}
	pop := func() uintptr {
		v := memory.LoadWord(sp)
		sp += memory.WordSize
		return v
	}
	pushFrame := func(savedIP uintptr) {
		sp -= memory.FrameSaveBytes
		memory.StoreWord(sp+memory.FrameSavedFP, uintptr(fp))
		memory.StoreWord(sp+memory.FrameSavedIP, savedIP)
		memory.StoreWord(sp+memory.FrameSavedFn, uintptr(fn.index))
		memory.StoreWord(sp+memory.FrameSavedPackage, pp.id)
		fp = sp
	}

	pushFrame(noSavedIP)
	stack.SP, stack.FP = sp, fp

	for {
		op := Op(insts[ip])
		switch op {
		case OpNOP:
			ip++

		case OpUNIT, OpFALSE:
			push(0)
			ip++

		case OpTRUE:
			push(1)
			ip++

		case OpINT64:
			push(uintptr(decodeI64(insts, ip)))
			ip += 9

		case OpNEG:
			memory.StoreWord(sp, uintptr(-int64(memory.LoadWord(sp))))
			ip++

		case OpNOT:
			memory.StoreWord(sp, ^memory.LoadWord(sp))
			ip++

		case OpADD:
			y := int64(pop())
			memory.StoreWord(sp, uintptr(int64(memory.LoadWord(sp))+y))
			ip++

		case OpSUB:
			y := int64(pop())
			memory.StoreWord(sp, uintptr(int64(memory.LoadWord(sp))-y))
			ip++

		case OpMUL:
			y := int64(pop())
			memory.StoreWord(sp, uintptr(int64(memory.LoadWord(sp))*y))
			ip++

		case OpDIV:
			y := int64(pop())
			x := int64(memory.LoadWord(sp))
			if y == 0 {
				return &RuntimeError{Function: fn.Name(), Offset: ip, Message: "integer divide by zero"}
			}
			if x == math.MinInt64 && y == -1 {
				memory.StoreWord(sp, uintptr(x))
			} else {
				memory.StoreWord(sp, uintptr(x/y))
			}
			ip++

		case OpMOD:
			y := int64(pop())
			x := int64(memory.LoadWord(sp))
			if y == 0 {
				return &RuntimeError{Function: fn.Name(), Offset: ip, Message: "integer divide by zero"}
			}
			if x == math.MinInt64 && y == -1 {
				memory.StoreWord(sp, 0)
			} else {
				memory.StoreWord(sp, uintptr(x%y))
			}
			ip++

		case OpSHL:
			y := uint64(pop())
			x := int64(memory.LoadWord(sp))
			if y >= 64 {
				memory.StoreWord(sp, 0)
			} else {
				memory.StoreWord(sp, uintptr(x<<y))
			}
			ip++

		case OpSHR:
			y := uint64(pop())
			x := uint64(memory.LoadWord(sp))
			if y >= 64 {
				memory.StoreWord(sp, 0)
			} else {
				memory.StoreWord(sp, uintptr(x>>y))
			}
			ip++

		case OpASR:
			y := uint64(pop())
			x := int64(memory.LoadWord(sp))
			if y >= 64 {
				y = 63
			}
			memory.StoreWord(sp, uintptr(x>>y))
			ip++

		case OpAND:
			y := pop()
			memory.StoreWord(sp, memory.LoadWord(sp)&y)
			ip++

		case OpOR:
			y := pop()
			memory.StoreWord(sp, memory.LoadWord(sp)|y)
			ip++

		case OpXOR:
			y := pop()
			memory.StoreWord(sp, memory.LoadWord(sp)^y)
			ip++

		case OpLT:
			y := int64(pop())
			memory.StoreWord(sp, boolWord(int64(memory.LoadWord(sp)) < y))
			ip++

		case OpLE:
			y := int64(pop())
			memory.StoreWord(sp, boolWord(int64(memory.LoadWord(sp)) <= y))
			ip++

		case OpGT:
			y := int64(pop())
			memory.StoreWord(sp, boolWord(int64(memory.LoadWord(sp)) > y))
			ip++

		case OpGE:
			y := int64(pop())
			memory.StoreWord(sp, boolWord(int64(memory.LoadWord(sp)) >= y))
			ip++

		case OpEQ:
			y := pop()
			memory.StoreWord(sp, boolWord(memory.LoadWord(sp) == y))
			ip++

		case OpNE:
			y := pop()
			memory.StoreWord(sp, boolWord(memory.LoadWord(sp) != y))
			ip++

		case OpLOADARG:
			k := uintptr(decodeU16(insts, ip))
			push(memory.LoadWord(argAddr(fp, fn, k)))
			ip += 3

		case OpSTOREARG:
			k := uintptr(decodeU16(insts, ip))
			memory.StoreWord(argAddr(fp, fn, k), pop())
			ip += 3

		case OpLOADLOCAL:
			k := uintptr(decodeU16(insts, ip))
			push(memory.LoadWord(fp - memory.Address((k+1)*memory.WordSize)))
			ip += 3

		case OpSTORELOCAL:
			k := uintptr(decodeU16(insts, ip))
			memory.StoreWord(fp-memory.Address((k+1)*memory.WordSize), pop())
			ip += 3

		case OpB:
			ip += int(decodeI32(insts, ip))

		case OpBIF:
			if pop()&1 != 0 {
				ip += int(decodeI32(insts, ip))
			} else {
				ip += 5
			}

		case OpCALL:
			stack.SP, stack.FP = sp, fp
			callee, err := pp.FunctionByIndex(decodeU32(insts, ip))
			if err != nil {
				return err
			}
			if err := stack.Check(memory.FrameSaveBytes + uintptr(callee.FrameSize())*memory.WordSize); err != nil {
				return err
			}
			pushFrame(uintptr(ip) + 5)
			fn = callee
			insts = fn.Insts()
			ip = 0
			stack.SP, stack.FP = sp, fp

		case OpRET:
			savedFP := memory.Address(memory.LoadWord(fp + memory.FrameSavedFP))
			savedIP := memory.LoadWord(fp + memory.FrameSavedIP)
			savedFn := uint32(memory.LoadWord(fp + memory.FrameSavedFn))
			savedPkg := uintptr(memory.LoadWord(fp + memory.FrameSavedPackage))

			returnBytes := uintptr(len(fn.ReturnTypes)) * memory.WordSize
			paramBytes := uintptr(len(fn.ParamTypes)) * memory.WordSize
			dst := fp + memory.FrameSaveBytes + memory.Address(paramBytes) - memory.Address(returnBytes)
			copy(memory.BytesAt(dst, returnBytes), memory.BytesAt(sp, returnBytes))
			sp = dst
			fp = savedFP
			stack.SP, stack.FP = sp, fp
			if savedIP == noSavedIP {
				return nil
			}
			pp = packageByID(savedPkg)
			if fn, err = pp.FunctionByIndex(savedFn); err != nil {
				return err
			}
			insts = fn.Insts()
			ip = int(savedIP)

		case OpSYS:
			switch decodeSys(insts, ip) {
			case SysEXIT:
				return &ExitError{Status: int64(pop())}
			case SysPRINTLN:
				if _, err := fmt.Fprintf(out, "%d\n", int64(pop())); err != nil {
					return err
				}
				ip += 2
			default:
				return &RuntimeError{Function: fn.Name(), Offset: ip, Message: "unknown system function"}
			}

		default:
			return &RuntimeError{Function: fn.Name(), Offset: ip, Message: "unknown opcode"}
		}
	}
}

// argAddr returns the address of argument k of the frame at fp. Arguments
// sit above the saved words, the first argument pushed highest.
func argAddr(fp memory.Address, fn *Function, k uintptr) memory.Address {
	n := uintptr(len(fn.ParamTypes))
	return fp + memory.FrameSaveBytes + memory.Address((n-1-k)*memory.WordSize)
}

func boolWord(b bool) uintptr {
	if b {
		return 1
	}
	return 0
}
