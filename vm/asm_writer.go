package vm

import (
	"fmt"
	"io"
)

// ---------------------------------------------------------------------------
// Assembly text writer (disassembler)
// ---------------------------------------------------------------------------

// WritePackageAsm writes the package as assembly text that ReadPackageAsm
// accepts. Branch targets are given synthetic labels L1, L2, ... in the
// order they are discovered; call operands are printed as callee names.
func WritePackageAsm(w io.Writer, p *Package) error {
	sep := ""
	for i, n := uint32(0), p.FunctionCount(); i < n; i++ {
		f, err := p.FunctionByIndex(i)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, sep); err != nil {
			return err
		}
		sep = "\n\n"
		if err := writeFunctionAsm(w, p, f); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func writeFunctionAsm(w io.Writer, p *Package, f *Function) error {
	if _, err := fmt.Fprintf(w, "function %s", f.Name()); err != nil {
		return err
	}
	if err := writeTypeList(w, f.ParamTypes, true); err != nil {
		return err
	}
	if len(f.ReturnTypes) > 0 {
		if _, err := io.WriteString(w, " -> "); err != nil {
			return err
		}
		if err := writeTypeList(w, f.ReturnTypes, false); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, " {\n"); err != nil {
		return err
	}

	insts := f.Insts()

	// First pass: find branch targets and assign label numbers.
	labels := map[int]int{}
	next := 1
	for off := 0; off < len(insts); {
		op := Op(insts[off])
		size := op.Size()
		if size == 0 || off+size > len(insts) {
			return fmt.Errorf("%s: bad instruction at offset %d", f.Name(), off)
		}
		if op == OpB || op == OpBIF {
			target := off + int(decodeI32(insts, off))
			if _, ok := labels[target]; !ok {
				labels[target] = next
				next++
			}
		}
		off += size
	}

	sep := ""
	for off := 0; off < len(insts); {
		op := Op(insts[off])
		if _, err := io.WriteString(w, sep); err != nil {
			return err
		}
		sep = "\n"
		if index, ok := labels[off]; ok {
			if _, err := fmt.Fprintf(w, "L%d:\n", index); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "  %s", op.Mnemonic()); err != nil {
			return err
		}

		var err error
		switch op {
		case OpB, OpBIF:
			target := off + int(decodeI32(insts, off))
			_, err = fmt.Fprintf(w, " L%d", labels[target])
		case OpCALL:
			var callee *Function
			if callee, err = p.FunctionByIndex(decodeU32(insts, off)); err == nil {
				_, err = fmt.Fprintf(w, " %s", callee.Name())
			}
		case OpINT64:
			_, err = fmt.Fprintf(w, " %d", decodeI64(insts, off))
		case OpLOADARG, OpLOADLOCAL, OpSTOREARG, OpSTORELOCAL:
			_, err = fmt.Fprintf(w, " %d", decodeU16(insts, off))
		case OpSYS:
			_, err = fmt.Fprintf(w, " %s", decodeSys(insts, off).Mnemonic())
		}
		if err != nil {
			return err
		}
		off += op.Size()
	}
	_, err := io.WriteString(w, "\n}")
	return err
}

func writeTypeList(w io.Writer, types []Type, always bool) error {
	if len(types) == 0 {
		if !always {
			return nil
		}
		_, err := io.WriteString(w, "()")
		return err
	}
	if _, err := io.WriteString(w, "("); err != nil {
		return err
	}
	sep := ""
	for _, t := range types {
		if _, err := fmt.Fprintf(w, "%s%s", sep, t); err != nil {
			return err
		}
		sep = ", "
	}
	_, err := io.WriteString(w, ")")
	return err
}
