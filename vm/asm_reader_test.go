package vm

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestReadPackageAsmSimple(t *testing.T) {
	p := assemble(t, "function main() { int64 0; sys exit }")
	if p.FunctionCount() != 1 {
		t.Fatalf("FunctionCount() = %d, want 1", p.FunctionCount())
	}
	f, err := p.FunctionByIndex(0)
	if err != nil {
		t.Fatal(err)
	}
	if f.Name() != "main" {
		t.Errorf("Name() = %q, want %q", f.Name(), "main")
	}
	want := []byte{
		byte(OpINT64), 0, 0, 0, 0, 0, 0, 0, 0,
		byte(OpSYS), byte(SysEXIT),
	}
	if !bytes.Equal(f.Insts(), want) {
		t.Errorf("Insts() = % x, want % x", f.Insts(), want)
	}
}

func TestReadPackageAsmSignature(t *testing.T) {
	p := assemble(t, `
function add(int64, int64) -> (int64) {
  loadarg 0
  loadarg 1
  add
  ret
}
`)
	f, err := p.FunctionByIndex(0)
	if err != nil {
		t.Fatal(err)
	}
	if !typesEqual(f.ParamTypes, []Type{Int64, Int64}) {
		t.Errorf("ParamTypes = %v", f.ParamTypes)
	}
	if !typesEqual(f.ReturnTypes, []Type{Int64}) {
		t.Errorf("ReturnTypes = %v", f.ReturnTypes)
	}
}

func TestReadPackageAsmBranches(t *testing.T) {
	p := assemble(t, "function main() { int64 1; int64 1; eq; bif L1; int64 10; sys println; b L2; L1: int64 20; sys println; L2: int64 0; sys exit }")
	insts := functionInsts(t, p, 0)

	// bif is at offset 19 after two int64 pushes and eq; its target L1 is
	// the int64 20 at offset 40.
	if Op(insts[19]) != OpBIF {
		t.Fatalf("opcode at 19 = %s, want bif", Op(insts[19]))
	}
	if rel := decodeI32(insts, 19); 19+int(rel) != 40 {
		t.Errorf("bif target = %d, want 40", 19+int(rel))
	}
	// b at offset 35 targets L2 at offset 51.
	if Op(insts[35]) != OpB {
		t.Fatalf("opcode at 35 = %s, want b", Op(insts[35]))
	}
	if rel := decodeI32(insts, 35); 35+int(rel) != 51 {
		t.Errorf("b target = %d, want 51", 35+int(rel))
	}
}

func TestReadPackageAsmErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown instruction", "function main() { bogus }", "unknown instruction"},
		{"unknown type", "function main(float64) { ret }", "unknown type"},
		{"undefined function", "function main() { call missing }", "undefined function"},
		{"unbound label", "function main() { b nowhere }", "unbound label"},
		{"duplicate label", "function main() { L1: nop; L1: nop; ret }", "bound multiple times"},
		{"operand count", "function main() { int64 }", "must have 1 operand(s)"},
		{"bad sys", "function main() { sys read }", "undefined system function"},
		{"leading zero", "function main() { int64 01 }", "may not start with 0"},
		{"stray slash", "function main() { / }", "unexpected character"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPackageAsm("test.csws", strings.NewReader(tt.src))
			if err == nil {
				t.Fatal("expected error")
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("error %T, want ParseError: %v", err, err)
			}
			if !strings.Contains(perr.Message, tt.want) {
				t.Errorf("error %q does not contain %q", perr.Message, tt.want)
			}
			if perr.Pos.Line == 0 || perr.Pos.Column == 0 {
				t.Errorf("error has no position: %+v", perr.Pos)
			}
		})
	}
}

func TestReadPackageAsmComments(t *testing.T) {
	p := assemble(t, `
// leading comment
function main() {
  int64 0 // trailing comment
  sys exit
}
`)
	insts := functionInsts(t, p, 0)
	if len(insts) != 11 {
		t.Errorf("len(insts) = %d, want 11", len(insts))
	}
}

func TestWritePackageAsmRoundTrip(t *testing.T) {
	src := `
function add(int64, int64) -> (int64) {
  loadarg 0
  loadarg 1
  add
  ret
}

function main() {
  int64 7
  int64 8
  call add
  sys println
  int64 0
  sys exit
}
`
	p := mustAssemble(t, src)

	var out bytes.Buffer
	if err := WritePackageAsm(&out, p); err != nil {
		t.Fatal(err)
	}
	p2, err := ReadPackageAsm("roundtrip.csws", strings.NewReader(out.String()))
	if err != nil {
		t.Fatalf("re-read emitted asm: %v\n%s", err, out.String())
	}
	defer p2.Close()

	if p2.FunctionCount() != p.FunctionCount() {
		t.Fatalf("function count %d, want %d", p2.FunctionCount(), p.FunctionCount())
	}
	for i := uint32(0); i < p.FunctionCount(); i++ {
		a := functionInsts(t, p, i)
		b := functionInsts(t, p2, i)
		if !bytes.Equal(a, b) {
			t.Errorf("function %d: insts differ\n got % x\nwant % x", i, b, a)
		}
	}
}

func TestWritePackageAsmLabels(t *testing.T) {
	src := "function main() { int64 1; int64 1; eq; bif L1; int64 10; sys println; b L2; L1: int64 20; sys println; L2: int64 0; sys exit }"
	p := mustAssemble(t, src)

	var out bytes.Buffer
	if err := WritePackageAsm(&out, p); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	if !strings.Contains(text, "L1:") || !strings.Contains(text, "L2:") {
		t.Fatalf("emitted asm has no labels:\n%s", text)
	}

	p2, err := ReadPackageAsm("labels.csws", strings.NewReader(text))
	if err != nil {
		t.Fatalf("re-read: %v\n%s", err, text)
	}
	defer p2.Close()
	if !bytes.Equal(functionInsts(t, p, 0), functionInsts(t, p2, 0)) {
		t.Error("labelled round trip changed instruction bytes")
	}
}
