package vm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/chazu/codeswitch/platform"
)

const callSrc = `
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

func TestWriteReadRoundTrip(t *testing.T) {
	p := mustAssemble(t, callSrc)
	path := filepath.Join(t.TempDir(), "out.cswp")
	if err := p.WriteFile(path); err != nil {
		t.Fatal(err)
	}

	p2, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Close()

	if p2.FunctionCount() != p.FunctionCount() {
		t.Fatalf("FunctionCount() = %d, want %d", p2.FunctionCount(), p.FunctionCount())
	}
	for i := uint32(0); i < p.FunctionCount(); i++ {
		a, err := p.FunctionByIndex(i)
		if err != nil {
			t.Fatal(err)
		}
		b, err := p2.FunctionByIndex(i)
		if err != nil {
			t.Fatal(err)
		}
		if a.Name() != b.Name() {
			t.Errorf("function %d: name %q, want %q", i, b.Name(), a.Name())
		}
		if !bytes.Equal(a.Insts(), b.Insts()) {
			t.Errorf("function %d: insts differ", i)
		}
		if !typesEqual(a.ParamTypes, b.ParamTypes) || !typesEqual(a.ReturnTypes, b.ReturnTypes) {
			t.Errorf("function %d: signatures differ", i)
		}
		if !a.Safepoints().Equal(b.Safepoints()) {
			t.Errorf("function %d: safepoints differ", i)
		}
	}

	// The reloaded package passes validation: its stored safepoints match
	// a fresh build.
	if err := p2.Validate(); err != nil {
		t.Errorf("Validate reloaded package: %v", err)
	}
}

func TestReadFileByName(t *testing.T) {
	p := mustAssemble(t, callSrc)
	path := filepath.Join(t.TempDir(), "out.cswp")
	if err := p.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	p2, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Close()

	f, err := p2.FunctionByName("add")
	if err != nil {
		t.Fatal(err)
	}
	if f.Index() != 0 {
		t.Errorf("Index() = %d, want 0", f.Index())
	}
	if _, err := p2.FunctionByName("missing"); err == nil {
		t.Error("FunctionByName(missing) should fail")
	}
}

func TestStringsDeduplicated(t *testing.T) {
	// Both functions are named distinctly but reference each other; the
	// string section must hold each name once.
	p := mustAssemble(t, `
function loop() { call loop2; ret }
function loop2() { call loop; ret }
function main() { int64 0; sys exit }
`)
	path := filepath.Join(t.TempDir(), "out.cswp")
	if err := p.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	p2, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Close()
	if got := p2.stringSection.entryCount; got != 3 {
		t.Errorf("string entry count = %d, want 3", got)
	}
}

func TestReadFileHeaderErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o666); err != nil {
			t.Fatal(err)
		}
		return path
	}

	good := func() []byte {
		p := mustAssemble(t, "function main() { int64 0; sys exit }")
		path := filepath.Join(dir, "good.cswp")
		if err := p.WriteFile(path); err != nil {
			t.Fatal(err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}()

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"truncated", func(b []byte) []byte { return b[:4] }},
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"bad version", func(b []byte) []byte { b[4] = 9; return b }},
		{"bad word size", func(b []byte) []byte { b[5] = 4; return b }},
		{"trailing garbage", func(b []byte) []byte { return append(b, 0) }},
		{"duplicate section", func(b []byte) []byte {
			// Make the type section claim to be a second function section.
			binary.LittleEndian.PutUint32(b[fileHeaderSize+sectionHeaderSize:], sectionFunction)
			return b
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(append([]byte(nil), good...))
			path := write(tt.name, data)
			_, err := ReadFile(path)
			var ferr *platform.FileError
			if !errors.As(err, &ferr) {
				t.Fatalf("ReadFile = %v, want FileError", err)
			}
		})
	}
}

func TestValidateAnnotatesFilename(t *testing.T) {
	// Write a package with bytecode the verifier rejects: safepoints are
	// only installed by Validate, so corrupt the instruction stream after
	// assembly instead. An unconditional nop stream falls off the end.
	p := assemble(t, "function main() { nop; ret }")
	f, err := p.FunctionByIndex(0)
	if err != nil {
		t.Fatal(err)
	}
	f.Insts()[1] = byte(OpNOP) // overwrite ret: now falls off the end
	path := filepath.Join(t.TempDir(), "bad.cswp")

	// Give it a fake safepoint table so WriteFile has one.
	sp, err := newSafepoints(0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	f.safepoints = sp
	if err := p.WriteFile(path); err != nil {
		t.Fatal(err)
	}

	p2, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.Close()
	verr := new(ValidateError)
	if err := p2.Validate(); !errors.As(err, &verr) {
		t.Fatalf("Validate = %v, want ValidateError", err)
	}
	if verr.Filename != path {
		t.Errorf("Filename = %q, want %q", verr.Filename, path)
	}
	if verr.DefName != "main" {
		t.Errorf("DefName = %q, want main", verr.DefName)
	}
}
