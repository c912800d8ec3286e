package vm

import (
	"strings"
	"testing"
)

// assemble parses assembly text into an unvalidated package.
func assemble(t *testing.T, src string) *Package {
	t.Helper()
	p, err := ReadPackageAsm("test.csws", strings.NewReader(src))
	if err != nil {
		t.Fatalf("ReadPackageAsm: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// mustAssemble parses and validates assembly text.
func mustAssemble(t *testing.T, src string) *Package {
	t.Helper()
	p := assemble(t, src)
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return p
}

func functionInsts(t *testing.T, p *Package, index uint32) []byte {
	t.Helper()
	f, err := p.FunctionByIndex(index)
	if err != nil {
		t.Fatalf("FunctionByIndex(%d): %v", index, err)
	}
	return f.Insts()
}
