package vm

import (
	"bytes"
	"testing"
)

func TestManifestRoundTrip(t *testing.T) {
	p := mustAssemble(t, callSrc)

	var buf bytes.Buffer
	if err := WriteManifest(&buf, p); err != nil {
		t.Fatal(err)
	}
	m, err := ReadManifest(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if m.FunctionCount != 2 || len(m.Functions) != 2 {
		t.Fatalf("manifest has %d/%d functions, want 2", m.FunctionCount, len(m.Functions))
	}
	if m.Functions[0].Name != "add" || m.Functions[1].Name != "main" {
		t.Errorf("names = %q, %q", m.Functions[0].Name, m.Functions[1].Name)
	}
	f, err := p.FunctionByIndex(0)
	if err != nil {
		t.Fatal(err)
	}
	if m.Functions[0].InstSize != f.InstSize() {
		t.Errorf("InstSize = %d, want %d", m.Functions[0].InstSize, f.InstSize())
	}
}

func TestManifestDeterministic(t *testing.T) {
	p := mustAssemble(t, callSrc)
	var a, b bytes.Buffer
	if err := WriteManifest(&a, p); err != nil {
		t.Fatal(err)
	}
	if err := WriteManifest(&b, p); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("manifest encoding is not deterministic")
	}
}

func TestManifestHashTracksInsts(t *testing.T) {
	p1 := mustAssemble(t, "function main() { int64 0; sys exit }")
	p2 := mustAssemble(t, "function main() { int64 1; sys exit }")
	m1, err := BuildManifest(p1)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := BuildManifest(p2)
	if err != nil {
		t.Fatal(err)
	}
	if m1.Functions[0].SHA256 == m2.Functions[0].SHA256 {
		t.Error("different bytecode produced identical hashes")
	}
}
