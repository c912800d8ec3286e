package vm

import (
	"crypto/sha256"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Manifest: CBOR package fingerprints
// ---------------------------------------------------------------------------

// Manifest is a compact fingerprint of a package for tooling: per-function
// names, sizes, and content hashes over the instruction bytes. It is
// encoded as deterministic CBOR so equal packages produce equal bytes.
type Manifest struct {
	FunctionCount uint32             `cbor:"1,keyasint"`
	Functions     []FunctionManifest `cbor:"2,keyasint"`
}

// FunctionManifest describes one function in a Manifest.
type FunctionManifest struct {
	Name      string   `cbor:"1,keyasint"`
	InstSize  uint32   `cbor:"2,keyasint"`
	FrameSize uint16   `cbor:"3,keyasint"`
	SHA256    [32]byte `cbor:"4,keyasint"`
}

// BuildManifest materializes the package and computes its manifest.
func BuildManifest(p *Package) (*Manifest, error) {
	m := &Manifest{FunctionCount: p.FunctionCount()}
	for i, n := uint32(0), p.FunctionCount(); i < n; i++ {
		f, err := p.FunctionByIndex(i)
		if err != nil {
			return nil, err
		}
		m.Functions = append(m.Functions, FunctionManifest{
			Name:      f.Name(),
			InstSize:  f.InstSize(),
			FrameSize: f.FrameSize(),
			SHA256:    sha256.Sum256(f.Insts()),
		})
	}
	return m, nil
}

// WriteManifest encodes the package's manifest to w.
func WriteManifest(w io.Writer, p *Package) error {
	m, err := BuildManifest(p)
	if err != nil {
		return err
	}
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return err
	}
	data, err := mode.Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadManifest decodes a manifest produced by WriteManifest.
func ReadManifest(r io.Reader) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
