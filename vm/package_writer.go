package vm

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/chazu/codeswitch/platform"
)

// ---------------------------------------------------------------------------
// Package binary writer
// ---------------------------------------------------------------------------

// WriteFile serializes the package to path. The package is fully
// materialized first to normalize its internal lists. The bytes are staged
// into a uniquely named temporary file in the same directory and renamed
// into place, under an advisory lock so concurrent writers to the same path
// cannot interleave.
func (p *Package) WriteFile(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.populateLocked(); err != nil {
		return err
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fileErrorf(path, "lock: %v", err)
	}
	defer lock.Unlock()

	// Deduplicate strings into an entry list and a byte blob.
	stringIndex := map[string]uint32{}
	var stringEntries [][2]uint64 // offset, size
	var stringData []byte
	visitString := func(s string) uint32 {
		if i, ok := stringIndex[s]; ok {
			return i
		}
		i := uint32(len(stringEntries))
		stringIndex[s] = i
		stringEntries = append(stringEntries, [2]uint64{uint64(len(stringData)), uint64(len(s))})
		stringData = append(stringData, s...)
		return i
	}
	nameIndices := make([]uint32, len(p.functions))
	for i, f := range p.functions {
		nameIndices[i] = visitString(f.Name())
	}

	// Linearize each function's parameter and return type lists into one
	// blob. Types are not deduplicated: each function references the
	// beginning offset of its lists and reads that many kinds.
	type typeLocation struct {
		paramOffset, returnOffset uint64
	}
	typeOffsets := make([]typeLocation, len(p.functions))
	var typeData []byte
	writeTypes := func(types []Type) uint64 {
		off := uint64(len(typeData))
		for _, t := range types {
			typeData = append(typeData, byte(t.Kind))
		}
		return off
	}
	for i, f := range p.functions {
		typeOffsets[i].paramOffset = writeTypes(f.ParamTypes)
		typeOffsets[i].returnOffset = writeTypes(f.ReturnTypes)
	}

	// Linearize instruction and safepoint bytes.
	instOffsets := make([]uint64, len(p.functions))
	safepointOffsets := make([]uint64, len(p.functions))
	var functionData uint64
	for i, f := range p.functions {
		instOffsets[i] = functionData
		functionData += uint64(f.instSize)
		safepointOffsets[i] = functionData
		functionData += uint64(len(f.safepoints.Data()))
	}

	functionSection := sectionHeader{
		kind:       sectionFunction,
		offset:     uint64(fileHeaderSize + 3*sectionHeaderSize),
		size:       uint64(len(p.functions))*functionEntrySize + functionData,
		entryCount: uint32(len(p.functions)),
		entrySize:  functionEntrySize,
	}
	typeSection := sectionHeader{
		kind:   sectionType,
		offset: functionSection.offset + functionSection.size,
		size:   uint64(len(typeData)),
	}
	stringSection := sectionHeader{
		kind:       sectionString,
		offset:     typeSection.offset + typeSection.size,
		size:       uint64(len(stringEntries))*stringEntrySize + uint64(len(stringData)),
		entryCount: uint32(len(stringEntries)),
		entrySize:  stringEntrySize,
	}
	fileSize := stringSection.offset + stringSection.size

	tmp := filepath.Join(filepath.Dir(path),
		fmt.Sprintf(".%s.%s.tmp", filepath.Base(path), uuid.NewString()))
	file, err := platform.CreateMapped(tmp, int64(fileSize), 0o666)
	if err != nil {
		return err
	}

	w := &fileWriter{data: file.Data}
	w.u32(packageMagic)
	w.u8(packageVersion)
	w.u8(packageWordSize)
	w.u16(3)
	for _, sh := range []sectionHeader{functionSection, typeSection, stringSection} {
		w.u32(sh.kind)
		w.u64(sh.offset)
		w.u64(sh.size)
		w.u32(sh.entryCount)
		w.u32(sh.entrySize)
	}

	// Function section: entries, then instruction and safepoint data.
	for i, f := range p.functions {
		w.u32(nameIndices[i])
		w.u64(typeOffsets[i].paramOffset)
		w.u32(uint32(len(f.ParamTypes)))
		w.u64(typeOffsets[i].returnOffset)
		w.u32(uint32(len(f.ReturnTypes)))
		w.u64(instOffsets[i])
		w.u32(f.instSize)
		w.u64(safepointOffsets[i])
		w.u32(uint32(f.safepoints.Count()))
		w.u16(f.safepoints.FrameSize())
	}
	for _, f := range p.functions {
		w.bytes(f.Insts())
		w.bytes(f.safepoints.Data())
	}

	// Type section.
	w.bytes(typeData)

	// String section: entries, then string data.
	for _, e := range stringEntries {
		w.u64(e[0])
		w.u64(e[1])
	}
	w.bytes(stringData)

	if uint64(w.pos) != fileSize {
		file.Close()
		os.Remove(tmp)
		return fileErrorf(path, "internal error: wrote %d bytes, computed %d", w.pos, fileSize)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fileErrorf(path, "rename: %v", err)
	}
	pkgLog.Debugf("wrote %s: %d function(s), %d bytes", path, len(p.functions), fileSize)
	return nil
}

type fileWriter struct {
	data []byte
	pos  int
}

func (w *fileWriter) u8(v uint8) {
	w.data[w.pos] = v
	w.pos++
}

func (w *fileWriter) u16(v uint16) {
	binary.LittleEndian.PutUint16(w.data[w.pos:], v)
	w.pos += 2
}

func (w *fileWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.data[w.pos:], v)
	w.pos += 4
}

func (w *fileWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(w.data[w.pos:], v)
	w.pos += 8
}

func (w *fileWriter) bytes(b []byte) {
	copy(w.data[w.pos:], b)
	w.pos += len(b)
}
