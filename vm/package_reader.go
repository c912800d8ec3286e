package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/codeswitch/memory"
	"github.com/chazu/codeswitch/platform"
)

// ---------------------------------------------------------------------------
// Package binary reader
// ---------------------------------------------------------------------------

// The package file is little-endian and random access:
//
//	FileHeader      magic u32, version u8, wordSize u8, sectionCount u16
//	SectionHeader*  kind u32, offset u64, size u64, entryCount u32, entrySize u32
//	sections        tightly packed, in header order
//
// The function section holds fixed-size entries followed by a blob with each
// function's instruction and safepoint bytes. The type section is a blob of
// one-byte type kinds. The string section holds {offset u64, size u64}
// entries followed by the string bytes.

func fileErrorf(path, format string, args ...any) error {
	return &platform.FileError{Path: path, Message: fmt.Sprintf(format, args...)}
}

type functionEntry struct {
	nameIndex        uint32
	paramTypeOffset  uint64
	paramTypeCount   uint32
	returnTypeOffset uint64
	returnTypeCount  uint32
	instOffset       uint64
	instSize         uint32
	safepointOffset  uint64
	safepointCount   uint32
	frameSize        uint16
}

// ReadFile memory-maps a package file, validates its headers, and returns a
// package that materializes functions, types, and strings on demand.
func ReadFile(path string) (*Package, error) {
	file, err := platform.OpenMapped(path)
	if err != nil {
		return nil, err
	}
	p, err := readHeaders(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	registerPackage(p)
	pkgLog.Debugf("opened %s: %d function(s), %d string(s)",
		path, p.functionSection.entryCount, p.stringSection.entryCount)
	return p, nil
}

func readHeaders(file *platform.MappedFile) (*Package, error) {
	path := file.Path
	data := file.Data
	if len(data) < fileHeaderSize {
		return nil, fileErrorf(path, "file is too small to contain file header")
	}
	if binary.LittleEndian.Uint32(data) != packageMagic {
		return nil, fileErrorf(path, "unknown package file format")
	}
	if data[4] != packageVersion {
		return nil, fileErrorf(path, "unknown version of codeswitch package format")
	}
	if data[5] != packageWordSize {
		return nil, fileErrorf(path, "unsupported word size")
	}
	sectionCount := int(binary.LittleEndian.Uint16(data[6:]))

	endOfHeaders := uint64(fileHeaderSize + sectionCount*sectionHeaderSize)
	if endOfHeaders > uint64(len(data)) {
		return nil, fileErrorf(path, "file is too small to contain section headers")
	}

	p := &Package{filename: path, file: file}
	prevEnd := endOfHeaders
	for i := 0; i < sectionCount; i++ {
		var sh sectionHeader
		b := data[fileHeaderSize+i*sectionHeaderSize:]
		sh.kind = binary.LittleEndian.Uint32(b)
		sh.offset = binary.LittleEndian.Uint64(b[4:])
		sh.size = binary.LittleEndian.Uint64(b[12:])
		sh.entryCount = binary.LittleEndian.Uint32(b[20:])
		sh.entrySize = binary.LittleEndian.Uint32(b[24:])

		if uint64(sh.entryCount)*uint64(sh.entrySize) > sh.size {
			return nil, fileErrorf(path, "in section %d, entry data is out of bounds", i)
		}
		if sh.offset != prevEnd {
			return nil, fileErrorf(path, "section %d is not immediately after previous section", i)
		}
		end, carry := addOverflow(prevEnd, sh.size)
		if carry {
			return nil, fileErrorf(path, "overflow when computing end offset of section %d", i)
		}
		prevEnd = end

		switch sh.kind {
		case sectionFunction:
			if p.functionSection.offset > 0 {
				return nil, fileErrorf(path, "duplicate function section")
			}
			if sh.entrySize < functionEntrySize {
				return nil, fileErrorf(path, "function section entries are too small")
			}
			p.functionSection = sh
		case sectionType:
			if p.typeSection.offset > 0 {
				return nil, fileErrorf(path, "duplicate type section")
			}
			p.typeSection = sh
		case sectionString:
			if p.stringSection.offset > 0 {
				return nil, fileErrorf(path, "duplicate string section")
			}
			if sh.entrySize < stringEntrySize {
				return nil, fileErrorf(path, "string section entries are too small")
			}
			p.stringSection = sh
		default:
			// Sections of unknown kind are ignored.
		}
	}
	if prevEnd != uint64(len(data)) {
		return nil, fileErrorf(path, "unexpected space at end of file")
	}

	p.functions = make([]*Function, p.functionSection.entryCount)
	p.types = make([]Type, 0, p.typeSection.entryCount)
	p.strings = make([]String, p.stringSection.entryCount)
	return p, nil
}

func addOverflow(a, b uint64) (uint64, bool) {
	s := a + b
	return s, s < a
}

func (p *Package) functionByIndexLocked(index uint32) (*Function, error) {
	if index >= uint32(len(p.functions)) {
		return nil, fmt.Errorf("%s: function index %d: %w", p.filename, index, &memory.BoundsCheckError{})
	}
	if p.functions[index] != nil {
		return p.functions[index], nil
	}
	if p.file == nil {
		return nil, fmt.Errorf("%s: package is closed", p.filename)
	}

	data := p.file.Data
	sec := p.functionSection
	b := data[sec.offset+uint64(index)*uint64(sec.entrySize):]
	var e functionEntry
	e.nameIndex = binary.LittleEndian.Uint32(b)
	e.paramTypeOffset = binary.LittleEndian.Uint64(b[4:])
	e.paramTypeCount = binary.LittleEndian.Uint32(b[12:])
	e.returnTypeOffset = binary.LittleEndian.Uint64(b[16:])
	e.returnTypeCount = binary.LittleEndian.Uint32(b[24:])
	e.instOffset = binary.LittleEndian.Uint64(b[28:])
	e.instSize = binary.LittleEndian.Uint32(b[36:])
	e.safepointOffset = binary.LittleEndian.Uint64(b[40:])
	e.safepointCount = binary.LittleEndian.Uint32(b[48:])
	e.frameSize = binary.LittleEndian.Uint16(b[52:])

	f := &Function{pkg: p, index: index}

	name, err := p.stringByIndexLocked(e.nameIndex)
	if err != nil {
		return nil, err
	}
	// The function holds its own slot for the name, so Close can release it
	// independently of the package's string list.
	f.name = String{h: name.h.Copy()}
	if f.ParamTypes, err = p.readTypeList(index, e.paramTypeCount, e.paramTypeOffset); err != nil {
		return nil, err
	}
	if f.ReturnTypes, err = p.readTypeList(index, e.returnTypeCount, e.returnTypeOffset); err != nil {
		return nil, err
	}

	// The instruction and safepoint bytes are copied out of the mapping
	// into heap blocks so execution doesn't race unmap.
	blobStart := sec.offset + uint64(sec.entryCount)*uint64(sec.entrySize)
	sectionEnd := sec.offset + sec.size
	instBegin, carry := addOverflow(blobStart, e.instOffset)
	instEnd, carry2 := addOverflow(instBegin, uint64(e.instSize))
	if carry || carry2 || instEnd > sectionEnd {
		return nil, fileErrorf(p.filename, "for function %d, end of instructions outside function section", index)
	}
	if err := f.setInsts(data[instBegin:instEnd]); err != nil {
		return nil, err
	}

	spSize := uint64(SafepointBytesPerEntry(e.frameSize)) * uint64(e.safepointCount)
	spBegin, carry := addOverflow(blobStart, e.safepointOffset)
	spEnd, carry2 := addOverflow(spBegin, spSize)
	if carry || carry2 || spEnd > sectionEnd {
		return nil, fileErrorf(p.filename, "for function %d, end of safepoints outside function section", index)
	}
	sp, err := newSafepoints(e.frameSize, int(e.safepointCount), data[spBegin:spEnd])
	if err != nil {
		return nil, err
	}
	f.safepoints = sp

	p.functions[index] = f
	return f, nil
}

func (p *Package) stringByIndexLocked(index uint32) (String, error) {
	if index >= uint32(len(p.strings)) {
		return String{}, fmt.Errorf("%s: string index %d: %w", p.filename, index, &memory.BoundsCheckError{})
	}
	if !p.strings[index].IsNull() {
		return p.strings[index], nil
	}

	data := p.file.Data
	sec := p.stringSection
	b := data[sec.offset+uint64(index)*uint64(sec.entrySize):]
	offset := binary.LittleEndian.Uint64(b)
	size := binary.LittleEndian.Uint64(b[8:])

	blobStart := sec.offset + uint64(sec.entryCount)*uint64(sec.entrySize)
	sectionEnd := sec.offset + sec.size
	begin, carry := addOverflow(blobStart, offset)
	end, carry2 := addOverflow(begin, size)
	if carry || carry2 || end > sectionEnd {
		return String{}, fileErrorf(p.filename, "for string %d, end of string outside string section", index)
	}
	s, err := NewString(data[begin:end])
	if err != nil {
		return String{}, err
	}
	p.strings[index] = s
	return s, nil
}

func (p *Package) readTypeList(fnIndex, count uint32, offset uint64) ([]Type, error) {
	if count == 0 {
		return nil, nil
	}
	data := p.file.Data
	sec := p.typeSection
	blobStart := sec.offset + uint64(sec.entryCount)*uint64(sec.entrySize)
	begin, carry := addOverflow(blobStart, offset)
	end, carry2 := addOverflow(begin, uint64(count))
	if carry || carry2 || end > sec.offset+sec.size {
		return nil, fileErrorf(p.filename, "for function %d, type list outside type section", fnIndex)
	}
	types := make([]Type, count)
	for i := range types {
		kind := TypeKind(data[begin+uint64(i)])
		switch kind {
		case UnitType, BoolType, Int64Type:
			types[i] = Type{Kind: kind}
		default:
			return nil, fileErrorf(p.filename, "unknown type kind %d", kind)
		}
	}
	return types, nil
}
