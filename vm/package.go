package vm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/codeswitch/platform"
)

// ---------------------------------------------------------------------------
// Package
// ---------------------------------------------------------------------------

var pkgLog = commonlog.GetLogger("codeswitch.package")

// Binary format constants. See the package file layout in package_reader.go
// and package_writer.go.
const (
	packageMagic    uint32 = 0x50575343 // "CSWP", little-endian
	packageVersion         = 0
	packageWordSize        = 8

	fileHeaderSize    = 8
	sectionHeaderSize = 28
	functionEntrySize = 54
	stringEntrySize   = 16

	sectionFunction uint32 = 1
	sectionType     uint32 = 2
	sectionString   uint32 = 3
)

type sectionHeader struct {
	kind       uint32
	offset     uint64
	size       uint64
	entryCount uint32
	entrySize  uint32
}

// Package is a collection of functions plus the interned types and
// deduplicated strings they reference. A package read from a file keeps the
// file mapped and materializes entries on demand; functions, types, and
// strings are copied out of the mapping into heap blocks on first use, so
// references stay valid independently of the mapping.
type Package struct {
	mu       sync.Mutex
	id       uintptr
	filename string
	file     *platform.MappedFile

	functionSection sectionHeader
	typeSection     sectionHeader
	stringSection   sectionHeader

	functions []*Function
	types     []Type
	strings   []String
	byName    map[string]*Function
}

// NewPackage builds an in-memory package from assembled functions. The
// functions' package and index fields are assigned here.
func NewPackage(functions []*Function) *Package {
	p := &Package{functions: functions}
	for i, f := range functions {
		f.pkg = p
		f.index = uint32(i)
	}
	registerPackage(p)
	return p
}

// Filename returns the path the package was read from, if any.
func (p *Package) Filename() string { return p.filename }

// FunctionCount returns the number of functions in the package.
func (p *Package) FunctionCount() uint32 {
	return uint32(len(p.functions))
}

// FunctionByIndex materializes (if needed) and returns function index.
func (p *Package) FunctionByIndex(index uint32) (*Function, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.functionByIndexLocked(index)
}

// FunctionByName returns the function with the given name. The first lookup
// materializes every function to build the name index.
func (p *Package) FunctionByName(name string) (*Function, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.byName == nil {
		if err := p.populateLocked(); err != nil {
			return nil, err
		}
		p.byName = make(map[string]*Function, len(p.functions))
		for _, f := range p.functions {
			p.byName[f.Name()] = f
		}
	}
	f, ok := p.byName[name]
	if !ok {
		return nil, fmt.Errorf("%s: no function named %q", p.filename, name)
	}
	return f, nil
}

// Validate materializes every function and runs the verifier over each,
// annotating any ValidateError with the package's file path. Packages
// should be validated at least once (at install time, for example) before
// being interpreted.
//
// The package mutex is released before verification: the verifier resolves
// call targets through FunctionByIndex, which takes it again.
func (p *Package) Validate() error {
	p.mu.Lock()
	err := p.populateLocked()
	p.mu.Unlock()
	if err != nil {
		return err
	}
	for _, f := range p.functions {
		if err := f.Validate(); err != nil {
			var verr *ValidateError
			if errors.As(err, &verr) && verr.Filename == "" {
				verr.Filename = p.filename
			}
			return err
		}
	}
	return nil
}

// Close releases the package's heap references, unmaps its file, and
// removes it from the process registry.
func (p *Package) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.functions {
		if f != nil {
			f.release()
			p.functions[i] = nil
		}
	}
	for i := range p.strings {
		p.strings[i].Release()
	}
	unregisterPackage(p)
	if p.file != nil {
		err := p.file.Close()
		p.file = nil
		return err
	}
	return nil
}

func (p *Package) populateLocked() error {
	for i := range p.functions {
		if _, err := p.functionByIndexLocked(uint32(i)); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Package registry
// ---------------------------------------------------------------------------

// The registry assigns each live package a process-unique id. Stack frames
// identify their function and package by (package id, function index), and
// the frame root resolver looks them back up here.
var packageRegistry = struct {
	mu   sync.Mutex
	m    map[uintptr]*Package
	next uintptr
}{m: map[uintptr]*Package{}, next: 1}

func registerPackage(p *Package) {
	packageRegistry.mu.Lock()
	p.id = packageRegistry.next
	packageRegistry.next++
	packageRegistry.m[p.id] = p
	packageRegistry.mu.Unlock()
}

func unregisterPackage(p *Package) {
	packageRegistry.mu.Lock()
	delete(packageRegistry.m, p.id)
	packageRegistry.mu.Unlock()
}

func packageByID(id uintptr) *Package {
	packageRegistry.mu.Lock()
	defer packageRegistry.mu.Unlock()
	return packageRegistry.m[id]
}
