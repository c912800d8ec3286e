package platform

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// FileError reports a failed open, read, write, or map of a file.
type FileError struct {
	Path    string
	Message string
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

func fileErrorf(path, format string, args ...any) *FileError {
	return &FileError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// MappedFile is a file mapped into memory, either read-only (Open) or
// read-write at a fixed size (Create).
type MappedFile struct {
	Path string
	Data []byte
}

// OpenMapped maps an existing file read-only.
func OpenMapped(path string) (*MappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fileErrorf(path, "open: %v", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fileErrorf(path, "stat: %v", err)
	}
	size := info.Size()
	if size == 0 {
		return &MappedFile{Path: path}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fileErrorf(path, "map: %v", err)
	}
	return &MappedFile{Path: path, Data: data}, nil
}

// CreateMapped creates (or truncates) a file of exactly size bytes and maps
// it read-write. The caller fills Data and then calls Close.
func CreateMapped(path string, size int64, perm os.FileMode) (*MappedFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return nil, fileErrorf(path, "create: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return nil, fileErrorf(path, "truncate: %v", err)
	}
	if size == 0 {
		return &MappedFile{Path: path}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fileErrorf(path, "map: %v", err)
	}
	return &MappedFile{Path: path, Data: data}, nil
}

// Close unmaps the file. Data must not be touched afterwards.
func (m *MappedFile) Close() error {
	if m.Data == nil {
		return nil
	}
	err := unix.Munmap(m.Data)
	m.Data = nil
	return err
}

func sliceBase(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
