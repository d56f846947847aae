//go:build darwin

package objfile

import (
	"bytes"
	"debug/macho"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MappedFile is a read-only memory mapped view of an object file on
// disk. Section contents returned from it alias the mapping and stay
// valid until Close.
type MappedFile struct {
	f    *os.File
	data []byte
	obj  *macho.File
}

// OpenMapped maps the object file at path into memory.
func OpenMapped(path string) (*MappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() <= 0 {
		f.Close()
		return nil, fmt.Errorf("%s: empty file", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %v", path, err)
	}
	obj, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}
	return &MappedFile{f: f, data: data, obj: obj}, nil
}

// EhFrame returns the exception frame section contents and its link-time
// virtual address.
func (mf *MappedFile) EhFrame() ([]byte, uint64, error) {
	return mf.section("__eh_frame")
}

// Text returns the text section. Symbolication consumers index into it,
// the unwinder itself never reads code bytes.
func (mf *MappedFile) Text() ([]byte, uint64, error) {
	return mf.section("__text")
}

func (mf *MappedFile) section(name string) ([]byte, uint64, error) {
	sec := mf.obj.Section(name)
	if sec == nil {
		return nil, 0, fmt.Errorf("no %s section", name)
	}
	off := uint64(sec.Offset)
	if off+sec.Size > uint64(len(mf.data)) {
		return nil, 0, fmt.Errorf("%s section extends past end of file", name)
	}
	return mf.data[off : off+sec.Size], sec.Addr, nil
}

// Close unmaps the file. Section slices become invalid.
func (mf *MappedFile) Close() error {
	mf.obj = nil
	err := unix.Munmap(mf.data)
	mf.data = nil
	if cerr := mf.f.Close(); err == nil {
		err = cerr
	}
	return err
}
