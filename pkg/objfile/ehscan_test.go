package objfile

import (
	"bytes"
	"encoding/binary"
	"runtime"
	"testing"
	"unsafe"

	"github.com/sticnarf/runwind/pkg/memprobe"
)

func appendU32(b []byte, v uint32) []byte {
	var t [4]byte
	binary.LittleEndian.PutUint32(t[:], v)
	return append(b, t[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var t [8]byte
	binary.LittleEndian.PutUint64(t[:], v)
	return append(b, t[:]...)
}

func bufAddr(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func TestScanEhFrame(t *testing.T) {
	probe := memprobe.New()
	defer probe.Close()

	// two records followed by a terminator, then trailing garbage that
	// the scan must not include
	var section []byte
	section = appendU32(section, 12)
	section = append(section, make([]byte, 12)...)
	section = appendU32(section, 20)
	section = append(section, make([]byte, 20)...)
	section = appendU32(section, 0)
	want := len(section)
	section = append(section, 0xde, 0xad, 0xbe, 0xef)

	data, err := scanEhFrame(probe, bufAddr(section))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != want {
		t.Fatalf("scanned %d bytes, want %d", len(data), want)
	}
	if !bytes.Equal(data, section[:want]) {
		t.Fatal("scanned data does not match the section")
	}
}

func TestScanEhFrameExtendedLength(t *testing.T) {
	probe := memprobe.New()
	defer probe.Close()

	var section []byte
	section = appendU32(section, 0xffffffff)
	section = appendU64(section, 16)
	section = append(section, make([]byte, 16)...)
	section = appendU32(section, 0)

	data, err := scanEhFrame(probe, bufAddr(section))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != len(section) {
		t.Fatalf("scanned %d bytes, want %d", len(data), len(section))
	}
	runtime.KeepAlive(section)
}

func TestScanEhFrameUnreadable(t *testing.T) {
	probe := memprobe.New()
	defer probe.Close()

	// the zero page is never mapped
	if _, err := scanEhFrame(probe, 8); err == nil {
		t.Fatal("expected error for unreadable address")
	}
}

func TestEhFrameFromHdr(t *testing.T) {
	probe := memprobe.New()
	defer probe.Close()

	// header followed by the frame data it points to, pcrel sdata4
	buf := make([]byte, 0, 32)
	buf = append(buf, 1, 0x1b, 0x03, 0x3b)
	buf = appendU32(buf, 12) // delta from the pointer field to offset 16
	buf = append(buf, make([]byte, 24)...)

	hdrAddr := bufAddr(buf)
	got, err := ehFrameFromHdr(probe, hdrAddr)
	if err != nil {
		t.Fatal(err)
	}
	if got != hdrAddr+16 {
		t.Fatalf("frame data at %#x, want %#x", got, hdrAddr+16)
	}
	runtime.KeepAlive(buf)
}

func TestEhFrameFromHdrBadVersion(t *testing.T) {
	probe := memprobe.New()
	defer probe.Close()

	buf := []byte{9, 0x1b, 0x03, 0x3b, 0, 0, 0, 0}
	if _, err := ehFrameFromHdr(probe, bufAddr(buf)); err == nil {
		t.Fatal("expected error for bad header version")
	}
	runtime.KeepAlive(buf)
}
