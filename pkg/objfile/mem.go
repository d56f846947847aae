package objfile

import (
	"unsafe"

	"github.com/sticnarf/runwind/pkg/memprobe"
)

// Validated reads from the live process image. Every read checks the
// target address with the probe first, so a stale or bogus pointer
// produces a failed read instead of a fault.
//
// The probe covers twice the pointer size from the address it is given,
// reading up to 8 bytes at any offset below a word-aligned base stays
// inside the validated window.

func readU8(probe *memprobe.Probe, addr uint64) (uint8, bool) {
	if !probe.Validate(uintptr(addr &^ 7)) {
		return 0, false
	}
	return *(*uint8)(unsafe.Pointer(uintptr(addr))), true
}

func readU16(probe *memprobe.Probe, addr uint64) (uint16, bool) {
	if !probe.Validate(uintptr(addr &^ 7)) {
		return 0, false
	}
	return *(*uint16)(unsafe.Pointer(uintptr(addr))), true
}

func readU32(probe *memprobe.Probe, addr uint64) (uint32, bool) {
	if !probe.Validate(uintptr(addr &^ 7)) {
		return 0, false
	}
	return *(*uint32)(unsafe.Pointer(uintptr(addr))), true
}

func readU64(probe *memprobe.Probe, addr uint64) (uint64, bool) {
	if !probe.Validate(uintptr(addr &^ 7)) {
		return 0, false
	}
	return *(*uint64)(unsafe.Pointer(uintptr(addr))), true
}

// copyMem copies size bytes starting at addr, validating the first byte
// of every page the range touches. A page readable at its start is
// readable throughout.
func copyMem(probe *memprobe.Probe, addr, size uint64) ([]byte, bool) {
	const pageSize = 0x1000

	if size == 0 {
		return nil, true
	}
	if !probe.Validate(uintptr(addr)) {
		return nil, false
	}
	for page := (addr &^ (pageSize - 1)) + pageSize; page < addr+size; page += pageSize {
		if !probe.Validate(uintptr(page)) {
			return nil, false
		}
	}

	buf := make([]byte, size)
	copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size))
	return buf, true
}
