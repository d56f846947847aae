package objfile

import (
	"errors"
	"fmt"

	"github.com/sticnarf/runwind/pkg/memprobe"
)

// Recovery of exception frame data from the live process image, used when
// a module's backing file cannot be mapped (deleted, replaced, or not a
// regular file). The frame header in memory points at the frame data, and
// the record chain is self-delimiting, so the section extent can be
// rebuilt without touching the file system.

const (
	// maxEhFrameSize bounds the live scan. A chain running past this is
	// corrupt.
	maxEhFrameSize = 256 << 20
)

var errBadEhFrameHdr = errors.New("unreadable or unsupported eh_frame_hdr")

// ehFrameFromHdr reads the frame header at hdrAddr and returns the live
// address of the frame data it points to.
func ehFrameFromHdr(probe *memprobe.Probe, hdrAddr uint64) (uint64, error) {
	head, ok := readU32(probe, hdrAddr)
	if !ok {
		return 0, errBadEhFrameHdr
	}
	version := uint8(head)
	enc := uint8(head >> 8)
	if version != 1 {
		return 0, fmt.Errorf("%w: version %d", errBadEhFrameHdr, version)
	}

	fieldAddr := hdrAddr + 4
	var val uint64
	switch enc & 0x0f {
	case 0x00, 0x04, 0x0c: // pointer sized, udata8, sdata8
		v, ok := readU64(probe, fieldAddr)
		if !ok {
			return 0, errBadEhFrameHdr
		}
		val = v
	case 0x03: // udata4
		v, ok := readU32(probe, fieldAddr)
		if !ok {
			return 0, errBadEhFrameHdr
		}
		val = uint64(v)
	case 0x0b: // sdata4
		v, ok := readU32(probe, fieldAddr)
		if !ok {
			return 0, errBadEhFrameHdr
		}
		val = uint64(int64(int32(v)))
	default:
		return 0, fmt.Errorf("%w: pointer encoding %#02x", errBadEhFrameHdr, enc)
	}

	switch enc & 0xf0 {
	case 0x00:
	case 0x10: // relative to the field itself
		val += fieldAddr
	case 0x30: // relative to the start of the header
		val += hdrAddr
	default:
		return 0, fmt.Errorf("%w: pointer encoding flags %#02x", errBadEhFrameHdr, enc)
	}
	return val, nil
}

// scanEhFrame walks the record chain at addr and copies the whole section
// out of process memory. The walk stops at a zero length terminator or at
// the first unreadable length field, whichever comes first.
func scanEhFrame(probe *memprobe.Probe, addr uint64) ([]byte, error) {
	end := addr
	for {
		if end-addr > maxEhFrameSize {
			return nil, fmt.Errorf("eh_frame at %#x exceeds %d bytes", addr, maxEhFrameSize)
		}

		length, ok := readU32(probe, end)
		if !ok {
			// ran off the mapping, the section ends here
			break
		}
		if length == 0 {
			end += 4
			break
		}

		recLen := uint64(length) + 4
		if length == 0xffffffff {
			ext, ok := readU64(probe, end+4)
			if !ok {
				return nil, fmt.Errorf("unreadable extended length at %#x", end)
			}
			recLen = ext + 12
		}
		next := end + recLen
		if next <= end {
			return nil, fmt.Errorf("eh_frame record at %#x does not advance", end)
		}
		end = next
	}

	if end == addr {
		return nil, fmt.Errorf("no eh_frame records at %#x", addr)
	}
	data, ok := copyMem(probe, addr, end-addr)
	if !ok {
		return nil, fmt.Errorf("eh_frame at %#x became unreadable during copy", addr)
	}
	return data, nil
}
