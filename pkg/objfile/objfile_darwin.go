//go:build darwin

package objfile

/*
#include <mach-o/dyld.h>
#include <stdint.h>

static uint32_t image_count(void) { return _dyld_image_count(); }
static const char *image_name(uint32_t i) { return _dyld_get_image_name(i); }
static uintptr_t image_header(uint32_t i) { return (uintptr_t)_dyld_get_image_header(i); }
*/
import "C"

import (
	"encoding/binary"
	"errors"
	"os"

	"github.com/sticnarf/runwind/pkg/logflags"
	"github.com/sticnarf/runwind/pkg/memprobe"
)

const (
	machoMagic64     = 0xfeedfacf
	machoHeaderSize  = 32
	lcSegment64      = 0x19
	segmentCmd64Size = 72
	section64Size    = 80
)

// findModules asks the dynamic loader for the images in the process and
// reads each one's load commands out of memory.
func findModules(probe *memprobe.Probe, logger logflags.Logger) []*Module {
	n := uint32(C.image_count())

	var out []*Module
	for i := uint32(0); i < n; i++ {
		headerAddr := uint64(C.image_header(C.uint32_t(i)))
		if headerAddr == 0 {
			continue
		}
		name := C.GoString(C.image_name(C.uint32_t(i)))
		if name == "" {
			// the loader reports the main executable first and can
			// return an empty name for it
			if exe, err := os.Executable(); err == nil {
				name = exe
			}
		}

		mod, err := buildModule(probe, name, headerAddr, logger)
		if err != nil {
			logger.Warnf("module %s: %v, skipping", name, err)
			continue
		}
		out = append(out, mod)
	}
	return out
}

type machoInfo struct {
	textVmaddr  uint64
	textVmsize  uint64
	textFileoff uint64
	haveText    bool

	ehFrameAddr uint64
	ehFrameSize uint64
	haveEhFrame bool
}

// parseLoadCommands walks the load commands of the image at headerAddr
// with validated reads, extracting the text segment and the location of
// the exception frame section.
func parseLoadCommands(probe *memprobe.Probe, headerAddr uint64) (machoInfo, error) {
	var info machoInfo

	magic, ok := readU32(probe, headerAddr)
	if !ok || magic != machoMagic64 {
		return info, errors.New("unreadable or bad header magic")
	}
	ncmds, ok := readU32(probe, headerAddr+16)
	if !ok {
		return info, errors.New("unreadable header")
	}
	sizeofcmds, ok := readU32(probe, headerAddr+20)
	if !ok {
		return info, errors.New("unreadable header")
	}

	cmd := headerAddr + machoHeaderSize
	end := cmd + uint64(sizeofcmds)
	for i := uint32(0); i < ncmds && cmd < end; i++ {
		ctype, ok1 := readU32(probe, cmd)
		csize, ok2 := readU32(probe, cmd+4)
		if !ok1 || !ok2 {
			return info, errors.New("unreadable load command")
		}
		if csize < 8 || cmd+uint64(csize) > end {
			return info, errors.New("load command does not advance")
		}

		if ctype == lcSegment64 && csize >= segmentCmd64Size {
			segname, ok := readName16(probe, cmd+8)
			if !ok {
				return info, errors.New("unreadable load command")
			}
			if segname == "__TEXT" {
				vmaddr, ok1 := readU64(probe, cmd+24)
				vmsize, ok2 := readU64(probe, cmd+32)
				fileoff, ok3 := readU64(probe, cmd+40)
				nsects, ok4 := readU32(probe, cmd+64)
				if !ok1 || !ok2 || !ok3 || !ok4 {
					return info, errors.New("unreadable load command")
				}
				info.textVmaddr = vmaddr
				info.textVmsize = vmsize
				info.textFileoff = fileoff
				info.haveText = true

				sect := cmd + segmentCmd64Size
				for s := uint32(0); s < nsects; s++ {
					if sect+section64Size > cmd+uint64(csize) {
						break
					}
					sectname, ok := readName16(probe, sect)
					if !ok {
						return info, errors.New("unreadable section header")
					}
					if sectname == "__eh_frame" {
						addr, ok1 := readU64(probe, sect+32)
						size, ok2 := readU64(probe, sect+40)
						if !ok1 || !ok2 {
							return info, errors.New("unreadable section header")
						}
						info.ehFrameAddr = addr
						info.ehFrameSize = size
						info.haveEhFrame = true
					}
					sect += section64Size
				}
			}
		}
		cmd += uint64(csize)
	}

	if !info.haveText {
		return info, errors.New("no __TEXT segment")
	}
	return info, nil
}

// readName16 reads a 16 byte, zero padded segment or section name.
func readName16(probe *memprobe.Probe, addr uint64) (string, bool) {
	lo, ok1 := readU64(probe, addr)
	hi, ok2 := readU64(probe, addr+8)
	if !ok1 || !ok2 {
		return "", false
	}
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], lo)
	binary.LittleEndian.PutUint64(b[8:], hi)
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), true
		}
	}
	return string(b[:]), true
}

func buildModule(probe *memprobe.Probe, path string, headerAddr uint64, logger logflags.Logger) (*Module, error) {
	mi, err := parseLoadCommands(probe, headerAddr)
	if err != nil {
		return nil, err
	}
	// When the text segment starts at file offset zero it contains the
	// header, and the loader slide is where the header sits minus where
	// the segment was linked. Otherwise the linked addresses are taken
	// as header relative. Heuristic, observed to hold for dyld images.
	var bias uint64
	if mi.textFileoff == 0 {
		bias = headerAddr - mi.textVmaddr
	} else {
		bias = headerAddr
	}
	text := Segment{Vaddr: bias + mi.textVmaddr, Size: mi.textVmsize}

	unwind := UnwindData{Kind: UnwindNone}
	var mapped *MappedFile

	if path != "" {
		if mf, err := OpenMapped(path); err == nil {
			if data, vaddr, err := mf.EhFrame(); err == nil {
				unwind = UnwindData{Kind: UnwindMapped, EhFrame: data, EhFrameAddr: bias + vaddr}
				mapped = mf
			} else {
				logger.Debugf("module %s: %v", path, err)
				mf.Close()
			}
		} else {
			logger.Debugf("module %s: %v", path, err)
		}
	}

	if unwind.Kind == UnwindNone && mi.haveEhFrame && mi.ehFrameSize > 0 {
		addr := bias + mi.ehFrameAddr
		if data, ok := copyMem(probe, addr, mi.ehFrameSize); ok {
			unwind = UnwindData{Kind: UnwindLiveScan, EhFrame: data, EhFrameAddr: addr}
		} else {
			logger.Warnf("module %s: __eh_frame at %#x unreadable", path, addr)
		}
	}

	if unwind.Kind == UnwindNone {
		logger.Debugf("module %s: no unwind data", path)
	}

	m := NewModule(path, headerAddr, text, unwind)
	m.mapped = mapped
	return m, nil
}
