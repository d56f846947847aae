//go:build linux

package objfile

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/sticnarf/runwind/pkg/logflags"
	"github.com/sticnarf/runwind/pkg/memprobe"
)

const (
	elfMagic   = 0x464c457f
	elfClass64 = 2

	ptLoad       = 1
	ptGnuEhFrame = 0x6474e550
	pfExec       = 1

	elf64PhdrSize = 56

	// sanity bound on the program header count
	maxPhnum = 1024
)

type mapping struct {
	start, end uint64
	offset     uint64
	perms      string
	name       string
	deleted    bool
}

// findModules enumerates the file-backed mappings of the current process
// and builds a module for each object file. The load bias and segment
// layout come from the program headers in memory, not from the file, so
// modules whose backing file is gone are still described correctly.
func findModules(probe *memprobe.Probe, logger logflags.Logger) []*Module {
	maps, err := os.ReadFile("/proc/self/maps")
	if err != nil {
		logger.Errorf("could not read /proc/self/maps: %v", err)
		return nil
	}

	type fileInfo struct {
		headerAddr uint64
		haveHeader bool
		deleted    bool
	}
	var order []string
	files := map[string]*fileInfo{}

	for _, line := range strings.Split(string(maps), "\n") {
		m, ok := parseMapsLine(line)
		if !ok {
			continue
		}
		// anonymous mappings and pseudo files like [vdso] and [stack]
		if m.name == "" || strings.HasPrefix(m.name, "[") {
			continue
		}
		fi := files[m.name]
		if fi == nil {
			fi = &fileInfo{}
			files[m.name] = fi
			order = append(order, m.name)
		}
		if m.deleted {
			fi.deleted = true
		}
		// the mapping at file offset 0 holds the object file header
		if m.offset == 0 && !fi.haveHeader {
			fi.headerAddr = m.start
			fi.haveHeader = true
		}
	}

	var out []*Module
	for _, name := range order {
		fi := files[name]
		if !fi.haveHeader {
			logger.Warnf("module %s: no header mapping, skipping", name)
			continue
		}
		mod, err := buildModule(probe, name, fi.headerAddr, fi.deleted, logger)
		if err != nil {
			logger.Warnf("module %s: %v, skipping", name, err)
			continue
		}
		out = append(out, mod)
	}
	return out
}

// parseMapsLine parses one line of /proc/pid/maps. The first five fields
// are space separated, the path after them may itself contain spaces.
func parseMapsLine(line string) (mapping, bool) {
	fields := strings.SplitN(line, " ", 6)
	if len(fields) < 5 {
		return mapping{}, false
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return mapping{}, false
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return mapping{}, false
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return mapping{}, false
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return mapping{}, false
	}

	m := mapping{start: start, end: end, offset: offset, perms: fields[1]}
	if len(fields) == 6 {
		m.name = strings.TrimSpace(fields[5])
	}
	if strings.HasSuffix(m.name, " (deleted)") {
		m.name = strings.TrimSuffix(m.name, " (deleted)")
		m.deleted = true
	}
	return m, true
}

type phdrInfo struct {
	minLoadVaddr uint64
	haveLoad     bool

	textVaddr uint64
	textSize  uint64
	haveText  bool

	ehFrameHdrVaddr uint64
	haveEhFrameHdr  bool
}

// parsePhdrs walks the program headers of the object file loaded at
// headerAddr, reading them from process memory with validated reads.
func parsePhdrs(probe *memprobe.Probe, headerAddr uint64, logger logflags.Logger) (phdrInfo, error) {
	var info phdrInfo

	magic, ok := readU32(probe, headerAddr)
	if !ok || magic != elfMagic {
		return info, errors.New("unreadable or bad header magic")
	}
	class, ok := readU8(probe, headerAddr+4)
	if !ok || class != elfClass64 {
		return info, errors.New("not a 64-bit object file")
	}
	phoff, ok := readU64(probe, headerAddr+0x20)
	if !ok {
		return info, errors.New("unreadable header")
	}
	phentsize, ok := readU16(probe, headerAddr+0x36)
	if !ok || phentsize < elf64PhdrSize {
		return info, errors.New("bad program header entry size")
	}
	phnum, ok := readU16(probe, headerAddr+0x38)
	if !ok || phnum == 0 || phnum > maxPhnum {
		return info, errors.New("bad program header count")
	}

	for i := uint64(0); i < uint64(phnum); i++ {
		p := headerAddr + phoff + i*uint64(phentsize)
		ptype, ok := readU32(probe, p)
		if !ok {
			return info, errors.New("unreadable program header")
		}
		switch ptype {
		case ptLoad:
			flags, ok1 := readU32(probe, p+4)
			vaddr, ok2 := readU64(probe, p+16)
			memsz, ok3 := readU64(probe, p+40)
			if !ok1 || !ok2 || !ok3 {
				return info, errors.New("unreadable program header")
			}
			if !info.haveLoad || vaddr < info.minLoadVaddr {
				info.minLoadVaddr = vaddr
				info.haveLoad = true
			}
			if flags&pfExec != 0 {
				if info.haveText {
					logger.Warnf("multiple executable segments at %#x, keeping the first", headerAddr)
				} else {
					info.textVaddr = vaddr
					info.textSize = memsz
					info.haveText = true
				}
			}
		case ptGnuEhFrame:
			vaddr, ok := readU64(probe, p+16)
			if !ok {
				return info, errors.New("unreadable program header")
			}
			if info.haveEhFrameHdr {
				logger.Warnf("multiple eh_frame_hdr segments at %#x, keeping the first", headerAddr)
			} else {
				info.ehFrameHdrVaddr = vaddr
				info.haveEhFrameHdr = true
			}
		}
	}

	if !info.haveLoad {
		return info, errors.New("no loadable segments")
	}
	if !info.haveText {
		return info, errors.New("no executable segment")
	}
	return info, nil
}

func buildModule(probe *memprobe.Probe, path string, headerAddr uint64, deleted bool, logger logflags.Logger) (*Module, error) {
	ph, err := parsePhdrs(probe, headerAddr, logger)
	if err != nil {
		return nil, err
	}
	bias := headerAddr - ph.minLoadVaddr
	text := Segment{Vaddr: bias + ph.textVaddr, Size: ph.textSize}

	unwind := UnwindData{Kind: UnwindNone}
	var mapped *MappedFile

	if !deleted {
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

	if unwind.Kind == UnwindNone && ph.haveEhFrameHdr {
		hdrAddr := bias + ph.ehFrameHdrVaddr
		ehAddr, err := ehFrameFromHdr(probe, hdrAddr)
		if err != nil {
			logger.Warnf("module %s: %v", path, err)
		} else if data, err := scanEhFrame(probe, ehAddr); err != nil {
			logger.Warnf("module %s: %v", path, err)
		} else {
			unwind = UnwindData{Kind: UnwindLiveScan, EhFrame: data, EhFrameAddr: ehAddr}
		}
	}

	if unwind.Kind == UnwindNone {
		logger.Debugf("module %s: no unwind data", path)
	}

	m := NewModule(path, headerAddr, text, unwind)
	m.mapped = mapped
	return m, nil
}
