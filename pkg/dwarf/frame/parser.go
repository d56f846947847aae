// Package frame contains data structures and related functions for parsing
// and searching through the exception frame data used for stack unwinding.
package frame

import (
	"fmt"
	"sort"
)

const (
	// dwarf64Marker in the length field switches a record to 64-bit
	// (extended length) encoding.
	dwarf64Marker = 0xffffffff

	cieVersion1 = 1
	cieVersion3 = 3
	cieVersion4 = 4
)

type parseContext struct {
	cur         cursor
	sectionAddr uint64
	ptrSize     int

	// CIEs seen so far, keyed by their offset into the section. FDEs
	// refer back to them by a relative distance.
	cies    map[int]*CommonInformationEntry
	entries FrameDescriptionEntries
}

// Parse parses exception frame data into a sorted list of frame
// description entries. sectionAddr is the address the data occupies (or
// would occupy) in the running process, used to resolve PC-relative pointer
// encodings. ptrSize is the native pointer width in bytes.
//
// Parsing stops cleanly at a zero length terminator record. Truncated or
// inconsistent records produce an error; data already parsed is discarded.
func Parse(data []byte, sectionAddr uint64, ptrSize int) (FrameDescriptionEntries, error) {
	pctx := &parseContext{
		cur:         cursor{data: data},
		sectionAddr: sectionAddr,
		ptrSize:     ptrSize,
		cies:        map[int]*CommonInformationEntry{},
		entries:     NewFrameIndex(),
	}

	for pctx.cur.len() >= 4 {
		recStart := pctx.cur.off
		length32, err := pctx.cur.u32()
		if err != nil {
			return nil, err
		}
		if length32 == 0 {
			// terminator record
			break
		}

		length := uint64(length32)
		idSize := 4
		if length32 == dwarf64Marker {
			length, err = pctx.cur.u64()
			if err != nil {
				return nil, err
			}
			idSize = 8
		}
		if length < uint64(idSize) || length > uint64(pctx.cur.len()) {
			return nil, fmt.Errorf("%w: record at offset %#x declares length %#x", ErrTruncated, recStart, length)
		}
		end := pctx.cur.off + int(length)

		idOff := pctx.cur.off
		var id uint64
		if idSize == 4 {
			v, _ := pctx.cur.u32()
			id = uint64(v)
		} else {
			id, _ = pctx.cur.u64()
		}

		if id == 0 {
			cie, err := pctx.parseCIE(end)
			if err != nil {
				return nil, fmt.Errorf("CIE at offset %#x: %v", recStart, err)
			}
			pctx.cies[recStart] = cie
		} else {
			// The CIE pointer is the distance from the pointer field
			// back to the start of the CIE record.
			if id > uint64(idOff) {
				return nil, fmt.Errorf("FDE at offset %#x: CIE pointer %#x out of bounds", recStart, id)
			}
			cie, ok := pctx.cies[idOff-int(id)]
			if !ok {
				return nil, fmt.Errorf("FDE at offset %#x refers to unknown CIE at offset %#x", recStart, idOff-int(id))
			}
			if err := pctx.parseFDE(cie, end); err != nil {
				return nil, fmt.Errorf("FDE at offset %#x: %v", recStart, err)
			}
		}

		pctx.cur.off = end
	}

	sort.Slice(pctx.entries, func(i, j int) bool {
		return pctx.entries[i].begin < pctx.entries[j].begin
	})
	return pctx.entries, nil
}

func (pctx *parseContext) parseCIE(end int) (*CommonInformationEntry, error) {
	cie := &CommonInformationEntry{ptrEncAddr: ptrEncAbs, lsdaEnc: ptrEncOmit}

	var err error
	if cie.Version, err = pctx.cur.u8(); err != nil {
		return nil, err
	}
	switch cie.Version {
	case cieVersion1, cieVersion3, cieVersion4:
	default:
		return nil, fmt.Errorf("unsupported CIE version %d", cie.Version)
	}

	if cie.Augmentation, err = pctx.cur.str(); err != nil {
		return nil, err
	}

	if cie.Version == cieVersion4 {
		addrSize, err := pctx.cur.u8()
		if err != nil {
			return nil, err
		}
		segSize, err := pctx.cur.u8()
		if err != nil {
			return nil, err
		}
		if int(addrSize) != pctx.ptrSize || segSize != 0 {
			return nil, fmt.Errorf("unsupported address size %d / segment size %d", addrSize, segSize)
		}
	}

	if cie.CodeAlignmentFactor, err = pctx.cur.uleb(); err != nil {
		return nil, err
	}
	if cie.DataAlignmentFactor, err = pctx.cur.sleb(); err != nil {
		return nil, err
	}

	if cie.Version == cieVersion1 {
		ra, err := pctx.cur.u8()
		if err != nil {
			return nil, err
		}
		cie.ReturnAddressRegister = uint64(ra)
	} else {
		if cie.ReturnAddressRegister, err = pctx.cur.uleb(); err != nil {
			return nil, err
		}
	}

	if err := pctx.parseAugmentation(cie); err != nil {
		return nil, err
	}

	if !cie.ptrEncAddr.Supported() {
		return nil, fmt.Errorf("unsupported pointer encoding %#02x", uint8(cie.ptrEncAddr))
	}

	if pctx.cur.off > end {
		return nil, ErrTruncated
	}
	cie.InitialInstructions = pctx.cur.data[pctx.cur.off:end]
	return cie, nil
}

// parseAugmentation interprets the 'z' augmentation data block. Characters
// we do not know terminate interpretation; the declared block length still
// tells us where the instructions start.
func (pctx *parseContext) parseAugmentation(cie *CommonInformationEntry) error {
	if cie.Augmentation == "" {
		return nil
	}
	if cie.Augmentation[0] != 'z' {
		return fmt.Errorf("unsupported augmentation %q", cie.Augmentation)
	}
	augLen, err := pctx.cur.uleb()
	if err != nil {
		return err
	}
	if augLen > uint64(pctx.cur.len()) {
		return ErrTruncated
	}
	augEnd := pctx.cur.off + int(augLen)

chars:
	for _, ch := range cie.Augmentation[1:] {
		switch ch {
		case 'R':
			enc, err := pctx.cur.u8()
			if err != nil {
				return err
			}
			cie.ptrEncAddr = ptrEnc(enc)
		case 'L':
			enc, err := pctx.cur.u8()
			if err != nil {
				return err
			}
			cie.lsdaEnc = ptrEnc(enc)
		case 'P':
			enc, err := pctx.cur.u8()
			if err != nil {
				return err
			}
			// personality routine pointer, skipped
			if _, err := pctx.readPointer(ptrEnc(enc)); err != nil {
				return err
			}
		case 'S':
			cie.IsSignalFrame = true
		default:
			break chars
		}
	}

	if augEnd < pctx.cur.off || augEnd > len(pctx.cur.data) {
		return ErrTruncated
	}
	pctx.cur.off = augEnd
	return nil
}

func (pctx *parseContext) parseFDE(cie *CommonInformationEntry, end int) error {
	frame := &FrameDescriptionEntry{CIE: cie}

	var err error
	if frame.begin, err = pctx.readPointer(cie.ptrEncAddr); err != nil {
		return err
	}
	// The address range is encoded with the value format of the pointer
	// encoding but is never PC-relative.
	if frame.size, err = pctx.readPointer(cie.ptrEncAddr & 0x0f); err != nil {
		return err
	}

	if len(cie.Augmentation) > 0 && cie.Augmentation[0] == 'z' {
		augLen, err := pctx.cur.uleb()
		if err != nil {
			return err
		}
		if err := pctx.cur.skip(int(augLen)); err != nil {
			return err
		}
	}

	if pctx.cur.off > end {
		return ErrTruncated
	}
	frame.Instructions = pctx.cur.data[pctx.cur.off:end]
	pctx.entries = append(pctx.entries, frame)
	return nil
}

// readPointer reads one pointer value with the given encoding, resolving
// the PC-relative adjustment against the address the field occupies in the
// running process.
func (pctx *parseContext) readPointer(enc ptrEnc) (uint64, error) {
	if enc == ptrEncOmit {
		return 0, nil
	}

	fieldAddr := pctx.sectionAddr + uint64(pctx.cur.off)

	var val uint64
	var err error
	switch enc & 0x0f {
	case ptrEncAbs, ptrEncUdata8, ptrEncSdata8:
		if pctx.ptrSize == 4 && enc&0x0f == ptrEncAbs {
			var v uint32
			v, err = pctx.cur.u32()
			val = uint64(v)
		} else {
			val, err = pctx.cur.u64()
		}
	case ptrEncSigned:
		val, err = pctx.cur.u64()
	case ptrEncUleb:
		val, err = pctx.cur.uleb()
	case ptrEncSleb:
		var v int64
		v, err = pctx.cur.sleb()
		val = uint64(v)
	case ptrEncUdata2:
		var v uint16
		v, err = pctx.cur.u16()
		val = uint64(v)
	case ptrEncSdata2:
		var v uint16
		v, err = pctx.cur.u16()
		val = uint64(int64(int16(v)))
	case ptrEncUdata4:
		var v uint32
		v, err = pctx.cur.u32()
		val = uint64(v)
	case ptrEncSdata4:
		var v uint32
		v, err = pctx.cur.u32()
		val = uint64(int64(int32(v)))
	default:
		return 0, fmt.Errorf("unsupported pointer encoding %#02x", uint8(enc))
	}
	if err != nil {
		return 0, err
	}

	switch enc & ptrEncFlagsMask {
	case 0:
	case ptrEncPCRel:
		val += fieldAddr
	default:
		return 0, fmt.Errorf("unsupported pointer encoding flags %#02x", uint8(enc))
	}
	return val, nil
}
