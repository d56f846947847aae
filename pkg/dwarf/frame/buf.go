package frame

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated is returned when call frame data ends in the middle of a
// record or an instruction operand.
var ErrTruncated = errors.New("truncated call frame data")

// cursor is a bounded reader over a byte slice. Every read checks the
// remaining length, so truncated or corrupt call frame data produces an
// error instead of an out of bounds access.
type cursor struct {
	data []byte
	off  int
}

func (c *cursor) len() int {
	return len(c.data) - c.off
}

func (c *cursor) u8() (byte, error) {
	if c.len() < 1 {
		return 0, ErrTruncated
	}
	b := c.data[c.off]
	c.off++
	return b, nil
}

func (c *cursor) u16() (uint16, error) {
	if c.len() < 2 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint16(c.data[c.off:])
	c.off += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if c.len() < 4 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(c.data[c.off:])
	c.off += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	if c.len() < 8 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint64(c.data[c.off:])
	c.off += 8
	return v, nil
}

// skip advances the cursor by n bytes.
func (c *cursor) skip(n int) error {
	if n < 0 || c.len() < n {
		return ErrTruncated
	}
	c.off += n
	return nil
}

// str reads a zero-terminated string.
func (c *cursor) str() (string, error) {
	for i := c.off; i < len(c.data); i++ {
		if c.data[i] == 0 {
			s := string(c.data[c.off:i])
			c.off = i + 1
			return s, nil
		}
	}
	return "", ErrTruncated
}

// uleb reads an unsigned Little Endian Base 128 represented number.
func (c *cursor) uleb() (uint64, error) {
	var (
		result uint64
		shift  uint
	)
	for {
		b, err := c.u8()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, ErrTruncated
		}
	}
}

// sleb reads a signed Little Endian Base 128 represented number.
func (c *cursor) sleb() (int64, error) {
	var (
		result int64
		shift  uint
		b      byte
		err    error
	)
	for {
		b, err = c.u8()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift >= 64 {
			return 0, ErrTruncated
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}
