// Package memprobe checks whether process memory is safely readable without
// risking a fault.
//
// A Probe owns a non-blocking pipe. To test an address it asks the kernel to
// write a few bytes starting at that address into the pipe: the kernel has
// to copy from user memory to satisfy the write, so an unmapped or
// unreadable range turns into an EFAULT error instead of a crash.
package memprobe

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// checkLen is how many bytes a probe write covers, two native words
// starting at the probed address.
const checkLen = 2 * int(unsafe.Sizeof(uintptr(0)))

// Probe validates memory addresses through an owned pipe pair. A Probe is
// for use by a single caller at a time; independent probes never share
// descriptors. The zero value is not usable, call New.
type Probe struct {
	readFD  int
	writeFD int

	// drain buffer, kept in the struct so Validate does not allocate.
	buf [checkLen]byte
}

// New returns a Probe whose pipe is opened lazily on the first Validate
// call. New itself never fails; a probe that cannot open its pipe reports
// every address as invalid until reopening succeeds.
func New() *Probe {
	return &Probe{readFD: -1, writeFD: -1}
}

// Validate reports whether a native-word read at addr is safe at this
// instant. There is no guarantee beyond the instant; the intended use is
// same-thread, synchronous probing right before the read.
//
// Validate does not allocate. Recreating the pipe after a failure is the
// only path that acquires resources, and it is off the hot path.
func (p *Probe) Validate(addr uintptr) bool {
	if addr == 0 {
		return false
	}
	if !p.drain() {
		if p.reopen() != nil {
			return false
		}
	}
	return p.write(addr)
}

// drain empties the pipe so the next write cannot stall on a full buffer.
// It returns false if the pipe is missing or broken and must be recreated.
func (p *Probe) drain() bool {
	if p.readFD < 0 {
		return false
	}
	for {
		n, err := unix.Read(p.readFD, p.buf[:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			// Nothing buffered, the pipe is healthy.
			return true
		case err != nil:
			return false
		case n > 0:
			return true
		default:
			// EOF, the write end is gone.
			return false
		}
	}
}

// write attempts to copy checkLen bytes starting at addr into the pipe.
// A fault-class failure means the range is not readable.
func (p *Probe) write(addr uintptr) bool {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), checkLen)
	for {
		n, err := unix.Write(p.writeFD, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false
		}
		// A partial write still proves the range was readable.
		return n > 0
	}
}

// reopen discards the current pipe pair, if any, and opens a fresh one.
func (p *Probe) reopen() error {
	if p.readFD >= 0 {
		unix.Close(p.readFD)
	}
	if p.writeFD >= 0 {
		unix.Close(p.writeFD)
	}
	p.readFD, p.writeFD = -1, -1

	r, w, err := newPipe()
	if err != nil {
		return err
	}
	p.readFD, p.writeFD = r, w
	return nil
}

// Close releases the pipe descriptors. The probe reopens them if it is
// used again.
func (p *Probe) Close() {
	if p.readFD >= 0 {
		unix.Close(p.readFD)
		p.readFD = -1
	}
	if p.writeFD >= 0 {
		unix.Close(p.writeFD)
		p.writeFD = -1
	}
}
