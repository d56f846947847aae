package unwind

import (
	"errors"
	"unsafe"

	lru "github.com/hashicorp/golang-lru"

	"github.com/sticnarf/runwind/pkg/dwarf/frame"
	"github.com/sticnarf/runwind/pkg/logflags"
	"github.com/sticnarf/runwind/pkg/memprobe"
	"github.com/sticnarf/runwind/pkg/objfile"
)

// AllocationPolicy decides what a cache may do on a miss during a step.
type AllocationPolicy uint8

const (
	// MayAllocate parses frame data lazily and keeps a per-pc row cache.
	MayAllocate AllocationPolicy = iota
	// MustNotAllocate never allocates while stepping. Frames whose data
	// was not parsed beforehand with Warm go through the frame pointer
	// fallback instead. Steps that fail still allocate their error
	// values.
	MustNotAllocate
)

// rowCacheSize is the number of evaluated table rows kept per cache.
const rowCacheSize = 4096

var (
	errNotCached = errors.New("frame data not parsed and allocation not allowed")
	errNoFDE     = errors.New("no frame descriptor covers the pc")
)

// Cache holds everything a sequence of steps needs: parsed frame data
// per module, scratch state for call frame programs, the memory probe,
// and under MayAllocate a row cache keyed by pc.
//
// A Cache is not safe for concurrent use. It owns a probe, so it must be
// closed.
type Cache struct {
	policy  AllocationPolicy
	probe   *memprobe.Probe
	entries map[*objfile.Module]frame.FrameDescriptionEntries
	errs    map[*objfile.Module]error
	rows    *lru.Cache
	scratch *frame.Context
	logger  logflags.Logger
}

// NewCache returns an empty cache with the given policy.
func NewCache(policy AllocationPolicy) *Cache {
	c := &Cache{
		policy:  policy,
		probe:   memprobe.New(),
		entries: make(map[*objfile.Module]frame.FrameDescriptionEntries),
		errs:    make(map[*objfile.Module]error),
		scratch: frame.NewContext(),
		logger:  logflags.CacheLogger(),
	}
	if policy == MayAllocate {
		c.rows, _ = lru.New(rowCacheSize)
	}
	return c
}

// Close releases the probe. The cache must not be used afterwards.
func (c *Cache) Close() {
	c.probe.Close()
}

// Warm parses the frame data of every module known to u. A cache with
// the MustNotAllocate policy can only step through frame data parsed
// here.
func (c *Cache) Warm(u *Unwinder) {
	for _, m := range u.Modules() {
		if _, err := c.moduleEntries(m, true); err != nil {
			c.logger.Warnf("module %s: %v", m.Path(), err)
		}
	}
}

// moduleEntries returns the parsed frame data for m, parsing it now if
// the policy (or force) allows. Parse failures are cached too, a module
// with broken data should not be re-parsed on every step.
func (c *Cache) moduleEntries(m *objfile.Module, force bool) (frame.FrameDescriptionEntries, error) {
	if entries, ok := c.entries[m]; ok {
		return entries, nil
	}
	if err, ok := c.errs[m]; ok {
		return nil, err
	}
	if !force && c.policy == MustNotAllocate {
		return nil, errNotCached
	}

	uw := m.Unwind()
	if uw.Kind == objfile.UnwindNone {
		err := errors.New("module has no unwind data")
		c.errs[m] = err
		return nil, err
	}
	entries, err := frame.Parse(uw.EhFrame, uw.EhFrameAddr, int(unsafe.Sizeof(uintptr(0))))
	if err != nil {
		c.errs[m] = err
		return nil, err
	}
	c.entries[m] = entries
	return entries, nil
}

// rules returns the unwind table row in effect at pc inside m.
func (c *Cache) rules(m *objfile.Module, pc uint64) (frame.Row, error) {
	if c.rows != nil {
		if v, ok := c.rows.Get(pc); ok {
			return v.(frame.Row), nil
		}
	}

	entries, err := c.moduleEntries(m, false)
	if err != nil {
		return frame.Row{}, err
	}

	// inlined binary search, entries.ForPC costs an allocation for its
	// closure on the hot path
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if entries[mid].End() <= pc {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(entries) || !entries[lo].Cover(pc) {
		// sentinel instead of the typed error, frames not covered by
		// frame data are stepped through the fallback on every walk
		return frame.Row{}, errNoFDE
	}

	row, err := c.scratch.Rules(entries[lo], pc)
	if err != nil {
		return frame.Row{}, err
	}
	if c.rows != nil {
		c.rows.Add(pc, row)
	}
	return row, nil
}

// readWord loads one word from the live stack, checking the address with
// the probe first. The probe validates a window of twice the word size,
// which covers an unaligned load from the aligned base.
func (c *Cache) readWord(addr uint64) (uint64, error) {
	if !c.probe.Validate(uintptr(addr &^ 7)) {
		return 0, &UnreadableMemoryError{Addr: addr}
	}
	return *(*uint64)(unsafe.Pointer(uintptr(addr))), nil
}
