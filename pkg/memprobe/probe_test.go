package memprobe

import (
	"runtime"
	"testing"
	"unsafe"
)

func TestValidateReadable(t *testing.T) {
	p := New()
	defer p.Close()

	var onStack [checkLen]byte
	if !p.Validate(uintptr(unsafe.Pointer(&onStack[0]))) {
		t.Error("stack variable reported unreadable")
	}

	onHeap := make([]byte, 4096)
	if !p.Validate(uintptr(unsafe.Pointer(&onHeap[0]))) {
		t.Error("heap allocation reported unreadable")
	}
	if !p.Validate(uintptr(unsafe.Pointer(&onHeap[len(onHeap)-checkLen]))) {
		t.Error("end of heap allocation reported unreadable")
	}
	runtime.KeepAlive(onHeap)
}

func TestValidateUnreadable(t *testing.T) {
	p := New()
	defer p.Close()

	for _, addr := range []uintptr{
		0,
		8,
		0xfff,              // zero page
		0x800000000000 - 8, // top of the user address space, never mapped
		^uintptr(0) - uintptr(checkLen),
	} {
		if p.Validate(addr) {
			t.Errorf("address %#x reported readable", addr)
		}
	}
}

func TestValidateAfterClose(t *testing.T) {
	p := New()
	var x uint64
	addr := uintptr(unsafe.Pointer(&x))

	if !p.Validate(addr) {
		t.Fatal("fresh probe failed to validate a local")
	}
	p.Close()
	// the probe reopens its pipe transparently
	if !p.Validate(addr) {
		t.Error("probe did not recover after Close")
	}
	p.Close()
}

func TestValidateRepeated(t *testing.T) {
	p := New()
	defer p.Close()

	var x uint64
	addr := uintptr(unsafe.Pointer(&x))
	for i := 0; i < 10000; i++ {
		if !p.Validate(addr) {
			t.Fatalf("validation failed on iteration %d", i)
		}
		if p.Validate(0) {
			t.Fatalf("zero address reported readable on iteration %d", i)
		}
	}
}

func TestValidateNoAllocation(t *testing.T) {
	p := New()
	defer p.Close()

	var x uint64
	addr := uintptr(unsafe.Pointer(&x))
	p.Validate(addr) // open the pipe outside the measurement

	allocs := testing.AllocsPerRun(1000, func() {
		if !p.Validate(addr) {
			t.Error("validation failed")
		}
	})
	if allocs > 0 {
		t.Errorf("Validate allocated %v times per call", allocs)
	}
}

func TestProbesIndependent(t *testing.T) {
	a := New()
	b := New()

	var x uint64
	addr := uintptr(unsafe.Pointer(&x))
	if !a.Validate(addr) || !b.Validate(addr) {
		t.Fatal("fresh probes failed to validate a local")
	}

	a.Close()
	if !b.Validate(addr) {
		t.Error("closing one probe broke another")
	}
	b.Close()
}
