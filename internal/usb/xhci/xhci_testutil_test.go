package xhci

import "github.com/bekos-project/bekos/internal/addr"

// fakeAllocator backs DMAPool with plain Go-heap buffers for tests, using
// bufPhysAddr for the physical address so the address arithmetic this
// package does (ring wrap, completion matching) stays self-consistent
// without ever touching real hardware.
type fakeAllocator struct{}

func (fakeAllocator) Alloc(size uintptr) (addr.PhysAddr, []byte, error) {
	buf := make([]byte, size)
	return bufPhysAddr(buf), buf, nil
}

func (fakeAllocator) Free(addr.PhysAddr) error { return nil }
