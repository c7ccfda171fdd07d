package xhci

import "github.com/bekos-project/bekos/internal/addr"

// DMAPool is the physically-contiguous zeroed buffer allocator this
// package needs, satisfied in production by *internal/memmgr.DMAPool.
// Defined locally (rather than depending on memmgr's concrete type
// directly) so tests can supply a Go-heap-backed fake, the same split
// internal/pagetable draws with its TableSource interface.
type DMAPool struct {
	alloc dmaAllocator
}

type dmaAllocator interface {
	Alloc(size uintptr) (addr.PhysAddr, []byte, error)
	Free(phys addr.PhysAddr) error
}

// NewDMAPool wraps any allocator implementing the Alloc/Free shape
// *memmgr.DMAPool already has.
func NewDMAPool(alloc dmaAllocator) *DMAPool {
	return &DMAPool{alloc: alloc}
}

func (p *DMAPool) Alloc(size uintptr) (addr.PhysAddr, []byte, error) {
	return p.alloc.Alloc(size)
}

func (p *DMAPool) Free(phys addr.PhysAddr) error {
	return p.alloc.Free(phys)
}
