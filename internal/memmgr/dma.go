package memmgr

import (
	"unsafe"

	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/pmm"
)

// DMAPool hands out physically-contiguous, zeroed, page-granular buffers
// for drivers that share memory with hardware (command/event rings,
// device-context arrays), collapsing the original mem::dma_pool /
// mem::dma_array machinery in
// original_source/kernel/include/mm/dma_utils.h down to the one operation
// xHCI needs: allocate, get both the physical address hardware programs
// into a register and a Go []byte view to fill it from software.
type DMAPool struct {
	pages *pmm.Allocator
}

// NewDMAPool wraps a physical page allocator as a DMAPool.
func NewDMAPool(pages *pmm.Allocator) *DMAPool {
	return &DMAPool{pages: pages}
}

// Alloc rounds size up to a whole number of pages (every caller's
// alignment need in this kernel — rings, context arrays, scratchpad
// buffers — is page alignment or coarser) and returns the allocation's
// physical address plus a zeroed []byte view over it through the identity
// window, the single point where this package bridges a physical address
// to a slice with unsafe.Slice, the same discipline kheap and pagetable
// follow at their own allocation points.
func (p *DMAPool) Alloc(size uintptr) (addr.PhysAddr, []byte, error) {
	nPages := int(addr.AlignUp(size, addr.PageSize) / addr.PageSize)
	if nPages == 0 {
		nPages = 1
	}
	region, ok := p.pages.AllocateRegion(nPages)
	if !ok {
		return 0, nil, errno.ENOMEM
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(region.Start.ToIdent()))), region.Size)
	for i := range mem {
		mem[i] = 0
	}
	return region.Start, mem, nil
}

// Free releases a DMAPool allocation back to the underlying page allocator.
func (p *DMAPool) Free(phys addr.PhysAddr) error {
	return p.pages.FreeRegion(phys)
}
