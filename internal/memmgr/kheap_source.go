package memmgr

import (
	"unsafe"

	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/pmm"
)

// KernelPageSource is the production kheap.PageSource: the kernel heap's
// page tier (spec.md section 4.4) draws whole, zeroed pages from the
// physical allocator and views them through the identity window, the same
// unsafe.Slice bridging point DMAPool uses for driver buffers. kheap itself
// only ever sees []byte, so it stays host-testable under `go test` while
// this is the one place a page tier allocation becomes a real physical
// address.
type KernelPageSource struct {
	pages *pmm.Allocator
}

// NewKernelPageSource wraps an already-initialised physical page allocator
// as a kheap.PageSource.
func NewKernelPageSource(pages *pmm.Allocator) *KernelPageSource {
	return &KernelPageSource{pages: pages}
}

func (s *KernelPageSource) AllocatePages(n int) ([]byte, error) {
	region, ok := s.pages.AllocateRegion(n)
	if !ok {
		return nil, errno.ENOMEM
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(region.Start.ToIdent()))), region.Size)
	for i := range mem {
		mem[i] = 0
	}
	return mem, nil
}

func (s *KernelPageSource) FreePages(mem []byte) error {
	if len(mem) == 0 {
		return errno.EINVAL
	}
	va := addr.VirtAddr(uintptr(unsafe.Pointer(&mem[0])))
	return s.pages.FreeRegion(addr.FromIdent(va))
}
