package pagetable

import (
	"unsafe"

	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/errno"
)

// pageAllocator is the subset of *pmm.Allocator a TableSource needs: one
// page in, one page out. Named separately so tests can supply a fake
// without constructing a real pmm.Allocator.
type pageAllocator interface {
	AllocateRegion(nPages int) (addr.PhysRegion, bool)
	FreeRegion(start addr.PhysAddr) error
}

// PMMTableSource is the production TableSource: every table is a single
// physical page drawn from internal/pmm, viewed as a *Table through the
// identity window with unsafe.Slice. This is the single bridging point
// between this package's Go-level Table struct and real physical memory,
// the same shape internal/kheap's page tier and internal/memmgr.DMAPool use
// at their own single unsafe.Slice call sites.
//
// Used for every Manager built after internal/pmm is up: the kernel's own
// tables once internal/boot promotes out of its scratch-area bootstrap, and
// every per-process table SpawnUserProcess/Fork builds.
type PMMTableSource struct {
	pages pageAllocator
}

// NewPMMTableSource wraps an already-initialised physical page allocator.
func NewPMMTableSource(pages pageAllocator) *PMMTableSource {
	return &PMMTableSource{pages: pages}
}

func (s *PMMTableSource) AllocateTable() (addr.PhysAddr, *Table, error) {
	region, ok := s.pages.AllocateRegion(1)
	if !ok {
		return 0, nil, errno.ENOMEM
	}
	tb := tableAt(region.Start.ToIdent())
	*tb = Table{}
	return region.Start, tb, nil
}

func (s *PMMTableSource) FreeTable(pa addr.PhysAddr) error {
	return s.pages.FreeRegion(pa)
}

// tableAt reinterprets the page-sized identity-window memory at va as a
// Table. addr.PageSize and unsafe.Sizeof(Table{}) are both 4096 bytes by
// construction (512 entries * 8 bytes), so the reinterpretation covers
// exactly one physical page with nothing left over.
func tableAt(va addr.VirtAddr) *Table {
	return (*Table)(unsafe.Pointer(uintptr(va)))
}

var _ TableSource = (*PMMTableSource)(nil)
