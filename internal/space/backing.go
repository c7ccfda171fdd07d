package space

import (
	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/pagetable"
)

// DMAPool is the page allocator a Backing is built on: zeroed,
// physically-contiguous, page-granular memory with a []byte view through
// the identity window. internal/memmgr.DMAPool satisfies this structurally,
// which is what lets AllocatePlacedRegion and ELF loading reuse the same
// pool production code already allocates xHCI rings and device contexts
// from, rather than a second bespoke page-owning allocator.
type DMAPool interface {
	Alloc(size uintptr) (addr.PhysAddr, []byte, error)
	Free(phys addr.PhysAddr) error
}

// OwnedAllocation is a Backing over memory a SpaceManager owns outright:
// freed when the region is deallocated, copied byte-for-byte on fork.
// Matches the original's UserOwnedAllocation, minus its shared_ptr
// reference counting, which this kernel doesn't need since Go's garbage
// collector tracks Backing liveness.
type OwnedAllocation struct {
	pool  DMAPool
	phys  addr.PhysAddr
	bytes []byte
}

// NewOwnedAllocation allocates a zeroed, page-aligned backing of at least
// size bytes from pool.
func NewOwnedAllocation(pool DMAPool, size uintptr) (*OwnedAllocation, error) {
	phys, bytes, err := pool.Alloc(size)
	if err != nil {
		return nil, err
	}
	return &OwnedAllocation{pool: pool, phys: phys, bytes: bytes}, nil
}

// Bytes returns the identity-mapped view over the allocation, the seam the
// ELF loader and directory-enumeration syscalls write through.
func (o *OwnedAllocation) Bytes() []byte { return o.bytes }

func (o *OwnedAllocation) Size() uintptr { return uintptr(len(o.bytes)) }

func (o *OwnedAllocation) MapIntoTable(tables *pagetable.Manager, region addr.UserRegion, ops MemoryOperation) error {
	attrs := pagetable.PageAttrs{
		UserAccessible: true,
		ReadOnly:       !ops.Allows(OpWrite),
		Executable:     ops.Allows(OpExecute),
	}
	virt := addr.VirtRegion{Start: addr.VirtAddr(region.Start), Size: region.Size}
	phys := addr.PhysRegion{Start: o.phys, Size: uintptr(len(o.bytes))}
	return tables.MapRegion(virt, phys, attrs)
}

func (o *OwnedAllocation) UnmapFromTable(tables *pagetable.Manager, region addr.UserRegion) error {
	virt := addr.VirtRegion{Start: addr.VirtAddr(region.Start), Size: region.Size}
	if err := tables.UnmapRegion(virt); err != nil {
		return err
	}
	return o.pool.Free(o.phys)
}

// CloneForFork allocates a fresh backing of the same size and copies its
// contents byte-for-byte, matching the original's
// UserOwnedAllocation::clone_for_fork (a physical copy, since this kernel
// has no copy-on-write paging — spec.md's Non-goals exclude it).
func (o *OwnedAllocation) CloneForFork() (Backing, error) {
	clone, err := NewOwnedAllocation(o.pool, uintptr(len(o.bytes)))
	if err != nil {
		return nil, err
	}
	copy(clone.bytes, o.bytes)
	return clone, nil
}

var _ Backing = (*OwnedAllocation)(nil)
