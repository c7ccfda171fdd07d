// Package space is the per-process address-space region index (spec.md
// section 4.6): a SpaceManager owns a user TableManager (internal/pagetable)
// and a sorted, non-overlapping list of UserspaceRegion, each backed by an
// owned physical allocation. Grounded on
// original_source/kernel/src/mm/space_manager.cpp's SpaceManager, whose
// ad-hoc bek::vector<UserspaceRegion> linear scan this package replaces
// with a github.com/google/btree-ordered index: invariant 3 ("for all
// ordered pairs of regions, region[i].end() <= region[i+1].start") is
// exactly what an ordered tree keyed on region start maintains for free.
package space

import (
	"github.com/google/btree"

	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/klog"
	"github.com/bekos-project/bekos/internal/pagetable"
)

// virtAddrStart is the floor address place_region falls back to when the
// region index is empty and no hint was given, matching the original's
// virt_addr_start.
const virtAddrStart = addr.UserAddr(0x0000_0000_0050_0000)

const btreeDegree = 32

// MemoryOperation is the r/w/x permission triple a region is placed with
// and checked against, matching the original's MemoryOperation bitmask.
type MemoryOperation uint8

const (
	OpRead MemoryOperation = 1 << iota
	OpWrite
	OpExecute
)

// Allows reports whether m grants every bit set in op.
func (m MemoryOperation) Allows(op MemoryOperation) bool { return m&op == op }

// Backing is the allocation behind a userspace region. It knows how to map
// and unmap itself into a translation table and how to produce an
// independent copy of itself for sys_fork.
type Backing interface {
	Size() uintptr
	MapIntoTable(tables *pagetable.Manager, region addr.UserRegion, ops MemoryOperation) error
	UnmapFromTable(tables *pagetable.Manager, region addr.UserRegion) error
	CloneForFork() (Backing, error)
}

// UserspaceRegion is one entry in a SpaceManager's region index.
type UserspaceRegion struct {
	Region      addr.UserRegion
	Backing     Backing
	Name        string
	Permissions MemoryOperation
}

func regionLess(a, b UserspaceRegion) bool { return a.Region.Start < b.Region.Start }

// SpaceManager is a process's address-space region index (spec.md section
// 4.6).
type SpaceManager struct {
	tables  *pagetable.Manager
	regions *btree.BTreeG[UserspaceRegion]
	log     *klog.Logger
}

// New wraps an already-constructed user TableManager (internal/pagetable's
// NewUserTables) in a fresh, empty SpaceManager.
func New(tables *pagetable.Manager) *SpaceManager {
	return &SpaceManager{
		tables:  tables,
		regions: btree.NewG(btreeDegree, regionLess),
		log:     klog.Default.WithComponent("space"),
	}
}

// Regions returns every region in start order, for tests and debug print.
func (s *SpaceManager) Regions() []UserspaceRegion {
	regions := make([]UserspaceRegion, 0, s.regions.Len())
	s.regions.Ascend(func(r UserspaceRegion) bool {
		regions = append(regions, r)
		return true
	})
	return regions
}

func (s *SpaceManager) overlaps(desired addr.UserRegion) bool {
	conflict := false
	s.regions.Ascend(func(r UserspaceRegion) bool {
		if r.Region.Overlaps(desired) {
			conflict = true
			return false
		}
		return true
	})
	return conflict
}

// PlaceRegion chooses an address for backing (the hint if given, else
// immediately after the last placed region, else virtAddrStart), verifies
// it doesn't overlap an existing region and fits under UserAddrMax, maps
// backing into the table with the given permissions, and records the
// region. Matches the original's place_region.
func (s *SpaceManager) PlaceRegion(hint *addr.UserAddr, ops MemoryOperation, name string, backing Backing) (addr.UserRegion, error) {
	size := addr.AlignUp(backing.Size(), addr.PageSize)

	var start addr.UserAddr
	switch {
	case hint != nil:
		start = *hint
	case s.regions.Len() != 0:
		last, _ := s.regions.Max()
		start = addr.UserAddr(addr.AlignUp(uintptr(last.Region.End()), addr.PageSize))
	default:
		start = virtAddrStart
	}

	desired := addr.UserRegion{Start: start, Size: size}
	if !desired.WithinMax() {
		return addr.UserRegion{}, errno.EINVAL
	}
	if s.overlaps(desired) {
		return addr.UserRegion{}, errno.EADDRINUSE
	}

	if err := backing.MapIntoTable(s.tables, desired, ops); err != nil {
		return addr.UserRegion{}, err
	}

	s.regions.ReplaceOrInsert(UserspaceRegion{Region: desired, Backing: backing, Name: name, Permissions: ops})
	return desired, nil
}

// AllocatePlacedRegion allocates a fresh owned backing of exactly region's
// size and places it at region's address. Matches the original's
// allocate_placed_region, built on this kernel's memmgr.DMAPool rather
// than a bespoke UserOwnedAllocation type (spec.md section 4.4's pool is
// the same "zeroed, page-granular, physically contiguous" allocation the
// original's UserOwnedAllocation::create_contiguous performs).
func (s *SpaceManager) AllocatePlacedRegion(pool DMAPool, region addr.UserRegion, ops MemoryOperation, name string) (*OwnedAllocation, error) {
	if !region.IsPageAligned() {
		return nil, errno.EINVAL
	}
	backing, err := NewOwnedAllocation(pool, region.Size)
	if err != nil {
		return nil, err
	}
	hint := region.Start
	if _, err := s.PlaceRegion(&hint, ops, name, backing); err != nil {
		return nil, err
	}
	return backing, nil
}

// DeallocateUserspaceRegion removes the region starting at start with the
// given size. The match must be exact: splitting a region is not
// supported, matching the original's TODO-annotated deallocate_userspace_region.
func (s *SpaceManager) DeallocateUserspaceRegion(start addr.UserAddr, size uintptr) error {
	var target *UserspaceRegion
	s.regions.Ascend(func(r UserspaceRegion) bool {
		if r.Region.Start == start && r.Region.Size == size {
			found := r
			target = &found
			return false
		}
		return true
	})
	if target == nil {
		return errno.EINVAL
	}
	if err := target.Backing.UnmapFromTable(s.tables, target.Region); err != nil {
		return err
	}
	s.regions.Delete(*target)
	return nil
}

// CheckRegion reports whether [start, start+size) lies fully within a
// single placed region and that region's permissions allow op.
func (s *SpaceManager) CheckRegion(start addr.UserAddr, size uintptr, op MemoryOperation) bool {
	want := addr.UserRegion{Start: start, Size: size}
	allowed := false
	s.regions.Ascend(func(r UserspaceRegion) bool {
		if r.Region.ContainsRegion(want) {
			allowed = r.Permissions.Allows(op)
			return false
		}
		return true
	})
	return allowed
}

// CloneForFork produces a new SpaceManager over freshTables whose regions
// each wrap the result of the corresponding backing's CloneForFork,
// re-mapped into freshTables. Matches the original's clone_for_fork.
func (s *SpaceManager) CloneForFork(freshTables *pagetable.Manager) (*SpaceManager, error) {
	clone := New(freshTables)
	var failure error
	s.regions.Ascend(func(r UserspaceRegion) bool {
		newBacking, err := r.Backing.CloneForFork()
		if err != nil {
			failure = err
			return false
		}
		if err := newBacking.MapIntoTable(freshTables, r.Region, r.Permissions); err != nil {
			failure = err
			return false
		}
		clone.regions.ReplaceOrInsert(UserspaceRegion{Region: r.Region, Backing: newBacking, Name: r.Name, Permissions: r.Permissions})
		return true
	})
	if failure != nil {
		return nil, failure
	}
	return clone, nil
}

// RawRootPtr returns the physical address to load into TTBR0_EL1 for this
// process.
func (s *SpaceManager) RawRootPtr() addr.PhysAddr { return s.tables.RootTable() }

// byteAccessible is implemented by a Backing that exposes its bytes
// directly. OwnedAllocation is the only Backing this kernel constructs, so
// this is always satisfied in practice; a hypothetical Backing with no
// direct byte view simply can't be Translated through.
type byteAccessible interface {
	Bytes() []byte
}

// Translate resolves [start, start+size) against the single owning
// region's permissions and backing, returning the corresponding slice of
// that backing's bytes. This is the syscall layer's stand-in for the
// original's create_user_buffer: validating a userspace pointer and
// getting a slice to read or write through it, without a real MMU walk.
func (s *SpaceManager) Translate(start addr.UserAddr, size uintptr, op MemoryOperation) ([]byte, error) {
	want := addr.UserRegion{Start: start, Size: size}
	var result []byte
	var outcome error
	s.regions.Ascend(func(r UserspaceRegion) bool {
		if !r.Region.ContainsRegion(want) {
			return true
		}
		if !r.Permissions.Allows(op) {
			outcome = errno.EFAULT
			return false
		}
		accessible, ok := r.Backing.(byteAccessible)
		if !ok {
			outcome = errno.EFAULT
			return false
		}
		offset := uintptr(start) - uintptr(r.Region.Start)
		result = accessible.Bytes()[offset : offset+size]
		return false
	})
	if result == nil && outcome == nil {
		outcome = errno.EFAULT
	}
	return result, outcome
}
