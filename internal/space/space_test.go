package space

import (
	"testing"

	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/pagetable"
)

// fakeTableSource backs pagetable.Manager with plain Go-heap tables, the
// same seam pagetable's own tests use.
type fakeTableSource struct {
	next  addr.PhysAddr
	cache map[addr.PhysAddr]*pagetable.Table
}

func newFakeTableSource() *fakeTableSource {
	return &fakeTableSource{next: 0x1000, cache: map[addr.PhysAddr]*pagetable.Table{}}
}

func (f *fakeTableSource) AllocateTable() (addr.PhysAddr, *pagetable.Table, error) {
	pa := f.next
	f.next += addr.PageSize
	tb := &pagetable.Table{}
	f.cache[pa] = tb
	return pa, tb, nil
}

func (f *fakeTableSource) FreeTable(pa addr.PhysAddr) error {
	delete(f.cache, pa)
	return nil
}

// fakePool backs DMAPool with a simple bump allocator over a Go byte slab,
// mirroring memmgr.DMAPool's contract without real physical memory.
type fakePool struct {
	next addr.PhysAddr
	mem  map[addr.PhysAddr][]byte
}

func newFakePool() *fakePool {
	return &fakePool{next: 0x10_0000, mem: map[addr.PhysAddr][]byte{}}
}

func (p *fakePool) Alloc(size uintptr) (addr.PhysAddr, []byte, error) {
	n := addr.AlignUp(size, addr.PageSize)
	pa := p.next
	p.next += addr.PhysAddr(n)
	buf := make([]byte, n)
	p.mem[pa] = buf
	return pa, buf, nil
}

func (p *fakePool) Free(pa addr.PhysAddr) error {
	delete(p.mem, pa)
	return nil
}

func newTestManager(t *testing.T) *SpaceManager {
	t.Helper()
	tables, err := pagetable.NewUserTables(newFakeTableSource())
	if err != nil {
		t.Fatalf("NewUserTables: %v", err)
	}
	return New(tables)
}

func TestPlaceRegionAutoPlacesAfterPrevious(t *testing.T) {
	sm := newTestManager(t)
	pool := newFakePool()

	backing1, err := NewOwnedAllocation(pool, addr.PageSize)
	if err != nil {
		t.Fatalf("NewOwnedAllocation: %v", err)
	}
	r1, err := sm.PlaceRegion(nil, OpRead|OpWrite, "first", backing1)
	if err != nil {
		t.Fatalf("PlaceRegion(first): %v", err)
	}

	backing2, err := NewOwnedAllocation(pool, addr.PageSize)
	if err != nil {
		t.Fatalf("NewOwnedAllocation: %v", err)
	}
	r2, err := sm.PlaceRegion(nil, OpRead, "second", backing2)
	if err != nil {
		t.Fatalf("PlaceRegion(second): %v", err)
	}

	if r2.Start != r1.End() {
		t.Errorf("r2.Start = %v, want %v", r2.Start, r1.End())
	}
}

func TestPlaceRegionOverlapIsEADDRINUSE(t *testing.T) {
	sm := newTestManager(t)
	pool := newFakePool()

	backing1, _ := NewOwnedAllocation(pool, 2*addr.PageSize)
	hint := virtAddrStart
	if _, err := sm.PlaceRegion(&hint, OpRead, "a", backing1); err != nil {
		t.Fatalf("PlaceRegion(a): %v", err)
	}

	backing2, _ := NewOwnedAllocation(pool, addr.PageSize)
	overlapHint := virtAddrStart.Add(addr.PageSize)
	if _, err := sm.PlaceRegion(&overlapHint, OpRead, "b", backing2); err != errno.EADDRINUSE {
		t.Errorf("err = %v, want EADDRINUSE", err)
	}
}

func TestPlaceRegionBeyondUserAddrMaxIsEINVAL(t *testing.T) {
	sm := newTestManager(t)
	pool := newFakePool()
	backing, _ := NewOwnedAllocation(pool, addr.PageSize)
	hint := addr.UserAddrMax
	if _, err := sm.PlaceRegion(&hint, OpRead, "oob", backing); err != errno.EINVAL {
		t.Errorf("err = %v, want EINVAL", err)
	}
}

func TestCheckRegionRespectsPermissions(t *testing.T) {
	sm := newTestManager(t)
	pool := newFakePool()
	backing, _ := NewOwnedAllocation(pool, addr.PageSize)
	region, err := sm.PlaceRegion(nil, OpRead, "ro", backing)
	if err != nil {
		t.Fatalf("PlaceRegion: %v", err)
	}

	if !sm.CheckRegion(region.Start, region.Size, OpRead) {
		t.Error("CheckRegion(OpRead) = false, want true")
	}
	if sm.CheckRegion(region.Start, region.Size, OpWrite) {
		t.Error("CheckRegion(OpWrite) = true, want false")
	}
	if sm.CheckRegion(region.Start.Add(region.Size-1), 2, OpRead) {
		t.Error("CheckRegion crossing region bounds = true, want false")
	}
}

func TestDeallocateUserspaceRegionRequiresExactMatch(t *testing.T) {
	sm := newTestManager(t)
	pool := newFakePool()
	backing, _ := NewOwnedAllocation(pool, 2*addr.PageSize)
	region, err := sm.PlaceRegion(nil, OpRead, "r", backing)
	if err != nil {
		t.Fatalf("PlaceRegion: %v", err)
	}

	if err := sm.DeallocateUserspaceRegion(region.Start, addr.PageSize); err != errno.EINVAL {
		t.Errorf("partial deallocate err = %v, want EINVAL", err)
	}
	if err := sm.DeallocateUserspaceRegion(region.Start, region.Size); err != nil {
		t.Fatalf("exact deallocate: %v", err)
	}
	if len(sm.Regions()) != 0 {
		t.Errorf("Regions() = %v, want empty", sm.Regions())
	}
}

func TestCloneForForkCopiesDataAndRemapsIntoFreshTables(t *testing.T) {
	sm := newTestManager(t)
	pool := newFakePool()
	backing, err := NewOwnedAllocation(pool, addr.PageSize)
	if err != nil {
		t.Fatalf("NewOwnedAllocation: %v", err)
	}
	backing.Bytes()[0] = 0x42
	region, err := sm.PlaceRegion(nil, OpRead|OpWrite, "data", backing)
	if err != nil {
		t.Fatalf("PlaceRegion: %v", err)
	}

	childTables, err := pagetable.NewUserTables(newFakeTableSource())
	if err != nil {
		t.Fatalf("NewUserTables: %v", err)
	}
	clone, err := sm.CloneForFork(childTables)
	if err != nil {
		t.Fatalf("CloneForFork: %v", err)
	}

	cloneRegions := clone.Regions()
	if len(cloneRegions) != 1 {
		t.Fatalf("clone Regions() = %v, want 1 entry", cloneRegions)
	}
	cloned := cloneRegions[0]
	if cloned.Region != region {
		t.Errorf("cloned.Region = %v, want %v", cloned.Region, region)
	}
	clonedBacking := cloned.Backing.(*OwnedAllocation)
	if clonedBacking.Bytes()[0] != 0x42 {
		t.Error("clone did not copy backing data")
	}
	clonedBacking.Bytes()[0] = 0x99
	if backing.Bytes()[0] == 0x99 {
		t.Error("clone shares storage with the original, want an independent copy")
	}
}

func TestAllocatePlacedRegionRejectsUnalignedRegion(t *testing.T) {
	sm := newTestManager(t)
	pool := newFakePool()
	unaligned := addr.UserRegion{Start: virtAddrStart, Size: 17}
	if _, err := sm.AllocatePlacedRegion(pool, unaligned, OpRead, "bad"); err != errno.EINVAL {
		t.Errorf("err = %v, want EINVAL", err)
	}
}

func TestRawRootPtrMatchesTableManager(t *testing.T) {
	source := newFakeTableSource()
	tables, err := pagetable.NewUserTables(source)
	if err != nil {
		t.Fatalf("NewUserTables: %v", err)
	}
	sm := New(tables)
	if sm.RawRootPtr() != tables.RootTable() {
		t.Errorf("RawRootPtr() = %v, want %v", sm.RawRootPtr(), tables.RootTable())
	}
}
