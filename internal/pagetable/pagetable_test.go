package pagetable

import (
	"testing"

	"github.com/bekos-project/bekos/internal/addr"
)

// fakeTableSource hands out synthetic page-aligned physical addresses,
// the same role internal/pmm plays in production.
type fakeTableSource struct {
	next addr.PhysAddr
}

func newFakeTableSource() *fakeTableSource {
	return &fakeTableSource{next: 0x8000_0000}
}

func (f *fakeTableSource) AllocateTable() (addr.PhysAddr, *Table, error) {
	pa := f.next
	f.next += addr.PageSize
	return pa, &Table{}, nil
}

func (f *fakeTableSource) FreeTable(addr.PhysAddr) error { return nil }

func TestMapRegionPicksLargestBlockGranule(t *testing.T) {
	src := newFakeTableSource()
	m, err := NewKernelTables(src)
	if err != nil {
		t.Fatalf("NewKernelTables: %v", err)
	}

	virt := addr.VirtRegion{Start: addr.VAStart, Size: blockSizeL1}
	phys := addr.PhysRegion{Start: 0x4000_0000, Size: blockSizeL1}
	if err := m.MapRegion(virt, phys, PageAttrs{}); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}

	l1, err := m.l1TableFor(virt.Start, false)
	if err != nil {
		t.Fatalf("l1TableFor: %v", err)
	}
	entry := l1.Entries[idx(virt.Start, l1Shift)]
	if kindOf(entry) != kindBlock {
		t.Fatalf("expected a 1 GiB-aligned, 1 GiB-sized region to be mapped as a single L1 block, got kind %v", kindOf(entry))
	}

	got, ok := m.Translate(virt.Start)
	if !ok || got != phys.Start {
		t.Errorf("Translate(start) = %v, %v; want %v, true", got, ok, phys.Start)
	}
	got, ok = m.Translate(virt.Start.Add(0x1234))
	if !ok || got != phys.Start.Add(0x1234) {
		t.Errorf("Translate(start+0x1234) = %v, %v; want %v, true", got, ok, phys.Start.Add(0x1234))
	}
}

func TestMapRegionFallsBackToPagesForUnalignedRequest(t *testing.T) {
	src := newFakeTableSource()
	m, err := NewKernelTables(src)
	if err != nil {
		t.Fatalf("NewKernelTables: %v", err)
	}

	virt := addr.VirtRegion{Start: addr.VAStart, Size: 3 * addr.PageSize}
	phys := addr.PhysRegion{Start: 0x4000_1000, Size: 3 * addr.PageSize}
	if err := m.MapRegion(virt, phys, PageAttrs{}); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}

	for i := 0; i < 3; i++ {
		va := virt.Start.Add(uintptr(i) * addr.PageSize)
		want := phys.Start.Add(uintptr(i) * addr.PageSize)
		got, ok := m.Translate(va)
		if !ok || got != want {
			t.Errorf("Translate(page %d) = %v, %v; want %v, true", i, got, ok, want)
		}
	}
}

func TestUnmapRegionClearsMapping(t *testing.T) {
	src := newFakeTableSource()
	m, err := NewKernelTables(src)
	if err != nil {
		t.Fatalf("NewKernelTables: %v", err)
	}

	virt := addr.VirtRegion{Start: addr.VAStart, Size: 2 * addr.PageSize}
	phys := addr.PhysRegion{Start: 0x4000_2000, Size: 2 * addr.PageSize}
	if err := m.MapRegion(virt, phys, PageAttrs{}); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	if _, ok := m.Translate(virt.Start); !ok {
		t.Fatal("expected mapping to exist before unmap")
	}

	if err := m.UnmapRegion(virt); err != nil {
		t.Fatalf("UnmapRegion: %v", err)
	}
	if _, ok := m.Translate(virt.Start); ok {
		t.Error("expected mapping to be gone after UnmapRegion")
	}
	if _, ok := m.Translate(virt.Start.Add(addr.PageSize)); ok {
		t.Error("expected second page's mapping to be gone after UnmapRegion")
	}
}

func TestMapRegionRejectsOverlap(t *testing.T) {
	src := newFakeTableSource()
	m, err := NewKernelTables(src)
	if err != nil {
		t.Fatalf("NewKernelTables: %v", err)
	}
	virt := addr.VirtRegion{Start: addr.VAStart, Size: addr.PageSize}
	phys := addr.PhysRegion{Start: 0x4000_0000, Size: addr.PageSize}
	if err := m.MapRegion(virt, phys, PageAttrs{}); err != nil {
		t.Fatalf("first MapRegion: %v", err)
	}
	if err := m.MapRegion(virt, phys, PageAttrs{}); err == nil {
		t.Fatal("expected mapping an already-mapped page to fail")
	}
}

func TestUserTablesAreNotGlobal(t *testing.T) {
	src := newFakeTableSource()
	m, err := NewUserTables(src)
	if err != nil {
		t.Fatalf("NewUserTables: %v", err)
	}
	virt := addr.VirtRegion{Start: 0x1000, Size: addr.PageSize}
	phys := addr.PhysRegion{Start: 0x4000_0000, Size: addr.PageSize}
	if err := m.MapRegion(virt, phys, PageAttrs{UserAccessible: true}); err != nil {
		t.Fatalf("MapRegion: %v", err)
	}
	l3, err := m.l3TableFor(virt.Start, false)
	if err != nil {
		t.Fatalf("l3TableFor: %v", err)
	}
	entry := l3.Entries[idx(virt.Start, l3Shift)]
	if entry&pteNG == 0 {
		t.Error("expected a per-process table's entry to carry the NG bit")
	}
}
