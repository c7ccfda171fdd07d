package memmgr

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/pagetable"
)

// fakeIOBacking stands in for real MMIO: a plain byte slice addressed by
// offset, since a DeviceArea's virtual address is not real host memory
// under `go test`.
type fakeIOBacking struct {
	mem []byte
}

func (f *fakeIOBacking) read32(off uintptr) uint32 { return binary.LittleEndian.Uint32(f.mem[off:]) }
func (f *fakeIOBacking) write32(off uintptr, v uint32) {
	binary.LittleEndian.PutUint32(f.mem[off:], v)
}
func (f *fakeIOBacking) read64(off uintptr) uint64 { return binary.LittleEndian.Uint64(f.mem[off:]) }
func (f *fakeIOBacking) write64(off uintptr, v uint64) {
	binary.LittleEndian.PutUint64(f.mem[off:], v)
}

func TestMain(m *testing.M) {
	restore := SetIOBackingFactoryForTest(func(addr.VirtAddr) ioBacking {
		return &fakeIOBacking{mem: make([]byte, 0x10000)}
	})
	code := m.Run()
	restore()
	os.Exit(code)
}

type fakeTableSource struct {
	next addr.PhysAddr
}

func (f *fakeTableSource) AllocateTable() (addr.PhysAddr, *pagetable.Table, error) {
	pa := f.next
	f.next += addr.PageSize
	return pa, &pagetable.Table{}, nil
}

func (f *fakeTableSource) FreeTable(addr.PhysAddr) error { return nil }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	tables, err := pagetable.NewKernelTables(&fakeTableSource{next: 0x9000_0000})
	if err != nil {
		t.Fatalf("NewKernelTables: %v", err)
	}
	return newManager(tables)
}

func TestMapForIOReturnsUsableDeviceArea(t *testing.T) {
	m := newTestManager(t)
	region := addr.PhysRegion{Start: 0x0900_0000, Size: 0x1000}
	area, err := m.MapForIO(region)
	if err != nil {
		t.Fatalf("MapForIO: %v", err)
	}
	if area.Size() != region.Size {
		t.Errorf("Size() = %d, want %d", area.Size(), region.Size)
	}
	if err := area.Write32(0x0, 0xDEADBEEF); err != nil {
		t.Fatalf("Write32: %v", err)
	}
}

func TestMapForIOOutOfBoundsAccessFails(t *testing.T) {
	m := newTestManager(t)
	area, err := m.MapForIO(addr.PhysRegion{Start: 0x0900_0000, Size: 0x100})
	if err != nil {
		t.Fatalf("MapForIO: %v", err)
	}
	if _, err := area.Read32(0x200); err == nil {
		t.Fatal("expected out-of-bounds Read32 to fail")
	}
}

func TestMapForIOAdvancesIOHole(t *testing.T) {
	m := newTestManager(t)
	first := m.next
	if _, err := m.MapForIO(addr.PhysRegion{Start: 0x0900_0000, Size: 0x1000}); err != nil {
		t.Fatalf("MapForIO: %v", err)
	}
	if m.next != first.Add(addr.PageSize) {
		t.Errorf("next = %v, want %v", m.next, first.Add(addr.PageSize))
	}
}
