package pagetable

import (
	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/arch"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/klog"
)

const (
	entriesPerTable = 512

	l0Shift = 39 // root table: always a table descriptor, never a block
	l1Shift = 30
	l2Shift = 21
	l3Shift = 12

	l0Span = uintptr(1) << l0Shift

	// blockSizeL1 and blockSizeL2 are the two block-descriptor granules the
	// architecture defines for a 4 KiB translation granule: an L1 entry can
	// cover 1 GiB, an L2 entry 2 MiB. L3 entries are always single 4 KiB
	// pages (addr.PageSize).
	blockSizeL1 = uintptr(1) << l1Shift
	blockSizeL2 = uintptr(1) << l2Shift
)

func idx(va addr.VirtAddr, shift uint) int {
	return int((uint64(va) >> shift) & (entriesPerTable - 1))
}

// Table is one level of the translation table: 512 64-bit descriptors.
// Grounded on the teacher's raw `[]uintptr` table pointers in mmu.go,
// replaced with a Go-level struct so tests can hold tables without real
// physical memory; the production TableSource bridges a table's backing
// page to this struct with unsafe.Slice at the point it is allocated.
type Table struct {
	Entries [entriesPerTable]uint64
}

// TableSource supplies zeroed, page-sized tables and reports the physical
// address under which the hardware will reference each one. Production
// code backs this with internal/pmm (one page per table) plus an
// unsafe.Slice view over the identity-mapped window; tests back it with
// plain Go-heap tables and synthetic addresses.
type TableSource interface {
	AllocateTable() (addr.PhysAddr, *Table, error)
	FreeTable(addr.PhysAddr) error
}

// Manager owns one root (L0) translation table and every table reachable
// from it. A Manager is either the single global kernel table or one
// per-process table (spec.md section 4.2: "two factory methods for
// global vs per-process tables").
type Manager struct {
	source TableSource
	root   addr.PhysAddr
	rootTb *Table
	global bool // controls the NG bit on every entry this Manager creates

	// tables indexes every table this Manager has allocated by physical
	// address, letting the walker turn a parent entry's physical pointer
	// back into the Go-level Table the source gave us, without assuming a
	// live identity-mapped window is available (mirrors internal/kheap's
	// side-table approach to keeping raw-pointer bookkeeping host-testable).
	tables map[addr.PhysAddr]*Table

	log *klog.Logger
}

func newManager(source TableSource, global bool) (*Manager, error) {
	root, rootTb, err := source.AllocateTable()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		source: source,
		root:   root,
		rootTb: rootTb,
		global: global,
		tables: map[addr.PhysAddr]*Table{root: rootTb},
		log:    klog.Default.WithComponent("pagetable"),
	}
	return m, nil
}

// NewKernelTables constructs the single global translation table the
// kernel itself runs under (TTBR1_EL1). Its entries are global (NG=0), so
// a TLB entry stays valid across every process's ASID.
func NewKernelTables(source TableSource) (*Manager, error) {
	return newManager(source, true)
}

// NewUserTables constructs a translation table for one process's address
// space (TTBR0_EL1 when that process runs). Its entries are marked
// non-global because they are only valid while this process's mappings
// are current (spec.md Open Question 1 explains why this still uses
// per-page TLBI rather than an ASID-tagged invalidation).
func NewUserTables(source TableSource) (*Manager, error) {
	return newManager(source, false)
}

// RootTable returns the physical address to load into TTBRn_EL1.
func (m *Manager) RootTable() addr.PhysAddr { return m.root }

func (m *Manager) tableFor(entry uint64) (*Table, error) {
	pa := descriptorAddr(entry)
	tb, ok := m.tables[pa]
	if !ok {
		return nil, errno.EFAULT
	}
	return tb, nil
}

// childTableFor returns the table that parent.Entries[i] points to,
// allocating it first if that entry is currently invalid and create is
// true. Returns EEXIST if the entry is already a block, since a block
// descriptor cannot be descended into.
func (m *Manager) childTableFor(parent *Table, i int, create bool) (*Table, error) {
	switch kindOf(parent.Entries[i]) {
	case kindTable:
		return m.tableFor(parent.Entries[i])
	case kindBlock:
		return nil, errno.EEXIST
	default:
		if !create {
			return nil, errno.ENOENT
		}
		pa, tb, err := m.source.AllocateTable()
		if err != nil {
			return nil, err
		}
		m.tables[pa] = tb
		parent.Entries[i] = tableDescriptor(pa)
		return tb, nil
	}
}

func (m *Manager) l1TableFor(va addr.VirtAddr, create bool) (*Table, error) {
	return m.childTableFor(m.rootTb, idx(va, l0Shift), create)
}

func (m *Manager) l2TableFor(va addr.VirtAddr, create bool) (*Table, error) {
	l1, err := m.l1TableFor(va, create)
	if err != nil {
		return nil, err
	}
	return m.childTableFor(l1, idx(va, l1Shift), create)
}

// l3TableFor returns the L3 table that owns va, allocating L1/L2 ancestors
// as needed, mirroring the teacher's lazy per-level allocation in mapPage.
func (m *Manager) l3TableFor(va addr.VirtAddr, create bool) (*Table, error) {
	l2, err := m.l2TableFor(va, create)
	if err != nil {
		return nil, err
	}
	return m.childTableFor(l2, idx(va, l2Shift), create)
}

// MapRegion maps virt to phys (spec.md section 4.2 "map_region"), choosing
// the largest block granularity (1 GiB, 2 MiB, or 4 KiB) that the regions'
// alignment and remaining length allow, exactly like the teacher's
// mapRegion but extended to emit block descriptors instead of always
// walking to an L3 page.
func (m *Manager) MapRegion(virt addr.VirtRegion, phys addr.PhysRegion, attrs PageAttrs) error {
	if virt.Size != phys.Size {
		return errno.EINVAL
	}
	if !virt.IsPageAligned() || !phys.IsPageAligned() {
		return errno.EINVAL
	}

	va := virt.Start
	pa := phys.Start
	remaining := virt.Size

	for remaining > 0 {
		switch {
		case remaining >= blockSizeL1 && uintptr(va)%blockSizeL1 == 0 && uintptr(pa)%blockSizeL1 == 0:
			if err := m.mapL1Block(va, pa, attrs); err != nil {
				return err
			}
			va, pa, remaining = va.Add(blockSizeL1), pa.Add(blockSizeL1), remaining-blockSizeL1

		case remaining >= blockSizeL2 && uintptr(va)%blockSizeL2 == 0 && uintptr(pa)%blockSizeL2 == 0:
			if err := m.mapL2Block(va, pa, attrs); err != nil {
				return err
			}
			va, pa, remaining = va.Add(blockSizeL2), pa.Add(blockSizeL2), remaining-blockSizeL2

		default:
			if err := m.mapL3Page(va, pa, attrs); err != nil {
				return err
			}
			va, pa, remaining = va.Add(addr.PageSize), pa.Add(addr.PageSize), remaining-addr.PageSize
		}
	}
	return nil
}

func (m *Manager) mapL1Block(va addr.VirtAddr, pa addr.PhysAddr, attrs PageAttrs) error {
	l1, err := m.l1TableFor(va, true)
	if err != nil {
		return err
	}
	i := idx(va, l1Shift)
	if kindOf(l1.Entries[i]) != kindInvalid {
		return errno.EEXIST
	}
	l1.Entries[i] = blockDescriptor(pa, attrs, m.global)
	return nil
}

func (m *Manager) mapL2Block(va addr.VirtAddr, pa addr.PhysAddr, attrs PageAttrs) error {
	l2, err := m.l2TableFor(va, true)
	if err != nil {
		return err
	}
	i := idx(va, l2Shift)
	if kindOf(l2.Entries[i]) != kindInvalid {
		return errno.EEXIST
	}
	l2.Entries[i] = blockDescriptor(pa, attrs, m.global)
	return nil
}

func (m *Manager) mapL3Page(va addr.VirtAddr, pa addr.PhysAddr, attrs PageAttrs) error {
	l3, err := m.l3TableFor(va, true)
	if err != nil {
		return err
	}
	i := idx(va, l3Shift)
	if kindOf(l3.Entries[i]) != kindInvalid {
		return errno.EEXIST
	}
	l3.Entries[i] = pageDescriptor(pa, attrs, m.global)
	return nil
}

// UnmapRegion clears every descriptor covering virt and invalidates the
// TLB. Per spec.md's resolved Open Question 1, invalidation is always
// per-page TLBI VAE1IS + DSB ISH + ISB, even for block mappings and for
// per-process tables, since this kernel never allocates an ASID to tag a
// narrower invalidation with.
func (m *Manager) UnmapRegion(virt addr.VirtRegion) error {
	if !virt.IsPageAligned() {
		return errno.EINVAL
	}
	va := virt.Start
	end := va.Add(virt.Size)

	for va < end {
		next, err := m.clearOneEntry(va)
		if err != nil {
			return err
		}
		for p := va; p < next && p < end; p = p.Add(addr.PageSize) {
			arch.InvalidateTLBPage(uintptr(p))
		}
		va = next
	}
	arch.DataSynchronizationBarrier("ish")
	arch.InstructionSynchronizationBarrier()
	return nil
}

// clearOneEntry finds and invalidates the single descriptor (at whichever
// level) covering va, returning the virtual address immediately after the
// span that descriptor covered. A missing ancestor (nothing mapped there
// at all) is not an error: it simply has no effect and is skipped.
func (m *Manager) clearOneEntry(va addr.VirtAddr) (addr.VirtAddr, error) {
	i0 := idx(va, l0Shift)
	if kindOf(m.rootTb.Entries[i0]) == kindInvalid {
		return va.Add(l0Span), nil
	}
	l1, err := m.tableFor(m.rootTb.Entries[i0])
	if err != nil {
		return 0, err
	}

	i1 := idx(va, l1Shift)
	switch kindOf(l1.Entries[i1]) {
	case kindInvalid:
		return va.Add(blockSizeL1), nil
	case kindBlock:
		l1.Entries[i1] = 0
		return va.Add(blockSizeL1), nil
	}
	l2, err := m.tableFor(l1.Entries[i1])
	if err != nil {
		return 0, err
	}

	i2 := idx(va, l2Shift)
	switch kindOf(l2.Entries[i2]) {
	case kindInvalid:
		return va.Add(blockSizeL2), nil
	case kindBlock:
		l2.Entries[i2] = 0
		return va.Add(blockSizeL2), nil
	}
	l3, err := m.tableFor(l2.Entries[i2])
	if err != nil {
		return 0, err
	}

	i3 := idx(va, l3Shift)
	l3.Entries[i3] = 0
	return va.Add(addr.PageSize), nil
}

// Translate walks the table to find the physical address va currently
// maps to, for diagnostics (grounded on the teacher's getPhysicalAddress).
func (m *Manager) Translate(va addr.VirtAddr) (addr.PhysAddr, bool) {
	e0 := m.rootTb.Entries[idx(va, l0Shift)]
	if kindOf(e0) != kindTable {
		return 0, false
	}
	l1, err := m.tableFor(e0)
	if err != nil {
		return 0, false
	}

	e1 := l1.Entries[idx(va, l1Shift)]
	switch kindOf(e1) {
	case kindInvalid:
		return 0, false
	case kindBlock:
		return descriptorAddr(e1) + addr.PhysAddr(uintptr(va)&(blockSizeL1-1)), true
	}
	l2, err := m.tableFor(e1)
	if err != nil {
		return 0, false
	}

	e2 := l2.Entries[idx(va, l2Shift)]
	switch kindOf(e2) {
	case kindInvalid:
		return 0, false
	case kindBlock:
		return descriptorAddr(e2) + addr.PhysAddr(uintptr(va)&(blockSizeL2-1)), true
	}
	l3, err := m.tableFor(e2)
	if err != nil {
		return 0, false
	}

	e3 := l3.Entries[idx(va, l3Shift)]
	if kindOf(e3) == kindInvalid {
		return 0, false
	}
	return descriptorAddr(e3) + addr.PhysAddr(uintptr(va)&(addr.PageSize-1)), true
}
