// Package boot is the early boot and translation-table builder (spec.md
// section 4.1): given the kernel's physical load address and the device
// tree's physical address, it builds the one root translation table the
// kernel runs under, enables the MMU, then hands off into the full
// hardware-discovery sequence (device tree probing, interrupt controller,
// timer, PCIe, USB) that brings the rest of the kernel's singletons up.
// Grounded throughout on the teacher's mazboot/golang/main/mmu.go
// (allocatePageTable's bump allocator, mapPage/mapRegion's lazy per-level
// table construction, initMMU's region list, enableMMU's register
// programming), adapted onto this port's internal/pagetable.Manager instead
// of mmu.go's raw pointer-indexed table arrays.
package boot

import (
	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/klog"
	"github.com/bekos-project/bekos/internal/pagetable"
)

// ScratchTableSource is a bump allocator over the linearly-allocated
// scratch area spec.md section 4.1 names as the only page-table storage
// available before internal/pmm exists: "the builder consumes a
// linearly-allocated scratch area (__initial_pgtables_start ..
// __initial_pgtables_end)". Grounded on the teacher's allocatePageTable,
// which bumps an offset into a fixed PAGE_TABLE_BASE/PAGE_TABLE_SIZE
// region and fails once PAGE_TABLE_SIZE is exceeded; this port represents
// each table as a Go-level pagetable.Table rather than reinterpreting raw
// bytes at a hardware address, so the allocator runs under `go test`
// without a real physical scratch region, following the same
// synthetic-physical-address convention pagetable_test.go's own fake
// TableSource already uses.
type ScratchTableSource struct {
	region addr.PhysRegion
	used   uintptr
	log    *klog.Logger
}

// NewScratchTableSource wraps a scratch region that is not itself mapped
// by any table it will go on to hold.
func NewScratchTableSource(region addr.PhysRegion) *ScratchTableSource {
	return &ScratchTableSource{
		region: region,
		log:    klog.Default.WithComponent("boot"),
	}
}

// AllocateTable hands out the next page-sized slice of the scratch region,
// failing with ENOMEM once the region is exhausted (spec.md: "fails if
// scratch runs out").
func (s *ScratchTableSource) AllocateTable() (addr.PhysAddr, *pagetable.Table, error) {
	if s.used+addr.PageSize > s.region.Size {
		s.log.Warnf("page-table scratch area exhausted after %d bytes (region %v)", s.used, s.region)
		return 0, nil, errno.ENOMEM
	}
	pa := s.region.Start.Add(s.used)
	s.used += addr.PageSize
	return pa, &pagetable.Table{}, nil
}

// FreeTable is unsupported: the scratch allocator never reclaims a table,
// matching the teacher's allocatePageTable, which has no corresponding
// free function — early boot only ever grows its mapping, it never tears
// one down.
func (s *ScratchTableSource) FreeTable(addr.PhysAddr) error { return errno.ENOTSUP }

// TablesAllocated reports how many tables have been handed out so far.
// Builder uses this to assert spec.md's "at most one new L1 and one new L2
// table per 2 MiB request" invariant.
func (s *ScratchTableSource) TablesAllocated() int { return int(s.used / addr.PageSize) }

// BytesUsed reports how much of the scratch region has been consumed.
func (s *ScratchTableSource) BytesUsed() uintptr { return s.used }

var _ pagetable.TableSource = (*ScratchTableSource)(nil)
