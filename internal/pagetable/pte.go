// Package pagetable is the translation-table manager (spec.md section
// 4.2): builds and edits AArch64 4-level (L0-L3) page tables, choosing the
// largest block granularity a region's alignment allows. Grounded on the
// teacher's mazboot/golang/main/mmu.go (PTE_* bit layout, the lazy
// per-level table allocation in mapPage, mapRegion's page-at-a-time loop)
// and generalized per spec.md to also emit L1 (1 GiB) and L2 (2 MiB) block
// descriptors instead of always descending to an L3 page, and to support
// unmapping, which the teacher's boot-time-only mapper never needed.
package pagetable

import "github.com/bekos-project/bekos/internal/addr"

// Page table entry bits, matching the teacher's mmu.go constants.
const (
	pteValid = 1 << 0
	pteTable = 1 << 1 // set at L0-L2 for a table descriptor, always set at L3
	pteAF    = 1 << 10
	pteNG    = 1 << 11
	pteUXN   = 1 << 54
	pteOrPXN = 1 << 53

	attrNormal = 0 << 2 // MAIR index 0: Normal, Inner/Outer Write-Back
	attrDevice = 1 << 2 // MAIR index 1: Device-nGnRnE

	shInner = 3 << 8

	apRWEL1Only = 1 << 6 // RW at EL1, no EL0 access
	apRW        = 0 << 6 // RW at EL1 and EL0
	apROEL1Only = 3 << 6
	apRO        = 2 << 6
)

// entryKind distinguishes, at L0-L2, a descriptor pointing at the next
// table (bits[1:0] = 0b11) from one that is itself a block mapping
// (bits[1:0] = 0b01); at L3 only the table-shaped encoding is valid
// (spec.md/teacher comment: "Leaving bit1 = 0 in an L3 entry yields an
// invalid descriptor").
type entryKind int

const (
	kindInvalid entryKind = iota
	kindBlock
	kindTable
)

func kindOf(entry uint64) entryKind {
	if entry&pteValid == 0 {
		return kindInvalid
	}
	if entry&pteTable != 0 {
		return kindTable
	}
	return kindBlock
}

// PageAttrs describes the memory type and permissions of a mapping.
type PageAttrs struct {
	Device         bool // Device-nGnRnE instead of Normal write-back memory
	ReadOnly       bool
	UserAccessible bool // mapping is reachable from EL0, not just EL1
	Executable     bool
}

// encode builds the lower+upper attribute bits shared by block and page
// descriptors. global controls the NG bit: kernel tables pass true,
// per-process tables pass false (spec.md Open Question 1: this kernel
// never allocates ASIDs, so non-global entries are still flushed by VA
// rather than by ASID).
func (p PageAttrs) encode(global bool) uint64 {
	var bits uint64 = pteValid | pteAF | shInner

	if p.Device {
		bits |= attrDevice
	} else {
		bits |= attrNormal
	}

	switch {
	case p.UserAccessible && p.ReadOnly:
		bits |= apRO
	case p.UserAccessible:
		bits |= apRW
	case p.ReadOnly:
		bits |= apROEL1Only
	default:
		bits |= apRWEL1Only
	}

	if !p.Executable {
		bits |= pteUXN
		if !p.UserAccessible {
			bits |= pteOrPXN
		}
	}
	if !global {
		bits |= pteNG
	}
	return bits
}

func blockDescriptor(pa addr.PhysAddr, attrs PageAttrs, global bool) uint64 {
	return uint64(pa) | attrs.encode(global) // bits[1:0] = 0b01: block
}

func pageDescriptor(pa addr.PhysAddr, attrs PageAttrs, global bool) uint64 {
	return uint64(pa) | pteTable | attrs.encode(global) // bits[1:0] = 0b11: page
}

func tableDescriptor(pa addr.PhysAddr) uint64 {
	return uint64(pa) | pteValid | pteTable
}

func descriptorAddr(entry uint64) addr.PhysAddr {
	return addr.PhysAddr(entry & 0x0000_FFFF_FFFF_F000) // output address, bits [47:12]
}
