package boot

import (
	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/klog"
	"github.com/bekos-project/bekos/internal/pagetable"
)

// block2MiB is the one granule the early builder ever maps at: spec.md
// section 4.1 describes every mapping request in terms of "each 2 MiB
// request", matching an L2 block descriptor exactly (internal/pagetable's
// blockSizeL2, unexported there, so this package restates the constant
// rather than importing an internal detail).
const block2MiB = 2 * 1024 * 1024

// Builder drives the translation-table bring-up sequence of spec.md
// section 4.1: a thin wrapper over pagetable.Manager that enforces the
// stricter per-request constraints early boot needs on top of Manager's
// general-purpose MapRegion (which permits any page-aligned, any-size
// region and picks a block size on its own). Grounded on the teacher's
// mapRegion, generalized the other direction from the teacher's raw
// page-at-a-time loop into this port's table-manager abstraction.
type Builder struct {
	tables  *pagetable.Manager
	scratch *ScratchTableSource
	log     *klog.Logger
}

// NewBuilder constructs the single root translation table every mapping
// this builder makes shares, backed by scratch.
func NewBuilder(scratch *ScratchTableSource) (*Builder, error) {
	tables, err := pagetable.NewKernelTables(scratch)
	if err != nil {
		return nil, err
	}
	return &Builder{tables: tables, scratch: scratch, log: klog.Default.WithComponent("boot")}, nil
}

// RootTable returns the physical address EnableMMU should load into
// TTBR0_EL1/TTBR1_EL1.
func (b *Builder) RootTable() addr.PhysAddr { return b.tables.RootTable() }

// Tables returns the pagetable.Manager backing every mapping this builder
// has made, for Bootstrap to keep mapping into once internal/pmm is up
// (the same root table, not a fresh one) rather than losing track of the
// mappings EnableMMU is already running under.
func (b *Builder) Tables() *pagetable.Manager { return b.tables }

// MapRegion maps virt to phys, one 2 MiB granule at a time (spec.md
// section 4.1). Returns EINVAL if either address isn't 2 MiB-aligned or
// the size isn't a whole multiple of 2 MiB; returns ENOMEM if the scratch
// area runs out partway through. A caller mapping a region smaller than 2
// MiB (the kernel image is usually a few hundred KiB) is expected to round
// its span up to the next 2 MiB boundary first, the same way the teacher's
// initMMU always rounds its mapped spans to whole sections.
func (b *Builder) MapRegion(virt addr.VirtRegion, phys addr.PhysRegion, attrs pagetable.PageAttrs) error {
	if virt.Size != phys.Size {
		return errno.EINVAL
	}
	if virt.Size == 0 || virt.Size%block2MiB != 0 {
		return errno.EINVAL
	}
	if uintptr(virt.Start)%block2MiB != 0 || uintptr(phys.Start)%block2MiB != 0 {
		return errno.EINVAL
	}

	va, pa := virt.Start, phys.Start
	for remaining := virt.Size; remaining > 0; remaining -= block2MiB {
		before := b.scratch.TablesAllocated()

		chunkVirt := addr.VirtRegion{Start: va, Size: block2MiB}
		chunkPhys := addr.PhysRegion{Start: pa, Size: block2MiB}
		if err := b.tables.MapRegion(chunkVirt, chunkPhys, attrs); err != nil {
			return err
		}

		// A single 2 MiB request can only ever need a fresh L1 (if this is
		// the first request to fall in that 1 GiB span) and a fresh L2 (if
		// this is the first request to fall in that 2 MiB span); anything
		// else means this builder or pagetable.Manager's block-selection
		// logic has drifted out of sync with spec.md's budget, a
		// programming error rather than a runtime condition to recover
		// from.
		if b.scratch.TablesAllocated()-before > 2 {
			b.log.Panicf("2 MiB request at %v allocated more than one L1 and one L2 table", va)
		}

		va, pa = va.Add(block2MiB), pa.Add(block2MiB)
	}
	return nil
}
