package boot

import (
	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/pagetable"
)

// DeviceTreeVBase and UARTVBase are this port's fixed high-half addresses
// for the device tree blob and the boot UART, chosen the way the teacher's
// mmu.go hardcodes its own MMIO window addresses rather than discovering
// them at runtime: spec.md section 4.1 names both as fixed linker symbols
// (__devtree_start, the UART's MMIO window) rather than device-tree-derived
// values, since both must be mappable before internal/devicetree has
// anything to parse.
const (
	DeviceTreeVBase addr.VirtAddr = addr.KernelVBase + 0x4000_0000
	UARTVBase       addr.VirtAddr = addr.KernelVBase + 0x8000_0000
)

// KernelSegment is one contiguous, uniformly-permissioned slice of the
// kernel image — text, rodata, or data+bss — as the linker script lays it
// out. The linker script itself is outside this port's Go-expressible
// surface, so cmd/kernel's entry point supplies these from its own linker
// symbols rather than this package discovering them.
type KernelSegment struct {
	Phys  addr.PhysRegion
	Attrs pagetable.PageAttrs
}

// Params is everything BuildTranslationTables needs to reproduce spec.md
// section 4.1's bring-up mapping: the kernel image (identity plus
// KernelVirtBase), the device tree blob, the boot UART's MMIO window, and
// the scratch area the builder carves its own tables from.
type Params struct {
	KernelSegments []KernelSegment
	KernelVirtBase addr.VirtAddr
	DeviceTree     addr.PhysRegion
	UART           addr.PhysRegion
	Scratch        addr.PhysRegion
}

// round2MiB rounds n up to the 2 MiB granule Builder.MapRegion requires.
func round2MiB(n uintptr) uintptr { return addr.AlignUp(n, block2MiB) }

// BuildTranslationTables implements spec.md section 4.1's bring-up mapping:
// the kernel image both at its physical load address (identity) and at
// KernelVirtBase with whatever per-segment permissions the caller supplies
// (exec/read-only text/rodata, RW-no-exec data/bss), the device tree blob
// read-only at DeviceTreeVBase, and the boot UART's MMIO window at
// UARTVBase. Every region is rounded up to the enclosing 2 MiB granule
// before being handed to Builder, matching the teacher's initMMU, which
// always rounds a mapped span to whole sections rather than mapping a
// partial one.
func BuildTranslationTables(p Params) (*Builder, error) {
	b, err := NewBuilder(NewScratchTableSource(p.Scratch))
	if err != nil {
		return nil, err
	}

	if len(p.KernelSegments) > 0 {
		base := p.KernelSegments[0].Phys.Start
		for _, seg := range p.KernelSegments {
			size := round2MiB(seg.Phys.Size)
			phys := addr.PhysRegion{Start: seg.Phys.Start, Size: size}

			identVirt := addr.VirtRegion{Start: addr.VirtAddr(seg.Phys.Start), Size: size}
			if err := b.MapRegion(identVirt, phys, seg.Attrs); err != nil {
				return nil, err
			}

			offset := uintptr(seg.Phys.Start - base)
			highVirt := addr.VirtRegion{Start: p.KernelVirtBase.Add(offset), Size: size}
			if err := b.MapRegion(highVirt, phys, seg.Attrs); err != nil {
				return nil, err
			}
		}
	}

	if p.DeviceTree.Size > 0 {
		size := round2MiB(p.DeviceTree.Size)
		phys := addr.PhysRegion{Start: p.DeviceTree.Start, Size: size}
		virt := addr.VirtRegion{Start: DeviceTreeVBase, Size: size}
		if err := b.MapRegion(virt, phys, pagetable.PageAttrs{ReadOnly: true}); err != nil {
			return nil, err
		}
	}

	if p.UART.Size > 0 {
		size := round2MiB(p.UART.Size)
		phys := addr.PhysRegion{Start: p.UART.Start, Size: size}
		virt := addr.VirtRegion{Start: UARTVBase, Size: size}
		if err := b.MapRegion(virt, phys, pagetable.PageAttrs{Device: true}); err != nil {
			return nil, err
		}
	}

	return b, nil
}
