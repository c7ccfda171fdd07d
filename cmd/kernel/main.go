// Command kernel is the kernel's entry point: it owns the handful of
// boot-time values a real linker script and assembly trampoline would
// populate before transferring control here (the kernel image's segment
// layout, the device tree's load address, the boot UART's MMIO window, and
// the scratch area for early translation tables), then runs internal/boot's
// bring-up sequence. Grounded on the teacher's kernel.go's kernelMainBody,
// which runs the same "UART breadcrumbs, parse device tree, bring up
// memory and drivers" staged sequence from its own assembly-switched entry
// point; this port keeps that staging but pushes the actual bring-up logic
// into internal/boot so it is unit-testable, the same split internal/arch
// draws between hardware primitives and the pure-Go logic built on them.
package main

import (
	"unsafe"

	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/arch"
	"github.com/bekos-project/bekos/internal/boot"
	"github.com/bekos-project/bekos/internal/bootcfg"
	"github.com/bekos-project/bekos/internal/klog"
	"github.com/bekos-project/bekos/internal/process"
)

// bootParams is filled in by the assembly trampoline (outside this port's
// Go-expressible surface) before jumping to main: the kernel's own
// load-time segment layout and the device tree/UART/scratch physical
// windows. There is no fixed default for any of these — they are
// load-time values the trampoline reads from the bootloader.
var bootParams boot.Params

// bootStack is the stack main is already running on when it is entered; it
// becomes the root kernel process's kernel stack once scheduling starts,
// mirroring the teacher's kernelMainBody running on a stack switched to by
// assembly before any Go code executes.
var bootStack []byte

// stackScratch backs fixedStackAllocator, a physical region distinct from
// bootParams.Scratch: the two are never confused, since page tables and
// kernel stacks drawn from the same bump region would silently overlap.
var stackScratch addr.PhysRegion

// fixedStackAllocator serves kernel stacks out of a pre-carved scratch
// region, standing in for a pmm-backed allocator until some process other
// than the root one needs a fresh kernel stack (at which point
// SpawnKernelProcess would need a real internal/pmm-backed
// KernelStackAllocator — a later cmd/kernel concern, not internal/boot's).
// Grounded on the teacher's PAGE_TABLE_BASE/PAGE_TABLE_SIZE convention for
// fixed-region allocations that predate the real page allocator.
type fixedStackAllocator struct {
	region addr.PhysRegion
	used   uintptr
}

func (a *fixedStackAllocator) Allocate(size uintptr) ([]byte, error) {
	if a.used+size > a.region.Size {
		panic("cmd/kernel: fixed kernel-stack scratch exhausted")
	}
	va := a.region.Start.Add(a.used).ToIdent()
	a.used += size
	return unsafeBytes(va, size), nil
}

func (a *fixedStackAllocator) Free([]byte) error { return nil }

var _ process.KernelStackAllocator = (*fixedStackAllocator)(nil)

// unsafeBytes views the page-granular memory at va as a []byte through the
// identity window, the single bridging point this package needs between a
// virtual address and Go-visible memory (the same discipline
// internal/memmgr.DMAPool and internal/pagetable.PMMTableSource use at
// their own allocation points).
func unsafeBytes(va addr.VirtAddr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), size)
}

func main() {
	log := klog.Default.WithComponent("kernel")

	builder, err := boot.BuildTranslationTables(bootParams)
	if err != nil {
		log.Panicf("failed to build translation tables: %v", err)
	}
	boot.EnableMMU(builder.RootTable())

	dtbVirt := unsafeBytes(boot.DeviceTreeVBase, bootParams.DeviceTree.Size)
	cfg := bootcfg.Default()
	stacks := &fixedStackAllocator{region: stackScratch}

	result, err := boot.Bootstrap(builder.Tables(), dtbVirt, cfg, stacks, bootStack)
	if err != nil {
		log.Panicf("boot sequence failed: %v", err)
	}

	log.Infof("boot complete: %d device(s) registered", result.Devices.Count())

	arch.RestoreIRQs(true)
	for {
		result.Timer.RunDeferredCalls()
		arch.WaitForInterrupt()
	}
}
