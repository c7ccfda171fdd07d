package boot

import (
	"testing"

	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/pagetable"
)

func scratchRegion() addr.PhysRegion {
	return addr.PhysRegion{Start: addr.PhysAddr(0x4000_0000), Size: 4 * 1024 * 1024}
}

func TestBuildTranslationTablesMapsKernelIdentityAndHighHalf(t *testing.T) {
	kernelPhys := addr.PhysRegion{Start: addr.PhysAddr(0x8000_0000), Size: 0x1000}
	params := Params{
		KernelSegments: []KernelSegment{
			{Phys: kernelPhys, Attrs: pagetable.PageAttrs{Executable: true}},
		},
		KernelVirtBase: addr.KernelVBase,
		Scratch:        scratchRegion(),
	}

	b, err := BuildTranslationTables(params)
	if err != nil {
		t.Fatalf("BuildTranslationTables: %v", err)
	}

	identVA := addr.VirtAddr(kernelPhys.Start)
	if pa, ok := b.tables.Translate(identVA); !ok || pa != kernelPhys.Start {
		t.Errorf("identity mapping: Translate(%v) = (%v, %v), want (%v, true)", identVA, pa, ok, kernelPhys.Start)
	}

	highVA := addr.KernelVBase
	if pa, ok := b.tables.Translate(highVA); !ok || pa != kernelPhys.Start {
		t.Errorf("high-half mapping: Translate(%v) = (%v, %v), want (%v, true)", highVA, pa, ok, kernelPhys.Start)
	}
}

func TestBuildTranslationTablesRoundsSubGranuleSegmentsUp(t *testing.T) {
	// A segment smaller than 2 MiB (kernelPhys.Size above) must still map a
	// full 2 MiB block; a Translate just past the requested size but still
	// inside the rounded-up block must succeed.
	kernelPhys := addr.PhysRegion{Start: addr.PhysAddr(0x8000_0000), Size: 0x1000}
	params := Params{
		KernelSegments: []KernelSegment{{Phys: kernelPhys}},
		KernelVirtBase: addr.KernelVBase,
		Scratch:        scratchRegion(),
	}

	b, err := BuildTranslationTables(params)
	if err != nil {
		t.Fatalf("BuildTranslationTables: %v", err)
	}

	farVA := addr.VirtAddr(kernelPhys.Start) + 0x10_0000 // 1 MiB in, still under the 2 MiB rounded block
	if _, ok := b.tables.Translate(farVA); !ok {
		t.Errorf("Translate(%v) inside the rounded-up 2 MiB block should succeed", farVA)
	}
}

func TestBuildTranslationTablesMapsDeviceTreeReadOnly(t *testing.T) {
	params := Params{
		DeviceTree: addr.PhysRegion{Start: addr.PhysAddr(0x4800_0000), Size: 0x2000},
		Scratch:    scratchRegion(),
	}

	b, err := BuildTranslationTables(params)
	if err != nil {
		t.Fatalf("BuildTranslationTables: %v", err)
	}

	if pa, ok := b.tables.Translate(DeviceTreeVBase); !ok || pa != params.DeviceTree.Start {
		t.Errorf("Translate(DeviceTreeVBase) = (%v, %v), want (%v, true)", pa, ok, params.DeviceTree.Start)
	}
}

func TestBuildTranslationTablesMapsUARTAsDevice(t *testing.T) {
	params := Params{
		UART:    addr.PhysRegion{Start: addr.PhysAddr(0x0900_0000), Size: 0x1000},
		Scratch: scratchRegion(),
	}

	b, err := BuildTranslationTables(params)
	if err != nil {
		t.Fatalf("BuildTranslationTables: %v", err)
	}

	if pa, ok := b.tables.Translate(UARTVBase); !ok || pa != params.UART.Start {
		t.Errorf("Translate(UARTVBase) = (%v, %v), want (%v, true)", pa, ok, params.UART.Start)
	}
}

func TestBuildTranslationTablesEmptyParamsSucceeds(t *testing.T) {
	if _, err := BuildTranslationTables(Params{Scratch: scratchRegion()}); err != nil {
		t.Fatalf("BuildTranslationTables with no regions: %v", err)
	}
}

func TestRound2MiB(t *testing.T) {
	cases := []struct{ in, want uintptr }{
		{0, 0},
		{1, block2MiB},
		{block2MiB, block2MiB},
		{block2MiB + 1, 2 * block2MiB},
	}
	for _, c := range cases {
		if got := round2MiB(c.in); got != c.want {
			t.Errorf("round2MiB(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}
