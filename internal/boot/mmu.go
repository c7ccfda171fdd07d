package boot

import (
	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/arch"
)

// Memory attribute indirection register: index 0 is Normal, Inner/Outer
// Write-Back non-transient memory (encoding 0xFF); index 1 is
// Device-nGnRnE (encoding 0x00). Matches the teacher's enableMMU, which
// programs the identical MAIR_EL1 value for the identical reason (spec.md
// section 4.1's two memory types, "Normal write-back" and "Device-nGnRnE").
const (
	mairNormalWB   = 0xFF
	mairDeviceNGNR = 0x00
	mairValue      = mairNormalWB | mairDeviceNGNR<<8
)

// TCR_EL1 field layout (AArch64 Architecture Reference Manual D19.2.148).
// T0SZ/T1SZ=16 select a 48-bit virtual address per spec.md section 3's "a
// 48-bit virtual address space split into a low half for userspace and a
// high half for the kernel" (internal/addr's VAStart/KernelVBase constants).
// TG0=0b00 and TG1=0b10 both select a 4 KiB granule (TG1's 4 KiB encoding
// differs numerically from TG0's, the one TCR asymmetry the architecture
// has between the two halves). IPS is filled in at boot from
// ID_AA64MMFR0_EL1's PARange field, which the processor itself reports
// rather than the kernel assuming a fixed physical address size.
const (
	tcrT0SZ       = 16
	tcrT1SZ       = 16 << 16
	tcrIRGN0_WBWA = 1 << 8
	tcrORGN0_WBWA = 1 << 10
	tcrSH0_Inner  = 3 << 12
	tcrTG0_4K     = 0 << 14
	tcrIRGN1_WBWA = 1 << 24
	tcrORGN1_WBWA = 1 << 26
	tcrSH1_Inner  = 3 << 28
	tcrTG1_4K     = 2 << 30
	tcrIPSShift   = 32
	mmfr0PARangeMask = 0xF
)

// ComputeTCR builds the TCR_EL1 value spec.md section 4.1's bring-up
// sequence programs, reading the physical address size out of
// ID_AA64MMFR0_EL1 rather than assuming a fixed value, matching the
// teacher's enableMMU (mazboot/golang/main/mmu.go), generalized to this
// port's 48-bit-both-halves split instead of the teacher's TTBR1-disabled,
// TTBR0-only layout.
func ComputeTCR() uint64 {
	ips := arch.ReadIDAA64MMFR0() & mmfr0PARangeMask
	return uint64(tcrT0SZ) | tcrIRGN0_WBWA | tcrORGN0_WBWA | tcrSH0_Inner | tcrTG0_4K |
		uint64(tcrT1SZ) | tcrIRGN1_WBWA | tcrORGN1_WBWA | tcrSH1_Inner | tcrTG1_4K |
		ips<<tcrIPSShift
}

// EnableMMU programs MAIR_EL1/TCR_EL1, points both TTBR0_EL1 and
// TTBR1_EL1 at root (the one L0 table BuildTranslationTables built:
// spec.md section 4.1 names "a root L0
// table" mapping every region this builder produces, low-half identity
// entries and high-half kernel entries coexisting in the same table, so
// both translation regimes resolve through it until the first user
// process gets its own TTBR0 table), invalidates every stale TLB entry a
// cold MMU might already hold, and sets SCTLR_EL1.M. Matches the bit-level
// sequence of the teacher's enableMMU: "writes MAIR_EL1 ... computes
// TCR_EL1 ... writes TTBR1_EL1=0/TTBR0_EL1=pageTableL0 ... ISB ... DSB ...
// sets SCTLR_EL1 bit 0 ... ISB + InvalidateTlbAll + DSB", reordered only to
// invalidate before rather than after flipping the MMU-enable bit, since
// this port has no pre-existing mapping at boot to preserve across the
// flip the way the teacher's demand-paged runtime bootstrap does.
func EnableMMU(root addr.PhysAddr) {
	arch.WriteMAIR(mairValue)
	arch.WriteTCR(ComputeTCR())
	arch.WriteTTBR0(uint64(root))
	arch.WriteTTBR1(uint64(root))
	arch.DataSynchronizationBarrier("ish")
	arch.InstructionSynchronizationBarrier()

	arch.InvalidateTLBAll()
	arch.DataSynchronizationBarrier("ish")
	arch.InstructionSynchronizationBarrier()

	arch.EnableMMUBit()
	arch.InstructionSynchronizationBarrier()
}
