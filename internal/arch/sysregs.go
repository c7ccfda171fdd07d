package arch

// System-register state backing the translation-table bring-up sequence of
// spec.md section 4.1: ID_AA64MMFR0_EL1 (read-only CPU feature report),
// MAIR_EL1/TCR_EL1 (memory-attribute and translation-control configuration),
// TTBR0_EL1/TTBR1_EL1 (root table pointers), and SCTLR_EL1 (the MMU enable
// bit). On real hardware each of these is a single MRS/MSR instruction,
// reached the way the teacher's exceptions.go links its EL1 register
// accessors against hand-written assembly; declaring them here as ordinary
// Go state keeps internal/boot buildable and testable on any host, the same
// split applied to dsb/isb/dmb in regs.go and irqsMasked in daif.go. The
// production build replaces these bodies with the linked assembly MRS/MSR
// sequences behind a build tag.

// idAA64MMFR0 stands in for ID_AA64MMFR0_EL1. Its PARange field (bits 3:0)
// reports the implemented physical address size; SetIDAA64MMFR0ForTest lets
// tests exercise TCR_EL1's IPS computation against a chosen value without a
// real register read. The default matches a 44-bit (bits3:0=4) PARange, a
// common QEMU virt value the teacher's mmu.go also programs TCR_EL1.IPS for.
var idAA64MMFR0 uint64 = 0x4

// SetIDAA64MMFR0ForTest overrides the simulated ID_AA64MMFR0_EL1 value.
// Test-only; production code reads the real register once at boot.
func SetIDAA64MMFR0ForTest(v uint64) { idAA64MMFR0 = v }

//go:noinline
func ReadIDAA64MMFR0() uint64 { return idAA64MMFR0 }

var mairEL1 uint64

//go:noinline
func WriteMAIR(v uint64) { mairEL1 = v }

//go:noinline
func ReadMAIR() uint64 { return mairEL1 }

var tcrEL1 uint64

//go:noinline
func WriteTCR(v uint64) { tcrEL1 = v }

//go:noinline
func ReadTCR() uint64 { return tcrEL1 }

var ttbr0EL1 uint64

//go:noinline
func WriteTTBR0(v uint64) { ttbr0EL1 = v }

//go:noinline
func ReadTTBR0() uint64 { return ttbr0EL1 }

var ttbr1EL1 uint64

//go:noinline
func WriteTTBR1(v uint64) { ttbr1EL1 = v }

//go:noinline
func ReadTTBR1() uint64 { return ttbr1EL1 }

// sctlrEL1 is initialised with the MMU-disabled reset state assumed at
// kernel entry (spec.md section 4.1: boot starts with the MMU off).
var sctlrEL1 uint64 = 0

//go:noinline
func WriteSCTLR(v uint64) { sctlrEL1 = v }

//go:noinline
func ReadSCTLR() uint64 { return sctlrEL1 }

// SCTLR_M is the MMU-enable bit of SCTLR_EL1 (bit 0).
const SCTLR_M = 1 << 0

// EnableMMUBit sets SCTLR_EL1.M, the final step of spec.md section 4.1's
// bring-up sequence ("caller enables the MMU"). Split out from WriteSCTLR so
// callers that only ever flip this one bit don't need to read-modify-write
// by hand.
func EnableMMUBit() {
	sctlrEL1 |= SCTLR_M
}

// MMUEnabled reports whether SCTLR_EL1.M is currently set.
func MMUEnabled() bool { return sctlrEL1&SCTLR_M != 0 }
