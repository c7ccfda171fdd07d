package arch

// irqsMasked mirrors PSTATE.I (the IRQ mask bit of DAIF). On real hardware
// DisableIRQs/RestoreIRQs are single MSR DAIFSet/DAIFClr instructions,
// implemented in assembly and reached the way the teacher's exceptions.go
// links enable_irqs/disable_irqs against hand-written routines; declaring
// them here as plain Go state keeps this package host-buildable and
// testable, the same split applied to dsb/isb/dmb in regs.go.
var irqsMasked bool

// DisableIRQs masks IRQ delivery at the CPU and returns whether it was
// previously unmasked, so a matching RestoreIRQs can put it back exactly
// as found rather than unconditionally re-enabling (spec.md:
// InterruptDisabler "masks interrupts on construction and restores on
// destruction").
//
//go:nosplit
func DisableIRQs() (wasEnabled bool) {
	wasEnabled = !irqsMasked
	irqsMasked = true
	return wasEnabled
}

// RestoreIRQs sets the IRQ mask back to the state DisableIRQs captured.
//
//go:nosplit
func RestoreIRQs(wasEnabled bool) {
	irqsMasked = !wasEnabled
}

// IRQsEnabled reports whether IRQ delivery is currently unmasked.
func IRQsEnabled() bool { return !irqsMasked }

// WaitForInterrupt issues WFI, suspending the core until the next
// interrupt. cmd/kernel's idle loop calls this between rounds of
// RunDeferredCalls rather than busy-spinning, the same "nothing to do,
// wait for the next tick" shape as the teacher's idle loop.
//
//go:noinline
func WaitForInterrupt() {}
