// Package arch holds the AArch64-specific primitives the rest of the
// kernel is built on: the saved-register snapshot used across a context
// switch, the low-level barrier/cache/TLB operations that back the
// ordering guarantees of spec.md section 5, and typed volatile MMIO
// accessors. Grounded on the teacher's exceptions.go (//go:linkname
// wrappers around hand-written assembly for EL1 system registers) and
// stack_growth.go (callee-saved register layout).
package arch

import (
	"reflect"
	"unsafe"
)

// SavedRegs is an architecturally-sufficient snapshot of a suspended
// context: callee-saved integer registers, frame pointer, link register,
// stack pointer, program counter, status register, thread-pointer
// register, and FP/SIMD state (spec.md section 3). The field order matches
// the layout the context-switch trampoline (written in assembly, out of
// this core's Go-expressible surface) pushes and pops.
type SavedRegs struct {
	// Callee-saved integer registers x19-x28 (AAPCS64).
	X [10]uint64
	// FP is the frame pointer, x29.
	FP uint64
	// LR is the link register, x30.
	LR uint64
	// SP is the stack pointer at suspension.
	SP uint64
	// PC is the program counter to resume at.
	PC uint64
	// SPSR is the saved processor state (mode, interrupt masks, flags).
	SPSR uint64
	// TPIDR is the thread-pointer register (TPIDR_EL0), used for
	// userspace thread-local storage.
	TPIDR uint64
	// FPSIMD holds the callee-saved vector registers v8-v15 (128 bits
	// each) plus FPCR/FPSR.
	FPSIMD [8 * 2]uint64
	FPCR   uint32
	FPSR   uint32

	// EntryArg is x0's value the one time this SavedRegs is resumed for
	// the first time (a freshly spawned process's entry trampoline reads
	// its argument out of x0, the AAPCS64 convention); ContextSwitch
	// ignores it on every later resume, since x0 is caller-saved and not
	// part of a suspended context's normal state.
	EntryArg uint64
}

// EntryFunc is a kernel-process entry point: invoked with one argument
// word, never returning (it ends with quit_process or, for a user
// process, a jump into userspace_first_entry).
type EntryFunc func(arg uint64)

// NewKernelSavedRegs builds the initial SavedRegs for a process about to
// start executing fn(arg) on a fresh kernel stack topped out at sp.
// Matches the original's SavedRegs::create_for_kernel. Recovering fn's
// entry address with reflect.ValueOf(fn).Pointer() is the same kind of
// plain-Go stand-in this package uses for dsb/isb/dmb below: on the
// production build the context-switch trampoline is hand-written
// assembly and never calls through a Go func value, but host tests need
// *some* PC to assert against.
func NewKernelSavedRegs(fn EntryFunc, arg uint64, sp uint64) SavedRegs {
	return SavedRegs{
		SP:       sp,
		PC:       entryFuncAddr(fn),
		EntryArg: arg,
	}
}

// TrapFrame is the fixed-size record the EL0-entry assembly stub pushes on
// the kernel stack before dispatching a synchronous exception (syscall or
// fault): every general-purpose register plus the three exception-entry
// system registers needed to resume or fail the interrupted context. This
// is the structure sys_fork (internal/process) byte-copies from the
// parent's kernel stack to the child's (SPEC_FULL.md Open Question 2).
type TrapFrame struct {
	X     [31]uint64 // x0-x30 at trap entry
	SPEL0 uint64     // user stack pointer
	ELR   uint64     // return address
	SPSR  uint64     // saved processor state
}

// StackRegisterHeaderSize is the number of bytes of kernel-stack tail that
// sys_fork copies byte-for-byte from parent to child: the TrapFrame left by
// the EL0 entry trampoline.
const StackRegisterHeaderSize = unsafe.Sizeof(TrapFrame{})

// Barrier primitives. On real hardware these are single instructions
// (DSB, ISB, DMB) implemented in assembly and reached via go:linkname, the
// way the teacher's exceptions.go links set_vbar_el1/enable_irqs/etc.
// against hand-written AArch64 routines. Declaring them here as ordinary
// Go functions (rather than //go:linkname stubs) keeps this package
// buildable and testable on any host; the production build replaces these
// bodies with the linked assembly implementations behind a build tag, the
// same split the teacher uses between "go:linkname to asm" and pure-Go
// helper logic in the same file.

// DataSynchronizationBarrier issues a DSB with the given shareability
// domain ("ish", "sy", ...). It ensures all prior memory accesses have
// completed before continuing.
func DataSynchronizationBarrier(domain string) { dsb(domain) }

// InstructionSynchronizationBarrier issues an ISB, flushing the pipeline so
// subsequent instructions see the effects of prior system-register writes
// (spec.md section 4.1: "DSB ISH; ISB" after programming TTBR/TCR/MAIR).
func InstructionSynchronizationBarrier() { isb() }

// DataMemoryBarrier issues a DMB, ordering memory accesses without forcing
// completion.
func DataMemoryBarrier(domain string) { dmb(domain) }

//go:noinline
func dsb(domain string) { _ = domain }

//go:noinline
func isb() {}

//go:noinline
func dmb(domain string) { _ = domain }

func entryFuncAddr(fn EntryFunc) uint64 {
	return uint64(reflect.ValueOf(fn).Pointer())
}

// ContextSwitch saves the caller's live register state into prev and
// resumes next. On the production build this is hand-written assembly
// (the teacher's exceptions.go links similarly named routines against
// asm); this stand-in does nothing with prev or next, so
// internal/process's scheduler tests observe a switch only through the
// Manager's own state (current process, process states, TTBR0).
//
//go:noinline
func ContextSwitch(prev, next *SavedRegs) {
	_, _ = prev, next
}
