// Package intc is the interrupt-controller abstraction spec.md section 2
// names as a typed interface ("the specific interrupt controller register
// layout... appear only as typed interfaces"), plus the dispatcher and
// scoped-disable primitive every other subsystem drives interrupts
// through. Grounded on the teacher's gic_qemu.go (gicHandleInterrupt's
// acknowledge/dispatch/EOI shape, the interruptHandlers table), split into
// a controller-agnostic dispatcher so a concrete driver (internal/intc/gic)
// only implements the raw register operations.
package intc

import (
	"sync"

	"github.com/bekos-project/bekos/internal/arch"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/klog"
)

// MaxIRQs bounds the interrupt ID space a Dispatcher tracks, matching the
// GICv2's 1020 usable IDs (IDs 1020-1023 are reserved/spurious).
const MaxIRQs = 1020

// Controller is the low-level operations any concrete interrupt controller
// driver must provide. A Dispatcher is built around one.
type Controller interface {
	EnableIRQ(id uint32) error
	DisableIRQ(id uint32) error
	// Acknowledge reads the next pending interrupt ID, reporting spurious
	// for the sentinel ID a real GIC returns when nothing is pending.
	Acknowledge() (id uint32, spurious bool)
	EndOfInterrupt(id uint32)
}

// Handler is a driver's interrupt service routine. Per spec.md's
// interrupt discipline, a handler must never do long-running work; it
// should enqueue a deferred call for anything beyond acknowledging and
// copying out hardware state.
type Handler func(id uint32)

// Dispatcher routes acknowledged interrupts to driver-registered handlers
// and is the sole owner of a Controller once built.
type Dispatcher struct {
	mu         sync.Mutex
	controller Controller
	handlers   [MaxIRQs]Handler
	log        *klog.Logger
}

// NewDispatcher builds a Dispatcher around a concrete Controller.
func NewDispatcher(c Controller) *Dispatcher {
	return &Dispatcher{controller: c, log: klog.Default.WithComponent("intc")}
}

// RegisterHandler installs h for id, replacing any previous handler.
func (d *Dispatcher) RegisterHandler(id uint32, h Handler) error {
	if id >= MaxIRQs {
		return errno.EINVAL
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers[id] != nil {
		d.log.Warnf("replacing handler for irq %d", id)
	}
	d.handlers[id] = h
	return nil
}

// EnableIRQ unmasks id at the controller.
func (d *Dispatcher) EnableIRQ(id uint32) error { return d.controller.EnableIRQ(id) }

// DisableIRQ masks id at the controller.
func (d *Dispatcher) DisableIRQ(id uint32) error { return d.controller.DisableIRQ(id) }

// HandleInterrupt acknowledges the pending interrupt, dispatches it to its
// registered handler (logging and dropping it if none is registered), and
// signals end-of-interrupt. Grounded on gic_qemu.go's gicHandleInterrupt.
func (d *Dispatcher) HandleInterrupt() {
	id, spurious := d.controller.Acknowledge()
	if spurious {
		return
	}
	d.mu.Lock()
	h := Handler(nil)
	if id < MaxIRQs {
		h = d.handlers[id]
	}
	d.mu.Unlock()

	if h != nil {
		h(id)
	} else {
		d.log.Warnf("unhandled irq %d", id)
	}
	d.controller.EndOfInterrupt(id)
}

// InterruptDisabler is spec.md's scoped critical-section primitive: it
// masks IRQ delivery on construction and restores the prior mask state on
// Release, standing in for the RAII destructor the spec assumes (Go has
// none). Callers use `defer intc.Disable().Release()`.
type InterruptDisabler struct {
	prev     bool
	released bool
}

// Disable masks IRQ delivery and returns a disabler whose Release restores
// the mask state exactly as it found it, so nested disablers compose.
func Disable() *InterruptDisabler {
	return &InterruptDisabler{prev: arch.DisableIRQs()}
}

// Release restores IRQ delivery to the state Disable found it in. Safe to
// call more than once.
func (d *InterruptDisabler) Release() {
	if d.released {
		return
	}
	arch.RestoreIRQs(d.prev)
	d.released = true
}
