// Package timing is the timing manager spec.md section 2 names alongside
// the interrupt controller and timer device ("deliver interrupts and
// schedule deferred callbacks"): a singleton that multiplexes any number
// of logical callback registrations onto one hardware compare register,
// rearming it for the earliest outstanding deadline on every tick.
// Grounded on original_source/kernel/src/peripherals/arm/gentimer.cpp's
// schedule_callback/on_trigger pair (a callback reports whether to
// reschedule with a new period or stop), generalized from "one active
// callback" to an ordered list so the ≈100 ms scheduler tick and USB
// timeout callbacks can coexist.
package timing

import (
	"sort"
	"sync"
	"time"

	"github.com/bekos-project/bekos/internal/klog"
)

// Device is the hardware timer abstraction spec.md section 2 calls out as
// a typed interface ("the specific timer device... appear only as typed
// interfaces"). Grounded on the teacher's timer_qemu.go (CNTP_*/CNTV_*
// register wrappers) and original_source's get_frequency/get_ticks pair.
type Device interface {
	// FrequencyHz returns the free-running counter's tick rate.
	FrequencyHz() uint64
	// Ticks returns the current value of the free-running counter.
	Ticks() uint64
	// ArmAfter programs the timer to raise its interrupt once `ticks`
	// counter ticks have elapsed from now, unmasked.
	ArmAfter(ticks uint64)
	// Disable masks and stops the timer's interrupt.
	Disable()
}

// Action is what a Callback asks the manager to do after it runs.
type Action int

const (
	// Cancel drops the registration; it will not run again.
	Cancel Action = iota
	// Reschedule requeues the registration for another Period from now.
	Reschedule
)

// Callback is a deferred timer callback. It runs outside interrupt context
// (spec.md: "long-running work must never run in an interrupt handler;
// handlers that need it enqueue a deferred call").
type Callback func() (action Action, period time.Duration)

type entry struct {
	deadline uint64 // in device ticks
	fn       Callback
}

// Manager is the timing-manager singleton.
type Manager struct {
	mu       sync.Mutex
	device   Device
	entries  []*entry
	deferred []func()
	log      *klog.Logger
}

var (
	instance     *Manager
	instanceOnce sync.Once
)

func newManager(device Device) *Manager {
	return &Manager{device: device, log: klog.Default.WithComponent("timing")}
}

// Init constructs the singleton Manager around a probed timer device. Only
// the first call takes effect (spec.md: "an initialise(...) step invoked
// exactly once from the boot path; access through the() afterwards").
func Init(device Device) *Manager {
	instanceOnce.Do(func() { instance = newManager(device) })
	return instance
}

// Instance returns the singleton Manager, or nil before Init is called.
func Instance() *Manager { return instance }

// NanosToTicks converts a nanosecond duration to device ticks at the
// device's current frequency.
func (m *Manager) NanosToTicks(ns uint64) uint64 {
	return ns * m.device.FrequencyHz() / 1_000_000_000
}

// TicksToNanos converts a tick count to nanoseconds.
func (m *Manager) TicksToNanos(ticks uint64) uint64 {
	return ticks * 1_000_000_000 / m.device.FrequencyHz()
}

// NowNanos returns nanoseconds elapsed since the timer device started
// counting (spec.md's nanotime source for Sleep's "nanoseconds elapse").
func (m *Manager) NowNanos() uint64 {
	return m.TicksToNanos(m.device.Ticks())
}

// ScheduleCallback registers fn to run after period elapses. It returns no
// cancellable handle (spec.md: "schedule_callback returns a handle-less
// registration; callers that need to cancel must do so from inside the
// callback by returning Cancel").
func (m *Manager) ScheduleCallback(period time.Duration, fn Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deadline := m.device.Ticks() + m.NanosToTicks(uint64(period.Nanoseconds()))
	m.entries = append(m.entries, &entry{deadline: deadline, fn: fn})
	m.rearmLocked()
}

// rearmLocked arms the device for the earliest outstanding deadline, or
// disables it if there are none. Caller must hold m.mu.
func (m *Manager) rearmLocked() {
	if len(m.entries) == 0 {
		m.device.Disable()
		return
	}
	sort.Slice(m.entries, func(i, j int) bool { return m.entries[i].deadline < m.entries[j].deadline })
	now := m.device.Ticks()
	next := m.entries[0].deadline
	if next <= now {
		m.device.ArmAfter(0)
		return
	}
	m.device.ArmAfter(next - now)
}

// HandleTick is the timer interrupt handler: it enqueues a deferred call
// that runs every expired callback outside interrupt context, matching
// spec.md's "timer interrupt posts a deferred call" discipline.
func (m *Manager) HandleTick(uint32) {
	m.mu.Lock()
	m.deferred = append(m.deferred, m.expireCallbacks)
	m.mu.Unlock()
}

// RunDeferredCalls executes every call enqueued by HandleTick since the
// last invocation. The boot loop calls this at a safe point after
// interrupt return, never from within the interrupt handler itself.
func (m *Manager) RunDeferredCalls() {
	m.mu.Lock()
	pending := m.deferred
	m.deferred = nil
	m.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// expireCallbacks runs every entry whose deadline has passed, requeuing
// the ones that asked to reschedule, then rearms the device.
func (m *Manager) expireCallbacks() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.device.Ticks()
	var remaining []*entry
	for _, e := range m.entries {
		if e.deadline > now {
			remaining = append(remaining, e)
			continue
		}
		action, period := e.fn()
		if action == Reschedule {
			e.deadline = now + m.NanosToTicks(uint64(period.Nanoseconds()))
			remaining = append(remaining, e)
		}
	}
	m.entries = remaining
	m.rearmLocked()
}

// Sleep busy-waits until d has elapsed against the timer device, per
// SPEC_FULL.md's Open Question decision following
// original_source/kernel/src/peripherals/arm/gentimer.cpp, which has no
// concept of blocking the caller independent of the hardware counter.
func (m *Manager) Sleep(d time.Duration) {
	target := m.device.Ticks() + m.NanosToTicks(uint64(d.Nanoseconds()))
	for m.device.Ticks() < target {
	}
}
