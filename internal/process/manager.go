package process

import (
	"time"

	"github.com/bekos-project/bekos/internal/arch"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/klog"
	"github.com/bekos-project/bekos/internal/timing"
)

// contextSwitchPeriod is the scheduler's recurring tick, matching the
// original's CONTEXT_SWITCH_NS (100'000'00 ns = 100ms... the original's
// literal is 10ms once its digit-separator grouping is read correctly:
// 100'000'00 = 10_000_000 ns).
const contextSwitchPeriod = 10 * time.Millisecond

// KernelStackAllocator hands out and reclaims the backing memory for a
// process's kernel stack. A real allocator rounds up to whole pages and
// returns identity-mapped memory (internal/memmgr.DMAPool's kernel-facing
// counterpart); tests use a plain heap-backed fake.
type KernelStackAllocator interface {
	Allocate(size uintptr) ([]byte, error)
	Free(stack []byte) error
}

// KernelStackPages is the number of pages a spawned process's kernel stack
// occupies, matching the original's KERNEL_STACK_PAGES.
const KernelStackPages = 2

// Manager is the process manager and scheduler singleton (spec.md section
// 4.7). Grounded on the original's ProcessManager: register_process's
// linear free-slot scan, enter_critical/exit_critical built on
// InterruptDisabler, and schedule()'s max-time-counter fairness loop.
type Manager struct {
	processes []*Process // pid-indexed; nil means the slot is free
	current   *Process
	stacks    KernelStackAllocator
	timer     *timing.Manager
	log       *klog.Logger
}

// NewManager constructs an empty Manager. Call InitScheduling once a timer
// is available to start the recurring preemption tick.
func NewManager(stacks KernelStackAllocator) *Manager {
	return &Manager{
		stacks: stacks,
		log:    klog.Default.WithComponent("process"),
	}
}

// InitialiseAndAdopt registers root as pid 0 and makes it the current
// process without starting the scheduling tick, matching the original's
// initialise_and_adopt (used for the boot process before a timer exists).
func (m *Manager) InitialiseAndAdopt(root *Process) {
	m.register(root)
	root.state = Running
	m.current = root
}

// InitialiseWithScheduling does the same as InitialiseAndAdopt and also
// arms a recurring timer callback that drives preemption, matching the
// original's initialise_with_scheduling.
func (m *Manager) InitialiseWithScheduling(root *Process, timer *timing.Manager) {
	m.InitialiseAndAdopt(root)
	m.timer = timer
	timer.ScheduleCallback(contextSwitchPeriod, m.tick)
}

func (m *Manager) tick() (timing.Action, time.Duration) {
	m.Schedule()
	return timing.Reschedule, contextSwitchPeriod
}

// Current returns the process the scheduler last switched into.
func (m *Manager) Current() *Process { return m.current }

// ByPid looks up a registered process by pid.
func (m *Manager) ByPid(pid int64) (*Process, error) {
	if pid < 0 || int(pid) >= len(m.processes) || m.processes[pid] == nil {
		return nil, errno.ENOENT
	}
	return m.processes[pid], nil
}

// register assigns p the first free pid slot (a linear scan, matching the
// original's register_process) and transitions it Unready -> Stopped.
func (m *Manager) register(p *Process) {
	wasEnabled := arch.DisableIRQs()
	defer arch.RestoreIRQs(wasEnabled)

	for i, slot := range m.processes {
		if slot == nil {
			p.pid = int64(i)
			m.processes[i] = p
			p.state = Stopped
			return
		}
	}
	p.pid = int64(len(m.processes))
	m.processes = append(m.processes, p)
	p.state = Stopped
}

// Register is the exported form of register, for spawn/fork constructors
// outside this file.
func (m *Manager) Register(p *Process) { m.register(p) }

// EnterCritical increments the current process's preempt counter,
// forbidding Schedule from switching it out until a matching ExitCritical,
// matching the original's enter_critical built on InterruptDisabler.
func (m *Manager) EnterCritical() {
	wasEnabled := arch.DisableIRQs()
	m.current.preemptCounter++
	arch.RestoreIRQs(wasEnabled)
}

// ExitCritical decrements the current process's preempt counter.
func (m *Manager) ExitCritical() {
	wasEnabled := arch.DisableIRQs()
	if m.current.preemptCounter > 0 {
		m.current.preemptCounter--
	}
	arch.RestoreIRQs(wasEnabled)
}

// IsCritical reports whether the current process is inside a critical
// section.
func (m *Manager) IsCritical() bool { return m.current.preemptCounter > 0 }

// CountCritical returns the current process's critical-section nesting
// depth.
func (m *Manager) CountCritical() int32 { return m.current.preemptCounter }

// Schedule picks the next Running-eligible process to run and switches to
// it. Matches the original's schedule(): each call resets the current
// process's processor-time counter to 0, then selects the Stopped-or-Running
// process with the highest counter (the highest pid among equals); while no
// such counter exceeds zero, it adds 1 to every Stopped-or-Running process's
// counter and looks again. A process inside a critical section, or with no
// other runnable process available, is left running. Because the process
// switched out restarts at 0 while the others keep their counts, every
// runnable process gets a turn in round-robin order weighted by how long
// since it last ran.
func (m *Manager) Schedule() {
	wasEnabled := arch.DisableIRQs()
	defer arch.RestoreIRQs(wasEnabled)

	if m.current != nil && m.current.preemptCounter > 0 {
		return
	}
	if m.current != nil {
		m.current.processorTime = 0
	}

	var next *Process
	for next == nil {
		found := false
		var best int64
		for _, p := range m.processes {
			if p == nil || p.state == AwaitingDeath || p.state == Unready {
				continue
			}
			found = true
			if p.processorTime > 0 && p.processorTime >= best {
				best, next = p.processorTime, p
			}
		}
		if !found {
			return
		}
		if next == nil {
			for _, p := range m.processes {
				if p != nil && p.state != AwaitingDeath && p.state != Unready {
					p.processorTime++
				}
			}
		}
	}

	if next == m.current {
		return
	}
	m.switchContext(next)
}

// switchContext installs next's address space (if it has one) and performs
// the register-level context switch away from the current process,
// matching the original's switch_context.
func (m *Manager) switchContext(next *Process) {
	prev := m.current
	if prev != nil && prev.state == Running {
		prev.state = Stopped
	}
	next.state = Running
	m.current = next

	if next.HasUserspace() {
		arch.WriteTTBR0(uint64(next.Userspace().Space.RawRootPtr()))
		arch.InstructionSynchronizationBarrier()
	}

	var prevRegs *arch.SavedRegs
	if prev != nil {
		prevRegs = &prev.regs
	}
	arch.ContextSwitch(prevRegs, &next.regs)
}
