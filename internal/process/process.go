package process

import (
	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/arch"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/fs"
	"github.com/bekos-project/bekos/internal/klog"
	"github.com/bekos-project/bekos/internal/space"
)

// State is a process's lifecycle state, matching the original's
// ProcessState enum (spec.md section 3).
type State int

const (
	// Unready is the transient state a freshly constructed Process sits in
	// before ProcessManager.Register assigns it a pid.
	Unready State = iota
	// Stopped is a registered process not currently selected to run.
	Stopped
	// Running is the process the scheduler last switched into. Fork also
	// marks a new child Running before it is first scheduled, so more than
	// one process can be Running at once.
	Running
	// AwaitingDeath is a process that called QuitProcess: it owns no
	// runnable context (spec.md section 3's lifecycle invariant) and is
	// never selected by schedule again. Its kernel stack is freed only
	// when the last reference to it (its parent's wait, if any) is gone.
	AwaitingDeath
)

func (s State) String() string {
	switch s {
	case Unready:
		return "unready"
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case AwaitingDeath:
		return "awaiting-death"
	default:
		return "unknown"
	}
}

// UserspaceState is the per-process userspace-facing state: its address
// space, working directory, open-entity table, and top-of-stack address, as
// named in spec.md's Glossary entry for UserspaceState. A kernel-only
// process (one spawned by spawn_kernel_process) has no UserspaceState.
type UserspaceState struct {
	UserStackTop addr.UserAddr
	Cwd          fs.Entry
	Space        *space.SpaceManager
	entities     []EntityHandle
}

// AddEntity appends handle to the open-entity table and returns its index,
// matching the original's open_entities append-mostly discipline (spec.md
// section 3: "closed entries become null" rather than the slice
// compacting).
func (u *UserspaceState) AddEntity(handle EntityHandle) int {
	for i, existing := range u.entities {
		if existing == nil {
			u.entities[i] = handle
			return i
		}
	}
	u.entities = append(u.entities, handle)
	return len(u.entities) - 1
}

// Entity returns the open entity at id, or EBADF if id is out of range or
// was closed.
func (u *UserspaceState) Entity(id int) (EntityHandle, error) {
	if id < 0 || id >= len(u.entities) || u.entities[id] == nil {
		return nil, errno.EBADF
	}
	return u.entities[id], nil
}

// CloseEntity nulls out the slot at id. Matches the original's
// close-by-index bounds check.
func (u *UserspaceState) CloseEntity(id int) error {
	if id < 0 || id >= len(u.entities) || u.entities[id] == nil {
		return errno.EBADF
	}
	u.entities[id] = nil
	return nil
}

// Process is one schedulable context: a kernel stack, a saved-register
// snapshot, an optional userspace half, and the bookkeeping the scheduler
// needs to pick a fair next process to run. Grounded on the original's
// Process class.
type Process struct {
	name   string
	pid    int64
	parent *Process
	state  State

	// kernelStack is this process's kernel-mode stack, a plain Go slice
	// standing in for the physical page range the real allocator would
	// hand out (the same host-testable substitution internal/pagetable
	// makes for translation tables).
	kernelStack []byte
	regs        arch.SavedRegs

	userspace *UserspaceState

	// preemptCounter is EnterCritical/ExitCritical's nesting depth; a
	// nonzero value forbids rescheduling this process out.
	preemptCounter int32
	// processorTime counts ticks since this process was last selected to
	// run, reset to 0 by schedule() when it is chosen (process.cpp's
	// m_processor_time_counter).
	processorTime int64

	exitCode int
	log      *klog.Logger
}

const pidUnregistered = -1

func newProcess(name string, parent *Process, kernelStack []byte) *Process {
	return &Process{
		name:        name,
		pid:         pidUnregistered,
		parent:      parent,
		state:       Unready,
		kernelStack: kernelStack,
		log:         klog.Default.WithComponent("process"),
	}
}

// NewRootProcess wraps the kernel's own boot-time execution context as a
// Process with no parent and a zero-valued saved-register snapshot, for
// Manager.InitialiseAndAdopt/InitialiseWithScheduling to register as pid 0.
// Unlike SpawnKernelProcess, it does not allocate a fresh kernel stack: the
// caller is already running on bootStack when it makes this call, matching
// the original's ProcessManager::initialise_and_adopt, which wraps the
// currently-executing boot stack rather than allocating a new one.
func NewRootProcess(name string, bootStack []byte) *Process {
	return newProcess(name, nil, bootStack)
}

func (p *Process) Name() string  { return p.name }
func (p *Process) Pid() int64    { return p.pid }
func (p *Process) State() State  { return p.state }
func (p *Process) Parent() *Process { return p.parent }

// HasUserspace reports whether this is a user process (spawned by
// SpawnUserProcess or produced by Fork) rather than a kernel-only one.
func (p *Process) HasUserspace() bool { return p.userspace != nil }

// Userspace returns this process's userspace half, or nil for a
// kernel-only process.
func (p *Process) Userspace() *UserspaceState { return p.userspace }

// Regs returns a pointer to this process's saved-register snapshot, the
// context switch reads and writes through.
func (p *Process) Regs() *arch.SavedRegs { return &p.regs }

// CheckUserBuffer validates that [ptr, ptr+size) lies entirely within one
// mapped region this process has permission for op, the check
// internal/syscall must run before any read/write through a userspace
// pointer (spec.md section 4.9's pointer-validation requirement).
func (p *Process) CheckUserBuffer(ptr addr.UserAddr, size uintptr, op space.MemoryOperation) error {
	if p.userspace == nil {
		return errno.EFAULT
	}
	if !p.userspace.Space.CheckRegion(ptr, size, op) {
		return errno.EFAULT
	}
	return nil
}

// QuitProcess transitions this process to AwaitingDeath and records its
// exit code, matching the original's quit_process. It does not itself
// reschedule; the caller (typically the Exit syscall) must call
// Manager.Schedule afterward.
func (p *Process) QuitProcess(exitCode int) {
	p.exitCode = exitCode
	p.state = AwaitingDeath
}

// ExitCode returns the code a process passed to QuitProcess.
func (p *Process) ExitCode() int { return p.exitCode }
