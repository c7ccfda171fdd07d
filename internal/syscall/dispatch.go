// Package syscall is the EL0 syscall dispatcher (spec.md section 4.9): one
// entry point mapping a call number and up to six register-width arguments
// onto a method on the current process's open-entity table, address space,
// or the process manager itself. Grounded on
// original_source/kernel/src/process/syscalls.cpp's handle_syscall switch
// and the per-call sys_* methods it dispatches to.
package syscall

import (
	"github.com/bekos-project/bekos/internal/devregistry"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/pagetable"
	"github.com/bekos-project/bekos/internal/process"
	"github.com/bekos-project/bekos/internal/space"
	"github.com/bekos-project/bekos/internal/timing"
)

// Number identifies a syscall. This port numbers them in the order
// handle_syscall's switch lists them; the original's sc::SysCall enum's
// numeric values live in a userspace header the filtered original_source
// tree doesn't carry, so there is no wire compatibility to preserve here.
type Number int

const (
	Open Number = iota
	Close
	Read
	Write
	Seek
	GetDirEntries
	Stat
	ListDevices
	OpenDevice
	CommandDevice
	Allocate
	Deallocate
	GetPid
	Fork
	Sleep
	Exit
)

// Args are a trap's general-purpose-register arguments, matching
// handle_syscall's arg1..arg6 (arg7 is declared there but no implemented
// call ever reads it).
type Args struct {
	A1, A2, A3, A4, A5, A6 uint64
}

const invalidEntityID = -1
const invalidAddress = ^uint64(0)

// maxStringLen bounds any string read out of userspace (a path, a device
// name), per spec.md section 4.9.
const maxStringLen = 1024

// Env is everything a Dispatch call needs reaching outside the current
// process: the scheduler (for Fork and Exit), a table allocator (for
// Fork's fresh address space), the DMA pool user allocations come from,
// the device registry, and the timer (for Sleep).
type Env struct {
	Manager     *process.Manager
	TableSource pagetable.TableSource
	Pool        space.DMAPool
	Devices     *devregistry.Registry
	Timer       *timing.Manager
}

// Dispatch runs one syscall against proc and returns its result value or
// an error, matching handle_syscall. proc must have a userspace half; the
// trap handler never reaches here for a kernel-only process.
func Dispatch(env Env, proc *process.Process, no Number, args Args) (int64, error) {
	if !proc.HasUserspace() {
		return 0, errno.EFAULT
	}
	switch no {
	case Open:
		return sysOpen(proc, args)
	case Close:
		return sysClose(proc, args)
	case Read:
		return sysRead(proc, args)
	case Write:
		return sysWrite(proc, args)
	case Seek:
		return sysSeek(proc, args)
	case GetDirEntries:
		return sysGetDirEntries(proc, args)
	case Stat:
		return sysStat(proc, args)
	case ListDevices:
		return sysListDevices(proc, env.Devices, args)
	case OpenDevice:
		return sysOpenDevice(proc, env.Devices, args)
	case CommandDevice:
		return sysMessageDevice(proc, args)
	case Allocate:
		return sysAllocate(proc, env.Pool, args)
	case Deallocate:
		return sysDeallocate(proc, args)
	case GetPid:
		return proc.Pid(), nil
	case Fork:
		return sysFork(proc, env.Manager, env.TableSource)
	case Sleep:
		return sysSleep(env.Timer, args)
	case Exit:
		proc.QuitProcess(int(int64(args.A1)))
		env.Manager.Schedule()
		return 0, nil
	default:
		return 0, errno.ENOTSUP
	}
}
