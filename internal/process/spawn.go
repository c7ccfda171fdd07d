package process

import (
	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/arch"
	"github.com/bekos-project/bekos/internal/elf"
	"github.com/bekos-project/bekos/internal/fs"
	"github.com/bekos-project/bekos/internal/pagetable"
	"github.com/bekos-project/bekos/internal/space"
)

// DefaultUserStackSize and MaxUserStackSize bound a spawned user process's
// initial stack, matching the original's DEFAULT_USER_STACK (4 pages) and
// MAX_USER_STACK (1024 pages).
const (
	DefaultUserStackSize = 4 * addr.PageSize
	MaxUserStackSize     = 1024 * addr.PageSize
)

func newKernelStack(stacks KernelStackAllocator) ([]byte, error) {
	return stacks.Allocate(KernelStackPages * addr.PageSize)
}

// SpawnKernelProcess creates and registers a kernel-only process (no
// userspace half) that begins executing entry(arg) on a fresh kernel
// stack, matching the original's spawn_kernel_process.
func (m *Manager) SpawnKernelProcess(name string, entry arch.EntryFunc, arg uint64) (*Process, error) {
	stack, err := newKernelStack(m.stacks)
	if err != nil {
		return nil, err
	}
	p := newProcess(name, m.current, stack)
	sp := uint64(uintptr(len(stack)))
	p.regs = arch.NewKernelSavedRegs(entry, arg, sp)
	m.register(p)
	return p, nil
}

// SpawnUserProcess parses executable, builds a fresh address space for it,
// loads its PT_LOAD segments, places a stack region, and registers a new
// user process whose entry trampoline will resume directly into userspace
// at the executable's entry point. Matches the original's
// spawn_user_process/execute_executable.
func (m *Manager) SpawnUserProcess(
	name string,
	executable fs.FileReader,
	cwd fs.Entry,
	tableSource pagetable.TableSource,
	pool space.DMAPool,
	userEntry arch.EntryFunc,
) (*Process, error) {
	file, err := elf.Parse(executable)
	if err != nil {
		return nil, err
	}

	tables, err := pagetable.NewUserTables(tableSource)
	if err != nil {
		return nil, err
	}
	sm := space.New(tables)
	if err := file.LoadInto(sm, pool); err != nil {
		return nil, err
	}

	stackRegion := file.SensibleStackRegion(DefaultUserStackSize)
	stackOps := space.OpRead | space.OpWrite
	if _, err := sm.AllocatePlacedRegion(pool, stackRegion, stackOps, "stack"); err != nil {
		return nil, err
	}

	stack, err := newKernelStack(m.stacks)
	if err != nil {
		return nil, err
	}

	p := newProcess(name, m.current, stack)
	p.userspace = &UserspaceState{
		UserStackTop: stackRegion.Start.Add(stackRegion.Size),
		Cwd:          cwd,
		Space:        sm,
	}

	sp := uint64(uintptr(len(stack)))
	p.regs = arch.NewKernelSavedRegs(userEntry, uint64(file.EntryPoint()), sp)

	m.register(p)
	return p, nil
}
