package process

import (
	"encoding/binary"

	"github.com/bekos-project/bekos/internal/arch"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/pagetable"
)

// ForkReturnTrampoline is the entry point a forked child's SavedRegs points
// at: on real hardware this is userspace_return_from_fork, an assembly
// routine that pops the byte-copied TrapFrame off the new kernel stack and
// performs an exception return into userspace with x0 already zeroed. This
// stand-in exists so Fork has some EntryFunc to record; nothing calls it in
// the host-testable build.
func ForkReturnTrampoline(uint64) {}

// Fork duplicates the receiver: a same-size kernel stack, a clone of the
// address space (a full physical copy, since this kernel has no
// copy-on-write paging, spec.md section 1's Non-goals), and the trailing
// TrapFrame at the tail of the kernel stack byte-copied across with its x0
// slot zeroed so the child's eventual exception return reports 0. The
// parent's sys_fork caller is responsible for returning the child's pid.
// Matches the original's sys_fork.
func (p *Process) Fork(m *Manager, tableSource pagetable.TableSource) (*Process, error) {
	if p.userspace == nil {
		return nil, errno.EINVAL
	}

	childStack, err := m.stacks.Allocate(uintptr(len(p.kernelStack)))
	if err != nil {
		return nil, err
	}

	headerSize := int(arch.StackRegisterHeaderSize)
	if len(p.kernelStack) >= headerSize && len(childStack) >= headerSize {
		copy(childStack[len(childStack)-headerSize:], p.kernelStack[len(p.kernelStack)-headerSize:])
		childTail := childStack[len(childStack)-headerSize:]
		binary.LittleEndian.PutUint64(childTail[0:8], 0) // x0: fork() returns 0 in the child
	}

	freshTables, err := pagetable.NewUserTables(tableSource)
	if err != nil {
		_ = m.stacks.Free(childStack)
		return nil, err
	}
	childSpace, err := p.userspace.Space.CloneForFork(freshTables)
	if err != nil {
		_ = m.stacks.Free(childStack)
		return nil, err
	}

	child := newProcess(p.name, p, childStack)
	child.userspace = &UserspaceState{
		UserStackTop: p.userspace.UserStackTop,
		Cwd:          p.userspace.Cwd,
		Space:        childSpace,
	}
	child.userspace.entities = append(child.userspace.entities, p.userspace.entities...)

	sp := uint64(uintptr(len(childStack)))
	child.regs = arch.NewKernelSavedRegs(ForkReturnTrampoline, 0, sp)

	m.register(child)
	child.state = Running
	return child, nil
}
