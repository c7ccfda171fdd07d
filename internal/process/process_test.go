package process

import (
	"testing"

	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/arch"
	"github.com/bekos-project/bekos/internal/fs/memfs"
	"github.com/bekos-project/bekos/internal/pagetable"
)

type fakeStackAllocator struct{}

func (fakeStackAllocator) Allocate(size uintptr) ([]byte, error) { return make([]byte, size), nil }
func (fakeStackAllocator) Free([]byte) error                     { return nil }

type fakeTableSource struct {
	next   addr.PhysAddr
	tables map[addr.PhysAddr]*pagetable.Table
}

func newFakeTableSource() *fakeTableSource {
	return &fakeTableSource{next: 0x1000, tables: make(map[addr.PhysAddr]*pagetable.Table)}
}

func (f *fakeTableSource) AllocateTable() (addr.PhysAddr, *pagetable.Table, error) {
	phys := f.next
	f.next += addr.PageSize
	t := &pagetable.Table{}
	f.tables[phys] = t
	return phys, t, nil
}

func (f *fakeTableSource) FreeTable(phys addr.PhysAddr) error {
	delete(f.tables, phys)
	return nil
}

type fakePool struct {
	next  addr.PhysAddr
	bytes map[addr.PhysAddr][]byte
}

func newFakePool() *fakePool {
	return &fakePool{next: 0x10_0000, bytes: make(map[addr.PhysAddr][]byte)}
}

func (p *fakePool) Alloc(size uintptr) (addr.PhysAddr, []byte, error) {
	phys := p.next
	p.next += addr.PhysAddr(addr.AlignUp(size, addr.PageSize))
	buf := make([]byte, size)
	p.bytes[phys] = buf
	return phys, buf, nil
}

func (p *fakePool) Free(phys addr.PhysAddr) error {
	delete(p.bytes, phys)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *Process) {
	t.Helper()
	m := NewManager(fakeStackAllocator{})
	root := newProcess("root", nil, make([]byte, KernelStackPages*addr.PageSize))
	m.InitialiseAndAdopt(root)
	return m, root
}

func TestRegisterAssignsIncreasingPids(t *testing.T) {
	m, root := newTestManager(t)
	if root.Pid() != 0 {
		t.Fatalf("root pid = %d, want 0", root.Pid())
	}

	var called uint64
	fn := func(arg uint64) { called = arg }
	child, err := m.SpawnKernelProcess("child", fn, 42)
	if err != nil {
		t.Fatalf("SpawnKernelProcess: %v", err)
	}
	if child.Pid() != 1 {
		t.Fatalf("child pid = %d, want 1", child.Pid())
	}
	if child.State() != Stopped {
		t.Fatalf("child state = %v, want Stopped", child.State())
	}
	_ = called
}

func TestRegisterReusesFreedSlot(t *testing.T) {
	m, _ := newTestManager(t)
	fn := func(uint64) {}

	a, _ := m.SpawnKernelProcess("a", fn, 0)
	b, _ := m.SpawnKernelProcess("b", fn, 0)
	a.state = AwaitingDeath
	m.processes[a.Pid()] = nil

	c, err := m.SpawnKernelProcess("c", fn, 0)
	if err != nil {
		t.Fatalf("SpawnKernelProcess: %v", err)
	}
	if c.Pid() != a.Pid() {
		t.Fatalf("c pid = %d, want reused slot %d", c.Pid(), a.Pid())
	}
	if b.Pid() == c.Pid() {
		t.Fatal("b and c share a pid")
	}
}

func TestScheduleRotatesBetweenStoppedProcesses(t *testing.T) {
	m, root := newTestManager(t)
	fn := func(uint64) {}
	other, _ := m.SpawnKernelProcess("other", fn, 0)

	if m.Current() != root {
		t.Fatal("current should start as root")
	}
	m.Schedule()
	if m.Current() != other {
		t.Fatalf("Schedule should have switched to the only other runnable process, got %s", m.Current().Name())
	}
	if root.State() != Stopped {
		t.Fatalf("root state = %v, want Stopped after being switched out", root.State())
	}
	if other.State() != Running {
		t.Fatalf("other state = %v, want Running", other.State())
	}
}

func TestScheduleSkipsAwaitingDeathAndUnready(t *testing.T) {
	m, root := newTestManager(t)
	fn := func(uint64) {}
	dead, _ := m.SpawnKernelProcess("dead", fn, 0)
	dead.QuitProcess(0)

	m.Schedule()
	if m.Current() != root {
		t.Fatalf("Schedule should leave root running when the only other process is AwaitingDeath, got %s", m.Current().Name())
	}
}

func TestEnterCriticalBlocksSchedule(t *testing.T) {
	m, root := newTestManager(t)
	fn := func(uint64) {}
	other, _ := m.SpawnKernelProcess("other", fn, 0)
	_ = other

	m.EnterCritical()
	if !m.IsCritical() {
		t.Fatal("IsCritical should be true after EnterCritical")
	}
	m.Schedule()
	if m.Current() != root {
		t.Fatal("Schedule should not switch out a process in a critical section")
	}
	m.ExitCritical()
	if m.IsCritical() {
		t.Fatal("IsCritical should be false after matching ExitCritical")
	}
}

func TestSpawnUserProcessBuildsAddressSpaceAndStack(t *testing.T) {
	m, _ := newTestManager(t)
	tables := newFakeTableSource()
	pool := newFakePool()
	elfBytes := buildMinimalELF(t)
	file := memfs.NewFile("init", elfBytes)
	cwd := memfs.NewDir("/")
	entry := func(uint64) {}

	p, err := m.SpawnUserProcess("init", file, cwd, tables, pool, entry)
	if err != nil {
		t.Fatalf("SpawnUserProcess: %v", err)
	}
	if !p.HasUserspace() {
		t.Fatal("spawned user process should have a userspace half")
	}
	if p.Userspace().Space == nil {
		t.Fatal("userspace should have an address space")
	}
	if len(p.Userspace().Space.Regions()) == 0 {
		t.Fatal("expected at least the loaded segment and stack regions")
	}
}

func TestForkClonesAddressSpaceAndZeroesChildReturnValue(t *testing.T) {
	m, _ := newTestManager(t)
	tables := newFakeTableSource()
	pool := newFakePool()
	elfBytes := buildMinimalELF(t)
	file := memfs.NewFile("init", elfBytes)
	cwd := memfs.NewDir("/")
	entry := func(uint64) {}

	parent, err := m.SpawnUserProcess("init", file, cwd, tables, pool, entry)
	if err != nil {
		t.Fatalf("SpawnUserProcess: %v", err)
	}

	headerSize := int(arch.StackRegisterHeaderSize)
	for i := range parent.kernelStack[len(parent.kernelStack)-headerSize:] {
		parent.kernelStack[len(parent.kernelStack)-headerSize+i] = 0xAA
	}

	child, err := parent.Fork(m, tables)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if child.Pid() == parent.Pid() {
		t.Fatal("child should get a distinct pid")
	}
	if child.State() != Running {
		t.Fatalf("child state = %v, want Running", child.State())
	}
	tail := child.kernelStack[len(child.kernelStack)-headerSize:]
	for i := 0; i < 8; i++ {
		if tail[i] != 0 {
			t.Fatalf("child trap frame x0 byte %d = %#x, want 0", i, tail[i])
		}
	}
	for i := 8; i < headerSize; i++ {
		if tail[i] != 0xAA {
			t.Fatalf("child trap frame byte %d = %#x, want copied 0xAA", i, tail[i])
		}
	}
	if child.Userspace().Space == parent.Userspace().Space {
		t.Fatal("child must get an independent address space, not an alias")
	}
}
