package syscall

import (
	"testing"

	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/devregistry"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/fs/memfs"
	"github.com/bekos-project/bekos/internal/pagetable"
	"github.com/bekos-project/bekos/internal/process"
	"github.com/bekos-project/bekos/internal/space"
)

type fakeStackAllocator struct{}

func (fakeStackAllocator) Allocate(size uintptr) ([]byte, error) { return make([]byte, size), nil }
func (fakeStackAllocator) Free([]byte) error                     { return nil }

type fakeTableSource struct {
	next addr.PhysAddr
}

func (f *fakeTableSource) AllocateTable() (addr.PhysAddr, *pagetable.Table, error) {
	phys := f.next
	f.next += addr.PageSize
	return phys, &pagetable.Table{}, nil
}

func (f *fakeTableSource) FreeTable(addr.PhysAddr) error { return nil }

type fakePool struct {
	next addr.PhysAddr
}

func (p *fakePool) Alloc(size uintptr) (addr.PhysAddr, []byte, error) {
	phys := p.next
	p.next += addr.PhysAddr(addr.AlignUp(size, addr.PageSize))
	return phys, make([]byte, size), nil
}

func (p *fakePool) Free(addr.PhysAddr) error { return nil }

type echoDevice struct{ lastID uint32 }

func (e *echoDevice) Message(id uint32, buf []byte) (int, error) {
	e.lastID = id
	return len(buf), nil
}

func buildMinimalELF() []byte {
	const (
		fileHeaderSize    = 64
		progHeaderEntSize = 56
		loadAddr          = 0x20000
	)
	payload := []byte{0xD4, 0x20, 0x00, 0x00}
	buf := make([]byte, fileHeaderSize+progHeaderEntSize+len(payload))

	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	buf[4], buf[5] = 2, 1
	putU16 := func(off int, v uint16) {
		buf[off], buf[off+1] = byte(v), byte(v>>8)
	}
	putU64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	putU16(16, 2)
	putU16(18, 0xB7)
	putU64(24, loadAddr)
	putU64(32, fileHeaderSize)
	putU16(54, progHeaderEntSize)
	putU16(56, 1)

	ph := buf[fileHeaderSize:]
	putU32 := func(off int, v uint32) {
		ph[off], ph[off+1], ph[off+2], ph[off+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
	putU32(0, 1)
	putU32(4, 1|4)
	putPH64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			ph[off+i] = byte(v >> (8 * i))
		}
	}
	putPH64(8, fileHeaderSize+progHeaderEntSize)
	putPH64(16, loadAddr)
	putPH64(32, uint64(len(payload)))
	putPH64(40, addr.PageSize)
	putPH64(48, addr.PageSize)

	copy(buf[fileHeaderSize+progHeaderEntSize:], payload)
	return buf
}

func newTestSetup(t *testing.T) (*process.Process, Env) {
	t.Helper()
	mgr := process.NewManager(fakeStackAllocator{})

	tables := &fakeTableSource{next: 0x1000}
	pool := &fakePool{next: 0x10_0000}

	child := memfs.NewFile("greeting", []byte("hello"))
	cwd := memfs.NewDir("/", child)

	elfBytes := buildMinimalELF()
	exe := memfs.NewFile("init", elfBytes)

	p, err := mgr.SpawnUserProcess("init", exe, cwd, tables, pool, func(uint64) {})
	if err != nil {
		t.Fatalf("SpawnUserProcess: %v", err)
	}

	env := Env{
		Manager:     mgr,
		TableSource: tables,
		Pool:        pool,
		Devices:     devregistry.New(),
		Timer:       nil,
	}
	return p, env
}

func writeUserBytes(t *testing.T, proc *process.Process, ptr addr.UserAddr, data []byte) {
	t.Helper()
	buf, err := proc.Userspace().Space.Translate(ptr, uintptr(len(data)), space.OpWrite)
	if err != nil {
		t.Fatalf("Translate for write fixture: %v", err)
	}
	copy(buf, data)
}

func TestDispatchOpenReadClose(t *testing.T) {
	proc, env := newTestSetup(t)

	stackTop := proc.Userspace().UserStackTop
	pathAddr := stackTop - 64
	writeUserBytes(t, proc, pathAddr, []byte("greeting\x00"))

	openArgs := Args{A1: uint64(pathAddr), A2: 8, A3: 0, A4: uint64(invalidEntityID), A5: 0}
	fd, err := Dispatch(env, proc, Open, openArgs)
	if err != nil {
		t.Fatalf("Open dispatch: %v", err)
	}

	bufAddr := stackTop - 128
	readArgs := Args{A1: uint64(fd), A2: 0, A3: uint64(bufAddr), A4: 5}
	n, err := Dispatch(env, proc, Read, readArgs)
	if err != nil {
		t.Fatalf("Read dispatch: %v", err)
	}
	if n != 5 {
		t.Fatalf("Read returned %d, want 5", n)
	}

	readBuf, err := proc.Userspace().Space.Translate(bufAddr, 5, space.OpRead)
	if err != nil {
		t.Fatalf("Translate for read verification: %v", err)
	}
	if string(readBuf) != "hello" {
		t.Fatalf("read content = %q, want %q", readBuf, "hello")
	}

	if _, err := Dispatch(env, proc, Close, Args{A1: uint64(fd)}); err != nil {
		t.Fatalf("Close dispatch: %v", err)
	}
	if _, err := Dispatch(env, proc, Read, readArgs); err != errno.EBADF {
		t.Fatalf("Read after Close = %v, want EBADF", err)
	}
}

func TestDispatchOpenMissingIsENOENT(t *testing.T) {
	proc, env := newTestSetup(t)
	stackTop := proc.Userspace().UserStackTop
	pathAddr := stackTop - 64
	writeUserBytes(t, proc, pathAddr, []byte("nope\x00"))

	_, err := Dispatch(env, proc, Open, Args{A1: uint64(pathAddr), A2: 4, A4: uint64(invalidEntityID)})
	if err != errno.ENOENT {
		t.Fatalf("Open missing = %v, want ENOENT", err)
	}
}

func TestDispatchGetPid(t *testing.T) {
	proc, env := newTestSetup(t)
	pid, err := Dispatch(env, proc, GetPid, Args{})
	if err != nil {
		t.Fatalf("GetPid: %v", err)
	}
	if pid != proc.Pid() {
		t.Fatalf("GetPid = %d, want %d", pid, proc.Pid())
	}
}

func TestDispatchAllocateAndDeallocate(t *testing.T) {
	proc, env := newTestSetup(t)

	result, err := Dispatch(env, proc, Allocate, Args{A1: invalidAddress, A2: addr.PageSize, A3: 0})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	regionStart := addr.UserAddr(result)

	if _, err := Dispatch(env, proc, Deallocate, Args{A1: uint64(regionStart), A2: addr.PageSize}); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
}

func TestDispatchAllocateRejectsUnalignedSize(t *testing.T) {
	proc, env := newTestSetup(t)
	_, err := Dispatch(env, proc, Allocate, Args{A1: invalidAddress, A2: addr.PageSize + 1})
	if err != errno.EINVAL {
		t.Fatalf("Allocate with unaligned size = %v, want EINVAL", err)
	}
}

func TestDispatchDeviceOpenAndMessage(t *testing.T) {
	proc, env := newTestSetup(t)
	dev := &echoDevice{}
	env.Devices.Register("echo", devregistry.ProtocolUnknown, dev)

	stackTop := proc.Userspace().UserStackTop
	nameAddr := stackTop - 64
	writeUserBytes(t, proc, nameAddr, []byte("echo0\x00"))

	fd, err := Dispatch(env, proc, OpenDevice, Args{A1: uint64(nameAddr), A2: 5})
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}

	bufAddr := stackTop - 128
	writeUserBytes(t, proc, bufAddr, []byte{1, 2, 3, 4})

	n, err := Dispatch(env, proc, CommandDevice, Args{A1: uint64(fd), A2: 42, A3: uint64(bufAddr), A4: 4})
	if err != nil {
		t.Fatalf("CommandDevice: %v", err)
	}
	if n != 4 {
		t.Fatalf("CommandDevice returned %d, want 4", n)
	}
	if dev.lastID != 42 {
		t.Fatalf("device saw message id %d, want 42", dev.lastID)
	}
}

func TestDispatchForkReturnsDistinctPid(t *testing.T) {
	proc, env := newTestSetup(t)
	childPid, err := Dispatch(env, proc, Fork, Args{})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if childPid == proc.Pid() {
		t.Fatal("forked child should have a distinct pid")
	}
}

func TestDispatchUnknownSyscallIsENOTSUP(t *testing.T) {
	proc, env := newTestSetup(t)
	_, err := Dispatch(env, proc, Number(999), Args{})
	if err != errno.ENOTSUP {
		t.Fatalf("unknown syscall = %v, want ENOTSUP", err)
	}
}

