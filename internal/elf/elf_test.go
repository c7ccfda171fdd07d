package elf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/fs"
	"github.com/bekos-project/bekos/internal/pagetable"
	"github.com/bekos-project/bekos/internal/space"
)

// memFile is a minimal fs.FileReader over an in-memory byte slice.
type memFile struct {
	data []byte
}

func (f *memFile) Name() string         { return "test.elf" }
func (f *memFile) IsDir() bool          { return false }
func (f *memFile) Size() uint64         { return uint64(len(f.data)) }
func (f *memFile) Children() []fs.Entry { return nil }
func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(f.data)) {
		return 0, nil
	}
	n := copy(p, f.data[off:])
	return n, nil
}

// buildELF assembles a minimal valid ELF-64 AArch64 ET_EXEC with one
// PT_LOAD segment carrying payload at vaddr, plus any extra program
// headers the caller wants appended verbatim.
type progHeaderSpec struct {
	pType    uint32
	flags    uint32
	offset   uint64
	vaddr    uint64
	fileSize uint64
	memSize  uint64
}

func buildELF(t *testing.T, entry uint64, headers []progHeaderSpec, payloadOffset uint64, payload []byte) []byte {
	t.Helper()
	const ehdrSize = 64
	const phdrSize = 56
	phOff := uint64(ehdrSize)
	dataStart := phOff + uint64(len(headers))*phdrSize
	if payloadOffset < dataStart {
		payloadOffset = dataStart
	}

	buf := make([]byte, payloadOffset+uint64(len(payload)))
	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	buf[4] = classELF64
	buf[5] = dataLittleEndian
	binary.LittleEndian.PutUint16(buf[offType:], objTypeExec)
	binary.LittleEndian.PutUint16(buf[offMachine:], machineAArch64)
	binary.LittleEndian.PutUint64(buf[offEntry:], entry)
	binary.LittleEndian.PutUint64(buf[offPhOff:], phOff)
	binary.LittleEndian.PutUint16(buf[offPhEntSize:], phdrSize)
	binary.LittleEndian.PutUint16(buf[offPhNum:], uint16(len(headers)))

	for i, h := range headers {
		off := phOff + uint64(i)*phdrSize
		binary.LittleEndian.PutUint32(buf[off:], h.pType)
		binary.LittleEndian.PutUint32(buf[off+4:], h.flags)
		binary.LittleEndian.PutUint64(buf[off+8:], h.offset)
		binary.LittleEndian.PutUint64(buf[off+16:], h.vaddr)
		binary.LittleEndian.PutUint64(buf[off+32:], h.fileSize)
		binary.LittleEndian.PutUint64(buf[off+40:], h.memSize)
	}
	copy(buf[payloadOffset:], payload)
	return buf
}

func validHeaders(payloadOffset uint64, payload []byte, vaddr uint64) []progHeaderSpec {
	return []progHeaderSpec{
		{pType: ptLoad, flags: progRead | progExec, offset: payloadOffset, vaddr: vaddr, fileSize: uint64(len(payload)), memSize: uint64(len(payload)) + 16},
	}
}

func TestParseValidExecutable(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	raw := buildELF(t, 0x1000, validHeaders(0x1000, payload, 0x1000), 0x1000, payload)
	f, err := Parse(&memFile{data: raw})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.EntryPoint() != addr.UserAddr(0x1000) {
		t.Errorf("EntryPoint() = %v, want 0x1000", f.EntryPoint())
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	raw := buildELF(t, 0x1000, validHeaders(0x1000, nil, 0x1000), 0x1000, nil)
	raw[0] = 0
	if _, err := Parse(&memFile{data: raw}); err != errno.ENOEXEC {
		t.Errorf("err = %v, want ENOEXEC", err)
	}
}

func TestParseRejectsWrongMachine(t *testing.T) {
	raw := buildELF(t, 0x1000, validHeaders(0x1000, nil, 0x1000), 0x1000, nil)
	binary.LittleEndian.PutUint16(raw[offMachine:], 0x3E) // x86-64
	if _, err := Parse(&memFile{data: raw}); err != errno.ENOEXEC {
		t.Errorf("err = %v, want ENOEXEC", err)
	}
}

func TestParseRejectsNonExecObjType(t *testing.T) {
	raw := buildELF(t, 0x1000, validHeaders(0x1000, nil, 0x1000), 0x1000, nil)
	binary.LittleEndian.PutUint16(raw[offType:], 3) // ET_DYN
	if _, err := Parse(&memFile{data: raw}); err != errno.ENOEXEC {
		t.Errorf("err = %v, want ENOEXEC", err)
	}
}

func TestParseRejectsPTInterp(t *testing.T) {
	payload := []byte{0xAA}
	headers := append(validHeaders(0x1000, payload, 0x1000), progHeaderSpec{
		pType: ptInterp, offset: 0x1000, vaddr: 0, fileSize: 0, memSize: 0,
	})
	raw := buildELF(t, 0x1000, headers, 0x1000, payload)
	if _, err := Parse(&memFile{data: raw}); err != errno.ENOTSUP {
		t.Errorf("err = %v, want ENOTSUP", err)
	}
}

func TestParseRejectsFileSizeOverflow(t *testing.T) {
	headers := []progHeaderSpec{{pType: ptLoad, flags: progRead, offset: 0x1000, vaddr: 0x1000, fileSize: 1000, memSize: 1000}}
	raw := buildELF(t, 0x1000, headers, 0x1000, []byte{1, 2})
	if _, err := Parse(&memFile{data: raw}); err != errno.ENOEXEC {
		t.Errorf("err = %v, want ENOEXEC", err)
	}
}

func TestParseRejectsMemSizeLessThanFileSize(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	headers := []progHeaderSpec{{pType: ptLoad, flags: progRead, offset: 0x1000, vaddr: 0x1000, fileSize: uint64(len(payload)), memSize: 2}}
	raw := buildELF(t, 0x1000, headers, 0x1000, payload)
	if _, err := Parse(&memFile{data: raw}); err != errno.ENOEXEC {
		t.Errorf("err = %v, want ENOEXEC", err)
	}
}

func TestParseRejectsEntryPointOutsideLoadedRange(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	raw := buildELF(t, 0x5000, validHeaders(0x1000, payload, 0x1000), 0x1000, payload)
	if _, err := Parse(&memFile{data: raw}); err != errno.ENOTSUP {
		t.Errorf("err = %v, want ENOTSUP", err)
	}
}

func TestParseRejectsNoLoadableSegments(t *testing.T) {
	raw := buildELF(t, 0x1000, nil, 64, nil)
	if _, err := Parse(&memFile{data: raw}); err != errno.ENOEXEC {
		t.Errorf("err = %v, want ENOEXEC", err)
	}
}

// fakeTableSource and fakePool duplicate internal/space's own test seams;
// kept local since internal/elf cannot import internal/space's _test.go.
type fakeTableSource struct {
	next addr.PhysAddr
}

func (f *fakeTableSource) AllocateTable() (addr.PhysAddr, *pagetable.Table, error) {
	pa := f.next
	f.next += addr.PageSize
	return pa, &pagetable.Table{}, nil
}
func (f *fakeTableSource) FreeTable(addr.PhysAddr) error { return nil }

type fakePool struct {
	next addr.PhysAddr
}

func (p *fakePool) Alloc(size uintptr) (addr.PhysAddr, []byte, error) {
	n := addr.AlignUp(size, addr.PageSize)
	pa := p.next
	p.next += addr.PhysAddr(n)
	return pa, make([]byte, n), nil
}
func (p *fakePool) Free(addr.PhysAddr) error { return nil }

func TestLoadIntoCopiesFileBytesAndZeroFillsRemainder(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	vaddr := uint64(0x2000)
	headers := []progHeaderSpec{{pType: ptLoad, flags: progRead | progWrite, offset: 0x1000, vaddr: vaddr, fileSize: uint64(len(payload)), memSize: 4096}}
	raw := buildELF(t, vaddr, headers, 0x1000, payload)
	f, err := Parse(&memFile{data: raw})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tables, err := pagetable.NewUserTables(&fakeTableSource{next: 0x10000})
	if err != nil {
		t.Fatalf("NewUserTables: %v", err)
	}
	sm := space.New(tables)
	pool := &fakePool{next: 0x100000}

	if err := f.LoadInto(sm, pool); err != nil {
		t.Fatalf("LoadInto: %v", err)
	}

	regions := sm.Regions()
	if len(regions) != 1 {
		t.Fatalf("Regions() = %v, want 1 entry", regions)
	}
	owned := regions[0].Backing.(*space.OwnedAllocation)
	got := owned.Bytes()
	offset := uintptr(vaddr) - uintptr(addr.AlignDown(uintptr(vaddr), addr.PageSize))
	if !bytes.Equal(got[offset:offset+uintptr(len(payload))], payload) {
		t.Errorf("loaded bytes = %x, want %x", got[offset:offset+uintptr(len(payload))], payload)
	}
	for _, b := range got[offset+uintptr(len(payload)):] {
		if b != 0 {
			t.Fatal("trailing memory was not zero-filled")
		}
	}
}

func TestSensibleStackRegionBelowLowestSegmentWhenRoom(t *testing.T) {
	payload := []byte{1}
	vaddr := uint64(0x10_0000)
	raw := buildELF(t, vaddr, validHeaders(0x1000, payload, vaddr), 0x1000, payload)
	f, err := Parse(&memFile{data: raw})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	stack := f.SensibleStackRegion(addr.PageSize)
	if stack.End() > f.lowestAddr {
		t.Errorf("stack region %v overlaps or exceeds lowest loaded address %v", stack, f.lowestAddr)
	}
}

func TestSensibleStackRegionAboveHighestSegmentWhenNoRoomBelow(t *testing.T) {
	payload := []byte{1}
	vaddr := uint64(0x1000)
	raw := buildELF(t, vaddr, validHeaders(0x1000, payload, vaddr), 0x1000, payload)
	f, err := Parse(&memFile{data: raw})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	stack := f.SensibleStackRegion(addr.PageSize)
	if stack.Start < f.highestAddr {
		t.Errorf("stack region %v does not start above highest loaded address %v", stack, f.highestAddr)
	}
}
