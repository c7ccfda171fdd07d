// Package elf is the ELF loader (spec.md section 4.8): it parses an ELF-64
// little-endian AArch64 ET_EXEC file, maps its PT_LOAD segments into a
// process's address space, and suggests a stack region. Grounded on
// original_source/kernel/src/process/elf.cpp's ElfFile (parse_file,
// load_into, get_sensible_stack_region) and
// original_source/kernel/include/process/elf.h's elf_program_header layout.
//
// This kernel maps the original's mixed ENOEXEC/ENOTSUP split for
// format-mismatch cases onto a single ENOEXEC, since userspace has no use
// for distinguishing "this isn't an executable" from "this executable
// format isn't supported" at exec time.
package elf

import (
	"encoding/binary"
	"io"

	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/fs"
	"github.com/bekos-project/bekos/internal/klog"
	"github.com/bekos-project/bekos/internal/space"
)

const (
	identMagic0 = 0x7F
	identMagic1 = 'E'
	identMagic2 = 'L'
	identMagic3 = 'F'

	classELF64       = 2
	dataLittleEndian = 1

	objTypeExec = 2

	machineAArch64 = 0xB7

	fileHeaderSize    = 64
	progHeaderEntSize = 56

	// e_ident/class/data/type/machine/phoff/phentsize/phnum field offsets
	// within the ELF-64 file header.
	offIdentClass  = 4
	offIdentData   = 5
	offType        = 16
	offMachine     = 18
	offEntry       = 24
	offPhOff       = 32
	offPhEntSize   = 54
	offPhNum       = 56
)

// program header type/flag bits, from elf_program_header's type_t and flags.
const (
	ptLoad   = 1
	ptInterp = 3

	progExec  = 1
	progWrite = 2
	progRead  = 4
)

// ProgramHeader is one decoded PT_* entry.
type ProgramHeader struct {
	Type       uint32
	Flags      uint32
	Offset     uint64
	VirtAddr   addr.UserAddr
	FileSize   uint64
	MemSize    uint64
	Align      uint64
}

// File is a parsed, validated ELF executable ready to be loaded.
type File struct {
	source      fs.FileReader
	headers     []ProgramHeader
	entryPoint  addr.UserAddr
	lowestAddr  addr.UserAddr
	highestAddr addr.UserAddr
	log         *klog.Logger
}

// EntryPoint returns the validated entry address.
func (f *File) EntryPoint() addr.UserAddr { return f.entryPoint }

// Parse validates and decodes an ELF file header plus its program header
// table, reading through source. Matches the original's parse_file.
func Parse(source fs.FileReader) (*File, error) {
	var header [fileHeaderSize]byte
	if _, err := io.ReadFull(io.NewSectionReader(source, 0, int64(source.Size())), header[:]); err != nil {
		return nil, errno.ENOEXEC
	}

	if header[0] != identMagic0 || header[1] != identMagic1 || header[2] != identMagic2 || header[3] != identMagic3 {
		return nil, errno.ENOEXEC
	}
	if header[offIdentClass] != classELF64 || header[offIdentData] != dataLittleEndian {
		return nil, errno.ENOEXEC
	}

	objType := binary.LittleEndian.Uint16(header[offType:])
	if objType != objTypeExec {
		return nil, errno.ENOEXEC
	}

	machine := binary.LittleEndian.Uint16(header[offMachine:])
	if machine != machineAArch64 {
		return nil, errno.ENOEXEC
	}

	entry := binary.LittleEndian.Uint64(header[offEntry:])
	phOff := binary.LittleEndian.Uint64(header[offPhOff:])
	phEntSize := binary.LittleEndian.Uint16(header[offPhEntSize:])
	phNum := binary.LittleEndian.Uint16(header[offPhNum:])

	if phEntSize != progHeaderEntSize {
		return nil, errno.ENOTSUP
	}

	headers := make([]ProgramHeader, 0, phNum)
	var lowest, highest addr.UserAddr
	haveLoad := false

	for i := uint16(0); i < phNum; i++ {
		var raw [progHeaderEntSize]byte
		off := int64(phOff) + int64(i)*int64(phEntSize)
		if _, err := io.ReadFull(io.NewSectionReader(source, off, progHeaderEntSize), raw[:]); err != nil {
			return nil, errno.ENOEXEC
		}

		ph := ProgramHeader{
			Type:     binary.LittleEndian.Uint32(raw[0:]),
			Flags:    binary.LittleEndian.Uint32(raw[4:]),
			Offset:   binary.LittleEndian.Uint64(raw[8:]),
			VirtAddr: addr.UserAddr(binary.LittleEndian.Uint64(raw[16:])),
			FileSize: binary.LittleEndian.Uint64(raw[32:]),
			MemSize:  binary.LittleEndian.Uint64(raw[40:]),
			Align:    binary.LittleEndian.Uint64(raw[48:]),
		}
		headers = append(headers, ph)

		if ph.Type == ptInterp {
			return nil, errno.ENOTSUP
		}
		if ph.Type != ptLoad {
			continue
		}

		segEnd := addr.UserAddr(uint64(ph.VirtAddr) + ph.MemSize)
		if !(addr.UserRegion{Start: ph.VirtAddr, Size: uintptr(ph.MemSize)}).WithinMax() {
			return nil, errno.ENOTSUP
		}
		if ph.Offset+ph.FileSize > source.Size() {
			return nil, errno.ENOEXEC
		}
		if ph.MemSize < ph.FileSize {
			return nil, errno.ENOEXEC
		}

		if !haveLoad || ph.VirtAddr < lowest {
			lowest = ph.VirtAddr
		}
		if !haveLoad || segEnd > highest {
			highest = segEnd
		}
		haveLoad = true
	}

	if !haveLoad {
		return nil, errno.ENOEXEC
	}

	entryAddr := addr.UserAddr(entry)
	if entryAddr < lowest || entryAddr >= highest {
		return nil, errno.ENOTSUP
	}

	return &File{
		source:      source,
		headers:     headers,
		entryPoint:  entryAddr,
		lowestAddr:  lowest,
		highestAddr: highest,
		log:         klog.Default.WithComponent("elf"),
	}, nil
}

func pageAlignRegion(start addr.UserAddr, size uint64) addr.UserRegion {
	alignedStart := addr.UserAddr(addr.AlignDown(uintptr(start), addr.PageSize))
	end := addr.AlignUp(uintptr(start)+uintptr(size), addr.PageSize)
	return addr.UserRegion{Start: alignedStart, Size: end - uintptr(alignedStart)}
}

func permissionsFor(flags uint32, log *klog.Logger) space.MemoryOperation {
	var ops space.MemoryOperation
	if flags&progRead != 0 {
		ops |= space.OpRead
	}
	if flags&progWrite != 0 {
		ops |= space.OpWrite
	}
	if flags&progExec != 0 {
		ops |= space.OpExecute
	}
	if ops&space.OpWrite != 0 && ops&space.OpExecute != 0 {
		log.Warnf("PT_LOAD segment requests both write and execute permissions")
	}
	return ops
}

// LoadInto maps every PT_LOAD segment into sm via a fresh owned allocation
// per segment, copying file bytes at the correct intra-page offset and
// zero-filling the rest. Matches the original's load_into.
func (f *File) LoadInto(sm *space.SpaceManager, pool space.DMAPool) error {
	for _, ph := range f.headers {
		if ph.Type != ptLoad || ph.MemSize == 0 {
			continue
		}

		aligned := pageAlignRegion(ph.VirtAddr, ph.MemSize)
		regionStartOffset := uintptr(ph.VirtAddr) - uintptr(aligned.Start)
		ops := permissionsFor(ph.Flags, f.log)

		owned, err := sm.AllocatePlacedRegion(pool, aligned, ops, "")
		if err != nil {
			return err
		}
		buf := owned.Bytes()

		for i := uintptr(0); i < regionStartOffset; i++ {
			buf[i] = 0
		}
		if ph.FileSize > 0 {
			n, _ := f.source.ReadAt(buf[regionStartOffset:regionStartOffset+uintptr(ph.FileSize)], int64(ph.Offset))
			if uint64(n) != ph.FileSize {
				return errno.ENOEXEC
			}
		}
		for i := regionStartOffset + uintptr(ph.FileSize); i < uintptr(len(buf)); i++ {
			buf[i] = 0
		}
	}
	return nil
}

// stackGuardPages is the room this kernel requires below a stack region it
// places under the lowest loaded segment; stackPlacementGapPages is the gap
// it leaves between the stack and the loaded segments in either placement.
const stackGuardPages = 2
const stackPlacementGapPages = 16

// SensibleStackRegion reports a suggested, page-aligned stack placement of
// maximumSize bytes: a fixed distance below the lowest loaded segment with
// a guard gap if there's room, otherwise a fixed distance above the
// highest loaded segment. Matches the original's get_sensible_stack_region.
func (f *File) SensibleStackRegion(maximumSize uintptr) addr.UserRegion {
	size := addr.AlignUp(maximumSize, addr.PageSize)
	gap := uintptr(stackPlacementGapPages) * addr.PageSize
	guard := uintptr(stackGuardPages) * addr.PageSize

	belowEnd := addr.AlignDown(uintptr(f.lowestAddr), addr.PageSize)
	if belowEnd > gap+size+guard {
		start := belowEnd - gap - size
		return addr.UserRegion{Start: addr.UserAddr(start), Size: size}
	}

	start := addr.AlignUp(uintptr(f.highestAddr)+gap, addr.PageSize)
	return addr.UserRegion{Start: addr.UserAddr(start), Size: size}
}
