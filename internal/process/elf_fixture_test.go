package process

import (
	"encoding/binary"
	"testing"
)

// buildMinimalELF assembles the smallest valid ET_EXEC AArch64 image
// internal/elf.Parse accepts: one header, one PT_LOAD segment covering a
// single page, entry point at the segment's base.
func buildMinimalELF(t *testing.T) []byte {
	t.Helper()

	const (
		fileHeaderSize    = 64
		progHeaderEntSize = 56
		pageSize          = 0x1000
		loadAddr          = 0x20000
	)

	payload := []byte{0xD4, 0x20, 0x00, 0x00} // arbitrary instruction bytes

	buf := make([]byte, fileHeaderSize+progHeaderEntSize+len(payload))

	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // little endian
	binary.LittleEndian.PutUint16(buf[16:], 2)      // e_type = ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:], 0xB7)   // e_machine = AArch64
	binary.LittleEndian.PutUint64(buf[24:], loadAddr) // e_entry
	binary.LittleEndian.PutUint64(buf[32:], fileHeaderSize) // e_phoff
	binary.LittleEndian.PutUint16(buf[54:], progHeaderEntSize)
	binary.LittleEndian.PutUint16(buf[56:], 1) // e_phnum

	ph := buf[fileHeaderSize:]
	binary.LittleEndian.PutUint32(ph[0:], 1)                              // p_type = PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:], 1|4)                            // p_flags = R|X
	binary.LittleEndian.PutUint64(ph[8:], fileHeaderSize+progHeaderEntSize) // p_offset
	binary.LittleEndian.PutUint64(ph[16:], loadAddr)                      // p_vaddr
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(payload)))          // p_filesz
	binary.LittleEndian.PutUint64(ph[40:], pageSize)                      // p_memsz
	binary.LittleEndian.PutUint64(ph[48:], pageSize)                      // p_align

	copy(buf[fileHeaderSize+progHeaderEntSize:], payload)
	return buf
}
