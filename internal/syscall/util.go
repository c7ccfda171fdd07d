package syscall

import (
	"encoding/binary"

	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/fs"
	"github.com/bekos-project/bekos/internal/process"
	"github.com/bekos-project/bekos/internal/space"
)

func alignUp(v, align int) int { return (v + align - 1) &^ (align - 1) }

func readUserString(proc *process.Process, ptr addr.UserAddr, length uint64) (string, error) {
	if length > maxStringLen {
		return "", errno.EINVAL
	}
	buf, err := proc.Userspace().Space.Translate(ptr, uintptr(length), space.OpRead)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func userBuffer(proc *process.Process, ptr addr.UserAddr, length uint64, op space.MemoryOperation) ([]byte, error) {
	return proc.Userspace().Space.Translate(ptr, uintptr(length), op)
}

// statRecordSize is Stat's wire size: an 8-byte size followed by a 4-byte
// kind tag, matching spec.md section 6's Stat record.
const statRecordSize = 8 + 4

func writeStat(proc *process.Process, ptr addr.UserAddr, entry fs.Entry) error {
	buf, err := userBuffer(proc, ptr, statRecordSize, space.OpWrite)
	if err != nil {
		return err
	}
	kind := fs.KindFile
	if entry.IsDir() {
		kind = fs.KindDirectory
	}
	binary.LittleEndian.PutUint64(buf[0:], entry.Size())
	binary.LittleEndian.PutUint32(buf[8:], uint32(kind))
	return nil
}
