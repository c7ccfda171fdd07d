// Package process implements the process manager and scheduler (spec.md
// section 4.7): Process, its UserspaceState, and the ProcessManager that
// registers, schedules, and context-switches between processes. Grounded on
// original_source/kernel/src/process/process.cpp's Process and
// ProcessManager, and original_source/kernel/src/process/syscalls.cpp's
// per-call handle dispatch (sys_open/sys_read/sys_write/...).
package process

import (
	"github.com/bekos-project/bekos/internal/devregistry"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/fs"
)

// Operation is the subset of {Read, Write, Seek, Message} a given
// EntityHandle supports, from spec.md's Glossary entry for EntityHandle.
type Operation uint8

const (
	OpRead Operation = 1 << iota
	OpWrite
	OpSeek
	OpMessage
)

// SeekWhence mirrors the three POSIX-style seek origins syscalls.cpp's
// sys_seek accepts.
type SeekWhence int

const (
	SeekSet SeekWhence = iota
	SeekCurrent
	SeekEnd
)

// EntityHandle is one entry in a process's open_entities table: either a
// file handle wrapping a filesystem entry or a device handle wrapping a
// registered device. The syscall layer never type-switches on the concrete
// kind; it calls Supports to check a requested operation is valid before
// calling the corresponding method, matching sys_read/sys_write's explicit
// permission check ahead of dispatch.
type EntityHandle interface {
	// Supports reports whether op is valid for this handle; callers must
	// check before invoking the corresponding method.
	Supports(op Operation) bool
	Read(offset uint64, buf []byte) (int, error)
	Write(offset uint64, buf []byte) (int, error)
	Seek(whence SeekWhence, offset int64) (int64, error)
	Message(id uint32, buf []byte) (int, error)
}

// FileHandle is an EntityHandle over a filesystem entry (spec.md section
// 4.9's Open call). Only regular files support Read; this kernel has no
// writable filesystem (spec.md section 1), so Write always fails with
// ENOTSUP regardless of the entry's kind.
type FileHandle struct {
	Entry  fs.Entry
	offset uint64
}

// NewFileHandle wraps entry for a process's open_entities table.
func NewFileHandle(entry fs.Entry) *FileHandle {
	return &FileHandle{Entry: entry}
}

func (h *FileHandle) Supports(op Operation) bool {
	switch op {
	case OpRead, OpSeek:
		return !h.Entry.IsDir()
	default:
		return false
	}
}

func (h *FileHandle) Read(offset uint64, buf []byte) (int, error) {
	reader, ok := h.Entry.(fs.FileReader)
	if !ok {
		return 0, errno.ENOTSUP
	}
	n, err := reader.ReadAt(buf, int64(offset))
	if n > 0 {
		return n, nil
	}
	return n, err
}

func (h *FileHandle) Write(uint64, []byte) (int, error) { return 0, errno.ENOTSUP }

func (h *FileHandle) Seek(whence SeekWhence, offset int64) (int64, error) {
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCurrent:
		base = int64(h.offset)
	case SeekEnd:
		base = int64(h.Entry.Size())
	default:
		return 0, errno.EINVAL
	}
	next := base + offset
	if next < 0 {
		return 0, errno.EINVAL
	}
	h.offset = uint64(next)
	return next, nil
}

func (h *FileHandle) Message(uint32, []byte) (int, error) { return 0, errno.ENOTSUP }

// DeviceHandle is an EntityHandle over a registered device (spec.md section
// 4.9's OpenDevice/CommandDevice calls). Devices are message-only: they
// have no file-style offset, matching devregistry.Handle's sole Message
// method.
type DeviceHandle struct {
	Device *devregistry.Entry
}

// NewDeviceHandle wraps a registered device for a process's open_entities
// table.
func NewDeviceHandle(device *devregistry.Entry) *DeviceHandle {
	return &DeviceHandle{Device: device}
}

func (h *DeviceHandle) Supports(op Operation) bool { return op == OpMessage }

func (h *DeviceHandle) Read(uint64, []byte) (int, error)  { return 0, errno.ENOTSUP }
func (h *DeviceHandle) Write(uint64, []byte) (int, error) { return 0, errno.ENOTSUP }

func (h *DeviceHandle) Seek(SeekWhence, int64) (int64, error) { return 0, errno.ENOTSUP }

func (h *DeviceHandle) Message(id uint32, buf []byte) (int, error) {
	return h.Device.Handle.Message(id, buf)
}

var (
	_ EntityHandle = (*FileHandle)(nil)
	_ EntityHandle = (*DeviceHandle)(nil)
)
