package syscall

import (
	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/process"
	"github.com/bekos-project/bekos/internal/space"
)

func sysRead(proc *process.Process, args Args) (int64, error) {
	handle, err := proc.Userspace().Entity(int(int64(args.A1)))
	if err != nil {
		return 0, err
	}
	if !handle.Supports(process.OpRead) {
		return 0, errno.ENOTSUP
	}
	buf, err := userBuffer(proc, addr.UserAddr(args.A3), args.A4, space.OpWrite)
	if err != nil {
		return 0, err
	}
	n, err := handle.Read(args.A2, buf)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func sysWrite(proc *process.Process, args Args) (int64, error) {
	handle, err := proc.Userspace().Entity(int(int64(args.A1)))
	if err != nil {
		return 0, err
	}
	if !handle.Supports(process.OpWrite) {
		return 0, errno.ENOTSUP
	}
	buf, err := userBuffer(proc, addr.UserAddr(args.A3), args.A4, space.OpRead)
	if err != nil {
		return 0, err
	}
	n, err := handle.Write(args.A2, buf)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func sysSeek(proc *process.Process, args Args) (int64, error) {
	handle, err := proc.Userspace().Entity(int(int64(args.A1)))
	if err != nil {
		return 0, err
	}
	if !handle.Supports(process.OpSeek) {
		return 0, errno.ENOTSUP
	}
	pos, err := handle.Seek(process.SeekWhence(args.A2), int64(args.A3))
	if err != nil {
		return 0, err
	}
	return pos, nil
}
