package syscall

import (
	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/devregistry"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/process"
	"github.com/bekos-project/bekos/internal/space"
)

// sysListDevices returns the required buffer size when len==0 (matching
// sys_list_devices's two-pass protocol), else serializes matching devices
// and reports EOVERFLOW if the buffer was too small for all of them.
func sysListDevices(proc *process.Process, devices *devregistry.Registry, args Args) (int64, error) {
	length := args.A2
	protocolFilter := args.A3
	hasFilter := protocolFilter != 0
	filter := devregistry.Protocol(protocolFilter)

	all := devices.List()

	if length == 0 {
		return int64(requiredDeviceListSize(all, filter, hasFilter)), nil
	}

	buf, err := userBuffer(proc, addr.UserAddr(args.A1), length, space.OpWrite)
	if err != nil {
		return 0, err
	}
	for i := range buf {
		buf[i] = 0
	}
	_, overflowed := serializeDeviceList(all, filter, hasFilter, buf)
	if overflowed {
		return 0, errno.EOVERFLOW
	}
	return 0, nil
}

func sysOpenDevice(proc *process.Process, devices *devregistry.Registry, args Args) (int64, error) {
	name, err := readUserString(proc, addr.UserAddr(args.A1), args.A2)
	if err != nil {
		return 0, err
	}
	entry, err := devices.Get(name)
	if err != nil {
		return 0, err
	}
	id := proc.Userspace().AddEntity(process.NewDeviceHandle(entry))
	return int64(id), nil
}

func sysMessageDevice(proc *process.Process, args Args) (int64, error) {
	handle, err := proc.Userspace().Entity(int(int64(args.A1)))
	if err != nil {
		return 0, err
	}
	if !handle.Supports(process.OpMessage) {
		return 0, errno.ENOTSUP
	}
	buf, err := userBuffer(proc, addr.UserAddr(args.A3), args.A4, space.OpRead|space.OpWrite)
	if err != nil {
		return 0, err
	}
	n, err := handle.Message(uint32(args.A2), buf)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
