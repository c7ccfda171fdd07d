package syscall

import (
	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/fs"
	"github.com/bekos-project/bekos/internal/process"
	"github.com/bekos-project/bekos/internal/space"
)

// sysGetDirEntries serializes fh's children starting at a caller-tracked
// index into buffer, returning the index of the first child not written
// (the caller's cursor for the next call). Matches sys_get_directory_entries
// via internal/fs.SerializeDirectory rather than a bespoke record walk.
func sysGetDirEntries(proc *process.Process, args Args) (int64, error) {
	handle, err := proc.Userspace().Entity(int(int64(args.A1)))
	if err != nil {
		return 0, err
	}
	fh, ok := handle.(*process.FileHandle)
	if !ok || !fh.Entry.IsDir() {
		return 0, errno.ENOTDIR
	}

	buf, err := userBuffer(proc, addr.UserAddr(args.A3), args.A4, space.OpWrite)
	if err != nil {
		return 0, err
	}
	next := fs.SerializeDirectory(fh.Entry.Children(), int(args.A2), buf)
	return int64(next), nil
}

func sysStat(proc *process.Process, args Args) (int64, error) {
	var entry fs.Entry
	if entityID := int(int64(args.A1)); entityID != invalidEntityID {
		handle, err := proc.Userspace().Entity(entityID)
		if err != nil {
			return 0, err
		}
		fh, ok := handle.(*process.FileHandle)
		if !ok {
			return 0, errno.EBADF
		}
		entry = fh.Entry
	} else {
		pathStr, err := readUserString(proc, addr.UserAddr(args.A2), args.A3)
		if err != nil {
			return 0, err
		}
		path, err := fs.ParsePath(pathStr)
		if err != nil {
			return 0, err
		}
		entry, err = fs.Lookup(proc.Userspace().Cwd, path)
		if err != nil {
			return 0, err
		}
	}
	// args.A4 (follow_symlinks) is unused: symlinks are out of scope.
	if err := writeStat(proc, addr.UserAddr(args.A5), entry); err != nil {
		return 0, err
	}
	return 0, nil
}
