package syscall

import (
	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/fs"
	"github.com/bekos-project/bekos/internal/process"
)

// OpenFlags mirrors sc::OpenFlags's bits this kernel acts on.
type OpenFlags uint32

const (
	OpenCreateIfMissing OpenFlags = 1 << iota
	OpenCreateOnly
	OpenDirectory
)

// sysOpen resolves a path (optionally relative to an already-open
// directory entity) and appends a FileHandle to the caller's open-entity
// table. This kernel has no writable filesystem (spec.md section 1), so
// CreateIfMissing/CreateOnly against a missing path always fails with
// ENOTSUP rather than original's add_child.
func sysOpen(proc *process.Process, args Args) (int64, error) {
	pathStr, err := readUserString(proc, addr.UserAddr(args.A1), args.A2)
	if err != nil {
		return 0, err
	}
	path, err := fs.ParsePath(pathStr)
	if err != nil {
		return 0, err
	}

	root := proc.Userspace().Cwd
	if parentID := int(int64(args.A4)); parentID != invalidEntityID {
		handle, err := proc.Userspace().Entity(parentID)
		if err != nil {
			return 0, err
		}
		fh, ok := handle.(*process.FileHandle)
		if !ok {
			return 0, errno.ENOTDIR
		}
		root = fh.Entry
	}

	entry, err := fs.Lookup(root, path)
	flags := OpenFlags(args.A3)
	if err != nil {
		if err == errno.ENOENT && flags&(OpenCreateIfMissing|OpenCreateOnly) != 0 {
			return 0, errno.ENOTSUP
		}
		return 0, err
	}
	if flags&OpenCreateOnly != 0 {
		return 0, errno.EEXIST
	}

	if statPtr := args.A5; statPtr != 0 {
		if err := writeStat(proc, addr.UserAddr(statPtr), entry); err != nil {
			return 0, err
		}
	}

	id := proc.Userspace().AddEntity(process.NewFileHandle(entry))
	return int64(id), nil
}

func sysClose(proc *process.Process, args Args) (int64, error) {
	id := int(int64(args.A1))
	if err := proc.Userspace().CloseEntity(id); err != nil {
		return 0, err
	}
	return 0, nil
}
