package fs

import "github.com/bekos-project/bekos/internal/errno"

// Lookup resolves path's segments against root, walking Children() one
// name at a time. Matches the shape of the original's fullPathLookup,
// minus mount points and symlinks: a concrete filesystem is out of scope
// (spec.md section 1), so there is nothing here to mount or link to.
// A "." segment is skipped in place; ".." is not supported, since Entry
// carries no parent reference.
func Lookup(root Entry, path Path) (Entry, error) {
	current := root
	for _, seg := range path.Segments {
		if seg == "." {
			continue
		}
		if seg == ".." {
			return nil, errno.ENOTSUP
		}
		if !current.IsDir() {
			return nil, errno.ENOTDIR
		}
		next := childNamed(current, seg)
		if next == nil {
			return nil, errno.ENOENT
		}
		current = next
	}
	return current, nil
}

func childNamed(dir Entry, name string) Entry {
	for _, c := range dir.Children() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}
