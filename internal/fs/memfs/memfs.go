// Package memfs is an in-memory fs.Entry tree used to exercise the
// directory-enumeration and path-parsing layers without a real
// filesystem driver (spec.md section 1 puts the concrete filesystem out of
// scope). It provides the `a` (file)/`b` (directory) fixture named in
// spec.md section 8's "Directory traversal" scenario.
package memfs

import (
	"io"

	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/fs"
)

var (
	errNotDir   = errno.ENOTDIR
	errNotFound = errno.ENOENT
)

// File is a leaf fs.Entry with fixed contents.
type File struct {
	name string
	data []byte
}

// NewFile constructs a file entry with the given contents.
func NewFile(name string, data []byte) *File { return &File{name: name, data: data} }

func (f *File) Name() string      { return f.name }
func (f *File) IsDir() bool       { return false }
func (f *File) Size() uint64      { return uint64(len(f.data)) }
func (f *File) Children() []fs.Entry { return nil }

// Data returns the file's contents.
func (f *File) Data() []byte { return f.data }

// ReadAt satisfies fs.FileReader.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

var _ fs.FileReader = (*File)(nil)

// Dir is an fs.Entry whose children are other in-memory entries.
type Dir struct {
	name     string
	children []fs.Entry
}

// NewDir constructs a directory entry with the given children.
func NewDir(name string, children ...fs.Entry) *Dir {
	return &Dir{name: name, children: children}
}

func (d *Dir) Name() string       { return d.name }
func (d *Dir) IsDir() bool        { return true }
func (d *Dir) Size() uint64       { return 0 }
func (d *Dir) Children() []fs.Entry { return d.children }

// Find resolves a parsed fs.Path's segments starting from d, failing with
// ENOENT on a missing segment and ENOTDIR if a non-final segment names a
// file.
func (d *Dir) Find(segments []string) (fs.Entry, error) {
	var current fs.Entry = d
	for _, seg := range segments {
		dir, ok := current.(*Dir)
		if !ok {
			return nil, errNotDir
		}
		next := dir.child(seg)
		if next == nil {
			return nil, errNotFound
		}
		current = next
	}
	return current, nil
}

func (d *Dir) child(name string) fs.Entry {
	for _, c := range d.children {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// FixtureAB builds the {a (file, 10 bytes), b (directory)} root named in
// spec.md section 8's "Directory traversal" scenario.
func FixtureAB() *Dir {
	return NewDir("", NewFile("a", make([]byte, 10)), NewDir("b"))
}
