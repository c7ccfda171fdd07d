// Package fs provides the parts of the filesystem layer that are
// independent of any concrete backing store (spec.md section 1 puts the
// real filesystem out of scope): path parsing and the directory-enumeration
// record layout used by the syscall dispatcher's GetDirEntries call.
// Grounded on original_source/kernel/include/filesystem/path.h (path
// parsing) and userspace/libcore/include/core/dir.h (directory streaming).
package fs

import (
	"strings"

	"github.com/bekos-project/bekos/internal/errno"
)

// Path is a parsed filesystem path: `/name` is absolute, `name` relative,
// `..` parent, `.` self, and `/(disk)/rest` selects a named filesystem
// root, from path.h's path::parse_path.
type Path struct {
	raw           string
	Absolute      bool
	DiskSpecifier string // empty if none was given
	HasDisk       bool
	Segments      []string
}

// String returns the original path text this Path was parsed from.
func (p Path) String() string { return p.raw }

// ParsePath parses s per spec.md section 6's path syntax. A disk specifier
// with no closing `)` or no `/` immediately after it is EINVAL, matching
// the original's "Unclosed" and missing-slash checks.
func ParsePath(s string) (Path, error) {
	p := Path{raw: s}
	cursor := 0
	end := len(s)

	if cursor != end && s[cursor] == '/' {
		p.Absolute = true
		cursor++
		if cursor != end && s[cursor] == '(' {
			cursor++
			start := cursor
			for cursor != end && s[cursor] != ')' {
				cursor++
			}
			if cursor == end {
				return Path{}, errno.EINVAL
			}
			p.DiskSpecifier = s[start:cursor]
			p.HasDisk = true
			cursor++ // skip ')'
			if cursor == end || s[cursor] != '/' {
				return Path{}, errno.EINVAL
			}
			cursor++ // skip '/'
		}
	}

	segmentStart := cursor
	for cursor != end {
		if s[cursor] == '/' {
			if cursor > segmentStart {
				p.Segments = append(p.Segments, s[segmentStart:cursor])
			}
			segmentStart = cursor + 1
		}
		cursor++
	}
	if cursor > segmentStart {
		p.Segments = append(p.Segments, s[segmentStart:cursor])
	}
	return p, nil
}

// Join renders the parsed segments back into a `/`-separated relative
// path, ignoring the disk specifier and absolute/relative distinction;
// useful for building a child path from a directory's segments plus a
// name.
func (p Path) Join(name string) string {
	if len(p.Segments) == 0 {
		return name
	}
	return strings.Join(p.Segments, "/") + "/" + name
}
