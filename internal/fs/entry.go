package fs

import "io"

// Kind tags a directory record's entry type, from spec.md section 6's
// directory-enumeration record layout (`1=file, 2=directory`).
type Kind uint32

const (
	KindFile      Kind = 1
	KindDirectory Kind = 2
)

// Entry is the minimal filesystem node interface the syscall layer and the
// ELF loader's cwd/open-file handling consume. A concrete filesystem is out
// of scope (spec.md section 1); internal/fs/memfs provides a fixture that
// implements it for tests and the "Directory traversal" end-to-end
// scenario.
type Entry interface {
	Name() string
	IsDir() bool
	Size() uint64
	// Children lists a directory's immediate children. Called only when
	// IsDir() is true; a file entry need not implement it meaningfully.
	Children() []Entry
}

// FileReader is a file Entry whose contents can be read, the interface
// internal/elf parses and loads an executable through.
type FileReader interface {
	Entry
	io.ReaderAt
}
