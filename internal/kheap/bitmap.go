package kheap

import "github.com/bekos-project/bekos/internal/errno"

// bitmapChunkSize is the bitmap tier's allocation granularity (spec.md
// section 4.4: "128-byte chunks").
const bitmapChunkSize = 128

type chunkBitset struct {
	bits []byte
	n    int
}

func newChunkBitset(n int) chunkBitset {
	cb := chunkBitset{bits: make([]byte, (n+7)/8), n: n}
	for i := 0; i < n; i++ {
		cb.set(i, true)
	}
	return cb
}

func (b chunkBitset) get(i int) bool { return b.bits[i/8]&(1<<uint(i%8)) != 0 }
func (b chunkBitset) set(i int, v bool) {
	if v {
		b.bits[i/8] |= 1 << uint(i%8)
	} else {
		b.bits[i/8] &^= 1 << uint(i%8)
	}
}

// bitmapExtent is one upstream allocation from the page tier, divided into
// bitmapChunkSize chunks tracked by a free bitmap.
type bitmapExtent struct {
	backing []byte
	free    chunkBitset
}

// bitmapTier is the middle tier of the kernel heap: it serves requests from
// 32 bytes up to (but not including) 64 KiB out of 128-byte chunks, growing
// by requesting whole-page extents from a PageSource when none of its
// existing extents has room (spec.md section 4.4). Grounded on the
// teacher's heap.go best-fit segment scan, generalized from a single
// best-fit list over the whole heap into a bitmap over fixed-size chunks.
type bitmapTier struct {
	source  PageSource
	extents []*bitmapExtent
}

func newBitmapTier(source PageSource) *bitmapTier {
	return &bitmapTier{source: source}
}

func roundUpChunks(size int) int {
	return (size + bitmapChunkSize - 1) / bitmapChunkSize
}

// allocate finds (or creates) a run of free chunks at least size bytes long,
// whose starting byte offset within its extent is a multiple of align, and
// marks them allocated. align up to a chunk multiple is always satisfiable
// because every extent starts page-aligned and bitmapChunkSize divides
// PageSize evenly.
func (t *bitmapTier) allocate(size, align int) ([]byte, int, int, *bitmapExtent, error) {
	count := roundUpChunks(size)
	for _, ext := range t.extents {
		if start, ok := findFreeRun(ext.free, count, align); ok {
			markRun(ext.free, start, count, false)
			off := start * bitmapChunkSize
			return ext.backing[off : off+count*bitmapChunkSize], start, count, ext, nil
		}
	}

	extentChunks := count
	extentBytes := extentChunks * bitmapChunkSize
	nPages := (extentBytes + PageSize - 1) / PageSize
	mem, err := t.source.AllocatePages(nPages)
	if err != nil {
		return nil, 0, 0, nil, err
	}
	ext := &bitmapExtent{backing: mem, free: newChunkBitset(nPages * PageSize / bitmapChunkSize)}
	t.extents = append(t.extents, ext)

	start, ok := findFreeRun(ext.free, count, align)
	if !ok {
		return nil, 0, 0, nil, errno.ENOMEM
	}
	markRun(ext.free, start, count, false)
	off := start * bitmapChunkSize
	return ext.backing[off : off+count*bitmapChunkSize], start, count, ext, nil
}

func (t *bitmapTier) free(ext *bitmapExtent, start, count int) {
	markRun(ext.free, start, count, true)
}

func findFreeRun(b chunkBitset, count, align int) (int, bool) {
	alignChunks := 1
	if align > bitmapChunkSize {
		alignChunks = (align + bitmapChunkSize - 1) / bitmapChunkSize
	}
	run := 0
	for i := 0; i < b.n; i++ {
		if b.get(i) {
			run++
		} else {
			run = 0
			continue
		}
		start := i - run + 1
		if run >= count && start%alignChunks == 0 {
			return start, true
		}
	}
	return 0, false
}

func markRun(b chunkBitset, start, count int, free bool) {
	for i := start; i < start+count; i++ {
		b.set(i, free)
	}
}
