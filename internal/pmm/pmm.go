// Package pmm is the physical page allocator (spec.md section 4.3): a set
// of physical-memory windows, each a RegionPageAllocator that stores its
// own free/continuation bitmap at the start of its window. Grounded on the
// teacher's mazboot/golang/main/page.go (free-list-per-page allocator,
// kernel-page/reserved-page bookkeeping) and supplemented per spec.md with
// the bitmap + continuation-bitmap accounting original_source's
// mm/page_allocator.h describes, since the teacher's linked-list-through-
// the-page-itself approach cannot recover "how many pages were in this
// allocation" the way spec.md's free_region(start) contract requires.
package pmm

import (
	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/klog"
)

// bitmapBacking is the storage a RegionPageAllocator needs for its two
// bitmaps: one bit per page for "free vs allocated/reserved", one bit per
// page for "continuation of the previous page's allocation/reservation".
// The production kernel places these bitmaps at the start of the window
// itself (spec.md: "stores its own metadata ... at the start of its
// window"); tests inject a plain byte slice instead so the allocator is
// exercisable without real physical memory.
type bitmapBacking interface {
	// Bytes returns a byte slice at least ceil(nPages/8) long, used as the
	// backing array for a bitmap.
	Bytes(nBytes int) []byte
}

// sliceBacking is the bitmapBacking used in tests and by the fallback
// in-process allocator: ordinary Go byte slices rather than a carved-out
// region of physical RAM.
type sliceBacking struct{}

func (sliceBacking) Bytes(n int) []byte { return make([]byte, n) }

type bitset struct {
	bits []byte
}

func newBitset(nPages int, backing bitmapBacking) bitset {
	nBytes := (nPages + 7) / 8
	return bitset{bits: backing.Bytes(nBytes)}
}

func (b bitset) get(i int) bool { return b.bits[i/8]&(1<<uint(i%8)) != 0 }
func (b bitset) set(i int, v bool) {
	if v {
		b.bits[i/8] |= 1 << uint(i%8)
	} else {
		b.bits[i/8] &^= 1 << uint(i%8)
	}
}

// RegionPageAllocator hands out page-aligned physical frames from a single
// contiguous physical-memory window. Every frame is either free, allocated
// as part of exactly one contiguous region, or reserved (spec.md's
// allocator invariant).
type RegionPageAllocator struct {
	window  addr.PhysRegion
	nPages  int
	free    bitset // 1 = free
	contBit bitset // 1 = "this page continues the previous page's block"
	freeCount int
	log     *klog.Logger
}

// NewRegionPageAllocator constructs an allocator over window, with all
// pages initially free, using backing for the bitmap storage.
func NewRegionPageAllocator(window addr.PhysRegion, backing bitmapBacking) (*RegionPageAllocator, error) {
	if !window.IsPageAligned() {
		return nil, errno.EINVAL
	}
	nPages := int(window.Size / addr.PageSize)
	if backing == nil {
		backing = sliceBacking{}
	}
	a := &RegionPageAllocator{
		window:    window,
		nPages:    nPages,
		free:      newBitset(nPages, backing),
		contBit:   newBitset(nPages, backing),
		freeCount: nPages,
		log:       klog.Default.WithComponent("pmm"),
	}
	for i := 0; i < nPages; i++ {
		a.free.set(i, true)
	}
	return a, nil
}

// Window returns the physical region this allocator manages.
func (a *RegionPageAllocator) Window() addr.PhysRegion { return a.window }

// FreePages returns the number of currently-free pages (used by tests to
// verify spec.md testable property 2: allocator accounting round-trips).
func (a *RegionPageAllocator) FreePages() int { return a.freeCount }

func (a *RegionPageAllocator) pageIndex(p addr.PhysAddr) (int, bool) {
	if p < a.window.Start || p >= a.window.End() {
		return 0, false
	}
	return int(uintptr(p-a.window.Start) / addr.PageSize), true
}

// MarkAsReserved marks every page overlapping region as allocated and
// un-freeable, without creating a recoverable allocation (no continuation
// bit is set, since a reserved region is never freed through
// FreeRegion — spec.md: "Reserved sub-windows ... are marked in the bitmap
// at construction").
func (a *RegionPageAllocator) MarkAsReserved(region addr.PhysRegion) error {
	if !a.window.ContainsRegion(region) {
		return errno.EINVAL
	}
	start, ok := a.pageIndex(region.Start)
	if !ok {
		return errno.EINVAL
	}
	n := int((region.Size + addr.PageSize - 1) / addr.PageSize)
	for i := start; i < start+n; i++ {
		if a.free.get(i) {
			a.freeCount--
		}
		a.free.set(i, false)
		a.contBit.set(i, false)
	}
	return nil
}

// AllocateRegion finds nPages contiguous free pages and marks them
// allocated, returning the resulting physical region. Returns
// (PhysRegion{}, false) if no run of nPages contiguous free pages exists.
func (a *RegionPageAllocator) AllocateRegion(nPages int) (addr.PhysRegion, bool) {
	if nPages <= 0 || nPages > a.freeCount {
		a.log.Debugf("allocate_region(%d) rejected: only %d pages free in window %v", nPages, a.freeCount, a.window)
		return addr.PhysRegion{}, false
	}
	run := 0
	start := -1
	for i := 0; i < a.nPages; i++ {
		if a.free.get(i) {
			if run == 0 {
				start = i
			}
			run++
			if run == nPages {
				for j := start; j < start+nPages; j++ {
					a.free.set(j, false)
					a.contBit.set(j, j != start)
				}
				a.freeCount -= nPages
				region := addr.PhysRegion{
					Start: a.window.Start.Add(uintptr(start) * addr.PageSize),
					Size:  uintptr(nPages) * addr.PageSize,
				}
				return region, true
			}
		} else {
			run = 0
		}
	}
	return addr.PhysRegion{}, false
}

// FreeRegion frees the allocation starting at start, recovering its length
// by walking the continuation bitmap forward until it finds a page that
// does not continue the block (spec.md: "free_region uses the continuation
// bitmap to recover the length of the originally-allocated block"). Returns
// EINVAL if start is not page-aligned or is not the head of an allocated
// block (i.e. a page whose own continuation bit is set, which would mean
// it is the middle of someone else's block, not a block head).
func (a *RegionPageAllocator) FreeRegion(start addr.PhysAddr) error {
	idx, ok := a.pageIndex(start)
	if !ok || !start.IsPageAligned() {
		return errno.EINVAL
	}
	if a.free.get(idx) {
		return errno.EINVAL // already free
	}
	if a.contBit.get(idx) {
		return errno.EINVAL // not a block head
	}
	i := idx
	for {
		a.free.set(i, true)
		a.contBit.set(i, false)
		a.freeCount++
		i++
		if i >= a.nPages || !a.contBit.get(i) || a.free.get(i) {
			break
		}
	}
	return nil
}

// Allocator multiplexes up to N physical-memory windows behind the single
// allocate/free/reserve API spec.md section 4.3 describes.
type Allocator struct {
	regions []*RegionPageAllocator
}

// NewAllocator constructs an Allocator with no windows; callers add
// windows with AddWindow as they are discovered (from the device tree's
// /memory nodes, spec.md section 6).
func NewAllocator() *Allocator {
	return &Allocator{}
}

// AddWindow registers a new physical-memory window.
func (a *Allocator) AddWindow(region addr.PhysRegion, backing bitmapBacking) error {
	rpa, err := NewRegionPageAllocator(region, backing)
	if err != nil {
		return err
	}
	a.regions = append(a.regions, rpa)
	return nil
}

// AllocateRegion tries each window in registration order until one can
// satisfy the request.
func (a *Allocator) AllocateRegion(nPages int) (addr.PhysRegion, bool) {
	for _, r := range a.regions {
		if region, ok := r.AllocateRegion(nPages); ok {
			return region, true
		}
	}
	return addr.PhysRegion{}, false
}

// FreeRegion routes the free to whichever window contains start.
func (a *Allocator) FreeRegion(start addr.PhysAddr) error {
	for _, r := range a.regions {
		if r.window.Contains(start) {
			return r.FreeRegion(start)
		}
	}
	return errno.EINVAL
}

// MarkAsReserved routes the reservation to whichever window contains it.
func (a *Allocator) MarkAsReserved(region addr.PhysRegion) error {
	for _, r := range a.regions {
		if r.window.ContainsRegion(region) {
			return r.MarkAsReserved(region)
		}
	}
	return errno.EINVAL
}

// FreePages totals the free-page count across every window (spec.md
// testable property 2).
func (a *Allocator) FreePages() int {
	total := 0
	for _, r := range a.regions {
		total += r.FreePages()
	}
	return total
}
