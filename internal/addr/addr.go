// Package addr implements the address and region types of the kernel's data
// model (spec.md section 3): physical, virtual, DMA, and user pointers and
// the page-aligned regions built from them. Grounded on the teacher's
// pointer/region arithmetic spread across mazboot/golang/main/page.go and
// mmu.go, and on original_source/kernel/include/mm/addresses.h, which this
// kernel follows for the exact VA split constants.
package addr

import "fmt"

const (
	// PageSize is the base translation granule (spec.md section 2 names a
	// 4 KiB granule throughout).
	PageSize = 4096
	pageMask = PageSize - 1

	// VAIdentOffset is the base of the identity window mapping all RAM and
	// MMIO into the high half (spec.md section 3).
	VAIdentOffset VirtAddr = 0xFFFF_0000_0000_0000

	// KernelVBase is the link base for the kernel image (spec.md section 3).
	KernelVBase VirtAddr = 0xFFFF_8000_0000_0000

	// VAStart is the first address not available to userspace; userspace
	// occupies [0, VAStart).
	VAStart VirtAddr = KernelVBase

	// UserAddrMax bounds every user-supplied address (spec.md section 3).
	UserAddrMax UserAddr = UserAddr(VAStart) - 1
)

// PhysAddr is a raw physical address.
type PhysAddr uintptr

// VirtAddr is a kernel-side virtual address.
type VirtAddr uintptr

// DMAAddr is the address a DMA-capable device sees, after translation
// through the device tree's dma-ranges chain (spec.md section 3).
type DMAAddr uintptr

// UserAddr is an address in the currently-installed user address space.
type UserAddr uintptr

func (p PhysAddr) String() string { return fmt.Sprintf("phys:0x%x", uintptr(p)) }
func (v VirtAddr) String() string { return fmt.Sprintf("virt:0x%x", uintptr(v)) }
func (d DMAAddr) String() string  { return fmt.Sprintf("dma:0x%x", uintptr(d)) }
func (u UserAddr) String() string { return fmt.Sprintf("user:0x%x", uintptr(u)) }

// AlignUp rounds v up to the next multiple of align, which must be a power
// of two. Grounded on original_source/kernel/include/mm/addresses.h's
// align_up<T> template.
func AlignUp[T ~uintptr](v T, align uintptr) T {
	a := T(align)
	return (v + a - 1) &^ (a - 1)
}

// AlignDown rounds v down to the previous multiple of align.
func AlignDown[T ~uintptr](v T, align uintptr) T {
	a := T(align)
	return v &^ (a - 1)
}

// PageBase rounds p down to the start of its containing page.
func (p PhysAddr) PageBase() PhysAddr { return AlignDown(p, PageSize) }

// PageBase rounds v down to the start of its containing page.
func (v VirtAddr) PageBase() VirtAddr { return AlignDown(v, PageSize) }

// PageOffset returns the low bits of p within its page.
func (p PhysAddr) PageOffset() uintptr { return uintptr(p) & pageMask }

// PageOffset returns the low bits of v within its page.
func (v VirtAddr) PageOffset() uintptr { return uintptr(v) & pageMask }

// Add returns p+n.
func (p PhysAddr) Add(n uintptr) PhysAddr { return p + PhysAddr(n) }

// Add returns v+n.
func (v VirtAddr) Add(n uintptr) VirtAddr { return v + VirtAddr(n) }

// Add returns u+n, the caller is responsible for re-checking UserAddrMax.
func (u UserAddr) Add(n uintptr) UserAddr { return u + UserAddr(n) }

// IsPageAligned reports whether p sits on a page boundary.
func (p PhysAddr) IsPageAligned() bool { return uintptr(p)&pageMask == 0 }

// IsPageAligned reports whether v sits on a page boundary.
func (v VirtAddr) IsPageAligned() bool { return uintptr(v)&pageMask == 0 }

// ToIdent returns the kernel-virtual identity-window address mapping p.
func (p PhysAddr) ToIdent() VirtAddr { return VAIdentOffset.Add(uintptr(p)) }

// FromIdent reverses ToIdent: given an identity-window virtual address, it
// returns the physical address it maps. Callers that hold a []byte backed
// by memmgr.DMAPool.Alloc use this to recover the physical address xHCI
// hardware needs to be told about, without plumbing it alongside every
// buffer.
func FromIdent(v VirtAddr) PhysAddr { return PhysAddr(uintptr(v) - uintptr(VAIdentOffset)) }

// PhysRegion is a page-aligned [Start, End) range of physical addresses.
type PhysRegion struct {
	Start PhysAddr
	Size  uintptr
}

// End returns the exclusive end of the region.
func (r PhysRegion) End() PhysAddr { return r.Start.Add(r.Size) }

// Contains reports whether p lies within the region.
func (r PhysRegion) Contains(p PhysAddr) bool { return p >= r.Start && p < r.End() }

// ContainsRegion reports whether other is fully contained in r.
func (r PhysRegion) ContainsRegion(other PhysRegion) bool {
	return other.Start >= r.Start && other.End() <= r.End()
}

// Overlaps reports whether r and other share any address.
func (r PhysRegion) Overlaps(other PhysRegion) bool {
	return r.Start < other.End() && other.Start < r.End()
}

// Intersection returns the overlapping sub-region of r and other, and
// whether one exists.
func (r PhysRegion) Intersection(other PhysRegion) (PhysRegion, bool) {
	if !r.Overlaps(other) {
		return PhysRegion{}, false
	}
	start := r.Start
	if other.Start > start {
		start = other.Start
	}
	end := r.End()
	if other.End() < end {
		end = other.End()
	}
	return PhysRegion{Start: start, Size: uintptr(end - start)}, true
}

// IsPageAligned reports whether both the start and size are page-aligned.
func (r PhysRegion) IsPageAligned() bool {
	return r.Start.IsPageAligned() && r.Size&pageMask == 0
}

func (r PhysRegion) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", uintptr(r.Start), uintptr(r.End()))
}

// VirtRegion is a page-aligned [Start, End) range of kernel virtual
// addresses.
type VirtRegion struct {
	Start VirtAddr
	Size  uintptr
}

func (r VirtRegion) End() VirtAddr                 { return r.Start.Add(r.Size) }
func (r VirtRegion) Contains(v VirtAddr) bool       { return v >= r.Start && v < r.End() }
func (r VirtRegion) Overlaps(other VirtRegion) bool { return r.Start < other.End() && other.Start < r.End() }
func (r VirtRegion) IsPageAligned() bool {
	return r.Start.IsPageAligned() && r.Size&pageMask == 0
}
func (r VirtRegion) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", uintptr(r.Start), uintptr(r.End()))
}

// UserRegion is a page-aligned [Start, End) range of user-space addresses.
type UserRegion struct {
	Start UserAddr
	Size  uintptr
}

func (r UserRegion) End() UserAddr { return r.Start.Add(r.Size) }

func (r UserRegion) Contains(u UserAddr) bool { return u >= r.Start && u < r.End() }

func (r UserRegion) ContainsRegion(other UserRegion) bool {
	return other.Start >= r.Start && other.End() <= r.End()
}

func (r UserRegion) Overlaps(other UserRegion) bool {
	return r.Start < other.End() && other.Start < r.End()
}

func (r UserRegion) IsPageAligned() bool {
	return uintptr(r.Start)&pageMask == 0 && r.Size&pageMask == 0
}

// WithinMax reports whether the region lies entirely below UserAddrMax.
func (r UserRegion) WithinMax() bool {
	return r.Size == 0 || r.End()-1 <= UserAddrMax
}

func (r UserRegion) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", uintptr(r.Start), uintptr(r.End()))
}
