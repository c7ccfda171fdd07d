// Package memmgr is the kernel-side memory manager (spec.md section 4.5):
// a singleton owning the kernel's root translation table, responsible for
// mapping device MMIO into a high-half virtual hole and handing callers a
// typed, volatile-access DeviceArea. Grounded on the teacher's mmioDevices
// table and mapRegion/mapPage calls in initMMU (mazboot/golang/main/mmu.go),
// generalized from "map every known MMIO device once at boot" to an
// on-demand map_for_io a probed driver can call at any time.
package memmgr

import (
	"sync"

	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/arch"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/klog"
	"github.com/bekos-project/bekos/internal/pagetable"
)

// ioHoleBase and ioHoleEnd bound the high-half virtual range map_for_io
// hands addresses out of, kept separate from addr.VAIdentOffset's identity
// window so device mappings are individually trackable and unmappable.
const (
	ioHoleBase addr.VirtAddr = 0xFFFF_4000_0000_0000
	ioHoleEnd  addr.VirtAddr = 0xFFFF_8000_0000_0000 // == addr.KernelVBase
)

// Manager is the singleton memory manager. It is constructed once at boot
// around the kernel's root table and reused for the kernel's lifetime.
type Manager struct {
	mu     sync.Mutex
	tables *pagetable.Manager
	next   addr.VirtAddr
	log    *klog.Logger
}

var (
	instance     *Manager
	instanceOnce sync.Once
)

func newManager(tables *pagetable.Manager) *Manager {
	return &Manager{
		tables: tables,
		next:   ioHoleBase,
		log:    klog.Default.WithComponent("memmgr"),
	}
}

// Init constructs the singleton Manager around the kernel's root table.
// Only the first call takes effect, matching the teacher's initMMU's
// single-call boot-sequence assumption.
func Init(tables *pagetable.Manager) *Manager {
	instanceOnce.Do(func() {
		instance = newManager(tables)
	})
	return instance
}

// Instance returns the singleton Manager, or nil before Init is called.
func Instance() *Manager { return instance }

// MapForIO maps region (a device's MMIO window) into a fresh slice of the
// high-half I/O hole with Device-nGnRnE attributes and returns a DeviceArea
// over it (spec.md: "aligns to page, maps into a chosen high-half virtual
// hole with device attributes").
func (m *Manager) MapForIO(region addr.PhysRegion) (*DeviceArea, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alignedStart := region.Start.PageBase()
	pad := uintptr(region.Start - alignedStart)
	size := addr.AlignUp(region.Size+pad, addr.PageSize)

	if m.next.Add(size) > ioHoleEnd {
		return nil, errno.ENOMEM
	}
	virt := addr.VirtRegion{Start: m.next, Size: size}
	phys := addr.PhysRegion{Start: alignedStart, Size: size}

	attrs := pagetable.PageAttrs{Device: true, ReadOnly: false, UserAccessible: false, Executable: false}
	if err := m.tables.MapRegion(virt, phys, attrs); err != nil {
		return nil, err
	}
	m.next = m.next.Add(size)

	m.log.Debugf("map_for_io: phys %v -> virt %v", phys, virt)
	return &DeviceArea{
		phys:    region,
		virt:    virt.Start.Add(pad),
		size:    region.Size,
		backing: newIOBacking(virt.Start.Add(pad)),
	}, nil
}

// ioBacking is the seam between a DeviceArea's bounds-checked offsets and
// the raw volatile access at its mapped virtual address. Production code
// reaches real MMIO through virtBacking; host tests substitute a backing
// over an ordinary byte slice, the same role SetCacheLineSizeForTest plays
// for internal/arch's cache math — a mapped virtual address here is not
// real host memory, so nothing in this package may dereference it outside
// of this seam.
type ioBacking interface {
	read32(off uintptr) uint32
	write32(off uintptr, v uint32)
	read64(off uintptr) uint64
	write64(off uintptr, v uint64)
}

type virtBacking struct{ virt addr.VirtAddr }

func (b virtBacking) read32(off uintptr) uint32     { return arch.NewReg32(uintptr(b.virt) + off).Load() }
func (b virtBacking) write32(off uintptr, v uint32)  { arch.NewReg32(uintptr(b.virt) + off).Store(v) }
func (b virtBacking) read64(off uintptr) uint64      { return arch.NewReg64(uintptr(b.virt) + off).Load() }
func (b virtBacking) write64(off uintptr, v uint64)  { arch.NewReg64(uintptr(b.virt) + off).Store(v) }

var newIOBacking = func(virt addr.VirtAddr) ioBacking { return virtBacking{virt} }

// SetIOBackingFactoryForTest overrides how DeviceArea reaches its backing
// store. Test-only; production never calls this.
func SetIOBackingFactoryForTest(f func(virt addr.VirtAddr) ioBacking) (restore func()) {
	prev := newIOBacking
	newIOBacking = f
	return func() { newIOBacking = prev }
}

// byteSliceBacking is an ioBacking over a plain byte slice, the same role
// fakeIOBacking plays inside this package's own tests, exported so other
// packages' drivers (gic, pcie, xhci) can exercise a DeviceArea without a
// live memory manager.
type byteSliceBacking struct{ mem []byte }

func (b byteSliceBacking) read32(off uintptr) uint32 {
	return uint32(b.mem[off]) | uint32(b.mem[off+1])<<8 | uint32(b.mem[off+2])<<16 | uint32(b.mem[off+3])<<24
}

func (b byteSliceBacking) write32(off uintptr, v uint32) {
	b.mem[off] = byte(v)
	b.mem[off+1] = byte(v >> 8)
	b.mem[off+2] = byte(v >> 16)
	b.mem[off+3] = byte(v >> 24)
}

func (b byteSliceBacking) read64(off uintptr) uint64 {
	return uint64(b.read32(off)) | uint64(b.read32(off+4))<<32
}

func (b byteSliceBacking) write64(off uintptr, v uint64) {
	b.write32(off, uint32(v))
	b.write32(off+4, uint32(v>>32))
}

// NewDeviceAreaForTest builds a DeviceArea over a plain byte slice instead
// of a real mapped MMIO window, for driver packages (gic, pcie, xhci) that
// need a usable DeviceArea in their own tests without pulling in a whole
// Manager and translation-table chain. Test-only; production never calls
// this.
func NewDeviceAreaForTest(phys addr.PhysRegion, backing []byte) *DeviceArea {
	return &DeviceArea{
		phys:    phys,
		size:    uintptr(len(backing)),
		backing: byteSliceBacking{mem: backing},
	}
}

// DeviceArea is a physical/virtual/size triple over a mapped MMIO window,
// with typed volatile read/write (spec.md: "typed read<T>/write<T> that use
// volatile accesses"). Go has no C++-style function templates, so the
// generic accessor is expressed as one method per width rather than a type
// parameter.
type DeviceArea struct {
	phys    addr.PhysRegion
	virt    addr.VirtAddr
	size    uintptr
	backing ioBacking
}

// Phys returns the physical region this area maps.
func (d *DeviceArea) Phys() addr.PhysRegion { return d.phys }

// Size returns the mapped region's byte length.
func (d *DeviceArea) Size() uintptr { return d.size }

// checkOffset validates that an access of width bytes at off lies within
// the mapped region.
func (d *DeviceArea) checkOffset(off uintptr, width uintptr) error {
	if off+width > d.size {
		return errno.EINVAL
	}
	return nil
}

// Read32 performs a volatile 32-bit read at byte offset off.
func (d *DeviceArea) Read32(off uintptr) (uint32, error) {
	if err := d.checkOffset(off, 4); err != nil {
		return 0, err
	}
	return d.backing.read32(off), nil
}

// Write32 performs a volatile 32-bit write at byte offset off.
func (d *DeviceArea) Write32(off uintptr, v uint32) error {
	if err := d.checkOffset(off, 4); err != nil {
		return err
	}
	d.backing.write32(off, v)
	return nil
}

// Read64 performs a volatile 64-bit read at byte offset off.
func (d *DeviceArea) Read64(off uintptr) (uint64, error) {
	if err := d.checkOffset(off, 8); err != nil {
		return 0, err
	}
	return d.backing.read64(off), nil
}

// Write64 performs a volatile 64-bit write at byte offset off.
func (d *DeviceArea) Write64(off uintptr, v uint64) error {
	if err := d.checkOffset(off, 8); err != nil {
		return err
	}
	d.backing.write64(off, v)
	return nil
}
