package xhci

import "github.com/bekos-project/bekos/internal/memmgr"

// Register bank layouts, from original_source/kernel/include/usb/xhci_registers.h.
// The macro-generated accessors there become plain Go methods over a
// memmgr.PCIeDeviceArea, the same sub-dword-synthesising register view
// internal/pcie uses for ECAM config space.

// CapabilityRegisters is the fixed read-only register bank at the base of
// an xHCI MMIO BAR.
type CapabilityRegisters struct {
	base *memmgr.PCIeDeviceArea
}

func (c CapabilityRegisters) CapLength() (uint8, error) {
	v, err := c.base.Read8(0)
	return v, err
}

func (c CapabilityRegisters) HCIVersion() (uint16, error) { return c.base.Read16(2) }

func (c CapabilityRegisters) hcsparams1() (uint32, error) { return c.base.Read32(4) }
func (c CapabilityRegisters) hcsparams2() (uint32, error) { return c.base.Read32(8) }
func (c CapabilityRegisters) hccparams1() (uint32, error) { return c.base.Read32(16) }

func (c CapabilityRegisters) DBOFF() (uint32, error) { return c.base.Read32(20) }
func (c CapabilityRegisters) RTSOFF() (uint32, error) { return c.base.Read32(24) }

func (c CapabilityRegisters) MaxDeviceSlots() (uint8, error) {
	v, err := c.hcsparams1()
	return uint8(v & 0xFF), err
}

func (c CapabilityRegisters) MaxPorts() (uint8, error) {
	v, err := c.hcsparams1()
	return uint8(v >> 24 & 0xFF), err
}

func (c CapabilityRegisters) MaxScratchpadBuffers() (uint16, error) {
	v, err := c.hcsparams2()
	if err != nil {
		return 0, err
	}
	hi := (v >> 21) & 0x1F
	lo := (v >> 27) & 0x1F
	return uint16(hi<<5 | lo), nil
}

// Context64Bit reports HCCPARAMS1.CSZ: when set, every device/input
// context is 64 bytes instead of 32.
func (c CapabilityRegisters) Context64Bit() (bool, error) {
	v, err := c.hccparams1()
	return (v>>2)&1 != 0, err
}

func (c CapabilityRegisters) ExtendedCapOffset() (uint32, error) {
	v, err := c.hccparams1()
	return (v >> 16) << 2, err
}

func (c CapabilityRegisters) RuntimeRegisterOffset() (uint32, error) {
	v, err := c.RTSOFF()
	return v &^ 0x1F, err
}

// OperationalRegisters controls host controller state: run/stop, reset,
// the command-ring pointer, DCBAAP and per-device-slot configuration.
type OperationalRegisters struct {
	base *memmgr.PCIeDeviceArea
}

const (
	usbcmdRunStop    = 1 << 0
	usbcmdHCReset    = 1 << 1
	usbcmdIntrEnable = 1 << 2
)

func (o OperationalRegisters) usbcmd() (uint32, error) { return o.base.Read32(0x00) }

func (o OperationalRegisters) SetRunStop(run bool) error {
	v, err := o.usbcmd()
	if err != nil {
		return err
	}
	if run {
		v |= usbcmdRunStop
	} else {
		v &^= usbcmdRunStop
	}
	return o.base.Write32(0x00, v)
}

func (o OperationalRegisters) SetHCReset() error {
	v, err := o.usbcmd()
	if err != nil {
		return err
	}
	return o.base.Write32(0x00, v|usbcmdHCReset)
}

func (o OperationalRegisters) SetInterrupterEnable() error {
	v, err := o.usbcmd()
	if err != nil {
		return err
	}
	return o.base.Write32(0x00, v|usbcmdIntrEnable)
}

func (o OperationalRegisters) usbsts() (uint32, error) { return o.base.Read32(0x04) }

func (o OperationalRegisters) HCHalted() (bool, error) {
	v, err := o.usbsts()
	return v&1 != 0, err
}

func (o OperationalRegisters) HCNotReady() (bool, error) {
	v, err := o.usbsts()
	return (v>>11)&1 != 0, err
}

func (o OperationalRegisters) PageSize() (uint32, error) {
	v, err := o.base.Read32(0x08)
	return (v & 0xFFFF) << 12, err
}

func (o OperationalRegisters) SetDCBAAP(ptr uint64) error { return o.base.Write64(0x30, ptr) }

func (o OperationalRegisters) SetCommandRingPointer(ptr uint64, ccs bool) error {
	v := ptr
	if ccs {
		v |= 1
	}
	return o.base.Write64(0x18, v)
}

func (o OperationalRegisters) config() (uint32, error) { return o.base.Read32(0x38) }

func (o OperationalRegisters) SetMaxDeviceSlotsEnabled(n uint8) error {
	v, err := o.config()
	if err != nil {
		return err
	}
	return o.base.Write32(0x38, (v&^0xFF)|uint32(n))
}

// Port returns the operational register sub-bank for port n, which is
// 1-indexed per xhci_registers.h's OperationalRegisters::port.
func (o OperationalRegisters) Port(n uint8) PortRegisters {
	return PortRegisters{base: o.base, offset: uintptr(0x400 + 0x10*(int(n)-1))}
}

// PortRegisters is one root-hub port's PORTSC/PORTPMSC/PORTLI/PORTHLPMC
// bank.
type PortRegisters struct {
	base   *memmgr.PCIeDeviceArea
	offset uintptr
}

// portscPreserveMask keeps the write-1-to-clear / write-1-to-set bits from
// self-triggering on an unrelated read-modify-write, from
// xhci_registers.h's PORTSC preserve mask.
const portscPreserveMask = 0b00001110000000011100001111100000

func (p PortRegisters) portsc() (uint32, error) { return p.base.Read32(p.offset) }

func (p PortRegisters) ConnectStatus() (bool, error) {
	v, err := p.portsc()
	return v&1 != 0, err
}

func (p PortRegisters) PortEnabled() (bool, error) {
	v, err := p.portsc()
	return (v>>1)&1 != 0, err
}

func (p PortRegisters) PortSpeed() (uint8, error) {
	v, err := p.portsc()
	return uint8(v >> 10 & 0xF), err
}

func (p PortRegisters) ConnectStatusChange() (bool, error) {
	v, err := p.portsc()
	return (v>>17)&1 != 0, err
}

func (p PortRegisters) ClearConnectStatusChange() error {
	v, err := p.portsc()
	if err != nil {
		return err
	}
	return p.base.Write32(p.offset, (v&portscPreserveMask)|(1<<17))
}

func (p PortRegisters) ClearPortResetChange() error {
	v, err := p.portsc()
	if err != nil {
		return err
	}
	return p.base.Write32(p.offset, (v&portscPreserveMask)|(1<<21))
}

func (p PortRegisters) SetPortReset() error {
	v, err := p.portsc()
	if err != nil {
		return err
	}
	return p.base.Write32(p.offset, (v&portscPreserveMask)|(1<<4))
}

// InterrupterRegisters is one entry in the runtime register bank's
// interrupter array (IMAN/IMOD/ERSTSZ/ERSTBA/ERDP).
type InterrupterRegisters struct {
	base *memmgr.PCIeDeviceArea
}

func (i InterrupterRegisters) iman() (uint32, error) { return i.base.Read32(0x00) }

func (i InterrupterRegisters) InterruptPending() (bool, error) {
	v, err := i.iman()
	return v&1 != 0, err
}

func (i InterrupterRegisters) ClearInterruptPending() error {
	v, err := i.iman()
	if err != nil {
		return err
	}
	return i.base.Write32(0x00, (v&^uint32(1))|1)
}

func (i InterrupterRegisters) SetInterruptEnable() error {
	v, err := i.iman()
	if err != nil {
		return err
	}
	return i.base.Write32(0x00, (v&^uint32(1))|(1<<1))
}

func (i InterrupterRegisters) SetERSTSize(n uint32) error { return i.base.Write32(0x08, n) }
func (i InterrupterRegisters) SetERSTBA(ptr uint64) error { return i.base.Write64(0x10, ptr) }
func (i InterrupterRegisters) SetERDP(ptr uint64) error   { return i.base.Write64(0x18, ptr) }

// UpdateERDP advances the dequeue pointer register, optionally clearing
// the Event Handler Busy flag, from InterrupterRegisters::update_erdp.
func (i InterrupterRegisters) UpdateERDP(dequeuePtr uint64, clearBusy bool) error {
	v := dequeuePtr &^ 0xF
	if clearBusy {
		v |= 1 << 3
	}
	return i.base.Write64(0x18, v)
}

// RuntimeRegisters is the runtime register bank; interrupter n lives at a
// fixed 32-byte stride starting at offset 0x20.
type RuntimeRegisters struct {
	base *memmgr.PCIeDeviceArea
}

func (r RuntimeRegisters) Interrupter(n uint16) InterrupterRegisters {
	return InterrupterRegisters{base: memmgr.NewPCIeDeviceAreaAt(r.base.Underlying(), r.base.BaseOffset()+uintptr(0x20+32*n))}
}

// DoorbellRegisters is the doorbell array; ringing doorbell d tells the
// controller a slot/endpoint has new work queued.
type DoorbellRegisters struct {
	base *memmgr.PCIeDeviceArea
}

func (d DoorbellRegisters) Ring(doorbell uint8, target uint8, taskID uint16) error {
	return d.base.Write32(uintptr(doorbell)*4, uint32(taskID)<<16|uint32(target))
}
