package xhci

import (
	"testing"

	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/memmgr"
)

func newTestMMIO(t *testing.T, size int) *memmgr.DeviceArea {
	t.Helper()
	return memmgr.NewDeviceAreaForTest(addr.PhysRegion{Start: 0x1000_0000, Size: uintptr(size)}, make([]byte, size))
}

func TestCapabilityRegisters(t *testing.T) {
	mmio := newTestMMIO(t, 0x40)
	pcie := memmgr.NewPCIeDeviceArea(mmio)
	cap := CapabilityRegisters{base: pcie}

	if err := pcie.Write8(0, 0x20); err != nil {
		t.Fatalf("Write8: %v", err)
	}
	if got, err := cap.CapLength(); err != nil || got != 0x20 {
		t.Errorf("CapLength() = %d, %v; want 0x20, nil", got, err)
	}

	// HCSPARAMS1: MaxSlots=8 (bits 0-7), MaxPorts=4 (bits 24-31).
	if err := pcie.Write32(4, 8|(4<<24)); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	if got, err := cap.MaxDeviceSlots(); err != nil || got != 8 {
		t.Errorf("MaxDeviceSlots() = %d, %v; want 8, nil", got, err)
	}
	if got, err := cap.MaxPorts(); err != nil || got != 4 {
		t.Errorf("MaxPorts() = %d, %v; want 4, nil", got, err)
	}

	// HCCPARAMS1: CSZ bit (bit 2) set.
	if err := pcie.Write32(16, 1<<2); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	if got, err := cap.Context64Bit(); err != nil || !got {
		t.Errorf("Context64Bit() = %v, %v; want true, nil", got, err)
	}
}

func TestOperationalRegistersRunStopAndReset(t *testing.T) {
	mmio := newTestMMIO(t, 0x1400)
	op := OperationalRegisters{base: memmgr.NewPCIeDeviceArea(mmio)}

	if err := op.SetRunStop(true); err != nil {
		t.Fatalf("SetRunStop: %v", err)
	}
	v, err := op.usbcmd()
	if err != nil || v&usbcmdRunStop == 0 {
		t.Errorf("usbcmd run/stop bit not set, got %#x, %v", v, err)
	}
	if err := op.SetRunStop(false); err != nil {
		t.Fatalf("SetRunStop(false): %v", err)
	}
	v, _ = op.usbcmd()
	if v&usbcmdRunStop != 0 {
		t.Error("run/stop bit still set after SetRunStop(false)")
	}

	if err := op.SetHCReset(); err != nil {
		t.Fatalf("SetHCReset: %v", err)
	}
	v, _ = op.usbcmd()
	if v&usbcmdHCReset == 0 {
		t.Error("HCRST bit not set")
	}
}

func TestOperationalRegisters64BitPointers(t *testing.T) {
	mmio := newTestMMIO(t, 0x1400)
	op := OperationalRegisters{base: memmgr.NewPCIeDeviceArea(mmio)}

	if err := op.SetDCBAAP(0x1_0000_2000); err != nil {
		t.Fatalf("SetDCBAAP: %v", err)
	}
	got, err := mmio.Read64(0x30)
	if err != nil || got != 0x1_0000_2000 {
		t.Errorf("DCBAAP = %#x, %v; want 0x100002000, nil", got, err)
	}

	if err := op.SetCommandRingPointer(0x2000, true); err != nil {
		t.Fatalf("SetCommandRingPointer: %v", err)
	}
	got, _ = mmio.Read64(0x18)
	if got != 0x2001 {
		t.Errorf("CRCR = %#x, want 0x2001 (ring consumer cycle state set)", got)
	}
}

func TestOperationalRegistersMaxSlotsEnabled(t *testing.T) {
	mmio := newTestMMIO(t, 0x1400)
	op := OperationalRegisters{base: memmgr.NewPCIeDeviceArea(mmio)}
	if err := op.SetMaxDeviceSlotsEnabled(16); err != nil {
		t.Fatalf("SetMaxDeviceSlotsEnabled: %v", err)
	}
	got, err := mmio.Read32(0x38)
	if err != nil || got != 16 {
		t.Errorf("CONFIG = %d, %v; want 16, nil", got, err)
	}
}

func TestPortRegistersConnectAndSpeed(t *testing.T) {
	mmio := newTestMMIO(t, 0x1400)
	op := OperationalRegisters{base: memmgr.NewPCIeDeviceArea(mmio)}
	port := op.Port(1)

	// PORTSC: CCS (bit 0) set, PED (bit 1) set, speed=3 (bits 10-13).
	raw := memmgr.NewPCIeDeviceArea(mmio)
	if err := raw.Write32(0x400, 1|(1<<1)|(3<<10)); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	if got, err := port.ConnectStatus(); err != nil || !got {
		t.Errorf("ConnectStatus() = %v, %v; want true, nil", got, err)
	}
	if got, err := port.PortEnabled(); err != nil || !got {
		t.Errorf("PortEnabled() = %v, %v; want true, nil", got, err)
	}
	if got, err := port.PortSpeed(); err != nil || got != 3 {
		t.Errorf("PortSpeed() = %d, %v; want 3, nil", got, err)
	}
}

func TestPortRegistersSecondPortOffset(t *testing.T) {
	mmio := newTestMMIO(t, 0x1400)
	op := OperationalRegisters{base: memmgr.NewPCIeDeviceArea(mmio)}
	port2 := op.Port(2)
	raw := memmgr.NewPCIeDeviceArea(mmio)
	if err := raw.Write32(0x410, 1); err != nil { // port 2 base = 0x400 + 0x10*(2-1)
		t.Fatalf("Write32: %v", err)
	}
	if got, err := port2.ConnectStatus(); err != nil || !got {
		t.Errorf("port 2 ConnectStatus() = %v, %v; want true, nil", got, err)
	}
}

func TestInterrupterRegistersERSTAndERDP(t *testing.T) {
	mmio := newTestMMIO(t, 0x40)
	intr := InterrupterRegisters{base: memmgr.NewPCIeDeviceArea(mmio)}

	if err := intr.SetERSTSize(1); err != nil {
		t.Fatalf("SetERSTSize: %v", err)
	}
	if got, err := mmio.Read32(0x08); err != nil || got != 1 {
		t.Errorf("ERSTSZ = %d, %v; want 1, nil", got, err)
	}

	if err := intr.SetERSTBA(0x3000); err != nil {
		t.Fatalf("SetERSTBA: %v", err)
	}
	if got, err := mmio.Read64(0x10); err != nil || got != 0x3000 {
		t.Errorf("ERSTBA = %#x, %v; want 0x3000, nil", got, err)
	}

	if err := intr.UpdateERDP(0x4010, true); err != nil {
		t.Fatalf("UpdateERDP: %v", err)
	}
	got, err := mmio.Read64(0x18)
	if err != nil || got != 0x4018 {
		t.Errorf("ERDP = %#x, %v; want 0x4018 (low bits masked, busy-clear bit set)", got, err)
	}
}

func TestRuntimeRegistersInterrupterStride(t *testing.T) {
	mmio := newTestMMIO(t, 0x8000)
	rt := RuntimeRegisters{base: memmgr.NewPCIeDeviceArea(mmio)}
	intr1 := rt.Interrupter(1)
	if err := intr1.SetERSTSize(2); err != nil {
		t.Fatalf("SetERSTSize: %v", err)
	}
	got, err := mmio.Read32(0x20 + 32 + 0x08)
	if err != nil || got != 2 {
		t.Errorf("interrupter 1 ERSTSZ at offset %#x = %d, %v; want 2, nil", 0x20+32+0x08, got, err)
	}
}

func TestDoorbellRegistersRing(t *testing.T) {
	mmio := newTestMMIO(t, 0x400)
	db := DoorbellRegisters{base: memmgr.NewPCIeDeviceArea(mmio)}
	if err := db.Ring(2, 1, 0); err != nil {
		t.Fatalf("Ring: %v", err)
	}
	got, err := mmio.Read32(8)
	if err != nil || got != 1 {
		t.Errorf("doorbell 2 register = %d, %v; want 1, nil", got, err)
	}
}
