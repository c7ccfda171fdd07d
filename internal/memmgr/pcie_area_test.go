package memmgr

import (
	"testing"

	"github.com/bekos-project/bekos/internal/addr"
)

func TestPCIeDeviceAreaSubDwordAccess(t *testing.T) {
	m := newTestManager(t)
	area, err := m.MapForIO(addr.PhysRegion{Start: 0x1000_0000, Size: 0x1000})
	if err != nil {
		t.Fatalf("MapForIO: %v", err)
	}
	pcie := NewPCIeDeviceArea(area)

	if err := pcie.Write32(0x10, 0x11223344); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	if b, err := pcie.Read8(0x10); err != nil || b != 0x44 {
		t.Errorf("Read8(0x10) = %#x, %v; want 0x44, nil", b, err)
	}
	if h, err := pcie.Read16(0x12); err != nil || h != 0x1122 {
		t.Errorf("Read16(0x12) = %#x, %v; want 0x1122, nil", h, err)
	}

	if err := pcie.Write8(0x10, 0xFF); err != nil {
		t.Fatalf("Write8: %v", err)
	}
	dword, err := pcie.Read32(0x10)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if dword != 0x112233FF {
		t.Errorf("after Write8, dword = %#x, want 0x112233ff", dword)
	}

	if err := pcie.Write16(0x12, 0xABCD); err != nil {
		t.Fatalf("Write16: %v", err)
	}
	dword, err = pcie.Read32(0x10)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if dword != 0xABCD33FF {
		t.Errorf("after Write16, dword = %#x, want 0xabcd33ff", dword)
	}
}
