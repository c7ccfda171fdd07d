package pcie

import (
	"testing"

	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/klog"
	"github.com/bekos-project/bekos/internal/memmgr"
)

// writeLE16/writeLE32 write little-endian values into a synthetic ECAM
// buffer; PCI configuration space is always little-endian regardless of
// host byte order.
func writeLE16(buf []byte, off int, v uint16) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
}

func writeLE32(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

// fakeECAM builds a one-bus synthetic ECAM image with a single function at
// 00:00.0: vendor/device IDs, a class code, one 32-bit memory BAR, and a
// two-entry capability list. NewDeviceAreaForTest backs a DeviceArea with a
// plain byte slice, so it has no masked-readback behavior of its own; a
// write of all-ones simply reads back as all-ones. That still exercises
// decodeBARs' write/read-back/restore sequence and mask arithmetic end to
// end, it just means the "size" it derives reflects only the fixed
// low-order flag mask (0xF for memory BARs) rather than a real BAR's
// address-decode width.
func fakeECAM() []byte {
	buf := make([]byte, 1<<20) // one bus worth, per FunctionAddress.offset
	for i := range buf {
		buf[i] = 0xFF // unpopulated slots float high, same as real hardware
	}
	writeLE16(buf, offVendorID, 0x1AF4)  // virtio
	writeLE16(buf, offDeviceID, 0x1000)
	writeLE16(buf, offCommand, 0) // COMMAND starts cleared, per a freshly reset function
	writeLE32(buf, offClassCode, 0x02000000) // class=2 (network), subclass=0, progif=0, rev=0
	buf[offHeaderType] = headerTypeNormal

	// BAR0: 32-bit memory BAR. BAR1..BAR5 are hardwired to zero (the "not
	// implemented" value decodeBARs checks for), unlike the floating
	// all-ones of an unpopulated device slot.
	writeLE32(buf, offBAR0, 0xF000_0000)
	for i := 1; i < numBARs; i++ {
		writeLE32(buf, offBAR0+i*4, 0)
	}

	// status.capList set, capabilities pointer at 0x40: a two-entry list
	// [id=0x09 @0x40 -> next=0x50][id=0x11 (MSI-X) @0x50 -> next=0].
	writeLE16(buf, offStatus, 1<<4)
	buf[offCapabilities] = 0x40
	buf[0x40] = 0x09
	buf[0x41] = 0x50
	buf[0x50] = 0x11
	buf[0x51] = 0x00

	// Unpopulated device 1, function 0: vendor ID reads back all-ones.
	dev1 := FunctionAddress{Bus: 0, Device: 1, Function: 0}.offset()
	writeLE16(buf, int(dev1)+offVendorID, 0xFFFF)

	return buf
}

func newTestBridge(t *testing.T, buf []byte, busCount uint8) *Bridge {
	t.Helper()
	area := memmgr.NewDeviceAreaForTest(addr.PhysRegion{Start: 0x3000_0000, Size: uintptr(len(buf))}, buf)
	return &Bridge{ecam: area, busCount: busCount, log: klog.Default.WithComponent("pcie")}
}

func TestEnumerateFunctionsFindsPopulatedSlotOnly(t *testing.T) {
	c := newTestBridge(t, fakeECAM(), 1)
	functions, err := c.EnumerateFunctions()
	if err != nil {
		t.Fatalf("EnumerateFunctions: %v", err)
	}
	if len(functions) != 1 {
		t.Fatalf("found %d functions, want 1", len(functions))
	}
	f := functions[0]
	if f.VendorID != 0x1AF4 || f.DeviceID != 0x1000 {
		t.Fatalf("vendor/device = %#x/%#x, want 0x1af4/0x1000", f.VendorID, f.DeviceID)
	}
	if f.Class.Class != 2 {
		t.Fatalf("class = %d, want 2", f.Class.Class)
	}
}

func TestDecodeBARsSizesMemoryBAR(t *testing.T) {
	c := newTestBridge(t, fakeECAM(), 1)
	functions, err := c.EnumerateFunctions()
	if err != nil {
		t.Fatalf("EnumerateFunctions: %v", err)
	}
	bar := functions[0].BARs[0]
	if bar.Kind != AddressSpaceMemory {
		t.Fatalf("BAR0 kind = %v, want AddressSpaceMemory", bar.Kind)
	}
	// With the dumb byte-slice backing, write-all-ones reads back unchanged,
	// so the size mask reduces to the fixed 4-bit memory-BAR flag mask: see
	// fakeECAM's comment.
	if bar.Size != 0x10 {
		t.Fatalf("BAR0 size = %#x, want 0x10", bar.Size)
	}
	if bar.Base != 0xF000_0000 {
		t.Fatalf("BAR0 base = %#x, want 0xf0000000", bar.Base)
	}
}

func TestDecodeBARsRestoresOriginalValueAfterSizing(t *testing.T) {
	buf := fakeECAM()
	c := newTestBridge(t, buf, 1)
	if _, err := c.EnumerateFunctions(); err != nil {
		t.Fatalf("EnumerateFunctions: %v", err)
	}
	view := c.functionView(FunctionAddress{Bus: 0, Device: 0, Function: 0})
	v, err := view.Read32(offBAR0)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if v != 0xF000_0000 {
		t.Fatalf("BAR0 register left at %#x after sizing, want restored 0xf0000000", v)
	}
}

func TestFindCapabilityWalksList(t *testing.T) {
	c := newTestBridge(t, fakeECAM(), 1)
	functions, err := c.EnumerateFunctions()
	if err != nil {
		t.Fatalf("EnumerateFunctions: %v", err)
	}
	f := functions[0]

	off, found, err := f.FindCapability(0x11)
	if err != nil {
		t.Fatalf("FindCapability: %v", err)
	}
	if !found || off != 0x50 {
		t.Fatalf("FindCapability(0x11) = %#x, %v; want 0x50, true", off, found)
	}

	_, found, err = f.FindCapability(0x05)
	if err != nil {
		t.Fatalf("FindCapability: %v", err)
	}
	if found {
		t.Fatal("FindCapability(0x05) should not find an absent capability")
	}
}

func TestFindByClassReturnsENODEVWhenAbsent(t *testing.T) {
	c := newTestBridge(t, fakeECAM(), 1)
	if _, err := c.FindByClass(0x0C, 0x03); err == nil {
		t.Fatal("FindByClass(USB) should fail: fake ECAM only has a network function")
	}
}

func TestFindByClassMatchesPopulatedFunction(t *testing.T) {
	c := newTestBridge(t, fakeECAM(), 1)
	f, err := c.FindByClass(0x02, 0x00)
	if err != nil {
		t.Fatalf("FindByClass: %v", err)
	}
	if f.VendorID != 0x1AF4 {
		t.Fatalf("matched function vendor = %#x, want 0x1af4", f.VendorID)
	}
}

func TestEnableMemoryAndBusMasterSetsCommandBits(t *testing.T) {
	c := newTestBridge(t, fakeECAM(), 1)
	functions, err := c.EnumerateFunctions()
	if err != nil {
		t.Fatalf("EnumerateFunctions: %v", err)
	}
	f := functions[0]
	if err := f.EnableMemoryAndBusMaster(); err != nil {
		t.Fatalf("EnableMemoryAndBusMaster: %v", err)
	}
	cmd, err := f.cfg.Read16(offCommand)
	if err != nil {
		t.Fatalf("Read16: %v", err)
	}
	if cmd&(commandMemSpace|commandBusMaster) != commandMemSpace|commandBusMaster {
		t.Fatalf("COMMAND = %#x, want memory space + bus master set", cmd)
	}
}
