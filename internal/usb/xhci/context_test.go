package xhci

import (
	"testing"

	"github.com/bekos-project/bekos/internal/usb/core"
)

func TestEndpointIndexMapping(t *testing.T) {
	cases := []struct {
		number uint8
		ttype  core.TransferType
		dir    core.Direction
		want   int
	}{
		{0, core.TransferControl, core.DirectionOut, 0},
		{0, core.TransferControl, core.DirectionIn, 0},
		{1, core.TransferBulk, core.DirectionOut, 1},
		{1, core.TransferBulk, core.DirectionIn, 2},
		{2, core.TransferInterrupt, core.DirectionOut, 3},
		{2, core.TransferInterrupt, core.DirectionIn, 4},
	}
	for _, c := range cases {
		if got := EndpointIndex(c.number, c.ttype, c.dir); got != c.want {
			t.Errorf("EndpointIndex(%d, %v, %v) = %d, want %d", c.number, c.ttype, c.dir, got, c.want)
		}
	}
}

func TestEPICIAndEPDCI(t *testing.T) {
	if got := EPICI(3); got != 5 {
		t.Errorf("EPICI(3) = %d, want 5", got)
	}
	if got := EPDCI(3); got != 4 {
		t.Errorf("EPDCI(3) = %d, want 4", got)
	}
}

func TestEndpointTypeFrom(t *testing.T) {
	cases := []struct {
		ttype core.TransferType
		dir   core.Direction
		want  EndpointType
	}{
		{core.TransferControl, core.DirectionOut, EPControl},
		{core.TransferControl, core.DirectionIn, EPControl},
		{core.TransferIsochronous, core.DirectionOut, EPIsochOut},
		{core.TransferIsochronous, core.DirectionIn, EPIsochIn},
		{core.TransferBulk, core.DirectionOut, EPBulkOut},
		{core.TransferBulk, core.DirectionIn, EPBulkIn},
		{core.TransferInterrupt, core.DirectionOut, EPInterruptOut},
		{core.TransferInterrupt, core.DirectionIn, EPInterruptIn},
	}
	for _, c := range cases {
		if got := EndpointTypeFrom(c.ttype, c.dir); got != c.want {
			t.Errorf("EndpointTypeFrom(%v, %v) = %v, want %v", c.ttype, c.dir, got, c.want)
		}
	}
}

func newTestContextArray(t *testing.T, n int, large bool) *ContextArray {
	t.Helper()
	ca, err := NewContextArray(NewDMAPool(fakeAllocator{}), n, large)
	if err != nil {
		t.Fatalf("NewContextArray: %v", err)
	}
	return ca
}

func TestSlotContextFields(t *testing.T) {
	ca := newTestContextArray(t, 2, false)
	ca.SetRouteString(SlotICI, 0x12345)
	ca.SetContextEntries(SlotICI, 4)
	ca.SetRootHubPort(SlotICI, 2)
	ca.SetPortNumber(SlotICI, 9)

	if got := ca.RouteString(SlotICI); got != 0x12345&0xFFFFF {
		t.Errorf("RouteString() = %#x, want %#x", got, 0x12345&0xFFFFF)
	}
	if got := ca.ContextEntries(SlotICI); got != 4 {
		t.Errorf("ContextEntries() = %d, want 4", got)
	}
}

func TestInputControlContextAddDropFlags(t *testing.T) {
	ca := newTestContextArray(t, 1, false)
	ca.SetAddFlag(ControlICI, 1, true)
	ca.SetDropFlag(ControlICI, 2, true)
	if got := ca.word(ControlICI, 1); got&(1<<1) == 0 {
		t.Errorf("add flag bit 1 not set, word1 = %#x", got)
	}
	ca.SetAddFlag(ControlICI, 1, false)
	if got := ca.word(ControlICI, 1); got&(1<<1) != 0 {
		t.Errorf("add flag bit 1 still set after clearing, word1 = %#x", got)
	}
	if got := ca.word(ControlICI, 0); got&(1<<2) == 0 {
		t.Errorf("drop flag bit 2 not set, word0 = %#x", got)
	}
}

func TestInputControlContextConfigValue(t *testing.T) {
	ca := newTestContextArray(t, 1, false)
	ca.SetConfigValue(ControlICI, 1)
	ca.SetInterfaceNumber(ControlICI, 2)
	if got := ca.word(ControlICI, 7) & 0xFF; got != 1 {
		t.Errorf("config value = %d, want 1", got)
	}
	if got := (ca.word(ControlICI, 7) >> 8) & 0xFF; got != 2 {
		t.Errorf("interface number = %d, want 2", got)
	}
}

func TestEndpointContextFields(t *testing.T) {
	ca := newTestContextArray(t, 3, false)
	const ep = 2
	ca.SetInterval(ep, 6)
	ca.SetErrorCount(ep, 3)
	ca.SetEndpointType(ep, EPInterruptIn)
	ca.SetMaxPacketSize(ep, 64)
	ca.SetDequeuePtr(ep, 0x7FFF000, true)
	ca.SetAvgTRBLength(ep, 8)

	if got := ca.Interval(ep); got != 6 {
		t.Errorf("Interval() = %d, want 6", got)
	}
	if got := ca.EndpointType(ep); got != EPInterruptIn {
		t.Errorf("EndpointType() = %v, want EPInterruptIn", got)
	}
	if got := ca.word(ep, 1) >> 16; got != 64 {
		t.Errorf("max packet size = %d, want 64", got)
	}
	if got := ca.word(ep, 2); got&1 == 0 {
		t.Error("dequeue pointer cycle bit not set")
	}
	if got := ca.word(ep, 4) & 0xFFFF; got != 8 {
		t.Errorf("avg trb length = %d, want 8", got)
	}
}

func TestLargeContextArrayStride(t *testing.T) {
	ca := newTestContextArray(t, 2, true)
	ca.SetContextEntries(SlotICI, 1)
	if got := ca.ContextEntries(SlotICI); got != 1 {
		t.Errorf("ContextEntries() on a 64-byte-stride array = %d, want 1", got)
	}
	if len(ca.buf) != 2*contextLargeSize {
		t.Errorf("buf length = %d, want %d", len(ca.buf), 2*contextLargeSize)
	}
}
