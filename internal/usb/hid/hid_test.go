package hid

import (
	"testing"

	"github.com/bekos-project/bekos/internal/devregistry"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/usb/core"
)

// fakeDevice is a synchronous in-memory core.Device: every scheduled
// transfer's callback runs immediately from ScheduleTransfer, so tests
// don't need a real host controller or interrupt loop.
type fakeDevice struct {
	controlSetups []core.SetupPacket
	nextReport    []byte // served to the next interrupt-IN poll, then cleared
	pollCount     int
}

func (f *fakeDevice) ScheduleTransfer(req core.TransferRequest) error {
	switch req.Type {
	case core.TransferControl:
		f.controlSetups = append(f.controlSetups, *req.ControlSetup)
		req.Callback(nil, core.ResultSuccess)
	case core.TransferInterrupt:
		f.pollCount++
		if report := f.nextReport; report != nil {
			f.nextReport = nil
			copy(req.Buffer, report)
			req.Callback(req.Buffer, core.ResultSuccess)
		}
		// else: leave the poll "in flight" (no callback), simulating no
		// report having arrived yet.
	}
	return nil
}

func (f *fakeDevice) EnableConfiguration(uint8, []core.Endpoint, func(bool)) error { return nil }

func (f *fakeDevice) AllocateBuffer(size int) ([]byte, error) { return make([]byte, size), nil }

func bootKeyboardInterface() core.Interface {
	return core.Interface{
		Class:    3,
		Subclass: 1,
		Protocol: 1,
		Number:   0,
		Endpoints: []core.Endpoint{
			{Number: 1, Direction: core.DirectionIn, Type: core.TransferInterrupt, MaxPacketSize: 8},
		},
	}
}

func TestProbeSendsSetProtocolAndSetIdle(t *testing.T) {
	dev := &fakeDevice{}
	_, err := Probe(dev, bootKeyboardInterface())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(dev.controlSetups) != 2 {
		t.Fatalf("got %d control transfers, want 2 (SET_PROTOCOL, SET_IDLE)", len(dev.controlSetups))
	}
	if dev.controlSetups[0].Request != core.ReqSetProtocol {
		t.Fatalf("first request = %d, want SET_PROTOCOL", dev.controlSetups[0].Request)
	}
	if dev.controlSetups[1].Request != core.ReqSetIdle {
		t.Fatalf("second request = %d, want SET_IDLE", dev.controlSetups[1].Request)
	}
}

func TestProbeRejectsInterfaceWithoutInterruptEndpoint(t *testing.T) {
	dev := &fakeDevice{}
	iface := bootKeyboardInterface()
	iface.Endpoints = nil
	if _, err := Probe(dev, iface); err == nil {
		t.Fatal("expected error when interface has no interrupt-IN endpoint")
	}
}

func TestStartArmsAnInterruptPoll(t *testing.T) {
	dev := &fakeDevice{}
	kb, err := Probe(dev, bootKeyboardInterface())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if err := kb.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if dev.pollCount != 1 {
		t.Fatalf("pollCount = %d, want 1", dev.pollCount)
	}
}

func TestOnInterruptLatchesReportAndRearms(t *testing.T) {
	dev := &fakeDevice{}
	kb, err := Probe(dev, bootKeyboardInterface())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	dev.nextReport = []byte{ModLeftShift, 0, 0x04, 0, 0, 0, 0, 0} // shift + 'a' (usage 0x04)
	if err := kb.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	r := kb.Report()
	if r.ModifierKeys != ModLeftShift {
		t.Fatalf("ModifierKeys = %#x, want %#x", r.ModifierKeys, ModLeftShift)
	}
	if r.Keys[0] != 0x04 {
		t.Fatalf("Keys[0] = %#x, want 0x04", r.Keys[0])
	}
	// Start's transfer completed synchronously and re-armed a second poll.
	if dev.pollCount != 2 {
		t.Fatalf("pollCount = %d, want 2 (initial + re-arm)", dev.pollCount)
	}
}

func TestOnInterruptIgnoresFailedTransferButRearms(t *testing.T) {
	dev := &fakeDevice{}
	kb, err := Probe(dev, bootKeyboardInterface())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	dev.nextReport = []byte{0, 0, 0, 0, 0, 0, 0, 0}
	if err := kb.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := kb.Report()

	dev.nextReport = nil
	kb.onInterrupt(nil, core.ResultFailure)

	after := kb.Report()
	if after != before {
		t.Fatalf("report changed after a failed transfer: %+v -> %+v", before, after)
	}
	if dev.pollCount != 3 {
		t.Fatalf("pollCount = %d, want 3 (initial + rearm + rearm-after-failure)", dev.pollCount)
	}
}

func TestMessageGetReportBeforeAnyInterruptIsAllZero(t *testing.T) {
	dev := &fakeDevice{}
	kb, err := Probe(dev, bootKeyboardInterface())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}

	buf := make([]byte, ReportSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	n, err := kb.Message(GetReport, buf)
	if err != nil {
		t.Fatalf("Message(GetReport): %v", err)
	}
	if n != ReportSize {
		t.Fatalf("Message(GetReport) returned %d bytes, want %d", n, ReportSize)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("buf[%d] = %#x, want 0 before any interrupt transfer completes", i, b)
		}
	}
}

func TestMessageGetReportReflectsLatchedReport(t *testing.T) {
	dev := &fakeDevice{}
	kb, err := Probe(dev, bootKeyboardInterface())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	dev.nextReport = []byte{ModLeftCtrl, 0, 0x04, 0, 0, 0, 0, 0}
	if err := kb.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	buf := make([]byte, ReportSize)
	if _, err := kb.Message(GetReport, buf); err != nil {
		t.Fatalf("Message(GetReport): %v", err)
	}
	if buf[0] != ModLeftCtrl || buf[1] != 0 || buf[2] != 0x04 {
		t.Fatalf("buf = %v, want [%#x 0 0x04 ...]", buf, ModLeftCtrl)
	}
}

func TestMessageGetReportRejectsShortBuffer(t *testing.T) {
	dev := &fakeDevice{}
	kb, err := Probe(dev, bootKeyboardInterface())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if _, err := kb.Message(GetReport, make([]byte, ReportSize-1)); err != errno.EINVAL {
		t.Fatalf("Message(GetReport) with a short buffer = %v, want EINVAL", err)
	}
}

func TestMessageRejectsUnknownID(t *testing.T) {
	dev := &fakeDevice{}
	kb, err := Probe(dev, bootKeyboardInterface())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if _, err := kb.Message(GetReport+1, make([]byte, ReportSize)); err != errno.ENOTSUP {
		t.Fatalf("Message(unknown) = %v, want ENOTSUP", err)
	}
}

func TestKeyboardImplementsDevregistryHandle(t *testing.T) {
	var _ devregistry.Handle = (*Keyboard)(nil)
}
