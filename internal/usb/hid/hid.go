// Package hid implements the USB HID boot-protocol keyboard driver:
// select the boot protocol and idle rate over EP0, then poll the
// interrupt-IN endpoint and latch the most recent report, grounded on
// original_source/kernel/include/usb/hid.h's BootHidDevice/HidKeyboard.
// The original also defines a HidMouse sibling; this core only needs a
// keyboard for spec.md's "Boot to shell" acceptance scenario (a
// generic.usb.keyboard device), so the mouse driver is not ported — no
// part of this core's scope reads mouse input.
package hid

import (
	"sync"

	"github.com/bekos-project/bekos/internal/devregistry"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/klog"
	"github.com/bekos-project/bekos/internal/usb/core"
)

// ReportSize is the fixed 8-byte boot-protocol keyboard report, from
// hid.h's HidKeyboard::Report (static_assert(sizeof(..)==8)): modifier
// byte, one reserved/padding byte, six simultaneous keycodes.
const ReportSize = 8

// Report is a decoded boot-protocol keyboard report.
type Report struct {
	ModifierKeys uint8
	Keys         [6]uint8
}

// Modifier bits within Report.ModifierKeys, USB HID usage tables.
const (
	ModLeftCtrl = 1 << iota
	ModLeftShift
	ModLeftAlt
	ModLeftGUI
	ModRightCtrl
	ModRightShift
	ModRightAlt
	ModRightGUI
)

func decodeReport(buf []byte) Report {
	var r Report
	r.ModifierKeys = buf[0]
	copy(r.Keys[:], buf[2:8])
	return r
}

// Keyboard is a boot-protocol USB keyboard: it drives one device's EP0 to
// select the boot protocol, then keeps an interrupt-IN transfer
// permanently in flight on the notification endpoint and latches the
// newest report.
type Keyboard struct {
	device       core.Device
	interruptEPN uint8
	log          *klog.Logger

	mu     sync.Mutex
	report Report
}

// Probe selects the boot protocol (SET_PROTOCOL=0) and idle rate
// (SET_IDLE=0, report on change only) on iface's EP0, then returns a
// Keyboard armed to start polling, per hid.h's BootHidDevice::probe +
// on_set_protocol flow. iface must be a boot-protocol keyboard interface
// (class 3, subclass 1, protocol 1) with exactly one interrupt-IN
// endpoint; callers (the xHCI enumeration path) are expected to have
// already checked Interface.Class/Subclass/Protocol.
func Probe(device core.Device, iface core.Interface) (*Keyboard, error) {
	var interruptEP *core.Endpoint
	for i := range iface.Endpoints {
		ep := &iface.Endpoints[i]
		if ep.Type == core.TransferInterrupt && ep.Direction == core.DirectionIn {
			interruptEP = ep
			break
		}
	}
	if interruptEP == nil {
		return nil, errno.ENODEV
	}

	k := &Keyboard{device: device, interruptEPN: interruptEP.Number, log: klog.Default.WithComponent("hid")}

	setProtocol := core.SetupPacket{
		RequestType: core.MakeRequestType(core.DirectionOut, core.ControlClass, core.TargetInterface),
		Request:     core.ReqSetProtocol,
		Value:       0, // boot protocol
		Index:       uint16(iface.Number),
		DataLength:  0,
	}
	if err := device.ScheduleTransfer(core.TransferRequest{
		Type:         core.TransferControl,
		Direction:    core.DirectionOut,
		EndpointNum:  0,
		ControlSetup: &setProtocol,
		Callback:     func([]byte, core.TransferResult) {},
	}); err != nil {
		return nil, err
	}

	setIdle := core.SetupPacket{
		RequestType: core.MakeRequestType(core.DirectionOut, core.ControlClass, core.TargetInterface),
		Request:     core.ReqSetIdle,
		Value:       0, // report only on change
		Index:       uint16(iface.Number),
		DataLength:  0,
	}
	if err := device.ScheduleTransfer(core.TransferRequest{
		Type:         core.TransferControl,
		Direction:    core.DirectionOut,
		EndpointNum:  0,
		ControlSetup: &setIdle,
		Callback:     func([]byte, core.TransferResult) {},
	}); err != nil {
		return nil, err
	}

	return k, nil
}

// Start queues the first interrupt-IN poll; on_interrupt re-arms itself
// on every completion so polling continues for the device's lifetime, per
// hid.h's BootHidDevice::on_interrupt.
func (k *Keyboard) Start() error {
	return k.pollOnce()
}

func (k *Keyboard) pollOnce() error {
	buf, err := k.device.AllocateBuffer(ReportSize)
	if err != nil {
		return err
	}
	return k.device.ScheduleTransfer(core.TransferRequest{
		Type:        core.TransferInterrupt,
		Direction:   core.DirectionIn,
		EndpointNum: k.interruptEPN,
		Buffer:      buf,
		Callback:    k.onInterrupt,
	})
}

// onInterrupt decodes a completed report and re-arms the next poll,
// mirroring hid.h's on_interrupt/on_report split.
func (k *Keyboard) onInterrupt(buf []byte, result core.TransferResult) {
	if result == core.ResultSuccess && len(buf) >= ReportSize {
		r := decodeReport(buf)
		k.mu.Lock()
		k.report = r
		k.mu.Unlock()
	} else if result != core.ResultSuccess {
		k.log.Warnf("hid: interrupt transfer failed: %v", result)
	}
	if err := k.pollOnce(); err != nil {
		k.log.Warnf("hid: failed to re-arm interrupt poll: %v", err)
	}
}

// Report returns the most recently latched keyboard report.
func (k *Keyboard) Report() Report {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.report
}

// GetReport is the one message ID a boot-protocol keyboard answers
// (spec.md section 6: "message(GetReport, buffer) writes the latest
// latched report into the user buffer"), matching internal/fb's MessageID
// convention of a small per-device enum rather than a shared message
// space.
const GetReport uint32 = 0

// Message implements devregistry.Handle: GetReport copies the latched
// report's on-the-wire 8-byte encoding {modifiers, 0, keys[6]} into buf.
// Before the first interrupt-IN transfer ever completes, the latched
// report is its zero value, matching spec.md's "Boot to shell" scenario
// ("a report of all zeros").
func (k *Keyboard) Message(id uint32, buf []byte) (int, error) {
	switch id {
	case GetReport:
		if len(buf) < ReportSize {
			return 0, errno.EINVAL
		}
		r := k.Report()
		buf[0] = r.ModifierKeys
		buf[1] = 0
		copy(buf[2:8], r.Keys[:])
		return ReportSize, nil
	default:
		return 0, errno.ENOTSUP
	}
}

var _ devregistry.Handle = (*Keyboard)(nil)
