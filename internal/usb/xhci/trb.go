// Package xhci drives a PCIe-attached xHCI host controller: the register
// banks, command/event/transfer rings, device-slot state machine and port
// enumeration, grounded on original_source/kernel/include/usb/xhci.h,
// xhci_ring.h, xhci_registers.h and xhci_context.h, and on the teacher's
// pci_qemu.go/virtqueue.go for the Go idioms (register-offset constants,
// a ring buffer driven by a cycle bit rather than a separate valid flag).
package xhci

import "github.com/bekos-project/bekos/internal/bitfield"

// TRBType is a transfer-request-block's type field, from xhci_ring.h's
// TRBType enum.
type TRBType uint8

const (
	TRBNormal          TRBType = 1
	TRBSetup           TRBType = 2
	TRBData            TRBType = 3
	TRBStatus          TRBType = 4
	TRBIsoch           TRBType = 5
	TRBLink            TRBType = 6
	TRBEvent           TRBType = 7
	TRBNoOp            TRBType = 8
	TRBEnableSlot      TRBType = 9
	TRBDisableSlot     TRBType = 10
	TRBAddressDevice   TRBType = 11
	TRBConfigEndpoint  TRBType = 12
	TRBEvaluateContext TRBType = 13
	TRBResetEndpoint   TRBType = 14
	TRBStopEndpoint    TRBType = 15
	TRBSetTRDequeuePtr TRBType = 16
	TRBResetDevice     TRBType = 17
	TRBNegBandwidth    TRBType = 19
	TRBGetPortBW       TRBType = 21
	TRBForceHeader     TRBType = 22
	TRBNoOpCommand     TRBType = 23

	TRBTransferEvent     TRBType = 32
	TRBCommandCompletion TRBType = 33
	TRBPortStatusChange  TRBType = 34
	TRBBandwidthRequest  TRBType = 35
	TRBHostControllerEvt TRBType = 37
	TRBDeviceNotif       TRBType = 38
	TRBMFINDEXWrap       TRBType = 39
)

// CompletionSuccess is the completion code meaning a command or transfer
// finished without error (xHCI spec §6.4.5, code 1).
const CompletionSuccess = 1

// TRB is one 16-byte ring entry, from xhci_ring.h's TRB struct.
type TRB struct {
	Data [4]uint32
}

func (t TRB) Parameter() uint64 {
	return uint64(t.Data[0]) | uint64(t.Data[1])<<32
}

func (t *TRB) SetParameter(p uint64) {
	t.Data[0] = uint32(p)
	t.Data[1] = uint32(p >> 32)
}

func (t TRB) Status() uint32 { return t.Data[2] }

func (t TRB) Type() TRBType { return TRBType((t.Data[3] >> 10) & 0x3F) }

func (t *TRB) SetType(k TRBType) {
	t.Data[3] = (t.Data[3] &^ (0x3F << 10)) | (uint32(k)&0x3F)<<10
}

func (t TRB) Cycle() bool { return t.Data[3]&1 != 0 }

func (t *TRB) SetCycle(c bool) {
	if c {
		t.Data[3] |= 1
	} else {
		t.Data[3] &^= 1
	}
}

// makeTRB builds a TRB with the given 64-bit parameter, status dword and
// control dword, with kind packed into the control dword's type field -
// xhci_ring.h's TRB::create(kind, parameter, status, control).
func makeTRB(kind TRBType, parameter uint64, status, control uint32) TRB {
	t := TRB{Data: [4]uint32{uint32(parameter), uint32(parameter >> 32), status, control}}
	t.SetType(kind)
	return t
}

// slotControlWord packs a command TRB's per-slot control dword: a single
// flag bit (BSR for Address Device, Deconfigure for Configure Endpoint) and
// the target slot ID in the top byte. The type field occupies part of the
// gap between them and is always set separately via SetType.
type slotControlWord struct {
	_      uint16 `bitfield:",9"`
	Flag   bool   `bitfield:",1"`
	_      uint16 `bitfield:",14"`
	SlotID uint8  `bitfield:",8"`
}

func packSlotControl(slotID uint8, flag bool) uint32 {
	v, err := bitfield.Pack(slotControlWord{Flag: flag, SlotID: slotID}, &bitfield.Config{NumBits: 32})
	if err != nil {
		panic(err)
	}
	return uint32(v)
}

// AddressDeviceCommand builds an Address Device command TRB. When
// blockRequest is false (the default), the controller issues a real
// SET_ADDRESS request to the device, from xhci_ring.h's
// command::address_device / TRB::create_address_dev_cmd.
func AddressDeviceCommand(inputContextPtr uint64, slotID uint8, blockSetAddressRequest bool) TRB {
	t := TRB{}
	t.SetParameter(inputContextPtr)
	t.SetType(TRBAddressDevice)
	t.Data[3] |= packSlotControl(slotID, blockSetAddressRequest)
	return t
}

// ConfigureEndpointCommand builds a Configure Endpoint command TRB, from
// xhci_ring.h's command::configure_endpoint.
func ConfigureEndpointCommand(inputContextPtr uint64, slotID uint8, deconfigure bool) TRB {
	return makeTRB(TRBConfigEndpoint, inputContextPtr, 0, packSlotControl(slotID, deconfigure))
}

// EnableSlotCommand builds an Enable Slot command TRB.
func EnableSlotCommand() TRB {
	t := TRB{}
	t.SetType(TRBEnableSlot)
	return t
}

// EventTRB is a decoded entry read off the event ring, from xhci_ring.h's
// EventTRB::fromTRB.
type EventTRB struct {
	Kind             TRBType
	CompletionCode   uint8
	SlotID           uint8
	TRBPointer       uint64 // TransferEvent, CommandCompletion
	TransferLength   uint32 // TransferEvent
	CompletionParam  uint32 // CommandCompletion
	EndpointID       uint8  // TransferEvent
	PortID           uint8  // PortStatusChange
	VFID             uint8  // CommandCompletion, doorbell event
	NotificationData uint64 // DeviceNotification
	NotificationType uint8  // DeviceNotification
	EDFlag           bool   // TransferEvent
}

// DecodeEventTRB interprets a raw TRB read off the event ring according to
// its type, from xhci_ring.h's EventTRB::fromTRB.
func DecodeEventTRB(t TRB) EventTRB {
	kind := t.Type()
	completionCode := uint8(t.Status() >> 24 & 0xFF)
	lowerStatus := t.Status() & 0x00FFFFFF
	upperControl := uint8(t.Data[3] >> 24 & 0xFF)
	midControl := uint8(t.Data[3] >> 16 & 0xFF)

	event := EventTRB{Kind: kind, CompletionCode: completionCode}
	switch kind {
	case TRBTransferEvent:
		event.TRBPointer = t.Parameter()
		event.TransferLength = lowerStatus
		event.SlotID = upperControl
		event.EndpointID = midControl & 0x1F
		event.EDFlag = (t.Data[3]>>2)&1 != 0
	case TRBCommandCompletion:
		event.TRBPointer = t.Parameter()
		event.CompletionParam = lowerStatus
		event.SlotID = upperControl
		event.VFID = midControl
	case TRBPortStatusChange:
		event.PortID = uint8(t.Data[0] >> 24 & 0xFF)
	case TRBBandwidthRequest:
		event.SlotID = upperControl
	case TRBHostControllerEvt:
	case TRBDeviceNotif:
		event.NotificationData = t.Parameter() &^ 0xFF
		event.NotificationType = uint8(t.Parameter() >> 4 & 0xF)
		event.SlotID = upperControl
	case TRBMFINDEXWrap:
	}
	return event
}
