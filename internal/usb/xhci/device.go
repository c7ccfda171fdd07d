package xhci

import (
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/usb/core"
)

// Device implements core.Device over one xHCI slot: every scheduled
// transfer is pushed onto the transfer ring for its endpoint's device
// context index, and the matching doorbell is rung. Grounded on
// xhci.cpp's Device, folded into the controller's slot bookkeeping rather
// than kept as a separate owning object.
type Device struct {
	controller *Controller
	slot       *slot
}

// controlDCI is EP0's device context index, fixed at 1 by spec.md section
// 4.11's endpoint-index mapping.
const controlDCI = 1

// ScheduleTransfer pushes request onto the endpoint's transfer ring and
// rings its doorbell, per spec.md section 4.11's transfer ring contract.
func (d *Device) ScheduleTransfer(request core.TransferRequest) error {
	dci := controlDCI
	if request.Type != core.TransferControl {
		dci = EPDCI(EndpointIndex(request.EndpointNum, request.Type, request.Direction))
	}
	if dci < 0 || dci >= len(d.slot.transferRings) || d.slot.transferRings[dci] == nil {
		return errno.ENODEV
	}
	ring := d.slot.transferRings[dci]

	callback := func(event EventTRB) {
		if request.Callback == nil {
			return
		}
		if event.CompletionCode != CompletionSuccess {
			request.Callback(nil, core.ResultFailure)
			return
		}
		request.Callback(request.Buffer, core.ResultSuccess)
	}

	if request.Type == core.TransferControl {
		if request.ControlSetup == nil {
			return errno.EINVAL
		}
		ring.PushControlTransfer(*request.ControlSetup, request.Buffer, callback)
	} else {
		ring.PushTransfer(request.Buffer, callback)
	}
	return d.controller.db.Ring(d.slot.id, uint8(dci), 0)
}

// EnableConfiguration issues ConfigureEndpoint for every endpoint (opening
// a transfer ring each) and, once the controller confirms, drives the
// standard SET_CONFIGURATION control transfer over EP0. Per spec.md
// section 4.11's enable_configuration.
func (d *Device) EnableConfiguration(configurationNumber uint8, endpoints []core.Endpoint, cb func(ok bool)) error {
	s := d.slot
	c := d.controller

	inputCtx, err := NewContextArray(c.pool, 1+31, c.context64)
	if err != nil {
		return err
	}
	inputCtx.SetAddFlag(ControlICI, 0, true)
	inputCtx.SetConfigValue(ControlICI, configurationNumber)

	speed, err := s.port.regs.PortSpeed()
	if err != nil {
		return err
	}

	maxDCI := uint8(controlDCI)
	for _, ep := range endpoints {
		idx := EndpointIndex(ep.Number, ep.Type, ep.Direction)
		dci := EPDCI(idx)
		if uint8(dci) > maxDCI {
			maxDCI = uint8(dci)
		}
		inputCtx.SetAddFlag(ControlICI, uint8(dci), true)

		ring, err := NewProducerRing(c.pool)
		if err != nil {
			return err
		}
		s.transferRings[dci] = ring

		ici := EPICI(idx)
		inputCtx.SetEndpointType(ici, EndpointTypeFrom(ep.Type, ep.Direction))
		inputCtx.SetMaxPacketSize(ici, ep.MaxPacketSize)
		inputCtx.SetErrorCount(ici, 3)
		inputCtx.SetDequeuePtr(ici, ring.DMAPtr(), true)
		inputCtx.SetInterval(ici, endpointInterval(ep.Type, speed, ep.Interval))
		inputCtx.SetAvgTRBLength(ici, 8)
	}
	inputCtx.SetContextEntries(SlotICI, maxDCI)

	c.cmdRing.PushCommand(ConfigureEndpointCommand(inputCtx.DMAPtr(), s.id, false), func(event EventTRB) {
		if event.CompletionCode != CompletionSuccess {
			cb(false)
			return
		}
		d.setConfiguration(configurationNumber, cb)
	})
	c.ringCommandDoorbell()
	return nil
}

func (d *Device) setConfiguration(configValue uint8, cb func(ok bool)) {
	setup := core.SetupPacket{
		RequestType: core.MakeRequestType(core.DirectionOut, core.ControlStandard, core.TargetDevice),
		Request:     core.ReqSetConfiguration,
		Value:       uint16(configValue),
	}
	req := core.TransferRequest{
		Type:         core.TransferControl,
		Direction:    core.DirectionOut,
		ControlSetup: &setup,
		Callback: func(buf []byte, result core.TransferResult) {
			cb(result == core.ResultSuccess)
		},
	}
	if err := d.ScheduleTransfer(req); err != nil {
		cb(false)
	}
}

// AllocateBuffer returns a DMA-capable buffer of exactly size bytes,
// trimmed from the controller's page-granular DMA pool.
func (d *Device) AllocateBuffer(size int) ([]byte, error) {
	_, buf, err := d.controller.pool.Alloc(uintptr(size))
	if err != nil {
		return nil, err
	}
	if len(buf) > size {
		buf = buf[:size]
	}
	return buf, nil
}
