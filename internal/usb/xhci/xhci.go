package xhci

import (
	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/intc"
	"github.com/bekos-project/bekos/internal/klog"
	"github.com/bekos-project/bekos/internal/memmgr"
	"github.com/bekos-project/bekos/internal/pcie"
	"github.com/bekos-project/bekos/internal/usb/core"
)

// maxBringUpPolls bounds every condition-wait loop in bring-up (HCHalted,
// CNR, port reset) against a controller that never reports readiness,
// rather than hanging the boot sequence forever, per xhci.cpp's bring-up
// which spins a fixed iteration count around each handshake.
const maxBringUpPolls = 100000

// extCapIDSupportedProtocol is the xHCI Extended Capability ID for the
// "Supported Protocol" capability xhci.cpp walks to build the port table.
const extCapIDSupportedProtocol = 2

// Port is one root-hub port, identified by its speed class and whether the
// controller's extended capability walk reported it.
type Port struct {
	Number uint8
	IsUSB3 bool
	regs   PortRegisters
	slotID uint8
}

// slot tracks one enabled device slot's enumeration state and owns its
// control-endpoint transfer ring plus any further endpoint rings opened by
// EnableConfiguration.
type slot struct {
	id            uint8
	port          *Port
	inputCtx      *ContextArray
	deviceCtx     *ContextArray
	transferRings [32]*ProducerRing // indexed by endpoint device context index
	addressed     bool
}

// Controller is an xHCI host controller driver: it owns the register
// banks, the command and event rings, the device context base address
// array, and one slot per enumerated device. Grounded on xhci.cpp's
// Controller class and spec.md section 4.11's bring-up sequence.
type Controller struct {
	function *pcie.Function
	mmio     *memmgr.DeviceArea
	pool     *DMAPool

	cap   CapabilityRegisters
	op    OperationalRegisters
	rt    RuntimeRegisters
	db    DoorbellRegisters
	intr0 InterrupterRegisters

	capLength uint8
	maxSlots  uint8
	maxPorts  uint8
	context64 bool
	pageSize  uint32

	cmdRing   *ProducerRing
	eventRing *EventRing
	dcbaa     []byte
	dcbaaPhys addr.PhysAddr

	scratchpadBufs [][]byte

	ports []*Port
	slots map[uint8]*slot

	onDeviceReady func(iface core.Interface, dev core.Device)

	log *klog.Logger
}

// Probe resets, configures and starts an xHCI controller found behind
// function, registering its pin interrupt handler with dispatcher on
// irqLine, and returns a ready-to-enumerate Controller. Grounded on
// xhci.cpp's probe_xhci + Controller::init.
func Probe(mgr *memmgr.Manager, function *pcie.Function, pool *DMAPool, dispatcher *intc.Dispatcher, irqLine uint32, onDeviceReady func(core.Interface, core.Device)) (*Controller, error) {
	bar := function.BARs[0]
	if bar.Kind != pcie.AddressSpaceMemory || bar.Size == 0 {
		return nil, errno.ENODEV
	}
	if err := function.EnableMemoryAndBusMaster(); err != nil {
		return nil, err
	}
	mmio, err := mgr.MapForIO(addr.PhysRegion{Start: addr.PhysAddr(bar.Base), Size: uintptr(bar.Size)})
	if err != nil {
		return nil, err
	}

	c := &Controller{
		function:      function,
		mmio:          mmio,
		pool:          pool,
		slots:         make(map[uint8]*slot),
		onDeviceReady: onDeviceReady,
		log:           klog.Default.WithComponent("xhci"),
	}
	c.cap = CapabilityRegisters{base: memmgr.NewPCIeDeviceArea(mmio)}

	if err := c.readCapabilities(); err != nil {
		return nil, err
	}
	opBase := memmgr.NewPCIeDeviceAreaAt(mmio, uintptr(c.capLength))
	c.op = OperationalRegisters{base: opBase}
	rtOff, err := c.cap.RuntimeRegisterOffset()
	if err != nil {
		return nil, err
	}
	c.rt = RuntimeRegisters{base: memmgr.NewPCIeDeviceAreaAt(mmio, uintptr(rtOff))}
	dbOff, err := c.cap.DBOFF()
	if err != nil {
		return nil, err
	}
	c.db = DoorbellRegisters{base: memmgr.NewPCIeDeviceAreaAt(mmio, uintptr(dbOff&^0x3))}
	c.intr0 = c.rt.Interrupter(0)

	if err := c.stopAndReset(); err != nil {
		return nil, err
	}
	if err := c.buildPortTable(); err != nil {
		return nil, err
	}
	if err := c.configureSlotsAndContexts(); err != nil {
		return nil, err
	}
	if err := c.setupRings(); err != nil {
		return nil, err
	}

	if err := dispatcher.RegisterHandler(irqLine, func(uint32) { c.handleInterrupt() }); err != nil {
		return nil, err
	}
	if err := dispatcher.EnableIRQ(irqLine); err != nil {
		return nil, err
	}

	if err := c.op.SetRunStop(true); err != nil {
		return nil, err
	}

	for _, p := range c.ports {
		if err := p.regs.SetPortReset(); err != nil {
			return nil, err
		}
	}

	c.log.Infof("xhci: started, %d slots, %d ports", c.maxSlots, len(c.ports))
	return c, nil
}

func (c *Controller) readCapabilities() error {
	capLength, err := c.cap.CapLength()
	if err != nil {
		return err
	}
	c.capLength = capLength
	c.maxSlots, err = c.cap.MaxDeviceSlots()
	if err != nil {
		return err
	}
	c.maxPorts, err = c.cap.MaxPorts()
	if err != nil {
		return err
	}
	c.context64, err = c.cap.Context64Bit()
	return err
}

// stopAndReset clears run/stop, waits for HCHalted, then asserts HCRST and
// waits for CNR to drop (the HCRST bit itself is not polled), per spec.md
// section 4.11.
func (c *Controller) stopAndReset() error {
	if err := c.op.SetRunStop(false); err != nil {
		return err
	}
	if err := c.waitUntil(func() (bool, error) { return c.op.HCHalted() }); err != nil {
		return err
	}
	if err := c.op.SetHCReset(); err != nil {
		return err
	}
	if err := c.waitUntil(func() (bool, error) {
		notReady, err := c.op.HCNotReady()
		return !notReady, err
	}); err != nil {
		return err
	}
	pageSize, err := c.op.PageSize()
	if err != nil {
		return err
	}
	c.pageSize = pageSize
	return nil
}

func (c *Controller) waitUntil(cond func() (bool, error)) error {
	for i := 0; i < maxBringUpPolls; i++ {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return errno.EIO
}

// buildPortTable walks the Supported Protocol extended capabilities to
// learn each port's speed class, per xhci.cpp's extended-capability walk.
func (c *Controller) buildPortTable() error {
	extOff, err := c.cap.ExtendedCapOffset()
	if err != nil {
		return err
	}
	view := memmgr.NewPCIeDeviceArea(c.mmio)

	c.ports = make([]*Port, c.maxPorts)
	for i := range c.ports {
		c.ports[i] = &Port{Number: uint8(i + 1), regs: c.op.Port(uint8(i + 1))}
	}

	offset := uintptr(extOff)
	for offset != 0 {
		header, err := view.Read32(offset)
		if err != nil {
			return err
		}
		capID := uint8(header & 0xFF)
		next := uint8((header >> 8) & 0xFF)

		if capID == extCapIDSupportedProtocol {
			word2, err := view.Read32(offset + 8)
			if err != nil {
				return err
			}
			majorRev := uint8((header >> 24) & 0xFF)
			portOffset := uint8(word2 & 0xFF)
			portCount := uint8((word2 >> 8) & 0xFF)
			for p := portOffset; p < portOffset+portCount; p++ {
				if int(p) < 1 || int(p) > len(c.ports) {
					continue
				}
				c.ports[p-1].IsUSB3 = majorRev >= 3
			}
		}

		if next == 0 {
			break
		}
		offset += uintptr(next) * 4
	}
	return nil
}

// configureSlotsAndContexts sets CONFIG.MaxSlotsEn, allocates scratchpad
// buffers, and publishes the Device Context Base Address Array, per
// spec.md section 4.11.
func (c *Controller) configureSlotsAndContexts() error {
	if err := c.op.SetMaxDeviceSlotsEnabled(c.maxSlots); err != nil {
		return err
	}

	dcbaaEntries := int(c.maxSlots) + 1 // index 0 holds the scratchpad array pointer
	dcbaaPhys, dcbaa, err := c.pool.Alloc(uintptr(dcbaaEntries) * 8)
	if err != nil {
		return err
	}
	c.dcbaa = dcbaa
	c.dcbaaPhys = dcbaaPhys

	scratchpadCount, err := c.cap.MaxScratchpadBuffers()
	if err != nil {
		return err
	}
	if scratchpadCount > 0 {
		arrayPhys, arrayBuf, err := c.pool.Alloc(uintptr(scratchpadCount) * 8)
		if err != nil {
			return err
		}
		for i := uint16(0); i < scratchpadCount; i++ {
			bufPhys, buf, err := c.pool.Alloc(uintptr(c.pageSize))
			if err != nil {
				return err
			}
			c.scratchpadBufs = append(c.scratchpadBufs, buf)
			putUint64(arrayBuf[i*8:], uint64(bufPhys))
		}
		putUint64(c.dcbaa[0:], uint64(arrayPhys))
	}

	if err := c.op.SetDCBAAP(uint64(dcbaaPhys)); err != nil {
		return err
	}
	return nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// setupRings allocates the command ring and the primary interrupter's
// event ring/ERST, publishes both to their registers, and enables the
// interrupter, per spec.md section 4.11.
func (c *Controller) setupRings() error {
	cmdRing, err := NewProducerRing(c.pool)
	if err != nil {
		return err
	}
	c.cmdRing = cmdRing
	if err := c.op.SetCommandRingPointer(cmdRing.DMAPtr(), true); err != nil {
		return err
	}

	eventRing, err := NewEventRing(c.pool)
	if err != nil {
		return err
	}
	c.eventRing = eventRing
	if err := c.intr0.SetERSTSize(eventRing.ERSTSize()); err != nil {
		return err
	}
	if err := c.intr0.SetERDP(eventRing.CurrentDequeuePtr()); err != nil {
		return err
	}
	if err := c.intr0.SetERSTBA(eventRing.ERSTPtr()); err != nil {
		return err
	}
	if err := c.intr0.SetInterruptEnable(); err != nil {
		return err
	}
	return c.op.SetInterrupterEnable()
}

// handleInterrupt drains the event ring, dispatching each event to the
// command ring, a port, or an addressed device's transfer ring, per
// xhci.cpp's Controller::handle_interrupt.
func (c *Controller) handleInterrupt() {
	if err := c.intr0.ClearInterruptPending(); err != nil {
		c.log.Warnf("xhci: clear interrupt pending: %v", err)
	}
	for {
		event, ok := c.eventRing.Process()
		if !ok {
			break
		}
		c.dispatchEvent(event)
	}
	if err := c.intr0.UpdateERDP(c.eventRing.CurrentDequeuePtr(), true); err != nil {
		c.log.Warnf("xhci: update erdp: %v", err)
	}
}

func (c *Controller) dispatchEvent(event EventTRB) {
	switch event.Kind {
	case TRBPortStatusChange:
		c.handlePortStatusChange(event.PortID)
	case TRBCommandCompletion:
		if err := c.cmdRing.ProcessCompletion(event); err != nil {
			c.log.Warnf("xhci: command completion: %v", err)
		}
	case TRBTransferEvent:
		s, ok := c.slots[event.SlotID]
		if !ok {
			c.log.Warnf("xhci: transfer event for unknown slot %d", event.SlotID)
			return
		}
		ring := s.transferRings[event.EndpointID]
		if ring == nil {
			return
		}
		if err := ring.ProcessCompletion(event); err != nil {
			c.log.Warnf("xhci: transfer completion: %v", err)
		}
	default:
		// Bandwidth/device-notification/MFINDEX-wrap events need no action
		// from this driver.
	}
}

func (c *Controller) handlePortStatusChange(portID uint8) {
	if int(portID) < 1 || int(portID) > len(c.ports) {
		return
	}
	port := c.ports[portID-1]
	if err := port.regs.ClearPortResetChange(); err != nil {
		c.log.Warnf("xhci: clear port reset change: %v", err)
	}
	if err := port.regs.ClearConnectStatusChange(); err != nil {
		c.log.Warnf("xhci: clear connect status change: %v", err)
	}
	connected, err := port.regs.ConnectStatus()
	if err != nil || !connected {
		return
	}
	enabled, err := port.regs.PortEnabled()
	if err != nil || !enabled {
		return
	}
	if port.slotID != 0 {
		return // already enumerating/enumerated
	}
	c.enableSlot(port)
}

// enableSlot issues the EnableSlot command, the first step of device
// enumeration per spec.md section 4.11.
func (c *Controller) enableSlot(port *Port) {
	c.cmdRing.PushCommand(EnableSlotCommand(), func(event EventTRB) {
		if event.CompletionCode != CompletionSuccess {
			c.log.Warnf("xhci: enable slot failed: completion %d", event.CompletionParam)
			return
		}
		c.onSlotEnabled(port, event.SlotID)
	})
	c.ringCommandDoorbell()
}

func (c *Controller) ringCommandDoorbell() {
	if err := c.db.Ring(0, 0, 0); err != nil {
		c.log.Warnf("xhci: ring command doorbell: %v", err)
	}
}

// onSlotEnabled builds the input context for address-device, allocates
// EP0's transfer ring and points the device context base address array at
// the new slot, then issues AddressDevice, per spec.md section 4.11.
func (c *Controller) onSlotEnabled(port *Port, slotID uint8) {
	s := &slot{id: slotID, port: port}
	c.slots[slotID] = s
	port.slotID = slotID

	inputCtx, err := NewContextArray(c.pool, 2+1, c.context64)
	if err != nil {
		c.log.Warnf("xhci: allocate input context: %v", err)
		return
	}
	s.inputCtx = inputCtx
	inputCtx.SetAddFlag(ControlICI, 0, true) // slot context
	inputCtx.SetAddFlag(ControlICI, 1, true) // EP0 context

	speed, err := port.regs.PortSpeed()
	if err != nil {
		c.log.Warnf("xhci: read port speed: %v", err)
		return
	}
	inputCtx.SetContextEntries(SlotICI, 1)
	inputCtx.SetRootHubPort(SlotICI, port.Number)
	inputCtx.SetPortNumber(SlotICI, port.Number)

	ep0Ring, err := NewProducerRing(c.pool)
	if err != nil {
		c.log.Warnf("xhci: allocate ep0 ring: %v", err)
		return
	}
	epIdx := EndpointIndex(0, core.TransferControl, core.DirectionOut)
	s.transferRings[EPDCI(epIdx)] = ep0Ring

	ici := EPICI(epIdx)
	inputCtx.SetEndpointType(ici, EPControl)
	inputCtx.SetMaxPacketSize(ici, controlMaxPacketSize(speed))
	inputCtx.SetErrorCount(ici, 3)
	inputCtx.SetDequeuePtr(ici, ep0Ring.DMAPtr(), true)
	inputCtx.SetAvgTRBLength(ici, 8)

	deviceCtx, err := NewContextArray(c.pool, 1+31, c.context64)
	if err != nil {
		c.log.Warnf("xhci: allocate device context: %v", err)
		return
	}
	s.deviceCtx = deviceCtx
	putUint64(c.dcbaa[int(slotID)*8:], deviceCtx.DMAPtr())

	c.cmdRing.PushCommand(AddressDeviceCommand(inputCtx.DMAPtr(), slotID, false), func(event EventTRB) {
		if event.CompletionCode != CompletionSuccess {
			c.log.Warnf("xhci: address device failed: completion %d", event.CompletionParam)
			return
		}
		s.addressed = true
		c.enumerateDevice(s)
	})
	c.ringCommandDoorbell()
}

// controlMaxPacketSize returns EP0's max packet size for a port speed,
// from spec.md section 4.11: 8 bytes for low speed, 64 for full/high, 512
// for super speed. Port speed IDs follow the PORTSC encoding (1=full,
// 2=low, 3=high, 4=super).
func controlMaxPacketSize(portSpeed uint8) uint16 {
	switch portSpeed {
	case 2:
		return 8
	case 4:
		return 512
	default:
		return 64
	}
}

// endpointInterval encodes bInterval into the xHCI endpoint context's
// interval field (stored as 2^interval * 125us), per spec.md section
// 4.11's exact formulas.
func endpointInterval(ttype core.TransferType, portSpeed uint8, bInterval uint8) uint8 {
	highSpeed := portSpeed == 3 || portSpeed == 4
	switch ttype {
	case core.TransferControl, core.TransferBulk:
		return 0
	case core.TransferIsochronous:
		if !highSpeed {
			return bInterval + 2
		}
		return bInterval - 1
	case core.TransferInterrupt:
		if !highSpeed {
			return floorLog2(uint32(bInterval) * 8)
		}
		return bInterval - 1
	}
	return 0
}

func floorLog2(v uint32) uint8 {
	var n uint8
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// enumerateDevice reads the device and configuration descriptors over
// EP0, selects configuration 1, and hands every interface to the
// controller's onDeviceReady callback, per spec.md section 4.11's
// registrar-driven enumeration.
func (c *Controller) enumerateDevice(s *slot) {
	dev := &Device{controller: c, slot: s}
	buf, err := dev.AllocateBuffer(core.DeviceDescriptorSize)
	if err != nil {
		c.log.Warnf("xhci: allocate device descriptor buffer: %v", err)
		return
	}
	setup := core.GetDescriptorSetup(uint8(core.DescDevice), 0, core.DeviceDescriptorSize)
	req := core.TransferRequest{
		Type:         core.TransferControl,
		Direction:    core.DirectionIn,
		ControlSetup: &setup,
		Buffer:       buf,
		Callback: func(buf []byte, result core.TransferResult) {
			if result != core.ResultSuccess {
				c.log.Warnf("xhci: get device descriptor failed: %v", result)
				return
			}
			c.fetchConfiguration(dev, s)
		},
	}
	if err := dev.ScheduleTransfer(req); err != nil {
		c.log.Warnf("xhci: schedule get device descriptor: %v", err)
	}
}

const configurationHeaderProbeSize = 9

func (c *Controller) fetchConfiguration(dev *Device, s *slot) {
	headerBuf, err := dev.AllocateBuffer(configurationHeaderProbeSize)
	if err != nil {
		c.log.Warnf("xhci: allocate configuration header buffer: %v", err)
		return
	}
	headerSetup := core.GetDescriptorSetup(uint8(core.DescConfiguration), 0, configurationHeaderProbeSize)
	req := core.TransferRequest{
		Type:         core.TransferControl,
		Direction:    core.DirectionIn,
		ControlSetup: &headerSetup,
		Buffer:       headerBuf,
		Callback: func(headerBuf []byte, result core.TransferResult) {
			if result != core.ResultSuccess || len(headerBuf) < configurationHeaderProbeSize {
				c.log.Warnf("xhci: get configuration header failed: %v", result)
				return
			}
			totalLength := uint16(headerBuf[2]) | uint16(headerBuf[3])<<8
			fullBuf, err := dev.AllocateBuffer(int(totalLength))
			if err != nil {
				c.log.Warnf("xhci: allocate configuration buffer: %v", err)
				return
			}
			fullSetup := core.GetDescriptorSetup(uint8(core.DescConfiguration), 0, totalLength)
			fullReq := core.TransferRequest{
				Type:         core.TransferControl,
				Direction:    core.DirectionIn,
				ControlSetup: &fullSetup,
				Buffer:       fullBuf,
				Callback: func(fullBuf []byte, result core.TransferResult) {
					if result != core.ResultSuccess {
						c.log.Warnf("xhci: get configuration descriptor failed: %v", result)
						return
					}
					interfaces, err := core.ParseConfiguration(fullBuf)
					if err != nil {
						c.log.Warnf("xhci: parse configuration descriptor: %v", err)
						return
					}
					c.configureAndAnnounce(dev, s, fullBuf[5], interfaces)
				},
			}
			if err := dev.ScheduleTransfer(fullReq); err != nil {
				c.log.Warnf("xhci: schedule get configuration descriptor: %v", err)
			}
		},
	}
	if err := dev.ScheduleTransfer(req); err != nil {
		c.log.Warnf("xhci: schedule get configuration header: %v", err)
	}
}

func (c *Controller) configureAndAnnounce(dev *Device, s *slot, configValue uint8, interfaces []core.Interface) {
	var endpoints []core.Endpoint
	for _, iface := range interfaces {
		endpoints = append(endpoints, iface.Endpoints...)
	}
	err := dev.EnableConfiguration(configValue, endpoints, func(ok bool) {
		if !ok {
			c.log.Warnf("xhci: enable configuration failed for slot %d", s.id)
			return
		}
		if c.onDeviceReady == nil {
			return
		}
		for _, iface := range interfaces {
			c.onDeviceReady(iface, dev)
		}
	})
	if err != nil {
		c.log.Warnf("xhci: enable configuration: %v", err)
	}
}
