package boot

import (
	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/bootcfg"
	"github.com/bekos-project/bekos/internal/devicetree"
	"github.com/bekos-project/bekos/internal/devregistry"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/intc"
	"github.com/bekos-project/bekos/internal/intc/gic"
	"github.com/bekos-project/bekos/internal/klog"
	"github.com/bekos-project/bekos/internal/memmgr"
	"github.com/bekos-project/bekos/internal/pcie"
	"github.com/bekos-project/bekos/internal/timing"
	"github.com/bekos-project/bekos/internal/timing/gentimer"
	"github.com/bekos-project/bekos/internal/usb/core"
	"github.com/bekos-project/bekos/internal/usb/hid"
	"github.com/bekos-project/bekos/internal/usb/xhci"
)

// timerPhysicalPPI is the GICv2 PPI ID QEMU virt wires the non-secure
// physical generic timer (CNTP) to, matching the teacher's gic_qemu.go
// IRQ_ID_TIMER_PHYSICAL_PPI.
const timerPhysicalPPI = 30

// hardware accumulates the singletons spec.md section 5 names as
// process-wide ("the global page allocator, kernel heap, device registry,
// and timing manager"), built up incrementally as the probe loop attaches
// nodes. Each probe* method below is a devicetree.ProbeFunc closing over
// this struct, following the pack's devregistry-style self-registration
// idiom rather than the boot sequence naming every driver by hand.
type hardware struct {
	mem     *memmgr.Manager
	devices *devregistry.Registry
	pool    *xhci.DMAPool
	cfg     bootcfg.Config
	log     *klog.Logger

	dispatcher *intc.Dispatcher
	gic        *gic.GICv2

	timerDev *gentimer.GenericTimer
	timer    *timing.Manager

	xhciDone bool
}

// newHardware constructs the discovery state every probe closure shares.
func newHardware(mem *memmgr.Manager, devices *devregistry.Registry, pool *xhci.DMAPool, cfg bootcfg.Config) *hardware {
	return &hardware{mem: mem, devices: devices, pool: pool, cfg: cfg, log: klog.Default.WithComponent("boot")}
}

// RegisterProbes wires every driver's probe function into reg, in the
// dependency order a single sweep would need if nodes always attached on
// the first try: the interrupt controller has no dependencies, the timer
// and the PCIe host both need the controller's dispatcher, and USB
// enumeration happens transitively once the PCIe host attaches. A driver
// whose dependency isn't ready yet returns devicetree.Waiting and is
// retried on the next sweep (devicetree.Registry.Run), so this ordering is
// a performance hint, not a correctness requirement.
func (h *hardware) RegisterProbes(reg *devicetree.Registry) {
	reg.Register(h.probeGIC)
	reg.Register(h.probeTimer)
	reg.Register(h.probePCIe)
}

// probeGIC attaches the distributor/CPU-interface described by an
// "arm,gic-400" or "arm,cortex-a15-gic" node (spec.md section 6's
// interrupt-controller node), matching the teacher's gic_qemu.go, which
// drives the identical register layout against a hardcoded base instead of
// one read from a device tree.
func (h *hardware) probeGIC(n *devicetree.Node) devicetree.ProbeResult {
	if !n.IsCompatible("arm,gic-400") && !n.IsCompatible("arm,cortex-a15-gic") {
		return devicetree.Unrecognised
	}
	regs, err := n.GetStdRegs()
	if err != nil || len(regs) == 0 {
		h.log.Warnf("gic node has no usable reg entry: %v", err)
		return devicetree.Failure
	}
	controller, err := gic.Probe(h.mem, addr.PhysAddr(regs[0].Addr))
	if err != nil {
		h.log.Warnf("gic probe failed: %v", err)
		return devicetree.Failure
	}
	h.gic = controller
	h.dispatcher = intc.NewDispatcher(controller)
	h.log.Infof("gic: attached at %#x", regs[0].Addr)
	return devicetree.Success
}

// probeTimer arms the generic timer described by an "arm,armv8-timer" node
// and starts internal/timing's callback scheduler on top of it. Waits for
// probeGIC to have run first, since registering the timer's interrupt
// handler needs a live Dispatcher.
func (h *hardware) probeTimer(n *devicetree.Node) devicetree.ProbeResult {
	if !n.IsCompatible("arm,armv8-timer") {
		return devicetree.Unrecognised
	}
	if h.dispatcher == nil {
		return devicetree.Waiting
	}
	h.timerDev = gentimer.New()
	h.timer = timing.Init(h.timerDev)
	if err := h.dispatcher.RegisterHandler(timerPhysicalPPI, h.timer.HandleTick); err != nil {
		h.log.Warnf("timer: register handler: %v", err)
		return devicetree.Failure
	}
	if err := h.dispatcher.EnableIRQ(timerPhysicalPPI); err != nil {
		h.log.Warnf("timer: enable irq: %v", err)
		return devicetree.Failure
	}
	h.log.Infof("timer: attached, %d Hz", h.timerDev.FrequencyHz())
	return devicetree.Success
}

// busRange parses a PCIe host bridge's two-cell "bus-range" property,
// defaulting to a single bus when the property is absent (spec.md is
// silent on multi-bus topologies; this port's boot-to-shell scenario names
// exactly one PCIe host with one function behind it).
func busRange(n *devicetree.Node) uint8 {
	raw, ok := n.GetProperty("bus-range")
	if !ok || len(raw) < 8 {
		return 1
	}
	start := uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	end := uint32(raw[4])<<24 | uint32(raw[5])<<16 | uint32(raw[6])<<8 | uint32(raw[7])
	if end < start {
		return 1
	}
	return uint8(end-start) + 1
}

// probePCIe attaches a "pci-host-ecam-generic" node's ECAM window, then
// immediately scans its bus for the xHCI function spec.md section 4.11
// bring-up targets: PCI/PCIe functions live on the configuration-space bus
// a host bridge exposes, not as separate device-tree children, so this is
// the one probe function that reaches past its own node into hardware
// enumeration rather than waiting for a further devicetree.Node to appear.
func (h *hardware) probePCIe(n *devicetree.Node) devicetree.ProbeResult {
	if !n.IsCompatible("pci-host-ecam-generic") {
		return devicetree.Unrecognised
	}
	if h.dispatcher == nil {
		return devicetree.Waiting
	}
	regs, err := n.GetStdRegs()
	if err != nil || len(regs) == 0 {
		h.log.Warnf("pcie node has no usable reg entry: %v", err)
		return devicetree.Failure
	}
	bridge, err := pcie.Probe(h.mem, addr.PhysAddr(regs[0].Addr), busRange(n))
	if err != nil {
		h.log.Warnf("pcie probe failed: %v", err)
		return devicetree.Failure
	}
	h.log.Infof("pcie: ecam at %#x", regs[0].Addr)

	function, err := bridge.FindByClass(0x0C, 0x03) // serial bus controller / USB
	if err != nil {
		h.log.Infof("pcie: no USB controller found")
		return devicetree.Success
	}
	if err := h.probeXHCI(n, function); err != nil {
		h.log.Warnf("xhci probe failed: %v", err)
		return devicetree.Failure
	}
	return devicetree.Success
}

// probeXHCI brings up the xHCI controller behind function (spec.md section
// 4.11) and arms the HID boot-keyboard class driver (section 4.12) on
// whatever interfaces enumerate behind it, registering each into the
// device registry under the "generic.usb.keyboard" prefix spec.md's
// "Boot to shell" scenario names. irqLine is read from the PCIe host
// node's own "interrupts" property: this port has no INTx-to-GSI mapping
// table, so it assumes (true of QEMU virt's generic PCIe host) that the
// host bridge's single legacy interrupt line is shared by every function
// behind it.
func (h *hardware) probeXHCI(hostNode *devicetree.Node, function *pcie.Function) error {
	irqLine, ok := hostNode.GetPropertyU32("interrupts")
	if !ok {
		return errno.ENODEV
	}
	onDeviceReady := func(iface core.Interface, dev core.Device) {
		// class 3 (HID), subclass 1 (boot interface), protocol 1 (keyboard):
		// hid.Probe only implements the keyboard half of the boot protocol
		// (protocol 2 would be a mouse), matching spec.md's "Boot to shell"
		// scenario, which names a keyboard only.
		if iface.Class != 3 || iface.Subclass != 1 || iface.Protocol != 1 {
			return
		}
		keyboard, err := hid.Probe(dev, iface)
		if err != nil {
			h.log.Warnf("hid: probe failed: %v", err)
			return
		}
		if err := keyboard.Start(); err != nil {
			h.log.Warnf("hid: start failed: %v", err)
			return
		}
		name := h.devices.Register("generic.usb.keyboard", devregistry.ProtocolKeyboard, keyboard)
		h.log.Infof("hid: registered %s", name)
	}
	controller, err := xhci.Probe(h.mem, function, h.pool, h.dispatcher, irqLine, onDeviceReady)
	if err != nil {
		return err
	}
	h.xhciDone = controller != nil
	return nil
}
