package boot

import (
	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/bootcfg"
	"github.com/bekos-project/bekos/internal/devicetree"
	"github.com/bekos-project/bekos/internal/devregistry"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/fb"
	"github.com/bekos-project/bekos/internal/fb/fbtest"
	"github.com/bekos-project/bekos/internal/intc"
	"github.com/bekos-project/bekos/internal/kheap"
	"github.com/bekos-project/bekos/internal/klog"
	"github.com/bekos-project/bekos/internal/memmgr"
	"github.com/bekos-project/bekos/internal/pagetable"
	"github.com/bekos-project/bekos/internal/pmm"
	"github.com/bekos-project/bekos/internal/process"
	"github.com/bekos-project/bekos/internal/syscall"
	"github.com/bekos-project/bekos/internal/timing"
	"github.com/bekos-project/bekos/internal/usb/xhci"
)

// Result is every process-wide singleton spec.md section 5 names ("the
// global page allocator, kernel heap, device registry, and timing manager
// are process-wide singletons"), handed back to cmd/kernel once Bootstrap
// returns so it can spawn the first user process against a fully-formed
// kernel.
type Result struct {
	Tables     *pagetable.Manager
	Pages      *pmm.Allocator
	Heap       *kheap.Heap
	Mem        *memmgr.Manager
	Devices    *devregistry.Registry
	Dispatcher *intc.Dispatcher
	Timer      *timing.Manager
	Processes  *process.Manager
	Env        syscall.Env
}

// Bootstrap runs spec.md section 4.1's hand-off sequence once EnableMMU has
// returned and dtbVirt is a read-only view of the device tree blob through
// DeviceTreeVBase: parse the tree, seed internal/pmm from its memory and
// reserved-memory nodes, bring up internal/kheap and internal/memmgr on top
// of tables, run the driver probe loop (interrupt controller, timer,
// PCIe/xHCI/HID), and finally adopt bootStack as the kernel's root process
// under a fully-scheduled process.Manager. Grounded on the teacher's
// kernel.go main(), which runs the identical "parse DTB, bring up page
// allocator and heap, probe GIC/timer/PCIe, start scheduling" sequence
// inline rather than through a single returned Result, a shape this port
// generalizes so cmd/kernel's entry point stays a thin caller.
func Bootstrap(tables *pagetable.Manager, dtbVirt []byte, cfg bootcfg.Config, stacks process.KernelStackAllocator, bootStack []byte) (*Result, error) {
	log := klog.Default.WithComponent("boot")

	tree, err := devicetree.Parse(dtbVirt)
	if err != nil {
		return nil, err
	}

	pages := pmm.NewAllocator()
	regions := tree.GetMemoryRegions()
	if len(regions) > cfg.MaxMemoryWindows {
		log.Warnf("device tree advertises %d memory regions, only using the first %d", len(regions), cfg.MaxMemoryWindows)
		regions = regions[:cfg.MaxMemoryWindows]
	}
	for _, r := range regions {
		window := addr.PhysRegion{Start: addr.PhysAddr(r.Addr), Size: uintptr(r.Size)}
		if err := pages.AddWindow(window, nil); err != nil {
			return nil, err
		}
	}
	for _, r := range tree.GetReservedRegions() {
		reserved := addr.PhysRegion{Start: addr.PhysAddr(r.Addr), Size: uintptr(r.Size)}
		if err := pages.MarkAsReserved(reserved); err != nil {
			log.Warnf("reserved region %v falls outside every memory window, ignoring", reserved)
		}
	}

	heap := kheap.New(memmgr.NewKernelPageSource(pages))
	mem := memmgr.Init(tables)

	devices := devregistry.New()
	fbName := devices.Register("generic.framebuffer", devregistry.ProtocolFramebuffer,
		fbtest.New(cfg.FramebufferWidth, cfg.FramebufferHeight, fb.FormatX8R8G8B8))
	log.Infof("fb: registered %s (%dx%d)", fbName, cfg.FramebufferWidth, cfg.FramebufferHeight)

	dmaPool := xhci.NewDMAPool(memmgr.NewDMAPool(pages))

	hw := newHardware(mem, devices, dmaPool, cfg)
	probes := devicetree.NewRegistry()
	hw.RegisterProbes(probes)
	for _, n := range probes.Run(tree, cfg.ProbeSweeps) {
		log.Warnf("boot: node %q never attached", n.Name)
	}
	if hw.dispatcher == nil || hw.timer == nil {
		return nil, errno.ENODEV
	}

	procs := process.NewManager(stacks)
	root := process.NewRootProcess("kernel", bootStack)
	procs.InitialiseWithScheduling(root, hw.timer)

	env := syscall.Env{
		Manager:     procs,
		TableSource: pagetable.NewPMMTableSource(pages),
		Pool:        memmgr.NewDMAPool(pages),
		Devices:     devices,
		Timer:       hw.timer,
	}

	return &Result{
		Tables:     tables,
		Pages:      pages,
		Heap:       heap,
		Mem:        mem,
		Devices:    devices,
		Dispatcher: hw.dispatcher,
		Timer:      hw.timer,
		Processes:  procs,
		Env:        env,
	}, nil
}
