// Package gic implements a GICv2 driver (distributor + CPU interface)
// against intc.Controller, grounded on the teacher's
// mazboot/golang/main/gic_qemu.go register offsets and gicInitFull's
// boot-time programming sequence (disable, mask/prio/route/config, then
// re-enable Group 0 only — the layout QEMU virt's default GICv2 expects).
package gic

import (
	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/memmgr"
)

// Distributor register offsets (from gic_qemu.go's GICD_* constants).
const (
	gicdCTLR       = 0x000
	gicdIGROUPRn   = 0x080
	gicdISENABLERn = 0x100
	gicdICENABLERn = 0x180
	gicdICPENDRn   = 0x280
	gicdIPRIORITYn = 0x400
	gicdITARGETSn  = 0x800
	gicdICFGRn     = 0xC00
)

// CPU interface register offsets (from gic_qemu.go's GICC_* constants).
const (
	giccCTLR = 0x000
	giccPMR  = 0x004
	giccBPR  = 0x008
	giccIAR  = 0x00C
	giccEOIR = 0x010
)

// cpuInterfaceOffset is the CPU interface's offset from the distributor
// base on QEMU virt's GICv2 memory map.
const cpuInterfaceOffset = 0x10000

// maxIRQ is the first reserved/spurious interrupt ID.
const maxIRQ = 1020

// spuriousIRQ is the ID the CPU interface returns when nothing is pending.
const spuriousIRQ = 1023

// GICv2 drives a GICv2 distributor and CPU interface.
type GICv2 struct {
	dist *memmgr.DeviceArea
	cpu  *memmgr.DeviceArea
}

// New builds a GICv2 around already-mapped distributor and CPU interface
// device areas.
func New(dist, cpu *memmgr.DeviceArea) *GICv2 {
	return &GICv2{dist: dist, cpu: cpu}
}

// Probe maps the distributor and CPU-interface MMIO windows and runs Init,
// given only the distributor's physical base (spec.md's device-tree
// "interrupt-controller" node reg entry), returning a ready-to-use driver.
func Probe(mgr *memmgr.Manager, distBase addr.PhysAddr) (*GICv2, error) {
	distArea, err := mgr.MapForIO(addr.PhysRegion{Start: distBase, Size: 0x1000})
	if err != nil {
		return nil, err
	}
	cpuArea, err := mgr.MapForIO(addr.PhysRegion{Start: distBase.Add(cpuInterfaceOffset), Size: 0x2000})
	if err != nil {
		return nil, err
	}
	g := New(distArea, cpuArea)
	if err := g.Init(); err != nil {
		return nil, err
	}
	return g, nil
}

// Init runs the boot-time distributor/CPU-interface programming sequence:
// disable both, clear all pending, route every interrupt to Group 0 and
// CPU 0 at medium priority, configure as level-triggered, then re-enable.
func (g *GICv2) Init() error {
	g.dist.Write32(gicdCTLR, 0)
	g.cpu.Write32(giccCTLR, 0)

	g.cpu.Write32(giccPMR, 0xFF)
	g.cpu.Write32(giccBPR, 0)

	for i := uintptr(0); i < 32; i++ {
		g.dist.Write32(gicdICPENDRn+i*4, 0xFFFFFFFF)
		g.dist.Write32(gicdIGROUPRn+i*4, 0x00000000)
	}
	for i := uintptr(0); i < 256; i++ {
		g.dist.Write32(gicdIPRIORITYn+i*4, 0x80808080)
		g.dist.Write32(gicdITARGETSn+i*4, 0x01010101)
	}
	for i := uintptr(0); i < 64; i++ {
		g.dist.Write32(gicdICFGRn+i*4, 0)
	}

	g.dist.Write32(gicdCTLR, 0x01)
	g.cpu.Write32(giccCTLR, 0x01)
	return nil
}

// EnableIRQ implements intc.Controller.
func (g *GICv2) EnableIRQ(id uint32) error {
	if id >= maxIRQ {
		return errno.EINVAL
	}
	regIdx, bit := id/32, id%32
	return g.dist.Write32(gicdISENABLERn+uintptr(regIdx)*4, 1<<bit)
}

// DisableIRQ implements intc.Controller.
func (g *GICv2) DisableIRQ(id uint32) error {
	if id >= maxIRQ {
		return errno.EINVAL
	}
	regIdx, bit := id/32, id%32
	return g.dist.Write32(gicdICENABLERn+uintptr(regIdx)*4, 1<<bit)
}

// Acknowledge implements intc.Controller.
func (g *GICv2) Acknowledge() (id uint32, spurious bool) {
	iar, err := g.cpu.Read32(giccIAR)
	if err != nil {
		return 0, true
	}
	id = iar & 0x3FF
	return id, id >= spuriousIRQ
}

// EndOfInterrupt implements intc.Controller.
func (g *GICv2) EndOfInterrupt(id uint32) {
	g.cpu.Write32(giccEOIR, id)
}
