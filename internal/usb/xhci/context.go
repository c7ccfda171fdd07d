package xhci

import (
	"encoding/binary"

	"github.com/bekos-project/bekos/internal/usb/core"
)

// contextWords is the fixed 8-dword size of every xHCI device context
// structure (slot, endpoint, input control), from xhci_context.h's
// RawContext/SlotContext/EndpointContext/InputControlContext.
const contextWords = 8
const contextSmallSize = contextWords * 4 // 32 bytes
const contextLargeSize = contextSmallSize * 2

// EndpointType is a device context endpoint's type field, from
// xhci_context.h's EndpointType.
type EndpointType uint8

const (
	EPInvalid      EndpointType = 0
	EPIsochOut     EndpointType = 1
	EPBulkOut      EndpointType = 2
	EPInterruptOut EndpointType = 3
	EPControl      EndpointType = 4
	EPIsochIn      EndpointType = 5
	EPBulkIn       EndpointType = 6
	EPInterruptIn  EndpointType = 7
)

// EndpointTypeFrom maps a generic USB transfer type/direction pair onto
// the xHCI endpoint context's EndpointType encoding, from
// xhci_context.h's ep_type_from.
func EndpointTypeFrom(ttype core.TransferType, dir core.Direction) EndpointType {
	in := dir == core.DirectionIn
	switch ttype {
	case core.TransferControl:
		return EPControl
	case core.TransferIsochronous:
		if in {
			return EPIsochIn
		}
		return EPIsochOut
	case core.TransferBulk:
		if in {
			return EPBulkIn
		}
		return EPBulkOut
	case core.TransferInterrupt:
		if in {
			return EPInterruptIn
		}
		return EPInterruptOut
	}
	return EPInvalid
}

// EndpointIndex implements spec.md section 4.11's endpoint-index mapping:
// control endpoint 0 maps to index 0, OUT n to 2n-1, IN n to 2n.
func EndpointIndex(number uint8, ttype core.TransferType, dir core.Direction) int {
	if ttype == core.TransferControl {
		return 2 * int(number)
	}
	if dir == core.DirectionOut {
		return 2*int(number) - 1
	}
	return 2 * int(number)
}

// ContextArray is a DMA-backed array of device/input contexts (slot +
// endpoint contexts for a device, or the equivalent input contexts for a
// pending configuration change), from xhci_context.h's ContextArray. Each
// logical context occupies contextSmallSize bytes, or contextLargeSize
// when HCCPARAMS1.CSZ selects 64-byte contexts.
type ContextArray struct {
	phys   uint64
	buf    []byte
	stride int
}

// NewContextArray allocates n zeroed contexts.
func NewContextArray(pool *DMAPool, n int, large bool) (*ContextArray, error) {
	stride := contextSmallSize
	if large {
		stride = contextLargeSize
	}
	phys, buf, err := pool.Alloc(uintptr(n * stride))
	if err != nil {
		return nil, err
	}
	return &ContextArray{phys: uint64(phys), buf: buf, stride: stride}, nil
}

// DMAPtr is the array's base physical address.
func (c *ContextArray) DMAPtr() uint64 { return c.phys }

func (c *ContextArray) words(idx int) []byte { return c.buf[idx*c.stride : idx*c.stride+contextSmallSize] }

func (c *ContextArray) word(idx, n int) uint32 {
	return binary.LittleEndian.Uint32(c.words(idx)[n*4:])
}

func (c *ContextArray) setWord(idx, n int, v uint32) {
	binary.LittleEndian.PutUint32(c.words(idx)[n*4:], v)
}

// Context index helpers, from ContextArray::control_ici/slot_ici/ep_ici
// and ::slot_dci/ep_dci.
const (
	ControlICI = 0
	SlotICI    = 1
	SlotDCI    = 0
)

func EPICI(endpointIdx int) int { return endpointIdx + 2 }
func EPDCI(endpointIdx int) int { return endpointIdx + 1 }

// --- Slot context (xhci_context.h's SlotContext) ---

func (c *ContextArray) RouteString(idx int) uint32   { return c.word(idx, 0) & 0xFFFFF }
func (c *ContextArray) SetRouteString(idx int, s uint32) {
	c.setWord(idx, 0, (c.word(idx, 0) &^ 0xFFFFF) | (s & 0xFFFFF))
}

func (c *ContextArray) ContextEntries(idx int) uint8 { return uint8(c.word(idx, 0) >> 27 & 0b11111) }
func (c *ContextArray) SetContextEntries(idx int, n uint8) {
	c.setWord(idx, 0, (c.word(idx, 0)&0x07FFFFFF)|(uint32(n&0b11111)<<27))
}

func (c *ContextArray) SetRootHubPort(idx int, n uint8) {
	c.setWord(idx, 1, (c.word(idx, 1)&0xFF00FFFF)|(uint32(n)<<16))
}

func (c *ContextArray) SetPortNumber(idx int, n uint8) {
	c.setWord(idx, 1, (c.word(idx, 1)&0x00FFFFFF)|(uint32(n)<<24))
}

func (c *ContextArray) DeviceAddress(idx int) uint8 { return uint8(c.word(idx, 3) & 0xFF) }

func (c *ContextArray) SlotState(idx int) uint8 { return uint8(c.word(idx, 3) >> 27) }

// --- Input control context (xhci_context.h's InputControlContext) ---

func (c *ContextArray) SetAddFlag(idx int, n uint8, set bool) {
	v := c.word(idx, 1)
	if set {
		v |= 1 << n
	} else {
		v &^= 1 << n
	}
	c.setWord(idx, 1, v)
}

func (c *ContextArray) SetDropFlag(idx int, n uint8, set bool) {
	v := c.word(idx, 0)
	if set {
		v |= 1 << n
	} else {
		v &^= 1 << n
	}
	c.setWord(idx, 0, v)
}

func (c *ContextArray) SetConfigValue(idx int, v uint8) {
	c.setWord(idx, 7, (c.word(idx, 7)&0xFFFFFF00)|uint32(v))
}

func (c *ContextArray) SetInterfaceNumber(idx int, n uint8) {
	c.setWord(idx, 7, (c.word(idx, 7)&0xFFFF00FF)|(uint32(n)<<8))
}

// --- Endpoint context (xhci_context.h's EndpointContext) ---

func (c *ContextArray) SetInterval(idx int, interval uint8) {
	c.setWord(idx, 0, (c.word(idx, 0)&0xFF00FFFF)|(uint32(interval)<<16))
}

func (c *ContextArray) Interval(idx int) uint8 { return uint8(c.word(idx, 0) >> 16) }

func (c *ContextArray) SetErrorCount(idx int, count uint8) {
	c.setWord(idx, 1, (c.word(idx, 1)&^uint32(0b110))|(uint32(count&0b11)<<1))
}

func (c *ContextArray) EndpointType(idx int) EndpointType {
	return EndpointType(c.word(idx, 1) >> 3 & 0b111)
}

func (c *ContextArray) SetEndpointType(idx int, t EndpointType) {
	c.setWord(idx, 1, (c.word(idx, 1)&^uint32(0b111000))|(uint32(t)<<3))
}

func (c *ContextArray) EndpointState(idx int) uint8 { return uint8(c.word(idx, 0) & 0b111) }

func (c *ContextArray) SetMaxPacketSize(idx int, size uint16) {
	c.setWord(idx, 1, (c.word(idx, 1)&0xFFFF)|(uint32(size)<<16))
}

func (c *ContextArray) SetDequeuePtr(idx int, ptr uint64, cycle bool) {
	c.setWord(idx, 3, uint32(ptr>>32))
	low := uint32(ptr & 0xFFFFFFFF)
	if cycle {
		low |= 1
	}
	c.setWord(idx, 2, low)
}

func (c *ContextArray) SetAvgTRBLength(idx int, length uint16) {
	c.setWord(idx, 4, (c.word(idx, 4)&0xFFFF0000)|uint32(length))
}
