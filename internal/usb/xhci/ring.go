package xhci

import (
	"encoding/binary"
	"unsafe"

	"github.com/bekos-project/bekos/internal/addr"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/usb/core"
)

// RingSize is the fixed TRB-ring length this driver uses for every
// command, transfer and event ring, from xhci_ring.h's
// ProducerRing/EventRing RING_SIZE.
const RingSize = 128

const trbSize = 16

func readTRB(b []byte) TRB {
	var t TRB
	for i := range t.Data {
		t.Data[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return t
}

func writeTRB(b []byte, t TRB) {
	for i, w := range t.Data {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
}

// bufPhysAddr recovers the physical address of a DMA buffer handed out by
// memmgr.DMAPool.Alloc (or a test fake backing the same identity-window
// convention), the one point this package bridges a []byte back to the
// address hardware must be told, mirroring kheap's sliceAddr.
func bufPhysAddr(buf []byte) addr.PhysAddr {
	if len(buf) == 0 {
		return 0
	}
	return addr.FromIdent(addr.VirtAddr(uintptr(unsafe.Pointer(&buf[0]))))
}

// ProducerRing is a software-owned, hardware-consumed TRB ring: commands
// and transfers the driver pushes run through it, and completions are
// matched back to a stored callback via the TRB pointer the event ring
// reports. From xhci_ring.h's ProducerRing.
type ProducerRing struct {
	ringPhys    addr.PhysAddr
	ring        []byte
	enqueue     int
	currentPCS  bool
	completions [RingSize]func(EventTRB)
}

// NewProducerRing allocates a zeroed command/transfer ring.
func NewProducerRing(pool *DMAPool) (*ProducerRing, error) {
	phys, mem, err := pool.Alloc(RingSize * trbSize)
	if err != nil {
		return nil, err
	}
	return &ProducerRing{ringPhys: phys, ring: mem, currentPCS: true}, nil
}

// DMAPtr is the ring's base physical address, what hardware is told points
// at this ring (CRCR for the command ring, an endpoint context's dequeue
// pointer for a transfer ring).
func (r *ProducerRing) DMAPtr() uint64 { return uint64(r.ringPhys) }

// PushCommand writes trb at the current enqueue index with the ring's
// current cycle bit, records callback against that index, and advances
// the enqueue pointer; once the penultimate slot has been filled it writes a
// Link TRB into the last slot and wraps, per xhci_ring.h's
// ProducerRing::push_command. callback may be nil
// for a TRB that completes silently (the Setup/Data stages of a control
// transfer).
func (r *ProducerRing) PushCommand(trb TRB, callback func(EventTRB)) {
	trb.SetCycle(r.currentPCS)
	r.completions[r.enqueue] = callback
	writeTRB(r.ring[r.enqueue*trbSize:], trb)

	r.enqueue++
	if r.enqueue == RingSize-1 {
		link := TRB{}
		link.SetParameter(uint64(r.ringPhys))
		link.SetType(TRBLink)
		link.Data[3] |= 1 << 1 // Toggle Cycle
		link.SetCycle(r.currentPCS)
		writeTRB(r.ring[r.enqueue*trbSize:], link)
		r.enqueue = 0
		r.currentPCS = !r.currentPCS
	}
}

// ProcessCompletion matches a Command Completion or Transfer Event back to
// the callback stored when its TRB was pushed, from
// ProducerRing::process_completion. A completion for an index with no
// stored callback (already consumed, or hardware reporting on a TRB this
// ring never queued) is silently dropped.
func (r *ProducerRing) ProcessCompletion(event EventTRB) error {
	if event.Kind != TRBCommandCompletion && event.Kind != TRBTransferEvent {
		return errno.EINVAL
	}
	offset := event.TRBPointer - uint64(r.ringPhys)
	index := int(offset / trbSize)
	if index < 0 || index >= RingSize {
		return errno.EINVAL
	}
	cb := r.completions[index]
	r.completions[index] = nil
	if cb != nil {
		cb(event)
	}
	return nil
}

// PushControlTransfer queues a full control transfer (Setup, optional
// Data, Status stages) per xhci_ring.h's
// ProducerRing::push_control_transfer and spec.md section 4.11's transfer
// ring contract: the Status TRB carries IOC and the caller's callback, the
// earlier stages complete silently.
func (r *ProducerRing) PushControlTransfer(packet core.SetupPacket, data []byte, callback func(EventTRB)) {
	dataStage := len(data) > 0
	dataIn := packet.Direction() == core.DirectionIn
	statusIn := len(data) == 0 || packet.Direction() == core.DirectionOut

	r.PushCommand(makeSetupTRB(packet, dataStage), nil)
	if dataStage {
		r.PushCommand(makeDataStageTRB(uint64(bufPhysAddr(data)), len(data), dataIn), nil)
	}
	r.PushCommand(makeStatusTRB(statusIn, callback != nil), callback)
}

// PushTransfer queues a single Normal TRB with IOC for an interrupt or
// bulk endpoint, per spec.md section 4.11.
func (r *ProducerRing) PushTransfer(data []byte, callback func(EventTRB)) {
	control := uint32(1 << 5) // IOC
	r.PushCommand(makeTRB(TRBNormal, uint64(bufPhysAddr(data)), uint32(len(data)), control), callback)
}

// erstEntry is the Event Ring Segment Table entry format, from
// xhci_ring.h's EventRing::ERSTEntry (alignas(64), one segment).
type erstEntry struct {
	baseLow, baseHigh, size, reserved uint32
}

// EventRing is the ring hardware writes completion/notification events
// into; the driver polls it from the consumer side, tracking the dequeue
// index and the cycle state it expects next. From xhci_ring.h's EventRing.
type EventRing struct {
	ringPhys   addr.PhysAddr
	ring       []byte
	erstPhys   addr.PhysAddr
	erst       []byte
	dequeue    int
	currentCCS bool
}

// NewEventRing allocates the event ring and its single-segment ERST.
func NewEventRing(pool *DMAPool) (*EventRing, error) {
	ringPhys, ring, err := pool.Alloc(RingSize * trbSize)
	if err != nil {
		return nil, err
	}
	erstPhys, erst, err := pool.Alloc(uintptr(unsafe.Sizeof(erstEntry{})))
	if err != nil {
		return nil, err
	}
	e := &EventRing{ringPhys: ringPhys, ring: ring, erstPhys: erstPhys, erst: erst, currentCCS: true}
	binary.LittleEndian.PutUint32(erst[0:], uint32(ringPhys))
	binary.LittleEndian.PutUint32(erst[4:], uint32(uint64(ringPhys)>>32))
	binary.LittleEndian.PutUint32(erst[8:], RingSize)
	binary.LittleEndian.PutUint32(erst[12:], 0)
	return e, nil
}

// ERSTPtr is the physical address of the Event Ring Segment Table, for
// ERSTBA.
func (e *EventRing) ERSTPtr() uint64 { return uint64(e.erstPhys) }

// ERSTSize is the number of segments in the table (always 1 here).
func (e *EventRing) ERSTSize() uint32 { return 1 }

// CurrentDequeuePtr is the physical address of the next TRB to be
// consumed, written to ERDP after draining the ring.
func (e *EventRing) CurrentDequeuePtr() uint64 {
	return uint64(e.ringPhys) + uint64(e.dequeue*trbSize)
}

// Process returns the next valid event and advances the dequeue index, or
// reports none waiting. Validity is determined by comparing the TRB's
// cycle bit against the ring's current cycle state, flipping that state
// and wrapping the index at the end of the ring, per EventRing::process.
func (e *EventRing) Process() (EventTRB, bool) {
	trb := readTRB(e.ring[e.dequeue*trbSize:])
	if trb.Cycle() != e.currentCCS {
		return EventTRB{}, false
	}
	e.dequeue++
	if e.dequeue == RingSize {
		e.dequeue = 0
		e.currentCCS = !e.currentCCS
	}
	return DecodeEventTRB(trb), true
}
