// Package fb implements the framebuffer device's userspace protocol
// (spec.md section 6): message-tagged records a process sends through the
// syscall dispatcher's device Message operation to query display info, map
// the framebuffer into its address space, and request a flush. The concrete
// framebuffer driver is out of scope (spec.md section 1); only the wire
// protocol and a fake in-memory device (package fbtest) exist in this core.
// Grounded on original_source/kernel/include/api/protocols/fb.h.
package fb

import "github.com/bekos-project/bekos/internal/bitfield"

// MessageID tags a request sent to a framebuffer device's Message method,
// from fb.h's MessageKind.
type MessageID uint32

const (
	GetDisplayInfo MessageID = iota
	SetDisplayInfo
	MapFramebuffer
	UnmapFramebuffer
	FlushRect
)

// ColourChannel identifies one of the four lanes a ColourFormat packs,
// from fb.h's ColourFormatColour.
type ColourChannel uint8

const (
	ChannelR ColourChannel = iota
	ChannelG
	ChannelB
	ChannelA
	ChannelX // unused/padding lane
)

// ColourFormat packs up to four (channel, bit-width) pairs into a 32-bit
// value, one byte per channel: channel in the low 3 bits, width in the next
// 5, from fb.h's FB_COLOUR_FORMAT_SUBELEMENT/_ELEMENT macros.
type ColourFormat uint32

// colourLane is one packed byte of a ColourFormat: channel in the low 3
// bits, width in the next 5, matching fb.h's
// FB_COLOUR_FORMAT_SUBELEMENT/_ELEMENT macros.
type colourLane struct {
	Channel ColourChannel `bitfield:",3"`
	Width   uint8         `bitfield:",5"`
}

// PackColourFormat builds a ColourFormat from up to four channel/width
// pairs, in byte order 0 (least significant) to 3 (most significant).
// Unused trailing lanes should be {ChannelX, 0}.
func PackColourFormat(lanes [4]struct {
	Channel ColourChannel
	Width   uint8
}) ColourFormat {
	var v uint32
	for i, lane := range lanes {
		sub, err := bitfield.Pack(colourLane{Channel: lane.Channel, Width: lane.Width}, &bitfield.Config{NumBits: 8})
		if err != nil {
			panic(err)
		}
		v |= uint32(sub) << (8 * uint(i))
	}
	return ColourFormat(v)
}

// Lane returns channel i's (channel, width) pair, i in [0,4).
func (f ColourFormat) Lane(i int) (ColourChannel, uint8) {
	var lane colourLane
	if err := bitfield.Unpack(&lane, uint64(f>>(8*uint(i)))&0xFF); err != nil {
		return ChannelX, 0
	}
	return lane.Channel, lane.Width
}

// BitWidth sums every lane's width, from fb.h's colour_format_bit_width.
func (f ColourFormat) BitWidth() uint64 {
	var v uint64
	for i := 0; i < 4; i++ {
		_, w := f.Lane(i)
		v += uint64(w)
	}
	return v
}

// Common formats from fb.h's FB_COLOUR_FORMAT_ENTRY3/4 instantiations.
var (
	FormatR8G8B8   = pack3(ChannelR, ChannelG, ChannelB)
	FormatR8G8B8A8 = pack4(ChannelR, ChannelG, ChannelB, ChannelA)
	FormatR8G8B8X8 = pack4(ChannelR, ChannelG, ChannelB, ChannelX)
	FormatA8R8G8B8 = pack4(ChannelA, ChannelR, ChannelG, ChannelB)
	FormatX8R8G8B8 = pack4(ChannelX, ChannelR, ChannelG, ChannelB)
	FormatB8G8R8A8 = pack4(ChannelB, ChannelG, ChannelR, ChannelA)
	FormatB8G8R8X8 = pack4(ChannelB, ChannelG, ChannelR, ChannelX)
	FormatA8B8G8R8 = pack4(ChannelA, ChannelB, ChannelG, ChannelR)
	FormatX8B8G8R8 = pack4(ChannelX, ChannelB, ChannelG, ChannelR)
)

func pack4(c1, c2, c3, c4 ColourChannel) ColourFormat {
	return PackColourFormat([4]struct {
		Channel ColourChannel
		Width   uint8
	}{{c1, 8}, {c2, 8}, {c3, 8}, {c4, 8}})
}

func pack3(c1, c2, c3 ColourChannel) ColourFormat {
	return PackColourFormat([4]struct {
		Channel ColourChannel
		Width   uint8
	}{{c1, 8}, {c2, 8}, {c3, 8}, {ChannelX, 0}})
}

// DisplayInfo describes the framebuffer's current mode, from fb.h's
// DisplayInfo.
type DisplayInfo struct {
	Height           uint16
	Width            uint16
	ColourFormat     ColourFormat
	IsDoubleBuffered bool
	SupportsFlush    bool
}

// Rect is a pixel rectangle, from fb.h's Rect.
type Rect struct {
	X, Y          uint16
	Height, Width uint16
}

// MapResult is what MapFramebuffer reports back: the region the caller
// should place the returned buffer descriptor at, from fb.h's MapMessage
// (minus the kind tag, which MessageID already carries at the transport
// layer).
type MapResult struct {
	Size        uint64
	PixelWidth  uint16
	PixelHeight uint16
	RowStride   uint16
}
