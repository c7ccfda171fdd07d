// Package fbtest provides a fake in-memory framebuffer device that speaks
// internal/fb's protocol: a plain Go byte slice stands in for the pixel
// buffer instead of MMIO. Adapted from the teacher's framebuffer_text.go
// software framebuffer (fbinfo's width/height/pitch/buffer fields). Since
// a concrete framebuffer driver is out of scope, internal/boot registers
// one of these at startup as the machine's only framebuffer, the same way
// internal/fs/memfs stands in for a real filesystem driver; tests exercise
// the same Device directly rather than against a second implementation.
package fbtest

import (
	"encoding/binary"

	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/fb"
)

// Device is a fake framebuffer backed by an in-process pixel buffer. It
// implements devregistry.Handle via Message so it can be registered and
// driven exactly like a real device would be.
type Device struct {
	info      fb.DisplayInfo
	pitch     uint32
	buf       []byte
	mapped    bool
	flushRect fb.Rect
	flushes   int
}

// New creates a fake framebuffer of the given size and format, with one
// pixel 4 bytes wide regardless of ColourFormat's declared bit width (the
// fake never actually interprets pixel bytes, it only accounts for them).
func New(width, height uint16, format fb.ColourFormat) *Device {
	const bytesPerPixel = 4
	pitch := uint32(width) * bytesPerPixel
	return &Device{
		info: fb.DisplayInfo{
			Height:           height,
			Width:            width,
			ColourFormat:     format,
			IsDoubleBuffered: false,
			SupportsFlush:    true,
		},
		pitch: pitch,
		buf:   make([]byte, pitch*uint32(height)),
	}
}

// FlushCount reports how many FlushRect messages this device has served,
// for tests to assert a client actually drove a redraw.
func (d *Device) FlushCount() int { return d.flushes }

// LastFlushRect reports the most recent FlushRect request's rectangle.
func (d *Device) LastFlushRect() fb.Rect { return d.flushRect }

// Message dispatches one framebuffer protocol request. buf's layout per
// message is a minimal little-endian encoding of the corresponding fb.h
// struct (minus its MessageKind tag, since MessageID is already the id
// argument): GetDisplayInfo writes a DisplayInfo into buf, SetDisplayInfo
// reads a little-endian height, width and colour format and reallocates
// the fake's buffer to match, MapFramebuffer writes a MapResult, FlushRect reads a
// Rect.
func (d *Device) Message(id uint32, buf []byte) (int, error) {
	switch fb.MessageID(id) {
	case fb.GetDisplayInfo:
		return d.getDisplayInfo(buf)
	case fb.SetDisplayInfo:
		return d.setDisplayInfo(buf)
	case fb.MapFramebuffer:
		return d.mapFramebuffer(buf)
	case fb.UnmapFramebuffer:
		d.mapped = false
		return 0, nil
	case fb.FlushRect:
		return d.handleFlushRect(buf)
	default:
		return 0, errno.ENOTSUP
	}
}

const displayInfoWireSize = 2 + 2 + 4 + 1 + 1 // height, width, colour_format, is_double_buffered, supports_flush

func (d *Device) getDisplayInfo(buf []byte) (int, error) {
	if len(buf) < displayInfoWireSize {
		return 0, errno.EINVAL
	}
	binary.LittleEndian.PutUint16(buf[0:], d.info.Height)
	binary.LittleEndian.PutUint16(buf[2:], d.info.Width)
	binary.LittleEndian.PutUint32(buf[4:], uint32(d.info.ColourFormat))
	buf[8] = boolByte(d.info.IsDoubleBuffered)
	buf[9] = boolByte(d.info.SupportsFlush)
	return displayInfoWireSize, nil
}

func (d *Device) setDisplayInfo(buf []byte) (int, error) {
	if len(buf) < displayInfoWireSize {
		return 0, errno.EINVAL
	}
	d.info.Height = binary.LittleEndian.Uint16(buf[0:])
	d.info.Width = binary.LittleEndian.Uint16(buf[2:])
	d.info.ColourFormat = fb.ColourFormat(binary.LittleEndian.Uint32(buf[4:]))
	d.pitch = uint32(d.info.Width) * 4
	d.buf = make([]byte, d.pitch*uint32(d.info.Height))
	return displayInfoWireSize, nil
}

const mapResultWireSize = 8 + 2 + 2 + 2 // size, pixel_width, pixel_height, row_stride

func (d *Device) mapFramebuffer(buf []byte) (int, error) {
	if len(buf) < mapResultWireSize {
		return 0, errno.EINVAL
	}
	d.mapped = true
	binary.LittleEndian.PutUint64(buf[0:], uint64(len(d.buf)))
	binary.LittleEndian.PutUint16(buf[8:], d.info.Width)
	binary.LittleEndian.PutUint16(buf[10:], d.info.Height)
	binary.LittleEndian.PutUint16(buf[12:], uint16(d.pitch))
	return mapResultWireSize, nil
}

const rectWireSize = 2 + 2 + 2 + 2

func (d *Device) handleFlushRect(buf []byte) (int, error) {
	if len(buf) < rectWireSize {
		return 0, errno.EINVAL
	}
	d.flushRect = fb.Rect{
		X:      binary.LittleEndian.Uint16(buf[0:]),
		Y:      binary.LittleEndian.Uint16(buf[2:]),
		Height: binary.LittleEndian.Uint16(buf[4:]),
		Width:  binary.LittleEndian.Uint16(buf[6:]),
	}
	d.flushes++
	return rectWireSize, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
