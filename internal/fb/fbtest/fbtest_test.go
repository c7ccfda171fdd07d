package fbtest

import (
	"encoding/binary"
	"testing"

	"github.com/bekos-project/bekos/internal/devregistry"
	"github.com/bekos-project/bekos/internal/errno"
	"github.com/bekos-project/bekos/internal/fb"
)

func TestDeviceImplementsDevregistryHandle(t *testing.T) {
	var _ devregistry.Handle = (*Device)(nil)
}

func TestDeviceIsReachableThroughARegistry(t *testing.T) {
	reg := devregistry.New()
	name := reg.Register("generic.framebuffer", devregistry.ProtocolFramebuffer, New(640, 480, fb.FormatR8G8B8A8))

	entry, err := reg.Get(name)
	if err != nil {
		t.Fatalf("Get(%q): %v", name, err)
	}
	buf := make([]byte, 16)
	n, err := entry.Handle.Message(uint32(fb.GetDisplayInfo), buf)
	if err != nil {
		t.Fatalf("Message(GetDisplayInfo) through registry: %v", err)
	}
	if n != 10 {
		t.Errorf("n = %d, want 10", n)
	}
}

func TestGetDisplayInfo(t *testing.T) {
	d := New(640, 480, fb.FormatR8G8B8A8)
	buf := make([]byte, 16)
	n, err := d.Message(uint32(fb.GetDisplayInfo), buf)
	if err != nil {
		t.Fatalf("Message(GetDisplayInfo): %v", err)
	}
	if n != 10 {
		t.Errorf("n = %d, want 10", n)
	}
	if got := binary.LittleEndian.Uint16(buf[0:]); got != 480 {
		t.Errorf("height = %d, want 480", got)
	}
	if got := binary.LittleEndian.Uint16(buf[2:]); got != 640 {
		t.Errorf("width = %d, want 640", got)
	}
	if buf[9] != 1 {
		t.Error("supports_flush should be true")
	}
}

func TestGetDisplayInfoBufferTooSmall(t *testing.T) {
	d := New(640, 480, fb.FormatR8G8B8A8)
	if _, err := d.Message(uint32(fb.GetDisplayInfo), make([]byte, 2)); err != errno.EINVAL {
		t.Errorf("err = %v, want EINVAL", err)
	}
}

func TestMapFramebufferReportsSizeAndStride(t *testing.T) {
	d := New(320, 240, fb.FormatR8G8B8A8)
	buf := make([]byte, 14)
	n, err := d.Message(uint32(fb.MapFramebuffer), buf)
	if err != nil {
		t.Fatalf("Message(MapFramebuffer): %v", err)
	}
	if n != mapResultWireSize {
		t.Errorf("n = %d, want %d", n, mapResultWireSize)
	}
	wantSize := uint64(320 * 240 * 4)
	if got := binary.LittleEndian.Uint64(buf[0:]); got != wantSize {
		t.Errorf("size = %d, want %d", got, wantSize)
	}
	if got := binary.LittleEndian.Uint16(buf[12:]); got != 320*4 {
		t.Errorf("row_stride = %d, want %d", got, 320*4)
	}
}

func TestFlushRectCountsAndRecordsLastRect(t *testing.T) {
	d := New(100, 100, fb.FormatR8G8B8)
	rectBuf := make([]byte, 8)
	binary.LittleEndian.PutUint16(rectBuf[0:], 1)
	binary.LittleEndian.PutUint16(rectBuf[2:], 2)
	binary.LittleEndian.PutUint16(rectBuf[4:], 3)
	binary.LittleEndian.PutUint16(rectBuf[6:], 4)
	if _, err := d.Message(uint32(fb.FlushRect), rectBuf); err != nil {
		t.Fatalf("Message(FlushRect): %v", err)
	}
	if d.FlushCount() != 1 {
		t.Errorf("FlushCount() = %d, want 1", d.FlushCount())
	}
	want := fb.Rect{X: 1, Y: 2, Height: 3, Width: 4}
	if d.LastFlushRect() != want {
		t.Errorf("LastFlushRect() = %+v, want %+v", d.LastFlushRect(), want)
	}
}

func TestUnknownMessageReturnsENOTSUP(t *testing.T) {
	d := New(1, 1, fb.FormatR8G8B8)
	if _, err := d.Message(99, nil); err != errno.ENOTSUP {
		t.Errorf("err = %v, want ENOTSUP", err)
	}
}
