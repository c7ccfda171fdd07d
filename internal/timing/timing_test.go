package timing

import (
	"testing"
	"time"
)

// fakeDevice is a deterministic in-memory Device: ticks only advance when
// the test calls Advance, and the frequency is 1 tick per nanosecond so
// duration math in tests is trivial.
type fakeDevice struct {
	freq     uint64
	ticks    uint64
	armed    bool
	armedFor uint64
}

func newFakeDevice() *fakeDevice { return &fakeDevice{freq: 1_000_000_000} }

func (d *fakeDevice) FrequencyHz() uint64 { return d.freq }
func (d *fakeDevice) Ticks() uint64       { return d.ticks }
func (d *fakeDevice) ArmAfter(ticks uint64) {
	d.armed = true
	d.armedFor = d.ticks + ticks
}
func (d *fakeDevice) Disable() { d.armed = false }

func (d *fakeDevice) Advance(n uint64) { d.ticks += n }

func TestScheduleCallbackArmsDeviceForDeadline(t *testing.T) {
	dev := newFakeDevice()
	m := newManager(dev)
	m.ScheduleCallback(100*time.Nanosecond, func() (Action, time.Duration) { return Cancel, 0 })
	if !dev.armed || dev.armedFor != 100 {
		t.Fatalf("armed=%v armedFor=%d, want true, 100", dev.armed, dev.armedFor)
	}
}

func TestExpireCallbacksRunsDueEntriesOnly(t *testing.T) {
	dev := newFakeDevice()
	m := newManager(dev)
	var fired []string
	m.ScheduleCallback(50*time.Nanosecond, func() (Action, time.Duration) {
		fired = append(fired, "early")
		return Cancel, 0
	})
	m.ScheduleCallback(200*time.Nanosecond, func() (Action, time.Duration) {
		fired = append(fired, "late")
		return Cancel, 0
	})
	dev.Advance(100)
	m.expireCallbacks()
	if len(fired) != 1 || fired[0] != "early" {
		t.Fatalf("fired = %v, want [early]", fired)
	}
	if len(m.entries) != 1 {
		t.Fatalf("entries = %d, want 1 remaining", len(m.entries))
	}
}

func TestRescheduleKeepsEntryAlive(t *testing.T) {
	dev := newFakeDevice()
	m := newManager(dev)
	runs := 0
	m.ScheduleCallback(10*time.Nanosecond, func() (Action, time.Duration) {
		runs++
		if runs < 3 {
			return Reschedule, 10 * time.Nanosecond
		}
		return Cancel, 0
	})
	for i := 0; i < 3; i++ {
		dev.Advance(10)
		m.expireCallbacks()
	}
	if runs != 3 {
		t.Fatalf("runs = %d, want 3", runs)
	}
	if len(m.entries) != 0 {
		t.Fatalf("entries = %d, want 0 after final Cancel", len(m.entries))
	}
}

func TestHandleTickDefersWorkOutsideInterruptContext(t *testing.T) {
	dev := newFakeDevice()
	m := newManager(dev)
	ran := false
	m.ScheduleCallback(5*time.Nanosecond, func() (Action, time.Duration) {
		ran = true
		return Cancel, 0
	})
	dev.Advance(5)
	m.HandleTick(30)
	if ran {
		t.Fatal("callback must not run synchronously from HandleTick")
	}
	m.RunDeferredCalls()
	if !ran {
		t.Fatal("callback should have run after RunDeferredCalls")
	}
}

// autoAdvanceDevice advances its counter by one tick on every read, so
// Sleep's busy-wait loop terminates deterministically without needing a
// second goroutine to drive time forward concurrently.
type autoAdvanceDevice struct {
	freq  uint64
	ticks uint64
}

func (d *autoAdvanceDevice) FrequencyHz() uint64   { return d.freq }
func (d *autoAdvanceDevice) Ticks() uint64         { d.ticks++; return d.ticks }
func (d *autoAdvanceDevice) ArmAfter(ticks uint64) {}
func (d *autoAdvanceDevice) Disable()              {}

func TestSleepReturnsOnceDeadlineReached(t *testing.T) {
	dev := &autoAdvanceDevice{freq: 1_000_000_000}
	m := newManager(dev)
	m.Sleep(10 * time.Nanosecond)
	if dev.ticks < 10 {
		t.Fatalf("Sleep returned early at tick %d, want >= 10", dev.ticks)
	}
}

func TestNanosToTicksAndBack(t *testing.T) {
	dev := newFakeDevice()
	m := newManager(dev)
	ticks := m.NanosToTicks(1000)
	if ticks != 1000 {
		t.Fatalf("NanosToTicks(1000) = %d, want 1000 at 1GHz", ticks)
	}
	if m.TicksToNanos(ticks) != 1000 {
		t.Fatalf("TicksToNanos round trip = %d, want 1000", m.TicksToNanos(ticks))
	}
}
