package gentimer

import "testing"

// fakeRegisters is an in-memory model of the counter/compare pair for
// tests, since the real system registers don't exist on the host.
type fakeRegisters struct {
	ctl   uint32
	cval  uint64
	count uint64
	freq  uint32
}

func (f *fakeRegisters) readCtl() uint32     { return f.ctl }
func (f *fakeRegisters) writeCtl(v uint32)   { f.ctl = v }
func (f *fakeRegisters) readCval() uint64    { return f.cval }
func (f *fakeRegisters) writeCval(v uint64)  { f.cval = v }
func (f *fakeRegisters) readCounter() uint64 { return f.count }
func (f *fakeRegisters) readFrequency() uint32 { return f.freq }

func withFakeRegisters(t *testing.T, freq uint32) *fakeRegisters {
	t.Helper()
	fr := &fakeRegisters{freq: freq}
	restore := SetRegisterFactoryForTest(func() registers { return fr })
	t.Cleanup(restore)
	return fr
}

func TestNewMasksTimer(t *testing.T) {
	fr := withFakeRegisters(t, 1_000_000)
	New()
	if fr.ctl&ctlIMask == 0 {
		t.Fatal("expected timer to start masked")
	}
}

func TestFrequencyFallsBackToDefault(t *testing.T) {
	withFakeRegisters(t, 0)
	timer := New()
	if timer.FrequencyHz() != defaultFrequencyHz {
		t.Fatalf("FrequencyHz() = %d, want %d", timer.FrequencyHz(), defaultFrequencyHz)
	}
}

func TestFrequencyUsesRegisterWhenSet(t *testing.T) {
	withFakeRegisters(t, 24_000_000)
	timer := New()
	if timer.FrequencyHz() != 24_000_000 {
		t.Fatalf("FrequencyHz() = %d, want 24000000", timer.FrequencyHz())
	}
}

func TestArmAfterProgramsCompareAndEnables(t *testing.T) {
	fr := withFakeRegisters(t, 1_000_000)
	fr.count = 500
	timer := New()
	timer.ArmAfter(100)
	if fr.cval != 600 {
		t.Fatalf("cval = %d, want 600", fr.cval)
	}
	if fr.ctl&ctlEnable == 0 {
		t.Fatal("expected timer enabled after ArmAfter")
	}
}

func TestDisableMasksTimer(t *testing.T) {
	fr := withFakeRegisters(t, 1_000_000)
	timer := New()
	timer.ArmAfter(10)
	timer.Disable()
	if fr.ctl&ctlIMask == 0 {
		t.Fatal("expected timer masked after Disable")
	}
}
