package boot

import (
	"testing"

	"github.com/bekos-project/bekos/internal/arch"
)

func TestComputeTCRIncludesPARangeFromIDAA64MMFR0(t *testing.T) {
	arch.SetIDAA64MMFR0ForTest(0x5) // PARange = 0b0101 (48-bit)
	defer arch.SetIDAA64MMFR0ForTest(0)

	tcr := ComputeTCR()

	if got := tcr >> tcrIPSShift & mmfr0PARangeMask; got != 0x5 {
		t.Errorf("IPS field = %#x, want 0x5", got)
	}
	if got := tcr & 0x3F; got != tcrT0SZ {
		t.Errorf("T0SZ field = %#x, want %#x", got, tcrT0SZ)
	}
	if got := (tcr >> 16) & 0x3F; got != tcrT1SZ>>16 {
		t.Errorf("T1SZ field = %#x, want %#x", got, tcrT1SZ>>16)
	}
}
