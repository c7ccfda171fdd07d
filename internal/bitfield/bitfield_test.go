package bitfield

import "testing"

type sampleFlags struct {
	Allocated  bool   `bitfield:",1"`
	KernelPage bool   `bitfield:",1"`
	Reserved   uint32 `bitfield:",30"`
}

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []sampleFlags{
		{Allocated: false, KernelPage: false, Reserved: 0},
		{Allocated: true, KernelPage: false, Reserved: 0},
		{Allocated: false, KernelPage: true, Reserved: 0},
		{Allocated: true, KernelPage: true, Reserved: 0x3FFFFFFF},
		{Allocated: true, KernelPage: false, Reserved: 0x12345678 & 0x3FFFFFFF},
	}

	for i, want := range cases {
		packed, err := Pack(&want, &Config{NumBits: 32})
		if err != nil {
			t.Fatalf("case %d: Pack: %v", i, err)
		}

		var got sampleFlags
		if err := Unpack(&got, packed); err != nil {
			t.Fatalf("case %d: Unpack: %v", i, err)
		}
		if got != want {
			t.Errorf("case %d: round trip = %+v, want %+v", i, got, want)
		}
	}
}

func TestPackOverflow(t *testing.T) {
	f := sampleFlags{Reserved: 0xFFFFFFFF}
	if _, err := Pack(&f, &Config{NumBits: 32}); err == nil {
		t.Fatal("expected overflow error, got nil")
	}
}

func TestPackFieldOrder(t *testing.T) {
	f := sampleFlags{Allocated: true, KernelPage: true, Reserved: 0}
	packed, err := Pack(&f, nil)
	if err != nil {
		t.Fatal(err)
	}
	if packed != 0x3 {
		t.Errorf("Pack() = %#x, want 0x3 (bit0 and bit1 set)", packed)
	}
}
