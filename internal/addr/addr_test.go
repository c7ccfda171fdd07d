package addr

import "testing"

func TestAlignUpDown(t *testing.T) {
	cases := []struct {
		v, align, up, down uintptr
	}{
		{0, PageSize, 0, 0},
		{1, PageSize, PageSize, 0},
		{PageSize, PageSize, PageSize, PageSize},
		{PageSize + 1, PageSize, 2 * PageSize, PageSize},
	}
	for _, c := range cases {
		if got := AlignUp(PhysAddr(c.v), c.align); got != PhysAddr(c.up) {
			t.Errorf("AlignUp(%#x, %#x) = %#x, want %#x", c.v, c.align, got, c.up)
		}
		if got := AlignDown(PhysAddr(c.v), c.align); got != PhysAddr(c.down) {
			t.Errorf("AlignDown(%#x, %#x) = %#x, want %#x", c.v, c.align, got, c.down)
		}
	}
}

func TestPhysRegionOverlapAndContains(t *testing.T) {
	a := PhysRegion{Start: 0x1000, Size: 0x2000} // [0x1000, 0x3000)
	b := PhysRegion{Start: 0x2000, Size: 0x2000} // [0x2000, 0x4000)
	c := PhysRegion{Start: 0x4000, Size: 0x1000} // [0x4000, 0x5000)

	if !a.Overlaps(b) {
		t.Error("expected a and b to overlap")
	}
	if a.Overlaps(c) {
		t.Error("expected a and c to not overlap")
	}
	if !a.Contains(0x1500) {
		t.Error("expected a to contain 0x1500")
	}
	if a.Contains(0x3000) {
		t.Error("region end is exclusive, 0x3000 should not be contained")
	}

	inter, ok := a.Intersection(b)
	if !ok {
		t.Fatal("expected an intersection")
	}
	want := PhysRegion{Start: 0x2000, Size: 0x1000}
	if inter != want {
		t.Errorf("Intersection = %+v, want %+v", inter, want)
	}

	if _, ok := a.Intersection(c); ok {
		t.Error("expected no intersection between a and c")
	}
}

func TestUserRegionWithinMax(t *testing.T) {
	ok := UserRegion{Start: 0x1000, Size: PageSize}
	if !ok.WithinMax() {
		t.Error("expected small low region to be within max")
	}

	bad := UserRegion{Start: UserAddr(VAStart) - PageSize/2, Size: PageSize}
	if bad.WithinMax() {
		t.Error("expected region crossing VAStart to exceed UserAddrMax")
	}
}

func TestIdentityWindow(t *testing.T) {
	p := PhysAddr(0x4000_0000)
	v := p.ToIdent()
	if v != VAIdentOffset.Add(uintptr(p)) {
		t.Errorf("ToIdent() = %v, want %v", v, VAIdentOffset.Add(uintptr(p)))
	}
}
