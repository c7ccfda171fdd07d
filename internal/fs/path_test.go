package fs

import (
	"reflect"
	"testing"

	"github.com/bekos-project/bekos/internal/errno"
)

func TestParsePathDiskSpecifier(t *testing.T) {
	p, err := ParsePath("/(disk0)/etc/motd")
	if err != nil {
		t.Fatalf("ParsePath: %v", err)
	}
	if !p.Absolute {
		t.Error("Absolute = false, want true")
	}
	if !p.HasDisk || p.DiskSpecifier != "disk0" {
		t.Errorf("DiskSpecifier = %q (has=%v), want disk0", p.DiskSpecifier, p.HasDisk)
	}
	if want := []string{"etc", "motd"}; !reflect.DeepEqual(p.Segments, want) {
		t.Errorf("Segments = %v, want %v", p.Segments, want)
	}
}

func TestParsePathUnclosedDiskSpecifierIsEINVAL(t *testing.T) {
	if _, err := ParsePath("/(disk0/etc"); err != errno.EINVAL {
		t.Errorf("err = %v, want EINVAL", err)
	}
}

func TestParsePathRelative(t *testing.T) {
	p, err := ParsePath("etc/motd")
	if err != nil {
		t.Fatalf("ParsePath: %v", err)
	}
	if p.Absolute {
		t.Error("Absolute = true, want false")
	}
	if want := []string{"etc", "motd"}; !reflect.DeepEqual(p.Segments, want) {
		t.Errorf("Segments = %v, want %v", p.Segments, want)
	}
}

func TestParsePathCollapsesRepeatedSlashes(t *testing.T) {
	p, err := ParsePath("/a//b/")
	if err != nil {
		t.Fatalf("ParsePath: %v", err)
	}
	if want := []string{"a", "b"}; !reflect.DeepEqual(p.Segments, want) {
		t.Errorf("Segments = %v, want %v", p.Segments, want)
	}
}

func TestParsePathDotAndDotDotAreOrdinarySegments(t *testing.T) {
	p, err := ParsePath("../a/./b")
	if err != nil {
		t.Fatalf("ParsePath: %v", err)
	}
	if want := []string{"..", "a", ".", "b"}; !reflect.DeepEqual(p.Segments, want) {
		t.Errorf("Segments = %v, want %v", p.Segments, want)
	}
}
