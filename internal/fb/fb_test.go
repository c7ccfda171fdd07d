package fb

import "testing"

func TestPackColourFormatR8G8B8(t *testing.T) {
	if got := FormatR8G8B8.BitWidth(); got != 24 {
		t.Errorf("R8G8B8.BitWidth() = %d, want 24", got)
	}
}

func TestPackColourFormatR8G8B8A8(t *testing.T) {
	if got := FormatR8G8B8A8.BitWidth(); got != 32 {
		t.Errorf("R8G8B8A8.BitWidth() = %d, want 32", got)
	}
}

func TestColourFormatLaneRoundTrip(t *testing.T) {
	c, w := FormatB8G8R8A8.Lane(0)
	if c != ChannelB || w != 8 {
		t.Errorf("lane 0 = (%v, %d), want (ChannelB, 8)", c, w)
	}
	c, w = FormatB8G8R8A8.Lane(3)
	if c != ChannelA || w != 8 {
		t.Errorf("lane 3 = (%v, %d), want (ChannelA, 8)", c, w)
	}
}

func TestColourFormatUnusedLaneIsZeroWidth(t *testing.T) {
	_, w := FormatR8G8B8.Lane(3)
	if w != 0 {
		t.Errorf("R8G8B8's fourth lane width = %d, want 0", w)
	}
}
