package addr

import "testing"

func TestRoundTrip(t *testing.T) {
	for _, width := range []Width{39, 40, 48, 52} {
		for _, raw := range []uint64{0, 0x1000, 0x400000, uint64(1) << (width - 2)} {
			pa, err := New(width, raw)
			if err != nil {
				t.Fatalf("New(%d, 0x%x): %v", width, raw, err)
			}
			v := pa.AsVirtAddr()
			got := VirtToPhys(width, v)
			if got != raw {
				t.Fatalf("width=%d raw=0x%x: round trip got 0x%x", width, raw, got)
			}
		}
	}
}

func TestRejectsOutOfRangeBits(t *testing.T) {
	if _, err := New(39, uint64(1)<<40); err == nil {
		t.Fatalf("expected error for address exceeding width")
	}
}

func TestNewTruncate(t *testing.T) {
	got := NewTruncate(4, 0xFF)
	if got.Uint64() != 0x0F {
		t.Fatalf("NewTruncate: got 0x%x, want 0x0f", got.Uint64())
	}
}
