package vmi

import (
	"bytes"
	"testing"
	"unsafe"
)

func newTestArena(t *testing.T, size uint64) *Arena {
	t.Helper()
	buf := make([]byte, size)
	base := uintptr(unsafe.Pointer(&buf[0]))
	// Keep buf alive for the lifetime of the test by closing over it.
	t.Cleanup(func() { _ = buf })
	return NewArena(base, size)
}

func TestArenaAllocFreeRoundTrip(t *testing.T) {
	a := newTestArena(t, 4096)

	sb, err := a.Emit([]byte("hello world"))
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	got := a.Bytes(sb.offset, uint64(sb.capacity))
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("Bytes = %q, want %q", got, "hello world")
	}
	if err := a.free(sb.offset, uint64(sb.capacity)); err != nil {
		t.Fatalf("free: %v", err)
	}
}

func TestArenaCoalescesAdjacentFreeRuns(t *testing.T) {
	a := newTestArena(t, 4096)

	o1, err := a.alloc(100)
	if err != nil {
		t.Fatalf("alloc 1: %v", err)
	}
	o2, err := a.alloc(100)
	if err != nil {
		t.Fatalf("alloc 2: %v", err)
	}
	if err := a.free(o1, 100); err != nil {
		t.Fatalf("free 1: %v", err)
	}
	if err := a.free(o2, 100); err != nil {
		t.Fatalf("free 2: %v", err)
	}

	// The whole arena should now be available as a single run again.
	off, err := a.alloc(4096)
	if err != nil {
		t.Fatalf("alloc after coalesce failed, free runs did not merge: %v", err)
	}
	if off != 0 {
		t.Fatalf("expected merged run to start at 0, got %d", off)
	}
}

func TestArenaExhaustion(t *testing.T) {
	a := newTestArena(t, 64)
	if _, err := a.alloc(65); err != ErrArenaFull {
		t.Fatalf("expected ErrArenaFull, got %v", err)
	}
}

func TestArenaValidateRejectsOutOfBounds(t *testing.T) {
	a := newTestArena(t, 64)
	if err := a.validate(60, 8); err == nil {
		t.Fatalf("expected validate to reject a run crossing the arena bound")
	}
	if err := a.validate(0, 64); err != nil {
		t.Fatalf("unexpected error for exact-fit run: %v", err)
	}
}

func TestForeignBufFromTransportRejectsZeroCapacity(t *testing.T) {
	a := newTestArena(t, 64)
	_, err := ForeignBufFromTransport(a, Transport{Primary: 0, Secondary: 0})
	if err == nil {
		t.Fatalf("expected error for zero-capacity buffer transport")
	}
}

func TestForeignBufFromTransportRoundTrip(t *testing.T) {
	a := newTestArena(t, 4096)
	sb, err := a.Emit([]byte("payload"))
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	fb, err := ForeignBufFromTransport(a, SharedBufTransport(sb))
	if err != nil {
		t.Fatalf("ForeignBufFromTransport: %v", err)
	}
	if fb.Capacity() != uint32(len("payload")) {
		t.Fatalf("capacity = %d, want %d", fb.Capacity(), len("payload"))
	}
	if err := fb.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}
