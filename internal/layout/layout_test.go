package layout

import "testing"

func TestPackUnpackRoundTrip(t *testing.T) {
	e, err := NewLayoutEntry(0x400000, 12, EntryFlags{Code: true, Access: AccessPrivate})
	if err != nil {
		t.Fatalf("NewLayoutEntry: %v", err)
	}
	got := unpackEntry(e.Pack())
	if got != e {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestNewLayoutEntryRejectsUnaligned(t *testing.T) {
	if _, err := NewLayoutEntry(0x401000-1, 1, EntryFlags{}); err == nil {
		t.Fatalf("expected error for unaligned address")
	}
}

func TestNewLayoutEntryRejectsZeroPages(t *testing.T) {
	if _, err := NewLayoutEntry(0x1000, 0, EntryFlags{}); err == nil {
		t.Fatalf("expected error for zero pages")
	}
}

func TestNewLayoutEntryRejectsOversizedPages(t *testing.T) {
	if _, err := NewLayoutEntry(0x1000, maxPages+1, EntryFlags{}); err == nil {
		t.Fatalf("expected error for page count overflowing the 20-bit field")
	}
}

func TestLayoutTableRejectsCodeAndWrite(t *testing.T) {
	e, _ := NewLayoutEntry(0x1000, 1, EntryFlags{Code: true, Write: true})
	if _, err := NewLayoutTable([]LayoutEntry{e}); err == nil {
		t.Fatalf("expected error for an entry marked both code and write")
	}
}

func TestLayoutTableRejectsMultipleSharedOwned(t *testing.T) {
	a, _ := NewLayoutEntry(0x1000, 1, EntryFlags{Access: AccessSharedOwned})
	b, _ := NewLayoutEntry(0x2000, 1, EntryFlags{Access: AccessSharedOwned})
	if _, err := NewLayoutTable([]LayoutEntry{a, b}); err == nil {
		t.Fatalf("expected error for two shared-owned entries")
	}
}

func TestLayoutTableRejectsMultipleStacks(t *testing.T) {
	a, _ := NewLayoutEntry(0x1000, 1, EntryFlags{Stack: true})
	b, _ := NewLayoutEntry(0x2000, 1, EntryFlags{Stack: true})
	if _, err := NewLayoutTable([]LayoutEntry{a, b}); err == nil {
		t.Fatalf("expected error for two stack entries")
	}
}

func TestMarshalParseRoundTrip(t *testing.T) {
	a, _ := NewLayoutEntry(0x400000, 10, EntryFlags{Code: true})
	b, _ := NewLayoutEntry(0x500000, 4, EntryFlags{Write: true})
	tbl, err := NewLayoutTable([]LayoutEntry{a, b})
	if err != nil {
		t.Fatalf("NewLayoutTable: %v", err)
	}

	buf := tbl.Marshal()
	if len(buf) != MaxEntries*EntrySize {
		t.Fatalf("marshaled size = %d, want %d", len(buf), MaxEntries*EntrySize)
	}

	parsed, err := ParseLayoutTable(buf)
	if err != nil {
		t.Fatalf("ParseLayoutTable: %v", err)
	}
	if parsed.Len() != 2 {
		t.Fatalf("parsed.Len() = %d, want 2", parsed.Len())
	}

	var got []LayoutEntry
	for e := range parsed.Present() {
		got = append(got, e)
	}
	if len(got) != 2 || got[0].Addr != a.Addr || got[1].Addr != b.Addr {
		t.Fatalf("Present() yielded %+v", got)
	}
}

func TestParseLayoutTableRejectsShortBuffer(t *testing.T) {
	if _, err := ParseLayoutTable(make([]byte, 10)); err == nil {
		t.Fatalf("expected error for undersized buffer")
	}
}

func TestPresentStopsAtFirstNonPresentEntry(t *testing.T) {
	a, _ := NewLayoutEntry(0x1000, 1, EntryFlags{})
	tbl, err := NewLayoutTable([]LayoutEntry{a})
	if err != nil {
		t.Fatalf("NewLayoutTable: %v", err)
	}
	n := 0
	for range tbl.Present() {
		n++
	}
	if n != 1 {
		t.Fatalf("Present() yielded %d entries, want 1", n)
	}
}
