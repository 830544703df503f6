package paging

import (
	"testing"

	"github.com/nelsongillo/bmvm/internal/align"
	"github.com/nelsongillo/bmvm/internal/layout"
)

// readLeafEntry walks the tree from the PML4 down, stopping as soon as it
// hits a huge leaf, or at the PT (level 0) entry otherwise.
func readLeafEntry(t *testing.T, b *Builder, vaddr uint64) uint64 {
	t.Helper()
	tablePhys := b.pml4
	for level := 3; level >= 0; level-- {
		table, err := b.tableAt(tablePhys)
		if err != nil {
			t.Fatalf("tableAt: %v", err)
		}
		idx := tableIndex(vaddr, level)
		entry, err := readEntry(table, idx)
		if err != nil {
			t.Fatalf("readEntry: %v", err)
		}
		if entry&flagPresent == 0 {
			return entry
		}
		if entry&flagHuge != 0 || level == 0 {
			return entry
		}
		tablePhys = entry & addrMask
	}
	t.Fatalf("unreachable")
	return 0
}

func TestMap4KPage(t *testing.T) {
	b, err := New(0x1000, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e, err := layout.NewLayoutEntry(0x400000, 1, layout.EntryFlags{Code: true})
	if err != nil {
		t.Fatalf("NewLayoutEntry: %v", err)
	}
	if _, err := MapLayout(b, []layout.LayoutEntry{e}); err != nil {
		t.Fatalf("MapLayout: %v", err)
	}

	entry := readLeafEntry(t, b, 0x400000)
	if entry&flagPresent == 0 {
		t.Fatalf("expected mapping to be present")
	}
	if entry&flagHuge != 0 {
		t.Fatalf("4 KiB region should not produce a huge leaf")
	}
	if entry&flagWrite != 0 {
		t.Fatalf("code region must not be writable")
	}
	if entry&flagNX != 0 {
		t.Fatalf("code region must not be marked NX")
	}
	if entry&addrMask != 0x400000 {
		t.Fatalf("leaf phys = 0x%x, want 0x400000", entry&addrMask)
	}
}

func TestMap1GiBHugePage(t *testing.T) {
	b, err := New(0x1000, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e, err := layout.NewLayoutEntry(align.Page1G, uint32(align.Page1G/align.Page4K), layout.EntryFlags{Write: true})
	if err != nil {
		t.Fatalf("NewLayoutEntry: %v", err)
	}
	if _, err := MapLayout(b, []layout.LayoutEntry{e}); err != nil {
		t.Fatalf("MapLayout: %v", err)
	}

	entry := readLeafEntry(t, b, align.Page1G)
	if entry&flagHuge == 0 {
		t.Fatalf("expected a huge (1 GiB) leaf")
	}
	if entry&flagWrite == 0 {
		t.Fatalf("expected the writable region to set the write bit")
	}
}

func TestOverlappingHugeRejected(t *testing.T) {
	b, err := New(0x1000, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	huge, _ := layout.NewLayoutEntry(align.Page1G, uint32(align.Page1G/align.Page4K), layout.EntryFlags{Write: true})
	if _, err := MapLayout(b, []layout.LayoutEntry{huge}); err != nil {
		t.Fatalf("MapLayout (huge): %v", err)
	}

	small, _ := layout.NewLayoutEntry(align.Page1G, 1, layout.EntryFlags{})
	if _, err := MapLayout(b, []layout.LayoutEntry{small}); err == nil {
		t.Fatalf("expected ErrOverlapping when remapping inside an existing huge page")
	}
}

func TestMapLayoutConverges(t *testing.T) {
	b, err := New(0x1000, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e, err := layout.NewLayoutEntry(0x400000, 9, layout.EntryFlags{Code: true})
	if err != nil {
		t.Fatalf("NewLayoutEntry: %v", err)
	}
	pagingEntries, err := MapLayout(b, []layout.LayoutEntry{e})
	if err != nil {
		t.Fatalf("MapLayout: %v", err)
	}
	if len(pagingEntries) == 0 {
		t.Fatalf("expected at least one paging region entry")
	}
	for _, pe := range pagingEntries {
		entry := readLeafEntry(t, b, pe.Addr)
		if entry&flagPresent == 0 {
			t.Fatalf("paging region at 0x%x was not mapped into its own address space", pe.Addr)
		}
	}
}

func TestNewRejectsUnalignedBase(t *testing.T) {
	if _, err := New(0x1001, 0); err == nil {
		t.Fatalf("expected error for unaligned base")
	}
}
