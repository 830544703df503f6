// Package bootstrap assembles the temporary system region every guest
// starts with: the memory layout table, a flat GDT, an empty IDT stub, and
// the page table tree built by internal/paging, all identity-mapped into
// guest-physical memory at a fixed base address.
package bootstrap

import (
	"encoding/binary"
	"fmt"

	"github.com/nelsongillo/bmvm/internal/align"
	"github.com/nelsongillo/bmvm/internal/layout"
	"github.com/nelsongillo/bmvm/internal/paging"
)

const (
	// LayoutTableOffset is the offset of the memory layout table within the
	// system region.
	LayoutTableOffset = 0x0000
	// GDTOffset is the offset of the temporary GDT.
	GDTOffset = 0x1000
	// IDTOffset is the offset of the temporary IDT.
	IDTOffset = 0x2000
	// PagingOffset is the offset of the first paging-tree region.
	PagingOffset = 0x3000

	// gdtNull, gdtCode, gdtData are the three flat descriptors this runtime
	// programs: a null selector, a 64-bit code segment, and a data segment.
	gdtNull = 0x0000_0000_0000_0000
	gdtCode = 0x00AF_9A00_0000_FFFF
	gdtData = 0x00CF_9200_0000_FFFF

	// CodeSelector and DataSelector are the GDT selector values corresponding
	// to gdtCode/gdtData at their fixed slot indices.
	CodeSelector = 0x08
	DataSelector = 0x10

	// GDTSize and IDTSize are the descriptor-table byte limits (size - 1)
	// programmed into sregs.GDT.Limit / sregs.IDT.Limit.
	GDTSize = 3*8 - 1
	IDTSize = 0
)

// Image is the fully assembled system region: its guest-physical base and
// page tables, plus the layout entries describing every region (the
// caller-supplied entries and the paging tree's own regions) for inclusion
// in the final memory layout table.
type Image struct {
	Base    uint64
	Root    uint64 // CR3 value
	Entries []layout.LayoutEntry
}

// Build assembles the system region at base, given the full set of present
// layout entries for guest content (code/data/stack, already placed by the
// caller), and hands every assembled region to write rather than writing
// guest memory itself.
//
// pageBudget bounds how many bytes the paging arena grows by per step; 0
// selects a sensible default. write is called once per assembled region
// (layout table, GDT, IDT, and every paging-tree region) with its
// guest-physical address and bytes, so the caller can copy them into real
// VM memory without this package depending on any particular VM type.
func Build(base uint64, content []layout.LayoutEntry, pageBudget uint64, write func(addr uint64, data []byte) error) (*Image, error) {
	if !align.IsAligned(base, align.Page4K) {
		return nil, fmt.Errorf("bootstrap: base 0x%x is not 4 KiB aligned", base)
	}

	gdt := encodeGDT()
	if err := write(base+GDTOffset, gdt); err != nil {
		return nil, fmt.Errorf("bootstrap: write GDT: %w", err)
	}
	// The IDT stub is empty: zero it explicitly rather than relying on the
	// backing memory already being zero, since callers may reuse buffers.
	if err := write(base+IDTOffset, make([]byte, align.Page4K)); err != nil {
		return nil, fmt.Errorf("bootstrap: write IDT: %w", err)
	}

	builder, err := paging.New(base+PagingOffset, pageBudget)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: paging builder: %w", err)
	}

	pagingEntries, err := paging.MapLayout(builder, content)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: map layout: %w", err)
	}
	// The system region itself (layout table + GDT + IDT + the paging tree's
	// own first region) must also be visible to the guest; feed it back
	// through MapLayout so the fixed-point convergence covers it too.
	sysEntry, err := layout.NewLayoutEntry(base, uint32(PagingOffset/align.Page4K)+1, layout.EntryFlags{System: true})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: system region entry: %w", err)
	}
	// MapLayout always returns the complete, up-to-date set of paging-tree
	// regions, so this second call's result supersedes the first rather than
	// needing to be merged with it.
	pagingEntries, err = paging.MapLayout(builder, []layout.LayoutEntry{sysEntry})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: map system region: %w", err)
	}

	for i := 0; i < builder.NumRegions(); i++ {
		phys, data, ok := builder.Bytes(i)
		if !ok {
			continue
		}
		if err := write(phys, data); err != nil {
			return nil, fmt.Errorf("bootstrap: write paging region %d: %w", i, err)
		}
	}

	all := append(append([]layout.LayoutEntry(nil), content...), pagingEntries...)
	all = append(all, sysEntry)

	table, err := layout.NewLayoutTable(all)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build layout table: %w", err)
	}
	if err := write(base+LayoutTableOffset, table.Marshal()); err != nil {
		return nil, fmt.Errorf("bootstrap: write layout table: %w", err)
	}

	return &Image{Base: base, Root: builder.Root(), Entries: all}, nil
}

func encodeGDT() []byte {
	buf := make([]byte, 3*8)
	binary.LittleEndian.PutUint64(buf[0:8], gdtNull)
	binary.LittleEndian.PutUint64(buf[8:16], gdtCode)
	binary.LittleEndian.PutUint64(buf[16:24], gdtData)
	return buf
}
