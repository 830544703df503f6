// Package paging builds a 4-level x86-64 identity-style mapping tree
// (PML4/PDPT/PD/PT) out of a guest's present layout entries, choosing the
// largest aligned page size that fits each region and widening permissions
// on overlap instead of rejecting it, except where a huge page has already
// committed a region to a single leaf.
package paging

import (
	"errors"
	"fmt"

	"github.com/nelsongillo/bmvm/internal/align"
	"github.com/nelsongillo/bmvm/internal/layout"
)

const (
	entriesPerTable = 512
	entrySize       = 8
	tableBytes      = entriesPerTable * entrySize

	flagPresent = 1 << 0
	flagWrite   = 1 << 1
	flagUser    = 1 << 2
	flagHuge    = 1 << 7
	flagNX      = 1 << 63

	addrMask = 0x000F_FFFF_FFFF_F000
)

var (
	// ErrNoRegionForAddr is returned when a physical address falls outside
	// every region the arena has allocated so far.
	ErrNoRegionForAddr = errors.New("paging: no region backs the requested physical address")
	// ErrIndexOutOfBounds is returned for a table index outside [0, 512).
	ErrIndexOutOfBounds = errors.New("paging: table index out of bounds")
	// ErrOverlapping is returned when a smaller mapping is requested over an
	// already-huge leaf entry.
	ErrOverlapping = errors.New("paging: requested mapping overlaps an existing huge page")
)

// region is one growable host-backed chunk of the paging arena.
type region struct {
	physBase uint64
	bytes    []byte
}

// Builder accumulates the page table tree as regions are allocated and
// entries written. allocTable returns the guest-physical address of a
// freshly zeroed table; MapLayout returns the layout entries describing
// every region the builder has allocated, for the caller to fold into the
// overall layout table and map into the guest.
type Builder struct {
	regions    []region
	consumed   map[int]uint64 // region index -> bytes already handed out by allocTable
	nextAlloc  uint64         // next guest-physical address the arena will hand out
	pml4       uint64
	pageBudget uint64 // bytes per growth step
}

// New creates a paging builder whose arena starts at base (the guest
// physical address of the PML4, which is always allocated first) and grows
// in units of pageBudget bytes (rounded up to a table-sized multiple).
func New(base uint64, pageBudget uint64) (*Builder, error) {
	if !align.IsAligned(base, align.Page4K) {
		return nil, fmt.Errorf("paging: base 0x%x is not 4 KiB aligned", base)
	}
	if pageBudget == 0 {
		pageBudget = tableBytes * 16
	}
	b := &Builder{
		consumed:   make(map[int]uint64),
		nextAlloc:  base,
		pageBudget: align.Ceil(pageBudget, tableBytes),
	}
	pml4, err := b.allocTable()
	if err != nil {
		return nil, err
	}
	b.pml4 = pml4
	return b, nil
}

// Root returns the guest-physical address of the PML4 (CR3 value).
func (b *Builder) Root() uint64 { return b.pml4 }

// allocTable grows the arena by one table-sized slot, creating a new
// host-backed region if the current one is exhausted.
func (b *Builder) allocTable() (uint64, error) {
	if len(b.regions) == 0 || b.regionRemaining(len(b.regions)-1) < tableBytes {
		b.regions = append(b.regions, region{
			physBase: b.nextAlloc,
			bytes:    make([]byte, b.pageBudget),
		})
		b.nextAlloc += b.pageBudget
	}
	idx := len(b.regions) - 1
	r := &b.regions[idx]
	offset := r.physBase + b.consumed[idx]
	b.consumed[idx] += tableBytes
	return offset, nil
}

// regionRemaining reports how many unconsumed bytes remain in region idx.
func (b *Builder) regionRemaining(idx int) uint64 {
	r := &b.regions[idx]
	return uint64(len(r.bytes)) - b.consumed[idx]
}

// tableAt locates the host bytes backing the table at guest physical
// address phys.
func (b *Builder) tableAt(phys uint64) ([]byte, error) {
	for _, r := range b.regions {
		if phys >= r.physBase && phys+tableBytes <= r.physBase+uint64(len(r.bytes)) {
			off := phys - r.physBase
			return r.bytes[off : off+tableBytes], nil
		}
	}
	return nil, fmt.Errorf("%w: 0x%x", ErrNoRegionForAddr, phys)
}

func readEntry(table []byte, index int) (uint64, error) {
	if index < 0 || index >= entriesPerTable {
		return 0, ErrIndexOutOfBounds
	}
	v := uint64(0)
	for i := 0; i < 8; i++ {
		v |= uint64(table[index*entrySize+i]) << (8 * i)
	}
	return v, nil
}

func writeEntry(table []byte, index int, v uint64) error {
	if index < 0 || index >= entriesPerTable {
		return ErrIndexOutOfBounds
	}
	for i := 0; i < 8; i++ {
		table[index*entrySize+i] = byte(v >> (8 * i))
	}
	return nil
}

func tableIndex(vaddr uint64, level int) int {
	shift := uint(12 + 9*level)
	return int((vaddr >> shift) & 0x1FF)
}

// mapRegion maps [vaddr, vaddr+size) -> [phys, phys+size) choosing the
// largest aligned page size at each step.
func (b *Builder) mapRegion(vaddr, phys, size uint64, flags layout.EntryFlags) error {
	end := vaddr + size
	for vaddr < end {
		remaining := end - vaddr
		switch {
		case align.IsAligned(vaddr, align.Page1G) && align.IsAligned(phys, align.Page1G) && remaining >= align.Page1G:
			// Leaf written into the PDPT table (level 2: PML4=3, PDPT=2, PD=1, PT=0).
			if err := b.writeLeaf(2, vaddr, phys, flags, true); err != nil {
				return err
			}
			vaddr += align.Page1G
			phys += align.Page1G
		case align.IsAligned(vaddr, align.Page2M) && align.IsAligned(phys, align.Page2M) && remaining >= align.Page2M:
			// Leaf written into the PD table.
			if err := b.writeLeaf(1, vaddr, phys, flags, true); err != nil {
				return err
			}
			vaddr += align.Page2M
			phys += align.Page2M
		default:
			// Leaf written into the PT table.
			if err := b.writeLeaf(0, vaddr, phys, flags, false); err != nil {
				return err
			}
			vaddr += align.Page4K
			phys += align.Page4K
		}
	}
	return nil
}

// writeLeaf walks from the PML4 (level 3) down to leafLevel, creating
// intermediate tables as needed and widening permissions on collision.
// Levels: 3=PML4, 2=PDPT (huge leaf = 1GiB), 1=PD (huge leaf = 2MiB),
// 0=PT (leaf = 4KiB, never huge).
func (b *Builder) writeLeaf(leafLevel int, vaddr, phys uint64, flags layout.EntryFlags, huge bool) error {
	tablePhys := b.pml4
	for level := 3; level > leafLevel; level-- {
		table, err := b.tableAt(tablePhys)
		if err != nil {
			return err
		}
		idx := tableIndex(vaddr, level)
		entry, err := readEntry(table, idx)
		if err != nil {
			return err
		}
		if entry&flagPresent == 0 {
			child, err := b.allocTable()
			if err != nil {
				return err
			}
			newEntry := (child & addrMask) | flagPresent | flagWrite
			if err := writeEntry(table, idx, newEntry); err != nil {
				return err
			}
			tablePhys = child
			continue
		}
		if entry&flagHuge != 0 {
			return fmt.Errorf("%w: 0x%x", ErrOverlapping, vaddr)
		}
		// Widen permissions toward the union and descend.
		if flags.Write {
			entry |= flagWrite
		}
		if err := writeEntry(table, idx, entry); err != nil {
			return err
		}
		tablePhys = entry & addrMask
	}

	table, err := b.tableAt(tablePhys)
	if err != nil {
		return err
	}
	idx := tableIndex(vaddr, leafLevel)
	existing, err := readEntry(table, idx)
	if err != nil {
		return err
	}
	if existing&flagPresent != 0 {
		if (existing&flagHuge != 0) != huge {
			return fmt.Errorf("%w: 0x%x", ErrOverlapping, vaddr)
		}
	}

	entry := (phys & addrMask) | flagPresent
	if flags.Write {
		entry |= flagWrite
	}
	if !flags.Code {
		entry |= flagNX
	}
	if huge {
		entry |= flagHuge
	}
	if existing&flagPresent != 0 {
		// Widen toward the union of the old and new leaf permissions.
		entry |= existing & flagWrite
		if existing&flagNX == 0 {
			entry &^= flagNX
		}
	}
	return writeEntry(table, idx, entry)
}

// MapLayout maps every present entry in entries into the paging tree, then
// re-walks to map the paging regions' own backing memory until a fixed
// point is reached (no new paging region was added by the last pass), and
// returns the layout entries describing those paging regions.
func MapLayout(b *Builder, entries []layout.LayoutEntry) ([]layout.LayoutEntry, error) {
	for _, e := range entries {
		if err := b.mapRegion(e.Addr, e.Addr, uint64(e.Pages)*align.Page4K, e.Flags); err != nil {
			return nil, err
		}
	}

	var pagingEntries []layout.LayoutEntry
	mapped := 0
	for {
		pagingEntries = b.regionEntries()
		if len(pagingEntries) == mapped {
			break
		}
		for _, e := range pagingEntries[mapped:] {
			if err := b.mapRegion(e.Addr, e.Addr, uint64(e.Pages)*align.Page4K, e.Flags); err != nil {
				return nil, err
			}
		}
		mapped = len(pagingEntries)
	}
	return pagingEntries, nil
}

// Bytes returns the host-backed byte slice for region idx (in allocation
// order, the same order regionEntries/MapLayout report) along with its
// guest-physical base address, so a caller can copy the built tree into
// real guest memory.
func (b *Builder) Bytes(idx int) (physBase uint64, data []byte, ok bool) {
	if idx < 0 || idx >= len(b.regions) {
		return 0, nil, false
	}
	r := &b.regions[idx]
	return r.physBase, r.bytes, true
}

// NumRegions reports how many host-backed regions the arena has allocated.
func (b *Builder) NumRegions() int { return len(b.regions) }

// regionEntries describes each allocated paging region as an identity-mapped
// system layout entry: read-only and non-executable, since the guest must
// never be able to write its own page tables.
func (b *Builder) regionEntries() []layout.LayoutEntry {
	out := make([]layout.LayoutEntry, 0, len(b.regions))
	for _, r := range b.regions {
		pages := uint32(align.Ceil(uint64(len(r.bytes)), align.Page4K) / align.Page4K)
		e, err := layout.NewLayoutEntry(r.physBase, pages, layout.EntryFlags{System: true})
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}
