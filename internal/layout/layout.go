// Package layout implements the fixed-size memory layout table shared
// between host and guest: a 512-entry description of every guest-physical
// region (address, length in pages, and permission/role flags), serialized
// identically on both sides of the boundary.
package layout

import (
	"encoding/binary"
	"fmt"
	"iter"
)

const (
	// MaxEntries is the fixed slot count of a layout table.
	MaxEntries = 512
	// EntrySize is the wire size of one packed layout entry.
	EntrySize = 8

	// maxPages is the largest region length a 20-bit page-count field can hold.
	maxPages = (1 << 20) - 1
)

// EntryFlags describes the role and permissions of one layout entry.
type EntryFlags struct {
	Present bool
	System  bool
	Code    bool
	Write   bool
	Access  AccessMode
	Stack   bool
}

// AccessMode distinguishes a data region's sharing discipline.
type AccessMode uint8

const (
	AccessPrivate AccessMode = iota
	AccessSharedOwned
	AccessSharedForeign
)

// LayoutEntry is one decoded 64-bit packed record:
//
//	bit 0       present
//	bit 1       system
//	bit 2       code
//	bit 3       write
//	bits 4-5    data access mode
//	bit 6       stack
//	bits 8-27   length in 4 KiB pages (20 bits)
//	bits 28-63  physical base page number
type LayoutEntry struct {
	Addr  uint64 // guest physical address, 4 KiB aligned
	Pages uint32
	Flags EntryFlags
}

const pageShift = 12

// NewLayoutEntry constructs a LayoutEntry, rejecting an unaligned address,
// zero page count, or a page count that overflows the 20-bit field.
func NewLayoutEntry(addr uint64, pages uint32, flags EntryFlags) (LayoutEntry, error) {
	if addr&((1<<pageShift)-1) != 0 {
		return LayoutEntry{}, fmt.Errorf("layout: addr 0x%x is not 4 KiB aligned", addr)
	}
	if pages == 0 {
		return LayoutEntry{}, fmt.Errorf("layout: pages must be non-zero")
	}
	if pages > maxPages {
		return LayoutEntry{}, fmt.Errorf("layout: pages %d exceeds 20-bit field (max %d)", pages, maxPages)
	}
	flags.Present = true
	return LayoutEntry{Addr: addr, Pages: pages, Flags: flags}, nil
}

// Pack encodes the entry into its 64-bit wire form.
func (e LayoutEntry) Pack() uint64 {
	var v uint64
	if e.Flags.Present {
		v |= 1 << 0
	}
	if e.Flags.System {
		v |= 1 << 1
	}
	if e.Flags.Code {
		v |= 1 << 2
	}
	if e.Flags.Write {
		v |= 1 << 3
	}
	v |= uint64(e.Flags.Access&0b11) << 4
	if e.Flags.Stack {
		v |= 1 << 6
	}
	v |= uint64(e.Pages&maxPages) << 8
	v |= (e.Addr >> pageShift) << 28
	return v
}

// unpackEntry decodes a 64-bit wire value into a LayoutEntry.
func unpackEntry(v uint64) LayoutEntry {
	return LayoutEntry{
		Addr:  (v >> 28) << pageShift,
		Pages: uint32((v >> 8) & maxPages),
		Flags: EntryFlags{
			Present: v&(1<<0) != 0,
			System:  v&(1<<1) != 0,
			Code:    v&(1<<2) != 0,
			Write:   v&(1<<3) != 0,
			Access:  AccessMode((v >> 4) & 0b11),
			Stack:   v&(1<<6) != 0,
		},
	}
}

// LayoutTable is the fixed 512-slot layout table.
type LayoutTable struct {
	entries [MaxEntries]LayoutEntry
	count   int
}

// NewLayoutTable builds a table from a present-entry prefix, erroring if it
// exceeds MaxEntries or violates the documented cross-entry invariants.
func NewLayoutTable(entries []LayoutEntry) (*LayoutTable, error) {
	if len(entries) > MaxEntries {
		return nil, fmt.Errorf("layout: %d entries exceeds the %d-slot table", len(entries), MaxEntries)
	}
	t := &LayoutTable{count: len(entries)}

	sharedOwned, sharedForeign, stacks := 0, 0, 0
	for i, e := range entries {
		if e.Pages == 0 {
			return nil, fmt.Errorf("layout: entry %d has zero length", i)
		}
		if e.Addr&((1<<pageShift)-1) != 0 {
			return nil, fmt.Errorf("layout: entry %d addr 0x%x is not 4 KiB aligned", i, e.Addr)
		}
		if e.Flags.Code && e.Flags.Write {
			return nil, fmt.Errorf("layout: entry %d is marked both code and write", i)
		}
		switch e.Flags.Access {
		case AccessSharedOwned:
			sharedOwned++
		case AccessSharedForeign:
			sharedForeign++
		}
		if e.Flags.Stack {
			stacks++
		}
		e.Flags.Present = true
		t.entries[i] = e
	}
	if sharedOwned > 1 {
		return nil, fmt.Errorf("layout: at most one shared-owned entry is allowed, found %d", sharedOwned)
	}
	if sharedForeign > 1 {
		return nil, fmt.Errorf("layout: at most one shared-foreign entry is allowed, found %d", sharedForeign)
	}
	if stacks > 1 {
		return nil, fmt.Errorf("layout: at most one stack entry is allowed, found %d", stacks)
	}
	return t, nil
}

// Marshal serializes the table to its wire form: MaxEntries packed 8-byte
// records, little-endian, present entries first.
func (t *LayoutTable) Marshal() []byte {
	out := make([]byte, MaxEntries*EntrySize)
	for i := 0; i < MaxEntries; i++ {
		var v uint64
		if i < t.count {
			v = t.entries[i].Pack()
		}
		binary.LittleEndian.PutUint64(out[i*EntrySize:], v)
	}
	return out
}

// ParseLayoutTable decodes a layout table from its wire form. buf must be at
// least MaxEntries*EntrySize bytes.
func ParseLayoutTable(buf []byte) (*LayoutTable, error) {
	if len(buf) < MaxEntries*EntrySize {
		return nil, fmt.Errorf("layout: buffer of %d bytes is smaller than the %d-byte table", len(buf), MaxEntries*EntrySize)
	}
	t := &LayoutTable{}
	for i := 0; i < MaxEntries; i++ {
		v := binary.LittleEndian.Uint64(buf[i*EntrySize:])
		e := unpackEntry(v)
		if !e.Flags.Present {
			break
		}
		t.entries[i] = e
		t.count = i + 1
	}
	return t, nil
}

// Present iterates the table's present-entry prefix in slot order.
func (t *LayoutTable) Present() iter.Seq[LayoutEntry] {
	return func(yield func(LayoutEntry) bool) {
		for i := 0; i < t.count; i++ {
			if !yield(t.entries[i]) {
				return
			}
		}
	}
}

// Len returns the number of present entries.
func (t *LayoutTable) Len() int { return t.count }
