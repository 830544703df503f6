package vmi

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// ExposeCallEntry maps one guest-exposed function's structural signature to
// the relative virtual address of its upcall wrapper, as emitted into the
// guest's `.bmvm.vmi.expose.calls` section, sorted by signature at guest
// build time so the host can binary search it without any string work on
// the hot path.
type ExposeCallEntry struct {
	Signature Signature
	EntryRVA  uint64
}

const exposeCallEntrySize = 16

// ParseExposeCallTable decodes the fixed 16-byte-per-entry expose-calls
// section: u64 signature (LE) followed by u64 entry RVA (LE), repeated.
func ParseExposeCallTable(data []byte) ([]ExposeCallEntry, error) {
	if len(data)%exposeCallEntrySize != 0 {
		return nil, fmt.Errorf("vmi: expose-calls section size %d is not a multiple of %d", len(data), exposeCallEntrySize)
	}
	out := make([]ExposeCallEntry, 0, len(data)/exposeCallEntrySize)
	for off := 0; off < len(data); off += exposeCallEntrySize {
		out = append(out, ExposeCallEntry{
			Signature: Signature(binary.LittleEndian.Uint64(data[off : off+8])),
			EntryRVA:  binary.LittleEndian.Uint64(data[off+8 : off+16]),
		})
	}
	return out, nil
}

// ExposeCallTable is a signature-sorted, binary-searchable view over a
// parsed expose-calls section.
type ExposeCallTable struct {
	entries []ExposeCallEntry
}

// NewExposeCallTable sorts entries by signature and returns a searchable
// table. The input is not mutated.
func NewExposeCallTable(entries []ExposeCallEntry) *ExposeCallTable {
	sorted := append([]ExposeCallEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Signature < sorted[j].Signature })
	return &ExposeCallTable{entries: sorted}
}

// ErrUnknownEntry is returned by EntryRVA when no entry matches sig.
var ErrUnknownEntry = fmt.Errorf("vmi: no expose-calls entry for signature")

// EntryRVA looks up the upcall wrapper entry point for sig.
func (t *ExposeCallTable) EntryRVA(sig Signature) (uint64, error) {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Signature >= sig })
	if i < len(t.entries) && t.entries[i].Signature == sig {
		return t.entries[i].EntryRVA, nil
	}
	return 0, ErrUnknownEntry
}
