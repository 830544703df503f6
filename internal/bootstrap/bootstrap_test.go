package bootstrap

import (
	"testing"

	"github.com/nelsongillo/bmvm/internal/align"
	"github.com/nelsongillo/bmvm/internal/layout"
)

func TestBuildProducesConsistentImage(t *testing.T) {
	const base = uint64(1) << 32
	written := make(map[uint64][]byte)
	write := func(addr uint64, data []byte) error {
		cp := append([]byte(nil), data...)
		written[addr] = cp
		return nil
	}

	codeEntry, err := layout.NewLayoutEntry(0x400000, 1, layout.EntryFlags{Code: true})
	if err != nil {
		t.Fatalf("NewLayoutEntry: %v", err)
	}

	img, err := Build(base, []layout.LayoutEntry{codeEntry}, 0, write)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if img.Root == 0 {
		t.Fatalf("expected non-zero paging root")
	}
	if _, ok := written[base+GDTOffset]; !ok {
		t.Fatalf("GDT was never written")
	}
	if _, ok := written[base+IDTOffset]; !ok {
		t.Fatalf("IDT was never written")
	}
	if _, ok := written[base+LayoutTableOffset]; !ok {
		t.Fatalf("layout table was never written")
	}

	gdt := written[base+GDTOffset]
	if len(gdt) != 3*8 {
		t.Fatalf("GDT size = %d, want 24", len(gdt))
	}

	tableBytes := written[base+LayoutTableOffset]
	parsed, err := layout.ParseLayoutTable(tableBytes)
	if err != nil {
		t.Fatalf("ParseLayoutTable: %v", err)
	}
	found := false
	for e := range parsed.Present() {
		if e.Addr == codeEntry.Addr && e.Flags.Code {
			found = true
		}
	}
	if !found {
		t.Fatalf("code entry missing from assembled layout table")
	}
}

func TestBuildRejectsUnalignedBase(t *testing.T) {
	_, err := Build(1, nil, 0, func(uint64, []byte) error { return nil })
	if err == nil {
		t.Fatalf("expected error for unaligned base")
	}
}

func TestBuildPropagatesWriteError(t *testing.T) {
	boom := errBoom{}
	_, err := Build(align.Page4K, nil, 0, func(uint64, []byte) error { return boom })
	if err == nil {
		t.Fatalf("expected error to propagate")
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
