package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
)

// buildMinimalELF assembles a tiny valid little-endian ELF64 x86_64
// executable in memory: one PT_LOAD segment covering a .text section and
// the entry point at its start.
func buildMinimalELF(t *testing.T, entry uint64, extraSections map[string][]byte) []byte {
	t.Helper()

	const (
		ehsize  = 64
		phsize  = 56
		shsize  = 64
	)

	textData := []byte{0xf4} // hlt
	textVaddr := entry
	textOff := uint64(ehsize + phsize)

	var buf bytes.Buffer
	// Placeholder header, patched below once offsets are known.
	buf.Write(make([]byte, ehsize))
	// Program header table.
	ph := make([]byte, phsize)
	binary.LittleEndian.PutUint32(ph[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(ph[4:], uint32(elf.PF_X|elf.PF_R))
	binary.LittleEndian.PutUint64(ph[8:], textOff)
	binary.LittleEndian.PutUint64(ph[16:], textVaddr)
	binary.LittleEndian.PutUint64(ph[24:], textVaddr)
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(textData)))
	binary.LittleEndian.PutUint64(ph[40:], uint64(len(textData)))
	binary.LittleEndian.PutUint64(ph[48:], 0x1000)
	buf.Write(ph)
	buf.Write(textData)

	// Section header string table content.
	shstrtab := []byte{0}
	nameOff := map[string]uint32{}
	addName := func(n string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(shstrtab, append([]byte(n), 0)...)
		nameOff[n] = off
		return off
	}
	addName(".text")
	addName(".shstrtab")

	type secDef struct {
		name    string
		addr    uint64
		off     uint64
		size    uint64
		flags   uint64
		secType elf.SectionType
	}
	secs := []secDef{
		{secType: elf.SHT_NULL}, // null section, index 0
		{name: ".text", addr: textVaddr, off: textOff, size: uint64(len(textData)), flags: uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR), secType: elf.SHT_PROGBITS},
	}

	for name, data := range extraSections {
		addName(name)
		off := uint64(buf.Len())
		buf.Write(data)
		secs = append(secs, secDef{name: name, addr: 0, off: off, size: uint64(len(data)), secType: elf.SHT_PROGBITS})
	}

	shstrtabOff := uint64(buf.Len())
	buf.Write(shstrtab)
	secs = append(secs, secDef{name: ".shstrtab", addr: 0, off: shstrtabOff, size: uint64(len(shstrtab)), secType: elf.SHT_STRTAB})

	shOff := uint64(buf.Len())
	for _, s := range secs {
		sh := make([]byte, shsize)
		if s.name != "" {
			binary.LittleEndian.PutUint32(sh[0:], nameOff[s.name])
		}
		binary.LittleEndian.PutUint32(sh[4:], uint32(s.secType))
		binary.LittleEndian.PutUint64(sh[8:], s.flags)
		binary.LittleEndian.PutUint64(sh[16:], s.addr)
		binary.LittleEndian.PutUint64(sh[24:], s.off)
		binary.LittleEndian.PutUint64(sh[32:], s.size)
		buf.Write(sh)
	}

	out := buf.Bytes()

	// Patch the ELF header now that offsets are known.
	hdr := out[:ehsize]
	copy(hdr[0:4], "\x7fELF")
	hdr[4] = 2 // ELFCLASS64
	hdr[5] = 1 // little endian
	hdr[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(hdr[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(hdr[18:], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(hdr[20:], 1)
	binary.LittleEndian.PutUint64(hdr[24:], entry)
	binary.LittleEndian.PutUint64(hdr[32:], ehsize) // phoff
	binary.LittleEndian.PutUint64(hdr[40:], shOff)    // shoff
	binary.LittleEndian.PutUint16(hdr[52:], ehsize)
	binary.LittleEndian.PutUint16(hdr[54:], phsize)
	binary.LittleEndian.PutUint16(hdr[56:], 1) // phnum
	binary.LittleEndian.PutUint16(hdr[58:], shsize)
	binary.LittleEndian.PutUint16(hdr[60:], uint16(len(secs)))
	binary.LittleEndian.PutUint16(hdr[62:], uint16(len(secs)-1)) // shstrndx

	return out
}

func TestLoadMinimalImage(t *testing.T) {
	data := buildMinimalELF(t, 0x400000, nil)
	img, err := Load(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Entry != 0x400000 {
		t.Fatalf("Entry = 0x%x, want 0x400000", img.Entry)
	}
	if len(img.Regions) != 1 {
		t.Fatalf("Regions = %d, want 1", len(img.Regions))
	}
	if !img.Regions[0].Flags.Code {
		t.Fatalf("expected the .text-backed region to be marked code")
	}
	if img.Regions[0].Flags.Write {
		t.Fatalf("code region must not be writable")
	}
}

func TestLoadRejectsUndersizedEntry(t *testing.T) {
	data := buildMinimalELF(t, 0x1000, nil)
	_, err := Load(bytes.NewReader(data), int64(len(data)))
	if err == nil {
		t.Fatalf("expected ErrInvalidEntryPoint for an entry below MinTextSegment")
	}
}

func TestLoadRejectsTruncatedFile(t *testing.T) {
	_, err := Load(bytes.NewReader([]byte{1, 2, 3}), 3)
	if err != ErrFileTooSmall {
		t.Fatalf("expected ErrFileTooSmall, got %v", err)
	}
}

func TestLoadExtractsMetadataSection(t *testing.T) {
	hostTable := []byte("fake-host-table")
	data := buildMinimalELF(t, 0x400000, map[string][]byte{
		".bmvm.vmi.host": hostTable,
	})
	img, err := Load(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(img.HostTable, hostTable) {
		t.Fatalf("HostTable = %q, want %q", img.HostTable, hostTable)
	}
}
